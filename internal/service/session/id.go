package session

import (
	"fmt"
	"sync/atomic"
	"time"
)

// IDGenerator allocates time-derived session IDs of the form session_<unix ms>.
// Two calls in the same millisecond get consecutive values, so IDs never repeat
// within the process.
type IDGenerator struct {
	last atomic.Int64
	now  func() time.Time
}

func NewIDGenerator() *IDGenerator {
	return &IDGenerator{now: time.Now}
}

func (g *IDGenerator) Next() string {
	ms := g.now().UnixMilli()
	for {
		prev := g.last.Load()
		next := ms
		if next <= prev {
			next = prev + 1
		}
		if g.last.CompareAndSwap(prev, next) {
			return fmt.Sprintf("session_%d", next)
		}
	}
}
