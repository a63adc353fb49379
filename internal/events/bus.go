package events

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"live-transcription-service/internal/models"
)

// Emitter receives normalized pipeline events. Emit must not block.
type Emitter interface {
	Emit(ev models.Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ev models.Event)

func (f EmitterFunc) Emit(ev models.Event) { f(ev) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(models.Event) {})

// Bus fans events out to subscribers. A subscriber whose buffer is full misses
// the event instead of stalling the sender.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan models.Event
	nextID  int
	dropped atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan models.Event)}
}

// Subscribe returns a channel of events and a function that cancels the subscription.
func (b *Bus) Subscribe(buffer int) (<-chan models.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan models.Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Emit delivers ev to every subscriber without blocking.
func (b *Bus) Emit(ev models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			if n := b.dropped.Add(1); n == 1 || n%100 == 0 {
				log.Warn().Int64("dropped", n).Str("type", string(ev.Type)).Msg("Event subscriber is full, dropping")
			}
		}
	}
}

// Dropped returns how many deliveries were skipped.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
