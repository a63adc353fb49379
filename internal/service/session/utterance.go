package session

import (
	"fmt"

	"live-transcription-service/internal/models"
)

// UtteranceState is the lifecycle state of one engine's current utterance.
type UtteranceState int

const (
	// UtteranceIdle - no partial seen since the last final.
	UtteranceIdle UtteranceState = iota
	// UtteranceOpen - partials are arriving.
	UtteranceOpen
	// UtteranceDropped - the engine failed mid-utterance; the partial text is discarded.
	UtteranceDropped
)

func (s UtteranceState) String() string {
	switch s {
	case UtteranceIdle:
		return "IDLE"
	case UtteranceOpen:
		return "OPEN"
	case UtteranceDropped:
		return "DROPPED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// utterance tracks the transient partial text of one engine. It is owned by the
// aggregator and guarded by its mutex.
//
// State transitions:
//
//	IDLE --partial--> OPEN --final--> IDLE
//	OPEN --error--> DROPPED --partial--> OPEN
//
// A final always closes the utterance.
type utterance struct {
	state   UtteranceState
	partial *models.Fragment
	count   int
}

// Partial replaces the open partial and returns how many partials the
// utterance has seen.
func (u *utterance) Partial(f models.Fragment) int {
	if u.state != UtteranceOpen {
		u.count = 0
	}
	u.state = UtteranceOpen
	u.partial = &f
	u.count++
	return u.count
}

func (u *utterance) Final() {
	u.state = UtteranceIdle
	u.partial = nil
	u.count = 0
}

// Drop discards the open partial. It returns false when nothing was open.
func (u *utterance) Drop() bool {
	if u.state != UtteranceOpen {
		return false
	}
	u.state = UtteranceDropped
	u.partial = nil
	return true
}

func (u *utterance) Current() *models.Fragment {
	if u.partial == nil {
		return nil
	}
	f := *u.partial
	return &f
}
