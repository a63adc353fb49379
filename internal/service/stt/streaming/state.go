// Package streaming provides the resilient client for remote streaming
// recognition services and the transport contract providers implement.
package streaming

import "fmt"

// ConnectionState represents the lifecycle state of the streaming client.
type ConnectionState int

const (
	// StateDisconnected - no transport, no retry pending.
	StateDisconnected ConnectionState = iota
	// StateConnecting - a dial is in progress.
	StateConnecting
	// StateConnected - transport open, audio not flowing.
	StateConnected
	// StateRecording - transport open, audio accepted.
	StateRecording
	// StateReconnecting - waiting for a scheduled retry.
	StateReconnecting
	// StateFailed - retries exhausted or a permanent close. Only Connect recovers.
	StateFailed
)

// String returns the string representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRecording:
		return "recording"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Live reports whether a transport is open.
func (s ConnectionState) Live() bool {
	return s == StateConnected || s == StateRecording
}

// Allowed transitions:
//
//	Disconnected → Connecting → Connected ⇄ Recording
//	                  │             │           │
//	                  └──────┬──────┴───────────┘
//	                         ▼
//	                   Reconnecting → Connecting
//	                         │
//	                         ▼
//	                       Failed → Connecting
//
// Disconnect moves any state to Disconnected.
var transitions = map[ConnectionState][]ConnectionState{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateReconnecting, StateFailed, StateDisconnected},
	StateConnected:    {StateRecording, StateReconnecting, StateFailed, StateDisconnected},
	StateRecording:    {StateConnected, StateReconnecting, StateFailed, StateDisconnected},
	StateReconnecting: {StateConnecting, StateFailed, StateDisconnected},
	StateFailed:       {StateConnecting, StateDisconnected},
}

// CanTransition reports whether from → to is an edge of the state machine.
func CanTransition(from, to ConnectionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
