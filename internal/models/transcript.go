// Package models defines the data structures shared by the transcription engines,
// the session aggregator and the outbound event stream.
package models

import "time"

// Engine identifies which recognizer produced a fragment or event.
type Engine string

const (
	// EngineStreaming is the remote, persistent-connection recognizer.
	EngineStreaming Engine = "streaming"
	// EngineLocal is the locally hosted worker subprocess.
	EngineLocal Engine = "local"
	// EngineRecorder is the audio container writer. It never produces fragments.
	EngineRecorder Engine = "recorder"
)

// Engines lists the engines that produce transcript fragments, in export order.
var Engines = []Engine{EngineStreaming, EngineLocal}

// Valid reports whether e is a known engine.
func (e Engine) Valid() bool {
	switch e {
	case EngineStreaming, EngineLocal, EngineRecorder:
		return true
	}
	return false
}

// Fragment is one unit of recognized text.
// Partial fragments are superseded by the next fragment from the same engine;
// final fragments are immutable once emitted.
type Fragment struct {
	ID           string    `json:"id"`
	Text         string    `json:"text"`
	Confidence   *float64  `json:"confidence,omitempty"`
	IsFinal      bool      `json:"isFinal"`
	Timestamp    time.Time `json:"timestamp"`
	LatencyMs    *int64    `json:"latencyMs,omitempty"`
	SourceEngine Engine    `json:"sourceEngine"`
	Model        string    `json:"model,omitempty"`

	// ProcessingMs is the worker-reported processing time (local engine only).
	ProcessingMs *int64 `json:"processingMs,omitempty"`
	// MessageID is the provider message or turn identifier, when available.
	MessageID string `json:"messageId,omitempty"`
}

// Kind returns "final" or "partial".
func (f Fragment) Kind() string {
	if f.IsFinal {
		return "final"
	}
	return "partial"
}

// Float64 returns a pointer to v. Used for optional numeric fields.
func Float64(v float64) *float64 { return &v }

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }
