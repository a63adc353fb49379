package models

import (
	"errors"
	"time"
)

// EventType names a normalized outbound event.
type EventType string

const (
	EventStatus            EventType = "status"
	EventPartialTranscript EventType = "partialTranscript"
	EventFinalTranscript   EventType = "finalTranscript"
	EventRecordingStarted  EventType = "recordingStarted"
	EventRecordingStopped  EventType = "recordingStopped"
	EventRecordingProgress EventType = "recordingProgress"
	EventSessionStarted    EventType = "sessionStarted"
	EventSessionEnded      EventType = "sessionEnded"
	EventError             EventType = "error"
)

// Event is the envelope published to observers.
// Exactly one of the payload fields is set, matching Type.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	Engine    Engine    `json:"engine,omitempty"`
	Timestamp int64     `json:"timestamp"`

	State     string         `json:"state,omitempty"`
	Fragment  *Fragment      `json:"fragment,omitempty"`
	Recording *RecordingInfo `json:"recording,omitempty"`
	Session   *SessionInfo   `json:"session,omitempty"`
	Error     *ErrorInfo     `json:"error,omitempty"`
}

// RecordingInfo describes an audio container file.
type RecordingInfo struct {
	Path          string  `json:"path"`
	SampleRate    int     `json:"sampleRate"`
	Channels      int     `json:"channels"`
	BitDepth      int     `json:"bitDepth"`
	Samples       int64   `json:"samples"`
	DataBytes     int64   `json:"dataBytes"`
	FileBytes     int64   `json:"fileBytes"`
	DurationSec   float64 `json:"durationSec"`
	Finalized     bool    `json:"finalized"`
	StartedAtUnix int64   `json:"startedAt,omitempty"`
}

// SessionInfo is the lightweight view of a session carried by lifecycle events.
type SessionInfo struct {
	ID             string     `json:"id"`
	StartTime      time.Time  `json:"startTime"`
	EndTime        *time.Time `json:"endTime,omitempty"`
	StreamingModel string     `json:"streamingModel,omitempty"`
	LocalModel     string     `json:"localModel,omitempty"`
	RecordingFile  string     `json:"recordingFile,omitempty"`
	FinalCount     int        `json:"finalCount"`
}

// ErrorInfo is the serializable form of an EngineError.
type ErrorInfo struct {
	Kind      string `json:"kind"`
	Op        string `json:"op,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Fatal     bool   `json:"fatal"`
}

// NewErrorInfo converts err to its serializable form.
func NewErrorInfo(err error) *ErrorInfo {
	info := &ErrorInfo{Kind: Kind(err), Message: err.Error()}
	var ee *EngineError
	if errors.As(err, &ee) {
		info.Op = ee.Op
		info.Retryable = ee.Retryable
		info.Fatal = ee.Fatal
	}
	return info
}

// NewEvent stamps a new event with the current time.
func NewEvent(t EventType, sessionID string, engine Engine) Event {
	return Event{
		Type:      t,
		SessionID: sessionID,
		Engine:    engine,
		Timestamp: time.Now().UnixMilli(),
	}
}
