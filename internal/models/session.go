package models

import "time"

// SessionRecord is the durable document written once per session.
type SessionRecord struct {
	ID             string                `json:"id"`
	StartTime      time.Time             `json:"startTime"`
	EndTime        *time.Time            `json:"endTime,omitempty"`
	StreamingModel string                `json:"streamingModel,omitempty"`
	LocalModel     string                `json:"localModel,omitempty"`
	RecordingFile  string                `json:"recordingFile,omitempty"`
	Transcripts    map[Engine][]Fragment `json:"transcripts"`
	Metadata       SessionMetadata       `json:"metadata"`
	SavedAt        *time.Time            `json:"savedAt,omitempty"`
	Version        string                `json:"version,omitempty"`
}

// SessionMetadata holds aggregate statistics for a session.
type SessionMetadata struct {
	Counts            map[Engine]int     `json:"counts"`
	AverageConfidence map[Engine]float64 `json:"averageConfidence"`
	LatencySamples    map[Engine][]int64 `json:"latencySamples"`
	AverageLatencyMs  float64            `json:"averageLatencyMs"`
	TextLength        map[Engine]int     `json:"textLength"`
	DurationSec       float64            `json:"durationSec"`
	Errors            []ErrorEntry       `json:"errors"`
}

// ErrorEntry is one error recorded against a session.
type ErrorEntry struct {
	Engine    Engine    `json:"engine"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionSummary is one row of a session listing.
type SessionSummary struct {
	ID          string         `json:"id"`
	StartTime   time.Time      `json:"startTime,omitempty"`
	EndTime     *time.Time     `json:"endTime,omitempty"`
	DurationSec float64        `json:"durationSec"`
	Counts      map[Engine]int `json:"counts,omitempty"`
	Size        int64          `json:"size"`
	// Error is set when the stored document could not be parsed.
	Error string `json:"error,omitempty"`
}

// NewSessionRecord returns an empty record for id.
func NewSessionRecord(id string, start time.Time) *SessionRecord {
	rec := &SessionRecord{
		ID:          id,
		StartTime:   start,
		Transcripts: make(map[Engine][]Fragment, len(Engines)),
		Metadata: SessionMetadata{
			Counts:            make(map[Engine]int, len(Engines)),
			AverageConfidence: make(map[Engine]float64, len(Engines)),
			LatencySamples:    make(map[Engine][]int64, len(Engines)),
			TextLength:        make(map[Engine]int, len(Engines)),
			Errors:            []ErrorEntry{},
		},
	}
	for _, e := range Engines {
		rec.Transcripts[e] = []Fragment{}
		rec.Metadata.Counts[e] = 0
		rec.Metadata.AverageConfidence[e] = 0
		rec.Metadata.LatencySamples[e] = []int64{}
		rec.Metadata.TextLength[e] = 0
	}
	return rec
}

// Info returns the lifecycle-event view of the record.
func (r *SessionRecord) Info() *SessionInfo {
	n := 0
	for _, frags := range r.Transcripts {
		n += len(frags)
	}
	return &SessionInfo{
		ID:             r.ID,
		StartTime:      r.StartTime,
		EndTime:        r.EndTime,
		StreamingModel: r.StreamingModel,
		LocalModel:     r.LocalModel,
		RecordingFile:  r.RecordingFile,
		FinalCount:     n,
	}
}

// Summary returns the listing view of the record.
func (r *SessionRecord) Summary(size int64) SessionSummary {
	counts := make(map[Engine]int, len(r.Transcripts))
	for e, frags := range r.Transcripts {
		counts[e] = len(frags)
	}
	return SessionSummary{
		ID:          r.ID,
		StartTime:   r.StartTime,
		EndTime:     r.EndTime,
		DurationSec: r.Metadata.DurationSec,
		Counts:      counts,
		Size:        size,
	}
}
