package schema

import (
	"errors"
	"testing"
	"time"

	"live-transcription-service/internal/models"
)

func final(engine models.Engine, text string, ts time.Time) models.Fragment {
	return models.Fragment{ID: "f-" + text, Text: text, IsFinal: true, Timestamp: ts, SourceEngine: engine}
}

func validRecord() *models.SessionRecord {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Minute)
	rec := models.NewSessionRecord("session_1740823200000", start)
	rec.EndTime = &end
	rec.Transcripts[models.EngineStreaming] = []models.Fragment{
		final(models.EngineStreaming, "hello", start.Add(time.Second)),
		final(models.EngineStreaming, "world", start.Add(2*time.Second)),
	}
	return rec
}

func TestValidateSession(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *models.SessionRecord)
		wantErr bool
	}{
		{"valid", func(*models.SessionRecord) {}, false},
		{"path in id", func(r *models.SessionRecord) { r.ID = "../etc/passwd" }, true},
		{"empty id", func(r *models.SessionRecord) { r.ID = "" }, true},
		{"zero start", func(r *models.SessionRecord) { r.StartTime = time.Time{} }, true},
		{"end before start", func(r *models.SessionRecord) {
			e := r.StartTime.Add(-time.Second)
			r.EndTime = &e
		}, true},
		{"saved without version", func(r *models.SessionRecord) {
			now := time.Now()
			r.SavedAt = &now
		}, true},
		{"partial persisted", func(r *models.SessionRecord) {
			r.Transcripts[models.EngineLocal] = []models.Fragment{{ID: "x", Text: "hi", Timestamp: r.StartTime, SourceEngine: models.EngineLocal}}
		}, true},
		{"wrong source engine", func(r *models.SessionRecord) {
			r.Transcripts[models.EngineLocal] = []models.Fragment{final(models.EngineStreaming, "hi", r.StartTime)}
		}, true},
		{"decreasing timestamps", func(r *models.SessionRecord) {
			frags := r.Transcripts[models.EngineStreaming]
			frags[0], frags[1] = frags[1], frags[0]
		}, true},
		{"confidence out of range", func(r *models.SessionRecord) {
			r.Transcripts[models.EngineStreaming][0].Confidence = models.Float64(1.5)
		}, true},
	}

	v := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := validRecord()
			tt.mutate(rec)
			err := v.Validate(rec)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestValidateEvent(t *testing.T) {
	frag := final(models.EngineLocal, "hi", time.Now())
	partial := frag
	partial.IsFinal = false

	tests := []struct {
		name    string
		ev      models.Event
		wantErr bool
	}{
		{"status", models.Event{Type: models.EventStatus, State: "connected", Timestamp: 1}, false},
		{"status without state", models.Event{Type: models.EventStatus, Timestamp: 1}, true},
		{"final", models.Event{Type: models.EventFinalTranscript, Fragment: &frag, Timestamp: 1}, false},
		{"partial", models.Event{Type: models.EventPartialTranscript, Fragment: &partial, Timestamp: 1}, false},
		{"final flagged partial", models.Event{Type: models.EventFinalTranscript, Fragment: &partial, Timestamp: 1}, true},
		{"missing fragment", models.Event{Type: models.EventFinalTranscript, Timestamp: 1}, true},
		{"recording", models.Event{Type: models.EventRecordingStarted, Recording: &models.RecordingInfo{}, Timestamp: 1}, false},
		{"session without info", models.Event{Type: models.EventSessionEnded, Timestamp: 1}, true},
		{"error", models.Event{Type: models.EventError, Error: &models.ErrorInfo{Message: "boom"}, Timestamp: 1}, false},
		{"unknown type", models.Event{Type: "bogus", Timestamp: 1}, true},
		{"missing timestamp", models.Event{Type: models.EventStatus, State: "x"}, true},
		{"unknown engine", models.Event{Type: models.EventStatus, State: "x", Engine: "cloud", Timestamp: 1}, true},
	}

	v := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.ev)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_UnsupportedType(t *testing.T) {
	if err := New().Validate("text"); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}
