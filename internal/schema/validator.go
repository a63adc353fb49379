// Package schema validates session documents and outbound events before they
// leave the process.
package schema

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"live-transcription-service/internal/models"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("schema validation failed")

// SessionIDPattern matches identifiers safe to use as file names.
var SessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidationError lists every problem found in one value.
type ValidationError struct {
	Subject  string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvalid, e.Subject, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// Validate checks a *models.SessionRecord or a models.Event.
func (v *Validator) Validate(value any) error {
	switch x := value.(type) {
	case *models.SessionRecord:
		return v.ValidateSession(x)
	case models.Event:
		return v.ValidateEvent(&x)
	case *models.Event:
		return v.ValidateEvent(x)
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrInvalid, value)
	}
}

// ValidateSession checks a session document.
func (v *Validator) ValidateSession(rec *models.SessionRecord) error {
	if rec == nil {
		return fmt.Errorf("%w: nil session", ErrInvalid)
	}
	var p []string
	if !SessionIDPattern.MatchString(rec.ID) {
		p = append(p, fmt.Sprintf("invalid id %q", rec.ID))
	}
	if rec.StartTime.IsZero() {
		p = append(p, "startTime is required")
	}
	if rec.EndTime != nil && rec.EndTime.Before(rec.StartTime) {
		p = append(p, "endTime precedes startTime")
	}
	if rec.SavedAt != nil && rec.Version == "" {
		p = append(p, "version is required on saved documents")
	}
	if rec.Metadata.DurationSec < 0 {
		p = append(p, "negative duration")
	}

	for engine, frags := range rec.Transcripts {
		if !engine.Valid() {
			p = append(p, fmt.Sprintf("unknown engine %q", engine))
			continue
		}
		for i, f := range frags {
			where := fmt.Sprintf("transcripts.%s[%d]", engine, i)
			if !f.IsFinal {
				p = append(p, where+": partial fragments are not persisted")
			}
			if f.SourceEngine != engine {
				p = append(p, fmt.Sprintf("%s: source engine %q", where, f.SourceEngine))
			}
			p = append(p, fragmentProblems(where, &f)...)
			if i > 0 && f.Timestamp.Before(frags[i-1].Timestamp) {
				p = append(p, where+": timestamp decreases")
			}
		}
	}

	if len(p) > 0 {
		return &ValidationError{Subject: "session " + rec.ID, Problems: p}
	}
	return nil
}

// ValidateEvent checks that the payload matches the event type.
func (v *Validator) ValidateEvent(ev *models.Event) error {
	var p []string
	if ev.Timestamp <= 0 {
		p = append(p, "timestamp is required")
	}
	if ev.Engine != "" && !ev.Engine.Valid() {
		p = append(p, fmt.Sprintf("unknown engine %q", ev.Engine))
	}

	switch ev.Type {
	case models.EventStatus:
		if ev.State == "" {
			p = append(p, "state is required")
		}
	case models.EventPartialTranscript, models.EventFinalTranscript:
		if ev.Fragment == nil {
			p = append(p, "fragment is required")
			break
		}
		if ev.Fragment.IsFinal != (ev.Type == models.EventFinalTranscript) {
			p = append(p, "fragment finality does not match event type")
		}
		p = append(p, fragmentProblems("fragment", ev.Fragment)...)
	case models.EventRecordingStarted, models.EventRecordingStopped, models.EventRecordingProgress:
		if ev.Recording == nil {
			p = append(p, "recording is required")
		}
	case models.EventSessionStarted, models.EventSessionEnded:
		if ev.Session == nil || ev.Session.ID == "" {
			p = append(p, "session is required")
		}
	case models.EventError:
		if ev.Error == nil || ev.Error.Message == "" {
			p = append(p, "error is required")
		}
	default:
		p = append(p, fmt.Sprintf("unknown type %q", ev.Type))
	}

	if len(p) > 0 {
		return &ValidationError{Subject: "event " + string(ev.Type), Problems: p}
	}
	return nil
}

func fragmentProblems(where string, f *models.Fragment) []string {
	var p []string
	if f.ID == "" {
		p = append(p, where+": id is required")
	}
	if f.IsFinal && strings.TrimSpace(f.Text) == "" {
		p = append(p, where+": empty text")
	}
	if f.Timestamp.IsZero() {
		p = append(p, where+": timestamp is required")
	}
	if f.Confidence != nil && (*f.Confidence < 0 || *f.Confidence > 1) {
		p = append(p, fmt.Sprintf("%s: confidence %v out of range", where, *f.Confidence))
	}
	if f.LatencyMs != nil && *f.LatencyMs < 0 {
		p = append(p, where+": negative latency")
	}
	return p
}
