package local

import (
	"encoding/json"
	"math"
	"strings"
)

// Command names understood by the worker.
const (
	CommandTranscribe  = "transcribe"
	CommandSwitchModel = "switch_model"
	CommandStop        = "stop"
)

// Command is one line written to the worker's stdin.
type Command struct {
	Command   string `json:"command"`
	AudioFile string `json:"audio_file,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Model     string `json:"model,omitempty"`
}

// Response is one line read from the worker's stdout. The concrete type is one of
// *Transcription, *StatusMessage, *WorkerError or *Unrecognized.
type Response interface {
	responseType() string
}

// Transcription is the result for one transcribe request.
type Transcription struct {
	Text       string
	Confidence *float64
	// Timestamp echoes the request timestamp in unix milliseconds.
	Timestamp int64
	// ProcessingSec is the worker-reported processing time.
	ProcessingSec float64
	Model         string
}

// StatusMessage is an informational message; the first one signals readiness.
type StatusMessage struct {
	Message string
	// Model is set by workers that tag model load acknowledgements.
	Model string
}

// ConfirmsLoad reports whether the message says model has finished loading.
// "Loading model: x" does not; "Model x loaded successfully" does.
func (s *StatusMessage) ConfirmsLoad(model string) bool {
	if !strings.Contains(strings.ToLower(s.Message), "loaded") {
		return false
	}
	return s.Model == model || mentions(s.Message, model)
}

// WorkerError is a failure reported by the worker.
type WorkerError struct {
	Message string
	// Command is set by workers that tag errors with the failing command.
	Command string
}

// ConcernsSwitch reports whether the error belongs to a switch to model rather than
// to the transcription in flight.
func (w *WorkerError) ConcernsSwitch(model string) bool {
	if w.Command != "" {
		return w.Command == CommandSwitchModel
	}
	return mentions(w.Message, model)
}

// mentions reports whether msg contains model as a whole word.
func mentions(msg, model string) bool {
	if model == "" {
		return false
	}
	for _, tok := range strings.Fields(msg) {
		if strings.Trim(tok, ":;,'\"()") == model {
			return true
		}
	}
	return false
}

// Unrecognized is any line that is not a known response.
type Unrecognized struct {
	Raw string
}

func (*Transcription) responseType() string { return "transcription" }
func (*StatusMessage) responseType() string { return "status" }
func (*WorkerError) responseType() string   { return "error" }
func (*Unrecognized) responseType() string  { return "unrecognized" }

type wireResponse struct {
	Type           string   `json:"type"`
	Text           string   `json:"text"`
	Confidence     *float64 `json:"confidence"`
	Timestamp      float64  `json:"timestamp"`
	ProcessingTime float64  `json:"processing_time"`
	Model          string   `json:"model"`
	Message        string   `json:"message"`
	Command        string   `json:"command"`
}

// ParseResponse decodes one line of worker output.
func ParseResponse(line []byte) Response {
	var w wireResponse
	if err := json.Unmarshal(line, &w); err != nil {
		return &Unrecognized{Raw: string(line)}
	}
	switch w.Type {
	case "transcription":
		return &Transcription{
			Text:          w.Text,
			Confidence:    w.Confidence,
			Timestamp:     int64(math.Round(w.Timestamp)),
			ProcessingSec: w.ProcessingTime,
			Model:         w.Model,
		}
	case "status":
		return &StatusMessage{Message: w.Message, Model: w.Model}
	case "error":
		return &WorkerError{Message: w.Message, Command: w.Command}
	default:
		return &Unrecognized{Raw: string(line)}
	}
}
