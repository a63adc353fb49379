package session

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"live-transcription-service/internal/models"
)

// Format is an export representation.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "txt"
	FormatCSV  Format = "csv"
)

// ParseFormat accepts json, txt or csv, case-insensitively. An empty string
// means json.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatText, FormatCSV:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", models.ErrUnsupportedFormat, s)
	}
}

var engineTitles = map[models.Engine]string{
	models.EngineStreaming: "STREAMING",
	models.EngineLocal:     "LOCAL",
}

// Render produces the export bytes for rec.
func Render(rec *models.SessionRecord, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("%w: marshal export: %v", models.ErrIO, err)
		}
		return data, nil
	case FormatText:
		return renderText(rec), nil
	case FormatCSV:
		return renderCSV(rec)
	default:
		return nil, fmt.Errorf("%w: %q", models.ErrUnsupportedFormat, format)
	}
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func renderText(rec *models.SessionRecord) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Transcript Session: %s\n", rec.ID)
	fmt.Fprintf(&b, "Date: %s\n", rec.StartTime.Local().Format("2006-01-02 15:04:05"))
	duration := rec.Metadata.DurationSec
	if rec.EndTime != nil {
		duration = rec.EndTime.Sub(rec.StartTime).Seconds()
	}
	fmt.Fprintf(&b, "Duration: %.2fs\n", duration)
	fmt.Fprintf(&b, "Streaming Model: %s\n", orNA(rec.StreamingModel))
	fmt.Fprintf(&b, "Local Model: %s\n", orNA(rec.LocalModel))
	fmt.Fprintf(&b, "Recording File: %s\n", orNA(rec.RecordingFile))

	for _, e := range models.Engines {
		fmt.Fprintf(&b, "\n=== %s TRANSCRIPTION ===\n", engineTitles[e])
		for _, f := range rec.Transcripts[e] {
			fmt.Fprintf(&b, "[%s] %s\n", f.Timestamp.Local().Format(time.TimeOnly), f.Text)
		}
	}
	return b.Bytes()
}

func renderCSV(rec *models.SessionRecord) ([]byte, error) {
	var b bytes.Buffer
	w := csv.NewWriter(&b)
	w.Write([]string{"Engine", "Timestamp", "Type", "Text", "Confidence", "Latency"})
	for _, e := range models.Engines {
		for _, f := range rec.Transcripts[e] {
			conf, latency := "", ""
			if f.Confidence != nil {
				conf = strconv.FormatFloat(*f.Confidence, 'f', -1, 64)
			}
			if f.LatencyMs != nil {
				latency = strconv.FormatInt(*f.LatencyMs, 10)
			}
			w.Write([]string{
				string(e),
				strconv.FormatInt(f.Timestamp.UnixMilli(), 10),
				f.Kind(),
				f.Text,
				conf,
				latency,
			})
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("%w: write csv: %v", models.ErrIO, err)
	}
	return b.Bytes(), nil
}
