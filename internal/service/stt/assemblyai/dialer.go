// Package assemblyai provides the AssemblyAI Universal-Streaming (v3) transport
// for the streaming client.
//
// Only the v3 framing is understood: Begin, Turn (final when end_of_turn and
// turn_is_formatted are both set) and
// Termination. Legacy v2 frames (SessionBegins, PartialTranscript,
// FinalTranscript) are reported as unrecognized.
package assemblyai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"live-transcription-service/internal/service/stt/streaming"
)

// DefaultURL is the v3 streaming endpoint.
const DefaultURL = "wss://streaming.assemblyai.com/v3/ws"

const writeTimeout = 5 * time.Second

// Close codes that indicate a problem retrying cannot fix.
var permanentCodes = map[int]bool{
	websocket.ClosePolicyViolation: true, // 1008
	4001:                           true, // not authorized
	4002:                           true, // insufficient funds
	4003:                           true, // free tier / billing required
}

// IsPermanent reports whether a close code must not be retried.
func IsPermanent(code int) bool {
	return permanentCodes[code]
}

// Dialer implements streaming.Dialer over gorilla/websocket.
type Dialer struct {
	ws *websocket.Dialer
}

// NewDialer creates an AssemblyAI dialer.
func NewDialer() *Dialer {
	return &Dialer{ws: &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}}
}

func (d *Dialer) Name() string         { return "assemblyai" }
func (d *Dialer) RequiresAPIKey() bool { return true }

// Endpoint builds the connection URL for opts.
func Endpoint(opts streaming.DialOptions) (string, error) {
	base := opts.URL
	if base == "" {
		base = DefaultURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid streaming url %q: %w", base, err)
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	if opts.Encoding != "" {
		q.Set("encoding", opts.Encoding)
	}
	if opts.Model != "" && opts.Model != "universal-streaming" {
		q.Set("speech_model", opts.Model)
	}
	q.Set("format_turns", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial opens a websocket authenticated with the API key.
func (d *Dialer) Dial(ctx context.Context, opts streaming.DialOptions) (streaming.Conn, error) {
	endpoint, err := Endpoint(opts)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", opts.APIKey)

	ws, resp, err := d.ws.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &streaming.CloseError{Code: resp.StatusCode, Reason: resp.Status, Permanent: true}
		}
		return nil, err
	}
	return &conn{ws: ws}, nil
}

type conn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
}

func (c *conn) WriteAudio(pcm []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, pcm)
}

func (c *conn) Terminate() error {
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(terminateMessage{Type: "Terminate"})
}

func (c *conn) ReadEvent() (streaming.Inbound, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return streaming.Inbound{}, &streaming.CloseError{
				Code:      ce.Code,
				Reason:    ce.Text,
				Permanent: IsPermanent(ce.Code),
			}
		}
		return streaming.Inbound{}, err
	}
	return parseMessage(data), nil
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.ws.Close()
	})
	return err
}

type terminateMessage struct {
	Type string `json:"type"`
}

type word struct {
	Text        string   `json:"text"`
	Start       float64  `json:"start"`
	End         float64  `json:"end"`
	Confidence  *float64 `json:"confidence,omitempty"`
	WordIsFinal bool     `json:"word_is_final"`
}

// message is the union of all v3 server frames.
type message struct {
	Type string `json:"type"`

	// Begin
	ID        string          `json:"id"`
	ExpiresAt json.RawMessage `json:"expires_at"`

	// Turn
	TurnOrder       int    `json:"turn_order"`
	Transcript      string `json:"transcript"`
	EndOfTurn       bool   `json:"end_of_turn"`
	TurnIsFormatted bool   `json:"turn_is_formatted"`
	Words           []word `json:"words"`

	// Optional server creation time used for latency.
	Created json.RawMessage `json:"created"`

	Error string `json:"error"`
}

func parseMessage(data []byte) streaming.Inbound {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return streaming.Inbound{Kind: streaming.InboundUnrecognized, Raw: string(data)}
	}

	ev := streaming.Inbound{Created: parseTimestamp(m.Created)}
	switch m.Type {
	case "Begin":
		ev.Kind = streaming.InboundBegin
		ev.SessionID = m.ID
		ev.ExpiresAt = parseTimestamp(m.ExpiresAt)
	case "Turn":
		ev.Kind = streaming.InboundTranscript
		ev.Text = m.Transcript
		// Endpoint requests formatted turns, so each turn ends twice: first
		// unformatted, then formatted. Only the formatted frame is final.
		ev.EndOfTurn = m.EndOfTurn && m.TurnIsFormatted
		ev.MessageID = strconv.Itoa(m.TurnOrder)
		ev.Confidence = meanConfidence(m.Words)
	case "Termination":
		ev.Kind = streaming.InboundTermination
	case "Error":
		ev.Kind = streaming.InboundError
		ev.Error = m.Error
	case "":
		if m.Error != "" {
			ev.Kind = streaming.InboundError
			ev.Error = m.Error
			break
		}
		ev.Kind = streaming.InboundUnrecognized
		ev.Raw = string(data)
	default:
		ev.Kind = streaming.InboundUnrecognized
		ev.Raw = string(data)
	}
	return ev
}

func meanConfidence(words []word) *float64 {
	var sum float64
	var n int
	for _, w := range words {
		if w.Confidence != nil {
			sum += *w.Confidence
			n++
		}
	}
	if n == 0 {
		return nil
	}
	mean := sum / float64(n)
	return &mean
}

// parseTimestamp accepts either unix seconds or an RFC3339 string.
func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}
	}
	var secs float64
	if err := json.Unmarshal(raw, &secs); err == nil {
		whole := int64(secs)
		return time.Unix(whole, int64((secs-float64(whole))*1e9)).UTC()
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return parseTime(s)
	}
	return time.Time{}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
