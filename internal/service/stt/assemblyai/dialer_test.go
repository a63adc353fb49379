package assemblyai

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"live-transcription-service/internal/service/stt/streaming"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want streaming.InboundKind
	}{
		{"begin", `{"type":"Begin","id":"abc","expires_at":1735689600}`, streaming.InboundBegin},
		{"turn", `{"type":"Turn","transcript":"hi","end_of_turn":false}`, streaming.InboundTranscript},
		{"termination", `{"type":"Termination","audio_duration_seconds":3}`, streaming.InboundTermination},
		{"error", `{"error":"bad audio"}`, streaming.InboundError},
		{"legacy session begins", `{"message_type":"SessionBegins","session_id":"x"}`, streaming.InboundUnrecognized},
		{"legacy final", `{"message_type":"FinalTranscript","text":"hi"}`, streaming.InboundUnrecognized},
		{"unknown type", `{"type":"SpeechStarted"}`, streaming.InboundUnrecognized},
		{"not json", `hello`, streaming.InboundUnrecognized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseMessage([]byte(tt.in))
			if got.Kind != tt.want {
				t.Errorf("kind = %s, want %s", got.Kind, tt.want)
			}
		})
	}
}

func TestParseMessage_Fields(t *testing.T) {
	begin := parseMessage([]byte(`{"type":"Begin","id":"sess","expires_at":1735689600}`))
	if begin.SessionID != "sess" {
		t.Errorf("session id = %q", begin.SessionID)
	}
	if !begin.ExpiresAt.Equal(time.Unix(1735689600, 0)) {
		t.Errorf("expires at = %v", begin.ExpiresAt)
	}

	turn := parseMessage([]byte(`{"type":"Turn","turn_order":3,"transcript":"hello world","end_of_turn":true,
		"turn_is_formatted":true,"created":"2024-01-01T12:00:00Z",
		"words":[{"text":"hello","confidence":0.8},{"text":"world","confidence":1.0}]}`))
	if !turn.EndOfTurn || turn.Text != "hello world" || turn.MessageID != "3" {
		t.Errorf("unexpected turn %+v", turn)
	}
	if turn.Confidence == nil || math.Abs(*turn.Confidence-0.9) > 1e-9 {
		t.Errorf("expected mean confidence 0.9, got %v", turn.Confidence)
	}
	if !turn.Created.Equal(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("created = %v", turn.Created)
	}

	noWords := parseMessage([]byte(`{"type":"Turn","transcript":"x"}`))
	if noWords.Confidence != nil {
		t.Error("expected nil confidence without words")
	}
	if !noWords.Created.IsZero() {
		t.Error("expected zero created time when absent")
	}
}

func TestParseMessage_FormattedTurnPair(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		wantFinal bool
	}{
		{"partial", `{"type":"Turn","turn_order":0,"transcript":"hello wor","end_of_turn":false,"turn_is_formatted":false}`, false},
		{"unformatted end", `{"type":"Turn","turn_order":0,"transcript":"hello world","end_of_turn":true,"turn_is_formatted":false}`, false},
		{"formatted end", `{"type":"Turn","turn_order":0,"transcript":"Hello world.","end_of_turn":true,"turn_is_formatted":true}`, true},
	}

	finals := 0
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseMessage([]byte(tt.in))
			if got.Kind != streaming.InboundTranscript {
				t.Fatalf("kind = %s", got.Kind)
			}
			if got.EndOfTurn != tt.wantFinal {
				t.Errorf("EndOfTurn = %v, want %v", got.EndOfTurn, tt.wantFinal)
			}
			if got.EndOfTurn {
				finals++
			}
		})
	}
	if finals != 1 {
		t.Errorf("expected exactly one final per turn, got %d", finals)
	}

	endpoint, err := Endpoint(streaming.DialOptions{SampleRate: 16000})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(endpoint, "format_turns=true") {
		t.Errorf("expected formatted turns to be requested: %s", endpoint)
	}
}

func TestIsPermanent(t *testing.T) {
	for _, code := range []int{1008, 4001, 4002, 4003} {
		if !IsPermanent(code) {
			t.Errorf("expected %d to be permanent", code)
		}
	}
	for _, code := range []int{1000, 1006, 1011, 3005} {
		if IsPermanent(code) {
			t.Errorf("expected %d to be retryable", code)
		}
	}
}

func TestEndpoint(t *testing.T) {
	got, err := Endpoint(streaming.DialOptions{SampleRate: 16000, Encoding: "pcm_s16le", Model: "universal-streaming"})
	if err != nil {
		t.Fatal(err)
	}
	u, _ := url.Parse(got)
	if u.Host != "streaming.assemblyai.com" || u.Path != "/v3/ws" {
		t.Errorf("unexpected endpoint %s", got)
	}
	q := u.Query()
	if q.Get("sample_rate") != "16000" || q.Get("encoding") != "pcm_s16le" {
		t.Errorf("unexpected query %s", u.RawQuery)
	}
	if q.Has("speech_model") {
		t.Error("default model should not be sent")
	}
}

// fakeServer upgrades one connection and runs script against it.
func fakeServer(t *testing.T, script func(ws *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		script(ws)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDial_Unauthorized(t *testing.T) {
	srv := fakeServer(t, func(*websocket.Conn) {})

	_, err := NewDialer().Dial(context.Background(), streaming.DialOptions{URL: wsURL(srv), APIKey: "wrong", SampleRate: 16000})
	var ce *streaming.CloseError
	if !errors.As(err, &ce) || !ce.Permanent {
		t.Fatalf("expected permanent close error, got %v", err)
	}
}

func TestConn_RoundTrip(t *testing.T) {
	gotAudio := make(chan []byte, 1)
	gotTerminate := make(chan string, 1)

	srv := fakeServer(t, func(ws *websocket.Conn) {
		ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"Begin","id":"s1","expires_at":1735689600}`))
		ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"Turn","transcript":"hi","end_of_turn":true,"turn_is_formatted":true}`))

		_, audio, err := ws.ReadMessage()
		if err != nil {
			return
		}
		gotAudio <- audio

		_, ctrl, err := ws.ReadMessage()
		if err != nil {
			return
		}
		gotTerminate <- string(ctrl)

		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4003, "billing required"))
		time.Sleep(50 * time.Millisecond)
	})

	c, err := NewDialer().Dial(context.Background(), streaming.DialOptions{URL: wsURL(srv), APIKey: "secret", SampleRate: 16000})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	ev, err := c.ReadEvent()
	if err != nil || ev.Kind != streaming.InboundBegin || ev.SessionID != "s1" {
		t.Fatalf("expected begin, got %+v %v", ev, err)
	}
	ev, err = c.ReadEvent()
	if err != nil || ev.Kind != streaming.InboundTranscript || !ev.EndOfTurn {
		t.Fatalf("expected final turn, got %+v %v", ev, err)
	}

	if err := c.WriteAudio([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	if err := c.Terminate(); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	select {
	case a := <-gotAudio:
		if len(a) != 4 {
			t.Errorf("server got %d audio bytes", len(a))
		}
	case <-time.After(time.Second):
		t.Fatal("server did not receive audio")
	}
	select {
	case msg := <-gotTerminate:
		if !strings.Contains(msg, `"Terminate"`) {
			t.Errorf("unexpected control message %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("server did not receive terminate")
	}

	_, err = c.ReadEvent()
	var ce *streaming.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("expected close error, got %v", err)
	}
	if ce.Code != 4003 || !ce.Permanent {
		t.Errorf("unexpected close %+v", ce)
	}
}
