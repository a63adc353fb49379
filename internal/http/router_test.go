package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"live-transcription-service/internal/audio"
	"live-transcription-service/internal/events"
	"live-transcription-service/internal/models"
	"live-transcription-service/internal/service/pipeline"
	"live-transcription-service/internal/service/session"
	"live-transcription-service/internal/storage"
)

// fakePipeline drives a real aggregator without any engines.
type fakePipeline struct {
	mu       sync.Mutex
	agg      *session.Aggregator
	frames   []audio.Frame
	stops    int
	modelErr error
	model    string
}

func (p *fakePipeline) StartSession(ctx context.Context) (*models.SessionInfo, error) {
	return p.agg.StartSession()
}

func (p *fakePipeline) StopSession(ctx context.Context) (*models.SessionRecord, error) {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
	return p.agg.EndSession()
}

func (p *fakePipeline) OnFrame(f audio.Frame) error {
	if !p.agg.Active() {
		return models.ErrNoActiveSession
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, f)
	return nil
}

func (p *fakePipeline) SwitchLocalModel(model string) error {
	if p.modelErr != nil {
		return p.modelErr
	}
	p.model = model
	return nil
}

func (p *fakePipeline) Active() bool { return p.agg.Active() }

func (p *fakePipeline) Status() pipeline.Status {
	s := pipeline.Status{Active: p.agg.Active()}
	if rec := p.agg.CurrentSession(); rec != nil {
		s.SessionID = rec.ID
	}
	return s
}

func (p *fakePipeline) counts() (frames, stops int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames), p.stops
}

type testEnv struct {
	pipe   *fakePipeline
	agg    *session.Aggregator
	bus    *events.Bus
	recDir string
	router http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fs, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ix, err := storage.OpenIndex(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ix.Close() })

	bus := events.NewBus()
	agg := session.New(fs, session.WithIndex(ix), session.WithEmitter(bus))
	env := &testEnv{
		pipe:   &fakePipeline{agg: agg},
		agg:    agg,
		bus:    bus,
		recDir: t.TempDir(),
	}
	env.router = NewRouter(Deps{
		Pipeline:     env.pipe,
		Sessions:     agg,
		Bus:          bus,
		RecordingDir: env.recDir,
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestRouter_Health(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(t, http.MethodGet, "/v1/liveness", ""); rec.Code != http.StatusOK {
		t.Errorf("liveness: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/v1/readiness", ""); rec.Code != http.StatusOK {
		t.Errorf("readiness: %d", rec.Code)
	}

	notReady := NewRouter(Deps{
		Pipeline: env.pipe,
		Sessions: env.agg,
		Ready:    func() error { return errors.New("index unavailable") },
	})
	rec := httptest.NewRecorder()
	notReady.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/readiness", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when not ready, got %d", rec.Code)
	}
}

func TestRouter_SessionLifecycle(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodGet, "/v1/sessions/current", ""); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 with no session, got %d", rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/v1/sessions", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}
	info := decode[models.SessionInfo](t, rec)
	if !strings.HasPrefix(info.ID, "session_") {
		t.Errorf("unexpected session id %q", info.ID)
	}

	rec = env.do(t, http.MethodPost, "/v1/sessions", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for a second start, got %d", rec.Code)
	}
	if body := decode[errorBody](t, rec); body.Kind != "session_already_active" {
		t.Errorf("unexpected error kind %q", body.Kind)
	}

	env.agg.OnFinal(models.EngineStreaming, models.Fragment{Text: "hello world", IsFinal: true, Confidence: models.Float64(0.9)})
	env.agg.OnPartial(models.EngineLocal, models.Fragment{Text: "hel"})

	rec = env.do(t, http.MethodGet, "/v1/sessions/current", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("current: %d", rec.Code)
	}
	cur := decode[struct {
		Session     models.SessionRecord `json:"session"`
		Transcripts session.Transcripts  `json:"transcripts"`
	}](t, rec)
	if cur.Session.ID != info.ID || len(cur.Transcripts.Finals[models.EngineStreaming]) != 1 {
		t.Errorf("unexpected current view %+v", cur)
	}

	rec = env.do(t, http.MethodPost, "/v1/sessions/stop", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: %d %s", rec.Code, rec.Body.String())
	}
	saved := decode[models.SessionRecord](t, rec)
	if saved.EndTime == nil || saved.Metadata.Counts[models.EngineStreaming] != 1 {
		t.Errorf("unexpected saved record %+v", saved)
	}

	if rec := env.do(t, http.MethodPost, "/v1/sessions/stop", ""); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 stopping an idle pipeline, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/v1/sessions/"+info.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	if got := decode[models.SessionRecord](t, rec); got.ID != info.ID {
		t.Errorf("loaded wrong session %q", got.ID)
	}

	rec = env.do(t, http.MethodGet, "/v1/sessions", "")
	if list := decode[[]models.SessionSummary](t, rec); len(list) != 1 {
		t.Errorf("expected 1 listed session, got %+v", list)
	}
	rec = env.do(t, http.MethodGet, "/v1/sessions/recent?limit=5", "")
	if list := decode[[]models.SessionSummary](t, rec); len(list) != 1 || list[0].ID != info.ID {
		t.Errorf("expected 1 recent session, got %+v", list)
	}
	if rec := env.do(t, http.MethodGet, "/v1/sessions/recent?limit=zero", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad limit, got %d", rec.Code)
	}
}

func TestRouter_Export(t *testing.T) {
	env := newTestEnv(t)
	info, err := env.agg.StartSession()
	if err != nil {
		t.Fatal(err)
	}
	env.agg.OnFinal(models.EngineLocal, models.Fragment{Text: "from the worker", IsFinal: true})
	if _, err := env.agg.EndSession(); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		format      string
		status      int
		contentType string
		contains    string
	}{
		{"txt", http.StatusOK, "text/plain; charset=utf-8", "from the worker"},
		{"csv", http.StatusOK, "text/csv; charset=utf-8", "Engine,Timestamp,Type,Text,Confidence,Latency"},
		{"", http.StatusOK, "application/json", `"id": "` + info.ID + `"`},
		{"xml", http.StatusBadRequest, "application/json", "unsupported_format"},
	}

	for _, tt := range tests {
		t.Run("format="+tt.format, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/v1/sessions/"+info.ID+"/export?format="+tt.format, "")
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); ct != tt.contentType {
				t.Errorf("expected content type %q, got %q", tt.contentType, ct)
			}
			if !strings.Contains(rec.Body.String(), tt.contains) {
				t.Errorf("expected body containing %q, got %q", tt.contains, rec.Body.String())
			}
			if tt.status == http.StatusOK {
				path := rec.Header().Get("X-Export-Path")
				if _, err := os.Stat(path); err != nil {
					t.Errorf("export file missing at %q: %v", path, err)
				}
			}
		})
	}

	if rec := env.do(t, http.MethodGet, "/v1/sessions/session_0/export?format=txt", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 exporting an unknown session, got %d", rec.Code)
	}
}

func TestRouter_DeleteSession(t *testing.T) {
	env := newTestEnv(t)
	info, _ := env.agg.StartSession()
	if _, err := env.agg.EndSession(); err != nil {
		t.Fatal(err)
	}

	if rec := env.do(t, http.MethodDelete, "/v1/sessions/"+info.ID, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodGet, "/v1/sessions/"+info.ID, ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rec.Code)
	}
	rec := env.do(t, http.MethodGet, "/v1/sessions/recent", "")
	if list := decode[[]models.SessionSummary](t, rec); len(list) != 0 {
		t.Errorf("expected index row removed, got %+v", list)
	}
}

func TestRouter_LocalModel(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"switch", `{"model":"base.en"}`, nil, http.StatusOK},
		{"bad body", `{"model":`, nil, http.StatusBadRequest},
		{"rejected", `{"model":""}`, models.ErrInvalidState, http.StatusConflict},
		{"no local engine", `{"model":"base.en"}`, models.ErrConfiguration, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.pipe.modelErr = tt.err
			rec := env.do(t, http.MethodPut, "/v1/local/model", tt.body)
			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}
	if env.pipe.model != "base.en" {
		t.Errorf("expected model switched, got %q", env.pipe.model)
	}
}

func TestRouter_Recordings(t *testing.T) {
	env := newTestEnv(t)
	data, err := audio.EncodeWAV(make([]int16, 16000), 16000, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(env.recDir, "session_1.wav"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodGet, "/v1/recordings", "")
	list := decode[[]models.RecordingInfo](t, rec)
	if len(list) != 1 || list[0].DurationSec != 1 || list[0].SampleRate != 16000 {
		t.Fatalf("unexpected recordings %+v", list)
	}

	if rec := env.do(t, http.MethodDelete, "/v1/recordings/session_1.wav", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/v1/recordings/session_1.wav", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 deleting twice, got %d", rec.Code)
	}
}

func TestRouter_Status(t *testing.T) {
	env := newTestEnv(t)
	info, _ := env.agg.StartSession()
	rec := env.do(t, http.MethodGet, "/v1/status", "")
	s := decode[pipeline.Status](t, rec)
	if !s.Active || s.SessionID != info.ID {
		t.Errorf("unexpected status %+v", s)
	}
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestIngest_AutoSession(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/v1/ingest"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	hdr := IngestHeader{Format: "s16le", SampleRate: 16000, Channels: 1, AutoSession: true}
	if err := conn.WriteJSON(hdr); err != nil {
		t.Fatal(err)
	}
	var reply IngestReply
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != "ready" || !strings.HasPrefix(reply.SessionID, "session_") {
		t.Fatalf("unexpected reply %+v", reply)
	}
	sessionID := reply.SessionID

	frame := make([]byte, 3200)
	for i := 0; i < 3; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			t.Fatal(err)
		}
	}
	// An odd-length payload cannot be 16-bit PCM.
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != "error" {
		t.Errorf("expected a rejection reply, got %+v", reply)
	}

	waitFor(t, "frames delivered", func() bool {
		frames, _ := env.pipe.counts()
		return frames == 3
	})

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
	if err := conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "session stopped", func() bool {
		_, stops := env.pipe.counts()
		return stops == 1 && !env.agg.Active()
	})

	list, err := env.agg.ListSessions()
	if err != nil || len(list) != 1 || list[0].ID != sessionID {
		t.Errorf("expected the ingest session saved, got %+v (%v)", list, err)
	}
}

func TestIngest_ExistingSessionIsNotStopped(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()
	if _, err := env.agg.StartSession(); err != nil {
		t.Fatal(err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/v1/ingest"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(IngestHeader{SampleRate: 16000, Channels: 1, AutoSession: true}); err != nil {
		t.Fatal(err)
	}
	var reply IngestReply
	if err := conn.ReadJSON(&reply); err != nil || reply.Type != "ready" {
		t.Fatalf("unexpected reply %+v (%v)", reply, err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 320)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "frame delivered", func() bool {
		frames, _ := env.pipe.counts()
		return frames == 1
	})
	conn.Close()

	time.Sleep(100 * time.Millisecond)
	if _, stops := env.pipe.counts(); stops != 0 || !env.agg.Active() {
		t.Errorf("a session the connection did not start must keep running")
	}
}

func TestIngest_RejectsBadHeader(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	tests := []struct {
		name string
		mt   int
		data []byte
	}{
		{"binary first", websocket.BinaryMessage, make([]byte, 320)},
		{"not json", websocket.TextMessage, []byte("hello")},
		{"bad format", websocket.TextMessage, []byte(`{"format":"mp3","sampleRate":16000,"channels":1}`)},
		{"bad channels", websocket.TextMessage, []byte(`{"sampleRate":16000,"channels":6}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/v1/ingest"), nil)
			if err != nil {
				t.Fatal(err)
			}
			defer conn.Close()
			if err := conn.WriteMessage(tt.mt, tt.data); err != nil {
				t.Fatal(err)
			}
			_, _, err = conn.ReadMessage()
			if !websocket.IsCloseError(err, websocket.CloseUnsupportedData) {
				t.Errorf("expected close 1003, got %v", err)
			}
		})
	}
}

func TestEvents_RelaysBus(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/v1/events"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitFor(t, "subscription", func() bool { return env.bus.Subscribers() == 1 })

	ev := models.NewEvent(models.EventStatus, "session_9", models.EngineLocal)
	ev.State = "ready"
	env.bus.Emit(ev)

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var got models.Event
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Type != models.EventStatus || got.State != "ready" || got.SessionID != "session_9" {
		t.Errorf("unexpected relayed event %+v", got)
	}

	conn.Close()
	waitFor(t, "unsubscribe", func() bool { return env.bus.Subscribers() == 0 })
}
