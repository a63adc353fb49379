package local

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"live-transcription-service/internal/audio"
	"live-transcription-service/internal/models"
)

// TestHelperProcess is not a real test. It stands in for the recognition
// worker when the engine launches os.Args[0] with GO_WANT_HELPER_PROCESS=1.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	mode := os.Getenv("HELPER_MODE")
	model := os.Args[len(os.Args)-1]
	out := json.NewEncoder(os.Stdout)

	switch mode {
	case "crash":
		os.Exit(3)
	case "silent":
		time.Sleep(time.Minute)
		return
	case "failstart":
		out.Encode(map[string]any{"type": "error", "message": "model not found"})
		time.Sleep(time.Minute)
		return
	}

	fmt.Println("loading model weights")
	out.Encode(map[string]any{"type": "status", "message": "Model " + model + " loaded"})

	var outMu sync.Mutex
	send := func(v map[string]any) {
		outMu.Lock()
		defer outMu.Unlock()
		out.Encode(v)
	}

	sc := bufio.NewScanner(os.Stdin)
	n := 0
	for sc.Scan() {
		var cmd Command
		if err := json.Unmarshal(sc.Bytes(), &cmd); err != nil {
			send(map[string]any{"type": "error", "message": "invalid command"})
			continue
		}
		switch cmd.Command {
		case CommandTranscribe:
			n++
			switch mode {
			case "noreply":
				continue
			case "dieafterfirst":
				os.Exit(2)
			case "slow":
				time.Sleep(100 * time.Millisecond)
			}
			text := ""
			if mode != "empty" {
				data, err := os.ReadFile(cmd.AudioFile)
				if err != nil || len(data) < audio.HeaderSize+2 {
					send(map[string]any{"type": "error", "message": "missing chunk"})
					continue
				}
				sample := int16(binary.LittleEndian.Uint16(data[audio.HeaderSize:]))
				// Some workers print nothing at all for silent audio.
				if mode == "muteonsilence" && sample == 0 {
					continue
				}
				text = fmt.Sprintf("sample %d", sample)
			}
			reply := map[string]any{
				"type":            "transcription",
				"text":            text,
				"timestamp":       cmd.Timestamp,
				"confidence":      0.8,
				"processing_time": 0.25,
				"model":           model,
			}
			if mode == "switchfail" {
				go func() {
					time.Sleep(200 * time.Millisecond)
					send(reply)
				}()
				continue
			}
			send(reply)
		case CommandSwitchModel:
			switch mode {
			case "switchfail":
				send(map[string]any{"type": "error", "message": "Failed to load model " + cmd.Model + ": not found"})
				continue
			case "loadingstatus":
				send(map[string]any{"type": "status", "message": "Loading model: " + cmd.Model})
				time.Sleep(300 * time.Millisecond)
				model = cmd.Model
				send(map[string]any{"type": "status", "message": "Model " + model + " loaded successfully in 0.30s"})
				continue
			}
			model = cmd.Model
			send(map[string]any{"type": "status", "message": "Model " + model + " loaded"})
		case CommandStop:
			if mode == "ignorestop" {
				continue
			}
			send(map[string]any{"type": "status", "message": "Service stopped"})
			return
		}
	}
	if mode == "ignorestop" {
		time.Sleep(time.Minute)
	}
}

// recorder implements stt.Callback for testing.
type recorder struct {
	mu       sync.Mutex
	statuses []string
	finals   []models.Fragment
	errors   []error
}

func (r *recorder) OnStatus(_ models.Engine, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, state)
}

func (r *recorder) OnPartial(models.Engine, models.Fragment) {}

func (r *recorder) OnFinal(_ models.Engine, f models.Fragment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finals = append(r.finals, f)
}

func (r *recorder) OnError(_ models.Engine, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

func (r *recorder) getFinals() []models.Fragment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Fragment{}, r.finals...)
}

func (r *recorder) getErrors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error{}, r.errors...)
}

func (r *recorder) hasStatus(s string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.statuses {
		if st == s {
			return true
		}
	}
	return false
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestEngine(t *testing.T, mode string, mutate func(*Config)) (*Engine, *recorder) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Python = ""
	cfg.Script = os.Args[0]
	cfg.TempDir = t.TempDir()
	cfg.InitTimeout = 5 * time.Second
	cfg.StopGrace = 200 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	rec := &recorder{}
	e := New(cfg, rec)
	e.command = func(name string, args ...string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--"}, args...)
		cmd := exec.Command(os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "HELPER_MODE="+mode)
		return cmd
	}
	t.Cleanup(func() { e.Stop() })
	return e, rec
}

func chunk(t *testing.T, value int16) audio.Frame {
	t.Helper()
	samples := make([]int16, 1600)
	for i := range samples {
		samples[i] = value
	}
	f, err := audio.NewInt16Frame(samples, 16000, 1)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func waitIdle(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.WaitIdle(ctx); err != nil {
		t.Fatalf("engine did not drain: %v", err)
	}
}

func wavFiles(t *testing.T, dir string) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.wav"))
	if err != nil {
		t.Fatal(err)
	}
	return len(matches)
}

func TestInitialize_Ready(t *testing.T) {
	e, rec := newTestEngine(t, "echo", nil)

	if err := e.Initialize(context.Background(), "small.en"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !e.Initialized() {
		t.Error("expected engine to be initialized")
	}
	if e.Model() != "small.en" {
		t.Errorf("expected model small.en, got %s", e.Model())
	}
	if !rec.hasStatus(StatusInitializing) || !rec.hasStatus(StatusReady) {
		t.Error("expected initializing and ready statuses")
	}

	// A second call with the same model is a no-op.
	if err := e.Initialize(context.Background(), "small.en"); err != nil {
		t.Fatalf("unexpected error on re-initialize: %v", err)
	}
}

func TestInitialize_Failures(t *testing.T) {
	tests := []struct {
		name string
		mode string
		want error
	}{
		{"exits before ready", "crash", models.ErrWorkerLaunch},
		{"reports error before ready", "failstart", models.ErrWorkerLaunch},
		{"never ready", "silent", models.ErrInitializationTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t, tt.mode, func(c *Config) { c.InitTimeout = 300 * time.Millisecond })

			err := e.Initialize(context.Background(), "")
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if e.Initialized() {
				t.Error("engine must not be initialized after failure")
			}
		})
	}
}

func TestInitialize_MissingBinary(t *testing.T) {
	e, _ := newTestEngine(t, "echo", nil)
	e.command = exec.Command
	e.cfg.Script = filepath.Join(t.TempDir(), "does-not-exist")

	err := e.Initialize(context.Background(), "")
	if !errors.Is(err, models.ErrWorkerLaunch) {
		t.Fatalf("expected ErrWorkerLaunch, got %v", err)
	}
}

func TestEnqueue_RequiresInitialize(t *testing.T) {
	e, _ := newTestEngine(t, "echo", nil)

	if err := e.Enqueue(chunk(t, 1)); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestEnqueue_FIFO(t *testing.T) {
	e, rec := newTestEngine(t, "slow", nil)
	if err := e.Initialize(context.Background(), ""); err != nil {
		t.Fatal(err)
	}

	for i := int16(1); i <= 5; i++ {
		if err := e.Enqueue(chunk(t, i*100)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	st := e.Status()
	if !st.InFlight || st.QueueLength == 0 {
		t.Errorf("expected one request in flight and the rest queued, got %+v", st)
	}

	waitIdle(t, e)

	finals := rec.getFinals()
	if len(finals) != 5 {
		t.Fatalf("expected 5 finals, got %d", len(finals))
	}
	for i, f := range finals {
		want := fmt.Sprintf("sample %d", (i+1)*100)
		if f.Text != want {
			t.Errorf("final %d = %q, want %q", i, f.Text, want)
		}
		if i > 0 && !f.Timestamp.After(finals[i-1].Timestamp) {
			t.Errorf("timestamps not increasing at %d", i)
		}
		if !f.IsFinal || f.SourceEngine != models.EngineLocal {
			t.Errorf("unexpected fragment %+v", f)
		}
	}

	f := finals[0]
	if f.Confidence == nil || *f.Confidence != 0.8 {
		t.Errorf("expected confidence 0.8, got %v", f.Confidence)
	}
	if f.ProcessingMs == nil || *f.ProcessingMs != 250 {
		t.Errorf("expected processing 250ms, got %v", f.ProcessingMs)
	}
	if f.LatencyMs == nil {
		t.Error("expected latency")
	}
	if f.Model != DefaultModel {
		t.Errorf("expected model %s, got %s", DefaultModel, f.Model)
	}
}

func TestEnqueue_EmptyTranscriptionEmitsNothing(t *testing.T) {
	e, rec := newTestEngine(t, "empty", nil)
	if err := e.Initialize(context.Background(), ""); err != nil {
		t.Fatal(err)
	}

	e.Enqueue(chunk(t, 1))
	e.Enqueue(chunk(t, 2))
	waitIdle(t, e)

	if n := len(rec.getFinals()); n != 0 {
		t.Errorf("expected no fragments, got %d", n)
	}
}

func TestRetention_EvictsOldestUnreferenced(t *testing.T) {
	e, rec := newTestEngine(t, "echo", func(c *Config) { c.Retention = 2 })
	if err := e.Initialize(context.Background(), ""); err != nil {
		t.Fatal(err)
	}

	for i := int16(1); i <= 5; i++ {
		e.Enqueue(chunk(t, i))
	}
	waitIdle(t, e)

	if n := wavFiles(t, e.cfg.TempDir); n != 2 {
		t.Errorf("expected 2 chunk files retained, got %d", n)
	}
	if n := len(rec.getFinals()); n != 5 {
		t.Errorf("expected every chunk transcribed, got %d", n)
	}
}

func TestRetention_KeepsReferencedFiles(t *testing.T) {
	e, _ := newTestEngine(t, "noreply", func(c *Config) {
		c.Retention = 2
		c.RequestTimeout = time.Minute
	})
	if err := e.Initialize(context.Background(), ""); err != nil {
		t.Fatal(err)
	}

	for i := int16(1); i <= 5; i++ {
		e.Enqueue(chunk(t, i))
	}

	if n := wavFiles(t, e.cfg.TempDir); n != 5 {
		t.Errorf("expected all referenced chunk files kept, got %d", n)
	}
}

func TestRequestTimeout(t *testing.T) {
	e, rec := newTestEngine(t, "noreply", func(c *Config) { c.RequestTimeout = 100 * time.Millisecond })
	if err := e.Initialize(context.Background(), ""); err != nil {
		t.Fatal(err)
	}

	e.Enqueue(chunk(t, 1))
	e.Enqueue(chunk(t, 2))
	waitIdle(t, e)

	errs := rec.getErrors()
	if len(errs) != 2 {
		t.Fatalf("expected 2 timeout errors, got %d", len(errs))
	}
	for _, err := range errs {
		if !errors.Is(err, models.ErrRequestTimeout) {
			t.Errorf("expected ErrRequestTimeout, got %v", err)
		}
		var ee *models.EngineError
		if !errors.As(err, &ee) || !ee.Retryable || ee.Engine != models.EngineLocal {
			t.Errorf("expected retryable local engine error, got %v", err)
		}
	}
}

func TestEnqueue_SilentWorkerDropsOldest(t *testing.T) {
	e, rec := newTestEngine(t, "muteonsilence", func(c *Config) {
		c.MaxQueue = 2
		c.RequestTimeout = 300 * time.Millisecond
	})
	if err := e.Initialize(context.Background(), ""); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	for i := 0; i < 4; i++ {
		if err := e.Enqueue(chunk(t, 0)); err != nil {
			t.Fatalf("enqueue silence %d: %v", i, err)
		}
		if st := e.Status(); st.QueueLength > 2 {
			t.Fatalf("queue grew past its bound: %+v", st)
		}
	}
	if err := e.Enqueue(chunk(t, 100)); err != nil {
		t.Fatal(err)
	}
	if st := e.Status(); st.QueueLength != 2 || !st.InFlight {
		t.Errorf("expected one in flight and two waiting, got %+v", st)
	}

	waitIdle(t, e)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("silent chunks held the worker for %v", elapsed)
	}

	var overflow, timeouts int
	for _, err := range rec.getErrors() {
		switch {
		case errors.Is(err, models.ErrQueueOverflow):
			overflow++
			var ee *models.EngineError
			if !errors.As(err, &ee) || ee.Op != "enqueue" || !ee.Retryable {
				t.Errorf("expected retryable enqueue error, got %v", err)
			}
		case errors.Is(err, models.ErrRequestTimeout):
			timeouts++
		default:
			t.Errorf("unexpected error %v", err)
		}
	}
	if overflow != 2 || timeouts != 2 {
		t.Errorf("expected 2 dropped and 2 timed out, got %d and %d", overflow, timeouts)
	}

	finals := rec.getFinals()
	if len(finals) != 1 || finals[0].Text != "sample 100" {
		t.Errorf("expected the speech chunk transcribed, got %+v", finals)
	}
	if n := wavFiles(t, e.cfg.TempDir); n != 3 {
		t.Errorf("expected dropped chunk files removed, got %d files", n)
	}
}

func TestSwitchModel(t *testing.T) {
	e, rec := newTestEngine(t, "echo", nil)

	if err := e.SwitchModel("base.en"); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before initialize, got %v", err)
	}

	if err := e.Initialize(context.Background(), "tiny.en"); err != nil {
		t.Fatal(err)
	}
	if err := e.SwitchModel("base.en"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	eventually(t, 2*time.Second, func() bool { return e.Model() == "base.en" }, "model switch not acknowledged")
	if !rec.hasStatus(StatusModelLoaded) {
		t.Error("expected model_loaded status")
	}

	e.Enqueue(chunk(t, 7))
	waitIdle(t, e)
	finals := rec.getFinals()
	if len(finals) != 1 || finals[0].Model != "base.en" {
		t.Errorf("expected transcription with new model, got %+v", finals)
	}
}

func TestStop(t *testing.T) {
	e, rec := newTestEngine(t, "echo", nil)
	if err := e.Initialize(context.Background(), ""); err != nil {
		t.Fatal(err)
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Initialized() {
		t.Error("expected engine reset after stop")
	}
	if !rec.hasStatus(StatusStopped) {
		t.Error("expected stopped status")
	}
	if err := e.Enqueue(chunk(t, 1)); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState after stop, got %v", err)
	}

	// Can be initialized again.
	if err := e.Initialize(context.Background(), ""); err != nil {
		t.Fatalf("re-initialize: %v", err)
	}
}

func TestStop_KillsUnresponsiveWorker(t *testing.T) {
	e, _ := newTestEngine(t, "ignorestop", func(c *Config) { c.StopGrace = 100 * time.Millisecond })
	if err := e.Initialize(context.Background(), ""); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stop did not force termination")
	}
	if st := e.Status(); st.Initialized || st.QueueLength != 0 {
		t.Errorf("expected reset status, got %+v", st)
	}
}

func TestStop_ClearsQueue(t *testing.T) {
	e, _ := newTestEngine(t, "noreply", func(c *Config) { c.RequestTimeout = time.Minute })
	if err := e.Initialize(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	e.Enqueue(chunk(t, 1))
	e.Enqueue(chunk(t, 2))

	waiting := make(chan error, 1)
	go func() { waiting <- e.WaitIdle(context.Background()) }()

	e.Stop()

	select {
	case err := <-waiting:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitIdle not released by stop")
	}
	if st := e.Status(); st.QueueLength != 0 || st.InFlight {
		t.Errorf("expected empty queue, got %+v", st)
	}
}

func TestWorkerExitAfterReady(t *testing.T) {
	e, rec := newTestEngine(t, "dieafterfirst", nil)
	if err := e.Initialize(context.Background(), ""); err != nil {
		t.Fatal(err)
	}

	e.Enqueue(chunk(t, 1))

	eventually(t, 2*time.Second, func() bool { return !e.Initialized() }, "engine still initialized after worker exit")
	eventually(t, time.Second, func() bool { return rec.hasStatus(StatusFailed) }, "expected failed status")

	errs := rec.getErrors()
	if len(errs) == 0 {
		t.Fatal("expected error event")
	}
	var ee *models.EngineError
	if !errors.As(errs[len(errs)-1], &ee) || !ee.Fatal || !errors.Is(ee, models.ErrWorker) {
		t.Errorf("expected fatal worker error, got %v", errs[len(errs)-1])
	}
}

func TestCleanup(t *testing.T) {
	e, _ := newTestEngine(t, "noreply", func(c *Config) { c.RequestTimeout = time.Minute })
	if err := e.Initialize(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	e.Enqueue(chunk(t, 1))
	e.Enqueue(chunk(t, 2))

	if err := e.Cleanup(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := wavFiles(t, e.cfg.TempDir); n != 0 {
		t.Errorf("expected no chunk files, got %d", n)
	}
	if e.Initialized() {
		t.Error("cleanup must stop the worker")
	}
}

func TestSwitchModel_FailureLeavesTranscriptionInFlight(t *testing.T) {
	e, rec := newTestEngine(t, "switchfail", nil)
	if err := e.Initialize(context.Background(), "tiny.en"); err != nil {
		t.Fatal(err)
	}

	e.Enqueue(chunk(t, 5))
	eventually(t, time.Second, func() bool { return e.Status().InFlight }, "request never dispatched")

	if err := e.SwitchModel("base.en"); err != nil {
		t.Fatal(err)
	}
	eventually(t, time.Second, func() bool { return len(rec.getErrors()) == 1 }, "switch failure not reported")

	var ee *models.EngineError
	if err := rec.getErrors()[0]; !errors.As(err, &ee) || ee.Op != "switch_model" || !errors.Is(err, models.ErrWorker) {
		t.Errorf("expected switch_model worker error, got %v", err)
	}
	if !e.Status().InFlight {
		t.Error("switch failure must not complete the transcription in flight")
	}

	waitIdle(t, e)
	finals := rec.getFinals()
	if len(finals) != 1 || finals[0].Text != "sample 5" || finals[0].LatencyMs == nil {
		t.Fatalf("expected the in-flight chunk transcribed with latency, got %+v", finals)
	}
	if n := len(rec.getErrors()); n != 1 {
		t.Errorf("expected only the switch error, got %d errors", n)
	}
	if e.Model() != "tiny.en" {
		t.Errorf("expected model unchanged, got %s", e.Model())
	}
}

func TestSwitchModel_WaitsForLoadedStatus(t *testing.T) {
	e, rec := newTestEngine(t, "loadingstatus", nil)
	if err := e.Initialize(context.Background(), "tiny.en"); err != nil {
		t.Fatal(err)
	}

	if err := e.SwitchModel("base.en"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if e.Model() != "tiny.en" || rec.hasStatus(StatusModelLoaded) {
		t.Fatal("model switch acknowledged before the worker finished loading")
	}

	eventually(t, 2*time.Second, func() bool { return e.Model() == "base.en" }, "model switch not acknowledged")
	if !rec.hasStatus(StatusModelLoaded) {
		t.Error("expected model_loaded status")
	}
}

// syncBuffer is a log sink shared with the engine's reader goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte{}, b.buf.Bytes()...)
}

func TestWorkerStatus_LoggedUnderStatusKey(t *testing.T) {
	e, _ := newTestEngine(t, "echo", nil)
	buf := &syncBuffer{}
	e.log = zerolog.New(buf).Level(zerolog.DebugLevel)

	if err := e.Initialize(context.Background(), "tiny.en"); err != nil {
		t.Fatal(err)
	}

	var found bool
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if n := bytes.Count(line, []byte(`"message":`)); n > 1 {
			t.Errorf("duplicate message key in %s", line)
		}
		var entry map[string]any
		if err := json.Unmarshal(line, &entry); err != nil {
			t.Fatal(err)
		}
		if entry["message"] == "Worker status" {
			found = true
			if entry["status"] != "Model tiny.en loaded" {
				t.Errorf("unexpected status field %v", entry["status"])
			}
		}
	}
	if !found {
		t.Error("expected worker status to be logged")
	}
}
