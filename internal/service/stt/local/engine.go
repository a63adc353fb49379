// Package local drives a long-lived recognition worker process.
//
// The worker speaks line-delimited JSON over stdin/stdout. Audio is handed over
// as chunk files on disk. Requests are dispatched strictly in submission order
// with at most one in flight, so recognized text follows the audio timeline.
package local

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"live-transcription-service/internal/audio"
	"live-transcription-service/internal/models"
	"live-transcription-service/internal/observability/logging"
	"live-transcription-service/internal/observability/metrics"
	"live-transcription-service/internal/service/stt"
)

const (
	DefaultModel       = "tiny.en"
	DefaultInitTimeout = 30 * time.Second
	// DefaultRequestTimeout is four default chunks. Workers that stay silent on
	// empty audio hold the in-flight slot this long.
	DefaultRequestTimeout = 12 * time.Second
	DefaultStopGrace      = time.Second
	DefaultTempDir        = "temp_audio"
	DefaultRetention      = 10
	DefaultMaxQueue       = 8

	maxLineSize = 1 << 20
)

// Engine states reported through stt.Callback.OnStatus.
const (
	StatusInitializing = "initializing"
	StatusReady        = "ready"
	StatusModelLoaded  = "model_loaded"
	StatusStopped      = "stopped"
	StatusFailed       = "failed"
)

// Config holds local engine configuration.
type Config struct {
	// Python is the interpreter. When empty, Script is executed directly.
	Python string
	Script string
	Model  string

	InitTimeout    time.Duration
	RequestTimeout time.Duration
	StopGrace      time.Duration
	TempDir        string
	// Retention is the number of chunk files kept on disk.
	Retention int
	// MaxQueue bounds the requests waiting behind the one in flight. The
	// oldest waiting request is dropped beyond it.
	MaxQueue int
}

// DefaultConfig returns sensible default local engine configuration.
func DefaultConfig() Config {
	return Config{
		Python:         "python3",
		Script:         "whisper_service.py",
		Model:          DefaultModel,
		InitTimeout:    DefaultInitTimeout,
		RequestTimeout: DefaultRequestTimeout,
		StopGrace:      DefaultStopGrace,
		TempDir:        DefaultTempDir,
		Retention:      DefaultRetention,
		MaxQueue:       DefaultMaxQueue,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Model == "" {
		c.Model = d.Model
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = d.InitTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.StopGrace <= 0 {
		c.StopGrace = d.StopGrace
	}
	if c.TempDir == "" {
		c.TempDir = d.TempDir
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = d.MaxQueue
	}
}

// Status is an observability snapshot of the engine.
type Status struct {
	Initialized bool   `json:"initialized"`
	Model       string `json:"model"`
	QueueLength int    `json:"queueLength"`
	InFlight    bool   `json:"inFlight"`
	ChunkFiles  int    `json:"chunkFiles"`
}

type request struct {
	id        string
	path      string
	timestamp int64
	submitted time.Time
}

// worker is one launched process.
type worker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	ready  chan struct{}
	failed chan string
	exited chan struct{}

	readyOnce sync.Once
	failOnce  sync.Once
}

// Engine manages the worker process and its request queue.
// Thread-safe for concurrent access.
type Engine struct {
	mu          sync.Mutex
	cfg         Config
	cb          stt.Callback
	w           *worker
	initialized bool
	stopping    bool
	model       string
	pendingMod  string

	queue    []*request
	inflight *request
	timeout  *time.Timer
	files    []string
	lastTS   int64
	waiters  []chan struct{}

	// enqueueMu serializes Enqueue so file writes keep submission order.
	enqueueMu sync.Mutex

	// pending callbacks run after mu is released.
	pending []func()

	command func(name string, args ...string) *exec.Cmd
	now     func() time.Time
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New creates an engine. The worker is not launched until Initialize.
func New(cfg Config, cb stt.Callback) *Engine {
	cfg.applyDefaults()
	if cb == nil {
		cb = stt.NopCallback{}
	}
	return &Engine{
		cfg:     cfg,
		cb:      cb,
		model:   cfg.Model,
		command: exec.Command,
		now:     time.Now,
		metrics: metrics.DefaultMetrics,
		log:     logging.WithEngine(string(models.EngineLocal), "whisper"),
	}
}

func (e *Engine) unlock() {
	p := e.pending
	e.pending = nil
	e.mu.Unlock()
	for _, fn := range p {
		fn()
	}
}

func (e *Engine) statusLocked(state string) {
	e.pending = append(e.pending, func() { e.cb.OnStatus(models.EngineLocal, state) })
}

func (e *Engine) errorLocked(err *models.EngineError) {
	err.Engine = models.EngineLocal
	e.metrics.RecordError(string(models.EngineLocal), models.Kind(err))
	e.log.Warn().Err(err).Str("op", err.Op).Msg("Local engine error")
	e.pending = append(e.pending, func() { e.cb.OnError(models.EngineLocal, err) })
}

func (e *Engine) commandArgs(model string) (string, []string) {
	if e.cfg.Python == "" {
		return e.cfg.Script, []string{model}
	}
	return e.cfg.Python, []string{"-u", e.cfg.Script, model}
}

// Initialize launches the worker with model and waits for its first status
// message. It returns models.ErrWorkerLaunch if the process cannot start or
// fails before becoming ready, and models.ErrInitializationTimeout if readiness
// does not arrive in time. A timed out worker is left running; Stop reaps it.
func (e *Engine) Initialize(ctx context.Context, model string) error {
	if model == "" {
		model = e.cfg.Model
	}

	e.mu.Lock()
	if e.initialized {
		current := e.model
		e.unlock()
		if current != model {
			return e.SwitchModel(model)
		}
		return nil
	}
	if e.w != nil {
		e.unlock()
		return fmt.Errorf("%w: worker is starting", models.ErrInvalidState)
	}

	if err := os.MkdirAll(e.cfg.TempDir, 0o755); err != nil {
		e.unlock()
		return fmt.Errorf("%w: create chunk directory: %v", models.ErrIO, err)
	}

	name, args := e.commandArgs(model)
	cmd := e.command(name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		e.unlock()
		return fmt.Errorf("%w: %v", models.ErrWorkerLaunch, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		e.unlock()
		return fmt.Errorf("%w: %v", models.ErrWorkerLaunch, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		e.unlock()
		return fmt.Errorf("%w: %v", models.ErrWorkerLaunch, err)
	}
	if err := cmd.Start(); err != nil {
		e.unlock()
		e.metrics.RecordError(string(models.EngineLocal), models.Kind(models.ErrWorkerLaunch))
		return fmt.Errorf("%w: start %s: %v", models.ErrWorkerLaunch, name, err)
	}

	w := &worker{
		cmd:    cmd,
		stdin:  stdin,
		ready:  make(chan struct{}),
		failed: make(chan string, 1),
		exited: make(chan struct{}),
	}
	e.w = w
	e.model = model
	e.stopping = false
	e.statusLocked(StatusInitializing)
	e.log.Info().Str("model", model).Int("pid", cmd.Process.Pid).Msg("Worker launched")
	e.unlock()

	go e.logStderr(stderr)
	go e.readLoop(w, stdout)

	timer := time.NewTimer(e.cfg.InitTimeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		return nil
	case msg := <-w.failed:
		e.kill(w)
		return fmt.Errorf("%w: %s", models.ErrWorkerLaunch, msg)
	case <-w.exited:
		return fmt.Errorf("%w: worker exited before ready", models.ErrWorkerLaunch)
	case <-timer.C:
		e.metrics.RecordError(string(models.EngineLocal), models.Kind(models.ErrInitializationTimeout))
		e.log.Warn().Dur("timeout", e.cfg.InitTimeout).Msg("Worker did not become ready")
		return fmt.Errorf("%w: no readiness within %s", models.ErrInitializationTimeout, e.cfg.InitTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) logStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		e.log.Debug().Str("stderr", sc.Text()).Msg("Worker output")
	}
}

func (e *Engine) readLoop(w *worker, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		e.handle(w, ParseResponse([]byte(line)))
	}
	err := w.cmd.Wait()
	close(w.exited)
	e.workerExited(w, err)
}

func (e *Engine) handle(w *worker, resp Response) {
	e.mu.Lock()
	defer e.unlock()

	if e.w != w {
		return
	}

	switch r := resp.(type) {
	case *StatusMessage:
		e.log.Debug().Str("status", r.Message).Msg("Worker status")
		if !e.initialized && !e.stopping {
			e.initialized = true
			w.readyOnce.Do(func() { close(w.ready) })
			e.log.Info().Str("model", e.model).Msg("Worker ready")
			e.statusLocked(StatusReady)
			e.dispatchLocked()
			return
		}
		if e.pendingMod != "" && r.ConfirmsLoad(e.pendingMod) {
			e.model = e.pendingMod
			e.pendingMod = ""
			e.log.Info().Str("model", e.model).Msg("Model switched")
			e.statusLocked(StatusModelLoaded)
		}

	case *Transcription:
		e.completeTranscriptionLocked(r)

	case *WorkerError:
		if !e.initialized {
			w.failOnce.Do(func() { w.failed <- r.Message })
			return
		}
		op := "worker"
		switch {
		case e.pendingMod != "" && r.ConcernsSwitch(e.pendingMod):
			op = "switch_model"
			e.pendingMod = ""
		case e.inflight != nil:
			op = "transcribe"
			e.finishLocked("error")
		case e.pendingMod != "":
			op = "switch_model"
			e.pendingMod = ""
		}
		e.errorLocked(&models.EngineError{
			Op:        op,
			Err:       fmt.Errorf("%w: %s", models.ErrWorker, r.Message),
			Retryable: true,
		})
		e.dispatchLocked()

	case *Unrecognized:
		e.log.Warn().Str("payload", truncate(r.Raw, 200)).Msg("Unrecognized worker output dropped")
	}
}

func (e *Engine) completeTranscriptionLocked(r *Transcription) {
	now := e.now()
	var latency *int64
	if e.inflight != nil && e.inflight.timestamp == r.Timestamp {
		latency = models.Int64(now.Sub(e.inflight.submitted).Milliseconds())
		e.finishLocked("ok")
	} else {
		e.log.Warn().Int64("timestamp", r.Timestamp).Msg("Late transcription for an expired request")
	}

	text := strings.TrimSpace(r.Text)
	if text != "" {
		model := r.Model
		if model == "" {
			model = e.model
		}
		ts := now
		if r.Timestamp > 0 {
			ts = time.UnixMilli(r.Timestamp)
		}
		frag := models.Fragment{
			ID:           uuid.NewString(),
			Text:         text,
			Confidence:   r.Confidence,
			IsFinal:      true,
			Timestamp:    ts,
			LatencyMs:    latency,
			SourceEngine: models.EngineLocal,
			Model:        model,
			ProcessingMs: models.Int64(int64(r.ProcessingSec * 1000)),
		}
		e.metrics.RecordFragment(string(models.EngineLocal), true)
		if latency != nil {
			e.metrics.RecordLatency(string(models.EngineLocal), *latency)
		}
		e.pending = append(e.pending, func() { e.cb.OnFinal(models.EngineLocal, frag) })
	}
	e.dispatchLocked()
}

// finishLocked clears the in-flight request.
func (e *Engine) finishLocked(outcome string) {
	if e.inflight == nil {
		return
	}
	if e.timeout != nil {
		e.timeout.Stop()
		e.timeout = nil
	}
	e.metrics.RecordLocalRequest(outcome, e.now().Sub(e.inflight.submitted).Seconds())
	e.inflight = nil
}

// dispatchLocked sends the next queued request if none is in flight.
func (e *Engine) dispatchLocked() {
	for e.inflight == nil && len(e.queue) > 0 && e.initialized && e.w != nil {
		req := e.queue[0]
		e.queue = e.queue[1:]
		e.metrics.SetLocalQueueDepth(len(e.queue))

		err := e.sendLocked(Command{Command: CommandTranscribe, AudioFile: req.path, Timestamp: req.timestamp})
		if err != nil {
			e.errorLocked(&models.EngineError{Op: "transcribe", Err: err, Retryable: true})
			continue
		}
		e.inflight = req
		id := req.id
		e.timeout = time.AfterFunc(e.cfg.RequestTimeout, func() { e.requestTimedOut(id) })
	}
	e.cleanupLocked()
	if e.inflight == nil && len(e.queue) == 0 {
		for _, ch := range e.waiters {
			close(ch)
		}
		e.waiters = nil
	}
}

func (e *Engine) requestTimedOut(id string) {
	e.mu.Lock()
	defer e.unlock()

	if e.inflight == nil || e.inflight.id != id {
		return
	}
	e.finishLocked("timeout")
	e.errorLocked(&models.EngineError{
		Op:        "transcribe",
		Err:       fmt.Errorf("%w: no response within %s", models.ErrRequestTimeout, e.cfg.RequestTimeout),
		Retryable: true,
	})
	e.dispatchLocked()
}

func (e *Engine) sendLocked(cmd Command) error {
	if e.w == nil {
		return fmt.Errorf("%w: worker not running", models.ErrInvalidState)
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := e.w.stdin.Write(data); err != nil {
		return fmt.Errorf("%w: write to worker: %v", models.ErrIO, err)
	}
	return nil
}

// cleanupLocked evicts the oldest chunk files beyond the retention count,
// skipping files still referenced by a queued or in-flight request.
func (e *Engine) cleanupLocked() {
	excess := len(e.files) - e.cfg.Retention
	if excess <= 0 {
		return
	}
	inUse := make(map[string]bool, len(e.queue)+1)
	for _, r := range e.queue {
		inUse[r.path] = true
	}
	if e.inflight != nil {
		inUse[e.inflight.path] = true
	}

	kept := e.files[:0]
	for _, f := range e.files {
		if excess > 0 && !inUse[f] {
			if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
				e.log.Debug().Err(err).Str("file", f).Msg("Failed to remove chunk file")
			}
			excess--
			continue
		}
		kept = append(kept, f)
	}
	e.files = kept
}

// Enqueue writes f to a chunk file and queues a transcribe request for it.
// Requests are dispatched in the order Enqueue is called.
func (e *Engine) Enqueue(f audio.Frame) error {
	if f.Empty() {
		return nil
	}
	e.enqueueMu.Lock()
	defer e.enqueueMu.Unlock()

	e.mu.Lock()
	if !e.initialized {
		e.unlock()
		return fmt.Errorf("%w: local engine not initialized", models.ErrInvalidState)
	}
	ts := e.now().UnixMilli()
	if ts <= e.lastTS {
		ts = e.lastTS + 1
	}
	e.lastTS = ts
	e.unlock()

	id := uuid.NewString()
	path := filepath.Join(e.cfg.TempDir, fmt.Sprintf("chunk_%d_%s.wav", ts, id[:8]))
	data, err := audio.EncodeWAV(f.PCM16(), f.SampleRate(), f.Channels())
	if err == nil {
		err = os.WriteFile(path, data, 0o644)
	}
	if err != nil {
		werr := fmt.Errorf("%w: write chunk: %v", models.ErrIO, err)
		e.mu.Lock()
		e.errorLocked(&models.EngineError{Op: "enqueue", Err: werr, Retryable: true})
		e.unlock()
		return werr
	}

	e.mu.Lock()
	defer e.unlock()
	if !e.initialized {
		os.Remove(path)
		return fmt.Errorf("%w: local engine stopped", models.ErrInvalidState)
	}
	e.files = append(e.files, path)
	e.queue = append(e.queue, &request{id: id, path: path, timestamp: ts, submitted: e.now()})
	e.dispatchLocked()
	e.trimQueueLocked()
	e.metrics.SetLocalQueueDepth(len(e.queue))
	return nil
}

// trimQueueLocked drops the oldest waiting requests beyond MaxQueue and
// deletes their chunk files.
func (e *Engine) trimQueueLocked() {
	for len(e.queue) > e.cfg.MaxQueue {
		old := e.queue[0]
		e.queue = e.queue[1:]
		e.removeFileLocked(old.path)
		e.metrics.RecordLocalRequest("dropped", e.now().Sub(old.submitted).Seconds())
		e.errorLocked(&models.EngineError{
			Op:        "enqueue",
			Err:       fmt.Errorf("%w: dropped chunk %d, %d requests waiting", models.ErrQueueOverflow, old.timestamp, e.cfg.MaxQueue),
			Retryable: true,
		})
	}
}

func (e *Engine) removeFileLocked(path string) {
	for i, f := range e.files {
		if f == path {
			e.files = append(e.files[:i], e.files[i+1:]...)
			break
		}
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.log.Debug().Err(err).Str("file", path).Msg("Failed to remove chunk file")
	}
}

// SwitchModel asks the live worker to load model. It does not block; the
// engine reports StatusModelLoaded once the worker acknowledges.
func (e *Engine) SwitchModel(model string) error {
	e.mu.Lock()
	defer e.unlock()

	if !e.initialized {
		return fmt.Errorf("%w: local engine not initialized", models.ErrInvalidState)
	}
	if err := e.sendLocked(Command{Command: CommandSwitchModel, Model: model}); err != nil {
		return err
	}
	e.pendingMod = model
	e.log.Info().Str("model", model).Msg("Model switch requested")
	return nil
}

// WaitIdle blocks until the queue is drained and no request is in flight.
func (e *Engine) WaitIdle(ctx context.Context) error {
	e.mu.Lock()
	if e.inflight == nil && len(e.queue) == 0 {
		e.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	e.waiters = append(e.waiters, ch)
	e.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop asks the worker to exit, waits up to the grace period, then kills it.
// The queue is cleared and the engine returns to the uninitialized state
// whether or not the worker exited cleanly.
func (e *Engine) Stop() error {
	e.mu.Lock()
	w := e.w
	if w != nil {
		if err := e.sendLocked(Command{Command: CommandStop}); err != nil {
			e.log.Debug().Err(err).Msg("Stop command not delivered")
		}
		w.stdin.Close()
	}
	e.stopping = true
	e.initialized = false
	e.pendingMod = ""
	e.queue = nil
	e.finishLocked("cancelled")
	e.metrics.SetLocalQueueDepth(0)
	e.dispatchLocked()
	e.unlock()

	if w == nil {
		return nil
	}

	grace := time.NewTimer(e.cfg.StopGrace)
	defer grace.Stop()
	select {
	case <-w.exited:
	case <-grace.C:
		e.log.Warn().Dur("grace", e.cfg.StopGrace).Msg("Worker did not exit, killing")
		e.kill(w)
	}

	e.mu.Lock()
	if e.w == w {
		e.w = nil
		e.statusLocked(StatusStopped)
	}
	e.unlock()
	e.log.Info().Msg("Worker stopped")
	return nil
}

func (e *Engine) kill(w *worker) {
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	<-w.exited
}

func (e *Engine) workerExited(w *worker, err error) {
	e.mu.Lock()
	defer e.unlock()

	if e.w != w {
		return
	}
	if e.stopping {
		return
	}

	e.log.Error().Err(err).Msg("Worker exited unexpectedly")
	wasReady := e.initialized
	e.w = nil
	e.initialized = false
	e.pendingMod = ""
	e.queue = nil
	e.finishLocked("cancelled")
	e.metrics.SetLocalQueueDepth(0)
	e.dispatchLocked()
	if wasReady {
		e.errorLocked(&models.EngineError{
			Op:    "worker",
			Err:   fmt.Errorf("%w: worker exited: %v", models.ErrWorker, err),
			Fatal: true,
		})
		e.statusLocked(StatusFailed)
	}
}

// Cleanup stops the worker and removes every chunk file in the temp directory.
func (e *Engine) Cleanup() error {
	e.Stop()

	e.mu.Lock()
	e.files = nil
	dir := e.cfg.TempDir
	e.mu.Unlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: %v", models.ErrIO, err)
	}
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".wav" {
			continue
		}
		os.Remove(filepath.Join(dir, ent.Name()))
	}
	return nil
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Initialized: e.initialized,
		Model:       e.model,
		QueueLength: len(e.queue),
		InFlight:    e.inflight != nil,
		ChunkFiles:  len(e.files),
	}
}

// Initialized reports whether the worker is ready for requests.
func (e *Engine) Initialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized
}

// Model returns the active model.
func (e *Engine) Model() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
