// Package pipeline fans one audio stream out to the recorder and both
// transcription engines, and binds their results to the session aggregator.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"live-transcription-service/internal/audio"
	"live-transcription-service/internal/events"
	"live-transcription-service/internal/models"
	"live-transcription-service/internal/observability/logging"
	"live-transcription-service/internal/observability/metrics"
	"live-transcription-service/internal/service/recording"
	"live-transcription-service/internal/service/session"
	"live-transcription-service/internal/service/stt/local"
	"live-transcription-service/internal/service/stt/streaming"
)

// StreamingClient is the network transcription engine.
type StreamingClient interface {
	Connect(ctx context.Context) error
	StartRecording() error
	SendAudio(f audio.Frame) bool
	StopRecording() error
	Disconnect()
	State() streaming.ConnectionState
	Model() string
	Info() streaming.Info
}

// LocalEngine is the subprocess transcription engine.
type LocalEngine interface {
	Initialize(ctx context.Context, model string) error
	Initialized() bool
	Enqueue(f audio.Frame) error
	SwitchModel(model string) error
	WaitIdle(ctx context.Context) error
	Cleanup() error
	Model() string
	Status() local.Status
}

// Limits bound what the coordinator buffers on behalf of a slow engine.
type Limits struct {
	// MaxPendingChunks is how many local chunks are held while the worker is
	// still starting. The oldest are dropped beyond it.
	MaxPendingChunks int
	// LocalDrain bounds how long StopSession waits for queued chunks.
	LocalDrain time.Duration
	// StreamingDrain bounds how long StopSession waits for the service to
	// deliver its last transcript and close.
	StreamingDrain time.Duration
}

// DefaultLimits returns sensible default limits.
func DefaultLimits() Limits {
	return Limits{
		MaxPendingChunks: 10,
		LocalDrain:       30 * time.Second,
		StreamingDrain:   3 * time.Second,
	}
}

// Config holds the recording layout and local engine settings.
type Config struct {
	RecordingDir     string
	SampleRate       int
	Channels         int
	ProgressInterval time.Duration
	LocalModel       string
	LocalChunk       time.Duration
	Limits           Limits
}

// Status is a snapshot of the pipeline.
type Status struct {
	Active    bool                  `json:"active"`
	SessionID string                `json:"sessionId,omitempty"`
	Frames    int64                 `json:"frames"`
	Recording *models.RecordingInfo `json:"recording,omitempty"`
	Streaming *streaming.Info       `json:"streaming,omitempty"`
	Local     *local.Status         `json:"local,omitempty"`
}

// Coordinator owns the per-session fan-out. Either engine may be nil.
type Coordinator struct {
	mu        sync.Mutex
	cfg       Config
	streaming StreamingClient
	local     LocalEngine
	sessions  *session.Aggregator
	emitter   events.Emitter
	log       zerolog.Logger
	metrics   *metrics.Metrics

	active     bool
	sessionID  string
	writer     *recording.Writer
	acc        *audio.Accumulator
	backlog    []audio.Frame
	localReady bool
	initCancel context.CancelFunc
	initDone   chan struct{}
	streamDone chan struct{}
	frames     int64
}

// New creates a coordinator. sessions must be the callback receiver of both engines.
func New(cfg Config, sc StreamingClient, le LocalEngine, sessions *session.Aggregator, emitter events.Emitter) *Coordinator {
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits()
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.RecordingDir == "" {
		cfg.RecordingDir = "recordings"
	}
	if emitter == nil {
		emitter = events.Discard
	}
	return &Coordinator{
		cfg:       cfg,
		streaming: sc,
		local:     le,
		sessions:  sessions,
		emitter:   emitter,
		log:       logging.WithComponent("pipeline"),
		metrics:   metrics.DefaultMetrics,
	}
}

func (c *Coordinator) recordingEvent(t models.EventType, id string, info models.RecordingInfo) {
	ev := models.NewEvent(t, id, models.EngineRecorder)
	ev.Recording = &info
	c.emitter.Emit(ev)
}

func (c *Coordinator) streamingModel() string {
	if c.streaming == nil {
		return ""
	}
	return c.streaming.Model()
}

// StartSession opens a session, the recording file and both engines. Engine
// failures are reported as error events and do not fail the call; only the
// recording file is required. The streaming handshake runs without holding the
// coordinator lock, so frames keep flowing to the recorder while it connects.
func (c *Coordinator) StartSession(ctx context.Context) (*models.SessionInfo, error) {
	info, streamDone, err := c.openSession()
	if err != nil {
		return nil, err
	}
	if c.streaming != nil {
		c.startStreaming(ctx)
	}
	close(streamDone)

	logging.WithSession("pipeline", info.ID).Info().
		Bool("streaming", c.streaming != nil).
		Bool("local", c.local != nil).
		Msg("Pipeline session started")
	return info, nil
}

// openSession does the locked part of StartSession. The returned channel must
// be closed once the streaming client has been started.
func (c *Coordinator) openSession() (*models.SessionInfo, chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return nil, nil, fmt.Errorf("%w: %s", models.ErrSessionAlreadyActive, c.sessionID)
	}

	info, err := c.sessions.StartSession()
	if err != nil {
		return nil, nil, err
	}
	id := info.ID
	log := logging.WithSession("pipeline", id)

	path := filepath.Join(c.cfg.RecordingDir, id+".wav")
	var opts []recording.Option
	if c.cfg.ProgressInterval > 0 {
		opts = append(opts, recording.WithProgress(c.cfg.ProgressInterval, func(ri models.RecordingInfo) {
			c.recordingEvent(models.EventRecordingProgress, id, ri)
		}))
	}
	w, err := recording.Open(path, c.cfg.SampleRate, c.cfg.Channels, 16, opts...)
	if err != nil {
		c.sessions.ClearCurrent()
		log.Error().Err(err).Msg("Failed to open recording")
		return nil, nil, err
	}
	c.recordingEvent(models.EventRecordingStarted, id, w.Info())
	_ = c.sessions.SetRecordingFile(path)

	localModel := c.cfg.LocalModel
	if c.local != nil && c.local.Initialized() {
		localModel = c.local.Model()
	}
	_ = c.sessions.SetModels(c.streamingModel(), localModel)

	c.active = true
	c.sessionID = id
	c.writer = w
	c.acc = audio.NewAccumulator(c.cfg.LocalChunk)
	c.backlog = nil
	c.localReady = false
	c.frames = 0
	streamDone := make(chan struct{})
	c.streamDone = streamDone

	if c.local != nil {
		initCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		c.initCancel = cancel
		c.initDone = done
		go c.initLocal(initCtx, done, id, localModel)
	}

	log.Debug().Str("recording", path).Msg("Recording opened")
	return info, streamDone, nil
}

func (c *Coordinator) startStreaming(ctx context.Context) {
	if err := c.streaming.Connect(ctx); err != nil {
		if c.streaming.State() != streaming.StateFailed {
			c.sessions.OnError(models.EngineStreaming, &models.EngineError{
				Engine: models.EngineStreaming,
				Op:     "connect",
				Err:    err,
			})
		}
		return
	}
	if err := c.streaming.StartRecording(); err != nil {
		c.sessions.OnError(models.EngineStreaming, &models.EngineError{
			Engine: models.EngineStreaming,
			Op:     "start_recording",
			Err:    err,
		})
	}
}

func (c *Coordinator) initLocal(ctx context.Context, done chan struct{}, id, model string) {
	defer close(done)
	err := c.local.Initialize(ctx, model)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active || c.sessionID != id {
		return
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.sessions.OnError(models.EngineLocal, &models.EngineError{
				Engine: models.EngineLocal,
				Op:     "initialize",
				Err:    err,
			})
		}
		c.backlog = nil
		return
	}
	c.localReady = true
	backlog := c.backlog
	c.backlog = nil
	for _, chunk := range backlog {
		c.enqueueLocked(chunk)
	}
}

func (c *Coordinator) enqueueLocked(chunk audio.Frame) {
	if !c.localReady {
		c.backlog = append(c.backlog, chunk)
		if limit := c.cfg.Limits.MaxPendingChunks; limit > 0 && len(c.backlog) > limit {
			c.backlog = c.backlog[len(c.backlog)-limit:]
			c.log.Warn().Int("limit", limit).Msg("Local engine not ready, dropped oldest chunk")
		}
		return
	}
	if err := c.local.Enqueue(chunk); err != nil {
		c.sessions.OnError(models.EngineLocal, &models.EngineError{
			Engine:    models.EngineLocal,
			Op:        "enqueue",
			Err:       err,
			Retryable: true,
		})
	}
}

// OnFrame delivers one frame to the recorder, the streaming client and the
// local engine. Engine failures never stop delivery to the other consumers.
// A recording write failure ends the session.
func (c *Coordinator) OnFrame(f audio.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return models.ErrNoActiveSession
	}
	c.frames++
	c.metrics.RecordAudioReceived(f.PCM16Size())

	if _, err := c.writer.Append(f); err != nil {
		if errors.Is(err, models.ErrIO) {
			c.sessions.OnError(models.EngineRecorder, &models.EngineError{
				Engine: models.EngineRecorder,
				Op:     "append",
				Err:    err,
				Fatal:  true,
			})
			go c.StopSession(context.Background())
		}
		return err
	}

	if c.streaming != nil {
		c.streaming.SendAudio(f)
	}
	if c.local != nil {
		for _, chunk := range c.acc.Add(f) {
			c.enqueueLocked(chunk)
		}
	}
	return nil
}

// StopSession stops accepting frames, drains both engines within the
// configured limits, finalizes the recording and saves the session.
func (c *Coordinator) StopSession(ctx context.Context) (*models.SessionRecord, error) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return nil, models.ErrNoActiveSession
	}
	c.active = false
	id := c.sessionID
	w := c.writer
	c.writer = nil
	if c.initCancel != nil {
		c.initCancel()
		c.initCancel = nil
	}
	initDone := c.initDone
	streamDone := c.streamDone
	c.streamDone = nil
	var tail []audio.Frame
	if c.local != nil {
		if chunk, ok := c.acc.Flush(); ok {
			if c.localReady {
				tail = append(tail, chunk)
			}
		}
		if !c.localReady && len(c.backlog) > 0 {
			c.log.Warn().Int("chunks", len(c.backlog)).Msg("Local engine never became ready, discarding chunks")
		}
	}
	c.backlog = nil
	frames := c.frames
	c.mu.Unlock()

	log := logging.WithSession("pipeline", id)

	if initDone != nil {
		<-initDone
	}
	// A stop racing StartSession waits for the handshake, bounded by the dial timeout.
	if streamDone != nil {
		<-streamDone
	}

	if c.streaming != nil {
		c.stopStreaming(ctx)
	}

	if c.local != nil && c.local.Initialized() {
		for _, chunk := range tail {
			if err := c.local.Enqueue(chunk); err != nil {
				log.Warn().Err(err).Msg("Failed to enqueue final chunk")
			}
		}
		dctx, cancel := context.WithTimeout(ctx, c.cfg.Limits.LocalDrain)
		if err := c.local.WaitIdle(dctx); err != nil {
			log.Warn().Err(err).Msg("Local engine did not drain before stop")
		}
		cancel()
	}

	info, ferr := w.Finalize()
	if ferr != nil {
		c.sessions.OnError(models.EngineRecorder, &models.EngineError{
			Engine: models.EngineRecorder,
			Op:     "finalize",
			Err:    ferr,
			Fatal:  true,
		})
	} else {
		_ = c.sessions.SetRecordingFile(info.Path)
	}
	c.recordingEvent(models.EventRecordingStopped, id, info)

	rec, err := c.sessions.EndSession()
	log.Info().
		Int64("frames", frames).
		Int64("dataBytes", info.DataBytes).
		Err(err).
		Msg("Pipeline session stopped")
	return rec, err
}

func (c *Coordinator) stopStreaming(ctx context.Context) {
	if c.streaming.State() == streaming.StateRecording {
		if err := c.streaming.StopRecording(); err != nil {
			c.log.Warn().Err(err).Msg("Failed to stop streaming recording")
		}
		c.waitStreamingClosed(ctx)
	}
	c.streaming.Disconnect()
}

// waitStreamingClosed gives the service time to deliver its last transcript
// and close the connection after the end-of-stream signal.
func (c *Coordinator) waitStreamingClosed(ctx context.Context) {
	timer := time.NewTimer(c.cfg.Limits.StreamingDrain)
	defer timer.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch c.streaming.State() {
		case streaming.StateDisconnected, streaming.StateFailed:
			return
		}
		select {
		case <-ticker.C:
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

// SwitchLocalModel changes the local model. A running worker reloads in place;
// otherwise the model is used at the next start.
func (c *Coordinator) SwitchLocalModel(model string) error {
	if c.local == nil {
		return fmt.Errorf("%w: local engine is disabled", models.ErrConfiguration)
	}
	if model == "" {
		return fmt.Errorf("%w: empty model", models.ErrInvalidState)
	}
	c.mu.Lock()
	c.cfg.LocalModel = model
	active := c.active
	c.mu.Unlock()

	if c.local.Initialized() {
		if err := c.local.SwitchModel(model); err != nil {
			return err
		}
	}
	if active {
		_ = c.sessions.SetModels(c.streamingModel(), model)
	}
	c.log.Info().Str("model", model).Msg("Local model switch requested")
	return nil
}

// Active reports whether a session is running.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Status returns a snapshot of the pipeline and both engines.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	s := Status{Active: c.active, SessionID: c.sessionID, Frames: c.frames}
	if c.writer != nil {
		ri := c.writer.Info()
		s.Recording = &ri
	}
	c.mu.Unlock()
	if !s.Active {
		s.SessionID = ""
	}
	if c.streaming != nil {
		info := c.streaming.Info()
		s.Streaming = &info
	}
	if c.local != nil {
		ls := c.local.Status()
		s.Local = &ls
	}
	return s
}

// Close stops any active session and shuts both engines down.
func (c *Coordinator) Close() error {
	var err error
	if c.Active() {
		if _, serr := c.StopSession(context.Background()); serr != nil {
			err = serr
		}
	}
	if c.streaming != nil {
		c.streaming.Disconnect()
	}
	if c.local != nil {
		if cerr := c.local.Cleanup(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
