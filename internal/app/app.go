package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"live-transcription-service/internal/config"
	"live-transcription-service/internal/events"
	apihttp "live-transcription-service/internal/http"
	"live-transcription-service/internal/observability"
	"live-transcription-service/internal/observability/logging"
	"live-transcription-service/internal/service/pipeline"
	"live-transcription-service/internal/service/session"
	"live-transcription-service/internal/service/stt/assemblyai"
	"live-transcription-service/internal/service/stt/google"
	"live-transcription-service/internal/service/stt/local"
	"live-transcription-service/internal/service/stt/mock"
	"live-transcription-service/internal/service/stt/streaming"
	"live-transcription-service/internal/storage"
)

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Configuration

	Bus         *events.Bus
	Publisher   *events.Publisher
	Store       *storage.FileStore
	Index       *storage.Index
	Sessions    *session.Aggregator
	Streaming   *streaming.Client
	Local       *local.Engine
	Coordinator *pipeline.Coordinator

	httpServer *http.Server
	obsServer  *observability.Server

	cancelForward context.CancelFunc
	forwardDone   chan struct{}
	mu            sync.Mutex
	started       bool
}

// New constructs a new Application from the provided configuration.
func New(cfg *config.Configuration) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logging.Init(logging.Config{
		Level:      cfg.Observability.LogLevel,
		Format:     cfg.Observability.LogFormat,
		TimeFormat: time.RFC3339,
		Service:    cfg.Service.Principal,
	})

	a := &Application{
		Cfg:    cfg,
		Logger: logging.WithComponent("application"),
		Bus:    events.NewBus(),
	}

	dialer, err := newDialer(cfg.Streaming)
	if err != nil {
		return nil, err
	}

	a.Publisher = events.New(&events.Config{
		Enabled:        cfg.Kafka.Enabled,
		Brokers:        cfg.Kafka.Brokers,
		TopicPartial:   cfg.Kafka.TopicPartial,
		TopicFinal:     cfg.Kafka.TopicFinal,
		TopicLifecycle: cfg.Kafka.TopicLifecycle,
		Principal:      cfg.Kafka.Principal,
	})

	a.Store, err = storage.NewFileStore(cfg.Storage.TranscriptDir)
	if err != nil {
		return nil, err
	}
	opts := []session.Option{session.WithEmitter(a.Bus)}
	if cfg.Storage.IndexPath != "" {
		a.Index, err = storage.OpenIndex(cfg.Storage.IndexPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, session.WithIndex(a.Index))
	}
	a.Sessions = session.New(a.Store, opts...)

	a.Streaming = streaming.NewClient(streamingConfig(cfg.Streaming), dialer, a.Sessions)

	// A nil *local.Engine must not reach the coordinator as a non-nil interface.
	var le pipeline.LocalEngine
	if cfg.Local.Enabled {
		a.Local = local.New(localConfig(cfg.Local), a.Sessions)
		le = a.Local
	}

	a.Coordinator = pipeline.New(pipeline.Config{
		RecordingDir:     cfg.Recording.Dir,
		SampleRate:       cfg.Recording.SampleRate,
		Channels:         cfg.Recording.Channels,
		ProgressInterval: cfg.Recording.ProgressInterval,
		LocalModel:       cfg.Local.Model,
		LocalChunk:       cfg.Local.ChunkDuration,
		Limits:           pipeline.DefaultLimits(),
	}, a.Streaming, le, a.Sessions, a.Bus)

	router := apihttp.NewRouter(apihttp.Deps{
		Pipeline:     a.Coordinator,
		Sessions:     a.Sessions,
		Bus:          a.Bus,
		RecordingDir: cfg.Recording.Dir,
		Ready:        a.Ready,
	})
	a.httpServer = &http.Server{
		Addr:              cfg.Service.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.obsServer = observability.NewServer(cfg.Observability.MetricsAddr, a.Ready)

	a.Logger.Info().
		Str("provider", dialer.Name()).
		Bool("localEnabled", cfg.Local.Enabled).
		Bool("kafkaEnabled", a.Publisher.Enabled()).
		Msg("Live transcription application created")
	return a, nil
}

func newDialer(cfg config.StreamingConfig) (streaming.Dialer, error) {
	switch cfg.Provider {
	case "assemblyai":
		return assemblyai.NewDialer(), nil
	case "google":
		gc := google.DefaultConfig()
		gc.LanguageCode = cfg.Language
		gc.SampleRateHz = int32(cfg.SampleRate)
		return google.NewDialer(gc), nil
	case "mock":
		return mock.NewDialer(), nil
	default:
		return nil, fmt.Errorf("unknown streaming provider %q", cfg.Provider)
	}
}

func streamingConfig(c config.StreamingConfig) streaming.Config {
	sc := streaming.DefaultConfig()
	sc.APIKey = c.APIKey
	sc.URL = c.URL
	sc.SampleRate = c.SampleRate
	if c.Model != "" {
		sc.Model = c.Model
	}
	if c.Language != "" {
		sc.Language = c.Language
	}
	sc.ReconnectBase = c.ReconnectBase
	sc.MaxReconnectAttempts = c.MaxReconnects
	sc.SendBuffer = c.SendBuffer
	return sc
}

func localConfig(c config.LocalConfig) local.Config {
	return local.Config{
		Python:         c.Python,
		Script:         c.Script,
		Model:          c.Model,
		InitTimeout:    c.InitTimeout,
		RequestTimeout: c.RequestTimeout,
		StopGrace:      c.StopGrace,
		TempDir:        c.TempDir,
		Retention:      c.Retention,
		MaxQueue:       c.MaxQueue,
	}
}

// Ready reports whether the service can take traffic.
func (a *Application) Ready() error {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if !started {
		return errors.New("starting")
	}
	if a.Index != nil {
		if _, err := a.Index.Count(); err != nil {
			return fmt.Errorf("session index: %w", err)
		}
	}
	return nil
}

// Start begins event forwarding and serving traffic.
func (a *Application) Start() error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	ch, unsubscribe := a.Bus.Subscribe(1024)
	ctx, cancel := context.WithCancel(context.Background())
	a.cancelForward = func() {
		cancel()
		unsubscribe()
	}
	a.forwardDone = make(chan struct{})
	go func() {
		defer close(a.forwardDone)
		a.Publisher.Forward(ctx, ch)
	}()

	a.obsServer.Start()
	go func() {
		startLogger.Info().Str("addr", a.httpServer.Addr).Msg("Control API listening")
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			startLogger.Error().Err(err).Msg("Control API server error")
		}
	}()

	a.mu.Lock()
	a.started = true
	a.StartupTime = time.Now().UTC()
	a.mu.Unlock()

	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Msg("Live transcription service starting")
	return nil
}

// Shutdown stops the HTTP servers, ends any active session and releases
// the engines and publisher.
func (a *Application) Shutdown(ctx context.Context) {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()
	shutdownLogger.Info().Msg("Live transcription service shutting down")

	a.mu.Lock()
	a.started = false
	a.mu.Unlock()

	if err := a.httpServer.Shutdown(ctx); err != nil {
		shutdownLogger.Warn().Err(err).Msg("Control API shutdown")
	}
	if err := a.Coordinator.Close(); err != nil {
		shutdownLogger.Warn().Err(err).Msg("Pipeline close")
	}

	if a.cancelForward != nil {
		a.cancelForward()
		select {
		case <-a.forwardDone:
		case <-ctx.Done():
		}
	}
	if err := a.Publisher.Close(); err != nil {
		shutdownLogger.Warn().Err(err).Msg("Publisher close")
	}
	if a.Index != nil {
		if err := a.Index.Close(); err != nil {
			shutdownLogger.Warn().Err(err).Msg("Session index close")
		}
	}
	if err := a.obsServer.Shutdown(ctx); err != nil {
		shutdownLogger.Warn().Err(err).Msg("Observability server shutdown")
	}
}
