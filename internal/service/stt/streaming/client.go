package streaming

import (
	"context"
	"errors"
	"fmt"
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
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBase        = time.Second
	DefaultSendBuffer           = 64
	DefaultDialTimeout          = 10 * time.Second

	latencyWindow = 10
)

// Config holds streaming client configuration.
type Config struct {
	APIKey               string
	URL                  string
	SampleRate           int
	Encoding             string
	Model                string
	Language             string
	ReconnectBase        time.Duration
	MaxReconnectAttempts int
	SendBuffer           int
	DialTimeout          time.Duration
}

// DefaultConfig returns sensible default streaming configuration.
func DefaultConfig() Config {
	return Config{
		SampleRate:           16000,
		Encoding:             "pcm_s16le",
		Model:                "universal-streaming",
		Language:             "en-US",
		ReconnectBase:        DefaultReconnectBase,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		SendBuffer:           DefaultSendBuffer,
		DialTimeout:          DefaultDialTimeout,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.Encoding == "" {
		c.Encoding = d.Encoding
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = d.ReconnectBase
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
}

// Session is the remote service's active recognition context.
type Session struct {
	ID        string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Info is an observability snapshot of the client.
type Info struct {
	State             string     `json:"state"`
	Provider          string     `json:"provider"`
	SessionID         string     `json:"sessionId,omitempty"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
	Model             string     `json:"model"`
	ReconnectAttempts int        `json:"reconnectAttempts"`
	FramesSent        int64      `json:"framesSent"`
	FramesDropped     int64      `json:"framesDropped"`
	AverageLatencyMs  int64      `json:"averageLatencyMs"`
	UptimeSec         float64    `json:"uptimeSec"`
}

type timer interface {
	Stop() bool
}

// link is one attached connection plus its writer plumbing.
type link struct {
	conn      Conn
	audio     chan []byte
	terminate chan struct{}
	done      chan struct{}
}

// Client maintains a resilient connection to a streaming recognizer and
// translates its messages into transcript fragments.
// Thread-safe for concurrent access.
type Client struct {
	mu        sync.Mutex
	cfg       Config
	dialer    Dialer
	cb        stt.Callback
	state     ConnectionState
	gen       uint64
	link      *link
	session   Session
	recording bool
	attempts  int
	retry     timer

	latencies  []int64
	latencyPos int
	sent       int64
	dropped    int64
	connected  time.Time

	// pending callbacks run after mu is released.
	pending []func()

	afterFunc func(time.Duration, func()) timer
	now       func() time.Time
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// NewClient creates a disconnected client.
func NewClient(cfg Config, dialer Dialer, cb stt.Callback) *Client {
	cfg.applyDefaults()
	if cb == nil {
		cb = stt.NopCallback{}
	}
	return &Client{
		cfg:       cfg,
		dialer:    dialer,
		cb:        cb,
		state:     StateDisconnected,
		latencies: make([]int64, 0, latencyWindow),
		afterFunc: func(d time.Duration, f func()) timer { return time.AfterFunc(d, f) },
		now:       time.Now,
		metrics:   metrics.DefaultMetrics,
		log:       logging.WithEngine(string(models.EngineStreaming), dialer.Name()),
	}
}

// unlock releases mu and runs the callbacks queued while it was held.
func (c *Client) unlock() {
	p := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, fn := range p {
		fn()
	}
}

func (c *Client) setStateLocked(to ConnectionState) {
	from := c.state
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		c.log.Error().Str("from", from.String()).Str("to", to.String()).Msg("Invalid state transition ignored")
		return
	}
	c.state = to
	c.metrics.RecordStateTransition(to.String())
	c.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("State transition")
	name := to.String()
	c.pending = append(c.pending, func() { c.cb.OnStatus(models.EngineStreaming, name) })
}

func (c *Client) emitErrorLocked(err *models.EngineError) {
	c.metrics.RecordError(string(models.EngineStreaming), models.Kind(err))
	c.pending = append(c.pending, func() { c.cb.OnError(models.EngineStreaming, err) })
}

// Connect opens the transport. It is a no-op while connecting or connected.
// A missing API key fails immediately with models.ErrConfiguration.
// Calling Connect resets the reconnect attempt counter.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected, StateRecording:
		c.unlock()
		return nil
	}
	if c.dialer.RequiresAPIKey() && c.cfg.APIKey == "" {
		c.unlock()
		return fmt.Errorf("%w: %s API key is not set", models.ErrConfiguration, c.dialer.Name())
	}
	c.cancelRetryLocked()
	c.attempts = 0
	gen, opts := c.beginDialLocked()
	timeout := c.cfg.DialTimeout
	c.unlock()

	dctx, cancel := context.WithTimeout(ctx, timeout)
	conn, err := c.dialer.Dial(dctx, opts)
	cancel()

	c.mu.Lock()
	defer c.unlock()
	if gen != c.gen {
		if conn != nil {
			conn.Close()
		}
		return fmt.Errorf("%w: connect cancelled by disconnect", models.ErrConnection)
	}
	if err != nil {
		c.connectionLostLocked(models.ErrConnection, err)
		return fmt.Errorf("%w: dial %s: %v", models.ErrConnection, c.dialer.Name(), err)
	}
	c.attachLocked(conn)
	return nil
}

func (c *Client) beginDialLocked() (uint64, DialOptions) {
	c.gen++
	c.setStateLocked(StateConnecting)
	c.log.Info().Int("attempt", c.attempts).Msg("Connecting to streaming service")
	return c.gen, DialOptions{
		APIKey:     c.cfg.APIKey,
		URL:        c.cfg.URL,
		SampleRate: c.cfg.SampleRate,
		Encoding:   c.cfg.Encoding,
		Model:      c.cfg.Model,
		Language:   c.cfg.Language,
	}
}

func (c *Client) attachLocked(conn Conn) {
	l := &link{
		conn:      conn,
		audio:     make(chan []byte, c.cfg.SendBuffer),
		terminate: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	c.link = l
	c.attempts = 0
	c.connected = c.now()
	c.setStateLocked(StateConnected)
	if c.recording {
		c.setStateLocked(StateRecording)
	}
	c.log.Info().Bool("resumeRecording", c.recording).Msg("Connected to streaming service")

	go c.readLoop(l)
	go c.writeLoop(l)
}

func (c *Client) teardownLocked() {
	if c.link != nil {
		close(c.link.done)
		c.link.conn.Close()
		c.link = nil
	}
	c.session = Session{}
}

func (c *Client) cancelRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

// backoff returns base * 2^(attempt-1).
func (c *Client) backoff(attempt int) time.Duration {
	return c.cfg.ReconnectBase * time.Duration(1<<(attempt-1))
}

// connectionLostLocked decides between Reconnecting, Failed and Disconnected
// after a dial failure or an unexpected close.
func (c *Client) connectionLostLocked(kind, cause error) {
	c.teardownLocked()

	var ce *CloseError
	permanent := errors.As(cause, &ce) && ce.Permanent

	switch {
	case permanent:
		c.recording = false
		c.setStateLocked(StateFailed)
		c.log.Error().Err(cause).Msg("Streaming service closed with a non-retryable code")
		c.emitErrorLocked(&models.EngineError{
			Engine: models.EngineStreaming,
			Op:     "connection",
			Err:    fmt.Errorf("%w: %v", kind, cause),
		})

	case c.recording && c.attempts < c.cfg.MaxReconnectAttempts:
		c.attempts++
		delay := c.backoff(c.attempts)
		c.setStateLocked(StateReconnecting)
		c.metrics.RecordReconnect()
		c.log.Warn().
			Err(cause).
			Int("attempt", c.attempts).
			Int("maxAttempts", c.cfg.MaxReconnectAttempts).
			Dur("delay", delay).
			Msg("Scheduling reconnect")
		c.emitErrorLocked(&models.EngineError{
			Engine:    models.EngineStreaming,
			Op:        "connection",
			Err:       fmt.Errorf("%w: %v", kind, cause),
			Retryable: true,
		})
		gen := c.gen
		c.retry = c.afterFunc(delay, func() { c.reconnect(gen) })

	case c.recording:
		c.recording = false
		c.setStateLocked(StateFailed)
		c.log.Error().Err(cause).Int("attempts", c.attempts).Msg("Reconnect attempts exhausted")
		c.emitErrorLocked(&models.EngineError{
			Engine: models.EngineStreaming,
			Op:     "reconnect",
			Err:    fmt.Errorf("%w: attempts exhausted: %v", kind, cause),
		})

	default:
		c.setStateLocked(StateDisconnected)
		c.log.Info().Err(cause).Msg("Streaming connection closed")
	}
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateReconnecting {
		c.unlock()
		return
	}
	c.retry = nil
	gen, opts := c.beginDialLocked()
	timeout := c.cfg.DialTimeout
	c.unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	conn, err := c.dialer.Dial(ctx, opts)
	cancel()

	c.mu.Lock()
	defer c.unlock()
	if gen != c.gen {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.connectionLostLocked(models.ErrConnection, err)
		return
	}
	c.attachLocked(conn)
}

// lost handles a read or write failure on l.
func (c *Client) lost(l *link, err error) {
	c.mu.Lock()
	defer c.unlock()
	if c.link != l {
		return
	}
	c.connectionLostLocked(models.ErrTransportClosed, err)
}

func (c *Client) readLoop(l *link) {
	for {
		ev, err := l.conn.ReadEvent()
		if err != nil {
			c.lost(l, err)
			return
		}
		c.handleInbound(l, ev)
	}
}

func (c *Client) writeLoop(l *link) {
	for {
		select {
		case <-l.done:
			return
		case pcm := <-l.audio:
			if err := l.conn.WriteAudio(pcm); err != nil {
				c.lost(l, err)
				return
			}
		case <-l.terminate:
			if err := c.drain(l); err != nil {
				c.lost(l, err)
				return
			}
			if err := l.conn.Terminate(); err != nil {
				c.lost(l, err)
				return
			}
		}
	}
}

// drain flushes queued audio so the end-of-stream signal follows it.
func (c *Client) drain(l *link) error {
	for {
		select {
		case pcm := <-l.audio:
			if err := l.conn.WriteAudio(pcm); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *Client) handleInbound(l *link, ev Inbound) {
	c.mu.Lock()
	defer c.unlock()
	if c.link != l {
		return
	}

	now := c.now()
	switch ev.Kind {
	case InboundBegin:
		c.session = Session{ID: ev.SessionID, CreatedAt: now, ExpiresAt: ev.ExpiresAt}
		c.log.Info().
			Str("sessionId", ev.SessionID).
			Time("expiresAt", ev.ExpiresAt).
			Msg("Streaming session began")

	case InboundTranscript:
		if strings.TrimSpace(ev.Text) == "" {
			return
		}
		frag := models.Fragment{
			ID:           uuid.NewString(),
			Text:         ev.Text,
			Confidence:   ev.Confidence,
			IsFinal:      ev.EndOfTurn,
			Timestamp:    now,
			SourceEngine: models.EngineStreaming,
			Model:        c.cfg.Model,
			MessageID:    ev.MessageID,
		}
		if !ev.Created.IsZero() {
			latency := now.Sub(ev.Created).Milliseconds()
			if latency < 0 {
				latency = 0
			}
			c.recordLatencyLocked(latency)
			frag.LatencyMs = &latency
			c.metrics.RecordLatency(string(models.EngineStreaming), latency)
		}
		c.metrics.RecordFragment(string(models.EngineStreaming), frag.IsFinal)
		if frag.IsFinal {
			c.pending = append(c.pending, func() { c.cb.OnFinal(models.EngineStreaming, frag) })
		} else {
			c.pending = append(c.pending, func() { c.cb.OnPartial(models.EngineStreaming, frag) })
		}

	case InboundTermination:
		c.log.Info().Str("sessionId", c.session.ID).Msg("Streaming session terminated by server")
		c.session = Session{}

	case InboundError:
		c.log.Error().Str("error", ev.Error).Msg("Streaming service reported an error")
		c.emitErrorLocked(&models.EngineError{
			Engine:    models.EngineStreaming,
			Op:        "remote",
			Err:       fmt.Errorf("%w: %s", models.ErrConnection, ev.Error),
			Retryable: true,
		})

	default:
		raw := ev.Raw
		if len(raw) > 256 {
			raw = raw[:256]
		}
		c.log.Warn().Str("payload", raw).Msg("Unrecognized message from streaming service")
	}
}

func (c *Client) recordLatencyLocked(ms int64) {
	if len(c.latencies) < latencyWindow {
		c.latencies = append(c.latencies, ms)
		return
	}
	c.latencies[c.latencyPos] = ms
	c.latencyPos = (c.latencyPos + 1) % latencyWindow
}

func (c *Client) averageLatencyLocked() int64 {
	if len(c.latencies) == 0 {
		return 0
	}
	var sum int64
	for _, v := range c.latencies {
		sum += v
	}
	return (sum + int64(len(c.latencies))/2) / int64(len(c.latencies))
}

// StartRecording moves a connected client to Recording and resets latency telemetry.
func (c *Client) StartRecording() error {
	c.mu.Lock()
	defer c.unlock()
	if c.state != StateConnected {
		return fmt.Errorf("%w: start recording while %s", models.ErrInvalidState, c.state)
	}
	c.recording = true
	c.latencies = c.latencies[:0]
	c.latencyPos = 0
	c.sent = 0
	c.dropped = 0
	c.setStateLocked(StateRecording)
	return nil
}

// SendAudio queues f for transmission. It returns false when not recording
// or when the send buffer is full and the frame was dropped.
func (c *Client) SendAudio(f audio.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRecording || c.link == nil || f.Empty() {
		return false
	}
	select {
	case c.link.audio <- f.PCM16Bytes():
		c.sent++
		return true
	default:
		c.dropped++
		c.metrics.RecordDroppedFrame()
		return false
	}
}

// StopRecording sends the end-of-stream signal and returns to Connected.
// The transport stays open.
func (c *Client) StopRecording() error {
	c.mu.Lock()
	defer c.unlock()
	if c.state != StateRecording {
		return fmt.Errorf("%w: stop recording while %s", models.ErrInvalidState, c.state)
	}
	c.recording = false
	select {
	case c.link.terminate <- struct{}{}:
	default:
	}
	c.setStateLocked(StateConnected)
	return nil
}

// Disconnect tears down the transport, cancels any pending reconnect and
// moves to Disconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.unlock()
	c.cancelRetryLocked()
	c.gen++
	c.recording = false
	c.teardownLocked()
	c.setStateLocked(StateDisconnected)
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the active remote session, if any.
func (c *Client) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SetModel changes the model requested on the next connection.
func (c *Client) SetModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Model = model
}

// Model returns the configured model.
func (c *Client) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Model
}

// AverageLatency returns the rolling mean of the last 10 latency readings.
func (c *Client) AverageLatency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.averageLatencyLocked()) * time.Millisecond
}

// Info returns an observability snapshot.
func (c *Client) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := Info{
		State:             c.state.String(),
		Provider:          c.dialer.Name(),
		SessionID:         c.session.ID,
		Model:             c.cfg.Model,
		ReconnectAttempts: c.attempts,
		FramesSent:        c.sent,
		FramesDropped:     c.dropped,
		AverageLatencyMs:  c.averageLatencyLocked(),
	}
	if !c.session.ExpiresAt.IsZero() {
		exp := c.session.ExpiresAt
		info.ExpiresAt = &exp
	}
	if c.state.Live() {
		info.UptimeSec = c.now().Sub(c.connected).Seconds()
	}
	return info
}
