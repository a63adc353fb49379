// Package mock provides a simulated streaming recognizer for running without
// cloud credentials. It produces progressive partial transcripts, exactly one
// final transcript per utterance, and a Termination reply to end-of-stream.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"live-transcription-service/internal/service/stt/streaming"
)

// SimulatedUtterance represents a mock utterance with progressive transcripts.
type SimulatedUtterance struct {
	Partials   []string // Progressive partial transcripts
	Final      string   // Final transcript text
	Confidence float64  // Confidence score for final
}

// DefaultUtterances provides sample utterances for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{
		Partials:   []string{"Good", "Good morning", "Good morning everyone"},
		Final:      "Good morning everyone, let's get started",
		Confidence: 0.94,
	},
	{
		Partials:   []string{"First", "First item", "First item on"},
		Final:      "First item on the agenda is the release plan",
		Confidence: 0.91,
	},
	{
		Partials:   []string{"Can you", "Can you share", "Can you share your"},
		Final:      "Can you share your screen please",
		Confidence: 0.89,
	},
	{
		Partials:   []string{"Yes", "Yes one"},
		Final:      "Yes one moment",
		Confidence: 0.97,
	},
	{
		Partials:   []string{"Thank you"},
		Final:      "Thank you all for joining",
		Confidence: 0.98,
	},
}

const (
	// DefaultFramesPerStep is how many audio writes advance the simulation by one message.
	DefaultFramesPerStep = 5
	// DefaultDelay simulates server processing time.
	DefaultDelay = 50 * time.Millisecond
)

// Dialer implements streaming.Dialer with simulated connections.
type Dialer struct {
	Utterances    []SimulatedUtterance
	FramesPerStep int
	Delay         time.Duration

	mu   sync.Mutex
	next int // cycles through Utterances across connections
}

// NewDialer creates a mock dialer with the default utterances.
func NewDialer() *Dialer {
	return &Dialer{
		Utterances:    DefaultUtterances,
		FramesPerStep: DefaultFramesPerStep,
		Delay:         DefaultDelay,
	}
}

func (d *Dialer) Name() string         { return "mock" }
func (d *Dialer) RequiresAPIKey() bool { return false }

// Dial returns a connection that immediately acknowledges a session.
func (d *Dialer) Dial(ctx context.Context, opts streaming.DialOptions) (streaming.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	start := d.next
	d.next++
	d.mu.Unlock()

	utts := d.Utterances
	if len(utts) == 0 {
		utts = DefaultUtterances
	}
	step := d.FramesPerStep
	if step <= 0 {
		step = 1
	}

	c := &conn{
		utterances: utts,
		index:      start % len(utts),
		step:       step,
		delay:      d.Delay,
		queue:      make(chan pendingEvent, 64),
		done:       make(chan struct{}),
	}
	now := time.Now()
	c.push(streaming.Inbound{
		Kind:      streaming.InboundBegin,
		SessionID: uuid.NewString(),
		ExpiresAt: now.Add(time.Hour),
	}, now)
	return c, nil
}

type pendingEvent struct {
	ev      streaming.Inbound
	readyAt time.Time
}

type conn struct {
	mu         sync.Mutex
	utterances []SimulatedUtterance
	index      int
	partial    int // next partial of the current utterance
	frames     int
	step       int
	delay      time.Duration
	terminated bool
	closed     bool

	queue     chan pendingEvent
	done      chan struct{}
	closeOnce sync.Once
}

// push queues ev; callers hold c.mu or have exclusive access.
func (c *conn) push(ev streaming.Inbound, at time.Time) {
	ev.Created = at
	select {
	case c.queue <- pendingEvent{ev: ev, readyAt: at.Add(c.delay)}:
	default:
		// reader is not keeping up; the simulation drops the message
	}
}

func (c *conn) WriteAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.terminated {
		return &streaming.CloseError{Code: 1000, Reason: "session terminated"}
	}
	c.frames++
	if c.frames%c.step != 0 {
		return nil
	}
	c.advance(time.Now())
	return nil
}

// advance emits the next partial, or the final once partials are exhausted.
func (c *conn) advance(now time.Time) {
	utt := c.utterances[c.index]
	if c.partial < len(utt.Partials) {
		c.push(streaming.Inbound{
			Kind:      streaming.InboundTranscript,
			Text:      utt.Partials[c.partial],
			MessageID: uuid.NewString(),
		}, now)
		c.partial++
		return
	}
	c.emitFinal(now)
}

func (c *conn) emitFinal(now time.Time) {
	utt := c.utterances[c.index]
	conf := utt.Confidence
	c.push(streaming.Inbound{
		Kind:       streaming.InboundTranscript,
		Text:       utt.Final,
		Confidence: &conf,
		EndOfTurn:  true,
		MessageID:  uuid.NewString(),
	}, now)
	c.index = (c.index + 1) % len(c.utterances)
	c.partial = 0
}

// Terminate flushes an utterance in progress and confirms termination.
func (c *conn) Terminate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.terminated {
		return nil
	}
	c.terminated = true
	now := time.Now()
	if c.partial > 0 {
		c.emitFinal(now)
	}
	c.push(streaming.Inbound{Kind: streaming.InboundTermination}, now)
	return nil
}

func (c *conn) ReadEvent() (streaming.Inbound, error) {
	select {
	case <-c.done:
		return streaming.Inbound{}, &streaming.CloseError{Code: 1000, Reason: "closed"}
	case p := <-c.queue:
		if wait := time.Until(p.readyAt); wait > 0 {
			t := time.NewTimer(wait)
			defer t.Stop()
			select {
			case <-c.done:
				return streaming.Inbound{}, &streaming.CloseError{Code: 1000, Reason: "closed"}
			case <-t.C:
			}
		}
		return p.ev, nil
	}
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}
