package streaming

import (
	"context"
	"fmt"
	"time"
)

// InboundKind classifies a message received from the remote service.
type InboundKind int

const (
	// InboundUnrecognized is any payload the transport could not classify.
	InboundUnrecognized InboundKind = iota
	// InboundBegin acknowledges a new recognition session.
	InboundBegin
	// InboundTranscript carries recognized text.
	InboundTranscript
	// InboundTermination confirms the server ended the session.
	InboundTermination
	// InboundError is a service-reported failure.
	InboundError
)

// String returns the string representation of the kind.
func (k InboundKind) String() string {
	switch k {
	case InboundBegin:
		return "begin"
	case InboundTranscript:
		return "transcript"
	case InboundTermination:
		return "termination"
	case InboundError:
		return "error"
	default:
		return "unrecognized"
	}
}

// Inbound is a transport-neutral view of one server message.
type Inbound struct {
	Kind InboundKind

	// Begin
	SessionID string
	ExpiresAt time.Time

	// Transcript
	Text       string
	Confidence *float64
	EndOfTurn  bool
	MessageID  string

	// Created is the server-reported creation time; zero when not provided.
	Created time.Time

	// Error
	Error string

	// Raw holds the undecoded payload for unrecognized messages.
	Raw string
}

// DialOptions are the negotiated parameters of a connection.
type DialOptions struct {
	APIKey     string
	URL        string
	SampleRate int
	Encoding   string
	Model      string
	Language   string
}

// Conn is one live connection to a streaming recognizer.
// WriteAudio and Terminate are called from a single goroutine; ReadEvent
// from another.
type Conn interface {
	// WriteAudio sends little-endian 16-bit PCM.
	WriteAudio(pcm []byte) error
	// Terminate sends the end-of-stream signal without closing the transport.
	Terminate() error
	// ReadEvent blocks for the next inbound message. A server-initiated close
	// is returned as *CloseError.
	ReadEvent() (Inbound, error)
	// Close tears the transport down. Safe to call more than once.
	Close() error
}

// Dialer opens connections for one provider.
type Dialer interface {
	Name() string
	// RequiresAPIKey reports whether Dial needs DialOptions.APIKey.
	RequiresAPIKey() bool
	Dial(ctx context.Context, opts DialOptions) (Conn, error)
}

// CloseError reports a server-initiated close.
type CloseError struct {
	Code   int
	Reason string
	// Permanent marks codes that must not be retried (authorization, billing, policy).
	Permanent bool
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection closed with code %d", e.Code)
	}
	return fmt.Sprintf("connection closed with code %d: %s", e.Code, e.Reason)
}
