package models

import (
	"errors"
	"fmt"
)

// Error taxonomy. Components wrap these with fmt.Errorf("...: %w", ErrX).
var (
	ErrConfiguration         = errors.New("configuration error")
	ErrConnection            = errors.New("connection error")
	ErrTransportClosed       = errors.New("transport closed")
	ErrInitializationTimeout = errors.New("initialization timeout")
	ErrWorkerLaunch          = errors.New("worker launch error")
	ErrWorker                = errors.New("worker error")
	ErrRequestTimeout        = errors.New("request timeout")
	ErrQueueOverflow         = errors.New("queue overflow")
	ErrIO                    = errors.New("io error")
	ErrInvalidState          = errors.New("invalid state")
	ErrNotFound              = errors.New("not found")
	ErrUnsupportedFormat     = errors.New("unsupported format")
	ErrSessionAlreadyActive  = errors.New("session already active")
	ErrNoActiveSession       = errors.New("no active session")
)

// EngineError is the payload of an error event.
type EngineError struct {
	Engine    Engine
	Op        string
	Err       error
	Retryable bool
	// Fatal marks failures that end the current recording session.
	Fatal bool
}

func (e *EngineError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Engine, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Engine, e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// Kind returns the taxonomy name of the wrapped error, used as a metric label.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrTransportClosed):
		return "transport_closed"
	case errors.Is(err, ErrConnection):
		return "connection"
	case errors.Is(err, ErrInitializationTimeout):
		return "initialization_timeout"
	case errors.Is(err, ErrWorkerLaunch):
		return "worker_launch"
	case errors.Is(err, ErrWorker):
		return "worker"
	case errors.Is(err, ErrRequestTimeout):
		return "request_timeout"
	case errors.Is(err, ErrQueueOverflow):
		return "queue_overflow"
	case errors.Is(err, ErrIO):
		return "io"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, ErrSessionAlreadyActive):
		return "session_already_active"
	case errors.Is(err, ErrNoActiveSession):
		return "no_active_session"
	default:
		return "other"
	}
}
