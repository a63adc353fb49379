package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{ErrConfiguration, "configuration"},
		{fmt.Errorf("dial: %w", ErrConnection), "connection"},
		{fmt.Errorf("read: %w", ErrTransportClosed), "transport_closed"},
		{ErrInitializationTimeout, "initialization_timeout"},
		{ErrWorkerLaunch, "worker_launch"},
		{ErrWorker, "worker"},
		{ErrRequestTimeout, "request_timeout"},
		{fmt.Errorf("enqueue: %w", ErrQueueOverflow), "queue_overflow"},
		{fmt.Errorf("write wav: %w", ErrIO), "io"},
		{ErrInvalidState, "invalid_state"},
		{ErrNotFound, "not_found"},
		{ErrUnsupportedFormat, "unsupported_format"},
		{ErrSessionAlreadyActive, "session_already_active"},
		{ErrNoActiveSession, "no_active_session"},
		{&EngineError{Engine: EngineLocal, Err: ErrRequestTimeout}, "request_timeout"},
		{errors.New("boom"), "other"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := Kind(tt.err); got != tt.want {
				t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestEngineError(t *testing.T) {
	err := fmt.Errorf("session: %w", &EngineError{
		Engine:    EngineStreaming,
		Op:        "connect",
		Err:       ErrConnection,
		Retryable: true,
	})

	if !errors.Is(err, ErrConnection) {
		t.Error("expected wrapped sentinel to be reachable")
	}
	if got := err.Error(); got != "session: streaming connect: connection error" {
		t.Errorf("unexpected message %q", got)
	}

	info := NewErrorInfo(err)
	if info.Kind != "connection" || info.Op != "connect" || !info.Retryable || info.Fatal {
		t.Errorf("unexpected info %+v", info)
	}

	plain := NewErrorInfo(errors.New("disk full"))
	if plain.Kind != "other" || plain.Op != "" || plain.Retryable {
		t.Errorf("unexpected info %+v", plain)
	}

	noOp := &EngineError{Engine: EngineLocal, Err: ErrWorker}
	if noOp.Error() != "local: worker error" {
		t.Errorf("unexpected message %q", noOp.Error())
	}
}
