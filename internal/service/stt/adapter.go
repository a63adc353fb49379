// Package stt defines the callback contract shared by the transcription engines.
package stt

import "live-transcription-service/internal/models"

// Callback receives results and lifecycle notifications from a transcription engine.
// Implementations must not call back into the engine that invoked them.
type Callback interface {
	// OnStatus is called when the engine changes state.
	OnStatus(engine models.Engine, state string)

	// OnPartial is called when an interim transcript is received.
	OnPartial(engine models.Engine, fragment models.Fragment)

	// OnFinal is called when a final transcript is received.
	OnFinal(engine models.Engine, fragment models.Fragment)

	// OnError is called when the engine hits an operational failure.
	// err is usually a *models.EngineError.
	OnError(engine models.Engine, err error)
}

// NopCallback discards everything.
type NopCallback struct{}

func (NopCallback) OnStatus(models.Engine, string)           {}
func (NopCallback) OnPartial(models.Engine, models.Fragment) {}
func (NopCallback) OnFinal(models.Engine, models.Fragment)   {}
func (NopCallback) OnError(models.Engine, error)             {}

// Multi fans one engine's callbacks out to several receivers in order.
type Multi []Callback

func (m Multi) OnStatus(e models.Engine, state string) {
	for _, cb := range m {
		cb.OnStatus(e, state)
	}
}

func (m Multi) OnPartial(e models.Engine, f models.Fragment) {
	for _, cb := range m {
		cb.OnPartial(e, f)
	}
}

func (m Multi) OnFinal(e models.Engine, f models.Fragment) {
	for _, cb := range m {
		cb.OnFinal(e, f)
	}
}

func (m Multi) OnError(e models.Engine, err error) {
	for _, cb := range m {
		cb.OnError(e, err)
	}
}
