package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"live-transcription-service/internal/audio"
	"live-transcription-service/internal/events"
	"live-transcription-service/internal/models"
	"live-transcription-service/internal/observability"
	"live-transcription-service/internal/observability/metrics"
	"live-transcription-service/internal/service/pipeline"
	"live-transcription-service/internal/service/recording"
	"live-transcription-service/internal/service/session"
)

// Pipeline is the session control surface of the coordinator.
type Pipeline interface {
	StartSession(ctx context.Context) (*models.SessionInfo, error)
	StopSession(ctx context.Context) (*models.SessionRecord, error)
	OnFrame(f audio.Frame) error
	SwitchLocalModel(model string) error
	Active() bool
	Status() pipeline.Status
}

// Sessions is the read side of the session aggregator.
type Sessions interface {
	CurrentSession() *models.SessionRecord
	CurrentTranscripts() session.Transcripts
	ListSessions() ([]models.SessionSummary, error)
	RecentSessions(limit int) ([]models.SessionSummary, error)
	LoadSession(id string) (*models.SessionRecord, error)
	DeleteSession(id string) error
	ExportSession(id, format string) (*session.Export, error)
}

// Deps are the collaborators of the control API.
type Deps struct {
	Pipeline     Pipeline
	Sessions     Sessions
	Bus          *events.Bus
	RecordingDir string
	// Ready reports whether the service can take traffic. May be nil.
	Ready observability.ReadinessFunc
}

type api struct {
	Deps
}

// NewRouter constructs the HTTP router for the service.
func NewRouter(d Deps) http.Handler {
	a := &api{Deps: d}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observability.RequestMetrics(metrics.DefaultMetrics))

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if a.Ready != nil {
			if err := a.Ready(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", a.startSession)
			r.Get("/", a.listSessions)
			r.Post("/stop", a.stopSession)
			r.Get("/recent", a.recentSessions)
			r.Get("/current", a.currentSession)
			r.Get("/{id}", a.getSession)
			r.Get("/{id}/export", a.exportSession)
			r.Delete("/{id}", a.deleteSession)
		})
		r.Put("/local/model", a.switchLocalModel)
		r.Get("/status", a.status)
		r.Get("/recordings", a.listRecordings)
		r.Delete("/recordings/{name}", a.deleteRecording)

		r.Get("/ingest", a.ingest)
		if a.Bus != nil {
			r.Get("/events", a.streamEvents)
		}
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusFor maps the error taxonomy to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrSessionAlreadyActive),
		errors.Is(err, models.ErrNoActiveSession),
		errors.Is(err, models.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, models.ErrUnsupportedFormat),
		errors.Is(err, models.ErrConfiguration):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Error: err.Error(), Kind: models.Kind(err)})
}

func (a *api) startSession(w http.ResponseWriter, r *http.Request) {
	info, err := a.Pipeline.StartSession(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// stopSession returns the saved record. When persistence fails the record is
// still returned alongside the error.
func (a *api) stopSession(w http.ResponseWriter, r *http.Request) {
	rec, err := a.Pipeline.StopSession(r.Context())
	if err != nil {
		if rec == nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusInternalServerError, struct {
			errorBody
			Session *models.SessionRecord `json:"session"`
		}{errorBody{Error: err.Error(), Kind: models.Kind(err)}, rec})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *api) listSessions(w http.ResponseWriter, r *http.Request) {
	list, err := a.Sessions.ListSessions()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *api) recentSessions(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer", Kind: "invalid_argument"})
			return
		}
		limit = n
	}
	list, err := a.Sessions.RecentSessions(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *api) currentSession(w http.ResponseWriter, r *http.Request) {
	rec := a.Sessions.CurrentSession()
	if rec == nil {
		writeError(w, models.ErrNoActiveSession)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Session     *models.SessionRecord `json:"session"`
		Transcripts session.Transcripts   `json:"transcripts"`
	}{rec, a.Sessions.CurrentTranscripts()})
}

func (a *api) getSession(w http.ResponseWriter, r *http.Request) {
	rec, err := a.Sessions.LoadSession(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

var exportContentTypes = map[session.Format]string{
	session.FormatJSON: "application/json",
	session.FormatText: "text/plain; charset=utf-8",
	session.FormatCSV:  "text/csv; charset=utf-8",
}

func (a *api) exportSession(w http.ResponseWriter, r *http.Request) {
	exp, err := a.Sessions.ExportSession(chi.URLParam(r, "id"), r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", exportContentTypes[exp.Format])
	w.Header().Set("X-Export-Path", exp.Path)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(exp.Data)
}

func (a *api) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := a.Sessions.DeleteSession(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type modelRequest struct {
	Model string `json:"model"`
}

func (a *api) switchLocalModel(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error(), Kind: "invalid_argument"})
		return
	}
	if err := a.Pipeline.SwitchLocalModel(req.Model); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Pipeline.Status())
}

func (a *api) listRecordings(w http.ResponseWriter, r *http.Request) {
	list, err := recording.ListRecordings(a.RecordingDir)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *api) deleteRecording(w http.ResponseWriter, r *http.Request) {
	if err := recording.DeleteRecording(a.RecordingDir, chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
