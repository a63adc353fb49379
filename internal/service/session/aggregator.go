// Package session owns the active recording session: it collects transcript
// fragments from both engines, keeps running statistics, and persists and
// exports the finished record.
package session

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"live-transcription-service/internal/events"
	"live-transcription-service/internal/models"
	"live-transcription-service/internal/observability/logging"
	"live-transcription-service/internal/observability/metrics"
)

// DocumentVersion is written to every saved session document.
const DocumentVersion = "1.0"

// Store persists session documents.
type Store interface {
	Save(rec *models.SessionRecord) (int64, error)
	Load(id string) (*models.SessionRecord, error)
	List() ([]models.SessionSummary, error)
	Delete(id string) error
	WriteExport(id, ext string, data []byte) (string, error)
}

// Index is a summary table of saved sessions.
type Index interface {
	Upsert(rec *models.SessionRecord, size int64) error
	Remove(id string) error
	Recent(limit int) ([]models.SessionSummary, error)
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithIndex keeps idx in sync with saved and deleted sessions.
func WithIndex(idx Index) Option {
	return func(a *Aggregator) { a.index = idx }
}

// WithEmitter sets where normalized events go. The default discards them.
func WithEmitter(e events.Emitter) Option {
	return func(a *Aggregator) { a.emitter = e }
}

// Transcripts is the live view of the active session.
type Transcripts struct {
	SessionID string                              `json:"sessionId,omitempty"`
	Finals    map[models.Engine][]models.Fragment `json:"finals"`
	Partials  map[models.Engine]*models.Fragment  `json:"partials"`
}

// Export is a rendered, written export.
type Export struct {
	SessionID string `json:"sessionId"`
	Format    Format `json:"format"`
	Path      string `json:"path"`
	Data      []byte `json:"-"`
}

// Aggregator is the single owner of the active session record. It implements
// stt.Callback so both engines can report to it directly.
type Aggregator struct {
	mu      sync.Mutex
	store   Store
	index   Index
	emitter events.Emitter
	ids     *IDGenerator
	now     func() time.Time
	log     zerolog.Logger
	metrics *metrics.Metrics

	active     *models.SessionRecord
	utterances map[models.Engine]*utterance
	confSum    map[models.Engine]float64
	confN      map[models.Engine]int
	latSum     int64
	latN       int
}

// New creates an aggregator persisting through store.
func New(store Store, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:   store,
		emitter: events.Discard,
		ids:     NewIDGenerator(),
		now:     time.Now,
		log:     logging.WithComponent("session"),
		metrics: metrics.DefaultMetrics,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.resetLocked()
	return a
}

func (a *Aggregator) resetLocked() {
	a.active = nil
	a.utterances = make(map[models.Engine]*utterance, len(models.Engines))
	for _, e := range models.Engines {
		a.utterances[e] = &utterance{}
	}
	a.confSum = make(map[models.Engine]float64)
	a.confN = make(map[models.Engine]int)
	a.latSum = 0
	a.latN = 0
}

func (a *Aggregator) emit(ev models.Event) {
	a.emitter.Emit(ev)
}

func (a *Aggregator) activeIDLocked() string {
	if a.active == nil {
		return ""
	}
	return a.active.ID
}

// StartSession opens a new session.
func (a *Aggregator) StartSession() (*models.SessionInfo, error) {
	a.mu.Lock()
	if a.active != nil {
		id := a.active.ID
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", models.ErrSessionAlreadyActive, id)
	}
	a.resetLocked()
	rec := models.NewSessionRecord(a.ids.Next(), a.now())
	a.active = rec
	info := rec.Info()
	a.mu.Unlock()

	a.metrics.RecordSessionStart()
	log := logging.WithSession("session", info.ID)
	log.Info().Msg("Session started")

	ev := models.NewEvent(models.EventSessionStarted, info.ID, "")
	ev.Session = info
	a.emit(ev)
	return info, nil
}

// SetModels records the model identifiers used by each engine.
func (a *Aggregator) SetModels(streamingModel, localModel string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		return models.ErrNoActiveSession
	}
	a.active.StreamingModel = streamingModel
	a.active.LocalModel = localModel
	return nil
}

// SetRecordingFile records the audio container file of the active session.
func (a *Aggregator) SetRecordingFile(path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		return models.ErrNoActiveSession
	}
	a.active.RecordingFile = path
	return nil
}

// normalize fills the fields every stored fragment needs.
func (a *Aggregator) normalize(engine models.Engine, f models.Fragment) models.Fragment {
	f.SourceEngine = engine
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = a.now()
	}
	if f.Confidence != nil {
		c := *f.Confidence
		switch {
		case math.IsNaN(c):
			f.Confidence = nil
		case c < 0:
			f.Confidence = models.Float64(0)
		case c > 1:
			f.Confidence = models.Float64(1)
		}
	}
	if f.LatencyMs != nil && *f.LatencyMs < 0 {
		f.LatencyMs = nil
	}
	return f
}

// AddFragment records f for engine and publishes it. Partials only update the
// engine's current utterance; finals are appended to the record with running
// statistics updated. The event is published even without an active session,
// in which case ErrNoActiveSession is returned.
func (a *Aggregator) AddFragment(engine models.Engine, f models.Fragment) error {
	f = a.normalize(engine, f)
	if f.IsFinal && strings.TrimSpace(f.Text) == "" {
		return nil
	}

	a.mu.Lock()
	rec := a.active
	if rec != nil {
		if f.IsFinal {
			a.appendFinalLocked(engine, &f)
		} else if u := a.utterances[engine]; u != nil {
			u.Partial(f)
		}
	}
	id := a.activeIDLocked()
	a.mu.Unlock()

	t := models.EventPartialTranscript
	if f.IsFinal {
		t = models.EventFinalTranscript
	}
	ev := models.NewEvent(t, id, engine)
	ev.Fragment = &f
	a.emit(ev)

	if rec == nil {
		return models.ErrNoActiveSession
	}
	return nil
}

func (a *Aggregator) appendFinalLocked(engine models.Engine, f *models.Fragment) {
	rec := a.active
	frags := rec.Transcripts[engine]
	if n := len(frags); n > 0 && f.Timestamp.Before(frags[n-1].Timestamp) {
		f.Timestamp = frags[n-1].Timestamp
	}
	rec.Transcripts[engine] = append(frags, *f)
	if u := a.utterances[engine]; u != nil {
		u.Final()
	}

	md := &rec.Metadata
	md.Counts[engine]++
	md.TextLength[engine] += len(f.Text)
	if f.Confidence != nil {
		a.confSum[engine] += *f.Confidence
		a.confN[engine]++
		md.AverageConfidence[engine] = a.confSum[engine] / float64(a.confN[engine])
	}
	if f.LatencyMs != nil {
		md.LatencySamples[engine] = append(md.LatencySamples[engine], *f.LatencyMs)
		a.latSum += *f.LatencyMs
		a.latN++
		md.AverageLatencyMs = float64(a.latSum) / float64(a.latN)
	}
}

// AddError records err against the active session and publishes it. The
// engine's open partial is dropped.
func (a *Aggregator) AddError(engine models.Engine, err error) error {
	if err == nil {
		return nil
	}
	info := models.NewErrorInfo(err)

	a.mu.Lock()
	rec := a.active
	if rec != nil {
		rec.Metadata.Errors = append(rec.Metadata.Errors, models.ErrorEntry{
			Engine:    engine,
			Kind:      info.Kind,
			Message:   info.Message,
			Retryable: info.Retryable,
			Timestamp: a.now(),
		})
		if u := a.utterances[engine]; u != nil && u.Drop() {
			a.log.Debug().Str("engine", string(engine)).Msg("Dropped open partial after engine error")
		}
	}
	id := a.activeIDLocked()
	a.mu.Unlock()

	ev := models.NewEvent(models.EventError, id, engine)
	ev.Error = info
	a.emit(ev)

	if rec == nil {
		return models.ErrNoActiveSession
	}
	return nil
}

// EndSession freezes the active session, recomputes its statistics and writes
// it to the store. The active session is cleared even when saving fails; the
// completed record is returned in both cases.
func (a *Aggregator) EndSession() (*models.SessionRecord, error) {
	a.mu.Lock()
	rec := a.active
	if rec == nil {
		a.mu.Unlock()
		return nil, models.ErrNoActiveSession
	}
	end := a.now()
	if end.Before(rec.StartTime) {
		end = rec.StartTime
	}
	rec.EndTime = &end
	Recompute(rec)
	saved := end
	rec.SavedAt = &saved
	rec.Version = DocumentVersion
	a.resetLocked()
	a.mu.Unlock()

	log := logging.WithSession("session", rec.ID)
	size, err := a.store.Save(rec)
	if err == nil && a.index != nil {
		if ierr := a.index.Upsert(rec, size); ierr != nil {
			log.Warn().Err(ierr).Msg("Failed to index session")
		}
	}
	a.metrics.RecordSessionEnd(err, rec.Metadata.DurationSec)

	ev := models.NewEvent(models.EventSessionEnded, rec.ID, "")
	ev.Session = rec.Info()
	a.emit(ev)

	if err != nil {
		log.Error().Err(err).Msg("Failed to save session")
		errEv := models.NewEvent(models.EventError, rec.ID, "")
		errEv.Error = models.NewErrorInfo(err)
		a.emit(errEv)
		return rec, fmt.Errorf("save session %s: %w", rec.ID, err)
	}

	log.Info().
		Float64("durationSec", rec.Metadata.DurationSec).
		Int("streamingFinals", rec.Metadata.Counts[models.EngineStreaming]).
		Int("localFinals", rec.Metadata.Counts[models.EngineLocal]).
		Int("errors", len(rec.Metadata.Errors)).
		Msg("Session ended")
	return rec, nil
}

// Recompute derives every aggregate in rec.Metadata from its transcripts. The
// error log is kept.
func Recompute(rec *models.SessionRecord) {
	md := &rec.Metadata
	errs := md.Errors
	if errs == nil {
		errs = []models.ErrorEntry{}
	}
	fresh := models.NewSessionRecord(rec.ID, rec.StartTime).Metadata
	fresh.Errors = errs

	var latSum int64
	var latN int
	for e, frags := range rec.Transcripts {
		var confSum float64
		var confN int
		samples := []int64{}
		for _, f := range frags {
			fresh.TextLength[e] += len(f.Text)
			if f.Confidence != nil {
				confSum += *f.Confidence
				confN++
			}
			if f.LatencyMs != nil {
				samples = append(samples, *f.LatencyMs)
				latSum += *f.LatencyMs
				latN++
			}
		}
		fresh.Counts[e] = len(frags)
		fresh.LatencySamples[e] = samples
		if confN > 0 {
			fresh.AverageConfidence[e] = confSum / float64(confN)
		} else {
			fresh.AverageConfidence[e] = 0
		}
	}
	if latN > 0 {
		fresh.AverageLatencyMs = float64(latSum) / float64(latN)
	}
	if rec.EndTime != nil {
		fresh.DurationSec = rec.EndTime.Sub(rec.StartTime).Seconds()
	}
	*md = fresh
}

// ClearCurrent abandons the active session without saving it.
func (a *Aggregator) ClearCurrent() {
	a.mu.Lock()
	id := a.activeIDLocked()
	a.resetLocked()
	a.mu.Unlock()
	if id != "" {
		a.metrics.RecordSessionEnd(models.ErrInvalidState, 0)
		log := logging.WithSession("session", id)
		log.Warn().Msg("Session cleared without saving")
	}
}

// Active reports whether a session is open.
func (a *Aggregator) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active != nil
}

// CurrentSession returns a copy of the active record, or nil.
func (a *Aggregator) CurrentSession() *models.SessionRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		return nil
	}
	return cloneRecord(a.active)
}

// CurrentTranscripts returns the finals and open partials of the active session.
func (a *Aggregator) CurrentTranscripts() Transcripts {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := Transcripts{
		SessionID: a.activeIDLocked(),
		Finals:    make(map[models.Engine][]models.Fragment, len(models.Engines)),
		Partials:  make(map[models.Engine]*models.Fragment, len(models.Engines)),
	}
	for _, e := range models.Engines {
		out.Finals[e] = []models.Fragment{}
		if a.active != nil {
			out.Finals[e] = append(out.Finals[e], a.active.Transcripts[e]...)
			out.Partials[e] = a.utterances[e].Current()
		}
	}
	return out
}

// LoadSession reads a saved session.
func (a *Aggregator) LoadSession(id string) (*models.SessionRecord, error) {
	return a.store.Load(id)
}

// ListSessions summarizes every saved session, newest first.
func (a *Aggregator) ListSessions() ([]models.SessionSummary, error) {
	return a.store.List()
}

// RecentSessions returns up to limit summaries, newest first, from the index
// when one is configured.
func (a *Aggregator) RecentSessions(limit int) ([]models.SessionSummary, error) {
	if a.index != nil {
		return a.index.Recent(limit)
	}
	all, err := a.store.List()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// DeleteSession removes a saved session and its index row.
func (a *Aggregator) DeleteSession(id string) error {
	if err := a.store.Delete(id); err != nil {
		return err
	}
	if a.index != nil {
		if err := a.index.Remove(id); err != nil {
			a.log.Warn().Err(err).Str("sessionId", id).Msg("Failed to remove session from index")
		}
	}
	return nil
}

// ExportSession renders a saved session in format and writes it next to the
// session documents.
func (a *Aggregator) ExportSession(id, format string) (*Export, error) {
	f, err := ParseFormat(format)
	if err != nil {
		return nil, err
	}
	rec, err := a.store.Load(id)
	if err != nil {
		return nil, err
	}
	data, err := Render(rec, f)
	if err != nil {
		return nil, err
	}
	path, err := a.store.WriteExport(id, string(f), data)
	if err != nil {
		return nil, err
	}
	a.log.Info().Str("sessionId", id).Str("format", string(f)).Str("path", path).Msg("Session exported")
	return &Export{SessionID: id, Format: f, Path: path, Data: data}, nil
}

// --- stt.Callback ---

func (a *Aggregator) OnStatus(engine models.Engine, state string) {
	a.mu.Lock()
	id := a.activeIDLocked()
	a.mu.Unlock()
	ev := models.NewEvent(models.EventStatus, id, engine)
	ev.State = state
	a.emit(ev)
}

func (a *Aggregator) OnPartial(engine models.Engine, f models.Fragment) {
	f.IsFinal = false
	_ = a.AddFragment(engine, f)
}

func (a *Aggregator) OnFinal(engine models.Engine, f models.Fragment) {
	f.IsFinal = true
	_ = a.AddFragment(engine, f)
}

func (a *Aggregator) OnError(engine models.Engine, err error) {
	_ = a.AddError(engine, err)
}

func cloneRecord(r *models.SessionRecord) *models.SessionRecord {
	c := *r
	c.Transcripts = make(map[models.Engine][]models.Fragment, len(r.Transcripts))
	for e, frags := range r.Transcripts {
		c.Transcripts[e] = append([]models.Fragment(nil), frags...)
	}
	md := r.Metadata
	c.Metadata = md
	c.Metadata.Counts = make(map[models.Engine]int, len(md.Counts))
	for k, v := range md.Counts {
		c.Metadata.Counts[k] = v
	}
	c.Metadata.AverageConfidence = make(map[models.Engine]float64, len(md.AverageConfidence))
	for k, v := range md.AverageConfidence {
		c.Metadata.AverageConfidence[k] = v
	}
	c.Metadata.LatencySamples = make(map[models.Engine][]int64, len(md.LatencySamples))
	for k, v := range md.LatencySamples {
		c.Metadata.LatencySamples[k] = append([]int64(nil), v...)
	}
	c.Metadata.TextLength = make(map[models.Engine]int, len(md.TextLength))
	for k, v := range md.TextLength {
		c.Metadata.TextLength[k] = v
	}
	c.Metadata.Errors = append([]models.ErrorEntry(nil), md.Errors...)
	if r.EndTime != nil {
		t := *r.EndTime
		c.EndTime = &t
	}
	return &c
}
