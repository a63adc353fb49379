// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "live_transcription"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Audio ingest metrics
	AudioFramesReceived prometheus.Counter
	AudioBytesReceived  prometheus.Counter

	// Recording metrics
	RecordingBytesWritten prometheus.Counter
	RecordingsFinalized   *prometheus.CounterVec

	// Transcript metrics
	Fragments         *prometheus.CounterVec
	TranscriptLatency *prometheus.HistogramVec

	// Streaming client metrics
	StreamingStateTransitions *prometheus.CounterVec
	StreamingReconnects       prometheus.Counter
	StreamingFramesDropped    prometheus.Counter

	// Local engine metrics
	LocalQueueDepth      prometheus.Gauge
	LocalRequests        *prometheus.CounterVec
	LocalRequestDuration prometheus.Histogram

	// Session metrics
	SessionsStarted prometheus.Counter
	SessionsEnded   *prometheus.CounterVec
	SessionsActive  prometheus.Gauge
	SessionDuration prometheus.Histogram

	// Errors by engine and taxonomy kind
	Errors *prometheus.CounterVec

	// Control API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	IngestConnections   prometheus.Gauge

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		AudioFramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_received_total",
			Help:      "Total audio frames pushed into the pipeline",
		}),
		AudioBytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes pushed into the pipeline (16-bit PCM equivalent)",
		}),

		RecordingBytesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recording_bytes_written_total",
			Help:      "Total PCM bytes appended to recording files",
		}),
		RecordingsFinalized: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_finalized_total",
			Help:      "Total recordings finalized",
		}, []string{"result"}),

		Fragments: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_total",
			Help:      "Total transcript fragments received",
		}, []string{"engine", "kind"}),
		TranscriptLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcript_latency_seconds",
			Help:      "Latency between server message creation and local receipt",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"engine"}),

		StreamingStateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streaming_state_transitions_total",
			Help:      "Streaming client state transitions by target state",
		}, []string{"state"}),
		StreamingReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streaming_reconnect_attempts_total",
			Help:      "Total automatic reconnect attempts scheduled",
		}),
		StreamingFramesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streaming_frames_dropped_total",
			Help:      "Audio frames dropped because the send buffer was full",
		}),

		LocalQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "local_queue_depth",
			Help:      "Chunks waiting for the local worker",
		}),
		LocalRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "local_requests_total",
			Help:      "Local worker transcribe requests by result",
		}, []string{"result"}),
		LocalRequestDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "local_request_duration_seconds",
			Help:      "Round-trip time of local worker transcribe requests",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),

		SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total sessions started",
		}),
		SessionsEnded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Total sessions ended by persistence result",
		}, []string{"result"}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active sessions",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of sessions in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 900, 1800, 3600},
		}),

		Errors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total errors reported by engine and kind",
		}, []string{"engine", "kind"}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Control API requests by route and status code",
		}, []string{"route", "code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Control API request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		IngestConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_connections",
			Help:      "Open audio ingest websocket connections",
		}),

		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordAudioReceived records one frame entering the pipeline.
func (m *Metrics) RecordAudioReceived(bytes int) {
	m.AudioFramesReceived.Inc()
	m.AudioBytesReceived.Add(float64(bytes))
}

// RecordRecordingBytes records PCM bytes appended to a recording.
func (m *Metrics) RecordRecordingBytes(n int) {
	m.RecordingBytesWritten.Add(float64(n))
}

// RecordRecordingFinalized records the outcome of a recording finalize.
func (m *Metrics) RecordRecordingFinalized(err error) {
	m.RecordingsFinalized.WithLabelValues(result(err)).Inc()
}

// RecordFragment records a transcript fragment from engine.
func (m *Metrics) RecordFragment(engine string, final bool) {
	kind := "partial"
	if final {
		kind = "final"
	}
	m.Fragments.WithLabelValues(engine, kind).Inc()
}

// RecordLatency records a transcript latency sample.
func (m *Metrics) RecordLatency(engine string, latencyMs int64) {
	m.TranscriptLatency.WithLabelValues(engine).Observe(float64(latencyMs) / 1000)
}

// RecordStateTransition records the streaming client entering state.
func (m *Metrics) RecordStateTransition(state string) {
	m.StreamingStateTransitions.WithLabelValues(state).Inc()
}

// RecordReconnect records a scheduled reconnect attempt.
func (m *Metrics) RecordReconnect() {
	m.StreamingReconnects.Inc()
}

// RecordDroppedFrame records an audio frame the streaming client could not buffer.
func (m *Metrics) RecordDroppedFrame() {
	m.StreamingFramesDropped.Inc()
}

// SetLocalQueueDepth sets the local engine queue gauge.
func (m *Metrics) SetLocalQueueDepth(n int) {
	m.LocalQueueDepth.Set(float64(n))
}

// RecordLocalRequest records one local worker round trip.
func (m *Metrics) RecordLocalRequest(outcome string, seconds float64) {
	m.LocalRequests.WithLabelValues(outcome).Inc()
	m.LocalRequestDuration.Observe(seconds)
}

// RecordSessionStart records a new session starting.
func (m *Metrics) RecordSessionStart() {
	m.SessionsStarted.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session ending.
func (m *Metrics) RecordSessionEnd(err error, durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
	m.SessionsEnded.WithLabelValues(result(err)).Inc()
}

// RecordError records an error reported by engine.
func (m *Metrics) RecordError(engine, kind string) {
	m.Errors.WithLabelValues(engine, kind).Inc()
}

// RecordHTTPRequest records one completed control API request.
func (m *Metrics) RecordHTTPRequest(route string, code int, seconds float64) {
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(seconds)
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}
