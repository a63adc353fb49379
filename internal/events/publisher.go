// Package events distributes pipeline events in-process and publishes them to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"live-transcription-service/internal/models"
	"live-transcription-service/internal/observability/metrics"
	"live-transcription-service/internal/schema"
)

// Publisher publishes events to separate Kafka topics for partial transcripts,
// final transcripts and everything else (lifecycle, status, errors).
type Publisher struct {
	writerPartial   *kafka.Writer
	writerFinal     *kafka.Writer
	writerLifecycle *kafka.Writer
	principal       string
	topicPartial    string
	topicFinal      string
	topicLifecycle  string
	enabled         bool
	validator       *schema.Validator
	metrics         *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers        []string
	TopicPartial   string
	TopicFinal     string
	TopicLifecycle string
	Principal      string
	Enabled        bool
}

// New creates a Kafka event publisher. When Kafka is disabled or no brokers
// are configured the publisher only logs.
func New(cfg *Config) *Publisher {
	m := metrics.DefaultMetrics
	v := schema.New()

	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{
			enabled:   false,
			validator: v,
			metrics:   m,
		}
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return &Publisher{
			principal:      cfg.Principal,
			topicPartial:   cfg.TopicPartial,
			topicFinal:     cfg.TopicFinal,
			topicLifecycle: cfg.TopicLifecycle,
			enabled:        false,
			validator:      v,
			metrics:        m,
		}
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicPartial", cfg.TopicPartial).
		Str("topicFinal", cfg.TopicFinal).
		Str("topicLifecycle", cfg.TopicLifecycle).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return &Publisher{
		writerPartial:   newWriter(cfg.TopicPartial),
		writerFinal:     newWriter(cfg.TopicFinal),
		writerLifecycle: newWriter(cfg.TopicLifecycle),
		principal:       cfg.Principal,
		topicPartial:    cfg.TopicPartial,
		topicFinal:      cfg.TopicFinal,
		topicLifecycle:  cfg.TopicLifecycle,
		enabled:         true,
		validator:       v,
		metrics:         m,
	}
}

// Enabled reports whether events reach Kafka.
func (p *Publisher) Enabled() bool { return p.enabled }

// Publish validates ev and writes it to the topic for its type, keyed by session.
func (p *Publisher) Publish(ctx context.Context, ev models.Event) error {
	if err := p.validator.ValidateEvent(&ev); err != nil {
		log.Error().Err(err).Str("type", string(ev.Type)).Msg("Dropping invalid event")
		return err
	}
	writer, topic := p.route(ev.Type)
	key := ev.SessionID
	if key == "" {
		key = string(ev.Engine)
	}
	return p.publish(ctx, writer, topic, string(ev.Type), key, ev)
}

func (p *Publisher) route(t models.EventType) (*kafka.Writer, string) {
	switch t {
	case models.EventPartialTranscript:
		return p.writerPartial, p.topicPartial
	case models.EventFinalTranscript:
		return p.writerFinal, p.topicFinal
	default:
		return p.writerLifecycle, p.topicLifecycle
	}
}

func (p *Publisher) publish(ctx context.Context, writer *kafka.Writer, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Forward publishes every event received on ch until ch is closed or ctx ends.
// Publish errors are logged and do not stop forwarding.
func (p *Publisher) Forward(ctx context.Context, ch <-chan models.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 15*time.Second)
			_ = p.Publish(wctx, ev)
			cancel()
		}
	}
}

// Close closes the Kafka writers.
func (p *Publisher) Close() error {
	var err error
	for name, w := range map[string]*kafka.Writer{
		"partial":   p.writerPartial,
		"final":     p.writerFinal,
		"lifecycle": p.writerLifecycle,
	} {
		if w == nil {
			continue
		}
		if e := w.Close(); e != nil {
			log.Error().Err(e).Str("writer", name).Msg("Error closing Kafka writer")
			err = e
		}
	}
	return err
}
