// Package publish emits one event per served decision to downstream
// consumers.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"

	"botguard/internal/features"
)

// DecisionEvent is the record produced for every decision.
type DecisionEvent struct {
	SessionID        string          `json:"session_id"`
	Decision         string          `json:"decision"`
	HumanProbability float64         `json:"human_probability"`
	Threshold        float64         `json:"threshold"`
	ModelVersion     string          `json:"model_version"`
	Features         features.Vector `json:"features"`
	Timestamp        time.Time       `json:"timestamp"`
	Source           string          `json:"source"`
}

// Publisher delivers decision events.
type Publisher interface {
	Publish(ctx context.Context, ev DecisionEvent) error
	Close()
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, DecisionEvent) error { return nil }
func (NopPublisher) Close()                                       {}

// FailureCounter is told about every event that could not be delivered.
type FailureCounter interface {
	PublishFailureInc()
}

// producer is the subset of *kgo.Client the publisher uses.
type producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// KafkaPublisher produces decision events as JSON records keyed by session
// id. Produce is asynchronous; delivery failures are logged and counted.
type KafkaPublisher struct {
	client   producer
	topic    string
	failures FailureCounter
}

// NewKafkaPublisher connects to brokers lazily and produces to topic.
func NewKafkaPublisher(brokers []string, topic string, failures FailureCounter) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher: no seed brokers configured")
	}
	if topic == "" {
		return nil, errors.New("kafka publisher: topic is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerLinger(20*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: %w", err)
	}

	log.Info().Strs("brokers", brokers).Str("topic", topic).Msg("kafka decision publisher ready")
	return newKafkaPublisher(client, topic, failures), nil
}

func newKafkaPublisher(client producer, topic string, failures FailureCounter) *KafkaPublisher {
	return &KafkaPublisher{client: client, topic: topic, failures: failures}
}

// Publish enqueues ev. It returns an error only when the event cannot be
// encoded; broker errors surface through the delivery callback.
func (p *KafkaPublisher) Publish(ctx context.Context, ev DecisionEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Source == "" {
		ev.Source = "botguard"
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("kafka publish: marshal error: %w", err)
	}

	record := &kgo.Record{
		Topic:     p.topic,
		Key:       []byte(ev.SessionID),
		Value:     data,
		Timestamp: ev.Timestamp,
	}

	// the request context may be cancelled before the broker acks
	p.client.Produce(context.WithoutCancel(ctx), record, func(r *kgo.Record, err error) {
		if err == nil {
			return
		}
		log.Warn().Err(err).Str("session_id", string(r.Key)).Str("topic", r.Topic).Msg("decision publish failed")
		if p.failures != nil {
			p.failures.PublishFailureInc()
		}
	})
	return nil
}

// Flush blocks until every buffered record has been delivered or ctx ends.
func (p *KafkaPublisher) Flush(ctx context.Context) error {
	return p.client.Flush(ctx)
}

// Close flushes for up to five seconds and closes the client.
func (p *KafkaPublisher) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		log.Warn().Err(err).Msg("flushing decision events on shutdown")
	}
	p.client.Close()
}
