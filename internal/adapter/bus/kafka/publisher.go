// Package kafka provides the event bus integration: the at-least-once
// publisher for job records and lifecycle events, the command consumer
// feeding the orchestrator, and topic administration.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/scrapehub/internal/domain"
)

// Message is the wire envelope every published message carries.
type Message struct {
	MessageID string            `json:"message_id"`
	Ts        time.Time         `json:"ts"`
	Type      string            `json:"type"`
	Data      any               `json:"data"`
	Source    string            `json:"source"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Lifecycle event types emitted on the events topic.
const (
	EventScrapingStarted   = "scraping_started"
	EventScrapingCompleted = "scraping_completed"
	EventScrapingFailed    = "scraping_failed"
	EventAnomalyDetected   = "anomaly_detected"
	EventProxyRotation     = "proxy_rotation_requested"
)

// publishRetries after the first attempt; with the 100ms initial
// interval and 4x multiplier the delays are 100ms, 400ms, 1600ms.
const publishRetries = 3

// Topics names the destinations the publisher writes to.
type Topics struct {
	Jobs       string
	Events     string
	Enrichment string
	DLQ        string
}

// Publisher implements domain.EventPublisher on franz-go. Delivery is
// at-least-once: failed produces are retried in-process with
// exponential backoff before the error surfaces.
type Publisher struct {
	client  *kgo.Client
	topics  Topics
	service string
}

// NewPublisher creates the client and ensures all destination topics
// exist. Topic creation failures are tolerated; the broker may have
// them already.
func NewPublisher(brokers []string, topics Topics, service string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=kafka.NewPublisher: %w: no seed brokers provided", domain.ErrInvalidArgument)
	}

	tracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.WithHooks(kotel.NewKotel(kotel.WithTracer(tracer)).Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.NewPublisher: %w", err)
	}

	ctx := context.Background()
	for _, topic := range []string{topics.Jobs, topics.Events, topics.Enrichment, topics.DLQ} {
		if topic == "" {
			continue
		}
		if err := createTopicIfNotExists(ctx, client, topic, 1, 1); err != nil {
			slog.Warn("failed to create topic, it may already exist",
				slog.String("topic", topic),
				slog.Any("error", err))
		}
	}

	return &Publisher{client: client, topics: topics, service: service}, nil
}

// Close flushes and releases the client.
func (p *Publisher) Close() {
	p.client.Close()
}

// PublishJob emits one normalized record to the jobs topic, keyed so
// that all versions of a record land in the same partition.
func (p *Publisher) PublishJob(ctx context.Context, taskID string, rec domain.JobRecord) error {
	msg := p.envelope("job_record", rec, map[string]string{"task_id": taskID})
	return p.publish(ctx, p.topics.Jobs, "job_"+rec.ID, msg)
}

// PublishLifecycle emits a task lifecycle or anomaly event.
func (p *Publisher) PublishLifecycle(ctx context.Context, eventType string, data map[string]any) error {
	msg := p.envelope(eventType, data, nil)
	return p.publish(ctx, p.topics.Events, eventType, msg)
}

// PublishEnrichment asks the downstream pipeline to enrich a record.
func (p *Publisher) PublishEnrichment(ctx context.Context, rec domain.JobRecord) error {
	msg := p.envelope("enrich_request", rec, nil)
	return p.publish(ctx, p.topics.Enrichment, "job_"+rec.ID, msg)
}

// PublishDLQ parks an exhausted task on the dead letter topic.
func (p *Publisher) PublishDLQ(ctx context.Context, dlq domain.DLQTask) error {
	msg := p.envelope("dead_letter", dlq, map[string]string{"failure_reason": dlq.FailureReason})
	return p.publish(ctx, p.topics.DLQ, dlq.TaskID, msg)
}

func (p *Publisher) envelope(msgType string, data any, metadata map[string]string) Message {
	return Message{
		MessageID: uuid.NewString(),
		Ts:        time.Now().UTC(),
		Type:      msgType,
		Data:      data,
		Source:    p.service,
		Metadata:  metadata,
	}
}

func (p *Publisher) publish(ctx context.Context, topic, key string, msg Message) error {
	if topic == "" {
		return fmt.Errorf("op=kafka.publish: %w: no topic configured for %s", domain.ErrInvalidArgument, msg.Type)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("op=kafka.publish topic=%s: %w", topic, err)
	}
	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: payload}

	operation := func() error {
		res := p.client.ProduceSync(ctx, record)
		if err := res.FirstErr(); err != nil {
			slog.Warn("produce failed, will retry",
				slog.String("topic", topic),
				slog.String("key", key),
				slog.Any("error", err))
			return err
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.Multiplier = 4
	bo.RandomizationFactor = 0
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, publishRetries), ctx)); err != nil {
		return fmt.Errorf("op=kafka.publish topic=%s key=%s: %w", topic, key, err)
	}
	return nil
}
