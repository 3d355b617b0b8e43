package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/scrapehub/internal/domain"
)

// CommandHandler receives each valid command from the control topic.
// Handling is fire-and-forget: handler errors are logged, the offset is
// committed either way, and results reach callers via the event bus.
type CommandHandler func(ctx context.Context, cmd domain.Command)

// CommandConsumer reads control commands from the scraping-tasks topic
// as part of a consumer group.
type CommandConsumer struct {
	client  *kgo.Client
	topic   string
	handler CommandHandler
}

// NewCommandConsumer joins the group on the command topic. Offsets are
// committed after handling, so a crash replays at most the uncommitted
// tail (commands are idempotent or harmless to repeat).
func NewCommandConsumer(brokers []string, groupID, topic string, handler CommandHandler) (*CommandConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=kafka.NewCommandConsumer: %w: no seed brokers provided", domain.ErrInvalidArgument)
	}
	if groupID == "" {
		return nil, fmt.Errorf("op=kafka.NewCommandConsumer: %w: missing group id", domain.ErrInvalidArgument)
	}

	tracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
		kgo.WithHooks(kotel.NewKotel(kotel.WithTracer(tracer)).Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.NewCommandConsumer: %w", err)
	}

	if err := createTopicIfNotExists(context.Background(), client, topic, 1, 1); err != nil {
		slog.Warn("failed to create command topic, it may already exist",
			slog.String("topic", topic),
			slog.Any("error", err))
	}

	return &CommandConsumer{client: client, topic: topic, handler: handler}, nil
}

// Run polls until ctx is cancelled. Malformed payloads are logged and
// skipped; they are never retried.
func (c *CommandConsumer) Run(ctx context.Context) error {
	slog.Info("command consumer started", slog.String("topic", c.topic))
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || errors.Is(ctx.Err(), context.Canceled) {
			slog.Info("command consumer stopped", slog.String("topic", c.topic))
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Error("fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.Any("error", err))
		})

		fetches.EachRecord(func(rec *kgo.Record) {
			cmd, err := domain.ParseCommand(rec.Value)
			if err != nil {
				slog.Warn("discarding malformed command",
					slog.String("topic", rec.Topic),
					slog.Int64("offset", rec.Offset),
					slog.Any("error", err))
				return
			}
			slog.Info("command received",
				slog.String("type", string(cmd.Type)),
				slog.Int64("offset", rec.Offset))
			c.handler(ctx, cmd)
		})

		if err := c.client.CommitUncommittedOffsets(ctx); err != nil && ctx.Err() == nil {
			slog.Error("offset commit failed", slog.Any("error", err))
		}
	}
}

// Close shuts the client down.
func (c *CommandConsumer) Close() {
	c.client.Close()
}
