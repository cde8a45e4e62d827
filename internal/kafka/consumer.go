package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// HandlerFunc processes one task-ready signal. Return nil to commit the
// offset; return an error to leave it uncommitted so the signal is
// redelivered.
type HandlerFunc func(ctx context.Context, signal Signal) error

// Consumer reads signals from a topic within a consumer group.
type Consumer interface {
	Subscribe(ctx context.Context, handler HandlerFunc) error
	Close() error
}

type consumer struct {
	reader *kafka.Reader
	logger *slog.Logger
}

// NewConsumer creates a consumer-group reader. Offsets are committed manually
// after the handler succeeds (commit-after-process), which is what makes the
// channel at-least-once rather than at-most-once.
func NewConsumer(brokers []string, topic, groupID string, logger *slog.Logger) Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0, // manual commit only
		StartOffset:    kafka.FirstOffset,
	})
	return &consumer{reader: r, logger: logger}
}

// Subscribe fetches signals in a loop until ctx is cancelled.
func (c *consumer) Subscribe(ctx context.Context, handler HandlerFunc) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil // normal shutdown
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		signal, err := DecodeSignal(m.Value)
		if err != nil {
			// A malformed signal will never parse on redelivery either;
			// commit and move on.
			c.logger.Error("malformed signal, discarding",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
			if err := c.reader.CommitMessages(ctx, m); err != nil {
				c.logger.Error("failed to commit kafka offset", slog.String("error", err.Error()))
			}
			continue
		}

		carrier := HeaderCarrier(m.Headers)
		msgCtx := otel.GetTextMapPropagator().Extract(ctx, &carrier)

		if err := handler(msgCtx, signal); err != nil {
			// Do not commit: Kafka redelivers and the guarded transition
			// protocol absorbs the duplicate.
			c.logger.Error("signal handler failed, skipping commit",
				slog.String("task_id", signal.TaskID),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.logger.Error("failed to commit kafka offset",
				slog.String("task_id", signal.TaskID),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *consumer) Close() error {
	return c.reader.Close()
}
