package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Message wraps a Kafka message with the fields services need.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Offset  int64
	Headers []kafka.Header
}

// Header returns the value of the first header named key, or "".
func (m Message) Header(key string) string {
	return HeaderCarrier(m.Headers).Get(key)
}

// HandlerFunc processes a single Kafka message.
// Return nil to commit the offset. Return an error to skip committing (message will be re-delivered).
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer reads messages from a Kafka topic.
type Consumer interface {
	Subscribe(ctx context.Context, handler HandlerFunc) error
	Close() error
}

// ConsumerConfig selects what a consumer reads.
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// FromLatest skips history when the group has no committed offset.
	// Lifecycle events describe current state, so replaying old ones is wrong.
	FromLatest bool
	// FetchBackoff is the pause after a failed fetch before trying again.
	FetchBackoff time.Duration
}

type consumer struct {
	reader  *kafka.Reader
	backoff time.Duration
	logger  *slog.Logger
}

// NewConsumer creates a Kafka consumer for cfg.Topic in consumer group cfg.GroupID.
func NewConsumer(cfg ConsumerConfig, logger *slog.Logger) Consumer {
	start := kafka.FirstOffset
	if cfg.FromLatest {
		start = kafka.LastOffset
	}
	if cfg.FetchBackoff <= 0 {
		cfg.FetchBackoff = time.Second
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       1e6,
		MaxWait:        250 * time.Millisecond,
		CommitInterval: 0, // manual commit only
		StartOffset:    start,
	})
	return &consumer{reader: r, backoff: cfg.FetchBackoff, logger: logger}
}

// Subscribe reads messages in a loop until ctx is cancelled.
// Offsets are committed only after the handler returns nil (at-least-once delivery).
// Fetch errors are logged and retried after the configured backoff; a closed
// reader ends the loop with an error.
func (c *consumer) Subscribe(ctx context.Context, handler HandlerFunc) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil // normal shutdown
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("kafka fetch: %w", err)
			}
			c.logger.Warn("kafka fetch failed, retrying",
				slog.String("topic", c.reader.Config().Topic),
				slog.String("error", err.Error()),
			)
			select {
			case <-time.After(c.backoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		msg := Message{
			Topic:   m.Topic,
			Key:     m.Key,
			Value:   m.Value,
			Offset:  m.Offset,
			Headers: m.Headers,
		}

		carrier := HeaderCarrier(m.Headers)
		msgCtx := otel.GetTextMapPropagator().Extract(ctx, &carrier)

		if err := handler(msgCtx, msg); err != nil {
			c.logger.Error("message handler failed, skipping commit",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.logger.Error("failed to commit kafka offset",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *consumer) Close() error {
	return c.reader.Close()
}
