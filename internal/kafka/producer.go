package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Record is one message to publish.
type Record struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Producer publishes records to Kafka.
type Producer interface {
	Publish(ctx context.Context, rec Record) error
	Close() error
}

type producer struct {
	writer *kafka.Writer
}

// NewProducer creates a Kafka producer connected to the given brokers.
func NewProducer(brokers []string) Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{}, // same key → same partition → ordered per key
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,

		AllowAutoTopicCreation: true,
	}
	return &producer{writer: w}
}

func (p *producer) Publish(ctx context.Context, rec Record) error {
	headers := make(HeaderCarrier, 0, len(rec.Headers)+2)
	for k, v := range rec.Headers {
		headers.Set(k, v)
	}
	// Trace context rides along so consumers continue the trace.
	otel.GetTextMapPropagator().Inject(ctx, &headers)

	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   rec.Topic,
		Key:     []byte(rec.Key),
		Value:   rec.Value,
		Headers: []kafka.Header(headers),
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", rec.Topic, err)
	}
	return nil
}

func (p *producer) Close() error {
	return p.writer.Close()
}
