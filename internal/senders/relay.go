package senders

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-bgrunner/internal/domain"
	"github.com/ramiqadoumi/go-bgrunner/internal/execution"
	"github.com/ramiqadoumi/go-bgrunner/internal/kafka"
	"github.com/ramiqadoumi/go-bgrunner/pkg/retry"
)

type relayPayload struct {
	Topic string          `json:"topic"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// RelaySender forwards "relay" items to a Kafka topic.
type RelaySender struct {
	producer     kafka.Producer
	defaultTopic string
}

// NewRelaySender creates a RelaySender. Items without a topic go to defaultTopic.
func NewRelaySender(producer kafka.Producer, defaultTopic string) *RelaySender {
	if defaultTopic == "" {
		defaultTopic = kafka.TopicRelay
	}
	return &RelaySender{producer: producer, defaultTopic: defaultTopic}
}

func (s *RelaySender) Kind() string { return "relay" }

func (s *RelaySender) Send(ctx context.Context, item *domain.OutboxItem) error {
	ctx, span := otel.Tracer("senders").Start(ctx, "sender.relay")
	defer span.End()
	span.SetAttributes(attribute.String("outbox.item_id", item.ID))

	var p relayPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return retry.Permanent(fmt.Errorf("invalid relay payload: %w", err))
	}
	if p.Topic == "" {
		p.Topic = s.defaultTopic
	}
	if p.Key == "" {
		p.Key = item.ID
	}
	span.SetAttributes(attribute.String("messaging.destination", p.Topic))

	err := s.producer.Publish(ctx, kafka.Record{
		Topic: p.Topic,
		Key:   p.Key,
		Value: p.Value,
		Headers: map[string]string{
			kafka.HeaderItemID:  item.ID,
			kafka.HeaderKind:    item.Kind,
			kafka.HeaderRunID:   execution.RunID(ctx),
			kafka.HeaderTrigger: string(execution.TriggerFrom(ctx)),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return fmt.Errorf("relay item %s: %w", item.ID, err)
	}
	return nil
}
