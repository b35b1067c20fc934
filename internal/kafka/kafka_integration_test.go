//go:build integration

package kafka

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"testing"
	"time"

	segkafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcKafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testBrokers []string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	ctr, err := tcKafka.Run(ctx, "confluentinc/confluent-local:7.7.1",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Kafka Server started").
				WithStartupTimeout(90*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start kafka container: %v", err)
	}
	defer ctr.Terminate(ctx) //nolint:errcheck

	brokers, err := ctr.Brokers(ctx)
	if err != nil {
		log.Fatalf("kafka brokers: %v", err)
	}
	testBrokers = brokers
	return m.Run()
}

// createTopic creates topic up front; the first publish can otherwise race
// auto-creation and fail with UNKNOWN_TOPIC_OR_PARTITION.
func createTopic(t *testing.T, base string) string {
	t.Helper()
	topic := fmt.Sprintf("%s-%d", base, time.Now().UnixNano())

	conn, err := segkafka.DialContext(context.Background(), "tcp", testBrokers[0])
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.CreateTopics(segkafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
	return topic
}

func TestKafka_RoundTrip_WithHeaders(t *testing.T) {
	topic := createTopic(t, "relay")
	producer := NewProducer(testBrokers)
	t.Cleanup(func() { producer.Close() }) //nolint:errcheck

	ctx := context.Background()
	require.NoError(t, producer.Publish(ctx, Record{
		Topic: topic,
		Key:   "item-1",
		Value: []byte(`{"hello":"world"}`),
		Headers: map[string]string{
			HeaderItemID:  "item-1",
			HeaderRunID:   "run-42",
			HeaderTrigger: "recurring",
		},
	}))

	consumer := NewConsumer(ConsumerConfig{Brokers: testBrokers, Topic: topic, GroupID: "roundtrip"}, slog.Default())
	t.Cleanup(func() { consumer.Close() }) //nolint:errcheck

	subCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	received := make(chan Message, 1)
	go func() {
		consumer.Subscribe(subCtx, func(_ context.Context, m Message) error { //nolint:errcheck
			received <- m
			cancel()
			return nil
		})
	}()

	select {
	case m := <-received:
		assert.Equal(t, []byte(`{"hello":"world"}`), m.Value)
		assert.Equal(t, "item-1", m.Header(HeaderItemID))
		assert.Equal(t, "run-42", m.Header(HeaderRunID))
		assert.Equal(t, "recurring", m.Header(HeaderTrigger))
	case <-subCtx.Done():
		t.Fatal("timed out waiting for Kafka message")
	}
}

// A handler error leaves the offset uncommitted, so the next consumer in the
// same group sees the message again.
func TestKafka_HandlerError_Redelivers(t *testing.T) {
	topic := createTopic(t, "lifecycle")
	group := fmt.Sprintf("redeliver-%d", time.Now().UnixNano())

	producer := NewProducer(testBrokers)
	t.Cleanup(func() { producer.Close() }) //nolint:errcheck
	require.NoError(t, producer.Publish(context.Background(), Record{
		Topic: topic,
		Key:   "device-1",
		Value: []byte(`{"type":"background"}`),
	}))

	first := NewConsumer(ConsumerConfig{Brokers: testBrokers, Topic: topic, GroupID: group}, slog.Default())
	ctx1, cancel1 := context.WithTimeout(context.Background(), 30*time.Second)
	seen := make(chan struct{}, 1)
	go func() {
		first.Subscribe(ctx1, func(context.Context, Message) error { //nolint:errcheck
			seen <- struct{}{}
			cancel1()
			return errors.New("not yet")
		})
	}()
	select {
	case <-seen:
	case <-ctx1.Done():
		t.Fatal("first consumer never received the message")
	}
	first.Close() //nolint:errcheck
	cancel1()

	second := NewConsumer(ConsumerConfig{Brokers: testBrokers, Topic: topic, GroupID: group}, slog.Default())
	t.Cleanup(func() { second.Close() }) //nolint:errcheck
	ctx2, cancel2 := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel2()

	got := make(chan []byte, 1)
	go func() {
		second.Subscribe(ctx2, func(_ context.Context, m Message) error { //nolint:errcheck
			got <- m.Value
			cancel2()
			return nil
		})
	}()
	select {
	case v := <-got:
		assert.Equal(t, []byte(`{"type":"background"}`), v)
	case <-ctx2.Done():
		t.Fatal("message was not redelivered")
	}
}
