package senders_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-bgrunner/internal/domain"
	"github.com/ramiqadoumi/go-bgrunner/internal/kafka"
	"github.com/ramiqadoumi/go-bgrunner/internal/senders"
	"github.com/ramiqadoumi/go-bgrunner/pkg/retry"
)

// ── mocks ─────────────────────────────────────────────────────────────────────

type mockProducer struct {
	records []kafka.Record
	err     error
}

func (m *mockProducer) Publish(_ context.Context, rec kafka.Record) error {
	m.records = append(m.records, rec)
	return m.err
}

func (m *mockProducer) Close() error { return nil }

// ── tests ─────────────────────────────────────────────────────────────────────

func TestRelaySender_PublishesToPayloadTopic(t *testing.T) {
	p := &mockProducer{}
	s := senders.NewRelaySender(p, "")
	item := &domain.OutboxItem{ID: "item-1", Kind: "relay", Payload: []byte(`{"topic":"orders","key":"o-1","value":{"n":1}}`)}

	require.NoError(t, s.Send(context.Background(), item))
	require.Len(t, p.records, 1)
	rec := p.records[0]
	assert.Equal(t, "orders", rec.Topic)
	assert.Equal(t, "o-1", rec.Key)
	assert.JSONEq(t, `{"n":1}`, string(rec.Value))
	assert.Equal(t, "item-1", rec.Headers[kafka.HeaderItemID])
	assert.Equal(t, "relay", rec.Headers[kafka.HeaderKind])
}

func TestRelaySender_Defaults(t *testing.T) {
	p := &mockProducer{}
	s := senders.NewRelaySender(p, "")
	item := &domain.OutboxItem{ID: "item-2", Kind: "relay", Payload: []byte(`{"value":"x"}`)}

	require.NoError(t, s.Send(context.Background(), item))
	assert.Equal(t, kafka.TopicRelay, p.records[0].Topic)
	assert.Equal(t, "item-2", p.records[0].Key, "item ID keys the message by default")
}

func TestRelaySender_InvalidPayload_Permanent(t *testing.T) {
	s := senders.NewRelaySender(&mockProducer{}, "relay")
	err := s.Send(context.Background(), &domain.OutboxItem{ID: "x", Payload: []byte("nope")})
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
}

func TestRelaySender_PublishError_Transient(t *testing.T) {
	p := &mockProducer{err: errors.New("broker unavailable")}
	s := senders.NewRelaySender(p, "relay")
	err := s.Send(context.Background(), &domain.OutboxItem{ID: "x", Payload: []byte(`{"value":1}`)})
	require.Error(t, err)
	assert.False(t, retry.IsPermanent(err))
	assert.ErrorIs(t, err, p.err)
}
