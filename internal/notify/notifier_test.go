package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-bgrunner/internal/kafka"
	"github.com/ramiqadoumi/go-bgrunner/internal/notify"
)

// ── mocks ─────────────────────────────────────────────────────────────────────

type mockProducer struct {
	records []kafka.Record
	err     error
}

func (m *mockProducer) Publish(_ context.Context, rec kafka.Record) error {
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *mockProducer) Close() error { return nil }

type mockLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (m *mockLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.keys = append(m.keys, key)
	return m.allow, m.err
}

func (m *mockLimiter) Limit() int { return 1 }

type fixedCounter int

func (c fixedCounter) CountPending(context.Context) (int, error) { return int(c), nil }

func quiet() notify.Option { return notify.WithLogger(slog.New(slog.DiscardHandler)) }

// ── tests ─────────────────────────────────────────────────────────────────────

func TestNotifier_PublishesNotice(t *testing.T) {
	p := &mockProducer{}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	n := notify.NewNotifier(p, quiet(),
		notify.WithPendingCounter(fixedCounter(4)),
		notify.WithClock(func() time.Time { return now }),
		notify.WithDelay(2*time.Second),
	)

	require.NoError(t, n.ScheduleUnsentItemsNotice(context.Background()))
	require.Len(t, p.records, 1)
	assert.Equal(t, kafka.TopicUnsentNotices, p.records[0].Topic)

	var got notify.Notice
	require.NoError(t, json.Unmarshal(p.records[0].Value, &got))
	assert.Equal(t, "unsent_items", got.Type)
	assert.Equal(t, 4, got.Pending)
	assert.Equal(t, now.Add(2*time.Second), got.DeliverAt)
	assert.NotEmpty(t, got.ID)
}

func TestNotifier_RateLimited_Suppressed(t *testing.T) {
	p := &mockProducer{}
	l := &mockLimiter{allow: false}
	n := notify.NewNotifier(p, quiet(), notify.WithRateLimiter(l))

	require.NoError(t, n.ScheduleUnsentItemsNotice(context.Background()))
	assert.Empty(t, p.records)
	assert.Len(t, l.keys, 1)
}

func TestNotifier_LimiterError_FailsOpen(t *testing.T) {
	p := &mockProducer{}
	n := notify.NewNotifier(p, quiet(), notify.WithRateLimiter(&mockLimiter{err: errors.New("redis down")}))

	require.NoError(t, n.ScheduleUnsentItemsNotice(context.Background()))
	assert.Len(t, p.records, 1)
}

func TestNotifier_PublishError(t *testing.T) {
	p := &mockProducer{err: errors.New("broker unavailable")}
	n := notify.NewNotifier(p, quiet(), notify.WithTopic("custom.notices"))

	err := n.ScheduleUnsentItemsNotice(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, p.err)
}
