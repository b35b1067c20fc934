// Package notify tells the user that queued items were left unsent when a
// background window ran out.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/go-bgrunner/internal/kafka"
	"github.com/ramiqadoumi/go-bgrunner/internal/redis"
	"github.com/ramiqadoumi/go-bgrunner/pkg/telemetry"
)

const (
	noticeType  = "unsent_items"
	noticeTitle = "Items not sent"
	noticeBody  = "Some items couldn't be sent. Open the app to finish sending."
	limiterKey  = "notice:unsent_items"
)

// Notice is the message published for the user's devices.
type Notice struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Pending   int       `json:"pending,omitempty"`
	DeliverAt time.Time `json:"deliver_at"`
	CreatedAt time.Time `json:"created_at"`
}

// PendingCounter reports how many items are still queued.
type PendingCounter interface {
	CountPending(ctx context.Context) (int, error)
}

// Notifier publishes unsent-items notices to Kafka.
type Notifier struct {
	producer kafka.Producer
	topic    string
	limiter  redis.RateLimiter // nil = unlimited
	counter  PendingCounter    // nil = count omitted
	delay    time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

func WithLogger(l *slog.Logger) Option           { return func(n *Notifier) { n.logger = l } }
func WithTopic(topic string) Option              { return func(n *Notifier) { n.topic = topic } }
func WithRateLimiter(l redis.RateLimiter) Option { return func(n *Notifier) { n.limiter = l } }
func WithPendingCounter(c PendingCounter) Option { return func(n *Notifier) { n.counter = c } }
func WithClock(now func() time.Time) Option      { return func(n *Notifier) { n.now = now } }

// WithDelay sets how long after publishing the notice should be shown.
func WithDelay(d time.Duration) Option { return func(n *Notifier) { n.delay = d } }

// NewNotifier constructs a Notifier publishing through producer.
func NewNotifier(producer kafka.Producer, opts ...Option) *Notifier {
	n := &Notifier{
		producer: producer,
		topic:    kafka.TopicUnsentNotices,
		delay:    time.Second,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// ScheduleUnsentItemsNotice publishes one notice. A notice suppressed by the
// rate limiter is not an error: the user already has a recent one.
func (n *Notifier) ScheduleUnsentItemsNotice(ctx context.Context) error {
	if n.limiter != nil {
		ok, err := n.limiter.Allow(ctx, limiterKey)
		if err != nil {
			// Fail open: a missed notice is worse than a duplicate.
			n.logger.Warn("notice rate limiter unavailable", slog.String("error", err.Error()))
		} else if !ok {
			telemetry.NotifierNoticesTotal.WithLabelValues("rate_limited").Inc()
			n.logger.Info("unsent-items notice suppressed", slog.Int("limit", n.limiter.Limit()))
			return nil
		}
	}

	now := n.now().UTC()
	notice := Notice{
		ID:        uuid.New().String(),
		Type:      noticeType,
		Title:     noticeTitle,
		Body:      noticeBody,
		DeliverAt: now.Add(n.delay),
		CreatedAt: now,
	}
	if n.counter != nil {
		if pending, err := n.counter.CountPending(ctx); err == nil {
			notice.Pending = pending
		}
	}

	data, err := json.Marshal(notice)
	if err != nil {
		telemetry.NotifierNoticesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("marshal notice: %w", err)
	}
	err = n.producer.Publish(ctx, kafka.Record{
		Topic:   n.topic,
		Key:     noticeType,
		Value:   data,
		Headers: map[string]string{kafka.HeaderKind: noticeType},
	})
	if err != nil {
		telemetry.NotifierNoticesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("publish unsent-items notice: %w", err)
	}

	telemetry.NotifierNoticesTotal.WithLabelValues("published").Inc()
	n.logger.Info("unsent-items notice published",
		slog.String("notice_id", notice.ID),
		slog.Int("pending", notice.Pending),
		slog.Time("deliver_at", notice.DeliverAt),
	)
	return nil
}
