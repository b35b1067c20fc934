// Package outbox is the executor both coordinators drive: it drains pending
// outbox items through their senders until the queue is empty or the run is
// aborted.
package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ramiqadoumi/go-bgrunner/internal/domain"
	"github.com/ramiqadoumi/go-bgrunner/internal/execution"
	"github.com/ramiqadoumi/go-bgrunner/internal/senders"
	"github.com/ramiqadoumi/go-bgrunner/internal/session"
	"github.com/ramiqadoumi/go-bgrunner/pkg/retry"
	"github.com/ramiqadoumi/go-bgrunner/pkg/telemetry"
)

const (
	defaultBatchSize   = 100
	defaultSendTimeout = 10 * time.Second
	bookkeepingTimeout = 5 * time.Second
)

// Repository is the slice of outbox persistence the executor needs.
type Repository interface {
	ListPending(ctx context.Context, limit int) ([]*domain.OutboxItem, error)
	CountPending(ctx context.Context) (int, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, reason string, terminal bool) (domain.ItemStatus, error)
	RecordRun(ctx context.Context, run *domain.RunRecord) error
}

// Executor sends pending outbox items. Safe for concurrent runs: an item
// picked up by one run is skipped by the others.
type Executor struct {
	repo        Repository
	senders     *senders.Registry
	readiness   session.Readiness
	batchSize   int
	sendTimeout time.Duration
	retryCfg    retry.Config
	logger      *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// Option configures an Executor.
type Option func(*Executor)

func WithLogger(l *slog.Logger) Option       { return func(e *Executor) { e.logger = l } }
func WithBatchSize(n int) Option             { return func(e *Executor) { e.batchSize = n } }
func WithSendTimeout(d time.Duration) Option { return func(e *Executor) { e.sendTimeout = d } }
func WithRetry(cfg retry.Config) Option      { return func(e *Executor) { e.retryCfg = cfg } }

// NewExecutor constructs an Executor.
func NewExecutor(repo Repository, registry *senders.Registry, readiness session.Readiness, opts ...Option) *Executor {
	e := &Executor{
		repo:        repo,
		senders:     registry,
		readiness:   readiness,
		batchSize:   defaultBatchSize,
		sendTimeout: defaultSendTimeout,
		retryCfg:    retry.Config{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
		logger:      slog.Default(),
		inFlight:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ execution.Executor = (*Executor)(nil)

type tally struct {
	sent, failed int
}

// Execute runs one window. Without an active session there is no account to
// send on behalf of, so the run is skipped.
func (e *Executor) Execute(ctx context.Context) execution.Result {
	start := time.Now()
	trigger := execution.TriggerFrom(ctx)
	log := e.logger.With(
		slog.String("run_id", execution.RunID(ctx)),
		slog.String("trigger", string(trigger)),
	)

	ctx, span := otel.Tracer("outbox").Start(ctx, "outbox.execute")
	defer span.End()

	if e.readiness.Current() != domain.SessionActive {
		log.Info("no active session, run skipped")
		res := execution.Result{Outcome: domain.OutcomeSkippedNoActiveContexts}
		e.record(ctx, log, start, res.Outcome, tally{}, -1)
		span.SetAttributes(attribute.String("run.outcome", string(res.Outcome)))
		return res
	}

	var t tally
	outcome := domain.OutcomeExecuted
	listFailed := false

	items, err := e.repo.ListPending(ctx, e.batchSize)
	if err != nil {
		listFailed = true
		log.Error("list pending items", slog.String("error", err.Error()))
	}

	for _, item := range items {
		if o, ok := execution.CauseOutcome(ctx); ok {
			outcome = o
			break
		}
		if !e.claim(item.ID) {
			continue
		}
		aborted := e.sendOne(ctx, log, item, &t)
		e.release(item.ID)
		if aborted != "" {
			outcome = aborted
			break
		}
	}
	if o, ok := execution.CauseOutcome(ctx); ok {
		outcome = o
	}

	bctx, cancel := bookkeeping(ctx)
	remaining, err := e.repo.CountPending(bctx)
	cancel()
	if err != nil {
		log.Error("count pending items", slog.String("error", err.Error()))
		remaining = -1
	}

	res := execution.Result{
		Outcome:                 outcome,
		AllQueuedItemsSucceeded: !listFailed && t.failed == 0 && remaining == 0,
	}
	e.record(ctx, log, start, outcome, t, remaining)
	span.SetAttributes(
		attribute.String("run.outcome", string(outcome)),
		attribute.Int("run.sent", t.sent),
		attribute.Int("run.failed", t.failed),
		attribute.Int("run.remaining", remaining),
	)
	return res
}

// sendOne delivers a single item and returns the abort outcome if the run was
// aborted mid-send. An aborted send leaves the item pending without using an
// attempt.
func (e *Executor) sendOne(ctx context.Context, log *slog.Logger, item *domain.OutboxItem, t *tally) domain.Outcome {
	log = log.With(slog.String("item_id", item.ID), slog.String("kind", item.Kind))

	sender, err := e.senders.Get(item.Kind)
	if err != nil {
		e.fail(ctx, log, item, err, t)
		return ""
	}

	cfg := e.retryCfg
	cfg.OnRetry = func(attempt int, err error) {
		telemetry.ExecutorRetriesTotal.WithLabelValues(item.Kind).Inc()
		log.Warn("send failed, retrying", slog.Int("attempt", attempt), slog.String("error", err.Error()))
	}
	err = retry.Do(ctx, cfg, func(ctx context.Context) error {
		sendCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
		defer cancel()
		return sender.Send(sendCtx, item)
	})

	if o, ok := execution.CauseOutcome(ctx); ok && err != nil {
		telemetry.ExecutorItemsTotal.WithLabelValues(item.Kind, "interrupted").Inc()
		log.Info("send interrupted by abort", slog.String("outcome", string(o)))
		return o
	}
	if err != nil {
		e.fail(ctx, log, item, err, t)
		return ""
	}

	bctx, cancel := bookkeeping(ctx)
	defer cancel()
	if err := e.repo.MarkSent(bctx, item.ID); err != nil {
		// Delivered but not recorded: the item may be sent again next run.
		log.Error("mark item sent", slog.String("error", err.Error()))
	}
	t.sent++
	telemetry.ExecutorItemsTotal.WithLabelValues(item.Kind, "sent").Inc()
	log.Debug("item sent")
	return ""
}

func (e *Executor) fail(ctx context.Context, log *slog.Logger, item *domain.OutboxItem, cause error, t *tally) {
	t.failed++
	bctx, cancel := bookkeeping(ctx)
	defer cancel()
	status, err := e.repo.MarkFailed(bctx, item.ID, cause.Error(), retry.IsPermanent(cause))
	if err != nil {
		log.Error("mark item failed", slog.String("error", err.Error()))
	}
	result := "retry_later"
	if status == domain.ItemFailed {
		result = "failed"
	}
	var unknown *domain.UnknownSenderKindError
	if errors.As(cause, &unknown) {
		result = "unknown_kind"
	}
	telemetry.ExecutorItemsTotal.WithLabelValues(item.Kind, result).Inc()
	log.Warn("item send failed",
		slog.String("error", cause.Error()),
		slog.String("status", string(status)),
		slog.Bool("permanent", retry.IsPermanent(cause)),
	)
}

func (e *Executor) record(ctx context.Context, log *slog.Logger, start time.Time, outcome domain.Outcome, t tally, remaining int) {
	elapsed := time.Since(start)
	trigger := execution.TriggerFrom(ctx)
	telemetry.ExecutorRunDurationSeconds.WithLabelValues(string(trigger)).Observe(elapsed.Seconds())
	if remaining >= 0 {
		telemetry.ExecutorPendingItems.Set(float64(remaining))
	}

	run := &domain.RunRecord{
		ID:         execution.RunID(ctx),
		Trigger:    trigger,
		Outcome:    outcome,
		Sent:       t.sent,
		Failed:     t.failed,
		Remaining:  max(remaining, 0),
		DurationMs: elapsed.Milliseconds(),
		StartedAt:  start.UTC(),
	}
	bctx, cancel := bookkeeping(ctx)
	defer cancel()
	if err := e.repo.RecordRun(bctx, run); err != nil {
		log.Error("record run", slog.String("error", err.Error()))
	}
	log.Info("run finished",
		slog.String("outcome", string(outcome)),
		slog.Int("sent", t.sent),
		slog.Int("failed", t.failed),
		slog.Int("remaining", remaining),
		slog.Int64("duration_ms", elapsed.Milliseconds()),
	)
}

func (e *Executor) claim(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[id]; busy {
		return false
	}
	e.inFlight[id] = struct{}{}
	return true
}

func (e *Executor) release(id string) {
	e.mu.Lock()
	delete(e.inFlight, id)
	e.mu.Unlock()
}

// bookkeeping detaches status writes from the run's abort so an interrupted
// run still records what it did.
func bookkeeping(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}
