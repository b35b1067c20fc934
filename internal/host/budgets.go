// Package host provides in-process stand-ins for the background facilities a
// platform grants: one-shot background budgets and periodic task dispatch.
// They enforce the same contracts a real host does, so the coordinators can
// run as a service and misbehaviour shows up in logs and metrics.
package host

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ramiqadoumi/go-bgrunner/internal/domain"
	"github.com/ramiqadoumi/go-bgrunner/pkg/telemetry"
)

const defaultTerminationGrace = 5 * time.Second

// Budgets hands out time-boxed background budgets.
type Budgets struct {
	duration         time.Duration
	terminationGrace time.Duration
	limiter          *rate.Limiter // nil = unlimited
	logger           *slog.Logger

	mu     sync.Mutex
	grants map[domain.BudgetToken]*grant
}

type grant struct {
	name     string
	began    time.Time
	expiry   *time.Timer
	watchdog *time.Timer
}

// BudgetOption configures Budgets.
type BudgetOption func(*Budgets)

func WithBudgetLimiter(l *rate.Limiter) BudgetOption { return func(b *Budgets) { b.limiter = l } }
func WithBudgetLogger(l *slog.Logger) BudgetOption   { return func(b *Budgets) { b.logger = l } }

// WithTerminationGrace sets how long a budget may stay open after expiry
// before it is reclaimed and counted as leaked.
func WithTerminationGrace(d time.Duration) BudgetOption {
	return func(b *Budgets) { b.terminationGrace = d }
}

// NewBudgets returns Budgets granting duration of background time per request.
func NewBudgets(duration time.Duration, opts ...BudgetOption) *Budgets {
	b := &Budgets{
		duration:         duration,
		terminationGrace: defaultTerminationGrace,
		logger:           slog.Default(),
		grants:           make(map[domain.BudgetToken]*grant),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BeginBudget grants a budget or returns BudgetDeniedError when throttled.
// onExpire runs once if the budget is still open when its time runs out.
func (b *Budgets) BeginBudget(name string, onExpire func()) (domain.BudgetToken, error) {
	if b.limiter != nil && !b.limiter.Allow() {
		return "", &domain.BudgetDeniedError{Name: name, Reason: "throttled"}
	}

	token := domain.BudgetToken(uuid.New().String())
	g := &grant{name: name, began: time.Now()}

	b.mu.Lock()
	b.grants[token] = g
	g.expiry = time.AfterFunc(b.duration, func() { b.expire(token, onExpire) })
	b.mu.Unlock()

	telemetry.HostBudgetsInFlight.Inc()
	b.logger.Debug("budget granted",
		slog.String("budget", name),
		slog.String("token", string(token)),
		slog.Duration("duration", b.duration),
	)
	return token, nil
}

func (b *Budgets) expire(token domain.BudgetToken, onExpire func()) {
	b.mu.Lock()
	g, ok := b.grants[token]
	if ok {
		g.watchdog = time.AfterFunc(b.terminationGrace, func() { b.reclaim(token) })
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	b.logger.Info("budget expired", slog.String("budget", g.name), slog.String("token", string(token)))
	if onExpire != nil {
		onExpire()
	}
}

// reclaim drops a budget the app never released after expiry.
func (b *Budgets) reclaim(token domain.BudgetToken) {
	b.mu.Lock()
	g, ok := b.grants[token]
	delete(b.grants, token)
	b.mu.Unlock()
	if !ok {
		return
	}
	telemetry.HostBudgetsInFlight.Dec()
	telemetry.HostCompletionViolationsTotal.WithLabelValues("budget", "leaked").Inc()
	b.logger.Error("budget not released after expiry, reclaimed",
		slog.String("budget", g.name),
		slog.String("token", string(token)),
		slog.Duration("held", time.Since(g.began)),
	)
}

// EndBudget releases a budget. Ending an unknown or already ended token is a
// contract violation and is only logged.
func (b *Budgets) EndBudget(token domain.BudgetToken) {
	b.mu.Lock()
	g, ok := b.grants[token]
	if ok {
		delete(b.grants, token)
		g.expiry.Stop()
		if g.watchdog != nil {
			g.watchdog.Stop()
		}
	}
	b.mu.Unlock()

	if !ok {
		err := &domain.AlreadyCompletedError{ID: "budget " + string(token)}
		telemetry.HostCompletionViolationsTotal.WithLabelValues("budget", "double_end").Inc()
		b.logger.Error("end budget rejected", slog.String("error", err.Error()))
		return
	}
	telemetry.HostBudgetsInFlight.Dec()
	b.logger.Debug("budget released",
		slog.String("budget", g.name),
		slog.String("token", string(token)),
		slog.Int64("used_ms", time.Since(g.began).Milliseconds()),
	)
}

// Outstanding returns the number of budgets granted and not yet released.
func (b *Budgets) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.grants)
}
