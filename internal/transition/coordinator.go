// Package transition bounds one executor run to a single background sojourn of the app.
package transition

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-bgrunner/internal/domain"
	"github.com/ramiqadoumi/go-bgrunner/internal/execution"
	"github.com/ramiqadoumi/go-bgrunner/pkg/telemetry"
)

const (
	defaultBudgetName  = "outbox.flush"
	defaultExpiryGrace = 2 * time.Second
	noticeTimeout      = 5 * time.Second
)

// State is the coordinator's position in a background sojourn.
type State string

const (
	StateIdle            State = "IDLE"
	StateBudgetRequested State = "BUDGET_REQUESTED"
	StateRunning         State = "RUNNING"
	StateAborting        State = "ABORTING"
	StateFinishing       State = "FINISHING"
)

// BudgetGranter is the host facility handing out one-shot background time.
// onExpire may be called from any goroutine, at most once per token.
type BudgetGranter interface {
	BeginBudget(name string, onExpire func()) (domain.BudgetToken, error)
	EndBudget(token domain.BudgetToken)
}

// Notifier tells the user that sends are pending and will resume later.
type Notifier interface {
	ScheduleUnsentItemsNotice(ctx context.Context) error
}

// Coordinator reacts to foreground/background transitions.
type Coordinator struct {
	budgets     BudgetGranter
	executor    execution.Executor
	notifier    Notifier
	budgetName  string
	expiryGrace time.Duration
	logger      *slog.Logger

	mu    sync.Mutex
	state State
	run   *sojourn
	// background entered again while a foreground-aborted sojourn winds down
	reenter bool

	wg sync.WaitGroup
}

// sojourn is the bookkeeping for one background stay. Fields other than
// release are guarded by Coordinator.mu.
type sojourn struct {
	token   domain.BudgetToken
	release execution.Gate
	handle  *execution.Handle
	span    trace.Span

	// abort requested before the handle existed; first request wins.
	pendingAbort *bool
	graceTimer   *time.Timer
	foreground   bool // BecomeActive was seen
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option        { return func(c *Coordinator) { c.logger = l } }
func WithBudgetName(n string) Option          { return func(c *Coordinator) { c.budgetName = n } }
func WithExpiryGrace(d time.Duration) Option { return func(c *Coordinator) { c.expiryGrace = d } }

// NewCoordinator constructs an idle Coordinator.
func NewCoordinator(budgets BudgetGranter, executor execution.Executor, notifier Notifier, opts ...Option) *Coordinator {
	c := &Coordinator{
		budgets:     budgets,
		executor:    executor,
		notifier:    notifier,
		budgetName:  defaultBudgetName,
		expiryGrace: defaultExpiryGrace,
		logger:      slog.Default(),
		state:       StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Wait blocks until the in-flight sojourn, if any, has finished.
func (c *Coordinator) Wait() { c.wg.Wait() }

// EnterBackground requests a background budget and runs the executor inside it.
// While a sojourn aborted by BecomeActive is still winding down, the request is
// remembered and started once the coordinator is idle. Otherwise it is a no-op
// unless the coordinator is idle.
func (c *Coordinator) EnterBackground() {
	c.mu.Lock()
	if c.state != StateIdle {
		if c.run != nil && c.run.foreground {
			c.reenter = true
			c.logger.Info("enter background deferred until the previous run ends", slog.String("state", string(c.state)))
		} else {
			c.logger.Debug("enter background ignored, sojourn in progress", slog.String("state", string(c.state)))
		}
		c.mu.Unlock()
		return
	}
	s := &sojourn{}
	c.run = s
	c.state = StateBudgetRequested
	c.mu.Unlock()

	// The host may fire onExpire before BeginBudget returns, so the lock is not held here.
	token, err := c.budgets.BeginBudget(c.budgetName, func() { c.expire(s) })
	if err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.run = nil
		c.reenter = false
		c.mu.Unlock()
		telemetry.TransitionBudgetDeniedTotal.Inc()
		c.logger.Info("background budget denied, nothing to do this cycle", slog.String("error", err.Error()))
		return
	}

	_, span := otel.Tracer("transition").Start(context.Background(), "transition.sojourn")
	span.SetAttributes(attribute.String("budget.token", string(token)))

	c.mu.Lock()
	s.token = token
	s.span = span
	s.handle = execution.Start(context.Background(), domain.TriggerTransition, c.executor)
	c.state = StateRunning
	if s.pendingAbort != nil {
		inForeground := *s.pendingAbort
		s.handle.Abort(inForeground)
		c.state = StateAborting
		if !inForeground {
			c.armGrace(s)
		}
	}
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("background run started",
		slog.String("run_id", s.handle.ID()),
		slog.String("budget_token", string(token)),
	)
	go c.finish(s)
}

// BecomeActive aborts the running sojourn because the app is back in the
// foreground. It is a no-op while idle.
func (c *Coordinator) BecomeActive() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reenter = false
	if c.run != nil {
		c.run.foreground = true
	}
	switch c.state {
	case StateBudgetRequested:
		if c.run.pendingAbort == nil {
			fg := true
			c.run.pendingAbort = &fg
		}
	case StateRunning:
		c.run.handle.Abort(true)
		c.state = StateAborting
		c.logger.Info("app became active, aborting background run", slog.String("run_id", c.run.handle.ID()))
	}
}

// expire is the host's budget expiration callback for s.
func (c *Coordinator) expire(s *sojourn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != s || c.state == StateFinishing {
		return
	}
	if s.handle == nil {
		if s.pendingAbort == nil {
			bg := false
			s.pendingAbort = &bg
		}
		return
	}
	s.handle.Abort(false)
	if c.state == StateRunning {
		c.state = StateAborting
	}
	c.logger.Warn("background budget expired, aborting run", slog.String("run_id", s.handle.ID()))
	c.armGrace(s)
}

// armGrace releases the budget from the expiration path if the executor has
// not resolved within expiryGrace. Callers hold c.mu.
func (c *Coordinator) armGrace(s *sojourn) {
	if c.expiryGrace <= 0 || s.graceTimer != nil {
		return
	}
	s.graceTimer = time.AfterFunc(c.expiryGrace, func() {
		if c.release(s) {
			telemetry.TransitionForcedReleaseTotal.Inc()
			c.logger.Warn("executor unresponsive after expiry, budget released",
				slog.Duration("grace", c.expiryGrace),
				slog.String("budget_token", string(s.token)),
			)
		}
	})
}

func (c *Coordinator) release(s *sojourn) bool {
	return s.release.Fire(func() { c.budgets.EndBudget(s.token) })
}

// finish waits for the outcome, releases the budget and decides on the notice.
func (c *Coordinator) finish(s *sojourn) {
	defer c.wg.Done()

	<-s.handle.Done()
	res := s.handle.Result()

	c.mu.Lock()
	c.state = StateFinishing
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	c.mu.Unlock()

	c.release(s)
	telemetry.TransitionRunsTotal.WithLabelValues(string(res.Outcome)).Inc()
	s.span.SetAttributes(
		attribute.String("run.id", s.handle.ID()),
		attribute.String("run.outcome", string(res.Outcome)),
		attribute.Bool("run.all_succeeded", res.AllQueuedItemsSucceeded),
	)
	s.span.End()

	log := c.logger.With(
		slog.String("run_id", s.handle.ID()),
		slog.String("outcome", string(res.Outcome)),
		slog.Bool("all_succeeded", res.AllQueuedItemsSucceeded),
	)

	switch {
	case res.Outcome == domain.OutcomeAbortedInBackground && !res.AllQueuedItemsSucceeded:
		ctx, cancel := context.WithTimeout(context.Background(), noticeTimeout)
		if err := c.notifier.ScheduleUnsentItemsNotice(ctx); err != nil {
			log.Error("failed to schedule unsent items notice", slog.String("error", err.Error()))
		} else {
			telemetry.TransitionNoticesTotal.Inc()
		}
		cancel()
		log.Info("background run timed out with unsent items")
	case res.Outcome == domain.OutcomeSkippedNoActiveContexts:
		// Treated like a background abort with nothing unsent; product behaviour unconfirmed.
		log.Info("background run skipped, no active session")
	default:
		log.Info("background run finished")
	}

	c.mu.Lock()
	c.state = StateIdle
	c.run = nil
	reenter := c.reenter
	c.reenter = false
	c.mu.Unlock()

	if reenter {
		c.EnterBackground()
	}
}
