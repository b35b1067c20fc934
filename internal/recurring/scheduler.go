// Package recurring keeps outbox work progressing through the host's periodic
// background dispatch while holding at most one pending request.
package recurring

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ramiqadoumi/go-bgrunner/internal/domain"
	"github.com/ramiqadoumi/go-bgrunner/internal/execution"
	"github.com/ramiqadoumi/go-bgrunner/internal/session"
	"github.com/ramiqadoumi/go-bgrunner/pkg/telemetry"
)

const (
	DefaultIdentifier          = "outbox.refresh"
	defaultSessionPollInterval = 500 * time.Millisecond
	defaultExpiryGrace         = 2 * time.Second
)

// State is the scheduler's position in handling one host invocation.
type State string

const (
	StateIdle              State = "IDLE"
	StateRunning           State = "RUNNING"
	StateWaitingForSession State = "WAITING_FOR_SESSION"
)

// Task is the token the host hands to the registered handler.
type Task interface {
	// SetExpirationHandler installs the callback the host fires when it
	// reclaims the execution window.
	SetExpirationHandler(fn func())
	// SetCompleted reports the end of the task. The host penalises tasks that
	// never complete or complete twice.
	SetCompleted(success bool)
}

// Handler is invoked by the host each time it grants an execution window.
type Handler func(task Task)

// Dispatcher is the host's periodic background dispatch facility.
type Dispatcher interface {
	Register(identifier string, handler Handler) error
	Submit(ctx context.Context, req domain.PendingTaskRequest) error
	PendingRequests(ctx context.Context, identifier string) ([]domain.PendingTaskRequest, error)
	Cancel(ctx context.Context, identifier string) error
}

// ParseSchedule parses a standard cron spec or descriptor such as "@every 15m".
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return sched, nil
}

// Scheduler registers a named task with the host dispatcher and runs the
// executor on every grant.
type Scheduler struct {
	dispatcher   Dispatcher
	executor     execution.Executor
	readiness    session.Readiness
	identifier   string
	needsNetwork bool
	needsPower   bool
	schedule     cron.Schedule // nil = no earliest begin
	pollInterval time.Duration
	expiryGrace  time.Duration
	now          func() time.Time
	logger       *slog.Logger

	registerOnce sync.Once
	registerErr  error
	registered   atomic.Bool

	submitMu  sync.Mutex
	cancelled bool // set by Cancel, cleared by the next caller Submit; guarded by submitMu

	mu    sync.Mutex
	state State

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option          { return func(s *Scheduler) { s.logger = l } }
func WithIdentifier(id string) Option           { return func(s *Scheduler) { s.identifier = id } }
func WithSchedule(sched cron.Schedule) Option   { return func(s *Scheduler) { s.schedule = sched } }
func WithExpiryGrace(d time.Duration) Option    { return func(s *Scheduler) { s.expiryGrace = d } }
func WithClock(now func() time.Time) Option     { return func(s *Scheduler) { s.now = now } }
func WithSessionPollInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.pollInterval = d }
}

// WithRequirements sets the conditions the host must meet before dispatching.
func WithRequirements(network, externalPower bool) Option {
	return func(s *Scheduler) {
		s.needsNetwork = network
		s.needsPower = externalPower
	}
}

// NewScheduler constructs a Scheduler. Call Register once at startup.
func NewScheduler(dispatcher Dispatcher, executor execution.Executor, readiness session.Readiness, opts ...Option) *Scheduler {
	s := &Scheduler{
		dispatcher:   dispatcher,
		executor:     executor,
		readiness:    readiness,
		identifier:   DefaultIdentifier,
		needsNetwork: true,
		pollInterval: defaultSessionPollInterval,
		expiryGrace:  defaultExpiryGrace,
		now:          time.Now,
		logger:       slog.Default(),
		state:        StateIdle,
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("task_identifier", s.identifier))
	return s
}

// Identifier returns the stable task identifier.
func (s *Scheduler) Identifier() string { return s.identifier }

// State returns the current handler state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Register installs the handler with the host. Later calls return the result
// of the first one.
func (s *Scheduler) Register() error {
	s.registerOnce.Do(func() {
		s.registerErr = s.dispatcher.Register(s.identifier, s.handle)
		if s.registerErr == nil {
			s.registered.Store(true)
			s.logger.Info("recurring task registered")
		}
	})
	return s.registerErr
}

// Submit asks the host for a future invocation unless one is already pending.
// Safe to call after every outbox mutation. It lifts a previous Cancel.
func (s *Scheduler) Submit(ctx context.Context) {
	s.submit(ctx, true)
}

// resubmit keeps the cadence going after an invocation unless the request was
// cancelled in the meantime.
func (s *Scheduler) resubmit() {
	s.submit(context.Background(), false)
}

func (s *Scheduler) submit(ctx context.Context, explicit bool) {
	if !s.registered.Load() {
		telemetry.RecurringSubmitsTotal.WithLabelValues("error").Inc()
		s.logger.Warn("submit before register ignored")
		return
	}

	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	if explicit {
		s.cancelled = false
	} else if s.cancelled {
		s.logger.Debug("recurring request cancelled, resubmit skipped")
		return
	}

	pending, err := s.dispatcher.PendingRequests(ctx, s.identifier)
	if err != nil {
		telemetry.RecurringSubmitsTotal.WithLabelValues("error").Inc()
		s.logger.Error("list pending requests", slog.String("error", err.Error()))
		return
	}
	if len(pending) > 0 {
		telemetry.RecurringSubmitsTotal.WithLabelValues("deduplicated").Inc()
		s.logger.Debug("request already pending, submit skipped")
		return
	}

	req := domain.PendingTaskRequest{
		Identifier:                  s.identifier,
		RequiresNetworkConnectivity: s.needsNetwork,
		RequiresExternalPower:       s.needsPower,
	}
	if s.schedule != nil {
		next := s.schedule.Next(s.now())
		req.EarliestBegin = &next
	}
	if err := s.dispatcher.Submit(ctx, req); err != nil {
		telemetry.RecurringSubmitsTotal.WithLabelValues("error").Inc()
		s.logger.Error("submit recurring request", slog.String("error", err.Error()))
		return
	}
	telemetry.RecurringSubmitsTotal.WithLabelValues("submitted").Inc()

	attrs := []any{}
	if req.EarliestBegin != nil {
		attrs = append(attrs, slog.Time("earliest_begin", *req.EarliestBegin))
	}
	s.logger.Info("recurring request submitted", attrs...)
}

// Cancel withdraws any pending request. Used on logout and teardown. An
// invocation already in flight does not resubmit when it ends; only the next
// Submit does.
func (s *Scheduler) Cancel(ctx context.Context) {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	s.cancelled = true
	if err := s.dispatcher.Cancel(ctx, s.identifier); err != nil {
		s.logger.Error("cancel recurring request", slog.String("error", err.Error()))
		return
	}
	s.logger.Info("recurring request cancelled")
}

// Shutdown stops in-flight invocations, completing their tasks, and waits for
// them until ctx is done.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// invocation tracks one host grant.
type invocation struct {
	task       Task
	completion execution.Gate
	expired    chan struct{}
	expireOnce sync.Once
}

func (inv *invocation) expire() { inv.expireOnce.Do(func() { close(inv.expired) }) }

// complete reports success to the host; only the first caller gets through.
func (inv *invocation) complete() bool {
	return inv.completion.Fire(func() { inv.task.SetCompleted(true) })
}

// handle is the Handler registered with the host.
func (s *Scheduler) handle(task Task) {
	inv := &invocation{task: task, expired: make(chan struct{})}
	task.SetExpirationHandler(inv.expire)

	s.mu.Lock()
	select {
	case <-s.stop:
		s.mu.Unlock()
		s.logger.Warn("invocation after shutdown, completing")
		inv.complete()
		return
	default:
	}
	if s.state != StateIdle {
		st := s.state
		s.mu.Unlock()
		s.logger.Warn("invocation while another is in flight, completing", slog.String("state", string(st)))
		inv.complete()
		return
	}
	s.state = StateRunning
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(inv)
}

func (s *Scheduler) run(inv *invocation) {
	defer s.wg.Done()

	ctx, span := otel.Tracer("recurring").Start(context.Background(), "recurring.invocation")
	defer span.End()

	h := execution.Start(ctx, domain.TriggerRecurring, s.executor)
	log := s.logger.With(slog.String("run_id", h.ID()))
	log.Info("recurring run started")

	select {
	case <-h.Done():
	case <-inv.expired:
		h.Abort(false)
		log.Warn("recurring task expired, aborting run")
		s.awaitWithGrace(h, inv, log)
	case <-s.stop:
		h.Abort(false)
		s.awaitWithGrace(h, inv, log)
	}

	res := h.Result()
	telemetry.RecurringInvocationsTotal.WithLabelValues(string(res.Outcome)).Inc()
	span.SetAttributes(
		attribute.String("run.id", h.ID()),
		attribute.String("run.outcome", string(res.Outcome)),
	)
	log = log.With(slog.String("outcome", string(res.Outcome)))

	if res.Outcome == domain.OutcomeSkippedNoActiveContexts {
		s.waitForSession(inv, log)
	} else {
		// Aborts and skips are deferred work, not failures; success keeps future grants coming.
		inv.complete()
		log.Info("recurring run finished", slog.Bool("all_succeeded", res.AllQueuedItemsSucceeded))
	}

	s.setState(StateIdle)
	s.resubmit()
}

// awaitWithGrace waits for the aborted run, completing the task early if the
// executor does not resolve within the grace period.
func (s *Scheduler) awaitWithGrace(h *execution.Handle, inv *invocation, log *slog.Logger) {
	if s.expiryGrace <= 0 {
		<-h.Done()
		return
	}
	timer := time.NewTimer(s.expiryGrace)
	defer timer.Stop()
	select {
	case <-h.Done():
	case <-timer.C:
		if inv.complete() {
			log.Warn("executor unresponsive after expiry, task completed", slog.Duration("grace", s.expiryGrace))
		}
		<-h.Done()
	}
}

// waitForSession absorbs the startup race where the host grants time before a
// session exists. Only an active session or the task's expiry end the wait;
// the ticker just paces observation.
func (s *Scheduler) waitForSession(inv *invocation, log *slog.Logger) {
	s.setState(StateWaitingForSession)
	start := time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := s.readiness.Subscribe(ctx)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	log.Info("no active session, waiting", slog.Duration("poll_interval", s.pollInterval))

	resolve := func(resolution string) {
		inv.complete()
		elapsed := time.Since(start)
		telemetry.RecurringSessionWaitSeconds.WithLabelValues(resolution).Observe(elapsed.Seconds())
		log.Info("session wait resolved",
			slog.String("resolution", resolution),
			slog.Int64("waited_ms", elapsed.Milliseconds()),
		)
	}

	for {
		select {
		case st := <-updates:
			if st == domain.SessionActive {
				resolve("session_active")
				return
			}
		case <-inv.expired:
			resolve("expired")
			return
		case <-s.stop:
			resolve("shutdown")
			return
		case <-ticker.C:
			log.Debug("still waiting for session", slog.Int64("waited_ms", time.Since(start).Milliseconds()))
		}
	}
}
