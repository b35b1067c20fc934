package host

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ramiqadoumi/go-bgrunner/internal/domain"
	"github.com/ramiqadoumi/go-bgrunner/internal/execution"
	"github.com/ramiqadoumi/go-bgrunner/internal/recurring"
	"github.com/ramiqadoumi/go-bgrunner/pkg/telemetry"
)

const (
	defaultPollInterval = 15 * time.Second
	defaultWindow       = 30 * time.Second
	maxPenalty          = time.Hour
)

// PendingStore persists at most one pending request per identifier.
type PendingStore interface {
	// Put stores req, replacing any request with the same identifier.
	Put(ctx context.Context, req domain.PendingTaskRequest) error
	List(ctx context.Context, identifier string) ([]domain.PendingTaskRequest, error)
	// ClaimDue atomically removes and returns the request if it is due at now.
	// It returns nil, nil when nothing is due.
	ClaimDue(ctx context.Context, identifier string, now time.Time) (*domain.PendingTaskRequest, error)
	Delete(ctx context.Context, identifier string) error
}

// Conditions is the device state requests can depend on.
type Conditions struct {
	NetworkAvailable bool
	OnExternalPower  bool
}

func (c Conditions) satisfies(req domain.PendingTaskRequest) bool {
	if req.RequiresNetworkConnectivity && !c.NetworkAvailable {
		return false
	}
	if req.RequiresExternalPower && !c.OnExternalPower {
		return false
	}
	return true
}

// Dispatcher invokes registered handlers when their pending request is due.
type Dispatcher struct {
	store            PendingStore
	window           time.Duration
	terminationGrace time.Duration
	pollInterval     time.Duration
	limiter          *rate.Limiter // nil = unlimited
	conditions       func() Conditions
	now              func() time.Time
	logger           *slog.Logger

	mu          sync.Mutex
	handlers    map[string]recurring.Handler
	failures    map[string]int
	notBefore   map[string]time.Time
	outstanding map[string]*hostTask

	wg sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithWindow(d time.Duration) DispatcherOption       { return func(h *Dispatcher) { h.window = d } }
func WithPollInterval(d time.Duration) DispatcherOption { return func(h *Dispatcher) { h.pollInterval = d } }
func WithGrantLimiter(l *rate.Limiter) DispatcherOption { return func(h *Dispatcher) { h.limiter = l } }
func WithDispatchLogger(l *slog.Logger) DispatcherOption {
	return func(h *Dispatcher) { h.logger = l }
}
func WithConditions(fn func() Conditions) DispatcherOption {
	return func(h *Dispatcher) { h.conditions = fn }
}
func WithDispatchClock(now func() time.Time) DispatcherOption {
	return func(h *Dispatcher) { h.now = now }
}
func WithTaskTerminationGrace(d time.Duration) DispatcherOption {
	return func(h *Dispatcher) { h.terminationGrace = d }
}

// NewDispatcher returns a Dispatcher backed by store.
func NewDispatcher(store PendingStore, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:            store,
		window:           defaultWindow,
		terminationGrace: defaultTerminationGrace,
		pollInterval:     defaultPollInterval,
		conditions:       func() Conditions { return Conditions{NetworkAvailable: true, OnExternalPower: true} },
		now:              time.Now,
		logger:           slog.Default(),
		handlers:         make(map[string]recurring.Handler),
		failures:         make(map[string]int),
		notBefore:        make(map[string]time.Time),
		outstanding:      make(map[string]*hostTask),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var _ recurring.Dispatcher = (*Dispatcher)(nil)

func (d *Dispatcher) Register(identifier string, handler recurring.Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[identifier]; ok {
		return fmt.Errorf("task identifier %q already registered", identifier)
	}
	d.handlers[identifier] = handler
	return nil
}

func (d *Dispatcher) Submit(ctx context.Context, req domain.PendingTaskRequest) error {
	d.mu.Lock()
	_, ok := d.handlers[req.Identifier]
	d.mu.Unlock()
	if !ok {
		return &domain.NotRegisteredError{Identifier: req.Identifier}
	}
	if err := d.store.Put(ctx, req); err != nil {
		return fmt.Errorf("store pending request %q: %w", req.Identifier, err)
	}
	return nil
}

func (d *Dispatcher) PendingRequests(ctx context.Context, identifier string) ([]domain.PendingTaskRequest, error) {
	reqs, err := d.store.List(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("list pending requests %q: %w", identifier, err)
	}
	return reqs, nil
}

func (d *Dispatcher) Cancel(ctx context.Context, identifier string) error {
	if err := d.store.Delete(ctx, identifier); err != nil {
		return fmt.Errorf("cancel pending request %q: %w", identifier, err)
	}
	return nil
}

// Run polls for due requests until ctx is cancelled, then waits for
// dispatched tasks to complete or be reclaimed.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	d.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case <-ticker.C:
			d.Poll(ctx)
		}
	}
}

// Poll dispatches every registered identifier whose request is due.
func (d *Dispatcher) Poll(ctx context.Context) {
	now := d.now()
	cond := d.conditions()

	d.mu.Lock()
	ids := make([]string, 0, len(d.handlers))
	for id := range d.handlers {
		if _, busy := d.outstanding[id]; busy {
			continue
		}
		if nb, ok := d.notBefore[id]; ok && now.Before(nb) {
			continue
		}
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		reqs, err := d.store.List(ctx, id)
		if err != nil {
			d.logger.Error("list pending", slog.String("identifier", id), slog.String("error", err.Error()))
			continue
		}
		if len(reqs) == 0 || !reqs[0].DueAt(now) || !cond.satisfies(reqs[0]) {
			continue
		}
		if d.limiter != nil && !d.limiter.Allow() {
			d.logger.Debug("dispatch throttled", slog.String("identifier", id))
			continue
		}
		req, err := d.store.ClaimDue(ctx, id, now)
		if err != nil {
			d.logger.Error("claim pending", slog.String("identifier", id), slog.String("error", err.Error()))
			continue
		}
		if req == nil {
			continue
		}
		d.dispatch(id)
	}
}

func (d *Dispatcher) dispatch(id string) {
	d.mu.Lock()
	handler := d.handlers[id]
	t := newHostTask(id, d)
	d.outstanding[id] = t
	d.wg.Add(1)
	d.mu.Unlock()

	d.logger.Info("dispatching recurring task", slog.String("identifier", id), slog.Duration("window", d.window))
	handler(t)
	t.arm(d.window, d.terminationGrace)
}

// finished records how a dispatched task ended and applies the failure penalty.
func (d *Dispatcher) finished(t *hostTask, result string) {
	d.mu.Lock()
	delete(d.outstanding, t.identifier)
	if result == "success" {
		d.failures[t.identifier] = 0
		delete(d.notBefore, t.identifier)
	} else {
		d.failures[t.identifier]++
		penalty := d.window * time.Duration(1<<min(d.failures[t.identifier], 7))
		if penalty > maxPenalty {
			penalty = maxPenalty
		}
		d.notBefore[t.identifier] = d.now().Add(penalty)
	}
	d.mu.Unlock()
	d.wg.Done()

	telemetry.HostDispatchesTotal.WithLabelValues(result).Inc()
}

// hostTask is the token passed to a handler for one dispatch.
type hostTask struct {
	identifier string
	dispatcher *Dispatcher
	began      time.Time
	completion execution.Gate

	mu       sync.Mutex
	onExpire func()
	expiry   *time.Timer
	watchdog *time.Timer
}

func newHostTask(id string, d *Dispatcher) *hostTask {
	return &hostTask{identifier: id, dispatcher: d, began: time.Now()}
}

func (t *hostTask) arm(window, grace time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completion.Fired() {
		return
	}
	t.expiry = time.AfterFunc(window, func() {
		t.mu.Lock()
		fn := t.onExpire
		t.watchdog = time.AfterFunc(grace, t.reclaim)
		t.mu.Unlock()
		t.dispatcher.logger.Info("recurring task window expired", slog.String("identifier", t.identifier))
		if fn != nil {
			fn()
		}
	})
}

func (t *hostTask) SetExpirationHandler(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onExpire = fn
}

func (t *hostTask) SetCompleted(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	if !t.completion.Fire(func() { t.stopTimers(); t.dispatcher.finished(t, result) }) {
		err := &domain.AlreadyCompletedError{ID: "task " + t.identifier}
		telemetry.HostCompletionViolationsTotal.WithLabelValues("dispatch", "double_complete").Inc()
		t.dispatcher.logger.Error("set completed rejected", slog.String("error", err.Error()))
		return
	}
	t.dispatcher.logger.Info("recurring task completed",
		slog.String("identifier", t.identifier),
		slog.Bool("success", success),
		slog.Int64("used_ms", time.Since(t.began).Milliseconds()),
	)
}

func (t *hostTask) stopTimers() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.expiry != nil {
		t.expiry.Stop()
	}
	if t.watchdog != nil {
		t.watchdog.Stop()
	}
}

// reclaim ends a task the app never completed, counting it as a failure.
func (t *hostTask) reclaim() {
	if t.completion.Fire(func() { t.dispatcher.finished(t, "reclaimed") }) {
		telemetry.HostCompletionViolationsTotal.WithLabelValues("dispatch", "never_completed").Inc()
		t.dispatcher.logger.Error("recurring task not completed after expiry, reclaimed",
			slog.String("identifier", t.identifier))
	}
}
