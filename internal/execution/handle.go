package execution

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/go-bgrunner/internal/domain"
)

// Handle wraps one in-flight executor run. It is single-use: once the run
// resolves, Abort is a no-op and the result never changes.
type Handle struct {
	id     string
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu      sync.Mutex
	aborted bool
	result  Result
}

// Start launches exec in its own goroutine and returns the handle for it.
// The run context derives from parent but is otherwise only cancelled
// through Abort.
func Start(parent context.Context, trigger domain.Trigger, exec Executor) *Handle {
	id := uuid.New().String()
	ctx, cancel := context.WithCancelCause(context.WithValue(
		context.WithValue(parent, runIDKey{}, id), triggerKey{}, trigger))

	h := &Handle{
		id:     id,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		res := exec.Execute(ctx)
		if !res.Outcome.Valid() {
			// Executors that ignore the abort cause still resolve to a valid outcome.
			if o, ok := CauseOutcome(ctx); ok {
				res.Outcome = o
			} else {
				res.Outcome = domain.OutcomeExecuted
			}
		}
		h.mu.Lock()
		h.result = res
		h.mu.Unlock()
		cancel(nil)
		close(h.done)
	}()
	return h
}

// ID returns the run ID, also available to the executor through RunID.
func (h *Handle) ID() string { return h.id }

// Abort asks the executor to stop as soon as it can. It is advisory: callers
// still wait on Done for the outcome. Only the first call has any effect, so
// the abort kind seen by the executor never changes mid-run.
func (h *Handle) Abort(inForeground bool) {
	select {
	case <-h.done:
		return
	default:
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.aborted {
		return
	}
	h.aborted = true
	if inForeground {
		h.cancel(ErrAbortedInForeground)
	} else {
		h.cancel(ErrAbortedInBackground)
	}
}

// Done is closed once the executor has resolved.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the resolved result. Only meaningful after Done is closed.
func (h *Handle) Result() Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Wait blocks until the run resolves or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
