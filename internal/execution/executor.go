// Package execution holds the contract between the background coordinators
// and the action executor, plus the handle and gate types both coordinators
// use to keep a run single-use and its completion exactly-once.
package execution

import (
	"context"
	"errors"

	"github.com/ramiqadoumi/go-bgrunner/internal/domain"
)

// Abort causes attached to the run context. Executors read them with
// context.Cause or CauseOutcome.
var (
	ErrAbortedInForeground = errors.New("run aborted: app returned to foreground")
	ErrAbortedInBackground = errors.New("run aborted: background budget expired")
)

// Result is what one executor run resolves to.
type Result struct {
	Outcome                 domain.Outcome
	AllQueuedItemsSucceeded bool
}

// Executor performs the queued work for one execution window.
//
// Execute must return once ctx is done; the outcome it returns for an aborted
// run should be the one CauseOutcome reports. Implementations may be invoked
// concurrently by independent coordinators.
type Executor interface {
	Execute(ctx context.Context) Result
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context) Result

func (f ExecutorFunc) Execute(ctx context.Context) Result { return f(ctx) }

// CauseOutcome maps the cancellation cause of ctx to an abort outcome.
// ok is false while ctx is still live or was cancelled for another reason.
func CauseOutcome(ctx context.Context) (outcome domain.Outcome, ok bool) {
	if ctx.Err() == nil {
		return "", false
	}
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, ErrAbortedInForeground):
		return domain.OutcomeAbortedInForeground, true
	case errors.Is(cause, ErrAbortedInBackground):
		return domain.OutcomeAbortedInBackground, true
	}
	return "", false
}

type runIDKey struct{}

// RunID returns the ID of the handle that started the run bound to ctx.
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

type triggerKey struct{}

// TriggerFrom returns which coordinator started the run bound to ctx.
func TriggerFrom(ctx context.Context) domain.Trigger {
	t, _ := ctx.Value(triggerKey{}).(domain.Trigger)
	return t
}
