package execution_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-bgrunner/internal/domain"
	"github.com/ramiqadoumi/go-bgrunner/internal/execution"
)

// blockingExecutor waits for abort and reports the cause as its outcome.
func blockingExecutor(started chan<- string) execution.Executor {
	return execution.ExecutorFunc(func(ctx context.Context) execution.Result {
		if started != nil {
			started <- execution.RunID(ctx)
		}
		<-ctx.Done()
		o, _ := execution.CauseOutcome(ctx)
		return execution.Result{Outcome: o}
	})
}

func waitDone(t *testing.T, h *execution.Handle) execution.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	require.NoError(t, err, "handle did not resolve")
	return res
}

func TestGate_FiresOnce(t *testing.T) {
	var g execution.Gate
	calls := 0
	assert.True(t, g.Fire(func() { calls++ }))
	assert.False(t, g.Fire(func() { calls++ }))
	assert.True(t, g.Fired())
	assert.Equal(t, 1, calls)
}

func TestGate_ConcurrentFirers(t *testing.T) {
	var g execution.Gate
	var calls atomic.Int64
	var wins atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Fire(func() { calls.Add(1) }) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, int64(1), wins.Load())
}

func TestGate_ExactlyOnceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("any number of racing finishers fires exactly once", prop.ForAll(
		func(n int) bool {
			var g execution.Gate
			var calls atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					g.Fire(func() { calls.Add(1) })
				}()
			}
			wg.Wait()
			return calls.Load() == 1
		},
		gen.IntRange(1, 64),
	))

	properties.TestingRun(t)
}

func TestHandle_AbortInForeground(t *testing.T) {
	started := make(chan string, 1)
	h := execution.Start(context.Background(), domain.TriggerTransition, blockingExecutor(started))

	runID := <-started
	assert.Equal(t, h.ID(), runID, "executor must see the handle's run ID")

	h.Abort(true)
	res := waitDone(t, h)
	assert.Equal(t, domain.OutcomeAbortedInForeground, res.Outcome)
}

func TestHandle_AbortInBackground(t *testing.T) {
	started := make(chan string, 1)
	h := execution.Start(context.Background(), domain.TriggerRecurring, blockingExecutor(started))
	<-started

	h.Abort(false)
	res := waitDone(t, h)
	assert.Equal(t, domain.OutcomeAbortedInBackground, res.Outcome)
}

func TestHandle_FirstAbortWins(t *testing.T) {
	started := make(chan string, 1)
	h := execution.Start(context.Background(), domain.TriggerTransition, blockingExecutor(started))
	<-started

	h.Abort(false)
	h.Abort(true)
	res := waitDone(t, h)
	assert.Equal(t, domain.OutcomeAbortedInBackground, res.Outcome)
}

func TestHandle_AbortAfterCompletionIsNoop(t *testing.T) {
	h := execution.Start(context.Background(), domain.TriggerTransition, execution.ExecutorFunc(
		func(context.Context) execution.Result {
			return execution.Result{Outcome: domain.OutcomeExecuted, AllQueuedItemsSucceeded: true}
		}))
	res := waitDone(t, h)

	h.Abort(true)
	assert.Equal(t, res, h.Result())
	assert.Equal(t, domain.OutcomeExecuted, h.Result().Outcome)
	assert.True(t, h.Result().AllQueuedItemsSucceeded)
}

func TestHandle_InvalidOutcomeIsNormalised(t *testing.T) {
	started := make(chan string, 1)
	h := execution.Start(context.Background(), domain.TriggerTransition, execution.ExecutorFunc(
		func(ctx context.Context) execution.Result {
			started <- ""
			<-ctx.Done()
			return execution.Result{}
		}))
	<-started
	h.Abort(false)
	assert.Equal(t, domain.OutcomeAbortedInBackground, waitDone(t, h).Outcome)

	h2 := execution.Start(context.Background(), domain.TriggerTransition, execution.ExecutorFunc(
		func(context.Context) execution.Result { return execution.Result{} }))
	assert.Equal(t, domain.OutcomeExecuted, waitDone(t, h2).Outcome)
}

func TestHandle_TriggerInContext(t *testing.T) {
	seen := make(chan domain.Trigger, 1)
	h := execution.Start(context.Background(), domain.TriggerRecurring, execution.ExecutorFunc(
		func(ctx context.Context) execution.Result {
			seen <- execution.TriggerFrom(ctx)
			return execution.Result{Outcome: domain.OutcomeExecuted}
		}))
	waitDone(t, h)
	assert.Equal(t, domain.TriggerRecurring, <-seen)
}

func TestHandle_WaitRespectsContext(t *testing.T) {
	h := execution.Start(context.Background(), domain.TriggerTransition, blockingExecutor(nil))
	defer h.Abort(true)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := h.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCauseOutcome_LiveAndPlainCancel(t *testing.T) {
	_, ok := execution.CauseOutcome(context.Background())
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok = execution.CauseOutcome(ctx)
	assert.False(t, ok, "plain cancellation is not an abort")
}
