package host

import (
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/ramiqadoumi/go-bgrunner/internal/domain"
)

func quietLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestBudgets_BeginEnd(t *testing.T) {
	b := NewBudgets(time.Minute, WithBudgetLogger(quietLogger()))

	token, err := b.BeginBudget("outbox.flush", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, 1, b.Outstanding())

	b.EndBudget(token)
	assert.Equal(t, 0, b.Outstanding())
}

func TestBudgets_DoubleEnd_Ignored(t *testing.T) {
	b := NewBudgets(time.Minute, WithBudgetLogger(quietLogger()))

	token, err := b.BeginBudget("outbox.flush", nil)
	require.NoError(t, err)
	b.EndBudget(token)
	b.EndBudget(token)
	b.EndBudget("never-issued")

	assert.Equal(t, 0, b.Outstanding())
}

func TestBudgets_Throttled_ReturnsDenied(t *testing.T) {
	b := NewBudgets(time.Minute,
		WithBudgetLogger(quietLogger()),
		WithBudgetLimiter(rate.NewLimiter(rate.Every(time.Hour), 1)),
	)

	_, err := b.BeginBudget("outbox.flush", nil)
	require.NoError(t, err)

	_, err = b.BeginBudget("outbox.flush", nil)
	var denied *domain.BudgetDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "throttled", denied.Reason)
	assert.Equal(t, 1, b.Outstanding())
}

func TestBudgets_Expiry_FiresHandlerOnce(t *testing.T) {
	b := NewBudgets(10*time.Millisecond, WithBudgetLogger(quietLogger()), WithTerminationGrace(time.Minute))

	var fired atomic.Int32
	token, err := b.BeginBudget("outbox.flush", func() { fired.Add(1) })
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, b.Outstanding(), "expiry does not release, the app must")

	b.EndBudget(token)
	assert.Equal(t, 0, b.Outstanding())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestBudgets_EndBeforeExpiry_NoHandler(t *testing.T) {
	b := NewBudgets(20*time.Millisecond, WithBudgetLogger(quietLogger()))

	var fired atomic.Int32
	token, err := b.BeginBudget("outbox.flush", func() { fired.Add(1) })
	require.NoError(t, err)
	b.EndBudget(token)

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestBudgets_NotReleased_Reclaimed(t *testing.T) {
	b := NewBudgets(5*time.Millisecond, WithBudgetLogger(quietLogger()), WithTerminationGrace(5*time.Millisecond))

	_, err := b.BeginBudget("outbox.flush", func() {})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return b.Outstanding() == 0 }, time.Second, 5*time.Millisecond)
}
