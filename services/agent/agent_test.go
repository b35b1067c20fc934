package agent

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-bgrunner/internal/domain"
	"github.com/ramiqadoumi/go-bgrunner/internal/kafka"
	"github.com/ramiqadoumi/go-bgrunner/internal/recurring"
	"github.com/ramiqadoumi/go-bgrunner/internal/session"
	"github.com/ramiqadoumi/go-bgrunner/internal/transition"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeTransitions struct {
	calls []string
}

func (f *fakeTransitions) EnterBackground()        { f.calls = append(f.calls, "background") }
func (f *fakeTransitions) BecomeActive()           { f.calls = append(f.calls, "active") }
func (f *fakeTransitions) State() transition.State { return transition.StateIdle }

type fakeRecurring struct {
	submits int
	cancels int
}

func (f *fakeRecurring) Submit(context.Context) { f.submits++ }
func (f *fakeRecurring) Cancel(context.Context) { f.cancels++ }
func (f *fakeRecurring) State() recurring.State { return recurring.StateIdle }
func (f *fakeRecurring) Identifier() string     { return "outbox.refresh" }

// fakeConsumer delivers the queued messages then returns.
type fakeConsumer struct {
	msgs []kafka.Message
}

func (c *fakeConsumer) Subscribe(ctx context.Context, h kafka.HandlerFunc) error {
	for _, m := range c.msgs {
		if err := h(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
func (c *fakeConsumer) Close() error { return nil }

func newTestAgent(opts ...Option) (*Agent, *fakeTransitions, *fakeRecurring, *session.Broadcaster) {
	tr := &fakeTransitions{}
	rec := &fakeRecurring{}
	sess := session.NewBroadcaster()
	opts = append([]Option{WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	return New(tr, rec, sess, opts...), tr, rec, sess
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestHandle_Background_EntersBackgroundAndSubmits(t *testing.T) {
	a, tr, rec, _ := newTestAgent()

	require.NoError(t, a.Handle(context.Background(), Event{Type: EventBackground}))
	assert.Equal(t, []string{"background"}, tr.calls)
	assert.Equal(t, 1, rec.submits)
}

func TestHandle_Active(t *testing.T) {
	a, tr, rec, _ := newTestAgent()

	require.NoError(t, a.Handle(context.Background(), Event{Type: " Active "}))
	assert.Equal(t, []string{"active"}, tr.calls)
	assert.Zero(t, rec.submits)
}

func TestHandle_SessionLifecycle(t *testing.T) {
	a, _, rec, sess := newTestAgent()
	ctx := context.Background()

	require.NoError(t, a.Handle(ctx, Event{Type: EventSessionActive}))
	assert.Equal(t, domain.SessionActive, sess.Current())
	assert.Equal(t, 1, rec.submits)

	require.NoError(t, a.Handle(ctx, Event{Type: EventSessionEnded}))
	assert.Equal(t, domain.SessionNone, sess.Current())
}

func TestHandle_Logout_CancelsAndClearsSession(t *testing.T) {
	a, _, rec, sess := newTestAgent()
	sess.Set(domain.SessionActive)

	require.NoError(t, a.Handle(context.Background(), Event{Type: EventLogout}))
	assert.Equal(t, 1, rec.cancels)
	assert.Equal(t, domain.SessionNone, sess.Current())
}

func TestHandle_UnknownEvent(t *testing.T) {
	a, tr, rec, _ := newTestAgent()

	err := a.Handle(context.Background(), Event{Type: "resume"})
	var unknown *UnknownEventError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "resume", unknown.Type)
	assert.Empty(t, tr.calls)
	assert.Zero(t, rec.submits)
}

func TestRun_ConsumesEvents_SkipsMalformed(t *testing.T) {
	c := &fakeConsumer{msgs: []kafka.Message{
		{Value: []byte(`not json`)},
		{Value: []byte(`{"type":"unknown"}`)},
		{Value: []byte(`{"type":"session_active"}`)},
		{Value: []byte(`{"type":"background"}`)},
	}}
	a, tr, rec, sess := newTestAgent(WithConsumer(c))

	require.NoError(t, a.Run(context.Background()))
	assert.Equal(t, domain.SessionActive, sess.Current())
	assert.Equal(t, []string{"background"}, tr.calls)
	assert.Equal(t, 2, rec.submits)
}

func TestRun_NoConsumer_WaitsForContext(t *testing.T) {
	a, _, _, _ := newTestAgent()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, a.Run(ctx))
}

func TestStatus(t *testing.T) {
	a, _, _, sess := newTestAgent()
	sess.Set(domain.SessionActive)

	st := a.Status()
	assert.Equal(t, domain.SessionActive, st.Session)
	assert.Equal(t, transition.StateIdle, st.Transition)
	assert.Equal(t, recurring.StateIdle, st.Recurring)
	assert.Equal(t, "outbox.refresh", st.TaskIdentifier)
}
