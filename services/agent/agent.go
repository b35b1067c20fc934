package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ramiqadoumi/go-bgrunner/internal/domain"
	"github.com/ramiqadoumi/go-bgrunner/internal/kafka"
	"github.com/ramiqadoumi/go-bgrunner/internal/recurring"
	"github.com/ramiqadoumi/go-bgrunner/internal/transition"
)

// Lifecycle event types accepted on the lifecycle topic and the REST API.
const (
	EventBackground    = "background"
	EventActive        = "active"
	EventSessionActive = "session_active"
	EventSessionEnded  = "session_ended"
	EventLogout        = "logout"
)

// Event is one app lifecycle change.
type Event struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at,omitempty"`
}

// UnknownEventError is returned for event types the agent does not handle.
type UnknownEventError struct {
	Type string
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("unknown lifecycle event %q", e.Type)
}

// Transitions is the foreground/background coordinator.
type Transitions interface {
	EnterBackground()
	BecomeActive()
	State() transition.State
}

// Recurring is the scheduler keeping one host request pending.
type Recurring interface {
	Submit(ctx context.Context)
	Cancel(ctx context.Context)
	State() recurring.State
	Identifier() string
}

// Session is the writable side of the session readiness signal.
type Session interface {
	Set(state domain.SessionState)
	Current() domain.SessionState
}

// Status is a point-in-time view of the agent's coordinators.
type Status struct {
	Session        domain.SessionState `json:"session"`
	Transition     transition.State    `json:"transition"`
	Recurring      recurring.State     `json:"recurring"`
	TaskIdentifier string              `json:"task_identifier"`
}

// Agent routes lifecycle events to the coordinators.
type Agent struct {
	transitions Transitions
	recurring   Recurring
	session     Session
	consumer    kafka.Consumer
	logger      *slog.Logger
}

// Option configures an Agent.
type Option func(*Agent)

func WithLogger(l *slog.Logger) Option { return func(a *Agent) { a.logger = l } }

// WithConsumer attaches the lifecycle topic consumer used by Run.
func WithConsumer(c kafka.Consumer) Option { return func(a *Agent) { a.consumer = c } }

// New constructs an Agent.
func New(transitions Transitions, rec Recurring, session Session, opts ...Option) *Agent {
	a := &Agent{
		transitions: transitions,
		recurring:   rec,
		session:     session,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run consumes lifecycle events until ctx is cancelled. Without a consumer it
// just waits for ctx.
func (a *Agent) Run(ctx context.Context) error {
	if a.consumer == nil {
		<-ctx.Done()
		return nil
	}
	return a.consumer.Subscribe(ctx, a.processMessage)
}

// processMessage always returns nil: a malformed or unknown event is logged
// and committed, since redelivery would not make it valid.
func (a *Agent) processMessage(ctx context.Context, msg kafka.Message) error {
	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		a.logger.Error("malformed lifecycle event, discarding",
			slog.String("error", err.Error()),
			slog.String("raw", string(msg.Value)),
		)
		return nil
	}
	if err := a.Handle(ctx, ev); err != nil {
		a.logger.Warn("lifecycle event ignored", slog.String("error", err.Error()))
	}
	return nil
}

// Handle applies one lifecycle event.
func (a *Agent) Handle(ctx context.Context, ev Event) error {
	typ := strings.ToLower(strings.TrimSpace(ev.Type))

	ctx, span := otel.Tracer("agent").Start(ctx, "agent.lifecycle_event")
	defer span.End()
	span.SetAttributes(attribute.String("lifecycle.event", typ))

	switch typ {
	case EventBackground:
		a.transitions.EnterBackground()
		a.recurring.Submit(ctx)
	case EventActive:
		a.transitions.BecomeActive()
	case EventSessionActive:
		a.session.Set(domain.SessionActive)
		a.recurring.Submit(ctx)
	case EventSessionEnded:
		a.session.Set(domain.SessionNone)
	case EventLogout:
		a.recurring.Cancel(ctx)
		a.session.Set(domain.SessionNone)
	default:
		return &UnknownEventError{Type: ev.Type}
	}

	a.logger.Info("lifecycle event applied", slog.String("event", typ))
	return nil
}

// Status reports the current coordinator states.
func (a *Agent) Status() Status {
	return Status{
		Session:        a.session.Current(),
		Transition:     a.transitions.State(),
		Recurring:      a.recurring.State(),
		TaskIdentifier: a.recurring.Identifier(),
	}
}
