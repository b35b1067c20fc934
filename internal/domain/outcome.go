package domain

import "time"

// Outcome is the result of one attempt to run queued work inside a time-boxed window.
type Outcome string

const (
	OutcomeExecuted                Outcome = "EXECUTED"
	OutcomeAbortedInForeground     Outcome = "ABORTED_IN_FOREGROUND"
	OutcomeAbortedInBackground     Outcome = "ABORTED_IN_BACKGROUND"
	OutcomeSkippedNoActiveContexts Outcome = "SKIPPED_NO_ACTIVE_CONTEXTS"
)

// IsAborted returns true for both abort kinds.
func (o Outcome) IsAborted() bool {
	return o == OutcomeAbortedInForeground || o == OutcomeAbortedInBackground
}

// Valid reports whether o is one of the four known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeExecuted, OutcomeAbortedInForeground, OutcomeAbortedInBackground, OutcomeSkippedNoActiveContexts:
		return true
	}
	return false
}

// SessionState is the authentication state broadcast by the session layer.
type SessionState string

const (
	SessionNone   SessionState = "NO_SESSION"
	SessionActive SessionState = "ACTIVE_SESSION"
)

// PendingTaskRequest asks the host for a future recurring invocation.
type PendingTaskRequest struct {
	Identifier                  string     `json:"identifier"`
	RequiresNetworkConnectivity bool       `json:"requires_network_connectivity"`
	RequiresExternalPower       bool       `json:"requires_external_power"`
	EarliestBegin               *time.Time `json:"earliest_begin,omitempty"`
}

// DueAt reports whether the request may be dispatched at now.
func (r PendingTaskRequest) DueAt(now time.Time) bool {
	return r.EarliestBegin == nil || !r.EarliestBegin.After(now)
}

// BudgetToken identifies one background budget granted by the host.
type BudgetToken string

// Trigger names what started an executor run.
type Trigger string

const (
	TriggerTransition Trigger = "transition"
	TriggerRecurring  Trigger = "recurring"
)
