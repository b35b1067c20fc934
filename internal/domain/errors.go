package domain

import "fmt"

// ItemNotFoundError is returned when an outbox item ID does not exist.
type ItemNotFoundError struct {
	ItemID string
}

func (e *ItemNotFoundError) Error() string {
	return fmt.Sprintf("outbox item not found: %s", e.ItemID)
}

// UnknownSenderKindError is returned when no sender is registered for an item kind.
type UnknownSenderKindError struct {
	Kind string
}

func (e *UnknownSenderKindError) Error() string {
	return fmt.Sprintf("no sender registered for item kind %q", e.Kind)
}

// BudgetDeniedError is returned when the host refuses a background budget.
type BudgetDeniedError struct {
	Name   string
	Reason string
}

func (e *BudgetDeniedError) Error() string {
	return fmt.Sprintf("background budget %q denied: %s", e.Name, e.Reason)
}

// NotRegisteredError is returned when a request is submitted for an identifier
// that has no handler installed.
type NotRegisteredError struct {
	Identifier string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("no handler registered for task identifier %q", e.Identifier)
}

// AlreadyCompletedError is returned when a host task or budget is finished twice.
type AlreadyCompletedError struct {
	ID string
}

func (e *AlreadyCompletedError) Error() string {
	return fmt.Sprintf("%s already completed", e.ID)
}

// RateLimitExceededError is returned when a notice key exceeds its rate limit.
type RateLimitExceededError struct {
	Key   string
	Limit int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q: limit is %d", e.Key, e.Limit)
}
