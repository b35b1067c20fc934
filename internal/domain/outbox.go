package domain

import "time"

// ItemStatus represents the states an outbox item can be in.
type ItemStatus string

const (
	ItemPending ItemStatus = "PENDING"
	ItemSent    ItemStatus = "SENT"
	ItemFailed  ItemStatus = "FAILED"
)

// IsTerminal returns true if the item will not be picked up again.
func (s ItemStatus) IsTerminal() bool {
	return s == ItemSent || s == ItemFailed
}

// OutboxItem is one queued send waiting for an execution window.
type OutboxItem struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Payload     []byte     `json:"payload"`
	Status      ItemStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
}

// RunRecord is the audit row written for every executor run.
type RunRecord struct {
	ID         string    `json:"id"`
	Trigger    Trigger   `json:"trigger"`
	Outcome    Outcome   `json:"outcome"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	Remaining  int       `json:"remaining"`
	DurationMs int64     `json:"duration_ms"`
	StartedAt  time.Time `json:"started_at"`
}
