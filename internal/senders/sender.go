// Package senders delivers outbox items over their transport: SMTP email,
// HTTP webhooks and Kafka relay.
package senders

import (
	"context"
	"sync"

	"github.com/ramiqadoumi/go-bgrunner/internal/domain"
)

// Sender delivers outbox items of one kind.
//
// Send returns an error wrapped with retry.Permanent when the item can never
// succeed (malformed payload, rejected by the receiver). Any other error is
// treated as transient.
type Sender interface {
	Send(ctx context.Context, item *domain.OutboxItem) error
	Kind() string
}

// Registry maps item kinds to their senders.
type Registry struct {
	mu      sync.RWMutex
	senders map[string]Sender
}

// NewRegistry creates a Registry holding the given senders.
func NewRegistry(senders ...Sender) *Registry {
	r := &Registry{senders: make(map[string]Sender)}
	for _, s := range senders {
		r.Register(s)
	}
	return r
}

// Register adds a sender, replacing any sender of the same kind.
func (r *Registry) Register(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[s.Kind()] = s
}

// Get returns the sender for kind, or UnknownSenderKindError.
func (r *Registry) Get(kind string) (Sender, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[kind]
	if !ok {
		return nil, &domain.UnknownSenderKindError{Kind: kind}
	}
	return s, nil
}

// Kinds lists the registered kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.senders))
	for k := range r.senders {
		kinds = append(kinds, k)
	}
	return kinds
}
