// Package session broadcasts the authentication state to background coordinators.
package session

import (
	"context"
	"sync"

	"github.com/ramiqadoumi/go-bgrunner/internal/domain"
)

// Readiness is an observable stream of SessionState.
type Readiness interface {
	Current() domain.SessionState
	// Subscribe delivers the current state first, then every change, until ctx
	// is done. Slow subscribers only ever see the latest state.
	Subscribe(ctx context.Context) <-chan domain.SessionState
}

// Broadcaster is the in-process Readiness owned by the authentication layer.
type Broadcaster struct {
	mu    sync.Mutex
	state domain.SessionState
	subs  map[chan domain.SessionState]struct{}
}

// NewBroadcaster returns a Broadcaster starting in NO_SESSION.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		state: domain.SessionNone,
		subs:  make(map[chan domain.SessionState]struct{}),
	}
}

func (b *Broadcaster) Current() domain.SessionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Set publishes a new state. Repeating the current state is not broadcast.
func (b *Broadcaster) Set(state domain.SessionState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == state {
		return
	}
	b.state = state
	for ch := range b.subs {
		offer(ch, state)
	}
}

func (b *Broadcaster) Subscribe(ctx context.Context) <-chan domain.SessionState {
	ch := make(chan domain.SessionState, 1)

	b.mu.Lock()
	ch <- b.state
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}()
	return ch
}

// offer replaces any undelivered value so the channel always holds the latest state.
func offer(ch chan domain.SessionState, state domain.SessionState) {
	select {
	case ch <- state:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- state:
	default:
	}
}
