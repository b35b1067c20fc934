package senders_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-bgrunner/internal/domain"
	"github.com/ramiqadoumi/go-bgrunner/internal/senders"
)

// stub is a minimal Sender implementation for registry tests.
type stub struct{ kind string }

func (s *stub) Kind() string { return s.kind }
func (s *stub) Send(_ context.Context, _ *domain.OutboxItem) error { return nil }

func TestRegistry_Get_KnownKind(t *testing.T) {
	reg := senders.NewRegistry(&stub{kind: "email"})

	s, err := reg.Get("email")
	require.NoError(t, err)
	assert.Equal(t, "email", s.Kind())
}

func TestRegistry_Get_UnknownKind(t *testing.T) {
	reg := senders.NewRegistry()

	_, err := reg.Get("sms")
	require.Error(t, err)

	var unknown *domain.UnknownSenderKindError
	assert.True(t, errors.As(err, &unknown), "expected UnknownSenderKindError, got %T", err)
	assert.Equal(t, "sms", unknown.Kind)
}

func TestRegistry_Kinds(t *testing.T) {
	reg := senders.NewRegistry(&stub{kind: "email"}, &stub{kind: "relay"}, &stub{kind: "email"})
	assert.ElementsMatch(t, []string{"email", "relay"}, reg.Kinds())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := senders.NewRegistry(&stub{kind: "email"})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); reg.Register(&stub{kind: "webhook"}) }()
		go func() { defer wg.Done(); _, _ = reg.Get("email") }()
	}
	wg.Wait()
}
