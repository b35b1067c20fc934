package domain_test

import (
	"strings"
	"testing"

	"github.com/ramiqadoumi/go-bgrunner/internal/domain"
)

func TestItemNotFoundError(t *testing.T) {
	err := &domain.ItemNotFoundError{ItemID: "abc-123"}
	if !strings.Contains(err.Error(), "abc-123") {
		t.Errorf("error message should contain item ID, got: %q", err.Error())
	}
}

func TestUnknownSenderKindError(t *testing.T) {
	err := &domain.UnknownSenderKindError{Kind: "sms"}
	if !strings.Contains(err.Error(), "sms") {
		t.Errorf("error message should contain kind, got: %q", err.Error())
	}
}

func TestBudgetDeniedError(t *testing.T) {
	err := &domain.BudgetDeniedError{Name: "outbox", Reason: "throttled"}
	msg := err.Error()
	if !strings.Contains(msg, "outbox") {
		t.Errorf("error message should contain budget name, got: %q", msg)
	}
	if !strings.Contains(msg, "throttled") {
		t.Errorf("error message should contain reason, got: %q", msg)
	}
}

func TestNotRegisteredError(t *testing.T) {
	err := &domain.NotRegisteredError{Identifier: "outbox.refresh"}
	if !strings.Contains(err.Error(), "outbox.refresh") {
		t.Errorf("error message should contain identifier, got: %q", err.Error())
	}
}

func TestRateLimitExceededError(t *testing.T) {
	err := &domain.RateLimitExceededError{Key: "unsent", Limit: 1}
	msg := err.Error()
	if !strings.Contains(msg, "unsent") || !strings.Contains(msg, "1") {
		t.Errorf("error message should contain key and limit, got: %q", msg)
	}
}

func TestAllErrorTypesImplementError(t *testing.T) {
	var _ error = &domain.ItemNotFoundError{}
	var _ error = &domain.UnknownSenderKindError{}
	var _ error = &domain.BudgetDeniedError{}
	var _ error = &domain.NotRegisteredError{}
	var _ error = &domain.AlreadyCompletedError{}
	var _ error = &domain.RateLimitExceededError{}
}
