package senders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-bgrunner/internal/domain"
	"github.com/ramiqadoumi/go-bgrunner/pkg/retry"
)

type webhookPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// WebhookSender delivers "webhook" items as outbound HTTP calls.
type WebhookSender struct {
	client *http.Client
}

// NewWebhookSender creates a WebhookSender with the given per-call timeout.
func NewWebhookSender(timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &WebhookSender{client: &http.Client{Timeout: timeout}}
}

func (s *WebhookSender) Kind() string { return "webhook" }

func (s *WebhookSender) Send(ctx context.Context, item *domain.OutboxItem) error {
	ctx, span := otel.Tracer("senders").Start(ctx, "sender.webhook")
	defer span.End()
	span.SetAttributes(attribute.String("outbox.item_id", item.ID))

	var p webhookPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return retry.Permanent(fmt.Errorf("invalid webhook payload: %w", err))
	}
	if p.URL == "" {
		err := errors.New("webhook payload missing required field 'url'")
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing 'url' field")
		return retry.Permanent(err)
	}
	if p.Method == "" {
		p.Method = http.MethodPost
	}

	span.SetAttributes(
		attribute.String("webhook.url", p.URL),
		attribute.String("webhook.method", p.Method),
	)

	var bodyReader io.Reader
	if p.Body != "" {
		bodyReader = strings.NewReader(p.Body)
	}

	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, bodyReader)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return retry.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Idempotency-Key", item.ID)

	resp, err := s.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return fmt.Errorf("webhook call to %s: %w", p.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		err := fmt.Errorf("webhook %s returned status %d", p.URL, resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "retryable status code")
		return err
	case resp.StatusCode >= http.StatusBadRequest:
		err := fmt.Errorf("webhook %s rejected with status %d", p.URL, resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "rejected")
		return retry.Permanent(err)
	}
	return nil
}
