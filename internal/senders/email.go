package senders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/smtp"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-bgrunner/internal/domain"
	"github.com/ramiqadoumi/go-bgrunner/pkg/retry"
)

// EmailConfig holds SMTP connection details.
type EmailConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

type emailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// EmailSender delivers "email" items via SMTP.
type EmailSender struct {
	cfg      EmailConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailSender creates an EmailSender from config.
func NewEmailSender(cfg EmailConfig) *EmailSender {
	return &EmailSender{cfg: cfg, sendMail: smtp.SendMail}
}

func (s *EmailSender) Kind() string { return "email" }

func (s *EmailSender) Send(ctx context.Context, item *domain.OutboxItem) error {
	ctx, span := otel.Tracer("senders").Start(ctx, "sender.email")
	defer span.End()
	span.SetAttributes(attribute.String("outbox.item_id", item.ID))

	var p emailPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return retry.Permanent(fmt.Errorf("invalid email payload: %w", err))
	}
	if p.To == "" {
		err := errors.New("email payload missing required field 'to'")
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing 'to' field")
		return retry.Permanent(err)
	}

	span.SetAttributes(attribute.String("email.to", p.To))

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	msg := buildMIME(s.cfg.From, p.To, p.Subject, p.Body)

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	// net/smtp has no context support; an abort returns early and the
	// dial finishes in the background.
	done := make(chan error, 1)
	go func() {
		done <- s.sendMail(addr, auth, s.cfg.From, []string{p.To}, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "smtp send failed")
			return fmt.Errorf("smtp send to %s: %w", p.To, err)
		}
		return nil
	case <-ctx.Done():
		err := fmt.Errorf("email send interrupted: %w", context.Cause(ctx))
		span.RecordError(err)
		span.SetStatus(codes.Error, "interrupted")
		return err
	}
}

func buildMIME(from, to, subject, body string) []byte {
	msg := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		from, to, subject, body,
	)
	return []byte(msg)
}
