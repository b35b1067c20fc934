package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-bgrunner/internal/domain"
	"github.com/ramiqadoumi/go-bgrunner/services/agent"
)

// Lifecycle applies app lifecycle events.
type Lifecycle interface {
	Handle(ctx context.Context, ev agent.Event) error
	Status() agent.Status
}

// Outbox is the part of the outbox repository the API needs.
type Outbox interface {
	Enqueue(ctx context.Context, item *domain.OutboxItem) error
	GetByID(ctx context.Context, id string) (*domain.OutboxItem, error)
	CountPending(ctx context.Context) (int, error)
}

// Recurring keeps one host request pending.
type Recurring interface {
	Submit(ctx context.Context)
	Cancel(ctx context.Context)
}

// ReadyCheck reports whether a backing service is reachable.
type ReadyCheck func(ctx context.Context) error

// REST handles HTTP requests for the agent.
type REST struct {
	lifecycle Lifecycle
	outbox    Outbox
	recurring Recurring
	kinds     []string
	checks    map[string]ReadyCheck
	logger    *slog.Logger
}

// NewREST creates a new REST handler. kinds lists the item kinds that have a
// registered sender.
func NewREST(lifecycle Lifecycle, outbox Outbox, recurring Recurring, kinds []string, logger *slog.Logger) *REST {
	return &REST{
		lifecycle: lifecycle,
		outbox:    outbox,
		recurring: recurring,
		kinds:     kinds,
		checks:    make(map[string]ReadyCheck),
		logger:    logger,
	}
}

// AddReadyCheck registers a dependency probed by /readyz.
func (h *REST) AddReadyCheck(name string, check ReadyCheck) {
	h.checks[name] = check
}

// Routes mounts the API on r.
func (h *REST) Routes(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/lifecycle/{event}", h.PostLifecycle)
		r.Put("/session", h.PutSession)
		r.Post("/outbox", h.EnqueueItem)
		r.Get("/outbox/{id}", h.GetItem)
		r.Delete("/recurring", h.CancelRecurring)
		r.Get("/status", h.GetStatus)
	})
}

// EnqueueRequest is the JSON body for POST /api/v1/outbox.
type EnqueueRequest struct {
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

// EnqueueResponse is the 202 response body.
type EnqueueResponse struct {
	ItemID    string    `json:"item_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionRequest is the JSON body for PUT /api/v1/session.
type SessionRequest struct {
	State domain.SessionState `json:"state"`
}

// StatusResponse is the GET /api/v1/status response body.
type StatusResponse struct {
	agent.Status
	PendingItems int `json:"pending_items"`
}

// PostLifecycle handles POST /api/v1/lifecycle/{event}. Only the foreground
// transitions are accepted here; session changes go through PUT /session.
func (h *REST) PostLifecycle(w http.ResponseWriter, r *http.Request) {
	event := chi.URLParam(r, "event")
	if event != agent.EventBackground && event != agent.EventActive {
		writeError(w, http.StatusNotFound, "unknown lifecycle event")
		return
	}
	if err := h.lifecycle.Handle(r.Context(), agent.Event{Type: event, OccurredAt: time.Now().UTC()}); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, h.lifecycle.Status())
}

// PutSession handles PUT /api/v1/session.
func (h *REST) PutSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var event string
	switch req.State {
	case domain.SessionActive:
		event = agent.EventSessionActive
	case domain.SessionNone:
		event = agent.EventSessionEnded
	default:
		writeError(w, http.StatusBadRequest, "field 'state' must be ACTIVE_SESSION or NO_SESSION")
		return
	}
	if err := h.lifecycle.Handle(r.Context(), agent.Event{Type: event, OccurredAt: time.Now().UTC()}); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.lifecycle.Status())
}

// EnqueueItem handles POST /api/v1/outbox. The recurring request is
// resubmitted after every enqueue; it is deduplicated against the host.
func (h *REST) EnqueueItem(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("agent").Start(r.Context(), "agent.enqueue_item")
	defer span.End()

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	kind := strings.TrimSpace(req.Kind)
	if kind == "" {
		writeError(w, http.StatusBadRequest, "field 'kind' is required")
		return
	}
	if !slices.Contains(h.kinds, kind) {
		writeError(w, http.StatusBadRequest, "no sender for kind '"+kind+"'")
		return
	}
	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		writeError(w, http.StatusBadRequest, "field 'payload' is required")
		return
	}

	item := &domain.OutboxItem{
		Kind:        kind,
		Payload:     req.Payload,
		MaxAttempts: req.MaxAttempts,
	}
	if err := h.outbox.Enqueue(ctx, item); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		h.logger.Error("failed to enqueue outbox item", slog.String("kind", kind), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to enqueue item")
		return
	}
	span.SetAttributes(
		attribute.String("outbox.item_id", item.ID),
		attribute.String("outbox.kind", kind),
	)

	h.recurring.Submit(ctx)

	h.logger.Info("outbox item enqueued", slog.String("item_id", item.ID), slog.String("kind", kind))
	writeJSON(w, http.StatusAccepted, EnqueueResponse{
		ItemID:    item.ID,
		Status:    string(item.Status),
		CreatedAt: item.CreatedAt,
	})
}

// GetItem handles GET /api/v1/outbox/{id}.
func (h *REST) GetItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "item ID is required")
		return
	}

	item, err := h.outbox.GetByID(r.Context(), id)
	if err != nil {
		var notFound *domain.ItemNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "item not found")
			return
		}
		h.logger.Error("postgres error", slog.String("item_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to retrieve item")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// CancelRecurring handles DELETE /api/v1/recurring.
func (h *REST) CancelRecurring(w http.ResponseWriter, r *http.Request) {
	h.recurring.Cancel(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// GetStatus handles GET /api/v1/status.
func (h *REST) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Status: h.lifecycle.Status(), PendingItems: -1}
	if n, err := h.outbox.CountPending(r.Context()); err == nil {
		resp.PendingItems = n
	} else {
		h.logger.Warn("count pending items", slog.String("error", err.Error()))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz and runs every registered ready check.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("readiness check failed", slog.String("dependency", name), slog.String("error", err.Error()))
			writeError(w, http.StatusServiceUnavailable, name+" not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
