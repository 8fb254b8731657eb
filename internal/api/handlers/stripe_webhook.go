package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	stripe "github.com/stripe/stripe-go/v82"

	"funnelmetrics/internal/core"
	"funnelmetrics/internal/subscriptions"
	"funnelmetrics/internal/types"
)

// maxWebhookBodySize caps a Stripe delivery. Real payloads are a few KB.
const maxWebhookBodySize = 64 * 1024

// Outcomes reported for deliveries that never reach the reconciler.
const (
	outcomeRejected  subscriptions.Outcome = "rejected"
	outcomeDuplicate subscriptions.Outcome = "duplicate"
	outcomeMalformed subscriptions.Outcome = "malformed"
)

// WebhookVerifier authenticates a delivery and decodes its envelope.
type WebhookVerifier interface {
	Verify(payload []byte, header string) (stripe.Event, error)
}

// EventJournal remembers deliveries so that redeliveries are acknowledged
// without being applied twice.
type EventJournal interface {
	Record(ctx context.Context, eventID, eventType string, payload []byte) (alreadyProcessed bool, err error)
	MarkProcessed(ctx context.Context, eventID, outcome string) error
}

// EventApplier reconciles one event into local state.
type EventApplier interface {
	Apply(ctx context.Context, ev subscriptions.Event) (subscriptions.Outcome, error)
}

// WebhookResponse acknowledges a delivery.
type WebhookResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
}

// StripeWebhookHandler receives Stripe lifecycle events. It is not behind
// bearer auth; the Stripe-Signature header authenticates the caller.
type StripeWebhookHandler struct {
	verifier WebhookVerifier
	journal  EventJournal
	applier  EventApplier
	metrics  subscriptions.Metrics
	logger   *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler. metrics receives
// the outcomes the reconciler never sees: rejected, duplicate and malformed
// deliveries.
func NewStripeWebhookHandler(
	verifier WebhookVerifier,
	journal EventJournal,
	applier EventApplier,
	metrics subscriptions.Metrics,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier: verifier,
		journal:  journal,
		applier:  applier,
		metrics:  metrics,
		logger:   logger,
	}
}

// RegisterRoutes mounts the webhook endpoint.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle processes one delivery:
//
//  1. read the body and verify the signature (400 on failure);
//  2. journal the payload, acknowledging an already processed event id;
//  3. decode the event and apply it through the reconciler;
//  4. mark the journal entry processed and answer 200.
//
// Orphan and ignored outcomes are acknowledged. A reconciler error answers
// with its AppError status (500 for store failures), which makes Stripe
// redeliver; the journal entry stays unprocessed so the redelivery is applied.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		msg := "failed to read request body"
		if errors.As(err, &tooLarge) {
			msg = "webhook payload too large"
		}
		h.logger.WarnContext(ctx, "failed to read webhook body", "error", err)
		h.record("unverified", outcomeRejected)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidBody, msg, err))
		return
	}

	event, err := h.verifier.Verify(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.WarnContext(ctx, "webhook signature verification failed", "ip", core.ClientIP(r), "error", err)
		h.record("unverified", outcomeRejected)
		core.Error(w, r, err)
		return
	}

	eventType := string(event.Type)
	logger := h.logger.With("event_id", event.ID, "event_type", eventType)

	processed, err := h.journal.Record(ctx, event.ID, eventType, payload)
	if err != nil {
		logger.ErrorContext(ctx, "failed to journal webhook event", "error", err)
		core.Error(w, r, err)
		return
	}
	if processed {
		logger.InfoContext(ctx, "duplicate webhook delivery acknowledged")
		h.record(eventType, outcomeDuplicate)
		core.JSON(w, r, http.StatusOK, WebhookResponse{Received: true, Outcome: string(outcomeDuplicate)})
		return
	}

	parsed, err := subscriptions.ParseEvent(event)
	if err != nil {
		// A redelivery carries the same payload, so retrying cannot help.
		logger.ErrorContext(ctx, "malformed webhook event", "error", err)
		h.record(eventType, outcomeMalformed)
		h.markProcessed(ctx, logger, event.ID, outcomeMalformed)
		core.JSON(w, r, http.StatusOK, WebhookResponse{Received: true, Outcome: string(outcomeMalformed)})
		return
	}

	outcome, err := h.applier.Apply(ctx, parsed)
	if err != nil {
		logger.ErrorContext(ctx, "webhook event processing failed", "error", err)
		core.Error(w, r, err)
		return
	}

	h.markProcessed(ctx, logger, event.ID, outcome)
	logger.InfoContext(ctx, "webhook event processed", "outcome", outcome)
	core.JSON(w, r, http.StatusOK, WebhookResponse{Received: true, Outcome: string(outcome)})
}

// markProcessed failures are logged only: the merge already happened and a
// redelivery would be an idempotent no-op.
func (h *StripeWebhookHandler) markProcessed(ctx context.Context, logger *slog.Logger, eventID string, outcome subscriptions.Outcome) {
	if err := h.journal.MarkProcessed(ctx, eventID, string(outcome)); err != nil {
		logger.WarnContext(ctx, "failed to mark webhook event processed", "error", err)
	}
}

func (h *StripeWebhookHandler) record(eventType string, outcome subscriptions.Outcome) {
	if h.metrics != nil {
		h.metrics.RecordWebhook(eventType, outcome)
	}
}
