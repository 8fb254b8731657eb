package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"funnelmetrics/internal/billing"
	"funnelmetrics/internal/core"
	"funnelmetrics/internal/types"
)

// SubscriptionService is the part of subscriptions.Service used by
// SubscriptionHandler.
type SubscriptionService interface {
	GetCurrent(ctx context.Context, userID string) (*types.Subscription, error)
	StartCheckout(ctx context.Context, user types.User, tier types.PlanTier) (string, error)
	Cancel(ctx context.Context, userID string, immediate bool) (*types.Subscription, error)
	Resume(ctx context.Context, userID string) (*types.Subscription, error)
	SwitchToFree(ctx context.Context, userID string) (*types.Subscription, error)
}

// UsageSnapshotter reports plan entitlements and quota usage.
type UsageSnapshotter interface {
	Snapshot(ctx context.Context, sub types.Subscription) (*billing.UsageSnapshot, error)
}

// UserReader loads the account behind an actor.
type UserReader interface {
	GetByID(ctx context.Context, id string) (*types.User, error)
}

// CheckoutRequest is the body of POST /v1/subscriptions/checkout.
type CheckoutRequest struct {
	PlanTier string `json:"plan_tier" validate:"required,plan_tier"`
}

// CheckoutResponse carries the gateway checkout URL.
type CheckoutResponse struct {
	CheckoutURL string `json:"checkout_url"`
}

// CancelRequest is the body of POST /v1/subscriptions/cancel.
type CancelRequest struct {
	CancelImmediately bool `json:"cancel_immediately"`
}

// CurrentSubscriptionResponse pairs the record with what it entitles.
type CurrentSubscriptionResponse struct {
	Subscription *types.Subscription   `json:"subscription"`
	Entitlements *billing.UsageSnapshot `json:"entitlements"`
}

// SubscriptionHandler serves the user-initiated subscription actions.
type SubscriptionHandler struct {
	service   SubscriptionService
	usage     UsageSnapshotter
	users     UserReader
	validator *core.Validator
	logger    *slog.Logger
}

// NewSubscriptionHandler creates a SubscriptionHandler.
func NewSubscriptionHandler(
	svc SubscriptionService,
	usage UsageSnapshotter,
	users UserReader,
	v *core.Validator,
	l *slog.Logger,
) *SubscriptionHandler {
	if l == nil {
		l = slog.Default()
	}
	if v == nil {
		v = core.NewValidator()
	}
	return &SubscriptionHandler{service: svc, usage: usage, users: users, validator: v, logger: l}
}

// RegisterRoutes mounts the subscription endpoints.
func (h *SubscriptionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/subscriptions", func(r chi.Router) {
		r.Get("/current", h.Current)
		r.Post("/checkout", h.Checkout)
		r.Post("/cancel", h.Cancel)
		r.Post("/resume", h.Resume)
		r.Post("/free", h.SwitchToFree)
	})
}

// Current handles GET /v1/subscriptions/current. The first call for a new
// user creates the free subscription.
func (h *SubscriptionHandler) Current(w http.ResponseWriter, r *http.Request) {
	actor, ok := core.ActorFrom(w, r)
	if !ok {
		return
	}

	sub, err := h.service.GetCurrent(r.Context(), actor.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	snapshot, err := h.usage.Snapshot(r.Context(), *sub)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to build usage snapshot", "user_id", actor.ID, "error", err)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, CurrentSubscriptionResponse{Subscription: sub, Entitlements: snapshot})
}

// Checkout handles POST /v1/subscriptions/checkout. Redirect URLs are built
// server side; the client only names the tier.
func (h *SubscriptionHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	actor, ok := core.ActorFrom(w, r)
	if !ok {
		return
	}

	var req CheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	user, err := h.users.GetByID(r.Context(), actor.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	url, err := h.service.StartCheckout(r.Context(), *user, types.PlanTier(req.PlanTier))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, CheckoutResponse{CheckoutURL: url})
}

// Cancel handles POST /v1/subscriptions/cancel. An empty body cancels at
// period end.
func (h *SubscriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := core.ActorFrom(w, r)
	if !ok {
		return
	}

	var req CancelRequest
	if r.ContentLength != 0 {
		if err := core.DecodeJSON(w, r, &req); err != nil {
			core.Error(w, r, err)
			return
		}
	}

	sub, err := h.service.Cancel(r.Context(), actor.ID, req.CancelImmediately)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, sub)
}

// Resume handles POST /v1/subscriptions/resume.
func (h *SubscriptionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.service.Resume)
}

// SwitchToFree handles POST /v1/subscriptions/free.
func (h *SubscriptionHandler) SwitchToFree(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.service.SwitchToFree)
}

func (h *SubscriptionHandler) mutate(
	w http.ResponseWriter,
	r *http.Request,
	action func(ctx context.Context, userID string) (*types.Subscription, error),
) {
	actor, ok := core.ActorFrom(w, r)
	if !ok {
		return
	}
	sub, err := action(r.Context(), actor.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, sub)
}
