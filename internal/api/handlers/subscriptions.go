// Package handlers contains the HTTP handler implementations for the
// entitlement API. Each handler depends on narrow, locally defined consumer
// interfaces so tests can swap in function-field mocks.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"entitle/internal/core"
	"entitle/internal/types"
)

// SubscriptionWorkflow is the subset of the workflow service used by the
// catalog subscription endpoints.
type SubscriptionWorkflow interface {
	CreateSubscription(ctx context.Context, memberID, planID, notes string) (*types.CatalogSubscription, error)
	GetSubscription(ctx context.Context, id string) (*types.CatalogSubscription, error)
	ListSubscriptions(ctx context.Context, memberID string) ([]*types.CatalogSubscription, error)
	MarkSubscriptionPaid(ctx context.Context, id string, method types.PaymentMethod, receiptRef string) (*types.CatalogSubscription, error)
	Approve(ctx context.Context, id string, start, end *time.Time, notes string) (*types.CatalogSubscription, error)
	Reject(ctx context.Context, id, notes string) (*types.CatalogSubscription, error)
}

// CheckoutSessionCreator creates a hosted payment session for a pending
// subscription.
type CheckoutSessionCreator interface {
	CreateCheckoutSession(ctx context.Context, sub *types.CatalogSubscription, plan *types.Plan, memberEmail string) (checkoutURL string, sessionID string, err error)
}

// PlanLookup resolves plan records for checkout pricing.
type PlanLookup interface {
	GetByID(ctx context.Context, id string) (*types.Plan, error)
}

// MemberLookup resolves member records for checkout prefill.
type MemberLookup interface {
	GetByID(ctx context.Context, id string) (*types.Member, error)
}

// SubscriptionsHandler serves the catalog subscription endpoints.
type SubscriptionsHandler struct {
	workflow  SubscriptionWorkflow
	checkout  CheckoutSessionCreator
	plans     PlanLookup
	members   MemberLookup
	validator *core.Validator
	logger    *slog.Logger
}

// NewSubscriptionsHandler creates a SubscriptionsHandler. checkout may be nil
// when hosted payments are disabled; the checkout endpoint then returns 502.
func NewSubscriptionsHandler(
	workflow SubscriptionWorkflow,
	checkout CheckoutSessionCreator,
	plans PlanLookup,
	members MemberLookup,
	validator *core.Validator,
	logger *slog.Logger,
) *SubscriptionsHandler {
	if validator == nil {
		validator = core.NewValidator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionsHandler{
		workflow:  workflow,
		checkout:  checkout,
		plans:     plans,
		members:   members,
		validator: validator,
		logger:    logger,
	}
}

// RegisterRoutes mounts the catalog subscription endpoints.
func (h *SubscriptionsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/entitlements/catalog", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Get("/{id}", h.Get)
		r.Post("/{id}/pay", h.Pay)
		r.Put("/{id}/approve", h.Approve)
		r.Put("/{id}/reject", h.Reject)
		r.Post("/{id}/checkout", h.Checkout)
	})
}

type createSubscriptionRequest struct {
	MemberID string `json:"member_id" validate:"required"`
	PlanID   string `json:"plan_id" validate:"required"`
	Notes    string `json:"notes"`
}

// Create handles POST /entitlements/catalog.
func (h *SubscriptionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	sub, err := h.workflow.CreateSubscription(r.Context(), req.MemberID, req.PlanID, req.Notes)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: sub})
}

// Get handles GET /entitlements/catalog/{id}. The returned status is the
// read-time projection, so an approved listing past its window reads EXPIRED.
func (h *SubscriptionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	sub, err := h.workflow.GetSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sub})
}

// List handles GET /entitlements/catalog?member_id=. Statuses in the result
// are read-time projections.
func (h *SubscriptionsHandler) List(w http.ResponseWriter, r *http.Request) {
	memberID := r.URL.Query().Get("member_id")
	if memberID == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"member_id query parameter is required",
			nil,
		))
		return
	}

	subs, err := h.workflow.ListSubscriptions(r.Context(), memberID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if subs == nil {
		subs = []*types.CatalogSubscription{}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: subs})
}

type payRequest struct {
	Method     types.PaymentMethod `json:"method" validate:"required,oneof=bank_transfer cash card stripe"`
	ReceiptRef string              `json:"receipt_ref"`
}

// Pay handles POST /entitlements/catalog/{id}/pay. This is the manual path
// used by admins confirming an offline payment.
func (h *SubscriptionsHandler) Pay(w http.ResponseWriter, r *http.Request) {
	var req payRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	sub, err := h.workflow.MarkSubscriptionPaid(r.Context(), chi.URLParam(r, "id"), req.Method, req.ReceiptRef)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sub})
}

type approveRequest struct {
	ActiveStart *time.Time `json:"active_start"`
	ActiveEnd   *time.Time `json:"active_end"`
	Notes       string     `json:"notes"`
}

// Approve handles PUT /entitlements/catalog/{id}/approve.
func (h *SubscriptionsHandler) Approve(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	sub, err := h.workflow.Approve(r.Context(), chi.URLParam(r, "id"), req.ActiveStart, req.ActiveEnd, req.Notes)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sub})
}

type rejectRequest struct {
	Notes string `json:"notes" validate:"required"`
}

// Reject handles PUT /entitlements/catalog/{id}/reject.
func (h *SubscriptionsHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	sub, err := h.workflow.Reject(r.Context(), chi.URLParam(r, "id"), req.Notes)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sub})
}

type checkoutResponse struct {
	CheckoutURL string `json:"checkout_url"`
	SessionID   string `json:"session_id"`
}

// Checkout handles POST /entitlements/catalog/{id}/checkout. It creates a
// hosted payment session for a pending subscription; the payment itself is
// confirmed asynchronously through the provider webhook.
func (h *SubscriptionsHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	if h.checkout == nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeUpstreamPayment,
			"hosted payments are not configured",
			nil,
		))
		return
	}

	ctx := r.Context()
	sub, err := h.workflow.GetSubscription(ctx, chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if sub.Status != types.SubPending {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeConflictInvalidTransition,
			"only a pending subscription can start checkout",
			nil,
			map[string]any{"status": string(sub.Status)},
		))
		return
	}

	plan, err := h.plans.GetByID(ctx, sub.PlanID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	member, err := h.members.GetByID(ctx, sub.MemberID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	checkoutURL, sessionID, err := h.checkout.CreateCheckoutSession(ctx, sub, plan, member.Email)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: checkoutResponse{
		CheckoutURL: checkoutURL,
		SessionID:   sessionID,
	}})
}
