package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"entitle/internal/core"
	"entitle/internal/types"
)

// maxWebhookBodySize caps Stripe webhook payloads at 64 KB. Real payloads
// are far smaller; the limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// eventCheckoutCompleted is the Stripe event confirming a finished hosted
// checkout.
const eventCheckoutCompleted = "checkout.session.completed"

// errCodeInvalidEventJSON mirrors the chassis's invalid-JSON code for the
// webhook payload, which is read raw for signature verification instead of
// going through core.DecodeJSON.
const errCodeInvalidEventJSON types.ErrorCode = "validation_invalid_json"

// WebhookVerifier validates a webhook payload signature.
type WebhookVerifier interface {
	Verify(payload []byte, header string, secret string) error
}

// PaymentMarker confirms payment on an entitlement. This is the subset of
// the workflow service the webhook needs.
type PaymentMarker interface {
	MarkSubscriptionPaid(ctx context.Context, id string, method types.PaymentMethod, receiptRef string) (*types.CatalogSubscription, error)
}

// StripeWebhookHandler handles asynchronous payment events from Stripe.
// It is not behind any auth middleware; security is the Stripe-Signature
// HMAC check.
type StripeWebhookHandler struct {
	verifier WebhookVerifier
	payments PaymentMarker
	secret   string
	logger   *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler.
func NewStripeWebhookHandler(verifier WebhookVerifier, payments PaymentMarker, secret string, logger *slog.Logger) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier: verifier,
		payments: payments,
		secret:   secret,
		logger:   logger,
	}
}

// RegisterRoutes mounts the webhook endpoint. Kept separate from the
// authenticated route registrars because this route is public.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle processes an incoming Stripe webhook delivery. After the signature
// check passes, the response is always 200: a processing failure is logged
// for investigation rather than bounced back, which would only make Stripe
// retry an event we already know how to handle.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		core.Error(w, r, types.NewAppError(
			errCodeInvalidEventJSON,
			"failed to read request body",
			err,
		))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthSignatureMissing,
			"missing Stripe-Signature header",
			nil,
		))
		return
	}

	if err := h.verifier.Verify(payload, sigHeader, h.secret); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthSignatureInvalid,
			"webhook signature verification failed",
			err,
		))
		return
	}

	var event stripeWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		core.Error(w, r, types.NewAppError(
			errCodeInvalidEventJSON,
			"invalid webhook event JSON",
			err,
		))
		return
	}

	h.logger.InfoContext(r.Context(), "processing stripe webhook event",
		"event_id", event.ID,
		"event_type", event.Type,
	)

	if err := h.routeEvent(r.Context(), &event); err != nil {
		h.logger.ErrorContext(r.Context(), "webhook event processing failed",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err,
		)
	}

	w.WriteHeader(http.StatusOK)
}

func (h *StripeWebhookHandler) routeEvent(ctx context.Context, event *stripeWebhookEvent) error {
	switch event.Type {
	case eventCheckoutCompleted:
		return h.handleCheckoutCompleted(ctx, event)
	default:
		h.logger.InfoContext(ctx, "ignoring unhandled webhook event type",
			"event_type", event.Type,
		)
		return nil
	}
}

// handleCheckoutCompleted confirms payment on the subscription referenced by
// the completed checkout session. Stripe delivers webhooks at-least-once; a
// redelivery finds the record already PAID and the resulting stale-state
// conflict is treated as success.
func (h *StripeWebhookHandler) handleCheckoutCompleted(ctx context.Context, event *stripeWebhookEvent) error {
	session, err := event.checkoutSession()
	if err != nil {
		return fmt.Errorf("checkout.session.completed: %w", err)
	}

	entitlementID := session.ClientReferenceID
	if entitlementID == "" {
		entitlementID = session.Metadata["entitlement_id"]
	}
	if entitlementID == "" {
		return fmt.Errorf("checkout.session.completed: missing entitlement reference in event %s", event.ID)
	}

	_, err = h.payments.MarkSubscriptionPaid(ctx, entitlementID, types.PaymentStripe, session.ID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			switch appErr.Code {
			case types.ErrCodeConflictStaleState, types.ErrCodeConflictInvalidTransition:
				h.logger.InfoContext(ctx, "webhook redelivery for already-paid entitlement",
					"event_id", event.ID,
					"entitlement_id", entitlementID,
				)
				return nil
			}
		}
		return err
	}

	h.logger.InfoContext(ctx, "checkout payment confirmed",
		"event_id", event.ID,
		"entitlement_id", entitlementID,
	)
	return nil
}

// stripeWebhookEvent is a minimal view of a Stripe event, just enough for
// routing and correlation. Avoiding the full stripe.Event type keeps the
// handler decoupled from the library's unmarshalling quirks.
type stripeWebhookEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSessionObj struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	PaymentStatus     string            `json:"payment_status"`
}

func (e *stripeWebhookEvent) checkoutSession() (*stripeCheckoutSessionObj, error) {
	var data stripeEventData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("malformed event data: %w", err)
	}
	var session stripeCheckoutSessionObj
	if err := json.Unmarshal(data.Object, &session); err != nil {
		return nil, fmt.Errorf("malformed session object: %w", err)
	}
	return &session, nil
}
