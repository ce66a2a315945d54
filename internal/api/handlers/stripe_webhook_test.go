package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitle/internal/types"
)

// mockWebhookVerifier implements WebhookVerifier for testing.
type mockWebhookVerifier struct {
	shouldFail bool
}

func (m *mockWebhookVerifier) Verify(payload []byte, header string, secret string) error {
	if m.shouldFail {
		return errors.New("signature verification failed")
	}
	return nil
}

// mockPaymentMarker records MarkSubscriptionPaid calls.
type mockPaymentMarker struct {
	calls []markPaidCall
	err   error
}

type markPaidCall struct {
	ID         string
	Method     types.PaymentMethod
	ReceiptRef string
}

func (m *mockPaymentMarker) MarkSubscriptionPaid(ctx context.Context, id string, method types.PaymentMethod, receiptRef string) (*types.CatalogSubscription, error) {
	m.calls = append(m.calls, markPaidCall{ID: id, Method: method, ReceiptRef: receiptRef})
	if m.err != nil {
		return nil, m.err
	}
	return &types.CatalogSubscription{ID: id, Status: types.SubPaid}, nil
}

func buildCheckoutCompletedEvent(entitlementID string) []byte {
	obj := map[string]any{
		"id":                  "cs_test_1",
		"client_reference_id": entitlementID,
		"metadata": map[string]string{
			"entitlement_id": entitlementID,
		},
		"payment_status": "paid",
	}
	objBytes, _ := json.Marshal(obj)
	event := map[string]any{
		"id":      "evt_1",
		"type":    eventCheckoutCompleted,
		"created": 1750000000,
		"data": map[string]any{
			"object": json.RawMessage(objBytes),
		},
	}
	b, _ := json.Marshal(event)
	return b
}

func postWebhook(t *testing.T, h *StripeWebhookHandler, payload []byte, signed bool) *httptest.ResponseRecorder {
	t.Helper()
	router := chi.NewRouter()
	h.RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	if signed {
		req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestStripeWebhook_CheckoutCompletedMarksPaid(t *testing.T) {
	payments := &mockPaymentMarker{}
	h := NewStripeWebhookHandler(&mockWebhookVerifier{}, payments, "whsec_test", nil)

	rec := postWebhook(t, h, buildCheckoutCompletedEvent("ent_abc"), true)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, payments.calls, 1)
	assert.Equal(t, "ent_abc", payments.calls[0].ID)
	assert.Equal(t, types.PaymentStripe, payments.calls[0].Method)
	assert.Equal(t, "cs_test_1", payments.calls[0].ReceiptRef, "session ID kept as the receipt reference")
}

func TestStripeWebhook_MissingSignatureRejected(t *testing.T) {
	payments := &mockPaymentMarker{}
	h := NewStripeWebhookHandler(&mockWebhookVerifier{}, payments, "whsec_test", nil)

	rec := postWebhook(t, h, buildCheckoutCompletedEvent("ent_abc"), false)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, payments.calls)
}

func TestStripeWebhook_BadSignatureRejected(t *testing.T) {
	payments := &mockPaymentMarker{}
	h := NewStripeWebhookHandler(&mockWebhookVerifier{shouldFail: true}, payments, "whsec_test", nil)

	rec := postWebhook(t, h, buildCheckoutCompletedEvent("ent_abc"), true)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, payments.calls)
}

func TestStripeWebhook_RedeliveryIsIdempotent(t *testing.T) {
	payments := &mockPaymentMarker{
		err: types.NewAppError(types.ErrCodeConflictInvalidTransition, "already paid", nil),
	}
	h := NewStripeWebhookHandler(&mockWebhookVerifier{}, payments, "whsec_test", nil)

	rec := postWebhook(t, h, buildCheckoutCompletedEvent("ent_abc"), true)

	// At-least-once delivery: the second arrival finds the record paid and
	// still acks with 200.
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStripeWebhook_ProcessingFailureStillAcks(t *testing.T) {
	payments := &mockPaymentMarker{
		err: types.NewAppError(types.ErrCodeInternalDB, "db down", nil),
	}
	h := NewStripeWebhookHandler(&mockWebhookVerifier{}, payments, "whsec_test", nil)

	rec := postWebhook(t, h, buildCheckoutCompletedEvent("ent_abc"), true)

	assert.Equal(t, http.StatusOK, rec.Code, "failures are logged, not bounced back to Stripe")
}

func TestStripeWebhook_MalformedEventBodyRejectedAsInvalidJSON(t *testing.T) {
	payments := &mockPaymentMarker{}
	h := NewStripeWebhookHandler(&mockWebhookVerifier{}, payments, "whsec_test", nil)

	rec := postWebhook(t, h, []byte(`{"id":"evt_3","type":`), true)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), string(errCodeInvalidEventJSON))
	assert.Empty(t, payments.calls)
}

func TestStripeWebhook_UnhandledEventTypeIgnored(t *testing.T) {
	payments := &mockPaymentMarker{}
	h := NewStripeWebhookHandler(&mockWebhookVerifier{}, payments, "whsec_test", nil)

	event := []byte(`{"id":"evt_2","type":"invoice.created","created":1750000000,"data":{"object":{}}}`)
	rec := postWebhook(t, h, event, true)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, payments.calls)
}
