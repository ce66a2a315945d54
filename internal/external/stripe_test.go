package external

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitle/internal/types"
)

func newTestStripeClient(t *testing.T, baseURL string) *StripeClient {
	t.Helper()
	base := NewBaseClient(
		http.DefaultClient,
		"stripe-test",
		RetryPolicy{MaxRetries: 1, MinWait: time.Millisecond, MaxWait: 2 * time.Millisecond},
		"Entitle/test",
		WithSleepFunc(func(time.Duration) {}),
	)
	return NewStripeClientWithBase(base, StripeClientConfig{
		SecretKey:  "sk_test_123",
		SuccessURL: "https://catalog.example.org/pay/success",
		CancelURL:  "https://catalog.example.org/pay/cancel",
		BaseURL:    baseURL,
	})
}

func checkoutFixtures() (*types.CatalogSubscription, *types.Plan) {
	sub := &types.CatalogSubscription{
		ID:       "ent_abc",
		MemberID: "mem_1",
		PlanID:   "plan_6mo",
		Status:   types.SubPending,
	}
	plan := &types.Plan{
		ID:             "plan_6mo",
		Name:           "Half-year listing",
		PriceCents:     50000,
		DurationMonths: 6,
	}
	return sub, plan
}

func TestStripeClient_CreateCheckoutSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "payment", r.PostForm.Get("mode"))
		assert.Equal(t, "ent_abc", r.PostForm.Get("client_reference_id"))
		assert.Equal(t, "ent_abc", r.PostForm.Get("metadata[entitlement_id]"))
		assert.Equal(t, "member@example.org", r.PostForm.Get("customer_email"))
		assert.Equal(t, "50000", r.PostForm.Get("line_items[0][price_data][unit_amount]"))
		assert.Equal(t, "Half-year listing", r.PostForm.Get("line_items[0][price_data][product_data][name]"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"cs_test_1","url":"https://checkout.stripe.com/c/pay/cs_test_1"}`))
	}))
	defer srv.Close()

	client := newTestStripeClient(t, srv.URL)
	sub, plan := checkoutFixtures()

	url, sessionID, err := client.CreateCheckoutSession(context.Background(), sub, plan, "member@example.org")
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", sessionID)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", url)
}

func TestStripeClient_APIErrorMapsToUpstreamPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"Missing required param"}}`))
	}))
	defer srv.Close()

	client := newTestStripeClient(t, srv.URL)
	sub, plan := checkoutFixtures()

	_, _, err := client.CreateCheckoutSession(context.Background(), sub, plan, "member@example.org")
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamPayment, appErr.Code)
	assert.Contains(t, appErr.Message, "Missing required param")
}

func TestStripeClient_ServerErrorMapsToUpstreamUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestStripeClient(t, srv.URL)
	sub, plan := checkoutFixtures()

	_, _, err := client.CreateCheckoutSession(context.Background(), sub, plan, "member@example.org")
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, appErr.Code)
}

func TestStripeVerifier_RejectsBadSignature(t *testing.T) {
	v := &StripeVerifier{}
	err := v.Verify([]byte(`{"id":"evt_1"}`), "t=123,v1=deadbeef", "whsec_test")
	require.Error(t, err)
}
