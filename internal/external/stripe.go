package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"entitle/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// checkoutCurrency is the settlement currency for catalog listing payments.
const checkoutCurrency = "eur"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey  string
	SuccessURL string
	CancelURL  string
	BaseURL    string // Override for testing; defaults to stripeAPIBase
	Logger     *slog.Logger
}

// StripeClient creates Stripe Checkout sessions for catalog subscription
// payments by calling the Stripe REST API directly through BaseClient, so
// every request goes through the shared circuit breaker and retry path.
type StripeClient struct {
	base       *BaseClient
	secretKey  string
	successURL string
	cancelURL  string
	baseURL    string
	logger     *slog.Logger
}

// NewStripeClient creates a new StripeClient.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(
		httpClient,
		"stripe",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"Entitle/1.0",
		WithSleepFunc(time.Sleep),
	)
	return newStripeClient(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient. Useful for tests that want to control retry behavior.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	return newStripeClient(base, cfg)
}

func newStripeClient(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:       base,
		secretKey:  cfg.SecretKey,
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		logger:     logger,
	}
}

// CreateCheckoutSession generates a one-time-payment Checkout session for a
// pending catalog subscription. The entitlement ID rides along as
// client_reference_id so the webhook can correlate the completed payment
// back to the record.
func (s *StripeClient) CreateCheckoutSession(
	ctx context.Context,
	sub *types.CatalogSubscription,
	plan *types.Plan,
	memberEmail string,
) (checkoutURL string, sessionID string, err error) {
	params := url.Values{}
	params.Set("mode", "payment")
	params.Set("client_reference_id", sub.ID)
	params.Set("customer_email", memberEmail)
	params.Set("success_url", s.successURL)
	params.Set("cancel_url", s.cancelURL)
	params.Set("metadata[entitlement_id]", sub.ID)
	params.Set("metadata[member_id]", sub.MemberID)
	params.Set("line_items[0][price_data][currency]", checkoutCurrency)
	params.Set("line_items[0][price_data][unit_amount]", fmt.Sprintf("%d", plan.PriceCents))
	params.Set("line_items[0][price_data][product_data][name]", plan.Name)
	params.Set("line_items[0][quantity]", "1")

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return "", "", s.wrapStripeError("CreateCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", s.handleErrorResponse(resp, "CreateCheckoutSession")
	}

	var session stripeCheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe checkout session response",
			err,
		)
	}

	return session.URL, session.ID, nil
}

// doPost performs an authenticated POST request to the Stripe API with a
// form-encoded body.
func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	body := params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)

	return s.base.Do(req)
}

// stripeErrorResponse represents the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

// handleErrorResponse reads a Stripe error response and maps it to a
// types.AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamPayment,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamPayment,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation),
			nil,
		)
	case resp.StatusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Error.Message),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamPayment,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, resp.StatusCode, stripeErr.Error.Message),
			nil,
		)
	}
}

// wrapStripeError wraps a BaseClient transport error with operation context.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	// BaseClient errors (circuit breaker, retries exhausted) already carry
	// the right upstream code.
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamPayment,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// StripeVerifier validates webhook payloads using stripe-go's HMAC-SHA256
// signature check with timestamp tolerance.
type StripeVerifier struct{}

// Verify validates a webhook payload against the Stripe-Signature header and
// the signing secret.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return stripe.ValidatePayload(payload, header, secret)
}
