package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitle/internal/core"
	"entitle/internal/types"
)

// mockSubWorkflow implements SubscriptionWorkflow with function fields so
// each test overrides only the method it exercises.
type mockSubWorkflow struct {
	createFn  func(ctx context.Context, memberID, planID, notes string) (*types.CatalogSubscription, error)
	getFn     func(ctx context.Context, id string) (*types.CatalogSubscription, error)
	listFn    func(ctx context.Context, memberID string) ([]*types.CatalogSubscription, error)
	payFn     func(ctx context.Context, id string, method types.PaymentMethod, receiptRef string) (*types.CatalogSubscription, error)
	approveFn func(ctx context.Context, id string, start, end *time.Time, notes string) (*types.CatalogSubscription, error)
	rejectFn  func(ctx context.Context, id, notes string) (*types.CatalogSubscription, error)
}

func (m *mockSubWorkflow) CreateSubscription(ctx context.Context, memberID, planID, notes string) (*types.CatalogSubscription, error) {
	return m.createFn(ctx, memberID, planID, notes)
}

func (m *mockSubWorkflow) GetSubscription(ctx context.Context, id string) (*types.CatalogSubscription, error) {
	return m.getFn(ctx, id)
}

func (m *mockSubWorkflow) ListSubscriptions(ctx context.Context, memberID string) ([]*types.CatalogSubscription, error) {
	return m.listFn(ctx, memberID)
}

func (m *mockSubWorkflow) MarkSubscriptionPaid(ctx context.Context, id string, method types.PaymentMethod, receiptRef string) (*types.CatalogSubscription, error) {
	return m.payFn(ctx, id, method, receiptRef)
}

func (m *mockSubWorkflow) Approve(ctx context.Context, id string, start, end *time.Time, notes string) (*types.CatalogSubscription, error) {
	return m.approveFn(ctx, id, start, end, notes)
}

func (m *mockSubWorkflow) Reject(ctx context.Context, id, notes string) (*types.CatalogSubscription, error) {
	return m.rejectFn(ctx, id, notes)
}

type mockCheckout struct {
	fn func(ctx context.Context, sub *types.CatalogSubscription, plan *types.Plan, email string) (string, string, error)
}

func (m *mockCheckout) CreateCheckoutSession(ctx context.Context, sub *types.CatalogSubscription, plan *types.Plan, email string) (string, string, error) {
	return m.fn(ctx, sub, plan, email)
}

type mapPlans map[string]*types.Plan

func (p mapPlans) GetByID(ctx context.Context, id string) (*types.Plan, error) {
	if plan, ok := p[id]; ok {
		return plan, nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "plan not found", nil)
}

type mapMembers map[string]*types.Member

func (m mapMembers) GetByID(ctx context.Context, id string) (*types.Member, error) {
	if member, ok := m[id]; ok {
		return member, nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundMember, "member not found", nil)
}

func serveSubscriptions(h *SubscriptionsHandler, method, target string, body any) *httptest.ResponseRecorder {
	router := chi.NewRouter()
	h.RegisterRoutes(router)

	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var envelope map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope
}

func TestSubscriptionsCreate(t *testing.T) {
	wf := &mockSubWorkflow{
		createFn: func(ctx context.Context, memberID, planID, notes string) (*types.CatalogSubscription, error) {
			assert.Equal(t, "mem_1", memberID)
			assert.Equal(t, "plan_6mo", planID)
			return &types.CatalogSubscription{ID: "ent_new", MemberID: memberID, PlanID: planID, Status: types.SubPending}, nil
		},
	}
	h := NewSubscriptionsHandler(wf, nil, nil, nil, core.NewValidator(), nil)

	rec := serveSubscriptions(h, http.MethodPost, "/entitlements/catalog", map[string]any{
		"member_id": "mem_1",
		"plan_id":   "plan_6mo",
	})

	assert.Equal(t, http.StatusCreated, rec.Code)
	data := decodeEnvelope(t, rec)["data"].(map[string]any)
	assert.Equal(t, "ent_new", data["id"])
	assert.Equal(t, "PENDING", data["status"])
}

func TestSubscriptionsCreate_MissingFields(t *testing.T) {
	h := NewSubscriptionsHandler(&mockSubWorkflow{}, nil, nil, nil, core.NewValidator(), nil)

	rec := serveSubscriptions(h, http.MethodPost, "/entitlements/catalog", map[string]any{
		"member_id": "mem_1",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	envelope := decodeEnvelope(t, rec)
	errObj := envelope["error"].(map[string]any)
	assert.Equal(t, string(types.ErrCodeValidationMissingField), errObj["code"])
}

func TestSubscriptionsPay_InvalidMethodRejected(t *testing.T) {
	h := NewSubscriptionsHandler(&mockSubWorkflow{}, nil, nil, nil, core.NewValidator(), nil)

	rec := serveSubscriptions(h, http.MethodPost, "/entitlements/catalog/ent_1/pay", map[string]any{
		"method": "barter",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubscriptionsPay(t *testing.T) {
	wf := &mockSubWorkflow{
		payFn: func(ctx context.Context, id string, method types.PaymentMethod, receiptRef string) (*types.CatalogSubscription, error) {
			assert.Equal(t, "ent_1", id)
			assert.Equal(t, types.PaymentBankTransfer, method)
			return &types.CatalogSubscription{ID: id, Status: types.SubPaid}, nil
		},
	}
	h := NewSubscriptionsHandler(wf, nil, nil, nil, core.NewValidator(), nil)

	rec := serveSubscriptions(h, http.MethodPost, "/entitlements/catalog/ent_1/pay", map[string]any{
		"method":      "bank_transfer",
		"receipt_ref": "rcpt-1",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubscriptionsApprove_ConflictSurfacesAs409(t *testing.T) {
	wf := &mockSubWorkflow{
		approveFn: func(ctx context.Context, id string, start, end *time.Time, notes string) (*types.CatalogSubscription, error) {
			return nil, types.NewAppError(types.ErrCodeConflictInvalidTransition, "not paid yet", nil)
		},
	}
	h := NewSubscriptionsHandler(wf, nil, nil, nil, core.NewValidator(), nil)

	rec := serveSubscriptions(h, http.MethodPut, "/entitlements/catalog/ent_1/approve", map[string]any{})

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubscriptionsReject_RequiresNotes(t *testing.T) {
	h := NewSubscriptionsHandler(&mockSubWorkflow{}, nil, nil, nil, core.NewValidator(), nil)

	rec := serveSubscriptions(h, http.MethodPut, "/entitlements/catalog/ent_1/reject", map[string]any{})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubscriptionsGet_NotFound(t *testing.T) {
	wf := &mockSubWorkflow{
		getFn: func(ctx context.Context, id string) (*types.CatalogSubscription, error) {
			return nil, types.NewAppError(types.ErrCodeNotFoundEntitlement, "entitlement not found", nil)
		},
	}
	h := NewSubscriptionsHandler(wf, nil, nil, nil, core.NewValidator(), nil)

	rec := serveSubscriptions(h, http.MethodGet, "/entitlements/catalog/ent_missing", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubscriptionsList(t *testing.T) {
	wf := &mockSubWorkflow{
		listFn: func(ctx context.Context, memberID string) ([]*types.CatalogSubscription, error) {
			assert.Equal(t, "mem_1", memberID)
			return []*types.CatalogSubscription{
				{ID: "ent_1", MemberID: memberID, Status: types.SubExpired},
			}, nil
		},
	}
	h := NewSubscriptionsHandler(wf, nil, nil, nil, core.NewValidator(), nil)

	rec := serveSubscriptions(h, http.MethodGet, "/entitlements/catalog?member_id=mem_1", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var envelope struct {
		Data []*types.CatalogSubscription `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Len(t, envelope.Data, 1)
	assert.Equal(t, types.SubExpired, envelope.Data[0].Status)
}

func TestSubscriptionsList_MissingMemberIDRejected(t *testing.T) {
	h := NewSubscriptionsHandler(&mockSubWorkflow{}, nil, nil, nil, core.NewValidator(), nil)

	rec := serveSubscriptions(h, http.MethodGet, "/entitlements/catalog", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubscriptionsList_EmptyResultIsEmptyArray(t *testing.T) {
	wf := &mockSubWorkflow{
		listFn: func(ctx context.Context, memberID string) ([]*types.CatalogSubscription, error) {
			return nil, nil
		},
	}
	h := NewSubscriptionsHandler(wf, nil, nil, nil, core.NewValidator(), nil)

	rec := serveSubscriptions(h, http.MethodGet, "/entitlements/catalog?member_id=mem_1", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"data":[]`)
}

func TestSubscriptionsCheckout(t *testing.T) {
	wf := &mockSubWorkflow{
		getFn: func(ctx context.Context, id string) (*types.CatalogSubscription, error) {
			return &types.CatalogSubscription{ID: id, MemberID: "mem_1", PlanID: "plan_6mo", Status: types.SubPending}, nil
		},
	}
	checkout := &mockCheckout{
		fn: func(ctx context.Context, sub *types.CatalogSubscription, plan *types.Plan, email string) (string, string, error) {
			assert.Equal(t, "ent_1", sub.ID)
			assert.Equal(t, int64(50000), plan.PriceCents)
			assert.Equal(t, "member@example.org", email)
			return "https://checkout.stripe.com/c/pay/cs_1", "cs_1", nil
		},
	}
	plans := mapPlans{"plan_6mo": {ID: "plan_6mo", Name: "Half-year listing", PriceCents: 50000, DurationMonths: 6}}
	members := mapMembers{"mem_1": {ID: "mem_1", Email: "member@example.org"}}

	h := NewSubscriptionsHandler(wf, checkout, plans, members, core.NewValidator(), nil)

	rec := serveSubscriptions(h, http.MethodPost, "/entitlements/catalog/ent_1/checkout", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	data := decodeEnvelope(t, rec)["data"].(map[string]any)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_1", data["checkout_url"])
	assert.Equal(t, "cs_1", data["session_id"])
}

func TestSubscriptionsCheckout_NonPendingRejected(t *testing.T) {
	wf := &mockSubWorkflow{
		getFn: func(ctx context.Context, id string) (*types.CatalogSubscription, error) {
			return &types.CatalogSubscription{ID: id, Status: types.SubPaid}, nil
		},
	}
	h := NewSubscriptionsHandler(wf, &mockCheckout{}, mapPlans{}, mapMembers{}, core.NewValidator(), nil)

	rec := serveSubscriptions(h, http.MethodPost, "/entitlements/catalog/ent_1/checkout", nil)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubscriptionsCheckout_Unconfigured(t *testing.T) {
	h := NewSubscriptionsHandler(&mockSubWorkflow{}, nil, mapPlans{}, mapMembers{}, core.NewValidator(), nil)

	rec := serveSubscriptions(h, http.MethodPost, "/entitlements/catalog/ent_1/checkout", nil)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
