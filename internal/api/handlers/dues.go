package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"entitle/internal/core"
	"entitle/internal/issuance"
	"entitle/internal/types"
)

// DueWorkflow is the subset of the workflow service used by the dues
// endpoints.
type DueWorkflow interface {
	MarkDuePaid(ctx context.Context, id string, method types.PaymentMethod, receiptRef string) (*types.Due, error)
	CancelDue(ctx context.Context, id, notes string) (*types.Due, error)
	ListDues(ctx context.Context, year int, statusFilter types.DueStatus) ([]*types.Due, error)
}

// BulkIssuer runs a bulk dues issuance for a period.
type BulkIssuer interface {
	IssueDues(ctx context.Context, req issuance.Request) (*types.BulkReport, error)
}

// DuesHandler serves the membership dues endpoints.
type DuesHandler struct {
	workflow  DueWorkflow
	issuer    BulkIssuer
	validator *core.Validator
	logger    *slog.Logger
}

// NewDuesHandler creates a DuesHandler.
func NewDuesHandler(workflow DueWorkflow, issuer BulkIssuer, validator *core.Validator, logger *slog.Logger) *DuesHandler {
	if validator == nil {
		validator = core.NewValidator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DuesHandler{
		workflow:  workflow,
		issuer:    issuer,
		validator: validator,
		logger:    logger,
	}
}

// RegisterRoutes mounts the dues endpoints.
func (h *DuesHandler) RegisterRoutes(r chi.Router) {
	r.Route("/entitlements/dues", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/bulk", h.Bulk)
		r.Patch("/{id}/pay", h.Pay)
		r.Post("/{id}/cancel", h.Cancel)
	})
}

type bulkIssueRequest struct {
	Year        int        `json:"year" validate:"required,min=1"`
	Month       *int       `json:"month" validate:"omitempty,min=1,max=12"`
	AmountCents int64      `json:"amount_cents" validate:"required,gt=0"`
	DueDate     *time.Time `json:"due_date"`
	Notify      bool       `json:"notify"`
}

// Bulk handles POST /entitlements/dues/bulk. The response is always a full
// per-member report; individual failures do not fail the request.
func (h *DuesHandler) Bulk(w http.ResponseWriter, r *http.Request) {
	var req bulkIssueRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	report, err := h.issuer.IssueDues(r.Context(), issuance.Request{
		Year:        req.Year,
		Month:       req.Month,
		AmountCents: req.AmountCents,
		DueDate:     req.DueDate,
		Notify:      req.Notify,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: report})
}

// Pay handles PATCH /entitlements/dues/{id}/pay.
func (h *DuesHandler) Pay(w http.ResponseWriter, r *http.Request) {
	var req payRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	due, err := h.workflow.MarkDuePaid(r.Context(), chi.URLParam(r, "id"), req.Method, req.ReceiptRef)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: due})
}

type cancelDueRequest struct {
	Notes string `json:"notes"`
}

// Cancel handles POST /entitlements/dues/{id}/cancel.
func (h *DuesHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelDueRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	due, err := h.workflow.CancelDue(r.Context(), chi.URLParam(r, "id"), req.Notes)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: due})
}

// List handles GET /entitlements/dues?year=YYYY&status=S. Statuses in the
// response are read-time projections, so overdue dues read OVERDUE even
// though they are stored PENDING.
func (h *DuesHandler) List(w http.ResponseWriter, r *http.Request) {
	yearParam := r.URL.Query().Get("year")
	year, err := strconv.Atoi(yearParam)
	if err != nil || year < 1 {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidPeriod,
			"year query parameter must be a positive integer",
			nil,
			map[string]any{"year": yearParam},
		))
		return
	}

	statusFilter := types.DueStatus(r.URL.Query().Get("status"))

	dues, err := h.workflow.ListDues(r.Context(), year, statusFilter)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if dues == nil {
		dues = []*types.Due{}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: dues})
}
