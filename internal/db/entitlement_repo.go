package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"entitle/internal/types"
)

// EntitlementRepository is the persistence layer for both entitlement kinds,
// stored in a single entitlements table discriminated by kind.
//
// Key invariants:
//   - CreateDue relies on the partial unique index on
//     (member_id, period_year, COALESCE(period_month, 0)) WHERE kind='due'
//     so duplicate natural keys are rejected by the storage layer itself,
//     not only by a prior read.
//   - UpdateDueStatus/UpdateSubscriptionStatus are compare-and-set: the
//     UPDATE only matches when the stored status equals the expected one,
//     so two admins racing on the same record cannot silently overwrite
//     each other.
type EntitlementRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewEntitlementRepository creates a new EntitlementRepository backed by the
// given database connection (pool or transaction).
func NewEntitlementRepository(db DBTX, logger *slog.Logger) *EntitlementRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntitlementRepository{db: db, logger: logger}
}

// CreateDue inserts a new due in its initial status. A unique-index
// violation on the (member, period) natural key is returned as
// conflict_duplicate_entitlement so bulk callers can fold the race into a
// skip.
func (r *EntitlementRepository) CreateDue(ctx context.Context, due *types.Due) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO entitlements
		 (id, member_id, kind, status, period_year, period_month, amount_cents, due_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING created_at, updated_at`,
		due.ID,
		due.MemberID,
		string(types.KindDue),
		string(due.Status),
		due.Period.Year,
		due.Period.Month,
		due.AmountCents,
		due.DueDate,
	).Scan(&due.CreatedAt, &due.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppErrorWithDetails(
				types.ErrCodeConflictDuplicate,
				fmt.Sprintf("a due for period %s already exists for this member", due.Period),
				err,
				map[string]any{"member_id": due.MemberID, "period": due.Period.String()},
			)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create due", err)
	}
	return nil
}

// CreateSubscription inserts a new catalog subscription in its initial
// status.
func (r *EntitlementRepository) CreateSubscription(ctx context.Context, sub *types.CatalogSubscription) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO entitlements
		 (id, member_id, kind, status, plan_id, notes)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at, updated_at`,
		sub.ID,
		sub.MemberID,
		string(types.KindCatalogSubscription),
		string(sub.Status),
		sub.PlanID,
		sub.Notes,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create subscription", err)
	}
	return nil
}

// FindDueByPeriod looks up a due by its natural key. Returns (nil, nil)
// when no due exists for the member and period.
func (r *EntitlementRepository) FindDueByPeriod(ctx context.Context, memberID string, period types.PeriodKey) (*types.Due, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, member_id, status, period_year, period_month, amount_cents, due_date,
		        payment_method, receipt_ref, paid_at, created_at, updated_at
		 FROM entitlements
		 WHERE kind = 'due'
		   AND member_id = $1
		   AND period_year = $2
		   AND COALESCE(period_month, 0) = COALESCE($3, 0)`,
		memberID,
		period.Year,
		period.Month,
	)
	due, err := scanDue(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to find due", err)
	}
	return due, nil
}

// GetDue returns the due for the given ID, or a not_found_entitlement error.
func (r *EntitlementRepository) GetDue(ctx context.Context, id string) (*types.Due, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, member_id, status, period_year, period_month, amount_cents, due_date,
		        payment_method, receipt_ref, paid_at, created_at, updated_at
		 FROM entitlements
		 WHERE id = $1 AND kind = 'due'`,
		id,
	)
	due, err := scanDue(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundEntitlement, "due not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load due", err)
	}
	return due, nil
}

// GetSubscription returns the catalog subscription for the given ID, or a
// not_found_entitlement error.
func (r *EntitlementRepository) GetSubscription(ctx context.Context, id string) (*types.CatalogSubscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, member_id, status, plan_id, active_start, active_end, notes,
		        payment_method, receipt_ref, paid_at, created_at, updated_at
		 FROM entitlements
		 WHERE id = $1 AND kind = 'catalog_subscription'`,
		id,
	)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundEntitlement, "subscription not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription", err)
	}
	return sub, nil
}

// UpdateDueStatus applies a compare-and-set status transition on a due.
// The patch fields, when non-nil, are written atomically with the status.
// Fails with conflict_stale_state when the stored status no longer matches
// the expected one.
func (r *EntitlementRepository) UpdateDueStatus(
	ctx context.Context,
	id string,
	expected, next types.DueStatus,
	patch *types.StatusPatch,
) error {
	return r.casUpdate(ctx, id, string(types.KindDue), string(expected), string(next), patch)
}

// UpdateSubscriptionStatus applies a compare-and-set status transition on a
// catalog subscription.
func (r *EntitlementRepository) UpdateSubscriptionStatus(
	ctx context.Context,
	id string,
	expected, next types.SubscriptionStatus,
	patch *types.StatusPatch,
) error {
	return r.casUpdate(ctx, id, string(types.KindCatalogSubscription), string(expected), string(next), patch)
}

// casUpdate is the shared compare-and-set implementation. A zero-row update
// is resolved with a follow-up read to distinguish "record gone" from
// "status changed underneath us".
func (r *EntitlementRepository) casUpdate(
	ctx context.Context,
	id, kind, expected, next string,
	patch *types.StatusPatch,
) error {
	if patch == nil {
		patch = &types.StatusPatch{}
	}

	var method, receiptRef *string
	var paidAt *time.Time
	if patch.Payment != nil {
		m := string(patch.Payment.Method)
		method = &m
		if patch.Payment.ReceiptRef != "" {
			receiptRef = &patch.Payment.ReceiptRef
		}
		t := patch.Payment.PaidAt
		paidAt = &t
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE entitlements
		 SET status = $1,
		     payment_method = COALESCE($2, payment_method),
		     receipt_ref = COALESCE($3, receipt_ref),
		     paid_at = COALESCE($4, paid_at),
		     active_start = COALESCE($5, active_start),
		     active_end = COALESCE($6, active_end),
		     notes = COALESCE($7, notes),
		     updated_at = NOW()
		 WHERE id = $8
		   AND kind = $9
		   AND status = $10`,
		next,
		method,
		receiptRef,
		paidAt,
		patch.ActiveStart,
		patch.ActiveEnd,
		patch.Notes,
		id,
		kind,
		expected,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update entitlement status", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// The CAS missed. Re-read to report the right conflict.
	var current string
	err = r.db.QueryRow(ctx,
		`SELECT status FROM entitlements WHERE id = $1 AND kind = $2`,
		id, kind,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.NewAppError(types.ErrCodeNotFoundEntitlement, "entitlement not found", nil)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to resolve status conflict", err)
	}

	r.logger.Info("compare-and-set lost a race",
		slog.String("entitlement_id", id),
		slog.String("expected", expected),
		slog.String("current", current),
	)
	return types.NewAppErrorWithDetails(
		types.ErrCodeConflictStaleState,
		"entitlement status changed since it was read; refetch and retry",
		nil,
		map[string]any{"expected": expected, "current": current},
	)
}

// ListDues returns dues for a year, optionally narrowed to a set of stored
// statuses. Derived OVERDUE filtering is handled by the workflow layer,
// which maps it onto stored PENDING rows plus a due-date cutoff via the
// dueBefore parameter.
func (r *EntitlementRepository) ListDues(
	ctx context.Context,
	year int,
	statuses []types.DueStatus,
	dueBefore *time.Time,
) ([]*types.Due, error) {
	query := `SELECT id, member_id, status, period_year, period_month, amount_cents, due_date,
	                 payment_method, receipt_ref, paid_at, created_at, updated_at
	          FROM entitlements
	          WHERE kind = 'due' AND period_year = $1`
	args := []any{year}

	if len(statuses) > 0 {
		stored := make([]string, len(statuses))
		for i, s := range statuses {
			stored[i] = string(s)
		}
		args = append(args, stored)
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	if dueBefore != nil {
		args = append(args, *dueBefore)
		query += fmt.Sprintf(" AND due_date < $%d", len(args))
	}
	query += " ORDER BY member_id, due_date"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list dues", err)
	}
	defer rows.Close()

	var dues []*types.Due
	for rows.Next() {
		due, err := scanDue(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan due", err)
		}
		dues = append(dues, due)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read dues", err)
	}
	return dues, nil
}

// ListSubscriptionsByMember returns all catalog subscriptions held by a
// member, newest first.
func (r *EntitlementRepository) ListSubscriptionsByMember(ctx context.Context, memberID string) ([]*types.CatalogSubscription, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, member_id, status, plan_id, active_start, active_end, notes,
		        payment_method, receipt_ref, paid_at, created_at, updated_at
		 FROM entitlements
		 WHERE kind = 'catalog_subscription' AND member_id = $1
		 ORDER BY created_at DESC`,
		memberID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list subscriptions", err)
	}
	defer rows.Close()

	var subs []*types.CatalogSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read subscriptions", err)
	}
	return subs, nil
}

// scanDue hydrates a Due from the canonical due column order.
func scanDue(row pgx.Row) (*types.Due, error) {
	var due types.Due
	var status string
	var method, receiptRef *string
	var paidAt *time.Time

	err := row.Scan(
		&due.ID, &due.MemberID, &status,
		&due.Period.Year, &due.Period.Month,
		&due.AmountCents, &due.DueDate,
		&method, &receiptRef, &paidAt,
		&due.CreatedAt, &due.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	due.Status = types.DueStatus(status)
	due.Payment = paymentFromColumns(method, receiptRef, paidAt)
	return &due, nil
}

// scanSubscription hydrates a CatalogSubscription from the canonical
// subscription column order.
func scanSubscription(row pgx.Row) (*types.CatalogSubscription, error) {
	var sub types.CatalogSubscription
	var status string
	var notes *string
	var method, receiptRef *string
	var paidAt *time.Time

	err := row.Scan(
		&sub.ID, &sub.MemberID, &status, &sub.PlanID,
		&sub.ActiveStart, &sub.ActiveEnd, &notes,
		&method, &receiptRef, &paidAt,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Status = types.SubscriptionStatus(status)
	if notes != nil {
		sub.Notes = *notes
	}
	sub.Payment = paymentFromColumns(method, receiptRef, paidAt)
	return &sub, nil
}

func paymentFromColumns(method, receiptRef *string, paidAt *time.Time) *types.PaymentRecord {
	if method == nil || paidAt == nil {
		return nil
	}
	p := &types.PaymentRecord{
		Method: types.PaymentMethod(*method),
		PaidAt: *paidAt,
	}
	if receiptRef != nil {
		p.ReceiptRef = *receiptRef
	}
	return p
}
