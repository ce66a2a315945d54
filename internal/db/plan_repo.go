package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"entitle/internal/types"
)

// PlanRepository provides read access to the plans table.
type PlanRepository struct {
	db DBTX
}

// NewPlanRepository creates a new PlanRepository backed by the given
// database connection (pool or transaction).
func NewPlanRepository(db DBTX) *PlanRepository {
	return &PlanRepository{db: db}
}

// GetByID returns the plan for the given ID, or a not_found_plan error.
func (r *PlanRepository) GetByID(ctx context.Context, id string) (*types.Plan, error) {
	var p types.Plan
	err := r.db.QueryRow(ctx,
		`SELECT id, name, price_cents, duration_months, created_at
		 FROM plans
		 WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Name, &p.PriceCents, &p.DurationMonths, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "plan not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load plan", err)
	}
	return &p, nil
}
