package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"entitle/internal/types"
)

// MemberRepository provides read access to the members table. Members are
// created by the membership application flow; the entitlement engine only
// references them.
type MemberRepository struct {
	db DBTX
}

// NewMemberRepository creates a new MemberRepository backed by the given
// database connection (pool or transaction).
func NewMemberRepository(db DBTX) *MemberRepository {
	return &MemberRepository{db: db}
}

// GetByID returns the member for the given ID, or a not_found_member error.
func (r *MemberRepository) GetByID(ctx context.Context, id string) (*types.Member, error) {
	var m types.Member
	err := r.db.QueryRow(ctx,
		`SELECT id, name, email, active, created_at
		 FROM members
		 WHERE id = $1`,
		id,
	).Scan(&m.ID, &m.Name, &m.Email, &m.Active, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundMember, "member not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load member", err)
	}
	return &m, nil
}

// ListActive returns all active members ordered by name. This is the
// eligible set for bulk dues issuance.
func (r *MemberRepository) ListActive(ctx context.Context) ([]*types.Member, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, name, email, active, created_at
		 FROM members
		 WHERE active
		 ORDER BY name`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list members", err)
	}
	defer rows.Close()

	var members []*types.Member
	for rows.Next() {
		var m types.Member
		if err := rows.Scan(&m.ID, &m.Name, &m.Email, &m.Active, &m.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan member", err)
		}
		members = append(members, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read members", err)
	}
	return members, nil
}
