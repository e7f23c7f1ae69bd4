// Package members answers the membership questions the authorization engine
// needs for its scope checks: which parish a principal belongs to and which
// wards a member currently belongs to. Domain record management for members
// lives elsewhere.
package members

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parishdesk/parishdesk/internal/shared"
)

// Directory is the membership lookup surface consumed by the engine.
type Directory interface {
	ParishOf(ctx context.Context, userID int64) (int64, error)
	IsWardMember(ctx context.Context, wardID, memberID int64) (bool, error)
	WardsOf(ctx context.Context, memberID int64) ([]int64, error)
	GetWard(ctx context.Context, wardID int64) (*Ward, error)
}

// PGDirectory implements Directory using PostgreSQL.
type PGDirectory struct {
	pool *pgxpool.Pool
}

// NewDirectory constructs a PostgreSQL directory.
func NewDirectory(pool *pgxpool.Pool) *PGDirectory {
	return &PGDirectory{pool: pool}
}

var _ Directory = (*PGDirectory)(nil)

// ParishOf returns the parish the user belongs to.
func (d *PGDirectory) ParishOf(ctx context.Context, userID int64) (int64, error) {
	var parishID int64
	err := d.pool.QueryRow(ctx, `SELECT parish_id FROM users WHERE id = $1`, userID).Scan(&parishID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, shared.ErrNotFound
		}
		return 0, err
	}
	return parishID, nil
}

// IsWardMember reports whether the member currently belongs to the ward.
func (d *PGDirectory) IsWardMember(ctx context.Context, wardID, memberID int64) (bool, error) {
	var exists bool
	err := d.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ward_members
			WHERE ward_id = $1 AND member_id = $2 AND is_active
		)`, wardID, memberID).Scan(&exists)
	return exists, err
}

// WardsOf returns the ids of wards the member currently belongs to.
func (d *PGDirectory) WardsOf(ctx context.Context, memberID int64) ([]int64, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT ward_id FROM ward_members WHERE member_id = $1 AND is_active ORDER BY ward_id`, memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wards []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		wards = append(wards, id)
	}
	return wards, rows.Err()
}

// GetWard fetches a ward by id.
func (d *PGDirectory) GetWard(ctx context.Context, wardID int64) (*Ward, error) {
	var w Ward
	err := d.pool.QueryRow(ctx, `
		SELECT id, parish_id, code, name, is_active FROM wards WHERE id = $1`, wardID).
		Scan(&w.ID, &w.ParishID, &w.Code, &w.Name, &w.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &w, nil
}
