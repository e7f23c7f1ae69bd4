package authz

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/parishdesk/parishdesk/internal/platform/db"
	"github.com/parishdesk/parishdesk/internal/shared"
)

// Repository defines persistence for the four authorization stores: the
// catalog, role grants, assignments and overrides. Uniqueness of active
// pairs is guarded by partial unique indexes in the schema; the service's
// pre-checks only produce friendlier errors, and a constraint violation at
// write time surfaces as shared.ErrConflict all the same.
type Repository interface {
	ResolverStore

	ListRoles(ctx context.Context, parishID *int64) ([]Role, error)
	GetRole(ctx context.Context, id int64) (*Role, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	GetPermissionByCode(ctx context.Context, code string) (*Permission, error)

	ListRolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error)
	ReplaceRolePermissions(ctx context.Context, roleID int64, attach, detach []int64) error

	HasActiveRoleAssignment(ctx context.Context, userID, roleID int64, at time.Time) (bool, error)
	CreateRoleAssignment(ctx context.Context, a RoleAssignment) (*RoleAssignment, error)
	GetRoleAssignment(ctx context.Context, id int64) (*RoleAssignment, error)
	DeactivateRoleAssignment(ctx context.Context, id int64) error

	HasActiveWardAssignment(ctx context.Context, wardID, memberID, roleID int64, at time.Time) (bool, error)
	CreateWardAssignment(ctx context.Context, a WardAssignment) (*WardAssignment, error)
	GetWardAssignment(ctx context.Context, id int64) (*WardAssignment, error)
	DeactivateWardAssignment(ctx context.Context, id int64) error

	HasActiveOverride(ctx context.Context, userID, permissionID int64, kind OverrideKind, at time.Time) (bool, error)
	CreateOverride(ctx context.Context, o PermissionOverride) (*PermissionOverride, error)
	GetOverride(ctx context.Context, id int64) (*PermissionOverride, error)
	DeactivateOverride(ctx context.Context, id int64) error

	SweepExpired(ctx context.Context, cutoff time.Time) (SweepResult, error)
}

// SweepResult counts edges deactivated by a hygiene sweep.
type SweepResult struct {
	RoleAssignments int64
	WardAssignments int64
	Overrides       int64
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

var _ Repository = (*PGRepository)(nil)

// liveCond is the read-time liveness predicate shared by every time-bounded
// edge query. Expiry at exactly the evaluation instant counts as expired.
const liveCond = `is_active AND (expires_at IS NULL OR expires_at > $2)`

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func expiryParam(expiresAt *time.Time) pgtype.Timestamptz {
	if expiresAt == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: expiresAt.UTC(), Valid: true}
}

// ActiveRoleIDs returns role ids from live direct assignments.
func (r *PGRepository) ActiveRoleIDs(ctx context.Context, userID int64, at time.Time) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT role_id FROM role_assignments
		WHERE user_id = $1 AND `+liveCond, userID, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInt64s(rows)
}

// ActiveWardRoleIDs returns role ids from live ward assignments.
func (r *PGRepository) ActiveWardRoleIDs(ctx context.Context, userID int64, at time.Time) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT wa.role_id FROM ward_assignments wa
		JOIN ward_members wm ON wm.ward_id = wa.ward_id AND wm.member_id = wa.member_id AND wm.is_active
		WHERE wa.member_id = $1 AND wa.is_active AND (wa.expires_at IS NULL OR wa.expires_at > $2)`, userID, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInt64s(rows)
}

// ActiveWardRoleIDsIn returns role ids from live ward assignments in one ward.
func (r *PGRepository) ActiveWardRoleIDsIn(ctx context.Context, userID, wardID int64, at time.Time) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT wa.role_id FROM ward_assignments wa
		JOIN ward_members wm ON wm.ward_id = wa.ward_id AND wm.member_id = wa.member_id AND wm.is_active
		WHERE wa.member_id = $1 AND wa.ward_id = $3 AND wa.is_active AND (wa.expires_at IS NULL OR wa.expires_at > $2)`,
		userID, at, wardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInt64s(rows)
}

// PermissionCodesForRoles returns active permission codes linked to roles.
func (r *PGRepository) PermissionCodesForRoles(ctx context.Context, roleIDs []int64) ([]string, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT p.code FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id AND p.is_active
		JOIN roles ro ON ro.id = rp.role_id AND ro.is_active
		WHERE rp.role_id = ANY($1)`, roleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

// OverrideCodes returns permission codes from live overrides of the kind.
func (r *PGRepository) OverrideCodes(ctx context.Context, userID int64, kind OverrideKind, at time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT p.code FROM permission_overrides po
		JOIN permissions p ON p.id = po.permission_id
		WHERE po.user_id = $1 AND po.kind = $3 AND po.is_active AND (po.expires_at IS NULL OR po.expires_at > $2)`,
		userID, at, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

// ListRoles returns roles, optionally filtered to one parish plus globals.
func (r *PGRepository) ListRoles(ctx context.Context, parishID *int64) ([]Role, error) {
	query := `
		SELECT id, code, name, scope, priority, is_system, is_ward_role, parish_id, is_active, created_at, updated_at
		FROM roles`
	args := []any{}
	if parishID != nil {
		query += ` WHERE parish_id = $1 OR parish_id IS NULL`
		args = append(args, *parishID)
	}
	query += ` ORDER BY priority DESC, code`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// GetRole fetches a role by id.
func (r *PGRepository) GetRole(ctx context.Context, id int64) (*Role, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, code, name, scope, priority, is_system, is_ward_role, parish_id, is_active, created_at, updated_at
		FROM roles WHERE id = $1`, id)
	role, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &role, nil
}

// ListPermissions returns the full catalog ordered by module and code.
func (r *PGRepository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, code, name, module, action, is_active
		FROM permissions ORDER BY module, code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &p.Module, &p.Action, &p.IsActive); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// GetPermissionByCode fetches a catalog entry by code.
func (r *PGRepository) GetPermissionByCode(ctx context.Context, code string) (*Permission, error) {
	var p Permission
	err := r.pool.QueryRow(ctx, `
		SELECT id, code, name, module, action, is_active
		FROM permissions WHERE code = $1`, code).
		Scan(&p.ID, &p.Code, &p.Name, &p.Module, &p.Action, &p.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListRolePermissionIDs returns the permission ids linked to a role.
func (r *PGRepository) ListRolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT permission_id FROM role_permissions WHERE role_id = $1`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInt64s(rows)
}

// ReplaceRolePermissions applies an attach/detach diff to a role's grant
// edges inside one transaction so a partial update never becomes visible to
// resolution.
func (r *PGRepository) ReplaceRolePermissions(ctx context.Context, roleID int64, attach, detach []int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, permissionID := range attach {
			_, err := tx.Exec(ctx, `
				INSERT INTO role_permissions (role_id, permission_id, created_at)
				VALUES ($1, $2, NOW())`, roleID, permissionID)
			if err != nil {
				if isUniqueViolation(err) {
					return shared.ErrConflict
				}
				return err
			}
		}
		for _, permissionID := range detach {
			_, err := tx.Exec(ctx, `
				DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// HasActiveRoleAssignment reports whether a live (user, role) edge exists.
func (r *PGRepository) HasActiveRoleAssignment(ctx context.Context, userID, roleID int64, at time.Time) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM role_assignments
			WHERE user_id = $1 AND role_id = $3 AND `+liveCond+`
		)`, userID, at, roleID).Scan(&exists)
	return exists, err
}

// CreateRoleAssignment inserts a direct assignment. The partial unique index
// on active (user_id, role_id) is the authoritative uniqueness guard.
func (r *PGRepository) CreateRoleAssignment(ctx context.Context, a RoleAssignment) (*RoleAssignment, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO role_assignments (user_id, role_id, assigned_by, assigned_at, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		RETURNING id, assigned_at`,
		a.UserID, a.RoleID, a.AssignedBy, a.AssignedAt.UTC(), expiryParam(a.ExpiresAt)).
		Scan(&a.ID, &a.AssignedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, shared.ErrConflict
		}
		return nil, err
	}
	a.IsActive = true
	return &a, nil
}

// GetRoleAssignment fetches an assignment by id.
func (r *PGRepository) GetRoleAssignment(ctx context.Context, id int64) (*RoleAssignment, error) {
	var a RoleAssignment
	var expires pgtype.Timestamptz
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, role_id, assigned_by, assigned_at, expires_at, is_active
		FROM role_assignments WHERE id = $1`, id).
		Scan(&a.ID, &a.UserID, &a.RoleID, &a.AssignedBy, &a.AssignedAt, &expires, &a.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	if expires.Valid {
		t := expires.Time
		a.ExpiresAt = &t
	}
	return &a, nil
}

// DeactivateRoleAssignment soft-deactivates an assignment. Deactivating an
// already-inactive assignment is a no-op, not an error.
func (r *PGRepository) DeactivateRoleAssignment(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE role_assignments SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// HasActiveWardAssignment reports whether a live (ward, member, role) edge exists.
func (r *PGRepository) HasActiveWardAssignment(ctx context.Context, wardID, memberID, roleID int64, at time.Time) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ward_assignments
			WHERE ward_id = $1 AND member_id = $3 AND role_id = $4 AND `+liveCond+`
		)`, wardID, at, memberID, roleID).Scan(&exists)
	return exists, err
}

// CreateWardAssignment inserts a ward-scoped assignment.
func (r *PGRepository) CreateWardAssignment(ctx context.Context, a WardAssignment) (*WardAssignment, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO ward_assignments (ward_id, member_id, role_id, is_primary, assigned_by, assigned_at, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
		RETURNING id, assigned_at`,
		a.WardID, a.MemberID, a.RoleID, a.IsPrimary, a.AssignedBy, a.AssignedAt.UTC(), expiryParam(a.ExpiresAt)).
		Scan(&a.ID, &a.AssignedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, shared.ErrConflict
		}
		return nil, err
	}
	a.IsActive = true
	return &a, nil
}

// GetWardAssignment fetches a ward assignment by id.
func (r *PGRepository) GetWardAssignment(ctx context.Context, id int64) (*WardAssignment, error) {
	var a WardAssignment
	var expires pgtype.Timestamptz
	err := r.pool.QueryRow(ctx, `
		SELECT id, ward_id, member_id, role_id, is_primary, assigned_by, assigned_at, expires_at, is_active
		FROM ward_assignments WHERE id = $1`, id).
		Scan(&a.ID, &a.WardID, &a.MemberID, &a.RoleID, &a.IsPrimary, &a.AssignedBy, &a.AssignedAt, &expires, &a.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	if expires.Valid {
		t := expires.Time
		a.ExpiresAt = &t
	}
	return &a, nil
}

// DeactivateWardAssignment soft-deactivates a ward assignment, idempotent on
// an already-inactive one.
func (r *PGRepository) DeactivateWardAssignment(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE ward_assignments SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// HasActiveOverride reports whether a live override of the kind exists.
func (r *PGRepository) HasActiveOverride(ctx context.Context, userID, permissionID int64, kind OverrideKind, at time.Time) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM permission_overrides
			WHERE user_id = $1 AND permission_id = $3 AND kind = $4 AND `+liveCond+`
		)`, userID, at, permissionID, string(kind)).Scan(&exists)
	return exists, err
}

// CreateOverride inserts a direct override.
func (r *PGRepository) CreateOverride(ctx context.Context, o PermissionOverride) (*PermissionOverride, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO permission_overrides (user_id, permission_id, kind, assigned_by, assigned_at, expires_at, reason, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
		RETURNING id, assigned_at`,
		o.UserID, o.PermissionID, string(o.Kind), o.AssignedBy, o.AssignedAt.UTC(), expiryParam(o.ExpiresAt), o.Reason).
		Scan(&o.ID, &o.AssignedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, shared.ErrConflict
		}
		return nil, err
	}
	o.IsActive = true
	return &o, nil
}

// GetOverride fetches an override by id.
func (r *PGRepository) GetOverride(ctx context.Context, id int64) (*PermissionOverride, error) {
	var o PermissionOverride
	var expires pgtype.Timestamptz
	var kind string
	err := r.pool.QueryRow(ctx, `
		SELECT po.id, po.user_id, po.permission_id, p.code, po.kind, po.assigned_by, po.assigned_at, po.expires_at, po.reason, po.is_active
		FROM permission_overrides po
		JOIN permissions p ON p.id = po.permission_id
		WHERE po.id = $1`, id).
		Scan(&o.ID, &o.UserID, &o.PermissionID, &o.Code, &kind, &o.AssignedBy, &o.AssignedAt, &expires, &o.Reason, &o.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	o.Kind = OverrideKind(kind)
	if expires.Valid {
		t := expires.Time
		o.ExpiresAt = &t
	}
	return &o, nil
}

// DeactivateOverride soft-deactivates an override, idempotent on an
// already-inactive one.
func (r *PGRepository) DeactivateOverride(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE permission_overrides SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// SweepExpired deactivates edges whose expiry passed before cutoff. This is
// storage hygiene only; resolution never depends on it because every read
// applies the liveness predicate itself. The three edge tables are swept
// concurrently, rows are independent.
func (r *PGRepository) SweepExpired(ctx context.Context, cutoff time.Time) (SweepResult, error) {
	var result SweepResult
	g, gctx := errgroup.WithContext(ctx)

	sweep := func(table string, counter *int64) func() error {
		return func() error {
			tag, err := r.pool.Exec(gctx, `
				UPDATE `+table+` SET is_active = FALSE, updated_at = NOW()
				WHERE is_active AND expires_at IS NOT NULL AND expires_at < $1`, cutoff)
			if err != nil {
				return err
			}
			*counter = tag.RowsAffected()
			return nil
		}
	}

	g.Go(sweep("role_assignments", &result.RoleAssignments))
	g.Go(sweep("ward_assignments", &result.WardAssignments))
	g.Go(sweep("permission_overrides", &result.Overrides))

	if err := g.Wait(); err != nil {
		return SweepResult{}, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRole(row rowScanner) (Role, error) {
	var role Role
	var scope string
	var parish pgtype.Int8
	if err := row.Scan(&role.ID, &role.Code, &role.Name, &scope, &role.Priority, &role.IsSystem, &role.IsWardRole, &parish, &role.IsActive, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return Role{}, err
	}
	role.Scope = RoleScope(scope)
	if parish.Valid {
		id := parish.Int64
		role.ParishID = &id
	}
	return role, nil
}

func scanInt64s(rows pgx.Rows) ([]int64, error) {
	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanStrings(rows pgx.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
