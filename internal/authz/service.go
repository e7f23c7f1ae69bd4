package authz

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/parishdesk/parishdesk/internal/members"
	"github.com/parishdesk/parishdesk/internal/shared"
)

// Service orchestrates the administrative mutations of the assignment and
// override stores and exposes resolution to the rest of the application.
// Pre-checks on active pairs exist for friendly errors only; the schema's
// partial unique indexes remain the correctness boundary and constraint
// violations surface as the same shared.ErrConflict.
type Service struct {
	repo      Repository
	directory members.Directory
	resolver  *Resolver
	audit     *shared.AuditLogger
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs a Service. The audit logger may be nil in tests.
func NewService(repo Repository, directory members.Directory, audit *shared.AuditLogger, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		directory: directory,
		resolver:  NewResolver(repo),
		audit:     audit,
		logger:    logger,
		now:       time.Now,
	}
}

// Resolver returns the underlying resolver for read-only consumers.
func (s *Service) Resolver() *Resolver {
	return s.resolver
}

// ResolvePermissions computes the effective permission set of userID at
// instant at (zero means now).
func (s *Service) ResolvePermissions(ctx context.Context, userID int64, at time.Time) (PermissionSet, error) {
	return s.resolver.Resolve(ctx, userID, at)
}

// HasCapability reports whether userID holds code at instant at.
func (s *Service) HasCapability(ctx context.Context, userID int64, code string, at time.Time) (bool, error) {
	return s.resolver.HasCapability(ctx, userID, code, at)
}

// HasWardCapability reports whether userID holds code when acting on wardID.
// Ward-scoped roles held in other wards do not apply.
func (s *Service) HasWardCapability(ctx context.Context, userID, wardID int64, code string, at time.Time) (bool, error) {
	return s.resolver.HasWardCapability(ctx, userID, wardID, code, at)
}

// ListRoles returns roles visible to a parish (its own plus globals), or all
// roles when parishID is nil.
func (s *Service) ListRoles(ctx context.Context, parishID *int64) ([]Role, error) {
	return s.repo.ListRoles(ctx, parishID)
}

// ListPermissions returns the permission catalog.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.repo.ListPermissions(ctx)
}

// SetRolePermissions replaces the grant edges of a role with the given
// permission ids. Grants made durable at the role level carry no expiry and
// persist until explicitly unlinked here.
func (s *Service) SetRolePermissions(ctx context.Context, actorID, roleID int64, permissionIDs []int64) error {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return err
	}

	existing, err := s.repo.ListRolePermissionIDs(ctx, roleID)
	if err != nil {
		return err
	}
	current := make(map[int64]struct{}, len(existing))
	for _, id := range existing {
		current[id] = struct{}{}
	}
	keep := make(map[int64]struct{}, len(permissionIDs))
	var attach []int64
	for _, id := range permissionIDs {
		if _, seen := keep[id]; seen {
			continue
		}
		keep[id] = struct{}{}
		if _, ok := current[id]; !ok {
			attach = append(attach, id)
		}
	}
	var detach []int64
	for _, id := range existing {
		if _, ok := keep[id]; !ok {
			detach = append(detach, id)
		}
	}
	if err := s.repo.ReplaceRolePermissions(ctx, roleID, attach, detach); err != nil {
		return err
	}

	s.recordAudit(ctx, actorID, "role.permissions.set", "role", role.ID, map[string]any{
		"role_code":   role.Code,
		"permissions": permissionIDs,
	})
	return nil
}

// AssignRole creates a direct role assignment for a user.
func (s *Service) AssignRole(ctx context.Context, userID, roleID, assignedBy int64, expiresAt *time.Time) (*RoleAssignment, error) {
	now := s.now()
	if err := validateExpiry(expiresAt, now); err != nil {
		return nil, err
	}

	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if !role.IsActive {
		return nil, shared.ErrNotFound
	}
	if err := s.checkRoleScope(ctx, role, userID); err != nil {
		return nil, err
	}

	exists, err := s.repo.HasActiveRoleAssignment(ctx, userID, roleID, now)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("role %s already assigned: %w", role.Code, shared.ErrConflict)
	}

	assignment, err := s.repo.CreateRoleAssignment(ctx, RoleAssignment{
		UserID:     userID,
		RoleID:     roleID,
		AssignedBy: assignedBy,
		AssignedAt: now,
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, assignedBy, "role.assign", "role_assignment", assignment.ID, map[string]any{
		"user_id":   userID,
		"role_code": role.Code,
	})
	return assignment, nil
}

// RevokeRoleAssignment soft-deactivates an assignment. Revoking an
// already-inactive assignment is a no-op so the unique-pair slot is freed
// exactly once.
func (s *Service) RevokeRoleAssignment(ctx context.Context, actorID, assignmentID int64) error {
	assignment, err := s.repo.GetRoleAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	if !assignment.IsActive {
		return nil
	}
	if err := s.repo.DeactivateRoleAssignment(ctx, assignmentID); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "role.revoke", "role_assignment", assignmentID, map[string]any{
		"user_id": assignment.UserID,
		"role_id": assignment.RoleID,
	})
	return nil
}

// AssignWardRole binds a member to a ward role within one ward.
func (s *Service) AssignWardRole(ctx context.Context, wardID, memberID, roleID, assignedBy int64, isPrimary bool, expiresAt *time.Time) (*WardAssignment, error) {
	now := s.now()
	if err := validateExpiry(expiresAt, now); err != nil {
		return nil, err
	}

	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if !role.IsActive {
		return nil, shared.ErrNotFound
	}
	if !role.IsWardRole {
		return nil, fmt.Errorf("role %s is not a ward role: %w", role.Code, shared.ErrScopeMismatch)
	}

	ward, err := s.directory.GetWard(ctx, wardID)
	if err != nil {
		return nil, err
	}
	if role.ParishID != nil && *role.ParishID != ward.ParishID {
		return nil, fmt.Errorf("role %s belongs to another parish: %w", role.Code, shared.ErrScopeMismatch)
	}

	isMember, err := s.directory.IsWardMember(ctx, wardID, memberID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, fmt.Errorf("member is not part of ward %s: %w", ward.Code, shared.ErrScopeMismatch)
	}

	exists, err := s.repo.HasActiveWardAssignment(ctx, wardID, memberID, roleID, now)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("role %s already assigned in ward %s: %w", role.Code, ward.Code, shared.ErrConflict)
	}

	assignment, err := s.repo.CreateWardAssignment(ctx, WardAssignment{
		WardID:     wardID,
		MemberID:   memberID,
		RoleID:     roleID,
		IsPrimary:  isPrimary,
		AssignedBy: assignedBy,
		AssignedAt: now,
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, assignedBy, "ward_role.assign", "ward_assignment", assignment.ID, map[string]any{
		"ward_id":   wardID,
		"member_id": memberID,
		"role_code": role.Code,
	})
	return assignment, nil
}

// RemoveWardAssignment soft-deactivates a ward assignment, idempotent on an
// already-inactive one.
func (s *Service) RemoveWardAssignment(ctx context.Context, actorID, assignmentID int64) error {
	assignment, err := s.repo.GetWardAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	if !assignment.IsActive {
		return nil
	}
	if err := s.repo.DeactivateWardAssignment(ctx, assignmentID); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "ward_role.remove", "ward_assignment", assignmentID, map[string]any{
		"ward_id":   assignment.WardID,
		"member_id": assignment.MemberID,
		"role_id":   assignment.RoleID,
	})
	return nil
}

// GrantPermission creates a direct GRANT override for a user.
func (s *Service) GrantPermission(ctx context.Context, userID int64, permissionCode string, assignedBy int64, reason string, expiresAt *time.Time) (*PermissionOverride, error) {
	return s.createOverride(ctx, userID, permissionCode, OverrideGrant, assignedBy, reason, expiresAt)
}

// RevokePermission creates a direct REVOKE override for a user. An active
// revoke removes the permission from the effective set no matter how many
// roles or grants confer it.
func (s *Service) RevokePermission(ctx context.Context, userID int64, permissionCode string, assignedBy int64, reason string, expiresAt *time.Time) (*PermissionOverride, error) {
	return s.createOverride(ctx, userID, permissionCode, OverrideRevoke, assignedBy, reason, expiresAt)
}

func (s *Service) createOverride(ctx context.Context, userID int64, permissionCode string, kind OverrideKind, assignedBy int64, reason string, expiresAt *time.Time) (*PermissionOverride, error) {
	now := s.now()
	if err := validateExpiry(expiresAt, now); err != nil {
		return nil, err
	}

	perm, err := s.repo.GetPermissionByCode(ctx, permissionCode)
	if err != nil {
		return nil, err
	}
	if !perm.IsActive {
		return nil, shared.ErrNotFound
	}

	exists, err := s.repo.HasActiveOverride(ctx, userID, perm.ID, kind, now)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("active %s override for %s exists: %w", kind, perm.Code, shared.ErrConflict)
	}

	override, err := s.repo.CreateOverride(ctx, PermissionOverride{
		UserID:       userID,
		PermissionID: perm.ID,
		Code:         perm.Code,
		Kind:         kind,
		AssignedBy:   assignedBy,
		AssignedAt:   now,
		ExpiresAt:    expiresAt,
		Reason:       reason,
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, assignedBy, "override."+string(kind), "permission_override", override.ID, map[string]any{
		"user_id":    userID,
		"permission": perm.Code,
		"reason":     reason,
	})
	return override, nil
}

// RemoveOverride soft-deactivates an override, idempotent on an
// already-inactive one.
func (s *Service) RemoveOverride(ctx context.Context, actorID, overrideID int64) error {
	override, err := s.repo.GetOverride(ctx, overrideID)
	if err != nil {
		return err
	}
	if !override.IsActive {
		return nil
	}
	if err := s.repo.DeactivateOverride(ctx, overrideID); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "override.remove", "permission_override", overrideID, map[string]any{
		"user_id":    override.UserID,
		"permission": override.Code,
		"kind":       string(override.Kind),
	})
	return nil
}

// SweepExpired deactivates edges whose expiry passed before now minus
// retention. Storage hygiene only.
func (s *Service) SweepExpired(ctx context.Context, retention time.Duration) (SweepResult, error) {
	return s.repo.SweepExpired(ctx, s.now().Add(-retention))
}

func (s *Service) checkRoleScope(ctx context.Context, role *Role, userID int64) error {
	if role.Scope == ScopeGlobal {
		return nil
	}
	if role.ParishID == nil {
		return fmt.Errorf("role %s has no parish: %w", role.Code, shared.ErrScopeMismatch)
	}
	parishID, err := s.directory.ParishOf(ctx, userID)
	if err != nil {
		return err
	}
	if parishID != *role.ParishID {
		return fmt.Errorf("role %s belongs to another parish: %w", role.Code, shared.ErrScopeMismatch)
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action, entity string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(entityID, 10),
		Meta:     meta,
	})
	if err != nil && s.logger != nil {
		s.logger.Warn("record audit", slog.String("action", action), slog.Any("error", err))
	}
}

func validateExpiry(expiresAt *time.Time, now time.Time) error {
	if expiresAt == nil {
		return nil
	}
	if !expiresAt.After(now) {
		return fmt.Errorf("expires_at %s is not in the future: %w", expiresAt.Format(time.RFC3339), shared.ErrExpired)
	}
	return nil
}
