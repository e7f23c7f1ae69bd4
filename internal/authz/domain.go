package authz

import (
	"sort"
	"time"
)

// RoleScope describes where a role applies.
type RoleScope string

const (
	// ScopeGlobal roles apply platform-wide and carry no parish.
	ScopeGlobal RoleScope = "GLOBAL"
	// ScopeParish roles apply within one parish.
	ScopeParish RoleScope = "PARISH"
	// ScopeWard roles apply within one ward of a parish.
	ScopeWard RoleScope = "WARD"
)

// OverrideKind distinguishes direct grants from direct revokes.
type OverrideKind string

const (
	// OverrideGrant adds a permission directly to a principal.
	OverrideGrant OverrideKind = "GRANT"
	// OverrideRevoke removes a permission from a principal regardless of how
	// many roles or grants would otherwise confer it.
	OverrideRevoke OverrideKind = "REVOKE"
)

// Permission is an immutable catalog entry: one named right to perform one
// action on one module.
type Permission struct {
	ID       int64
	Code     string
	Name     string
	Module   string
	Action   string
	IsActive bool
}

// Role is a named bundle of permissions. Priority is a display/tie-break
// attribute only and plays no part in resolution.
type Role struct {
	ID         int64
	Code       string
	Name       string
	Scope      RoleScope
	Priority   int
	IsSystem   bool
	IsWardRole bool
	ParishID   *int64
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RoleAssignment is a direct user-to-role edge.
type RoleAssignment struct {
	ID         int64
	UserID     int64
	RoleID     int64
	AssignedBy int64
	AssignedAt time.Time
	ExpiresAt  *time.Time
	IsActive   bool
}

// WardAssignment binds a member to a role within one ward. It is a sibling
// edge type to RoleAssignment, merged with it only at the role-set step of
// resolution. IsPrimary is a display attribute, not a resolution input.
type WardAssignment struct {
	ID         int64
	WardID     int64
	MemberID   int64
	RoleID     int64
	IsPrimary  bool
	AssignedBy int64
	AssignedAt time.Time
	ExpiresAt  *time.Time
	IsActive   bool
}

// PermissionOverride is a per-principal grant or revoke bypassing role
// bundling, independently time-bounded.
type PermissionOverride struct {
	ID           int64
	UserID       int64
	PermissionID int64
	Code         string
	Kind         OverrideKind
	AssignedBy   int64
	AssignedAt   time.Time
	ExpiresAt    *time.Time
	Reason       string
	IsActive     bool
}

// Live reports whether a time-bounded edge contributes at instant at. An
// edge whose expiry equals the evaluation instant is already expired.
func Live(isActive bool, expiresAt *time.Time, at time.Time) bool {
	if !isActive {
		return false
	}
	return expiresAt == nil || expiresAt.After(at)
}

// PermissionSet is the effective capability set of a principal at an instant.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from codes.
func NewPermissionSet(codes ...string) PermissionSet {
	set := make(PermissionSet, len(codes))
	for _, code := range codes {
		set[code] = struct{}{}
	}
	return set
}

// Has reports whether code is in the set.
func (s PermissionSet) Has(code string) bool {
	_, ok := s[code]
	return ok
}

// Union returns a new set with members of both sets.
func (s PermissionSet) Union(other PermissionSet) PermissionSet {
	merged := make(PermissionSet, len(s)+len(other))
	for code := range s {
		merged[code] = struct{}{}
	}
	for code := range other {
		merged[code] = struct{}{}
	}
	return merged
}

// Difference returns a new set with members of s absent from other.
func (s PermissionSet) Difference(other PermissionSet) PermissionSet {
	remaining := make(PermissionSet, len(s))
	for code := range s {
		if _, ok := other[code]; !ok {
			remaining[code] = struct{}{}
		}
	}
	return remaining
}

// Codes returns the sorted member codes.
func (s PermissionSet) Codes() []string {
	codes := make([]string, 0, len(s))
	for code := range s {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
