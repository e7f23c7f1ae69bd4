package authz

import (
	"context"
	"time"
)

// ResolverStore is the read surface the resolver composes. Every query
// applies the liveness predicate at the supplied instant, so expiry is a
// read-time property and never depends on a background sweep.
type ResolverStore interface {
	// ActiveRoleIDs returns role ids from live direct assignments.
	ActiveRoleIDs(ctx context.Context, userID int64, at time.Time) ([]int64, error)
	// ActiveWardRoleIDs returns role ids from live ward assignments across
	// every ward the principal belongs to.
	ActiveWardRoleIDs(ctx context.Context, userID int64, at time.Time) ([]int64, error)
	// ActiveWardRoleIDsIn returns role ids from live ward assignments within
	// one ward only.
	ActiveWardRoleIDsIn(ctx context.Context, userID, wardID int64, at time.Time) ([]int64, error)
	// PermissionCodesForRoles returns active permission codes linked to any
	// of the given roles.
	PermissionCodesForRoles(ctx context.Context, roleIDs []int64) ([]string, error)
	// OverrideCodes returns active permission codes from live overrides of
	// the given kind.
	OverrideCodes(ctx context.Context, userID int64, kind OverrideKind, at time.Time) ([]string, error)
}

// Resolver computes the effective permission set of a principal at an
// instant. It performs no mutation and holds no state beyond the store
// handle, so it is safe under unbounded read concurrency.
type Resolver struct {
	store ResolverStore
}

// NewResolver constructs a Resolver.
func NewResolver(store ResolverStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the effective permission set of userID at instant at. A
// zero instant means now. The composition is pure set algebra:
//
//	effective = (roles ∪ grants) \ revokes
//
// so the result does not depend on the order the stores are queried. An
// active revoke always removes a permission no matter how many roles or
// grants confer it; there is no special case for any super role, which means
// a newly seeded permission is held by no one until it is linked explicitly.
func (r *Resolver) Resolve(ctx context.Context, userID int64, at time.Time) (PermissionSet, error) {
	return r.resolve(ctx, userID, nil, at)
}

// ResolveForWard computes the effective set when the principal acts on one
// specific ward: roles held through assignments in other wards do not carry
// over, while direct assignments and overrides apply as usual.
func (r *Resolver) ResolveForWard(ctx context.Context, userID, wardID int64, at time.Time) (PermissionSet, error) {
	return r.resolve(ctx, userID, &wardID, at)
}

func (r *Resolver) resolve(ctx context.Context, userID int64, wardID *int64, at time.Time) (PermissionSet, error) {
	if at.IsZero() {
		at = time.Now()
	}

	directRoles, err := r.store.ActiveRoleIDs(ctx, userID, at)
	if err != nil {
		return nil, err
	}
	var wardRoles []int64
	if wardID != nil {
		wardRoles, err = r.store.ActiveWardRoleIDsIn(ctx, userID, *wardID, at)
	} else {
		wardRoles, err = r.store.ActiveWardRoleIDs(ctx, userID, at)
	}
	if err != nil {
		return nil, err
	}

	roleIDs := mergeRoleIDs(directRoles, wardRoles)
	var fromRoles PermissionSet
	if len(roleIDs) > 0 {
		codes, err := r.store.PermissionCodesForRoles(ctx, roleIDs)
		if err != nil {
			return nil, err
		}
		fromRoles = NewPermissionSet(codes...)
	} else {
		fromRoles = NewPermissionSet()
	}

	grantCodes, err := r.store.OverrideCodes(ctx, userID, OverrideGrant, at)
	if err != nil {
		return nil, err
	}
	revokeCodes, err := r.store.OverrideCodes(ctx, userID, OverrideRevoke, at)
	if err != nil {
		return nil, err
	}

	grants := NewPermissionSet(grantCodes...)
	revokes := NewPermissionSet(revokeCodes...)
	return fromRoles.Union(grants).Difference(revokes), nil
}

// HasCapability reports whether userID holds code at instant at.
func (r *Resolver) HasCapability(ctx context.Context, userID int64, code string, at time.Time) (bool, error) {
	set, err := r.Resolve(ctx, userID, at)
	if err != nil {
		return false, err
	}
	return set.Has(code), nil
}

// HasWardCapability reports whether userID holds code when acting on wardID.
func (r *Resolver) HasWardCapability(ctx context.Context, userID, wardID int64, code string, at time.Time) (bool, error) {
	set, err := r.ResolveForWard(ctx, userID, wardID, at)
	if err != nil {
		return false, err
	}
	return set.Has(code), nil
}

func mergeRoleIDs(a, b []int64) []int64 {
	seen := make(map[int64]struct{}, len(a)+len(b))
	merged := make([]int64, 0, len(a)+len(b))
	for _, ids := range [][]int64{a, b} {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			merged = append(merged, id)
		}
	}
	return merged
}
