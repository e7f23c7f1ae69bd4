package shared

import "context"

// Principal describes the authenticated caller attached to a request after
// credential verification. Permissions holds the snapshot embedded in the
// credential at issuance time; administrative endpoints must not trust it and
// re-resolve instead.
type Principal struct {
	UserID      int64
	ParishID    int64
	TokenID     string
	Permissions map[string]struct{}
}

// HasPermission reports whether the embedded snapshot contains code.
func (p *Principal) HasPermission(code string) bool {
	if p == nil {
		return false
	}
	_, ok := p.Permissions[code]
	return ok
}

type principalContextKey struct{}

// ContextWithPrincipal stores the verified principal in context.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the principal from context, nil when the
// request carried no valid credential.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey{}).(*Principal)
	return p
}
