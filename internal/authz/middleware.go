package authz

import (
	"net/http"
	"time"

	"log/slog"

	"github.com/parishdesk/parishdesk/internal/platform/httpx"
	"github.com/parishdesk/parishdesk/internal/shared"
)

// Middleware is the request-time authorization gate. The fast path checks
// the snapshot embedded in the caller's credential; the strict path ignores
// the snapshot and re-resolves from the stores, closing the staleness window
// on endpoints that can themselves change who holds what. Both checks are
// side-effect free and safe to run more than once per request.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
}

// RequireCapability enforces code against the embedded snapshot (fast path).
func (m Middleware) RequireCapability(code string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := shared.PrincipalFromContext(r.Context())
			if principal == nil {
				httpx.RespondError(w, shared.ErrUnauthenticated)
				return
			}
			if !principal.HasPermission(code) {
				m.deny(r, code)
				httpx.RespondError(w, shared.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireCapabilityStrict enforces code by resolving fresh from the stores,
// ignoring the embedded snapshot. Administrative endpoints that mutate
// roles, permissions or overrides must use this so a credential captured
// just before a revoke cannot be used to re-grant access.
func (m Middleware) RequireCapabilityStrict(code string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := shared.PrincipalFromContext(r.Context())
			if principal == nil {
				httpx.RespondError(w, shared.ErrUnauthenticated)
				return
			}
			allowed, err := m.Service.HasCapability(r.Context(), principal.UserID, code, time.Time{})
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("strict capability check", slog.Any("error", err))
				}
				httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
				return
			}
			if !allowed {
				m.deny(r, code)
				httpx.RespondError(w, shared.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireWardCapability enforces code within the ward named by the request.
// A capability derived solely from a ward role holds only in the ward it was
// assigned in, so this always resolves ward-scoped from the stores.
func (m Middleware) RequireWardCapability(code string, extractWard func(*http.Request) (int64, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := shared.PrincipalFromContext(r.Context())
			if principal == nil {
				httpx.RespondError(w, shared.ErrUnauthenticated)
				return
			}
			wardID, err := extractWard(r)
			if err != nil {
				httpx.Problem(w, http.StatusBadRequest, "Bad Request", "ward id missing or malformed")
				return
			}
			allowed, err := m.Service.HasWardCapability(r.Context(), principal.UserID, wardID, code, time.Time{})
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("ward capability check", slog.Any("error", err))
				}
				httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
				return
			}
			if !allowed {
				m.deny(r, code)
				httpx.RespondError(w, shared.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireSameParish compares the caller's parish against the one named by
// the request, short-circuiting to allow when the caller holds the global
// platform capability.
func (m Middleware) RequireSameParish(extract func(*http.Request) (int64, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := shared.PrincipalFromContext(r.Context())
			if principal == nil {
				httpx.RespondError(w, shared.ErrUnauthenticated)
				return
			}
			if principal.HasPermission(shared.PermPlatformManage) {
				next.ServeHTTP(w, r)
				return
			}
			parishID, err := extract(r)
			if err != nil {
				httpx.Problem(w, http.StatusBadRequest, "Bad Request", "parish id missing or malformed")
				return
			}
			if principal.ParishID != parishID {
				m.deny(r, "parish:"+r.URL.Path)
				httpx.RespondError(w, shared.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// deny logs the denial server-side; response bodies stay generic so callers
// cannot enumerate the privilege model.
func (m Middleware) deny(r *http.Request, code string) {
	if m.Logger == nil {
		return
	}
	m.Logger.Warn("capability denied",
		slog.String("capability", code),
		slog.String("path", r.URL.Path),
	)
}
