package token

import (
	"net/http"
	"strconv"
	"strings"

	"log/slog"

	"github.com/parishdesk/parishdesk/internal/shared"
)

// Middleware verifies the bearer credential and attaches the principal with
// its embedded snapshot to the request context. Requests without a
// credential pass through unauthenticated; the authorization gate decides
// whether that is acceptable for a given endpoint.
func Middleware(issuer *Issuer, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := issuer.Verify(r.Context(), raw)
			if err != nil {
				// Invalid credentials are treated the same as absent ones;
				// the gate responds with 401 where authentication matters.
				next.ServeHTTP(w, r)
				return
			}

			userID, err := strconv.ParseInt(claims.Subject, 10, 64)
			if err != nil {
				if logger != nil {
					logger.Warn("token subject not numeric", slog.String("subject", claims.Subject))
				}
				next.ServeHTTP(w, r)
				return
			}

			perms := make(map[string]struct{}, len(claims.Permissions))
			for _, code := range claims.Permissions {
				perms[code] = struct{}{}
			}
			principal := &shared.Principal{
				UserID:      userID,
				ParishID:    claims.ParishID,
				TokenID:     claims.ID,
				Permissions: perms,
			}
			next.ServeHTTP(w, r.WithContext(shared.ContextWithPrincipal(r.Context(), principal)))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
