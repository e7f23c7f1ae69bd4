package httpx

import (
	"errors"
	"net/http"

	"github.com/parishdesk/parishdesk/internal/shared"
)

// RespondError maps domain errors to HTTP responses. Unauthenticated and
// forbidden outcomes are rendered generically so callers cannot enumerate
// which capability was missing; the administrative error kinds are
// descriptive since they occur only on already-authenticated paths.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrUnauthenticated):
		Problem(w, http.StatusUnauthorized, "Unauthorized", "")
	case errors.Is(err, shared.ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", "")
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, shared.ErrScopeMismatch):
		Problem(w, http.StatusUnprocessableEntity, "Scope Mismatch", err.Error())
	case errors.Is(err, shared.ErrExpired):
		Problem(w, http.StatusUnprocessableEntity, "Expired", err.Error())
	case errors.Is(err, shared.ErrInvalidCredentials):
		Problem(w, http.StatusUnauthorized, "Invalid Credentials", "")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
