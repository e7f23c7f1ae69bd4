package auth

import (
	"net/http"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/parishdesk/parishdesk/internal/authz"
	"github.com/parishdesk/parishdesk/internal/platform/httpx"
	"github.com/parishdesk/parishdesk/internal/shared"
	"github.com/parishdesk/parishdesk/internal/token"
)

// Handler wires HTTP endpoints for authentication flows. Login resolves the
// caller's effective permission set once and embeds it in the issued
// credential; refresh re-resolves, which is also the recovery path when an
// administrative change made an outstanding snapshot stale.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	authz     *authz.Service
	issuer    *token.Issuer
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, authzService *authz.Service, issuer *token.Issuer) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		authz:     authzService,
		issuer:    issuer,
		validator: validator.New(),
	}
}

// MountRoutes registers auth routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
	r.Post("/refresh", h.handleRefresh)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type tokenResponse struct {
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
	UserID      int64     `json:"user_id"`
	ParishID    int64     `json:"parish_id"`
	Permissions []string  `json:"permissions"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid json body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "email and password are required")
		return
	}

	user, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		httpx.RespondError(w, shared.ErrInvalidCredentials)
		return
	}

	h.issueFor(w, r, user)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, shared.ErrUnauthenticated)
		return
	}
	if err := h.issuer.Revoke(r.Context(), principal.TokenID); err != nil {
		h.logger.Error("revoke token", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"revoked": true})
}

// handleRefresh revokes the presented credential and issues a fresh one with
// a newly resolved snapshot.
func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, shared.ErrUnauthenticated)
		return
	}
	user, err := h.service.Lookup(r.Context(), principal.UserID)
	if err != nil {
		httpx.RespondError(w, shared.ErrUnauthenticated)
		return
	}
	if err := h.issuer.Revoke(r.Context(), principal.TokenID); err != nil {
		h.logger.Error("revoke token on refresh", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}

	h.issueFor(w, r, user)
}

func (h *Handler) issueFor(w http.ResponseWriter, r *http.Request, user *User) {
	set, err := h.authz.ResolvePermissions(r.Context(), user.ID, time.Time{})
	if err != nil {
		h.logger.Error("resolve permissions at issuance", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}

	signed, claims, err := h.issuer.Issue(user.ID, user.ParishID, set.Codes())
	if err != nil {
		h.logger.Error("issue credential", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}

	httpx.JSON(w, http.StatusOK, tokenResponse{
		Token:       signed,
		ExpiresAt:   claims.ExpiresAt.Time,
		UserID:      user.ID,
		ParishID:    user.ParishID,
		Permissions: claims.Permissions,
	})
}
