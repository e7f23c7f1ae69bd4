package authz

import (
	"net/http"
	"strconv"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/parishdesk/parishdesk/internal/platform/httpx"
	"github.com/parishdesk/parishdesk/internal/shared"
)

// Handler wires the administrative and introspection endpoints of the
// authorization engine. Every mutating route sits behind the strict gate so
// a stale embedded snapshot can never drive a role or override change.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	gate      Middleware
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, gate Middleware) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		gate:      gate,
		validator: validator.New(),
	}
}

// MountAdminRoutes registers the administrative surface.
func (h *Handler) MountAdminRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequireCapability(shared.PermRolesView))
		r.Get("/roles", h.listRoles)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequireCapability(shared.PermPermissionsView))
		r.Get("/permissions", h.listPermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequireCapabilityStrict(shared.PermRolesManage))
		r.Put("/roles/{roleID}/permissions", h.setRolePermissions)
		r.Post("/users/{userID}/roles", h.assignRole)
		r.Delete("/role-assignments/{assignmentID}", h.revokeRoleAssignment)
		r.Post("/wards/{wardID}/members/{memberID}/roles", h.assignWardRole)
		r.Delete("/ward-assignments/{assignmentID}", h.removeWardAssignment)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequireCapabilityStrict(shared.PermPermissionsManage))
		r.Post("/users/{userID}/overrides", h.createOverride)
		r.Delete("/overrides/{overrideID}", h.removeOverride)
	})
}

// MountMeRoutes registers self-introspection endpoints.
func (h *Handler) MountMeRoutes(r chi.Router) {
	r.Get("/permissions", h.myPermissions)
}

type roleResponse struct {
	ID         int64  `json:"id"`
	Code       string `json:"code"`
	Name       string `json:"name"`
	Scope      string `json:"scope"`
	Priority   int    `json:"priority"`
	IsSystem   bool   `json:"is_system"`
	IsWardRole bool   `json:"is_ward_role"`
	ParishID   *int64 `json:"parish_id,omitempty"`
	IsActive   bool   `json:"is_active"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	var parishID *int64
	if principal != nil && !principal.HasPermission(shared.PermPlatformManage) {
		parishID = &principal.ParishID
	}
	roles, err := h.service.ListRoles(r.Context(), parishID)
	if err != nil {
		h.logger.Error("list roles", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, roleResponse{
			ID:         role.ID,
			Code:       role.Code,
			Name:       role.Name,
			Scope:      string(role.Scope),
			Priority:   role.Priority,
			IsSystem:   role.IsSystem,
			IsWardRole: role.IsWardRole,
			ParishID:   role.ParishID,
			IsActive:   role.IsActive,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": out})
}

type permissionResponse struct {
	ID       int64  `json:"id"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	Module   string `json:"module"`
	Action   string `json:"action"`
	IsActive bool   `json:"is_active"`
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.logger.Error("list permissions", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]permissionResponse, 0, len(perms))
	for _, p := range perms {
		out = append(out, permissionResponse{
			ID:       p.ID,
			Code:     p.Code,
			Name:     p.Name,
			Module:   p.Module,
			Action:   p.Action,
			IsActive: p.IsActive,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": out})
}

type setRolePermissionsRequest struct {
	PermissionIDs []int64 `json:"permission_ids" validate:"required"`
}

func (h *Handler) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, err := pathID(r, "roleID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "role id malformed")
		return
	}
	var req setRolePermissionsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid json body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actor := shared.PrincipalFromContext(r.Context())
	if err := h.service.SetRolePermissions(r.Context(), actor.UserID, roleID, req.PermissionIDs); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"role_id": roleID, "permission_ids": req.PermissionIDs})
}

type assignRoleRequest struct {
	RoleID    int64      `json:"role_id" validate:"required"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type assignmentResponse struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	RoleID    int64      `json:"role_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	IsActive  bool       `json:"is_active"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "user id malformed")
		return
	}
	var req assignRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid json body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actor := shared.PrincipalFromContext(r.Context())
	assignment, err := h.service.AssignRole(r.Context(), userID, req.RoleID, actor.UserID, req.ExpiresAt)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, assignmentResponse{
		ID:        assignment.ID,
		UserID:    assignment.UserID,
		RoleID:    assignment.RoleID,
		ExpiresAt: assignment.ExpiresAt,
		IsActive:  assignment.IsActive,
	})
}

func (h *Handler) revokeRoleAssignment(w http.ResponseWriter, r *http.Request) {
	assignmentID, err := pathID(r, "assignmentID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "assignment id malformed")
		return
	}
	actor := shared.PrincipalFromContext(r.Context())
	if err := h.service.RevokeRoleAssignment(r.Context(), actor.UserID, assignmentID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"revoked": assignmentID})
}

type assignWardRoleRequest struct {
	RoleID    int64      `json:"role_id" validate:"required"`
	IsPrimary bool       `json:"is_primary"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type wardAssignmentResponse struct {
	ID        int64      `json:"id"`
	WardID    int64      `json:"ward_id"`
	MemberID  int64      `json:"member_id"`
	RoleID    int64      `json:"role_id"`
	IsPrimary bool       `json:"is_primary"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	IsActive  bool       `json:"is_active"`
}

func (h *Handler) assignWardRole(w http.ResponseWriter, r *http.Request) {
	wardID, err := pathID(r, "wardID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "ward id malformed")
		return
	}
	memberID, err := pathID(r, "memberID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "member id malformed")
		return
	}
	var req assignWardRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid json body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actor := shared.PrincipalFromContext(r.Context())
	assignment, err := h.service.AssignWardRole(r.Context(), wardID, memberID, req.RoleID, actor.UserID, req.IsPrimary, req.ExpiresAt)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, wardAssignmentResponse{
		ID:        assignment.ID,
		WardID:    assignment.WardID,
		MemberID:  assignment.MemberID,
		RoleID:    assignment.RoleID,
		IsPrimary: assignment.IsPrimary,
		ExpiresAt: assignment.ExpiresAt,
		IsActive:  assignment.IsActive,
	})
}

func (h *Handler) removeWardAssignment(w http.ResponseWriter, r *http.Request) {
	assignmentID, err := pathID(r, "assignmentID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "assignment id malformed")
		return
	}
	actor := shared.PrincipalFromContext(r.Context())
	if err := h.service.RemoveWardAssignment(r.Context(), actor.UserID, assignmentID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"removed": assignmentID})
}

type overrideRequest struct {
	PermissionCode string     `json:"permission_code" validate:"required"`
	Kind           string     `json:"kind" validate:"required,oneof=GRANT REVOKE"`
	Reason         string     `json:"reason" validate:"required"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

type overrideResponse struct {
	ID             int64      `json:"id"`
	UserID         int64      `json:"user_id"`
	PermissionCode string     `json:"permission_code"`
	Kind           string     `json:"kind"`
	Reason         string     `json:"reason"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	IsActive       bool       `json:"is_active"`
}

func (h *Handler) createOverride(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "user id malformed")
		return
	}
	var req overrideRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid json body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actor := shared.PrincipalFromContext(r.Context())

	var override *PermissionOverride
	if OverrideKind(req.Kind) == OverrideGrant {
		override, err = h.service.GrantPermission(r.Context(), userID, req.PermissionCode, actor.UserID, req.Reason, req.ExpiresAt)
	} else {
		override, err = h.service.RevokePermission(r.Context(), userID, req.PermissionCode, actor.UserID, req.Reason, req.ExpiresAt)
	}
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, overrideResponse{
		ID:             override.ID,
		UserID:         override.UserID,
		PermissionCode: override.Code,
		Kind:           string(override.Kind),
		Reason:         override.Reason,
		ExpiresAt:      override.ExpiresAt,
		IsActive:       override.IsActive,
	})
}

func (h *Handler) removeOverride(w http.ResponseWriter, r *http.Request) {
	overrideID, err := pathID(r, "overrideID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "override id malformed")
		return
	}
	actor := shared.PrincipalFromContext(r.Context())
	if err := h.service.RemoveOverride(r.Context(), actor.UserID, overrideID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"removed": overrideID})
}

// myPermissions resolves fresh rather than echoing the embedded snapshot so
// the caller always sees their current effective set.
func (h *Handler) myPermissions(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, shared.ErrUnauthenticated)
		return
	}
	set, err := h.service.ResolvePermissions(r.Context(), principal.UserID, time.Time{})
	if err != nil {
		h.logger.Error("resolve own permissions", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"user_id":     principal.UserID,
		"parish_id":   principal.ParishID,
		"permissions": set.Codes(),
	})
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}
