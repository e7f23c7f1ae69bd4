package auth_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/parishdesk/parishdesk/internal/auth"
	"github.com/parishdesk/parishdesk/internal/authz"
	"github.com/parishdesk/parishdesk/internal/members"
	"github.com/parishdesk/parishdesk/internal/shared"
	"github.com/parishdesk/parishdesk/internal/token"
)

type stubUserRepo struct {
	user       *auth.User
	lastLogin  time.Time
	touchCalls int
}

func (s *stubUserRepo) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	if s.user == nil || s.user.Email != email {
		return nil, shared.ErrNotFound
	}
	return s.user, nil
}

func (s *stubUserRepo) FindByID(_ context.Context, id int64) (*auth.User, error) {
	if s.user == nil || s.user.ID != id {
		return nil, shared.ErrNotFound
	}
	return s.user, nil
}

func (s *stubUserRepo) TouchLastLogin(_ context.Context, _ int64, at time.Time) error {
	s.touchCalls++
	s.lastLogin = at
	return nil
}

// stubAuthzStore backs the resolver with a fixed grant list; everything else
// on the repository surface is unused by the auth flows.
type stubAuthzStore struct {
	grants []string
}

func (s *stubAuthzStore) ActiveRoleIDs(context.Context, int64, time.Time) ([]int64, error) {
	return nil, nil
}
func (s *stubAuthzStore) ActiveWardRoleIDs(context.Context, int64, time.Time) ([]int64, error) {
	return nil, nil
}
func (s *stubAuthzStore) ActiveWardRoleIDsIn(context.Context, int64, int64, time.Time) ([]int64, error) {
	return nil, nil
}
func (s *stubAuthzStore) PermissionCodesForRoles(context.Context, []int64) ([]string, error) {
	return nil, nil
}
func (s *stubAuthzStore) OverrideCodes(_ context.Context, _ int64, kind authz.OverrideKind, _ time.Time) ([]string, error) {
	if kind == authz.OverrideGrant {
		return s.grants, nil
	}
	return nil, nil
}
func (s *stubAuthzStore) ListRoles(context.Context, *int64) ([]authz.Role, error) { return nil, nil }
func (s *stubAuthzStore) GetRole(context.Context, int64) (*authz.Role, error) {
	return nil, shared.ErrNotFound
}
func (s *stubAuthzStore) ListPermissions(context.Context) ([]authz.Permission, error) {
	return nil, nil
}
func (s *stubAuthzStore) GetPermissionByCode(context.Context, string) (*authz.Permission, error) {
	return nil, shared.ErrNotFound
}
func (s *stubAuthzStore) ListRolePermissionIDs(context.Context, int64) ([]int64, error) {
	return nil, nil
}
func (s *stubAuthzStore) ReplaceRolePermissions(context.Context, int64, []int64, []int64) error {
	return nil
}
func (s *stubAuthzStore) HasActiveRoleAssignment(context.Context, int64, int64, time.Time) (bool, error) {
	return false, nil
}
func (s *stubAuthzStore) CreateRoleAssignment(context.Context, authz.RoleAssignment) (*authz.RoleAssignment, error) {
	return nil, shared.ErrConflict
}
func (s *stubAuthzStore) GetRoleAssignment(context.Context, int64) (*authz.RoleAssignment, error) {
	return nil, shared.ErrNotFound
}
func (s *stubAuthzStore) DeactivateRoleAssignment(context.Context, int64) error {
	return shared.ErrNotFound
}
func (s *stubAuthzStore) HasActiveWardAssignment(context.Context, int64, int64, int64, time.Time) (bool, error) {
	return false, nil
}
func (s *stubAuthzStore) CreateWardAssignment(context.Context, authz.WardAssignment) (*authz.WardAssignment, error) {
	return nil, shared.ErrConflict
}
func (s *stubAuthzStore) GetWardAssignment(context.Context, int64) (*authz.WardAssignment, error) {
	return nil, shared.ErrNotFound
}
func (s *stubAuthzStore) DeactivateWardAssignment(context.Context, int64) error {
	return shared.ErrNotFound
}
func (s *stubAuthzStore) HasActiveOverride(context.Context, int64, int64, authz.OverrideKind, time.Time) (bool, error) {
	return false, nil
}
func (s *stubAuthzStore) CreateOverride(context.Context, authz.PermissionOverride) (*authz.PermissionOverride, error) {
	return nil, shared.ErrConflict
}
func (s *stubAuthzStore) GetOverride(context.Context, int64) (*authz.PermissionOverride, error) {
	return nil, shared.ErrNotFound
}
func (s *stubAuthzStore) DeactivateOverride(context.Context, int64) error { return shared.ErrNotFound }
func (s *stubAuthzStore) SweepExpired(context.Context, time.Time) (authz.SweepResult, error) {
	return authz.SweepResult{}, nil
}

type stubDirectory struct{}

func (stubDirectory) ParishOf(context.Context, int64) (int64, error) { return 0, shared.ErrNotFound }
func (stubDirectory) IsWardMember(context.Context, int64, int64) (bool, error) {
	return false, nil
}
func (stubDirectory) WardsOf(context.Context, int64) ([]int64, error) { return nil, nil }
func (stubDirectory) GetWard(context.Context, int64) (*members.Ward, error) {
	return nil, shared.ErrNotFound
}

type authFixture struct {
	router chi.Router
	issuer *token.Issuer
	repo   *stubUserRepo
}

func newAuthFixture(t *testing.T, grants []string) *authFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	require.NoError(t, err)
	repo := &stubUserRepo{user: &auth.User{
		ID:           10,
		Email:        "warden@stmary.example",
		PasswordHash: string(hash),
		FullName:     "Parish Warden",
		ParishID:     1,
		IsActive:     true,
	}}

	issuer := token.NewIssuer("test-secret", 15*time.Minute, client)
	authzService := authz.NewService(&stubAuthzStore{grants: grants}, stubDirectory{}, nil, logger)
	handler := auth.NewHandler(logger, auth.NewService(repo), authzService, issuer)

	router := chi.NewRouter()
	router.Use(token.Middleware(issuer, logger))
	router.Route("/api/auth", handler.MountRoutes)

	return &authFixture{router: router, issuer: issuer, repo: repo}
}

func (f *authFixture) do(t *testing.T, method, path, body, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *authFixture) login(t *testing.T) tokenPayload {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/auth/login",
		`{"email":"warden@stmary.example","password":"correct-horse"}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var payload tokenPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload
}

type tokenPayload struct {
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
	UserID      int64     `json:"user_id"`
	ParishID    int64     `json:"parish_id"`
	Permissions []string  `json:"permissions"`
}

func TestLoginIssuesSnapshotCredential(t *testing.T) {
	f := newAuthFixture(t, []string{"members.view", "events.view"})

	payload := f.login(t)
	assert.NotEmpty(t, payload.Token)
	assert.Equal(t, int64(10), payload.UserID)
	assert.Equal(t, int64(1), payload.ParishID)
	assert.Equal(t, []string{"events.view", "members.view"}, payload.Permissions)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), payload.ExpiresAt, 5*time.Second)
	assert.Equal(t, 1, f.repo.touchCalls)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	f := newAuthFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/auth/login",
		`{"email":"warden@stmary.example","password":"wrong-password"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/auth/login",
		`{"email":"nobody@stmary.example","password":"correct-horse"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// An inactive account fails identically.
	f.repo.user.IsActive = false
	rec = f.do(t, http.MethodPost, "/api/auth/login",
		`{"email":"warden@stmary.example","password":"correct-horse"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginValidatesBody(t *testing.T) {
	f := newAuthFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/auth/login", `{"email":"not-an-email","password":"x"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/auth/login", `{broken`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogoutRevokesCredential(t *testing.T) {
	f := newAuthFixture(t, []string{"members.view"})
	payload := f.login(t)

	rec := f.do(t, http.MethodPost, "/api/auth/logout", "", payload.Token)
	assert.Equal(t, http.StatusOK, rec.Code)

	// The revoked credential is now indistinguishable from an absent one.
	rec = f.do(t, http.MethodPost, "/api/auth/logout", "", payload.Token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutWithoutCredential(t *testing.T) {
	f := newAuthFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/auth/logout", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshRotatesCredential(t *testing.T) {
	f := newAuthFixture(t, []string{"members.view"})
	payload := f.login(t)

	rec := f.do(t, http.MethodPost, "/api/auth/refresh", "", payload.Token)
	require.Equal(t, http.StatusOK, rec.Code)
	var refreshed tokenPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &refreshed))
	assert.NotEqual(t, payload.Token, refreshed.Token)

	// The old credential was revoked in the exchange; the new one works.
	rec = f.do(t, http.MethodPost, "/api/auth/logout", "", payload.Token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/auth/logout", "", refreshed.Token)
	assert.Equal(t, http.StatusOK, rec.Code)
}
