package authz

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parishdesk/parishdesk/internal/shared"
)

func newTestGate(t *testing.T) (Middleware, *mockRepository, *mockDirectory) {
	t.Helper()
	svc, repo, dir := newTestService()
	gate := Middleware{Service: svc, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	return gate, repo, dir
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func requestAs(principal *shared.Principal) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/admin/roles", nil)
	if principal != nil {
		r = r.WithContext(shared.ContextWithPrincipal(r.Context(), principal))
	}
	return r
}

func snapshot(codes ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return set
}

func TestRequireCapabilityUnauthenticated(t *testing.T) {
	gate, _, _ := newTestGate(t)
	rec := httptest.NewRecorder()

	gate.RequireCapability("roles.view")(okHandler()).ServeHTTP(rec, requestAs(nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireCapabilityFastPath(t *testing.T) {
	gate, _, _ := newTestGate(t)

	rec := httptest.NewRecorder()
	gate.RequireCapability("roles.view")(okHandler()).
		ServeHTTP(rec, requestAs(&shared.Principal{UserID: 10, Permissions: snapshot("roles.view")}))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	gate.RequireCapability("roles.manage")(okHandler()).
		ServeHTTP(rec, requestAs(&shared.Principal{UserID: 10, Permissions: snapshot("roles.view")}))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.NotContains(t, rec.Body.String(), "roles.manage", "denials must not leak the required capability")
}

func TestRequireCapabilityStrictIgnoresSnapshot(t *testing.T) {
	gate, repo, dir := newTestGate(t)

	// The stores say the user holds roles.manage right now.
	role := seedParishRole(repo, 1, int64Ptr(parishStMary))
	repo.addPermission(Permission{ID: 1, Code: "roles.manage", Module: "roles", Action: "manage", IsActive: true})
	repo.rolePerms[role.ID] = []int64{1}
	dir.parishes[10] = parishStMary
	_, err := gate.Service.AssignRole(context.Background(), 10, role.ID, actorAdmin, nil)
	require.NoError(t, err)

	// A stale snapshot without the capability does not matter on the strict path.
	rec := httptest.NewRecorder()
	gate.RequireCapabilityStrict("roles.manage")(okHandler()).
		ServeHTTP(rec, requestAs(&shared.Principal{UserID: 10, Permissions: snapshot()}))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// And a snapshot still claiming a since-revoked capability does not help.
	_, err = gate.Service.RevokePermission(context.Background(), 10, "roles.manage", actorAdmin, "off-boarded", nil)
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	gate.RequireCapabilityStrict("roles.manage")(okHandler()).
		ServeHTTP(rec, requestAs(&shared.Principal{UserID: 10, Permissions: snapshot("roles.manage")}))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireWardCapabilityScoped(t *testing.T) {
	gate, repo, dir := newTestGate(t)
	seedWardFixture(repo, dir)
	repo.addPermission(Permission{ID: 1, Code: "events.manage", Module: "events", Action: "manage", IsActive: true})
	repo.rolePerms[3] = []int64{1}

	_, err := gate.Service.AssignWardRole(context.Background(), 100, 10, 3, actorAdmin, true, nil)
	require.NoError(t, err)

	extract := func(wardID int64) func(*http.Request) (int64, error) {
		return func(*http.Request) (int64, error) { return wardID, nil }
	}
	principal := &shared.Principal{UserID: 10, Permissions: snapshot("events.manage")}

	rec := httptest.NewRecorder()
	gate.RequireWardCapability("events.manage", extract(100))(okHandler()).ServeHTTP(rec, requestAs(principal))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Same caller, different ward: the convener role does not travel.
	rec = httptest.NewRecorder()
	gate.RequireWardCapability("events.manage", extract(200))(okHandler()).ServeHTTP(rec, requestAs(principal))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireSameParish(t *testing.T) {
	gate, _, _ := newTestGate(t)
	extract := func(r *http.Request) (int64, error) {
		return strconv.ParseInt(r.Header.Get("X-Test-Parish"), 10, 64)
	}
	mw := gate.RequireSameParish(extract)(okHandler())

	send := func(principal *shared.Principal, parish string) *httptest.ResponseRecorder {
		r := requestAs(principal)
		r.Header.Set("X-Test-Parish", parish)
		rec := httptest.NewRecorder()
		mw.ServeHTTP(rec, r)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, send(&shared.Principal{UserID: 10, ParishID: 1}, "1").Code)
	assert.Equal(t, http.StatusForbidden, send(&shared.Principal{UserID: 10, ParishID: 1}, "2").Code)
	assert.Equal(t, http.StatusBadRequest, send(&shared.Principal{UserID: 10, ParishID: 1}, "").Code)

	// Platform operators cross parish boundaries.
	operator := &shared.Principal{UserID: 1, ParishID: 1, Permissions: snapshot(shared.PermPlatformManage)}
	assert.Equal(t, http.StatusNoContent, send(operator, "2").Code)
}

func TestStrictPathUsesCurrentClock(t *testing.T) {
	gate, repo, dir := newTestGate(t)
	role := seedParishRole(repo, 1, int64Ptr(parishStMary))
	repo.addPermission(Permission{ID: 1, Code: "roles.manage", Module: "roles", Action: "manage", IsActive: true})
	repo.rolePerms[role.ID] = []int64{1}
	dir.parishes[10] = parishStMary

	expires := time.Now().Add(50 * time.Millisecond)
	repo.assignments[1] = &RoleAssignment{ID: 1, UserID: 10, RoleID: role.ID, IsActive: true, ExpiresAt: &expires, AssignedAt: testNow}

	rec := httptest.NewRecorder()
	gate.RequireCapabilityStrict("roles.manage")(okHandler()).
		ServeHTTP(rec, requestAs(&shared.Principal{UserID: 10}))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	time.Sleep(60 * time.Millisecond)
	rec = httptest.NewRecorder()
	gate.RequireCapabilityStrict("roles.manage")(okHandler()).
		ServeHTTP(rec, requestAs(&shared.Principal{UserID: 10}))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
