package rbac

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestAPI wires the full admin surface over the in-memory store. The
// seeded operator holds wildcard grants for every admin module.
func newTestAPI(t *testing.T) (*mockStore, chi.Router) {
	t.Helper()
	store := newMockStore()
	seedAdminUser(store, "au-operator", "sub-operator", StatusActive)
	seedRole(store, "r-super", "SUPERUSER")
	seedPermission(store, "p-au", "admin-user:*")
	seedPermission(store, "p-role", "role:*")
	seedPermission(store, "p-perm", "permission:*")
	store.userRoles["au-operator"] = []string{"r-super"}
	store.rolePerms["r-super"] = []string{"p-au", "p-role", "p-perm"}

	logger := slog.New(slog.DiscardHandler)
	service := NewService(store, nil)
	guard := NewGuard(NewResolver(store, nil), logger)
	handler := NewHandler(logger, service, Middleware{Guard: guard})

	router := chi.NewRouter()
	handler.MountRoutes(router)
	return store, router
}

func doRequest(t *testing.T, router chi.Router, principal *Principal, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	if principal != nil {
		r = r.WithContext(ContextWithPrincipal(context.Background(), principal))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	return rec
}

var operator = &Principal{SubjectID: "sub-operator", Groups: []string{GroupAdmin}}

func TestHandlerRejectsAnonymous(t *testing.T) {
	_, router := newTestAPI(t)

	rec := doRequest(t, router, nil, http.MethodGet, "/roles/", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerRejectsUnknownSubject(t *testing.T) {
	_, router := newTestAPI(t)

	stranger := &Principal{SubjectID: "sub-ghost", Groups: []string{GroupAdmin}}
	rec := doRequest(t, router, stranger, http.MethodGet, "/roles/", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandlerCreateRole(t *testing.T) {
	store, router := newTestAPI(t)

	rec := doRequest(t, router, operator, http.MethodPost, "/roles/", `{"name":"DISPATCH","description":"Fleet dispatch"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "DISPATCH", created.Name)

	require.Len(t, store.auditEntries, 1)
	assert.Equal(t, "au-operator", store.auditEntries[0].ActorID)
}

func TestHandlerCreateRoleValidation(t *testing.T) {
	_, router := newTestAPI(t)

	rec := doRequest(t, router, operator, http.MethodPost, "/roles/", `{"description":"missing name"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, operator, http.MethodPost, "/roles/", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerGetRoleNotFound(t *testing.T) {
	_, router := newTestAPI(t)

	rec := doRequest(t, router, operator, http.MethodGet, "/roles/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerReplaceAdminUserRoles(t *testing.T) {
	store, router := newTestAPI(t)
	seedAdminUser(store, "au-2", "sub-2", StatusActive)
	seedRole(store, "r-ops", "OPS")

	rec := doRequest(t, router, operator, http.MethodPut, "/admin-users/au-2/roles", `{"ids":["r-ops"]}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"r-ops"}, store.userRoles["au-2"])

	rec = doRequest(t, router, operator, http.MethodGet, "/admin-users/au-2/roles", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		IDs []string `json:"ids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"r-ops"}, body.IDs)
}

func TestHandlerDeleteRoleConflict(t *testing.T) {
	store, router := newTestAPI(t)

	// SUPERUSER is held by the operator, so deleting it must 409.
	rec := doRequest(t, router, operator, http.MethodDelete, "/roles/r-super", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.NotNil(t, store.roles["r-super"])
}

func TestHandlerCreatePermissionBadKey(t *testing.T) {
	_, router := newTestAPI(t)

	rec := doRequest(t, router, operator, http.MethodPost, "/permissions/", `{"key":"not-a-key"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerAccessContext(t *testing.T) {
	store, router := newTestAPI(t)
	seedPermission(store, "p-dash", "dashboard:view")
	seedPermission(store, "p-extra", "invoice:approve")
	store.rolePerms["r-super"] = append(store.rolePerms["r-super"], "p-dash")

	rec := doRequest(t, router, operator, http.MethodGet, "/access-context", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		RoleNames    []string                   `json:"roleNames"`
		Capabilities map[string]map[string]bool `json:"capabilities"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"SUPERUSER"}, body.RoleNames)
	assert.True(t, body.Capabilities["dashboard"]["view"])
	assert.False(t, body.Capabilities["invoice"]["approve"], "ungranted catalog entries map to false")
	assert.False(t, body.Capabilities["invoice"]["view"], "every module carries a view probe")
}

func TestHandlerAccessContextDeniesNonAdminGroup(t *testing.T) {
	_, router := newTestAPI(t)

	driver := &Principal{SubjectID: "sub-operator", Groups: []string{GroupDriver}}
	rec := doRequest(t, router, driver, http.MethodGet, "/access-context", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
