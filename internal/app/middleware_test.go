package app

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgate/fleetgate/internal/rbac"
)

func principalConfig() *Config {
	return &Config{SubjectHeader: "X-Auth-Subject", GroupsHeader: "X-Auth-Groups"}
}

func TestPrincipalMiddlewareParsesHeaders(t *testing.T) {
	var seen *rbac.Principal
	handler := PrincipalMiddleware(principalConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = rbac.PrincipalFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Auth-Subject", "sub-1")
	r.Header.Set("X-Auth-Groups", "ADMIN, DRIVER,,PASSENGER ")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	require.NotNil(t, seen)
	assert.Equal(t, "sub-1", seen.SubjectID)
	assert.Equal(t, []string{"ADMIN", "DRIVER", "PASSENGER"}, seen.Groups)
}

func TestPrincipalMiddlewareMissingSubject(t *testing.T) {
	var seen *rbac.Principal
	handler := PrincipalMiddleware(principalConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = rbac.PrincipalFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Auth-Groups", "ADMIN")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	assert.Nil(t, seen, "a request without a subject carries no principal")
}

func TestPrincipalMiddlewareBlankSubject(t *testing.T) {
	var seen *rbac.Principal
	handler := PrincipalMiddleware(principalConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = rbac.PrincipalFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Auth-Subject", "   ")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	assert.Nil(t, seen)
}
