package rbac

import (
	"net/http"

	"github.com/fleetgate/fleetgate/internal/platform/httpx"
)

// Middleware wires the guard into chi handler chains.
type Middleware struct {
	Guard *Guard
}

// RequireGroups gates an API surface on the system-group membership of the
// principal, before any fine-grained check.
func (m Middleware) RequireGroups(groups ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromContext(r.Context())
			if err := m.Guard.CheckGroups(p, groups); err != nil {
				httpx.RespondError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Require runs the full authorization decision for the declared
// requirement and stashes the resolved grants in the request context.
func (m Middleware) Require(req Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromContext(r.Context())
			grants, err := m.Guard.Authorize(r.Context(), p, req)
			if err != nil {
				httpx.RespondError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithGrants(r.Context(), grants)))
		})
	}
}
