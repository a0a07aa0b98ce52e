package rbac

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgate/fleetgate/internal/platform/httpx"
)

type stubResolver struct {
	grants map[string]*Grants
	err    error
}

func (s *stubResolver) ResolveForSubject(ctx context.Context, subjectID string) (*Grants, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.grants[subjectID], nil
}

func TestCheckGroups(t *testing.T) {
	guard := NewGuard(&stubResolver{}, nil)
	admin := &Principal{SubjectID: "sub-1", Groups: []string{GroupAdmin}}

	t.Run("nil principal is unauthorized", func(t *testing.T) {
		require.ErrorIs(t, guard.CheckGroups(nil, []string{GroupAdmin}), httpx.ErrUnauthorized)
	})

	t.Run("missing metadata denies", func(t *testing.T) {
		require.ErrorIs(t, guard.CheckGroups(admin, nil), httpx.ErrForbidden)
	})

	t.Run("any-of match allows", func(t *testing.T) {
		require.NoError(t, guard.CheckGroups(admin, []string{GroupDriver, GroupAdmin}))
	})

	t.Run("no overlap denies", func(t *testing.T) {
		require.ErrorIs(t, guard.CheckGroups(admin, []string{GroupDriver}), httpx.ErrForbidden)
	})
}

func TestAuthorizeDecisionOrder(t *testing.T) {
	resolver := &stubResolver{grants: map[string]*Grants{
		"sub-1": {AdminUserID: "au-1", RoleNames: []string{"OPS"}, Permissions: []string{"role:create", "driver:*"}},
	}}
	guard := NewGuard(resolver, nil)
	req := Requirement{AnyOf: []string{"role:create"}}
	admin := &Principal{SubjectID: "sub-1", Groups: []string{GroupAdmin}}

	t.Run("nil principal", func(t *testing.T) {
		_, err := guard.Authorize(context.Background(), nil, req)
		require.ErrorIs(t, err, httpx.ErrUnauthorized)
	})

	t.Run("principal outside admin group", func(t *testing.T) {
		driver := &Principal{SubjectID: "sub-1", Groups: []string{GroupDriver}}
		_, err := guard.Authorize(context.Background(), driver, req)
		require.ErrorIs(t, err, httpx.ErrForbidden)
	})

	t.Run("extra group requirement unmet", func(t *testing.T) {
		_, err := guard.Authorize(context.Background(), admin, Requirement{
			Groups: []string{GroupDriver},
			AnyOf:  []string{"role:create"},
		})
		require.ErrorIs(t, err, httpx.ErrForbidden)
	})

	t.Run("route without permission metadata denies", func(t *testing.T) {
		_, err := guard.Authorize(context.Background(), admin, Requirement{})
		require.ErrorIs(t, err, httpx.ErrForbidden)
	})

	t.Run("unresolvable subject denies", func(t *testing.T) {
		stranger := &Principal{SubjectID: "sub-unknown", Groups: []string{GroupAdmin}}
		_, err := guard.Authorize(context.Background(), stranger, req)
		require.ErrorIs(t, err, httpx.ErrForbidden)
	})

	t.Run("resolver failure surfaces the error", func(t *testing.T) {
		boom := errors.New("store down")
		failing := NewGuard(&stubResolver{err: boom}, nil)
		_, err := failing.Authorize(context.Background(), admin, req)
		require.ErrorIs(t, err, boom)
		require.NotErrorIs(t, err, httpx.ErrForbidden)
	})

	t.Run("granted permission allows and returns grants", func(t *testing.T) {
		grants, err := guard.Authorize(context.Background(), admin, req)
		require.NoError(t, err)
		require.NotNil(t, grants)
		assert.Equal(t, "au-1", grants.AdminUserID)
	})

	t.Run("wildcard grant covers module actions", func(t *testing.T) {
		_, err := guard.Authorize(context.Background(), admin, Requirement{AnyOf: []string{"driver:delete"}})
		require.NoError(t, err)
	})

	t.Run("ungranted permission denies", func(t *testing.T) {
		_, err := guard.Authorize(context.Background(), admin, Requirement{AnyOf: []string{"permission:delete"}})
		require.ErrorIs(t, err, httpx.ErrForbidden)
	})
}

// End-to-end decision over real resolution: an OPS account holding
// role:create passes that requirement and fails permission:delete.
func TestAuthorizeWithResolvedGrants(t *testing.T) {
	store := newMockStore()
	seedAdminUser(store, "au-1", "sub-1", StatusActive)
	seedRole(store, "r-ops", "OPS")
	seedPermission(store, "p-1", "role:create")
	store.userRoles["au-1"] = []string{"r-ops"}
	store.rolePerms["r-ops"] = []string{"p-1"}

	guard := NewGuard(NewResolver(store, nil), nil)
	principal := &Principal{SubjectID: "sub-1", Groups: []string{GroupAdmin}}

	grants, err := guard.Authorize(context.Background(), principal, Requirement{AnyOf: []string{"role:create"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"OPS"}, grants.RoleNames)

	_, err = guard.Authorize(context.Background(), principal, Requirement{AnyOf: []string{"permission:delete"}})
	require.ErrorIs(t, err, httpx.ErrForbidden)
}
