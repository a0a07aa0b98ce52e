package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveForSubjectUnknownSubject(t *testing.T) {
	resolver := NewResolver(newMockStore(), nil)

	grants, err := resolver.ResolveForSubject(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, grants)
}

func TestResolveForSubjectEmptySubject(t *testing.T) {
	resolver := NewResolver(newMockStore(), nil)

	grants, err := resolver.ResolveForSubject(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, grants)
}

func TestResolveForSubjectDisabledAccount(t *testing.T) {
	store := newMockStore()
	seedAdminUser(store, "au-1", "sub-1", StatusDisabled)
	resolver := NewResolver(store, nil)

	grants, err := resolver.ResolveForSubject(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Nil(t, grants)
}

func TestResolveForSubjectSoftDeletedAccount(t *testing.T) {
	store := newMockStore()
	seedAdminUser(store, "au-1", "sub-1", StatusActive)
	now := time.Now()
	store.adminUsers["au-1"].DeletedAt = &now
	resolver := NewResolver(store, nil)

	grants, err := resolver.ResolveForSubject(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Nil(t, grants)
}

func TestResolveForSubjectAggregatesDedupedSorted(t *testing.T) {
	store := newMockStore()
	seedAdminUser(store, "au-1", "sub-1", StatusActive)
	seedRole(store, "r-1", "SUPPORT")
	seedRole(store, "r-2", "OPS")
	seedPermission(store, "p-1", "driver:read")
	seedPermission(store, "p-2", "passenger:read")
	store.userRoles["au-1"] = []string{"r-1", "r-2"}
	// Both roles grant driver:read; the aggregate must not repeat it.
	store.rolePerms["r-1"] = []string{"p-1"}
	store.rolePerms["r-2"] = []string{"p-1", "p-2"}
	resolver := NewResolver(store, nil)

	grants, err := resolver.ResolveForSubject(context.Background(), "sub-1")
	require.NoError(t, err)
	require.NotNil(t, grants)
	assert.Equal(t, "au-1", grants.AdminUserID)
	assert.Equal(t, []string{"OPS", "SUPPORT"}, grants.RoleNames)
	assert.Equal(t, []string{"driver:read", "passenger:read"}, grants.Permissions)
}

func TestResolveForSubjectNoRoles(t *testing.T) {
	store := newMockStore()
	seedAdminUser(store, "au-1", "sub-1", StatusActive)
	resolver := NewResolver(store, nil)

	grants, err := resolver.ResolveForSubject(context.Background(), "sub-1")
	require.NoError(t, err)
	require.NotNil(t, grants, "an account without roles still resolves, with empty grants")
	assert.Empty(t, grants.RoleNames)
	assert.Empty(t, grants.Permissions)
}

type memoGrantReader struct {
	entries map[string]*Grants
	hits    int
}

func (m *memoGrantReader) Get(ctx context.Context, subjectID string) (*Grants, bool) {
	grants, ok := m.entries[subjectID]
	if ok {
		m.hits++
	}
	return grants, ok
}

func (m *memoGrantReader) Set(ctx context.Context, subjectID string, grants *Grants) {
	if m.entries == nil {
		m.entries = make(map[string]*Grants)
	}
	m.entries[subjectID] = grants
}

func TestResolveForSubjectUsesCache(t *testing.T) {
	store := newMockStore()
	seedAdminUser(store, "au-1", "sub-1", StatusActive)
	reader := &memoGrantReader{}
	resolver := NewResolver(store, reader)

	first, err := resolver.ResolveForSubject(context.Background(), "sub-1")
	require.NoError(t, err)
	require.NotNil(t, first)

	// Second resolve is served from the cache without touching the store.
	delete(store.adminUsers, "au-1")
	second, err := resolver.ResolveForSubject(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, reader.hits)
}
