package rbac

import (
	"context"
	"errors"

	"github.com/fleetgate/fleetgate/internal/platform/httpx"
)

// ResolverStore is the read access grant resolution needs.
type ResolverStore interface {
	GetAdminUserBySubject(ctx context.Context, subjectID string) (*AdminUser, error)
	ListRoleNamesForAdminUser(ctx context.Context, adminUserID string) ([]string, error)
	ListPermissionKeysForAdminUser(ctx context.Context, adminUserID string) ([]string, error)
}

// GrantReader caches resolved grants. Optional.
type GrantReader interface {
	Get(ctx context.Context, subjectID string) (*Grants, bool)
	Set(ctx context.Context, subjectID string, grants *Grants)
}

// Resolver aggregates an admin user's effective role names and permission
// keys. Resolution is a pure read and safe under unbounded concurrency.
type Resolver struct {
	store ResolverStore
	cache GrantReader
}

// NewResolver constructs a Resolver. cache may be nil.
func NewResolver(store ResolverStore, cache GrantReader) *Resolver {
	return &Resolver{store: store, cache: cache}
}

// ResolveForSubject returns the grants of the admin user behind the given
// external subject id. It returns (nil, nil) when the subject is unknown,
// soft-deleted or disabled: the caller must treat a nil result as a denial.
func (r *Resolver) ResolveForSubject(ctx context.Context, subjectID string) (*Grants, error) {
	if subjectID == "" {
		return nil, nil
	}
	if r.cache != nil {
		if grants, ok := r.cache.Get(ctx, subjectID); ok {
			return grants, nil
		}
	}

	user, err := r.store.GetAdminUserBySubject(ctx, subjectID)
	if err != nil {
		if errors.Is(err, httpx.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if user.Status != StatusActive {
		return nil, nil
	}

	roleNames, err := r.store.ListRoleNamesForAdminUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	permissions, err := r.store.ListPermissionKeysForAdminUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	grants := &Grants{
		AdminUserID: user.ID,
		RoleNames:   dedupSort(roleNames),
		Permissions: dedupSort(permissions),
	}
	if r.cache != nil {
		r.cache.Set(ctx, subjectID, grants)
	}
	return grants, nil
}
