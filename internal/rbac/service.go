package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleetgate/fleetgate/internal/audit"
	"github.com/fleetgate/fleetgate/internal/permission"
	"github.com/fleetgate/fleetgate/internal/platform/httpx"
)

// Store defines the persistence access the service needs. Implemented by
// *Repository; tests substitute an in-memory mock.
type Store interface {
	GetAdminUser(ctx context.Context, id string) (*AdminUser, error)
	GetAdminUserBySubject(ctx context.Context, subjectID string) (*AdminUser, error)
	ListAdminUsers(ctx context.Context) ([]AdminUser, error)

	GetRole(ctx context.Context, id string) (*Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	GetRolesByIDs(ctx context.Context, ids []string) ([]Role, error)

	GetPermission(ctx context.Context, id string) (*Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	GetPermissionsByIDs(ctx context.Context, ids []string) ([]Permission, error)

	ListRoleIDsForAdminUser(ctx context.Context, adminUserID string) ([]string, error)
	ListPermissionIDsForRole(ctx context.Context, roleID string) ([]string, error)
	ListRoleNamesForAdminUser(ctx context.Context, adminUserID string) ([]string, error)
	ListPermissionKeysForAdminUser(ctx context.Context, adminUserID string) ([]string, error)
	CountAdminUsersWithRole(ctx context.Context, roleID string) (int64, error)
	CountRolesWithPermission(ctx context.Context, permissionID string) (int64, error)

	WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error
}

// Invalidator drops cached grant resolutions after a write. Optional.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Actor identifies who performs a state change, for the audit trail.
type Actor struct {
	AdminUserID string
	Request     audit.RequestContext
}

// Service orchestrates RBAC state changes. Every mutation runs in one
// transaction together with exactly one audit entry.
type Service struct {
	store Store
	cache Invalidator
	now   func() time.Time
}

// NewService constructs a Service. cache may be nil.
func NewService(store Store, cache Invalidator) *Service {
	return &Service{store: store, cache: cache, now: func() time.Time { return time.Now().UTC() }}
}

// WithNow overrides the service clock for testing.
func (s *Service) WithNow(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

func (s *Service) invalidate(ctx context.Context) {
	if s.cache != nil {
		_ = s.cache.Invalidate(ctx)
	}
}

// ============================================================================
// ADMIN USERS
// ============================================================================

// CreateAdminUserRequest carries the fields for explicit provisioning.
type CreateAdminUserRequest struct {
	SubjectID string `json:"subjectId" validate:"required"`
	Email     string `json:"email" validate:"required,email"`
}

// UpdateAdminUserRequest carries a partial admin user update.
type UpdateAdminUserRequest struct {
	Email  *string          `json:"email" validate:"omitempty,email"`
	Status *AdminUserStatus `json:"status"`
}

// CreateAdminUser provisions an admin account explicitly.
func (s *Service) CreateAdminUser(ctx context.Context, req CreateAdminUserRequest, actor Actor) (*AdminUser, error) {
	subjectID := strings.TrimSpace(req.SubjectID)
	email := strings.TrimSpace(req.Email)
	if subjectID == "" || email == "" {
		return nil, fmt.Errorf("%w: subject id and email required", httpx.ErrValidation)
	}
	now := s.now()
	user := AdminUser{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		Email:     email,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if err := tx.InsertAdminUser(ctx, user); err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, audit.Entry{
			ActorID:    actor.AdminUserID,
			Action:     audit.ActionCreate,
			TargetType: audit.TargetAdminUser,
			TargetID:   user.ID,
			After:      adminUserSnapshot(user),
			Request:    actor.Request,
			OccurredAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx)
	return &user, nil
}

// EnsureAdminUser provisions just-in-time on first authentication of an
// unknown subject. An existing active account is returned unchanged; the
// created account audits itself as actor.
func (s *Service) EnsureAdminUser(ctx context.Context, subjectID, email string, reqCtx audit.RequestContext) (*AdminUser, error) {
	existing, err := s.store.GetAdminUserBySubject(ctx, subjectID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, httpx.ErrNotFound) {
		return nil, err
	}
	now := s.now()
	user := AdminUser{
		ID:        uuid.NewString(),
		SubjectID: strings.TrimSpace(subjectID),
		Email:     strings.TrimSpace(email),
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if err := tx.InsertAdminUser(ctx, user); err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, audit.Entry{
			ActorID:    user.ID,
			Action:     audit.ActionCreate,
			TargetType: audit.TargetAdminUser,
			TargetID:   user.ID,
			After:      adminUserSnapshot(user),
			Request:    reqCtx,
			OccurredAt: now,
		})
	})
	if err != nil {
		// Two concurrent first logins race on the subject unique index;
		// the loser re-reads the winner's row.
		if errors.Is(err, httpx.ErrConflict) {
			return s.store.GetAdminUserBySubject(ctx, subjectID)
		}
		return nil, err
	}
	return &user, nil
}

// GetAdminUser fetches an active admin user.
func (s *Service) GetAdminUser(ctx context.Context, id string) (*AdminUser, error) {
	return s.store.GetAdminUser(ctx, id)
}

// ListAdminUsers returns all active admin users.
func (s *Service) ListAdminUsers(ctx context.Context) ([]AdminUser, error) {
	return s.store.ListAdminUsers(ctx)
}

// UpdateAdminUser applies an email and/or status change.
func (s *Service) UpdateAdminUser(ctx context.Context, id string, req UpdateAdminUserRequest, actor Actor) (*AdminUser, error) {
	existing, err := s.store.GetAdminUser(ctx, id)
	if err != nil {
		return nil, err
	}
	updated := *existing
	if req.Email != nil {
		email := strings.TrimSpace(*req.Email)
		if email == "" {
			return nil, fmt.Errorf("%w: email must not be empty", httpx.ErrValidation)
		}
		updated.Email = email
	}
	if req.Status != nil {
		if !req.Status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", httpx.ErrValidation, *req.Status)
		}
		updated.Status = *req.Status
	}
	updated.UpdatedAt = s.now()

	err = s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if err := tx.UpdateAdminUser(ctx, updated); err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, audit.Entry{
			ActorID:    actor.AdminUserID,
			Action:     audit.ActionUpdate,
			TargetType: audit.TargetAdminUser,
			TargetID:   updated.ID,
			Before:     adminUserSnapshot(*existing),
			After:      adminUserSnapshot(updated),
			Request:    actor.Request,
			OccurredAt: updated.UpdatedAt,
		})
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx)
	return &updated, nil
}

// DeleteAdminUser soft-deletes the account. Junction rows stay behind and
// are purged by the background sweep.
func (s *Service) DeleteAdminUser(ctx context.Context, id string, actor Actor) error {
	existing, err := s.store.GetAdminUser(ctx, id)
	if err != nil {
		return err
	}
	now := s.now()
	err = s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if err := tx.SoftDeleteAdminUser(ctx, id, now); err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, audit.Entry{
			ActorID:    actor.AdminUserID,
			Action:     audit.ActionDelete,
			TargetType: audit.TargetAdminUser,
			TargetID:   id,
			Before:     adminUserSnapshot(*existing),
			Request:    actor.Request,
			OccurredAt: now,
		})
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// ============================================================================
// ROLES
// ============================================================================

// RoleRequest carries role create/update fields.
type RoleRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
}

// CreateRole inserts a new role.
func (s *Service) CreateRole(ctx context.Context, req RoleRequest, actor Actor) (*Role, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name required", httpx.ErrValidation)
	}
	now := s.now()
	role := Role{
		ID:          uuid.NewString(),
		Name:        name,
		Description: strings.TrimSpace(req.Description),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if err := tx.InsertRole(ctx, role); err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, audit.Entry{
			ActorID:    actor.AdminUserID,
			Action:     audit.ActionCreate,
			TargetType: audit.TargetRole,
			TargetID:   role.ID,
			After:      roleSnapshot(role),
			Request:    actor.Request,
			OccurredAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	return &role, nil
}

// GetRole fetches an active role.
func (s *Service) GetRole(ctx context.Context, id string) (*Role, error) {
	return s.store.GetRole(ctx, id)
}

// ListRoles returns all active roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

// UpdateRole updates name/description of an existing role.
func (s *Service) UpdateRole(ctx context.Context, id string, req RoleRequest, actor Actor) (*Role, error) {
	existing, err := s.store.GetRole(ctx, id)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name required", httpx.ErrValidation)
	}
	updated := *existing
	updated.Name = name
	updated.Description = strings.TrimSpace(req.Description)
	updated.UpdatedAt = s.now()

	err = s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if err := tx.UpdateRole(ctx, updated); err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, audit.Entry{
			ActorID:    actor.AdminUserID,
			Action:     audit.ActionUpdate,
			TargetType: audit.TargetRole,
			TargetID:   updated.ID,
			Before:     roleSnapshot(*existing),
			After:      roleSnapshot(updated),
			Request:    actor.Request,
			OccurredAt: updated.UpdatedAt,
		})
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx)
	return &updated, nil
}

// DeleteRole soft-deletes a role. Blocked while any active admin user
// still holds the role.
func (s *Service) DeleteRole(ctx context.Context, id string, actor Actor) error {
	existing, err := s.store.GetRole(ctx, id)
	if err != nil {
		return err
	}
	refs, err := s.store.CountAdminUsersWithRole(ctx, id)
	if err != nil {
		return err
	}
	if refs > 0 {
		return fmt.Errorf("%w: role is assigned to %d admin user(s)", httpx.ErrConflict, refs)
	}
	now := s.now()
	err = s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if err := tx.SoftDeleteRole(ctx, id, now); err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, audit.Entry{
			ActorID:    actor.AdminUserID,
			Action:     audit.ActionDelete,
			TargetType: audit.TargetRole,
			TargetID:   id,
			Before:     roleSnapshot(*existing),
			Request:    actor.Request,
			OccurredAt: now,
		})
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// ============================================================================
// PERMISSIONS
// ============================================================================

// PermissionRequest carries permission create/update fields.
type PermissionRequest struct {
	Key         string `json:"key" validate:"required"`
	Description string `json:"description"`
}

// CreatePermission inserts a new catalog entry. The key must satisfy the
// "<module>:<action>" grammar.
func (s *Service) CreatePermission(ctx context.Context, req PermissionRequest, actor Actor) (*Permission, error) {
	key := strings.TrimSpace(req.Key)
	if _, ok := permission.ParseKey(key); !ok {
		return nil, fmt.Errorf("%w: malformed permission key %q", httpx.ErrValidation, key)
	}
	now := s.now()
	perm := Permission{
		ID:          uuid.NewString(),
		Key:         key,
		Description: strings.TrimSpace(req.Description),
		CreatedAt:   now,
	}
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if err := tx.InsertPermission(ctx, perm); err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, audit.Entry{
			ActorID:    actor.AdminUserID,
			Action:     audit.ActionCreate,
			TargetType: audit.TargetPermission,
			TargetID:   perm.ID,
			After:      permissionSnapshot(perm),
			Request:    actor.Request,
			OccurredAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	return &perm, nil
}

// EnsurePermission upserts a catalog entry by key, keeping the description
// current. Used by module registration at startup; no audit entry because
// seeding is not an administrative state change by an actor.
func (s *Service) EnsurePermission(ctx context.Context, key, description string) (*Permission, error) {
	key = strings.TrimSpace(key)
	if _, ok := permission.ParseKey(key); !ok {
		return nil, fmt.Errorf("%w: malformed permission key %q", httpx.ErrValidation, key)
	}
	var out Permission
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		perm, err := tx.UpsertPermission(ctx, Permission{
			ID:          uuid.NewString(),
			Key:         key,
			Description: strings.TrimSpace(description),
			CreatedAt:   s.now(),
		})
		if err != nil {
			return err
		}
		out = perm
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPermission fetches an active permission.
func (s *Service) GetPermission(ctx context.Context, id string) (*Permission, error) {
	return s.store.GetPermission(ctx, id)
}

// ListPermissions returns the active catalog.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

// UpdatePermission changes the description. Keys are immutable; renaming a
// capability is a delete plus create.
func (s *Service) UpdatePermission(ctx context.Context, id string, description string, actor Actor) (*Permission, error) {
	existing, err := s.store.GetPermission(ctx, id)
	if err != nil {
		return nil, err
	}
	updated := *existing
	updated.Description = strings.TrimSpace(description)
	now := s.now()

	err = s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if err := tx.UpdatePermission(ctx, updated); err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, audit.Entry{
			ActorID:    actor.AdminUserID,
			Action:     audit.ActionUpdate,
			TargetType: audit.TargetPermission,
			TargetID:   updated.ID,
			Before:     permissionSnapshot(*existing),
			After:      permissionSnapshot(updated),
			Request:    actor.Request,
			OccurredAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeletePermission soft-deletes a catalog entry. Blocked while any active
// role still grants it.
func (s *Service) DeletePermission(ctx context.Context, id string, actor Actor) error {
	existing, err := s.store.GetPermission(ctx, id)
	if err != nil {
		return err
	}
	refs, err := s.store.CountRolesWithPermission(ctx, id)
	if err != nil {
		return err
	}
	if refs > 0 {
		return fmt.Errorf("%w: permission is granted by %d role(s)", httpx.ErrConflict, refs)
	}
	now := s.now()
	err = s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if err := tx.SoftDeletePermission(ctx, id, now); err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, audit.Entry{
			ActorID:    actor.AdminUserID,
			Action:     audit.ActionDelete,
			TargetType: audit.TargetPermission,
			TargetID:   id,
			Before:     permissionSnapshot(*existing),
			Request:    actor.Request,
			OccurredAt: now,
		})
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// ============================================================================
// ASSIGNMENT REPLACEMENT
// ============================================================================

// idSet is the audit snapshot shape for assignment edits.
type idSet struct {
	IDs []string `json:"ids"`
}

// ReplaceRoles atomically substitutes the full role set of an admin user.
// An empty desired set clears all assignments. The replace is
// last-writer-wins across concurrent calls; each call commits a complete,
// valid mapping and its own audit entry.
func (s *Service) ReplaceRoles(ctx context.Context, adminUserID string, roleIDs []string, actor Actor) error {
	if _, err := s.store.GetAdminUser(ctx, adminUserID); err != nil {
		return err
	}
	desired := dedupSort(roleIDs)
	if len(desired) > 0 {
		found, err := s.store.GetRolesByIDs(ctx, desired)
		if err != nil {
			return err
		}
		if len(found) != len(desired) {
			return fmt.Errorf("%w: one or more roles not found", httpx.ErrNotFound)
		}
	}
	before, err := s.store.ListRoleIDsForAdminUser(ctx, adminUserID)
	if err != nil {
		return err
	}
	before = dedupSort(before)

	err = s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if err := tx.DeleteAdminUserRoles(ctx, adminUserID); err != nil {
			return err
		}
		if err := tx.InsertAdminUserRoles(ctx, adminUserID, desired); err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, audit.Entry{
			ActorID:    actor.AdminUserID,
			Action:     audit.ActionAssignRoles,
			TargetType: audit.TargetAdminUser,
			TargetID:   adminUserID,
			Before:     idSet{IDs: before},
			After:      idSet{IDs: desired},
			Request:    actor.Request,
			OccurredAt: s.now(),
		})
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// ReplacePermissions atomically substitutes the full permission set of a
// role. Same discipline as ReplaceRoles.
func (s *Service) ReplacePermissions(ctx context.Context, roleID string, permissionIDs []string, actor Actor) error {
	if _, err := s.store.GetRole(ctx, roleID); err != nil {
		return err
	}
	desired := dedupSort(permissionIDs)
	if len(desired) > 0 {
		found, err := s.store.GetPermissionsByIDs(ctx, desired)
		if err != nil {
			return err
		}
		if len(found) != len(desired) {
			return fmt.Errorf("%w: one or more permissions not found", httpx.ErrNotFound)
		}
	}
	before, err := s.store.ListPermissionIDsForRole(ctx, roleID)
	if err != nil {
		return err
	}
	before = dedupSort(before)

	err = s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if err := tx.DeleteRolePermissions(ctx, roleID); err != nil {
			return err
		}
		if err := tx.InsertRolePermissions(ctx, roleID, desired); err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, audit.Entry{
			ActorID:    actor.AdminUserID,
			Action:     audit.ActionAssignPermissions,
			TargetType: audit.TargetRole,
			TargetID:   roleID,
			Before:     idSet{IDs: before},
			After:      idSet{IDs: desired},
			Request:    actor.Request,
			OccurredAt: s.now(),
		})
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// RoleIDsForAdminUser returns the current raw role assignment of an admin user.
func (s *Service) RoleIDsForAdminUser(ctx context.Context, adminUserID string) ([]string, error) {
	if _, err := s.store.GetAdminUser(ctx, adminUserID); err != nil {
		return nil, err
	}
	ids, err := s.store.ListRoleIDsForAdminUser(ctx, adminUserID)
	if err != nil {
		return nil, err
	}
	return dedupSort(ids), nil
}

// PermissionIDsForRole returns the current raw permission grant of a role.
func (s *Service) PermissionIDsForRole(ctx context.Context, roleID string) ([]string, error) {
	if _, err := s.store.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	ids, err := s.store.ListPermissionIDsForRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	return dedupSort(ids), nil
}

func dedupSort(ids []string) []string {
	unique := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		unique[id] = struct{}{}
	}
	out := make([]string, 0, len(unique))
	for id := range unique {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func adminUserSnapshot(user AdminUser) map[string]any {
	return map[string]any{
		"subjectId": user.SubjectID,
		"email":     user.Email,
		"status":    string(user.Status),
	}
}

func roleSnapshot(role Role) map[string]any {
	return map[string]any{
		"name":        role.Name,
		"description": role.Description,
	}
}

func permissionSnapshot(perm Permission) map[string]any {
	return map[string]any{
		"key":         perm.Key,
		"description": perm.Description,
	}
}
