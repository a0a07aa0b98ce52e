package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetgate/fleetgate/internal/audit"
	"github.com/fleetgate/fleetgate/internal/platform/httpx"
)

// Repository provides PostgreSQL backed persistence for RBAC entities.
// Every read applies the "deleted_at IS NULL" active predicate so no query
// path can leak a soft-deleted row into an authorization decision.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxStore exposes the write operations that run inside one transaction.
// Each state-changing service operation pairs its writes with exactly one
// audit insert on the same transaction.
type TxStore interface {
	InsertAdminUser(ctx context.Context, user AdminUser) error
	UpdateAdminUser(ctx context.Context, user AdminUser) error
	SoftDeleteAdminUser(ctx context.Context, id string, at time.Time) error

	InsertRole(ctx context.Context, role Role) error
	UpdateRole(ctx context.Context, role Role) error
	SoftDeleteRole(ctx context.Context, id string, at time.Time) error

	InsertPermission(ctx context.Context, perm Permission) error
	UpsertPermission(ctx context.Context, perm Permission) (Permission, error)
	UpdatePermission(ctx context.Context, perm Permission) error
	SoftDeletePermission(ctx context.Context, id string, at time.Time) error

	DeleteAdminUserRoles(ctx context.Context, adminUserID string) error
	InsertAdminUserRoles(ctx context.Context, adminUserID string, roleIDs []string) error
	DeleteRolePermissions(ctx context.Context, roleID string) error
	InsertRolePermissions(ctx context.Context, roleID string, permissionIDs []string) error

	InsertAuditLog(ctx context.Context, entry audit.Entry) error
}

type txStore struct {
	tx pgx.Tx
}

// WithTx wraps fn in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("rbac: begin tx: %w", err)
	}
	if err := fn(ctx, &txStore{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// ============================================================================
// ADMIN USERS
// ============================================================================

const adminUserColumns = `id, subject_id, email, status, deleted_at, created_at, updated_at`

func scanAdminUser(row pgx.Row) (*AdminUser, error) {
	var user AdminUser
	var status string
	if err := row.Scan(&user.ID, &user.SubjectID, &user.Email, &status,
		&user.DeletedAt, &user.CreatedAt, &user.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, httpx.ErrNotFound
		}
		return nil, err
	}
	user.Status = AdminUserStatus(status)
	return &user, nil
}

// GetAdminUser fetches an active admin user by id.
func (r *Repository) GetAdminUser(ctx context.Context, id string) (*AdminUser, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+adminUserColumns+` FROM admin_users WHERE id = $1 AND deleted_at IS NULL`, id)
	return scanAdminUser(row)
}

// GetAdminUserBySubject fetches an active admin user by external subject id.
func (r *Repository) GetAdminUserBySubject(ctx context.Context, subjectID string) (*AdminUser, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+adminUserColumns+` FROM admin_users WHERE subject_id = $1 AND deleted_at IS NULL`, subjectID)
	return scanAdminUser(row)
}

// ListAdminUsers returns all active admin users ordered by email.
func (r *Repository) ListAdminUsers(ctx context.Context) ([]AdminUser, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+adminUserColumns+` FROM admin_users WHERE deleted_at IS NULL ORDER BY email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []AdminUser
	for rows.Next() {
		var user AdminUser
		var status string
		if err := rows.Scan(&user.ID, &user.SubjectID, &user.Email, &status,
			&user.DeletedAt, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, err
		}
		user.Status = AdminUserStatus(status)
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *txStore) InsertAdminUser(ctx context.Context, user AdminUser) error {
	_, err := s.tx.Exec(ctx, `
		INSERT INTO admin_users (id, subject_id, email, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)`,
		user.ID, user.SubjectID, user.Email, string(user.Status), user.CreatedAt)
	return mapWriteError(err)
}

func (s *txStore) UpdateAdminUser(ctx context.Context, user AdminUser) error {
	tag, err := s.tx.Exec(ctx, `
		UPDATE admin_users SET email = $2, status = $3, updated_at = $4
		WHERE id = $1 AND deleted_at IS NULL`,
		user.ID, user.Email, string(user.Status), user.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return httpx.ErrNotFound
	}
	return nil
}

func (s *txStore) SoftDeleteAdminUser(ctx context.Context, id string, at time.Time) error {
	tag, err := s.tx.Exec(ctx, `
		UPDATE admin_users SET deleted_at = $2, updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return httpx.ErrNotFound
	}
	return nil
}

// ============================================================================
// ROLES
// ============================================================================

const roleColumns = `id, name, description, deleted_at, created_at, updated_at`

// GetRole fetches an active role by id.
func (r *Repository) GetRole(ctx context.Context, id string) (*Role, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1 AND deleted_at IS NULL`, id)
	var role Role
	if err := row.Scan(&role.ID, &role.Name, &role.Description, &role.DeletedAt, &role.CreatedAt, &role.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, httpx.ErrNotFound
		}
		return nil, err
	}
	return &role, nil
}

// ListRoles returns all active roles ordered by name.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles WHERE deleted_at IS NULL ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRoles(rows)
}

// GetRolesByIDs returns the active roles among the given ids.
func (r *Repository) GetRolesByIDs(ctx context.Context, ids []string) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = ANY($1) AND deleted_at IS NULL`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRoles(rows)
}

func collectRoles(rows pgx.Rows) ([]Role, error) {
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.DeletedAt, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *txStore) InsertRole(ctx context.Context, role Role) error {
	_, err := s.tx.Exec(ctx, `
		INSERT INTO roles (id, name, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)`,
		role.ID, role.Name, role.Description, role.CreatedAt)
	return mapWriteError(err)
}

func (s *txStore) UpdateRole(ctx context.Context, role Role) error {
	tag, err := s.tx.Exec(ctx, `
		UPDATE roles SET name = $2, description = $3, updated_at = $4
		WHERE id = $1 AND deleted_at IS NULL`,
		role.ID, role.Name, role.Description, role.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return httpx.ErrNotFound
	}
	return nil
}

func (s *txStore) SoftDeleteRole(ctx context.Context, id string, at time.Time) error {
	tag, err := s.tx.Exec(ctx, `
		UPDATE roles SET deleted_at = $2, updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return httpx.ErrNotFound
	}
	return nil
}

// ============================================================================
// PERMISSIONS
// ============================================================================

const permissionColumns = `id, key, description, deleted_at, created_at`

// GetPermission fetches an active permission by id.
func (r *Repository) GetPermission(ctx context.Context, id string) (*Permission, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = $1 AND deleted_at IS NULL`, id)
	var perm Permission
	if err := row.Scan(&perm.ID, &perm.Key, &perm.Description, &perm.DeletedAt, &perm.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, httpx.ErrNotFound
		}
		return nil, err
	}
	return &perm, nil
}

// ListPermissions returns all active permissions ordered by key.
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE deleted_at IS NULL ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPermissions(rows)
}

// GetPermissionsByIDs returns the active permissions among the given ids.
func (r *Repository) GetPermissionsByIDs(ctx context.Context, ids []string) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = ANY($1) AND deleted_at IS NULL`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPermissions(rows)
}

func collectPermissions(rows pgx.Rows) ([]Permission, error) {
	var perms []Permission
	for rows.Next() {
		var perm Permission
		if err := rows.Scan(&perm.ID, &perm.Key, &perm.Description, &perm.DeletedAt, &perm.CreatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	return perms, rows.Err()
}

func (s *txStore) InsertPermission(ctx context.Context, perm Permission) error {
	_, err := s.tx.Exec(ctx, `
		INSERT INTO permissions (id, key, description, created_at)
		VALUES ($1, $2, $3, $4)`,
		perm.ID, perm.Key, perm.Description, perm.CreatedAt)
	return mapWriteError(err)
}

func (s *txStore) UpsertPermission(ctx context.Context, perm Permission) (Permission, error) {
	row := s.tx.QueryRow(ctx, `
		INSERT INTO permissions (id, key, description, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) WHERE deleted_at IS NULL
		DO UPDATE SET description = EXCLUDED.description
		RETURNING `+permissionColumns,
		perm.ID, perm.Key, perm.Description, perm.CreatedAt)
	var out Permission
	if err := row.Scan(&out.ID, &out.Key, &out.Description, &out.DeletedAt, &out.CreatedAt); err != nil {
		return Permission{}, err
	}
	return out, nil
}

func (s *txStore) UpdatePermission(ctx context.Context, perm Permission) error {
	tag, err := s.tx.Exec(ctx, `
		UPDATE permissions SET description = $2
		WHERE id = $1 AND deleted_at IS NULL`,
		perm.ID, perm.Description)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return httpx.ErrNotFound
	}
	return nil
}

func (s *txStore) SoftDeletePermission(ctx context.Context, id string, at time.Time) error {
	tag, err := s.tx.Exec(ctx, `
		UPDATE permissions SET deleted_at = $2
		WHERE id = $1 AND deleted_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return httpx.ErrNotFound
	}
	return nil
}

// ============================================================================
// JUNCTIONS
// ============================================================================

// ListRoleIDsForAdminUser returns the raw junction rows for an admin user,
// including edges pointing at soft-deleted roles. Used for the audit
// before-set, which records what was physically mapped.
func (r *Repository) ListRoleIDsForAdminUser(ctx context.Context, adminUserID string) ([]string, error) {
	return r.collectIDs(ctx, `SELECT role_id FROM admin_user_roles WHERE admin_user_id = $1`, adminUserID)
}

// ListPermissionIDsForRole returns the raw junction rows for a role.
func (r *Repository) ListPermissionIDsForRole(ctx context.Context, roleID string) ([]string, error) {
	return r.collectIDs(ctx, `SELECT permission_id FROM role_permissions WHERE role_id = $1`, roleID)
}

// ListRoleNamesForAdminUser returns the distinct names of active roles
// assigned to the admin user, sorted.
func (r *Repository) ListRoleNamesForAdminUser(ctx context.Context, adminUserID string) ([]string, error) {
	return r.collectIDs(ctx, `
		SELECT DISTINCT r.name
		FROM roles r
		JOIN admin_user_roles aur ON aur.role_id = r.id
		WHERE aur.admin_user_id = $1 AND r.deleted_at IS NULL
		ORDER BY r.name`, adminUserID)
}

// ListPermissionKeysForAdminUser returns the distinct keys of active
// permissions reachable through the admin user's active roles, sorted.
func (r *Repository) ListPermissionKeysForAdminUser(ctx context.Context, adminUserID string) ([]string, error) {
	return r.collectIDs(ctx, `
		SELECT DISTINCT p.key
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		JOIN roles r ON r.id = rp.role_id
		JOIN admin_user_roles aur ON aur.role_id = r.id
		WHERE aur.admin_user_id = $1 AND p.deleted_at IS NULL AND r.deleted_at IS NULL
		ORDER BY p.key`, adminUserID)
}

// CountAdminUsersWithRole counts active admin users still referencing the
// role. A positive count blocks role deletion.
func (r *Repository) CountAdminUsersWithRole(ctx context.Context, roleID string) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM admin_user_roles aur
		JOIN admin_users au ON au.id = aur.admin_user_id
		WHERE aur.role_id = $1 AND au.deleted_at IS NULL`, roleID).Scan(&count)
	return count, err
}

// CountRolesWithPermission counts active roles still referencing the
// permission. A positive count blocks permission deletion.
func (r *Repository) CountRolesWithPermission(ctx context.Context, permissionID string) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM role_permissions rp
		JOIN roles r ON r.id = rp.role_id
		WHERE rp.permission_id = $1 AND r.deleted_at IS NULL`, permissionID).Scan(&count)
	return count, err
}

func (r *Repository) collectIDs(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *txStore) DeleteAdminUserRoles(ctx context.Context, adminUserID string) error {
	_, err := s.tx.Exec(ctx, `DELETE FROM admin_user_roles WHERE admin_user_id = $1`, adminUserID)
	return err
}

func (s *txStore) InsertAdminUserRoles(ctx context.Context, adminUserID string, roleIDs []string) error {
	for _, roleID := range roleIDs {
		_, err := s.tx.Exec(ctx, `
			INSERT INTO admin_user_roles (admin_user_id, role_id, created_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT DO NOTHING`, adminUserID, roleID)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *txStore) DeleteRolePermissions(ctx context.Context, roleID string) error {
	_, err := s.tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID)
	return err
}

func (s *txStore) InsertRolePermissions(ctx context.Context, roleID string, permissionIDs []string) error {
	for _, permissionID := range permissionIDs {
		_, err := s.tx.Exec(ctx, `
			INSERT INTO role_permissions (role_id, permission_id, created_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT DO NOTHING`, roleID, permissionID)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *txStore) InsertAuditLog(ctx context.Context, entry audit.Entry) error {
	return audit.Insert(ctx, s.tx, entry)
}

// mapWriteError converts a unique-key violation into the conflict sentinel.
func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", httpx.ErrConflict, pgErr.ConstraintName)
	}
	return err
}
