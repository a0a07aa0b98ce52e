package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
)

// JunctionSweepJob removes role/permission mapping rows that reference a
// soft-deleted admin user, role or permission. Membership reads already
// filter these out through joins; the sweep keeps the junction tables from
// accumulating dead edges.
type JunctionSweepJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *Metrics
	clock   func() time.Time
}

// NewJunctionSweepJob initialises the sweep handler.
func NewJunctionSweepJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *Metrics) *JunctionSweepJob {
	return &JunctionSweepJob{
		Pool:    pool,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one sweep run.
func (j *JunctionSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Pool == nil {
		return errors.New("junction sweep: handler not configured")
	}
	var payload JunctionSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskJunctionSweep)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := j.clock()
	userRoles, err := j.sweepAdminUserRoles(ctx, payload.BatchSize)
	if err != nil {
		resultErr = err
		j.logger().Error("sweep admin_user_roles", slog.Any("error", err))
		return resultErr
	}
	rolePerms, err := j.sweepRolePermissions(ctx, payload.BatchSize)
	if err != nil {
		resultErr = err
		j.logger().Error("sweep role_permissions", slog.Any("error", err))
		return resultErr
	}

	j.logger().Info("junction sweep complete",
		slog.Int64("admin_user_roles_removed", userRoles),
		slog.Int64("role_permissions_removed", rolePerms),
		slog.Duration("took", j.clock().Sub(start)),
	)
	return nil
}

func (j *JunctionSweepJob) sweepAdminUserRoles(ctx context.Context, batch int) (int64, error) {
	tag, err := j.Pool.Exec(ctx, `
		DELETE FROM admin_user_roles
		WHERE ctid IN (
			SELECT aur.ctid
			FROM admin_user_roles aur
			LEFT JOIN admin_users au ON au.id = aur.admin_user_id AND au.deleted_at IS NULL
			LEFT JOIN roles r ON r.id = aur.role_id AND r.deleted_at IS NULL
			WHERE au.id IS NULL OR r.id IS NULL
			LIMIT CASE WHEN $1 > 0 THEN $1 ELSE NULL END
		)`, batch)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (j *JunctionSweepJob) sweepRolePermissions(ctx context.Context, batch int) (int64, error) {
	tag, err := j.Pool.Exec(ctx, `
		DELETE FROM role_permissions
		WHERE ctid IN (
			SELECT rp.ctid
			FROM role_permissions rp
			LEFT JOIN roles r ON r.id = rp.role_id AND r.deleted_at IS NULL
			LEFT JOIN permissions p ON p.id = rp.permission_id AND p.deleted_at IS NULL
			WHERE r.id IS NULL OR p.id IS NULL
			LIMIT CASE WHEN $1 > 0 THEN $1 ELSE NULL END
		)`, batch)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (j *JunctionSweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *JunctionSweepJob) metrics() *Metrics {
	return j.Metrics
}
