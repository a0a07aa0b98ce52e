package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is one persisted entry as returned by read queries. Snapshots stay
// raw JSON; callers render them verbatim.
type Record struct {
	ID         string          `json:"id"`
	ActorID    string          `json:"actorId"`
	Action     Action          `json:"action"`
	TargetType TargetType      `json:"targetType"`
	TargetID   string          `json:"targetId,omitempty"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	IPAddress  string          `json:"ipAddress,omitempty"`
	UserAgent  string          `json:"userAgent,omitempty"`
	RequestID  string          `json:"requestId,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// Filters narrows timeline queries. Zero values mean "no filter".
type Filters struct {
	From       time.Time
	To         time.Time
	ActorID    string
	TargetType string
	Action     string
	Page       int
	PageSize   int
}

// Repository provides PostgreSQL backed reads over audit_logs.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const recordColumns = `id, actor_id, action, target_type, COALESCE(target_id, ''), before, after,
	COALESCE(ip, ''), COALESCE(user_agent, ''), COALESCE(request_id, ''), occurred_at`

// ListWindow returns up to limit entries at the given offset, newest first.
func (r *Repository) ListWindow(ctx context.Context, filters Filters, offset, limit int) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM audit_logs
		WHERE ($1::timestamptz IS NULL OR occurred_at >= $1)
		  AND ($2::timestamptz IS NULL OR occurred_at <= $2)
		  AND ($3 = '' OR actor_id = $3)
		  AND ($4 = '' OR target_type = $4)
		  AND ($5 = '' OR action = $5)
		ORDER BY occurred_at DESC, id DESC
		OFFSET $6 LIMIT $7`,
		nullableTime(filters.From), nullableTime(filters.To),
		filters.ActorID, filters.TargetType, filters.Action,
		offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListAll returns every matching entry, newest first.
func (r *Repository) ListAll(ctx context.Context, filters Filters) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM audit_logs
		WHERE ($1::timestamptz IS NULL OR occurred_at >= $1)
		  AND ($2::timestamptz IS NULL OR occurred_at <= $2)
		  AND ($3 = '' OR actor_id = $3)
		  AND ($4 = '' OR target_type = $4)
		  AND ($5 = '' OR action = $5)
		ORDER BY occurred_at DESC, id DESC`,
		nullableTime(filters.From), nullableTime(filters.To),
		filters.ActorID, filters.TargetType, filters.Action)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows pgx.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.ActorID, &rec.Action, &rec.TargetType, &rec.TargetID,
			&rec.Before, &rec.After, &rec.IPAddress, &rec.UserAgent, &rec.RequestID, &rec.OccurredAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
