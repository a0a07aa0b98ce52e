package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is the subset of pgx satisfied by both *pgxpool.Pool and pgx.Tx,
// so an entry can be written standalone or inside the transaction of the
// operation it records.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Insert persists one entry. The entry id and timestamp are filled in when
// absent. Before/After snapshots are stored as JSON; a nil side is stored
// as SQL NULL, keeping "omitted" distinguishable from an empty snapshot.
func Insert(ctx context.Context, db Execer, entry Entry) error {
	if entry.ActorID == "" || entry.Action == "" || entry.TargetType == "" {
		return errors.New("audit: entry requires actor, action and target type")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}

	before, err := marshalSnapshot(entry.Before)
	if err != nil {
		return fmt.Errorf("audit: marshal before: %w", err)
	}
	after, err := marshalSnapshot(entry.After)
	if err != nil {
		return fmt.Errorf("audit: marshal after: %w", err)
	}

	_, err = db.Exec(ctx, `
		INSERT INTO audit_logs (id, actor_id, action, target_type, target_id, before, after, ip, user_agent, request_id, occurred_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), $11)`,
		entry.ID, entry.ActorID, string(entry.Action), string(entry.TargetType), entry.TargetID,
		before, after, entry.Request.IPAddress, entry.Request.UserAgent, entry.Request.RequestID,
		entry.OccurredAt)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

func marshalSnapshot(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
