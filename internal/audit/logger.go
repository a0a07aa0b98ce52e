package audit

import (
	"context"
	"errors"
)

// Logger writes entries outside an existing transaction. State-changing
// services write entries through their own transaction instead; this is for
// standalone events such as just-in-time provisioning.
type Logger struct {
	db Execer
}

// NewLogger returns a new Logger.
func NewLogger(db Execer) *Logger {
	return &Logger{db: db}
}

// Record persists the entry. A write failure is surfaced to the caller:
// audit completeness is a hard requirement for state-changing operations.
func (l *Logger) Record(ctx context.Context, entry Entry) error {
	if l == nil || l.db == nil {
		return errors.New("audit: logger not initialised")
	}
	return Insert(ctx, l.db, entry)
}
