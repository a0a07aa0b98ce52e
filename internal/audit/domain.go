// Package audit maintains the append-only trail of administrative state
// changes. Entries are written synchronously inside the transaction of the
// operation they record and are never mutated or deleted.
package audit

import "time"

// Action is the closed set of recorded state changes.
type Action string

const (
	ActionCreate            Action = "CREATE"
	ActionUpdate            Action = "UPDATE"
	ActionDelete            Action = "DELETE"
	ActionAssignRoles       Action = "ASSIGN_ROLES"
	ActionAssignPermissions Action = "ASSIGN_PERMISSIONS"
)

// TargetType identifies the entity kind an entry refers to.
type TargetType string

const (
	TargetAdminUser  TargetType = "ADMIN_USER"
	TargetRole       TargetType = "ROLE"
	TargetPermission TargetType = "PERMISSION"
)

// RequestContext carries caller metadata captured at the boundary.
// All fields are optional.
type RequestContext struct {
	RequestID string
	IPAddress string
	UserAgent string
}

// Entry is one immutable audit record. Before and After are opaque
// structured snapshots; a nil side means the side was omitted (created or
// deleted events carry only one side).
type Entry struct {
	ID         string
	ActorID    string
	Action     Action
	TargetType TargetType
	TargetID   string
	Before     any
	After      any
	Request    RequestContext
	OccurredAt time.Time
}
