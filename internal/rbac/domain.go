// Package rbac implements fine-grained access control for the admin surface:
// admin user / role / permission management, permission resolution, and the
// per-request authorization guard. All authoritative state lives in
// PostgreSQL; the package holds no mutable state across requests.
package rbac

import "time"

// AdminUserStatus is the lifecycle state of an admin account.
type AdminUserStatus string

const (
	// StatusActive marks an account that may authorize requests.
	StatusActive AdminUserStatus = "ACTIVE"
	// StatusDisabled marks an account that is locked out but retained.
	StatusDisabled AdminUserStatus = "DISABLED"
)

// Valid reports whether the status is one of the closed set.
func (s AdminUserStatus) Valid() bool {
	return s == StatusActive || s == StatusDisabled
}

// AdminUser bridges an externally verified principal to the RBAC system.
// Rows are never hard-deleted; DeletedAt is the tombstone.
type AdminUser struct {
	ID        string
	SubjectID string
	Email     string
	Status    AdminUserStatus
	DeletedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Role is a named bundle of permissions.
type Role struct {
	ID          string
	Name        string
	Description string
	DeletedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Permission is an atomic capability keyed as "<module>:<action>".
type Permission struct {
	ID          string
	Key         string
	Description string
	DeletedAt   *time.Time
	CreatedAt   time.Time
}

// Grants is the resolved authorization state of one admin user. RoleNames
// and Permissions are deduplicated and sorted.
type Grants struct {
	AdminUserID string   `json:"adminUserId"`
	RoleNames   []string `json:"roleNames"`
	Permissions []string `json:"permissions"`
}

// System groups attached to principals by the identity provider. They gate
// entire API surfaces before fine-grained permissions are consulted.
const (
	GroupAdmin     = "ADMIN"
	GroupDriver    = "DRIVER"
	GroupPassenger = "PASSENGER"
)

// Principal is the already-verified caller identity handed in by the
// gateway. This package never parses or validates raw credentials.
type Principal struct {
	SubjectID string
	Groups    []string
}

// InGroup reports whether the principal carries the given system group.
func (p *Principal) InGroup(group string) bool {
	if p == nil {
		return false
	}
	for _, g := range p.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// InAnyGroup reports whether the principal carries at least one of the
// given groups.
func (p *Principal) InAnyGroup(groups []string) bool {
	for _, g := range groups {
		if p.InGroup(g) {
			return true
		}
	}
	return false
}

// Requirement is the statically declared authorization metadata attached to
// a protected route at registration time. A route with an empty Requirement
// is denied outright: protection is opt-in, absence is fail-closed.
type Requirement struct {
	// Groups the principal must intersect. The guard additionally always
	// requires GroupAdmin for the admin surface.
	Groups []string
	// AnyOf lists permission keys of which at least one must be granted.
	AnyOf []string
}
