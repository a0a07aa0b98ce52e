package rbac

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fleetgate/fleetgate/internal/permission"
	"github.com/fleetgate/fleetgate/internal/platform/httpx"
)

// GrantResolver resolves the grants behind an external subject id.
type GrantResolver interface {
	ResolveForSubject(ctx context.Context, subjectID string) (*Grants, error)
}

// Guard makes the per-request authorization decision. Checks run in a fixed
// order and short-circuit on the first failure; every ambiguous or missing
// condition denies. The guard performs no writes.
type Guard struct {
	resolver GrantResolver
	logger   *slog.Logger
}

// NewGuard constructs a Guard.
func NewGuard(resolver GrantResolver, logger *slog.Logger) *Guard {
	return &Guard{resolver: resolver, logger: logger}
}

// CheckGroups is the coarse system-group gate. A route must declare its
// required groups explicitly; absent metadata denies. Matching is any-of.
func (g *Guard) CheckGroups(p *Principal, required []string) error {
	if p == nil {
		return httpx.ErrUnauthorized
	}
	if len(required) == 0 {
		return fmt.Errorf("%w: route declares no group requirement", httpx.ErrForbidden)
	}
	if !p.InAnyGroup(required) {
		return httpx.ErrForbidden
	}
	return nil
}

// Authorize runs the full decision for a protected admin operation:
// principal present, ADMIN system group, declared permission metadata,
// resolvable active admin account, and at least one granted pattern
// matching a required key. On allow it returns the resolved grants so the
// handler can identify the actor.
func (g *Guard) Authorize(ctx context.Context, p *Principal, req Requirement) (*Grants, error) {
	if p == nil {
		return nil, httpx.ErrUnauthorized
	}
	if !p.InGroup(GroupAdmin) {
		return nil, httpx.ErrForbidden
	}
	if len(req.Groups) > 0 && !p.InAnyGroup(req.Groups) {
		return nil, httpx.ErrForbidden
	}
	if len(req.AnyOf) == 0 {
		return nil, fmt.Errorf("%w: route declares no permission requirement", httpx.ErrForbidden)
	}
	grants, err := g.resolver.ResolveForSubject(ctx, p.SubjectID)
	if err != nil {
		if g.logger != nil {
			g.logger.Error("rbac resolve grants", slog.String("subject", p.SubjectID), slog.Any("error", err))
		}
		return nil, err
	}
	if grants == nil {
		return nil, httpx.ErrForbidden
	}
	if !permission.AnyAllowed(req.AnyOf, grants.Permissions) {
		return nil, httpx.ErrForbidden
	}
	return grants, nil
}
