package rbac

import "context"

type principalContextKey struct{}

type grantsContextKey struct{}

// ContextWithPrincipal stores the verified principal in context.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the principal from context, nil when absent.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey{}).(*Principal)
	return p
}

// ContextWithGrants stores resolved grants in context after an allow.
func ContextWithGrants(ctx context.Context, g *Grants) context.Context {
	return context.WithValue(ctx, grantsContextKey{}, g)
}

// GrantsFromContext extracts resolved grants from context, nil when absent.
func GrantsFromContext(ctx context.Context) *Grants {
	g, _ := ctx.Value(grantsContextKey{}).(*Grants)
	return g
}
