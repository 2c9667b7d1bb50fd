// Package auth carries the authenticated caller through the request context.
// Authentication itself happens upstream at the API gateway; this service
// only checks business-rule legality of the requested transition.
package auth

import "context"

// Role is the workflow role granted to a principal.
type Role string

const (
	RoleMaker   Role = "MAKER"
	RoleChecker Role = "CHECKER"
	RoleAdmin   Role = "ADMIN"
)

// Principal is the authenticated caller for one request. It is always passed
// explicitly into service operations, never read from ambient state.
type Principal struct {
	Username string
	Role     Role
}

// Can reports whether the principal may act in the required role.
// ADMIN may perform any action.
func (p Principal) Can(required Role) bool {
	return p.Role == required || p.Role == RoleAdmin
}

type contextKey struct{}

// WithPrincipal returns a context carrying the principal.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext extracts the principal set by the middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}
