// Package principal carries the {user_id, roles} identity the RPC
// dispatcher enforces ownership checks against. It never parses a bearer
// token or cookie itself: a pre-auth layer decodes the token and attaches
// the result to the request context, following the usual
// unexported-contextKey-plus-package-level-accessor convention, as a
// standalone package so the rpc package's handlers and any future transport
// can share it.
package principal

import "context"

// AdminRole is the role that bypasses per-task user_id ownership checks.
const AdminRole = "admin"

// Principal is the decoded identity attached to a request.
type Principal struct {
	UserID string
	Roles  []string
}

// IsAdmin reports whether p carries the admin role.
func (p Principal) IsAdmin() bool {
	for _, role := range p.Roles {
		if role == AdminRole {
			return true
		}
	}
	return false
}

// Owns reports whether p may act on a task owned by userID: either p is an
// admin, or p's own user_id matches.
func (p Principal) Owns(userID string) bool {
	return p.IsAdmin() || p.UserID == userID
}

type contextKey struct{}

// WithContext attaches p to ctx.
func WithContext(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the principal attached to ctx, or the zero Principal
// and false if none was attached.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}
