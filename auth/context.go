package auth

import (
	"context"
	"slices"
)

// DefaultRoleLevel is forwarded when a token carries no roleLevel claim.
const DefaultRoleLevel = 10

// Context is the authorization context of one request.
type Context struct {
	SubjectID   string   `json:"id"`
	Email       string   `json:"email"`
	Role        Role     `json:"role"`
	RoleLevel   int      `json:"roleLevel"`
	Permissions []string `json:"permissions"`
}

// Has reports whether permission was granted.
func (c Context) Has(permission string) bool {
	return slices.Contains(c.Permissions, permission)
}

// Outranks reports whether c has a strictly higher level than other.
func (c Context) Outranks(other Context) bool {
	return c.RoleLevel > other.RoleLevel
}

type contextKey struct{}

// WithContext returns ctx carrying c.
func WithContext(ctx context.Context, c Context) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext returns the authorization context attached by the
// middlewares.
func FromContext(ctx context.Context) (Context, bool) {
	c, ok := ctx.Value(contextKey{}).(Context)
	return c, ok
}
