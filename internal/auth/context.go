// ABOUTME: Authorization context attached to authenticated connections
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// Context holds the authorization state produced by the Gate for one
// connection. It is immutable once attached except for permission refresh
// on reauthentication, which replaces the whole value.
type Context struct {
	ConnID         string
	Authenticated  bool
	Profile        string
	Permissions    map[string]struct{}
	BoundSessionID string
}

// NewContext builds an authenticated Context for a connection with the
// given permission list.
func NewContext(connID, profile string, perms []string) *Context {
	set := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return &Context{
		ConnID:        connID,
		Authenticated: true,
		Profile:       profile,
		Permissions:   set,
	}
}

// Has reports whether the context carries the given permission.
func (c *Context) Has(perm string) bool {
	if c == nil {
		return false
	}
	_, ok := c.Permissions[perm]
	return ok
}

// HasAll reports whether the context carries every listed permission.
func (c *Context) HasAll(perms []string) bool {
	for _, p := range perms {
		if !c.Has(p) {
			return false
		}
	}
	return true
}

// authContextKey is the key type for storing Context in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the authorization Context attached.
func WithAuth(ctx context.Context, ac *Context) context.Context {
	return context.WithValue(ctx, authContextKey{}, ac)
}

// FromContext retrieves the authorization Context, returning nil if not present.
func FromContext(ctx context.Context) *Context {
	val := ctx.Value(authContextKey{})
	if val == nil {
		return nil
	}
	ac, ok := val.(*Context)
	if !ok {
		return nil
	}
	return ac
}
