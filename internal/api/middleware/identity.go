// Package middleware provides the HTTP middleware stack for the ops API:
// correlation ids, panic recovery, request logging, and service-token
// authentication.
package middleware

import (
	"context"

	"github.com/osa-io/osa/internal/identity"
)

// identityKey is the context key for the authenticated identity.
type identityKey struct{}

// WithIdentity returns a context carrying the given identity.
func WithIdentity(ctx context.Context, id identity.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom extracts the authenticated identity from the context.
// Requests that never passed token authentication are Anonymous.
func IdentityFrom(ctx context.Context) identity.Identity {
	if id, ok := ctx.Value(identityKey{}).(identity.Identity); ok {
		return id
	}

	return identity.Anonymous{}
}
