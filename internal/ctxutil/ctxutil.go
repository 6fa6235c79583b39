// Package ctxutil provides shared context key accessors.
//
// This package exists to break the circular dependency between server and mcp:
// server imports mcp for MCP server setup, and mcp needs to read JWT claims
// from the context that server's auth middleware populates. Both packages
// import ctxutil instead of each other.
package ctxutil

import (
	"context"

	"github.com/ashita-ai/sekimon/internal/auth"
)

type contextKey string

const (
	keyClaims      contextKey = "claims"
	keyRequestMeta contextKey = "request_meta"
)

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, keyClaims, claims)
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// PrincipalID returns the authenticated principal's id, or "" when the
// context carries no claims.
func PrincipalID(ctx context.Context) string {
	if c := ClaimsFromContext(ctx); c != nil {
		return c.PrincipalID
	}
	return ""
}
