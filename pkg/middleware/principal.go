// Package middleware holds small context-propagation helpers shared by the
// HTTP and WebSocket layers.
package middleware

import (
	"context"

	"github.com/0x00K1/arcp/pkg/contracts"
)

type contextKey string

const principalKey contextKey = "principal"

// SetPrincipal stores the authenticated Principal in the context.
// Called by the auth middleware after a successful AuthProviderChain walk.
func SetPrincipal(ctx context.Context, p *contracts.Principal) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the authenticated Principal from the context.
// Returns nil for anonymous (unauthenticated) requests.
func GetPrincipal(ctx context.Context) *contracts.Principal {
	if v, ok := ctx.Value(principalKey).(*contracts.Principal); ok {
		return v
	}
	return nil
}
