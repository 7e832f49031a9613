// Package contracts defines the boundary between the HTTP edge and the
// pluggable authentication layer, generalized from a provider-chain
// pattern used elsewhere in the control plane's auth package.
package contracts

import (
	"context"
	"net/http"
	"time"

	"github.com/0x00K1/arcp/pkg/models"
)

// Principal represents an authenticated caller — an admin, an agent, a
// temp-token holder mid-registration, or a scrape client.
type Principal struct {
	Subject         string      `json:"subject"`
	Role            models.Role `json:"role"`
	AgentID         string      `json:"agent_id,omitempty"`
	FingerprintHash string      `json:"-"`
	JTI             string      `json:"jti"`
	ExpiresAt       time.Time   `json:"expires_at"`
}

// AuthProvider authenticates an HTTP request and returns a Principal.
//
// The chain pattern:
//   - (*Principal, nil) → authenticated, stop walking the chain
//   - (nil, nil)        → this provider doesn't handle this request, try next
//   - (nil, error)      → authentication was attempted but failed, reject
type AuthProvider interface {
	Name() string
	Enabled() bool
	Authenticate(ctx context.Context, r *http.Request) (*Principal, error)
}

// AuthProviderChain tries providers in priority order until one returns a Principal.
type AuthProviderChain interface {
	Authenticate(ctx context.Context, r *http.Request) (*Principal, error)
}
