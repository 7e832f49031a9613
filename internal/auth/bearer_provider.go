package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/0x00K1/arcp/pkg/contracts"
)

// BearerProvider validates the control plane's own signed tokens
// (admin, agent, temp) from the Authorization: Bearer header, the
// main entry in ARCP's provider chain.
type BearerProvider struct {
	tokens *TokenIssuer
}

// NewBearerProvider wraps a TokenIssuer as an AuthProvider.
func NewBearerProvider(tokens *TokenIssuer) *BearerProvider {
	return &BearerProvider{tokens: tokens}
}

func (p *BearerProvider) Name() string  { return "bearer" }
func (p *BearerProvider) Enabled() bool { return p.tokens != nil }

// Authenticate extracts a bearer token and the client fingerprint
// header, validating both against the TokenIssuer.
func (p *BearerProvider) Authenticate(ctx context.Context, r *http.Request) (*contracts.Principal, error) {
	token := extractBearer(r)
	if token == "" {
		return nil, nil
	}
	fingerprint := r.Header.Get("X-Client-Fingerprint")
	principal, err := p.tokens.Validate(ctx, token, fingerprint)
	if err != nil {
		return nil, err
	}
	return principal, nil
}

func extractBearer(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
