package auth

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/0x00K1/arcp/internal/metrics"
	"github.com/0x00K1/arcp/pkg/contracts"
)

// ProviderChain resolves a request to a Principal by trying ARCP's
// authentication providers in a fixed order. Order is part of the
// contract: the scrape provider must precede the bearer provider,
// because the scrape provider hands unrecognized tokens onward while
// the bearer (JWT) provider rejects anything it cannot parse. The
// chain is immutable after construction; disabled providers are
// filtered out up front rather than re-checked per request.
type ProviderChain struct {
	providers []contracts.AuthProvider
}

// NewProviderChain builds the chain from providers in authentication
// order, dropping any that report themselves disabled.
func NewProviderChain(providers ...contracts.AuthProvider) *ProviderChain {
	enabled := make([]contracts.AuthProvider, 0, len(providers))
	for _, p := range providers {
		if !p.Enabled() {
			log.Info().Str("provider", p.Name()).Msg("auth provider disabled, skipping")
			continue
		}
		enabled = append(enabled, p)
		log.Info().Str("provider", p.Name()).Msg("auth provider enabled")
	}
	return &ProviderChain{providers: enabled}
}

// Authenticate walks the providers in order. A provider returning
// (nil, nil) declines the request and the walk continues; a Principal
// ends the walk; an error rejects the request immediately and is
// counted against that provider in the auth-failure metrics.
func (c *ProviderChain) Authenticate(ctx context.Context, r *http.Request) (*contracts.Principal, error) {
	for _, p := range c.providers {
		principal, err := p.Authenticate(ctx, r)
		if err != nil {
			metrics.AuthFailuresTotal.WithLabelValues(p.Name()).Inc()
			log.Debug().Str("provider", p.Name()).Str("remote", r.RemoteAddr).Err(err).Msg("authentication rejected")
			return nil, err
		}
		if principal != nil {
			return principal, nil
		}
	}
	return nil, nil
}
