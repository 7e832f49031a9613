package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/0x00K1/arcp/pkg/contracts"
	"github.com/0x00K1/arcp/pkg/models"
)

// ScrapeProvider grants the scrape role to holders of the configured
// METRICS_SCRAPE_TOKEN, a single static secret compared in constant
// time.
type ScrapeProvider struct {
	token   string
	enabled bool
}

// NewScrapeProvider creates a scrape-token provider. Disabled (never
// matches) when token is empty.
func NewScrapeProvider(token string) *ScrapeProvider {
	return &ScrapeProvider{token: token, enabled: token != ""}
}

func (p *ScrapeProvider) Name() string  { return "scrape" }
func (p *ScrapeProvider) Enabled() bool { return p.enabled }

func (p *ScrapeProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Principal, error) {
	candidate := extractBearer(r)
	if candidate == "" {
		candidate = r.Header.Get("X-Scrape-Token")
	}
	if candidate == "" {
		return nil, nil
	}
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(p.token)) != 1 {
		return nil, nil // not our token; let the next provider try
	}
	return &contracts.Principal{
		Subject:   "scrape",
		Role:      models.RoleScrape,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}, nil
}
