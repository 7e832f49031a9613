package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/0x00K1/arcp/internal/registry"
	"github.com/0x00K1/arcp/internal/storage"
)

// TempTokens mints and consumes the single-use tokens handed out ahead
// of registration, stored as a hash per jti under temptoken:{jti}.
// Implements registry.TempTokenConsumer so the Registry can consume a
// token atomically during Register without importing this package's
// concrete type.
type TempTokens struct {
	storage storage.Adapter
	ttl     time.Duration
}

// NewTempTokens creates a temp-token store backed by storage.Adapter.
// ttl is clamped to a 15-minute ceiling.
func NewTempTokens(adapter storage.Adapter, ttl time.Duration) *TempTokens {
	if ttl <= 0 || ttl > 15*time.Minute {
		ttl = 15 * time.Minute
	}
	return &TempTokens{storage: adapter, ttl: ttl}
}

func tempTokenKey(jti string) string { return "temptoken:" + jti }

// Mint issues a new single-use temp token for the given agent identity
// and fingerprint, returning the opaque token id the caller (agent)
// must present verbatim to Register.
func (t *TempTokens) Mint(ctx context.Context, agentID, agentType, fingerprint string) (string, error) {
	jti := uuid.NewString()
	now := time.Now().UTC()
	fields := map[string]string{
		"agent_id":    agentID,
		"agent_type":  agentType,
		"fingerprint": fingerprint,
		"issued_at":   now.Format(time.RFC3339Nano),
		"expires_at":  now.Add(t.ttl).Format(time.RFC3339Nano),
		"consumed":    "false",
	}
	if err := t.storage.HSet(ctx, tempTokenKey(jti), fields); err != nil {
		return "", fmt.Errorf("auth: store temp token: %w", err)
	}
	return jti, nil
}

// Consume implements registry.TempTokenConsumer. It is atomic in the
// sense that the token is deleted from storage the moment it is read,
// so a second concurrent Consume call for the same jti observes
// not-found rather than a stale copy.
func (t *TempTokens) Consume(ctx context.Context, jti, agentID, agentType string) error {
	fields, err := t.storage.HGetAll(ctx, tempTokenKey(jti))
	if err != nil {
		return fmt.Errorf("auth: load temp token: %w", err)
	}
	if len(fields) == 0 {
		return registry.ErrTokenInvalid
	}

	// Delete first so a racing consumer sees not-found instead of a
	// partially-consumed token.
	_ = t.storage.Delete(ctx, tempTokenKey(jti))

	if fields["consumed"] == "true" {
		return registry.ErrTokenAlreadyUsed
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, fields["expires_at"])
	if err != nil {
		return registry.ErrTokenInvalid
	}
	if time.Now().After(expiresAt) {
		return registry.ErrTokenExpired
	}
	if fields["agent_id"] != agentID || fields["agent_type"] != agentType {
		return registry.ErrTokenInvalid
	}
	return nil
}
