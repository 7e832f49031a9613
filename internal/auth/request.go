package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
)

var (
	ErrAgentKeyInvalid = errors.New("auth: agent key invalid")
	ErrTypeNotAllowed  = errors.New("auth: agent_type not allowed")
)

// AgentKeys validates a submitted registration key against the
// configured set (AGENT_KEYS), constant-time per key.
type AgentKeys struct {
	keys map[string]struct{}
}

// NewAgentKeys builds a validator from the configured key list.
func NewAgentKeys(keys []string) *AgentKeys {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k != "" {
			set[k] = struct{}{}
		}
	}
	return &AgentKeys{keys: set}
}

// Valid reports whether candidate matches any configured key.
func (a *AgentKeys) Valid(candidate string) bool {
	for k := range a.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(k)) == 1 {
			return true
		}
	}
	return false
}

// RequestTempToken validates the agent key and agent_type, consults
// the per-source+agent_id rate limiter, and mints a temp token.
func (t *TempTokens) RequestTempToken(
	ctx context.Context,
	agentID, agentType, agentKey, fingerprint, sourceIP string,
	keys *AgentKeys,
	allowedTypes map[string]struct{},
	limiter *FixedWindowLimiter,
) (string, error) {
	if !keys.Valid(agentKey) {
		return "", ErrAgentKeyInvalid
	}
	if allowedTypes != nil {
		if _, ok := allowedTypes[agentType]; !ok {
			return "", ErrTypeNotAllowed
		}
	}
	if limiter != nil {
		ok, err := limiter.Allow(ctx, sourceIP+"|"+agentID)
		if err != nil {
			return "", fmt.Errorf("auth: rate limit check: %w", err)
		}
		if !ok {
			return "", ErrRateLimited
		}
	}
	return t.Mint(ctx, agentID, agentType, fingerprint)
}
