// Package auth implements the authentication and session core: JWT
// bearer tokens for the {admin, agent, temp, scrape} roles, admin PIN
// sessions, single-use temp tokens, and rate-limit/backoff accounting.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/0x00K1/arcp/pkg/contracts"
	"github.com/0x00K1/arcp/pkg/models"
)

var (
	ErrExpired            = errors.New("auth: token expired")
	ErrInvalid            = errors.New("auth: token invalid")
	ErrFingerprintMismatch = errors.New("auth: fingerprint mismatch")
	ErrRevoked            = errors.New("auth: token revoked")
)

// claims is the JWT payload carried by every ARCP bearer token.
type claims struct {
	Role            models.Role `json:"role"`
	FingerprintHash string      `json:"fingerprint_hash"`
	AgentID         string      `json:"agent_id,omitempty"`
	jwt.RegisteredClaims
}

// RevocationChecker reports whether a JTI has been revoked (admin
// logout). Implemented by Sessions.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// TokenIssuer mints and validates the control plane's bearer tokens.
// It refuses to operate without a configured secret — auth is
// fail-fast, never silently disabled.
type TokenIssuer struct {
	secret        []byte
	method        jwt.SigningMethod
	defaultExpiry time.Duration
	revocation    RevocationChecker
}

// NewTokenIssuer creates an issuer/validator pair. algorithm must name
// a jwt-go HMAC method ("HS256", "HS384", "HS512"); secret must be
// non-empty.
func NewTokenIssuer(secret []byte, algorithm string, defaultExpiry time.Duration, revocation RevocationChecker) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("auth: JWT_SECRET must be configured")
	}
	method := jwt.GetSigningMethod(algorithm)
	if method == nil {
		method = jwt.SigningMethodHS256
	}
	if defaultExpiry <= 0 {
		defaultExpiry = 60 * time.Minute
	}
	return &TokenIssuer{secret: secret, method: method, defaultExpiry: defaultExpiry, revocation: revocation}, nil
}

// IssueOpts customizes a single token mint.
type IssueOpts struct {
	Subject         string
	Role            models.Role
	AgentID         string
	FingerprintHash string
	TTL             time.Duration
}

// Issue mints a signed bearer token for the given principal.
func (t *TokenIssuer) Issue(opts IssueOpts) (string, string, time.Time, error) {
	ttl := opts.TTL
	if ttl == 0 {
		ttl = t.defaultExpiry
	}
	now := time.Now().UTC()
	exp := now.Add(ttl)
	jti := uuid.NewString()

	c := claims{
		Role:            opts.Role,
		FingerprintHash: opts.FingerprintHash,
		AgentID:         opts.AgentID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   opts.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti,
		},
	}
	tok := jwt.NewWithClaims(t.method, c)
	signed, err := tok.SignedString(t.secret)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, jti, exp, nil
}

// Validate parses and verifies a bearer token, checking signature,
// expiry, revocation, and (when the caller supplies a non-empty
// fingerprintHash) the bound fingerprint.
func (t *TokenIssuer) Validate(ctx context.Context, token, fingerprintHash string) (*contracts.Principal, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(tok *jwt.Token) (interface{}, error) {
		if tok.Method.Alg() != t.method.Alg() {
			return nil, fmt.Errorf("unexpected signing method %q", tok.Method.Alg())
		}
		return t.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalid
	}

	if fingerprintHash != "" && c.FingerprintHash != "" && fingerprintHash != c.FingerprintHash {
		return nil, ErrFingerprintMismatch
	}

	// Only admin tokens have a backing session record; for the other
	// roles a missing record would read as revoked.
	if t.revocation != nil && c.Role == models.RoleAdmin {
		revoked, err := t.revocation.IsRevoked(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("auth: check revocation: %w", err)
		}
		if revoked {
			return nil, ErrRevoked
		}
	}

	exp := time.Time{}
	if c.ExpiresAt != nil {
		exp = c.ExpiresAt.Time
	}
	return &contracts.Principal{
		Subject:         c.Subject,
		Role:            c.Role,
		AgentID:         c.AgentID,
		FingerprintHash: c.FingerprintHash,
		JTI:             c.ID,
		ExpiresAt:       exp,
	}, nil
}
