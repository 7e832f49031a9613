package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/0x00K1/arcp/internal/storage"
	"github.com/0x00K1/arcp/pkg/models"
)

var (
	ErrBadCredentials  = errors.New("auth: bad credentials")
	ErrRateLimited     = errors.New("auth: rate limited")
	ErrPINAlreadySet   = errors.New("auth: pin already set for this session")
	ErrPINTooWeak      = errors.New("auth: pin does not meet strength requirements")
	ErrPINLocked       = errors.New("auth: pin verification locked")
	ErrPINMismatch     = errors.New("auth: pin mismatch")
	ErrPINNotVerified  = errors.New("auth: pin verification required or stale")
)

var commonPINs = map[string]struct{}{
	"0000": {}, "1111": {}, "1234": {}, "4321": {}, "0001": {}, "9999": {},
}

const pinFreshness = 15 * time.Minute
const pinMaxAttempts = 5
const pinLockout = 10 * time.Minute

// AdminCredentials holds the single configured admin identity
// (ADMIN_USERNAME / ADMIN_PASSWORD_HASH).
type AdminCredentials struct {
	Username     string
	PasswordHash string // bcrypt hash
}

// Sessions owns the AdminSession table, stored as a hash per jti under
// session:{jti} so individual fields (pin_attempts, revoked) are
// inspectable without decoding a blob, and doubles as the TokenIssuer's
// RevocationChecker.
type Sessions struct {
	storage storage.Adapter
}

// NewSessions wraps a storage.Adapter as the admin session table.
func NewSessions(adapter storage.Adapter) *Sessions {
	return &Sessions{storage: adapter}
}

func sessionKey(jti string) string { return "session:" + jti }

func (s *Sessions) save(ctx context.Context, sess *models.AdminSession) error {
	fields := map[string]string{
		"user_id":          sess.UserID,
		"fingerprint":      sess.Fingerprint,
		"issued_at":        sess.IssuedAt.Format(time.RFC3339Nano),
		"expires_at":       sess.ExpiresAt.Format(time.RFC3339Nano),
		"pin_hash":         sess.PINHash,
		"pin_verified_at":  formatTimePtr(sess.PINVerifiedAt),
		"pin_attempts":     strconv.Itoa(sess.PINAttempts),
		"pin_locked_until": formatTimePtr(sess.PINLockedUntil),
		"revoked":          strconv.FormatBool(sess.Revoked),
	}
	return s.storage.HSet(ctx, sessionKey(sess.JTI), fields)
}

func (s *Sessions) load(ctx context.Context, jti string) (*models.AdminSession, error) {
	fields, err := s.storage.HGetAll(ctx, sessionKey(jti))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, &storage.ErrNotFound{Key: sessionKey(jti)}
	}

	sess := &models.AdminSession{
		JTI:            jti,
		UserID:         fields["user_id"],
		Fingerprint:    fields["fingerprint"],
		PINHash:        fields["pin_hash"],
		PINVerifiedAt:  parseTimePtr(fields["pin_verified_at"]),
		PINLockedUntil: parseTimePtr(fields["pin_locked_until"]),
		Revoked:        fields["revoked"] == "true",
	}
	sess.IssuedAt, _ = time.Parse(time.RFC3339Nano, fields["issued_at"])
	sess.ExpiresAt, _ = time.Parse(time.RFC3339Nano, fields["expires_at"])
	sess.PINAttempts, _ = strconv.Atoi(fields["pin_attempts"])

	// Hashes carry no TTL, so expiry is enforced on read.
	if time.Now().After(sess.ExpiresAt) {
		_ = s.storage.Delete(ctx, sessionKey(jti))
		return nil, &storage.ErrNotFound{Key: sessionKey(jti)}
	}
	return sess, nil
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTimePtr(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil
	}
	return &t
}

// IsRevoked implements RevocationChecker: a session is revoked once
// it no longer exists or its Revoked flag is set.
func (s *Sessions) IsRevoked(ctx context.Context, jti string) (bool, error) {
	sess, err := s.load(ctx, jti)
	if err != nil {
		return true, nil
	}
	return sess.Revoked, nil
}

// AdminAuth implements admin login, the PIN lifecycle, and logout.
type AdminAuth struct {
	creds    AdminCredentials
	tokens   *TokenIssuer
	sessions *Sessions
	ledger   *LoginAttemptLedger
}

// NewAdminAuth wires the admin login/PIN surface from its
// collaborators.
func NewAdminAuth(creds AdminCredentials, tokens *TokenIssuer, sessions *Sessions, ledger *LoginAttemptLedger) *AdminAuth {
	return &AdminAuth{creds: creds, tokens: tokens, sessions: sessions, ledger: ledger}
}

// Login validates credentials against the configured admin identity,
// consulting the LoginAttemptLedger first and recording the outcome.
func (a *AdminAuth) Login(ctx context.Context, username, password, sourceIP, fingerprintHash string) (token string, retryAfter time.Duration, err error) {
	status, cerr := a.ledger.Check(ctx, username, sourceIP)
	if cerr != nil {
		return "", 0, cerr
	}
	if status.Locked {
		return "", status.RetryAfter, ErrRateLimited
	}

	if subtle.ConstantTimeCompare([]byte(username), []byte(a.creds.Username)) != 1 {
		_ = a.ledger.RecordFailure(ctx, username, sourceIP)
		return "", status.RetryAfter, ErrBadCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(a.creds.PasswordHash), []byte(password)) != nil {
		_ = a.ledger.RecordFailure(ctx, username, sourceIP)
		return "", status.RetryAfter, ErrBadCredentials
	}

	_ = a.ledger.Reset(ctx, username, sourceIP)

	signed, jti, exp, err := a.tokens.Issue(IssueOpts{
		Subject:         username,
		Role:            models.RoleAdmin,
		FingerprintHash: fingerprintHash,
	})
	if err != nil {
		return "", 0, err
	}

	sess := &models.AdminSession{
		JTI:         jti,
		UserID:      username,
		Fingerprint: fingerprintHash,
		IssuedAt:    time.Now().UTC(),
		ExpiresAt:   exp,
	}
	if err := a.sessions.save(ctx, sess); err != nil {
		return "", 0, fmt.Errorf("auth: persist session: %w", err)
	}
	return signed, 0, nil
}

// SetPIN stores a salted PIN hash on the session, allowed exactly
// once. Validates minimum strength: length 4-32, must mix letters and
// digits, not a common pattern.
func (a *AdminAuth) SetPIN(ctx context.Context, jti, pin string) error {
	sess, err := a.sessions.load(ctx, jti)
	if err != nil {
		return ErrInvalid
	}
	if sess.PINHash != "" {
		return ErrPINAlreadySet
	}
	if err := validatePINStrength(pin); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("auth: hash pin: %w", err)
	}
	sess.PINHash = string(hash)
	return a.sessions.save(ctx, sess)
}

func validatePINStrength(pin string) error {
	if len(pin) < 4 || len(pin) > 32 {
		return ErrPINTooWeak
	}
	if _, common := commonPINs[pin]; common {
		return ErrPINTooWeak
	}
	hasLetter, hasDigit := false, false
	for _, r := range pin {
		switch {
		case r >= '0' && r <= '9':
			hasDigit = true
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			hasLetter = true
		}
	}
	if !hasLetter || !hasDigit {
		return ErrPINTooWeak
	}
	return nil
}

// VerifyPIN constant-time compares the submitted PIN against the
// stored hash, tracking failures toward a cooldown lockout.
func (a *AdminAuth) VerifyPIN(ctx context.Context, jti, pin string) error {
	sess, err := a.sessions.load(ctx, jti)
	if err != nil {
		return ErrInvalid
	}
	if sess.PINLockedUntil != nil && time.Now().Before(*sess.PINLockedUntil) {
		return ErrPINLocked
	}
	if sess.PINHash == "" {
		return ErrPINMismatch
	}

	if bcrypt.CompareHashAndPassword([]byte(sess.PINHash), []byte(pin)) != nil {
		sess.PINAttempts++
		if sess.PINAttempts >= pinMaxAttempts {
			lockUntil := time.Now().Add(pinLockout)
			sess.PINLockedUntil = &lockUntil
			sess.PINAttempts = 0
		}
		_ = a.sessions.save(ctx, sess)
		return ErrPINMismatch
	}

	now := time.Now().UTC()
	sess.PINVerifiedAt = &now
	sess.PINAttempts = 0
	sess.PINLockedUntil = nil
	return a.sessions.save(ctx, sess)
}

// RequirePIN is the admission predicate destructive admin operations
// call before proceeding: requires a fresh pin_verified_at (within
// pinFreshness) and a non-locked state.
func (a *AdminAuth) RequirePIN(ctx context.Context, jti string) error {
	sess, err := a.sessions.load(ctx, jti)
	if err != nil {
		return ErrInvalid
	}
	if sess.PINLockedUntil != nil && time.Now().Before(*sess.PINLockedUntil) {
		return ErrPINLocked
	}
	if sess.PINVerifiedAt == nil || time.Since(*sess.PINVerifiedAt) > pinFreshness {
		return ErrPINNotVerified
	}
	return nil
}

// PINStatus reports whether the session has a PIN configured and
// whether a verification is still fresh enough to pass RequirePIN.
func (a *AdminAuth) PINStatus(ctx context.Context, jti string) (set, fresh bool, err error) {
	sess, err := a.sessions.load(ctx, jti)
	if err != nil {
		return false, false, ErrInvalid
	}
	set = sess.PINHash != ""
	fresh = sess.PINVerifiedAt != nil &&
		time.Since(*sess.PINVerifiedAt) <= pinFreshness &&
		(sess.PINLockedUntil == nil || time.Now().After(*sess.PINLockedUntil))
	return set, fresh, nil
}

// Logout revokes the session and clears its PIN state.
func (a *AdminAuth) Logout(ctx context.Context, jti string) error {
	sess, err := a.sessions.load(ctx, jti)
	if err != nil {
		return nil // already gone
	}
	sess.Revoked = true
	sess.PINHash = ""
	sess.PINVerifiedAt = nil
	return a.sessions.save(ctx, sess)
}

// HashPassword is a helper for operators/tests to produce an
// ADMIN_PASSWORD_HASH value.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(strings.TrimSpace(password)), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
