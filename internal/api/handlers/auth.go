package handlers

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/0x00K1/arcp/internal/auth"
	"github.com/0x00K1/arcp/internal/metrics"
)

type loginRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	Fingerprint string `json:"fingerprint"`
}

type loginResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
}

// Login authenticates the operator against the configured admin
// identity, consulting the login ledger for backoff/lockout before
// ever comparing credentials.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	if !h.BurstLimiter.Allow("login:" + clientIP(r)) {
		metrics.AuthFailuresTotal.WithLabelValues("rate_limited").Inc()
		problem(w, r, http.StatusTooManyRequests, "rate_limited", "too many login requests, slow down")
		return
	}

	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		problem(w, r, http.StatusBadRequest, "invalid_request", "malformed login body")
		return
	}

	token, retryAfter, err := h.AdminAuth.Login(r.Context(), req.Username, req.Password, clientIP(r), req.Fingerprint)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrRateLimited):
			metrics.AuthFailuresTotal.WithLabelValues("locked_out").Inc()
			log.Warn().Str("source_ip", clientIP(r)).Str("username", req.Username).Msg("admin login locked out")
			problemRetryAfter(w, r, http.StatusTooManyRequests, "rate_limited", "too many failed attempts; try again later", retryAfter)
		case errors.Is(err, auth.ErrBadCredentials):
			metrics.AuthFailuresTotal.WithLabelValues("bad_credentials").Inc()
			log.Warn().Str("source_ip", clientIP(r)).Str("username", req.Username).Msg("admin login rejected")
			problem(w, r, http.StatusUnauthorized, "unauthorized", "invalid username or password")
		default:
			problem(w, r, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}

	log.Info().Str("source_ip", clientIP(r)).Str("username", req.Username).Msg("admin login succeeded")
	respondJSON(w, http.StatusOK, loginResponse{Token: token, TokenType: "Bearer"})
}

// Logout revokes the caller's session.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	if p == nil {
		problem(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	if err := h.AdminAuth.Logout(r.Context(), p.JTI); err != nil {
		problem(w, r, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// SessionStatus reports whether the caller's bearer token still
// resolves to a valid, non-revoked session — the chain middleware has
// already done the validation work; reaching this handler at all is
// proof the session is good.
func (h *Handlers) SessionStatus(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	if p == nil {
		problem(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"valid":      true,
		"subject":    p.Subject,
		"role":       p.Role,
		"expires_at": p.ExpiresAt,
	})
}

type setPINRequest struct {
	PIN string `json:"pin"`
}

// SetPIN sets the session's PIN exactly once.
func (h *Handlers) SetPIN(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	if p == nil {
		problem(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	var req setPINRequest
	if err := decodeJSON(r, &req); err != nil {
		problem(w, r, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	if err := h.AdminAuth.SetPIN(r.Context(), p.JTI, req.PIN); err != nil {
		switch {
		case errors.Is(err, auth.ErrPINAlreadySet):
			problem(w, r, http.StatusConflict, "pin_already_set", "a PIN is already set for this session")
		case errors.Is(err, auth.ErrPINTooWeak):
			problem(w, r, http.StatusUnprocessableEntity, "pin_too_weak", "pin must be 4-32 chars and mix letters and digits")
		default:
			problem(w, r, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "pin_set"})
}

type verifyPINRequest struct {
	PIN string `json:"pin"`
}

// VerifyPIN verifies the session PIN, refreshing the freshness window
// RequirePIN checks before destructive operations.
func (h *Handlers) VerifyPIN(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	if p == nil {
		problem(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	var req verifyPINRequest
	if err := decodeJSON(r, &req); err != nil {
		problem(w, r, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	if err := h.AdminAuth.VerifyPIN(r.Context(), p.JTI, req.PIN); err != nil {
		switch {
		case errors.Is(err, auth.ErrPINLocked):
			metrics.AuthFailuresTotal.WithLabelValues("pin_locked").Inc()
			problem(w, r, http.StatusTooManyRequests, "pin_locked", "pin verification is locked; try again later")
		case errors.Is(err, auth.ErrPINMismatch):
			metrics.AuthFailuresTotal.WithLabelValues("pin_mismatch").Inc()
			problem(w, r, http.StatusUnauthorized, "pin_mismatch", "incorrect pin")
		default:
			problem(w, r, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "pin_verified"})
}

// PINStatus reports whether the caller's session has a PIN configured
// and whether it is currently fresh enough to satisfy RequirePIN.
func (h *Handlers) PINStatus(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	if p == nil {
		problem(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	set, fresh, err := h.AdminAuth.PINStatus(r.Context(), p.JTI)
	if err != nil {
		problem(w, r, http.StatusUnauthorized, "unauthorized", "session not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"pin_set": set, "pin_fresh": fresh})
}

type requestTempTokenRequest struct {
	AgentID     string `json:"agent_id"`
	AgentType   string `json:"agent_type"`
	AgentKey    string `json:"agent_key"`
	Fingerprint string `json:"fingerprint"`
}

type requestTempTokenResponse struct {
	Token string `json:"token"`
}

// RequestTempToken mints the single-use token an agent must present to
// Register, gated by the configured agent key and the allowed-type
// set.
func (h *Handlers) RequestTempToken(w http.ResponseWriter, r *http.Request) {
	if !h.BurstLimiter.Allow("request_temp_token:" + clientIP(r)) {
		problem(w, r, http.StatusTooManyRequests, "rate_limited", "too many temp token requests, slow down")
		return
	}

	var req requestTempTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		problem(w, r, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}

	token, err := h.TempTokens.RequestTempToken(
		r.Context(), req.AgentID, req.AgentType, req.AgentKey, req.Fingerprint, clientIP(r),
		h.AgentKeys, h.AllowedAgentTypes, h.TempTokenLimiter,
	)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrAgentKeyInvalid):
			metrics.AuthFailuresTotal.WithLabelValues("bad_agent_key").Inc()
			problem(w, r, http.StatusUnauthorized, "unauthorized", "invalid agent key")
		case errors.Is(err, auth.ErrTypeNotAllowed):
			problem(w, r, http.StatusUnprocessableEntity, "type_not_allowed", "agent_type is not in the allowed set")
		case errors.Is(err, auth.ErrRateLimited):
			problem(w, r, http.StatusTooManyRequests, "rate_limited", "too many temp token requests")
		default:
			problem(w, r, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, requestTempTokenResponse{Token: token})
}
