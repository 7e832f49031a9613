package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/0x00K1/arcp/pkg/contracts"
	pkgmw "github.com/0x00K1/arcp/pkg/middleware"
	"github.com/0x00K1/arcp/pkg/models"
)

// Auth is the HTTP middleware that authenticates every request by
// walking the pluggable AuthProviderChain and storing the resulting
// Principal in context. There is no "auth disabled" mode: every
// non-public route the router registers is role-gated.
type Auth struct {
	chain contracts.AuthProviderChain
}

// NewAuth wraps a provider chain as request middleware.
func NewAuth(chain contracts.AuthProviderChain) *Auth {
	return &Auth{chain: chain}
}

// Handler authenticates the request and stores the Principal in
// context for downstream RequireRole checks. It never itself rejects
// an anonymous request — public endpoints (health, discovery) run
// behind this middleware too and simply see a nil Principal.
func (a *Auth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.chain.Authenticate(r.Context(), r)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("authentication rejected")
			writeProblem(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}

		ctx := pkgmw.SetPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects requests whose Principal is absent (401) or does
// not hold one of the allowed roles (403).
func RequireRole(roles ...models.Role) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[string(r)] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := pkgmw.GetPrincipal(r.Context())
			if p == nil {
				writeProblem(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}
			if _, ok := allowed[string(p.Role)]; !ok {
				writeProblem(w, r, http.StatusForbidden, "forbidden", "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ProblemDetails is the RFC 7807-style error body every endpoint
// returns on failure.
type ProblemDetails struct {
	Type       string `json:"type"`
	Title      string `json:"title"`
	Status     int    `json:"status"`
	Detail     string `json:"detail"`
	Instance   string `json:"instance"`
	Timestamp  string `json:"timestamp"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// WriteProblem writes a problem-details JSON body. Exported so the
// handlers package can report the same error shape without each side
// re-deriving it.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	WriteProblemRetryAfter(w, r, status, title, detail, 0)
}

// WriteProblemRetryAfter is WriteProblem plus a retry_after hint, used
// for 429 rate-limit/lockout responses.
func WriteProblemRetryAfter(w http.ResponseWriter, r *http.Request, status int, title, detail string, retryAfterSeconds int) {
	w.Header().Set("Content-Type", "application/problem+json")
	if retryAfterSeconds > 0 {
		w.Header().Set("Retry-After", formatInt(retryAfterSeconds))
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ProblemDetails{
		Type:       "about:blank",
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   r.URL.Path,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		RetryAfter: retryAfterSeconds,
	})
}

func formatInt(n int) string {
	return strconv.Itoa(n)
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	WriteProblem(w, r, status, title, detail)
}
