package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/0x00K1/arcp/internal/alerts"
	"github.com/0x00K1/arcp/internal/api"
	"github.com/0x00K1/arcp/internal/api/handlers"
	"github.com/0x00K1/arcp/internal/auth"
	"github.com/0x00K1/arcp/internal/config"
	"github.com/0x00K1/arcp/internal/embedder"
	"github.com/0x00K1/arcp/internal/hubs"
	"github.com/0x00K1/arcp/internal/obslog"
	"github.com/0x00K1/arcp/internal/registry"
	"github.com/0x00K1/arcp/internal/search"
	"github.com/0x00K1/arcp/internal/storage"
)

const (
	testAdminPassword = "open-sesame"
	testAgentKey      = "test-agent-001"
	testScrapeToken   = "scrape-secret"
	testFingerprint   = "fp-abc"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	store := storage.NewMemoryAdapter(false)
	emb := embedder.NewHashEmbedder(16)

	sessions := auth.NewSessions(store)
	tokens, err := auth.NewTokenIssuer([]byte("test-secret"), "HS256", time.Minute, sessions)
	if err != nil {
		t.Fatalf("NewTokenIssuer() error = %v", err)
	}
	hash, err := auth.HashPassword(testAdminPassword)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	ledger := auth.NewLoginAttemptLedger(store, 15*time.Minute, time.Millisecond, time.Millisecond, 5, time.Minute)
	adminAuth := auth.NewAdminAuth(auth.AdminCredentials{Username: "admin", PasswordHash: hash}, tokens, sessions, ledger)

	tempTokens := auth.NewTempTokens(store, time.Minute)
	agentKeys := auth.NewAgentKeys([]string{testAgentKey})
	allowedTypes := map[string]struct{}{"testing": {}}
	tempTokenLimiter := auth.NewFixedWindowLimiter(store, 1000, time.Minute)
	burstLimiter := auth.NewBurstLimiter(1000, 1000)

	authChain := auth.NewProviderChain(
		auth.NewScrapeProvider(testScrapeToken),
		auth.NewBearerProvider(tokens),
	)

	reg := registry.New(store, emb, tempTokens, registry.Config{
		HeartbeatTimeout:  time.Minute,
		AllowedAgentTypes: allowedTypes,
	})
	engine := search.New(reg, emb)

	alertBuf := alerts.NewBuffer(0, 0)
	logBuf := obslog.NewBuffer(0, 0)

	publicHub := hubs.NewPublicHub(reg, engine, hubs.PublicConfig{})
	agentHub := hubs.NewAgentHub(reg, tokens, hubs.AgentConfig{})
	dashboardHub := hubs.NewDashboardHub(reg, tokens, alertBuf, logBuf, hubs.DashboardConfig{})

	h := handlers.New(
		reg, engine, store,
		tokens, sessions, adminAuth, tempTokens, agentKeys, authChain,
		allowedTypes, tempTokenLimiter, burstLimiter,
		alertBuf, logBuf,
		publicHub, agentHub, dashboardHub,
	)

	cfg := &config.Config{CORSAllowedOrigins: []string{"*"}}
	srv := httptest.NewServer(api.NewRouter(cfg, h, authChain))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, token, fingerprint string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if fingerprint != "" {
		req.Header.Set("X-Client-Fingerprint", fingerprint)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func adminLogin(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/auth/login", "", "", map[string]string{
		"username":    "admin",
		"password":    testAdminPassword,
		"fingerprint": testFingerprint,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want 200 (body %v)", resp.StatusCode, body)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatal("login returned empty token")
	}
	return token
}

func registerAgent(t *testing.T, srv *httptest.Server, agentID string) string {
	t.Helper()

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/auth/agent/request_temp_token", "", "", map[string]string{
		"agent_id":    agentID,
		"agent_type":  "testing",
		"agent_key":   testAgentKey,
		"fingerprint": testFingerprint,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("request_temp_token status = %d, want 200 (body %v)", resp.StatusCode, body)
	}
	tempToken, _ := body["token"].(string)
	if tempToken == "" {
		t.Fatal("request_temp_token returned empty token")
	}

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/agents/register", "", "", map[string]interface{}{
		"agent_id":           agentID,
		"agent_type":         "testing",
		"public_key":         strings.Repeat("k", 40),
		"endpoint":           "https://agent.example.com",
		"communication_mode": "remote",
		"capabilities":       []string{"echo"},
		"context_brief":      "toy",
		"temp_token":         tempToken,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d, want 200 (body %v)", resp.StatusCode, body)
	}
	if body["status"] != "registered" {
		t.Fatalf("register status field = %v, want registered", body["status"])
	}
	accessToken, _ := body["access_token"].(string)
	if accessToken == "" {
		t.Fatal("register returned empty access_token")
	}
	return accessToken
}

func TestHealth_Anonymous(t *testing.T) {
	srv := newTestServer(t)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/health", "", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "healthy" {
		t.Errorf("health status field = %v, want healthy", body["status"])
	}
}

func TestRegistrationFlow(t *testing.T) {
	srv := newTestServer(t)
	accessToken := registerAgent(t, srv, "echo-1")

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/agents/echo-1", accessToken, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get agent status = %d, want 200 (body %v)", resp.StatusCode, body)
	}
	if body["status"] != "alive" {
		t.Errorf("agent status = %v, want alive", body["status"])
	}
}

func TestRegister_DuplicateAgentConflicts(t *testing.T) {
	srv := newTestServer(t)
	registerAgent(t, srv, "dup-1")

	// A fresh temp token for the same agent_id still conflicts.
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/auth/agent/request_temp_token", "", "", map[string]string{
		"agent_id": "dup-1", "agent_type": "testing", "agent_key": testAgentKey, "fingerprint": testFingerprint,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("request_temp_token status = %d, want 200", resp.StatusCode)
	}
	tempToken, _ := body["token"].(string)

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/agents/register", "", "", map[string]interface{}{
		"agent_id":           "dup-1",
		"agent_type":         "testing",
		"public_key":         strings.Repeat("k", 40),
		"endpoint":           "https://agent.example.com",
		"communication_mode": "remote",
		"capabilities":       []string{"echo"},
		"temp_token":         tempToken,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate register status = %d, want 409 (body %v)", resp.StatusCode, body)
	}
}

func TestRegister_ConsumedTempTokenRejected(t *testing.T) {
	srv := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/auth/agent/request_temp_token", "", "", map[string]string{
		"agent_id": "once-1", "agent_type": "testing", "agent_key": testAgentKey, "fingerprint": testFingerprint,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("request_temp_token status = %d, want 200", resp.StatusCode)
	}
	tempToken, _ := body["token"].(string)

	payload := map[string]interface{}{
		"agent_id":           "once-1",
		"agent_type":         "testing",
		"public_key":         strings.Repeat("k", 40),
		"endpoint":           "https://agent.example.com",
		"communication_mode": "remote",
		"capabilities":       []string{"echo"},
		"temp_token":         tempToken,
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/agents/register", "", "", payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first register status = %d, want 200", resp.StatusCode)
	}

	// Re-presenting the consumed token must fail with 401, even for a
	// different agent_id.
	payload["agent_id"] = "once-2"
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/agents/register", "", "", payload)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("re-register with consumed token status = %d, want 401", resp.StatusCode)
	}
}

func TestLogin_BadCredentials(t *testing.T) {
	srv := newTestServer(t)
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/auth/login", "", "", map[string]string{
		"username": "admin", "password": "wrong", "fingerprint": testFingerprint,
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("login status = %d, want 401", resp.StatusCode)
	}
}

func TestUnregister_RequiresFreshPIN(t *testing.T) {
	srv := newTestServer(t)
	registerAgent(t, srv, "victim-1")
	adminToken := adminLogin(t, srv)

	// Without PIN verification the delete is refused.
	resp, _ := doJSON(t, http.MethodDelete, srv.URL+"/agents/victim-1", adminToken, testFingerprint, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("delete without PIN status = %d, want 403", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/auth/set_pin", adminToken, testFingerprint, map[string]string{"pin": "Abcd12"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set_pin status = %d, want 200", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/auth/verify_pin", adminToken, testFingerprint, map[string]string{"pin": "Abcd12"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify_pin status = %d, want 200", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/agents/victim-1", adminToken, testFingerprint, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete after verify_pin status = %d, want 200", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/agents/victim-1", adminToken, testFingerprint, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestSetPIN_SecondCallConflicts(t *testing.T) {
	srv := newTestServer(t)
	adminToken := adminLogin(t, srv)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/auth/set_pin", adminToken, testFingerprint, map[string]string{"pin": "Abcd12"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set_pin status = %d, want 200", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/auth/set_pin", adminToken, testFingerprint, map[string]string{"pin": "Wxyz34"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second set_pin status = %d, want 409", resp.StatusCode)
	}
}

func TestFingerprintMismatch_Rejected(t *testing.T) {
	srv := newTestServer(t)
	adminToken := adminLogin(t, srv)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/auth/session_status", adminToken, "other-fp", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("session_status with wrong fingerprint status = %d, want 401", resp.StatusCode)
	}
}

func TestScrapeToken_GatesMetrics(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/metrics/scrape", testScrapeToken, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scrape with token status = %d, want 200", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/metrics/scrape", "", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("scrape without token status = %d, want 401", resp.StatusCode)
	}
}

func TestPublicDiscover_Anonymous(t *testing.T) {
	srv := newTestServer(t)
	registerAgent(t, srv, "pub-1")

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/public/discover", "", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("discover status = %d, want 200", resp.StatusCode)
	}
	agents, _ := body["agents"].([]interface{})
	if len(agents) != 1 {
		t.Fatalf("discover returned %d agents, want 1", len(agents))
	}
}

func TestPublicSearch_Anonymous(t *testing.T) {
	srv := newTestServer(t)
	registerAgent(t, srv, "search-1")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/public/search", "", "", map[string]interface{}{
		"query":          "toy echo",
		"min_similarity": 0.01,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("public search status = %d, want 200 (body %v)", resp.StatusCode, body)
	}
	results, _ := body["results"].([]interface{})
	if len(results) != 1 {
		t.Fatalf("public search returned %d results, want 1", len(results))
	}
}

func TestHeartbeat_OtherAgentForbidden(t *testing.T) {
	srv := newTestServer(t)
	tokenA := registerAgent(t, srv, "hb-a")
	registerAgent(t, srv, "hb-b")

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/agents/hb-b/heartbeat", tokenA, "", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-agent heartbeat status = %d, want 403", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/agents/hb-a/heartbeat", tokenA, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("own heartbeat status = %d, want 200", resp.StatusCode)
	}
}

func TestReportMetrics_Monotonic(t *testing.T) {
	srv := newTestServer(t)
	token := registerAgent(t, srv, "rm-1")

	var last float64
	for i := 0; i < 3; i++ {
		resp, body := doJSON(t, http.MethodPost, srv.URL+"/agents/rm-1/metrics", token, "", map[string]interface{}{
			"response_time_s": 0.25,
			"success":         true,
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("report metrics status = %d, want 200 (body %v)", resp.StatusCode, body)
		}
		total, _ := body["total_requests"].(float64)
		if total <= last {
			t.Fatalf("total_requests = %v after %v, want monotonic increase", total, last)
		}
		last = total
	}
}

func TestAdminList_AgentForbidden(t *testing.T) {
	srv := newTestServer(t)
	agentToken := registerAgent(t, srv, "lf-1")

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/agents/", agentToken, "", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("agent listing all agents status = %d, want 403", resp.StatusCode)
	}
}
