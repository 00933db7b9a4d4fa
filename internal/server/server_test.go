package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/auth"
	"github.com/mbd888/fraudguard/internal/config"
	"github.com/mbd888/fraudguard/internal/logging"
	"github.com/mbd888/fraudguard/internal/ratelimit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testAPIKey = "svc-key"
	testSecret = "server-test-secret-0123456789abcdef"
)

// testConfig returns an in-memory development config
func testConfig() *config.Config {
	return &config.Config{
		Port:                   "0",
		Env:                    "development",
		LogLevel:               "error",
		LogFormat:              "json",
		AMQPExchange:           config.DefaultAMQPExchange,
		APIKeys:                []string{testAPIKey},
		ReviewerJWTSecret:      testSecret,
		EvaluationTimeout:      time.Second,
		AutoApproveClean:       true,
		DefaultPhoneRegion:     "US",
		RulesRefreshInterval:   time.Minute,
		BlacklistSweepInterval: time.Minute,
		VelocityPurgeInterval:  time.Minute,
		VelocityRetention:      time.Hour,
		EscalationThreshold:    5,
		EscalationWindow:       10 * time.Minute,
		EscalationTTL:          time.Hour,
		BreakerThreshold:       5,
		BreakerOpenDuration:    time.Second,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithLogger(logging.Discard()), WithVersion("test"))
	require.NoError(t, err)
	t.Cleanup(s.rateLimiter.Stop)
	return s
}

func token(t *testing.T, s *Server, subject string, role auth.Role) string {
	t.Helper()
	tok, err := s.authMgr.IssueToken(subject, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func do(s *Server, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode(t, w)
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "test", resp["version"])

	checks := resp["checks"].([]interface{})
	require.Len(t, checks, 1)
	assert.Equal(t, "rules", checks[0].(map[string]interface{})["name"])
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, do(s, "GET", "/health/live", "", nil).Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Run has not been called
	assert.Equal(t, http.StatusServiceUnavailable, do(s, "GET", "/health/ready", "", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fraudguard_")
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/fraud/evaluate",
		"GET:/v1/fraud/scores",
		"GET:/v1/fraud/scores/:id",
		"POST:/v1/fraud/scores/:id/resolve",
		"POST:/v1/blacklist",
		"GET:/v1/blacklist",
		"GET:/v1/blacklist/:id",
		"DELETE:/v1/blacklist/:id",
		"GET:/v1/velocity/:type/:identifier",
		"POST:/v1/rules",
		"PUT:/v1/rules/:id",
		"POST:/v1/rules/:id/deactivate",
		"POST:/v1/attempts",
		"GET:/v1/attempts",
		"GET:/v1/auth/whoami",
	} {
		assert.True(t, routeSet[e], "route %s not registered", e)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/v1/nonexistent", testAPIKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["error"])
}

func TestRequestIDPropagated(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, "req-abc", w.Header().Get("X-Request-ID"))

	w = do(s, "GET", "/health/live", "", nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)
}

// ---------------------------------------------------------------------------
// Authorization tests
// ---------------------------------------------------------------------------

func TestRoleBoundaries(t *testing.T) {
	s := newTestServer(t)
	reviewer := token(t, s, "rev_1", auth.RoleReviewer)
	admin := token(t, s, "adm_1", auth.RoleAdmin)

	tests := []struct {
		name   string
		method string
		path   string
		bearer string
		want   int
	}{
		{"no credentials", "GET", "/v1/fraud/scores", "", http.StatusUnauthorized},
		{"bad key", "GET", "/v1/fraud/scores", "nope", http.StatusUnauthorized},
		{"service reads queue", "GET", "/v1/fraud/scores", testAPIKey, http.StatusOK},
		{"reviewer reads queue", "GET", "/v1/fraud/scores", reviewer, http.StatusOK},
		{"service cannot resolve", "POST", "/v1/fraud/scores/fs_x/resolve", testAPIKey, http.StatusForbidden},
		{"service cannot list rules", "GET", "/v1/rules", testAPIKey, http.StatusForbidden},
		{"reviewer cannot list rules", "GET", "/v1/rules", reviewer, http.StatusForbidden},
		{"admin lists rules", "GET", "/v1/rules", admin, http.StatusOK},
		{"service reads blacklist", "GET", "/v1/blacklist", testAPIKey, http.StatusOK},
		{"service cannot remove blacklist", "DELETE", "/v1/blacklist/bl_x", testAPIKey, http.StatusForbidden},
		{"service cannot open stream", "GET", "/ws", testAPIKey, http.StatusForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := do(s, tc.method, tc.path, tc.bearer, nil)
			assert.Equal(t, tc.want, w.Code, w.Body.String())
		})
	}
}

func TestDevelopmentSeedsRules(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/v1/rules", token(t, s, "adm_1", auth.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Greater(t, decode(t, w)["count"].(float64), float64(0))
}

// ---------------------------------------------------------------------------
// End-to-end flow
// ---------------------------------------------------------------------------

func TestEvaluateAndReviewFlow(t *testing.T) {
	s := newTestServer(t)
	admin := token(t, s, "adm_1", auth.RoleAdmin)
	reviewer := token(t, s, "rev_7", auth.RoleReviewer)

	w := do(s, "POST", "/v1/blacklist", admin, map[string]interface{}{
		"type":     "email",
		"value":    "Mule@Example.com",
		"severity": "high",
		"reason":   "chargeback ring",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(s, "POST", "/v1/fraud/evaluate", testAPIKey, map[string]interface{}{
		"orderId":         "ord_1001",
		"userId":          "u_1",
		"amount":          "120.00",
		"currency":        "usd",
		"email":           "mule@example.com",
		"billingCountry":  "US",
		"shippingCountry": "US",
		"knownDevice":     true,
		"occurredAt":      "2026-03-01T12:00:00Z",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	verdict := decode(t, w)
	assert.Equal(t, "block", verdict["action"])
	assert.Equal(t, "pending", verdict["status"])
	assert.Contains(t, verdict["triggeredRules"], "rule_blacklist_identifiers")
	scoreID := verdict["scoreId"].(string)

	w = do(s, "GET", "/v1/fraud/scores?status=pending", reviewer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = do(s, "POST", "/v1/fraud/scores/"+scoreID+"/resolve", reviewer, map[string]interface{}{
		"decision":   "rejected",
		"reviewerId": "someone_else",
		"notes":      "confirmed mule",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	score := decode(t, w)["fraudScore"].(map[string]interface{})
	assert.Equal(t, "rejected", score["status"])
	assert.Equal(t, "rev_7", score["reviewedBy"])

	w = do(s, "POST", "/v1/fraud/scores/"+scoreID+"/resolve", reviewer, map[string]interface{}{"decision": "approved"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(s, "GET", "/v1/attempts", testAPIKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])
}

func TestEvaluateNotRateLimited(t *testing.T) {
	s := newTestServer(t)
	burst := ratelimit.DefaultConfig().BurstSize

	for i := 0; i < burst*2; i++ {
		w := do(s, "POST", "/v1/fraud/evaluate", testAPIKey, map[string]interface{}{
			"orderId":  fmt.Sprintf("ord_%d", i),
			"userId":   "u_1",
			"amount":   "10.00",
			"currency": "usd",
		})
		require.Equal(t, http.StatusOK, w.Code, "request %d: %s", i, w.Body.String())
	}

	// other routes keep the default limit
	limited := false
	for i := 0; i < burst*2 && !limited; i++ {
		limited = do(s, "GET", "/v1/fraud/scores", testAPIKey, nil).Code == http.StatusTooManyRequests
	}
	assert.True(t, limited)
}
