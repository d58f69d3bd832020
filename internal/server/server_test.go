package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/yieldguard/internal/access"
	"github.com/mbd888/yieldguard/internal/config"
)

const (
	testKey   = "sk_test_0123456789abcdef"
	testAdmin = "0x1111111111111111111111111111111111111111"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Port:                  "0",
		Env:                   "development",
		LogLevel:              "error",
		LogFormat:             "text",
		EmergencyThresholdBps: 9000,
		StalenessThreshold:    time.Hour,
		ReconcileInterval:     time.Minute,
		AssetDecimals:         6,
		APIKeys:               map[string]string{testKey: testAdmin},
		RoleGrants:            map[access.Role][]string{access.RoleAdmin: {testAdmin}},
	}
	s, err := New(cfg, WithDrainDelay(0))
	require.NoError(t, err)
	return s
}

func do(s *Server, method, path, body string, authed bool) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+testKey)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/health", "", false)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = do(s, http.MethodGet, "/health/live", "", false)
	assert.Equal(t, http.StatusOK, w.Code)

	// Not ready until Run has started.
	w = do(s, http.MethodGet, "/health/ready", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthDegradedWhenHalted(t *testing.T) {
	s := newTestServer(t)
	_, err := s.Vault().Emergency().Trip("test", 0, testAdmin)
	require.NoError(t, err)

	w := do(s, http.MethodGet, "/health", "", false)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
}

func TestInfo(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/api", "", false)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "yieldguard", resp["name"])
	assert.Equal(t, float64(9000), resp["emergencyThresholdBps"])
	assert.Equal(t, false, resp["halted"])
}

func TestRequestIDPropagated(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
}

func TestProtectedRouteRequiresKey(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodPost, "/v1/vault/deposit", `{"assets":"10"}`, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "unauthorized")
}

func TestDepositAndEventLog(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodPost, "/v1/vault/deposit", `{"assets":"10"}`, true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var dep map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dep))
	assert.NotEmpty(t, dep["shares"])

	assert.Equal(t, int64(10_000_000), s.Vault().BalanceOf(testAdmin).Int64())

	w = do(s, http.MethodGet, "/v1/events?type=vault.deposit", "", false)
	require.Equal(t, http.StatusOK, w.Code)

	var page struct {
		Events []struct {
			Type     string `json:"type"`
			EntityID string `json:"entityId"`
		} `json:"events"`
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Equal(t, 1, page.Count)
	assert.Equal(t, testAdmin, page.Events[0].EntityID)
}

func TestInvalidAddressParam(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/v1/vault/balances/not-an-address", "", false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStreamStats(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/v1/stream/stats", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "connectedClients")
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://app:xxxxx@db:5432/yg", maskDSN("postgres://app:secret@db:5432/yg"))
	assert.Equal(t, "postgres://app@db:5432/yg?sslmode=disable", maskDSN("postgres://app@db:5432/yg?sslmode=disable"))
	assert.Equal(t, "***", maskDSN("host=db user=app password=secret"))
	assert.Equal(t, "***", maskDSN("://bad"))
}
