package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(t *testing.T, handler http.Handler) *Handlers {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewHandlers(NewClient(Config{APIURL: ts.URL, APIKey: "sk_test_key", Address: "0xme"}))
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL + "/", APIKey: "sk_secret123"})
	_, err := client.GetVaultStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk_secret123", gotAuth)
}

func TestClient_DoRequest_NoKeyNoHeader(t *testing.T) {
	var hadAuth bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hadAuth = r.Header["Authorization"]
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).GetPortfolioRisk(context.Background())
	require.NoError(t, err)
	assert.False(t, hadAuth)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "forbidden", "message": "Invalid API key"})
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL, APIKey: "bad"}).GetVaultStatus(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "Invalid API key")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).GetVaultStatus(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	_, err := NewClient(Config{APIURL: "http://127.0.0.1:1"}).GetVaultStatus(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_Paths(t *testing.T) {
	var got []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Method+" "+r.URL.RequestURI())
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	c := NewClient(Config{APIURL: ts.URL, Address: "0xme"})
	ctx := context.Background()
	_, _ = c.GetRiskScore(ctx, "steth")
	_, _ = c.ListStrategies(ctx, true)
	_, _ = c.ListStrategies(ctx, false)
	_, _ = c.GetRiskProfile(ctx, "")
	_, _ = c.GetRiskProfile(ctx, "0xother")
	_, _ = c.ListEvents(ctx, "emergency.triggered", "eth", 5)
	_, _ = c.TriggerEmergency(ctx, "test")

	assert.Equal(t, []string{
		"GET /v1/risk/assets/steth",
		"GET /v1/vault/strategies?all=true",
		"GET /v1/vault/strategies",
		"GET /v1/vault/profiles/0xme",
		"GET /v1/vault/profiles/0xother",
		"GET /v1/events?entity=eth&limit=5&type=emergency.triggered",
		"POST /v1/vault/emergency",
	}, got)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleGetRiskScore(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/risk/assets/steth", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"risk": map[string]any{
				"asset": "steth", "compositeRisk": 4250, "slashingRisk": 3000,
				"liquidityRisk": 5000, "contractRisk": 2500, "marketRisk": 6000, "valid": true,
			},
			"stale":      true,
			"known":      true,
			"ageSeconds": 7200,
		})
	}))

	result, err := h.HandleGetRiskScore(context.Background(), makeRequest(map[string]any{"asset": "steth"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Risk for steth: 42.50%")
	assert.Contains(t, text, "Liquidity: 50.00%")
	assert.Contains(t, text, "2h0m0s ago (STALE)")
}

func TestHandleGetRiskScore_Unknown(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"risk": map[string]any{"asset": "nope"}, "known": false, "stale": true})
	}))

	result, err := h.HandleGetRiskScore(context.Background(), makeRequest(map[string]any{"asset": "nope"}))
	require.NoError(t, err)
	assert.Equal(t, "No risk data for nope.", resultText(t, result))
}

func TestHandleGetRiskScore_MissingAsset(t *testing.T) {
	h := newTestSetup(t, http.NotFoundHandler())
	result, err := h.HandleGetRiskScore(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "asset is required")
}

func TestHandleGetVaultStatus(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"vault": map[string]any{
				"depositors": 3, "activeStrategies": 2, "allocatedBps": 8000, "portfolioRisk": 35,
				"managementFeeBps": 100, "performanceFeeBps": 1000, "halted": true,
				"emergency": map[string]any{"triggered": true, "reason": "eth risk 9500 at or above threshold 9000"},
			},
			"totals": map[string]any{
				"totalAssets": "1000.000000", "totalShares": "990.000000",
				"idle": "200.000000", "allocated": "800.000000",
			},
		})
	}))

	result, err := h.HandleGetVaultStatus(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Total assets: 1000.000000")
	assert.Contains(t, text, "Allocated:    800.000000 (80.00% of target)")
	assert.Contains(t, text, "Portfolio risk: 35/100")
	assert.Contains(t, text, "Fees: management 1.00%, performance 10.00%")
	assert.Contains(t, text, "HALTED: eth risk 9500")
}

func TestHandleListStrategies(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("all"))
		writeJSON(w, http.StatusOK, map[string]any{
			"strategies": []map[string]any{
				{"handle": "lido", "underlying": "steth", "active": true, "allocationBps": 6000, "riskScore": 30, "expectedYieldBps": 450, "position": "600.000000"},
				{"handle": "aave", "underlying": "aave", "active": false, "allocationBps": 2000, "riskScore": 60, "expectedYieldBps": 800, "position": "0.000000"},
			},
			"count": 2,
		})
	}))

	result, err := h.HandleListStrategies(context.Background(), makeRequest(map[string]any{"include_exited": true}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 strategies")
	assert.Contains(t, text, "1. lido\n")
	assert.Contains(t, text, "Allocation: 60.00%  Risk: 30/100  Yield: 4.50%")
	assert.Contains(t, text, "Underlying: steth")
	assert.Contains(t, text, "2. aave [exited]")
	assert.NotContains(t, text, "Underlying: aave")
}

func TestHandleListStrategies_Empty(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"strategies": []any{}, "count": 0})
	}))
	result, err := h.HandleListStrategies(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No strategies found.", resultText(t, result))
}

func TestHandleGetPortfolioRisk(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"portfolioRisk": 42})
	}))
	result, err := h.HandleGetPortfolioRisk(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "Portfolio risk: 42/100", resultText(t, result))
}

func TestHandleGetRiskProfile(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/vault/profiles/0xme", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"profile": map[string]any{
				"user": "0xme", "maxRiskScore": 40, "autoRebalance": true,
				"targets": []map[string]any{{"handle": "lido", "weightBps": 10000}},
			},
			"effectiveRisk": 55,
		})
	}))

	result, err := h.HandleGetRiskProfile(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Risk profile for 0xme")
	assert.Contains(t, text, "Effective risk: 55/100 (over limit)")
	assert.Contains(t, text, "Auto-rebalance: on")
	assert.Contains(t, text, "lido: 100.00%")
}

func TestHandleUpdateRiskProfile(t *testing.T) {
	var body map[string]any
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		writeJSON(w, http.StatusOK, map[string]any{
			"profile": map[string]any{"user": "0xme", "maxRiskScore": 25, "autoRebalance": true},
			"rebalance": map[string]any{
				"feasible": true, "riskBefore": 50, "riskAfter": 25,
				"targets": []map[string]any{{"handle": "lido", "weightBps": 7500}, {"handle": "aave", "weightBps": 2500}},
			},
		})
	}))

	result, err := h.HandleUpdateRiskProfile(context.Background(), makeRequest(map[string]any{
		"max_risk_score": float64(25),
		"auto_rebalance": true,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, float64(25), body["maxRiskScore"])
	assert.Equal(t, true, body["autoRebalance"])

	text := resultText(t, result)
	assert.Contains(t, text, "max risk 25, auto-rebalance on")
	assert.Contains(t, text, "Rebalanced: risk 50 -> 25")
	assert.Contains(t, text, "lido: 75.00%")
}

func TestHandleUpdateRiskProfile_Infeasible(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"profile":   map[string]any{"maxRiskScore": 5, "autoRebalance": true},
			"rebalance": map[string]any{"feasible": false, "reason": "lowest strategy risk 30 exceeds limit 5"},
		})
	}))
	result, err := h.HandleUpdateRiskProfile(context.Background(), makeRequest(map[string]any{"max_risk_score": float64(5), "auto_rebalance": true}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "Rebalance not possible: lowest strategy risk 30 exceeds limit 5")
}

func TestHandleUpdateRiskProfile_Validation(t *testing.T) {
	h := newTestSetup(t, http.NotFoundHandler())
	for _, v := range []float64{-1, 101, 12.5} {
		result, err := h.HandleUpdateRiskProfile(context.Background(), makeRequest(map[string]any{"max_risk_score": v}))
		require.NoError(t, err)
		assert.True(t, result.IsError, "max_risk_score=%v", v)
	}
	result, err := h.HandleUpdateRiskProfile(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleGetEmergencyStatus(t *testing.T) {
	halted := false
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !halted {
			writeJSON(w, http.StatusOK, map[string]any{"halted": false, "emergency": map[string]any{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"halted": true,
			"emergency": map[string]any{
				"triggered": true, "reason": "eth risk 9500", "source": "eth",
				"triggerScore": 9500, "triggeredAt": "2026-03-01T12:00:00Z",
			},
		})
	}))

	result, err := h.HandleGetEmergencyStatus(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "Vault is active.", resultText(t, result))

	halted = true
	result, err = h.HandleGetEmergencyStatus(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Vault is HALTED.")
	assert.Contains(t, text, "Source: eth")
	assert.Contains(t, text, "Trigger score: 95.00%")
	assert.Contains(t, text, "Since: 2026-03-01T12:00:00Z")
	assert.Contains(t, text, "Withdrawals remain available.")
}

func TestHandleTriggerEmergency(t *testing.T) {
	var body map[string]string
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		writeJSON(w, http.StatusOK, map[string]any{"emergency": map[string]any{"triggered": true, "reason": body["reason"]}})
	}))

	result, err := h.HandleTriggerEmergency(context.Background(), makeRequest(map[string]any{"reason": "  oracle outage "}))
	require.NoError(t, err)
	assert.Equal(t, "oracle outage", body["reason"])
	assert.Contains(t, resultText(t, result), "Reason: oracle outage")
}

func TestHandleTriggerEmergency_Forbidden(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "forbidden", "message": "caller lacks role emergency"})
	}))
	result, err := h.HandleTriggerEmergency(context.Background(), makeRequest(map[string]any{"reason": "x"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "caller lacks role emergency")

	result, err = h.HandleTriggerEmergency(context.Background(), makeRequest(map[string]any{"reason": "   "}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "reason is required")
}

func TestHandleListEvents(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, map[string]any{
			"events": []map[string]any{
				{"type": "emergency.triggered", "entityId": "eth", "newScore": 9500, "reason": "breach", "timestamp": "2026-03-01T12:00:01Z"},
				{"type": "vault.deposit", "entityId": "0xme", "timestamp": "2026-03-01T12:00:00Z"},
			},
			"count":   2,
			"hasMore": true,
		})
	}))

	result, err := h.HandleListEvents(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "2 event(s), newest first")
	assert.Contains(t, text, "2026-03-01T12:00:01Z  emergency.triggered  eth  0 -> 9500  (breach)")
	assert.Contains(t, text, "2026-03-01T12:00:00Z  vault.deposit  0xme\n")
	assert.Contains(t, text, "More events available.")
}

func TestBps(t *testing.T) {
	assert.Equal(t, "0.00%", bps(0))
	assert.Equal(t, "0.05%", bps(5))
	assert.Equal(t, "42.50%", bps(4250))
	assert.Equal(t, "100.00%", bps(10000))
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080"})
	require.NotNil(t, s)
}
