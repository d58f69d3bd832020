package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/yieldguard/internal/access"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupMiddlewareTest(t *testing.T) (*Manager, string, *APIKey) {
	t.Helper()
	mgr := NewManager(NewMemoryStore())
	rawKey, key, err := mgr.GenerateKey(context.Background(), "0xGuardian", "test-key")
	require.NoError(t, err)
	return mgr, rawKey, key
}

func TestMiddleware_ValidKey_SetsCaller(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest(t)

	for _, header := range []string{"Authorization", "X-API-Key"} {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request, _ = http.NewRequest("GET", "/test", nil)
		c.Request.Header.Set(header, rawKey)

		Middleware(mgr)(c)

		assert.Equal(t, "0xguardian", GetCaller(c), header)
		assert.Equal(t, "0xguardian", c.GetString("authCallerAddr"), header)
		key, ok := GetAPIKey(c)
		require.True(t, ok, header)
		assert.Equal(t, "test-key", key.Name)
	}
}

func TestMiddleware_InvalidKey_PassesThrough(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", "sk_"+strings.Repeat("0", 64))

	Middleware(mgr)(c)

	assert.False(t, IsAuthenticated(c))
	assert.Empty(t, GetCaller(c))
	assert.False(t, c.IsAborted())
}

func TestRequireAuth(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest(t)

	r := gin.New()
	r.Use(Middleware(mgr))
	r.GET("/protected", RequireAuth(mgr), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"caller": GetCaller(c)})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/protected", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "unauthorized")

	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "0xguardian")
}

func setupHandlerRouter(t *testing.T) (*gin.Engine, string, *APIKey) {
	t.Helper()
	mgr, rawKey, key := setupMiddlewareTest(t)
	acl := access.NewACL()
	acl.Grant("0xguardian", access.RoleEmergency)

	h := NewHandler(mgr, acl)
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(Middleware(mgr))
	h.RegisterRoutes(v1)
	protected := v1.Group("")
	protected.Use(RequireAuth(mgr))
	h.RegisterProtectedRoutes(protected)
	return r, rawKey, key
}

func authed(r *gin.Engine, method, path, rawKey string) (*httptest.ResponseRecorder, map[string]any) {
	req := httptest.NewRequest(method, path, nil)
	if rawKey != "" {
		req.Header.Set("Authorization", "Bearer "+rawKey)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var resp map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestHandler_Me(t *testing.T) {
	r, rawKey, key := setupHandlerRouter(t)

	w, _ := authed(r, "GET", "/v1/auth/me", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, resp := authed(r, "GET", "/v1/auth/me", rawKey)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0xguardian", resp["principal"])
	assert.Equal(t, key.ID, resp["keyId"])
	assert.Equal(t, []any{"emergency"}, resp["roles"])
}

func TestHandler_KeyLifecycle(t *testing.T) {
	r, rawKey, key := setupHandlerRouter(t)

	w, resp := authed(r, "POST", "/v1/auth/keys", rawKey)
	require.Equal(t, http.StatusCreated, w.Code)
	newID := resp["keyId"].(string)
	assert.True(t, strings.HasPrefix(resp["apiKey"].(string), KeyPrefix))

	w, resp = authed(r, "GET", "/v1/auth/keys", rawKey)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), resp["count"])

	w, resp = authed(r, "DELETE", "/v1/auth/keys/"+key.ID, rawKey)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "cannot_revoke_current", resp["error"])

	w, _ = authed(r, "DELETE", "/v1/auth/keys/"+newID, rawKey)
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp = authed(r, "DELETE", "/v1/auth/keys/"+newID, rawKey)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "key_not_found", resp["error"])
}

func TestHandler_Info(t *testing.T) {
	r, _, _ := setupHandlerRouter(t)
	w, resp := authed(r, "GET", "/v1/auth/info", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "api_key", resp["type"])
	assert.Len(t, resp["roles"], len(access.AllRoles))
}
