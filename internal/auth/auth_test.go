package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gw = "0x1234567890123456789012345678901234567890"

func TestGenerateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())

	raw, key, err := mgr.GenerateKey(context.Background(), strings.ToUpper(gw[:2])+gw[2:], "primary")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "sk_"))
	assert.Len(t, raw, 67)
	assert.True(t, strings.HasPrefix(key.ID, "ak_"))
	assert.Len(t, key.ID, 27)
	assert.NotContains(t, raw, strings.TrimPrefix(key.ID, "ak_"), "key ID is independent of the secret")
	assert.Equal(t, gw, key.GatewayAddr)
	assert.NotEqual(t, raw, key.Hash)
}

func TestValidateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()
	raw, _, err := mgr.GenerateKey(ctx, gw, "primary")
	require.NoError(t, err)

	key, err := mgr.ValidateKey(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, gw, key.GatewayAddr)

	_, err = mgr.ValidateKey(ctx, "Bearer "+raw)
	assert.NoError(t, err)

	_, err = mgr.ValidateKey(ctx, "sk_"+strings.Repeat("0", 64))
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
	_, err = mgr.ValidateKey(ctx, "")
	assert.ErrorIs(t, err, ErrNoAPIKey)
	_, err = mgr.ValidateKey(ctx, "not_a_key")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestRevokeKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()
	raw, key, err := mgr.GenerateKey(ctx, gw, "primary")
	require.NoError(t, err)

	assert.ErrorIs(t, mgr.RevokeKey(ctx, "ak_missing", gw), ErrKeyNotFound)
	require.NoError(t, mgr.RevokeKey(ctx, key.ID, gw))

	_, err = mgr.ValidateKey(ctx, raw)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func newRouter(mgr *Manager, secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(mgr))
	r.GET("/open", func(c *gin.Context) { c.String(http.StatusOK, GetAuthenticatedGateway(c)) })
	r.GET("/gw", RequireAuth(), func(c *gin.Context) { c.String(http.StatusOK, GetAuthenticatedGateway(c)) })
	r.POST("/admin", RequireAdmin(secret), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func TestMiddleware_ResolvesGateway(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	raw, _, err := mgr.GenerateKey(context.Background(), gw, "primary")
	require.NoError(t, err)
	r := newRouter(mgr, "s3cret")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/gw", nil)
	req.Header.Set("X-API-Key", raw)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, gw, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/gw", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/open", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestRequireAdmin(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	raw, _, err := mgr.GenerateKey(context.Background(), gw, "primary")
	require.NoError(t, err)

	tests := []struct {
		name   string
		secret string
		header string
		apiKey string
		want   int
	}{
		{"correct secret", "s3cret", "s3cret", "", http.StatusNoContent},
		{"wrong secret", "s3cret", "nope", "", http.StatusForbidden},
		{"missing header", "s3cret", "", raw, http.StatusForbidden},
		{"dev mode with key", "", "", raw, http.StatusNoContent},
		{"dev mode without key", "", "", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(mgr, tt.secret)
			req := httptest.NewRequest(http.MethodPost, "/admin", nil)
			if tt.header != "" {
				req.Header.Set(AdminSecretHeader, tt.header)
			}
			if tt.apiKey != "" {
				req.Header.Set("Authorization", "Bearer "+tt.apiKey)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestHandler_ListAndRevoke(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()
	raw, current, err := mgr.GenerateKey(ctx, gw, "primary")
	require.NoError(t, err)
	_, other, err := mgr.GenerateKey(ctx, gw, "backup")
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(mgr))
	g := r.Group("/v1", RequireAuth())
	NewHandler(mgr).RegisterRoutes(g)

	do := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("Authorization", "Bearer "+raw)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodGet, "/v1/auth/keys")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":2`)

	assert.Equal(t, http.StatusBadRequest, do(http.MethodDelete, "/v1/auth/keys/"+current.ID).Code)
	assert.Equal(t, http.StatusOK, do(http.MethodDelete, "/v1/auth/keys/"+other.ID).Code)
}
