package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSetup(t *testing.T, handler http.Handler) *Handlers {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewHandlers(NewClient(Config{APIURL: ts.URL, Attempts: 1}))
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

func TestClient_AuthHeaderOnlyWhenConfigured(t *testing.T) {
	var got []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{})
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).GetTankStatus(context.Background())
	require.NoError(t, err)
	_, err = NewClient(Config{APIURL: ts.URL, APIKey: "lp_key"}).GetTankStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"", "Bearer lp_key"}, got)
}

func TestClient_APIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_token", "message": "Token not supported"})
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).Normalize(context.Background(), "0xdead", "1")
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusBadRequest, ae.Status)
	assert.Equal(t, "unsupported_token", ae.Code)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "unavailable", "message": "busy"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"currentBalance": "42"})
	}))
	defer ts.Close()

	st, err := NewClient(Config{APIURL: ts.URL, Backoff: time.Millisecond}).GetTankStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "42", st.CurrentBalance)
	assert.Equal(t, 3, calls)
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session_not_found", "message": "session not found"})
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL, Backoff: time.Millisecond}).GetSession(context.Background(), "ps_1")
	assert.True(t, isNotFound(err))
	assert.Equal(t, 1, calls)
}

func TestHandleGetSession(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/sessions/s1":
			writeJSON(w, http.StatusOK, map[string]any{
				"id": "s1", "user": "0xaa", "gateway": "0xgg", "active": false,
				"paymentToken": "0xtt", "paymentAmount": "100", "sessionValue": "100",
				"gasUsed": "500", "fee": "1", "startedAt": "2026-01-02T03:04:05Z", "endedAt": "2026-01-02T04:04:05Z",
			})
		case "/v1/users/0xbb/session":
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "session_not_found", "message": "session not found"})
		default:
			http.NotFound(w, r)
		}
	}))

	res, err := h.HandleGetSession(context.Background(), makeRequest(map[string]any{"session_id": "s1"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	text := resultText(t, res)
	assert.Contains(t, text, "Session s1 (ended)")
	assert.Contains(t, text, "500 LGU")
	assert.Contains(t, text, "Fee:     1")

	res, err = h.HandleGetSession(context.Background(), makeRequest(map[string]any{"user": "0xbb"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "no active session")

	res, err = h.HandleGetSession(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleGetTankStatus(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tank", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"currentBalance": "900", "minReserve": "100", "dailyLimit": "1000",
			"dailyUsed": "50", "dailyRemaining": "950", "maxGasPerSession": "10000", "mode": 1, "day": 20000,
		})
	}))

	res, err := h.HandleGetTankStatus(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, res)
	assert.Contains(t, text, "LGU tank (degraded)")
	assert.Contains(t, text, "50 used of 1000 (950 left)")
}

func TestHandleGetProfitMetrics(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/metrics/profit/detailed", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"revenue": "2000000", "totalGas": "1000", "sessionCount": 2, "currentLguBalance": "5000",
			"totalValue": "200000000", "avgFeePerSession": "1000000", "avgGasPerSession": "500",
			"gasCost": "1000000000", "netProfit": "-998000000", "totalProfitMargin": "100",
		})
	}))

	res, err := h.HandleGetProfitMetrics(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, res)
	assert.Contains(t, text, "Sessions:     2")
	assert.Contains(t, text, "-998000000")
	assert.Contains(t, text, "100 bps")
}

func TestHandleGetGatewayStatus(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/gateways/0xgg", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"address": "0xgg", "dailyLimit": "1000", "dailyUsed": "10", "dailyRemaining": "990",
			"allowed": false, "opsPerHour": 60,
		})
	}))

	res, err := h.HandleGetGatewayStatus(context.Background(), makeRequest(map[string]any{"gateway_address": "0xgg"}))
	require.NoError(t, err)
	text := resultText(t, res)
	assert.Contains(t, text, "Gateway 0xgg (revoked)")
	assert.Contains(t, text, "60 ops/hour")

	res, err = h.HandleGetGatewayStatus(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleNormalizePayment(t *testing.T) {
	var body map[string]string
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		writeJSON(w, http.StatusOK, map[string]string{
			"token": body["token"], "amount": body["amount"], "settlementAmount": "3000000000", "settlementToken": "0xusdt",
		})
	}))

	res, err := h.HandleNormalizePayment(context.Background(), makeRequest(map[string]any{"token": "0xeth", "amount": "1000000000000000000"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "0xeth", body["token"])
	assert.Contains(t, resultText(t, res), "= 3000000000 settlement units")

	res, err = h.HandleNormalizePayment(context.Background(), makeRequest(map[string]any{"token": "0xeth"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandlerErrorsBecomeToolErrors(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error", "message": "Paymaster failure"})
	}))

	res, err := h.HandleGetTankStatus(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "Paymaster failure")
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:0"}, "test")
	require.NotNil(t, s)
}
