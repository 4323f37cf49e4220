package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doc-access/internal/domain"
)

func limitedHandler(t *testing.T, rps float64, burst int) http.Handler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return RateLimiter(ctx, RateLimitConfig{RequestsPerSecond: rps, Burst: burst})(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	handler := limitedHandler(t, 100, 10)
	for range 5 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRateLimiter_RejectsOverBurst(t *testing.T) {
	handler := limitedHandler(t, 1, 2)
	for range 2 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.InDelta(t, float64(429), body["code"], 0.001)
	assert.Equal(t, "rate limit exceeded", body["message"])
}

func TestRateLimiter_PerClientIsolation(t *testing.T) {
	handler := limitedHandler(t, 1, 1)
	send := func(remote string, sess *domain.Session) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		if sess != nil {
			req = req.WithContext(WithSession(req.Context(), sess))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}
	ann := &domain.Session{User: domain.UserProfile{Email: "ann@example.com"}}
	bob := &domain.Session{User: domain.UserProfile{Email: "bob@example.com"}}

	assert.Equal(t, http.StatusOK, send("10.0.0.1:1", nil))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:2", nil))
	assert.Equal(t, http.StatusOK, send("10.0.0.2:1", nil))

	assert.Equal(t, http.StatusOK, send("10.0.0.1:3", ann), "users are limited apart from their address")
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.9:1", ann))
	assert.Equal(t, http.StatusOK, send("10.0.0.9:2", bob))
}

func TestClientIP_ExtractsHost(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		want       string
	}{
		{name: "IPv4 with port", remoteAddr: "192.168.1.1:12345", want: "192.168.1.1"},
		{name: "IPv6 with port", remoteAddr: "[::1]:12345", want: "::1"},
		{name: "no port", remoteAddr: "192.168.1.1", want: "192.168.1.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			req.Header.Set("X-Forwarded-For", "203.0.113.50")
			assert.Equal(t, tt.want, clientIP(req))
		})
	}
}
