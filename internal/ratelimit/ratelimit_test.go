package ratelimit_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/takara/internal/model"
	"github.com/ashita-ai/takara/internal/ratelimit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareLimitsPerKey(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(1, 2) // burst 2
	defer func() { _ = limiter.Close() }()

	handler := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, nil)(okHandler())

	doReq := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/bounties", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, doReq("10.0.0.1:1234"))
	assert.Equal(t, http.StatusOK, doReq("10.0.0.1:1234"))
	assert.Equal(t, http.StatusTooManyRequests, doReq("10.0.0.1:1234"))

	// A different client IP has its own bucket.
	assert.Equal(t, http.StatusOK, doReq("10.0.0.2:1234"))
}

func TestMiddlewareErrorEnvelope(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.01, 1)
	defer func() { _ = limiter.Close() }()

	reqID := func(*http.Request) string { return "req-123" }
	handler := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, reqID)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/bounties", nil)
	req.RemoteAddr = "10.0.0.3:1234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, model.ErrCodeRateLimited, apiErr.Error.Code)
	assert.Equal(t, "req-123", apiErr.Meta.RequestID)
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.01, 1)
	defer func() { _ = limiter.Close() }()

	// Empty key means exempt from limiting.
	keyFunc := func(*http.Request) string { return "" }
	handler := ratelimit.Middleware(limiter, keyFunc, nil)(okHandler())

	for range 10 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestMiddlewareNilLimiterPassesThrough(t *testing.T) {
	handler := ratelimit.Middleware(nil, ratelimit.IPKeyFunc, nil)(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:54321"
	assert.Equal(t, "192.0.2.7", ratelimit.IPKeyFunc(req))

	// The untrusted forwarding header must not override the peer address.
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, "192.0.2.7", ratelimit.IPKeyFunc(req))
}
