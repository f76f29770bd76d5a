package ratelimit

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/takara/internal/model"
)

// KeyFunc picks the rate limit key for a request. An empty key exempts the
// request, which is how operator traffic bypasses the limiter.
type KeyFunc func(r *http.Request) string

// RequestIDFunc reads the request ID from the request context. Injected by
// the caller so this package does not import the server package.
type RequestIDFunc func(r *http.Request) string

// Middleware enforces limiter on every request whose key is non-empty.
// Limiter errors fail open; a broken limiter must not take the API down.
func Middleware(limiter Limiter, keyFunc KeyFunc, reqIDFunc RequestIDFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := limiter.Allow(r.Context(), key)
			if err == nil && !allowed {
				denyRequest(w, r, reqIDFunc)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func denyRequest(w http.ResponseWriter, r *http.Request, reqIDFunc RequestIDFunc) {
	var requestID string
	if reqIDFunc != nil {
		requestID = reqIDFunc(r)
	}

	w.Header().Set("Retry-After", "1")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    model.ErrCodeRateLimited,
			Message: "too many requests",
		},
		Meta: model.ResponseMeta{
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		},
	})
}

// IPKeyFunc keys by client IP taken from RemoteAddr. X-Forwarded-For is
// deliberately ignored: any client can set it, which would turn the limiter
// into an opt-out. A trusted reverse proxy should rewrite RemoteAddr instead.
func IPKeyFunc(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
