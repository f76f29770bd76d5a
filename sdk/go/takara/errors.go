// Package takara provides a Go client for the takara payment and bounty API.
package takara

import (
	"errors"
	"fmt"
)

// Error represents an error from the takara API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("takara: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 401
	}
	return false
}

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 403
	}
	return false
}

// IsConflict returns true if the error is a 409. Claim races, double
// settlement, and idempotency payload mismatches all surface this way.
func IsConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 409
	}
	return false
}

// IsInsufficientFunds returns true for a 409 with code INSUFFICIENT_FUNDS.
// The caller's balance was untouched.
func IsInsufficientFunds(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == "INSUFFICIENT_FUNDS"
	}
	return false
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 429
	}
	return false
}

// IsProviderUnavailable returns true for a 503 with code
// PROVIDER_UNAVAILABLE. No money moved; the request is safe to retry later.
func IsProviderUnavailable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == "PROVIDER_UNAVAILABLE"
	}
	return false
}

// IsReconcilePending returns true for a 202 with code RECONCILE_PENDING: an
// outbound payment was submitted but not confirmed. Do NOT retry the
// withdrawal with a fresh request; poll its status instead.
func IsReconcilePending(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == "RECONCILE_PENDING"
	}
	return false
}
