package model

import (
	"time"

	"github.com/google/uuid"
)

// Field length limits on caller-supplied text. These bound what flows into
// Postgres TEXT columns and into the judge's text heuristics.
const (
	MaxTitleLen       = 500
	MaxDescriptionLen = 16 * 1024 // 16 KB
	MaxNotesLen       = 32 * 1024 // 32 KB
	MaxCriteria       = 50
	MaxSkills         = 20
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
//
// INSUFFICIENT_FUNDS and PROVIDER_UNAVAILABLE are deliberately distinct from
// RECONCILE_PENDING: the first two mean the caller's money is safe and
// unmoved, the last means an external provider interaction is in an unknown
// state and needs reconciliation. The two situations must never look alike.
const (
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInsufficientFunds   = "INSUFFICIENT_FUNDS"
	ErrCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ErrCodeReconcilePending    = "RECONCILE_PENDING"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeRateLimited         = "RATE_LIMITED"
)

// CreateDepositRequest is the request body for POST /v1/deposits.
type CreateDepositRequest struct {
	AgentID     string     `json:"agent_id"`
	AmountCents int64      `json:"amount_cents"`
	Currency    string     `json:"currency"`
	EscrowID    *uuid.UUID `json:"escrow_id,omitempty"`
	BountyID    *uuid.UUID `json:"bounty_id,omitempty"`
}

// DepositResponse is returned by deposit creation and status endpoints.
type DepositResponse struct {
	DepositID     uuid.UUID     `json:"deposit_id"`
	Status        DepositStatus `json:"status"`
	ReceiveHandle string        `json:"receive_handle,omitempty"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
	SettledNative *int64        `json:"settled_native,omitempty"`
}

// CreateWithdrawalRequest is the request body for POST /v1/withdrawals.
type CreateWithdrawalRequest struct {
	AgentID     string `json:"agent_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Destination string `json:"destination"`
}

// WithdrawalResponse is returned by withdrawal endpoints.
type WithdrawalResponse struct {
	WithdrawalID uuid.UUID        `json:"withdrawal_id"`
	Status       WithdrawalStatus `json:"status"`
	ProviderRef  *string          `json:"provider_ref,omitempty"`
}

// CreateBountyRequest is the request body for POST /v1/bounties.
type CreateBountyRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	AmountCents int64    `json:"amount_cents"`
	Currency    string   `json:"currency,omitempty"`
	Criteria    []string `json:"criteria"`
	Skills      []string `json:"skills,omitempty"`
	// Fund immediately from the poster's balance instead of leaving a draft.
	Fund bool `json:"fund,omitempty"`
}

// SubmitBountyRequest is the request body for POST /v1/bounties/{id}/submit.
type SubmitBountyRequest struct {
	URL   string `json:"url"`
	Notes string `json:"notes,omitempty"`
}

// CreateEscrowRequest is the request body for POST /v1/escrows. Funding
// selects where the money comes from: "balance" (default) debits the caller
// immediately; "deposit" opens the escrow in pending_payment, to be
// activated by a deposit created with this escrow's ID.
type CreateEscrowRequest struct {
	ProviderID *string `json:"provider_id,omitempty"`
	Task       string  `json:"task"`
	GrossCents int64   `json:"gross_cents"`
	Funding    string  `json:"funding,omitempty"`
}

// UpdateWalletsRequest is the request body for PUT /v1/agents/{id}/wallets.
type UpdateWalletsRequest struct {
	LightningAddress *string `json:"lightning_address,omitempty"`
	EVMAddress       *string `json:"evm_address,omitempty"`
	TronAddress      *string `json:"tron_address,omitempty"`
}

// CreateAgentRequest is the request body for POST /v1/agents (operator only).
type CreateAgentRequest struct {
	AgentID string    `json:"agent_id"`
	Name    string    `json:"name"`
	Role    AgentRole `json:"role"`
	APIKey  string    `json:"api_key"`
}

// AuthTokenRequest is the request body for POST /v1/auth/token.
type AuthTokenRequest struct {
	AgentID string `json:"agent_id"`
	APIKey  string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /v1/auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BalanceResponse is the response for GET /v1/agents/{id}/balance.
type BalanceResponse struct {
	AgentID      string `json:"agent_id"`
	BalanceCents int64  `json:"balance_cents"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}
