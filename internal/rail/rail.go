// Package rail normalizes heterogeneous payment providers behind one
// deposit/withdraw contract.
//
// Each adapter wraps one provider API. Adapters are explicitly constructed
// and injected at startup; an adapter without credentials returns
// ErrNotConfigured from every call rather than degrading to a no-op.
package rail

import (
	"context"
	"errors"
	"time"

	"github.com/ashita-ai/takara/internal/model"
)

// Sentinel errors shared by all adapters. Callers branch on these with
// errors.Is; provider-specific detail is wrapped around them.
var (
	// ErrNotConfigured means credentials for this rail are missing.
	ErrNotConfigured = errors.New("rail: not configured")
	// ErrInvalidAmount means the native amount is outside provider bounds.
	ErrInvalidAmount = errors.New("rail: invalid amount")
	// ErrProviderUnavailable is transient; the deposit orchestrator may try
	// one fallback adapter before surfacing it.
	ErrProviderUnavailable = errors.New("rail: provider unavailable")
	// ErrInvalidDestination means the payment destination failed validation.
	ErrInvalidDestination = errors.New("rail: invalid destination")
	// ErrInsufficientRemoteBalance means the provider-side wallet cannot
	// cover an outbound payment.
	ErrInsufficientRemoteBalance = errors.New("rail: insufficient remote balance")
	// ErrConfirmationTimeout means an outbound payment did not reach a
	// terminal provider state within the polling budget. The payment may
	// still settle; it must be reconciled manually, never retried with new
	// funds.
	ErrConfirmationTimeout = errors.New("rail: confirmation timeout")
)

// ReceiveRequest is a provider-issued request for inbound funds.
type ReceiveRequest struct {
	// Handle is what the payer needs: a bolt11 invoice, a wallet address,
	// or a hosted payment URL.
	Handle string
	// ExternalRef is the provider-assigned reference used for status polls
	// and webhook correlation.
	ExternalRef string
	ExpiresAt   time.Time
}

// Settlement is the result of an idempotent status read.
type Settlement struct {
	Settled bool
	// AmountNative is the amount actually received, which may differ from
	// the requested amount on tolerance-matched rails.
	AmountNative int64
	// TxRef is the provider transaction reference, when known.
	TxRef string
}

// PaymentResult is the outcome of a successful outbound payment.
type PaymentResult struct {
	ProviderTxRef string
}

// Adapter is the contract every rail implements.
type Adapter interface {
	// Rail identifies this adapter for dispatch and persistence.
	Rail() model.Rail

	// CreateReceiveRequest asks the provider for a way to receive
	// amountNative. The memo is shown to the payer where supported.
	CreateReceiveRequest(ctx context.Context, amountNative int64, agentID, memo string) (ReceiveRequest, error)

	// CheckReceiveStatus reports whether the receive request settled.
	// Safe to call repeatedly.
	CheckReceiveStatus(ctx context.Context, externalRef string) (Settlement, error)

	// SendPayment pays amountNative to destination.
	SendPayment(ctx context.Context, destination string, amountNative int64) (PaymentResult, error)

	// Balance reports the provider-side wallet balance in native units.
	Balance(ctx context.Context) (int64, error)
}
