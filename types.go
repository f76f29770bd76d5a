package takara

import "time"

// Role is an agent's RBAC role.
type Role string

const (
	RoleOperator Role = "operator"
	RoleAgent    Role = "agent"
)

// Currency identifies a deposit/withdrawal currency.
type Currency string

const (
	CurrencyUSDC         Currency = "USDC"
	CurrencyUSDT         Currency = "USDT"
	CurrencyBTC          Currency = "BTC"
	CurrencyBTCLightning Currency = "BTC_LIGHTNING"
)

// ReceiveRequest is a provider-issued request for inbound funds.
// It is a curated view of the internal rail type for use in extension
// interfaces. No internal package imports, so it is safe to use from outside
// the module.
type ReceiveRequest struct {
	// Handle is what the payer needs: a bolt11 invoice, a wallet address,
	// or a hosted payment URL.
	Handle string
	// ExternalRef is the provider-assigned reference used for status polls
	// and webhook correlation.
	ExternalRef string
	ExpiresAt   time.Time
}

// Settlement is the result of an idempotent receive-status read.
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
