package model

import "fmt"

// Currency identifies what an agent asked to deposit or withdraw.
// Display-side accounting is always USD cents; Currency selects the rail.
type Currency string

const (
	CurrencyUSDC         Currency = "USDC"
	CurrencyUSDT         Currency = "USDT"
	CurrencyBTC          Currency = "BTC"
	CurrencyBTCLightning Currency = "BTC_LIGHTNING"
)

// Rail identifies a value-transfer mechanism. One currency maps to a primary
// rail and optionally a fallback rail of the same settlement class.
type Rail string

const (
	RailLightning Rail = "lightning" // invoice-based (bolt11)
	RailEcash     Rail = "ecash"     // bearer-token mint
	RailOnchain   Rail = "onchain"   // address-based with amount tolerance
	RailCustodial Rail = "custodial" // hosted invoice + payout API
	RailRelayed   Rail = "relayed"   // gas-abstracted stablecoin transfer
)

// PlatformAgentID is the internal account that accumulates escrow fees.
const PlatformAgentID = "platform"

// MinDepositCents is the smallest accepted deposit per currency, in USD cents.
// Below these the provider fees exceed the deposit value.
var MinDepositCents = map[Currency]int64{
	CurrencyUSDC:         100,
	CurrencyUSDT:         100,
	CurrencyBTC:          500,
	CurrencyBTCLightning: 50,
}

// ParseCurrency validates and normalizes a currency string.
func ParseCurrency(s string) (Currency, error) {
	switch Currency(s) {
	case CurrencyUSDC, CurrencyUSDT, CurrencyBTC, CurrencyBTCLightning:
		return Currency(s), nil
	}
	return "", fmt.Errorf("unknown currency %q", s)
}
