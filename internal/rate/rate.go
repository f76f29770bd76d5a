// Package rate converts between the accounting currency (USD cents) and the
// native units of each rail. Pure integer arithmetic; conversion rates are
// injected, never fetched.
package rate

import (
	"fmt"

	"github.com/ashita-ai/takara/internal/model"
)

// Native unit scales per rail class.
//
// Lightning amounts are millisatoshi, on-chain BTC amounts are satoshi, and
// both stablecoins use 6-decimal token units (1e6 per whole token).
const (
	msatsPerSat       = 1_000
	stableUnitsPerUSD = 1_000_000
	centsPerUSD       = 100
)

// Converter maps USD cents to rail-native units and back. The satoshi rate is
// a policy input from configuration; stablecoins are pegged 1:1.
type Converter struct {
	satsPerUSD int64
}

// NewConverter creates a converter with the given sats-per-USD rate.
func NewConverter(satsPerUSD int64) (*Converter, error) {
	if satsPerUSD <= 0 {
		return nil, fmt.Errorf("rate: sats per USD must be positive, got %d", satsPerUSD)
	}
	return &Converter{satsPerUSD: satsPerUSD}, nil
}

// ToNative converts USD cents to the native unit of the given currency,
// flooring toward zero so conversion can never create value.
func (c *Converter) ToNative(cents int64, currency model.Currency) (int64, error) {
	if cents <= 0 {
		return 0, fmt.Errorf("rate: amount must be positive, got %d", cents)
	}
	switch currency {
	case model.CurrencyUSDC, model.CurrencyUSDT:
		return cents * (stableUnitsPerUSD / centsPerUSD), nil
	case model.CurrencyBTC:
		return cents * c.satsPerUSD / centsPerUSD, nil
	case model.CurrencyBTCLightning:
		return cents * c.satsPerUSD * msatsPerSat / centsPerUSD, nil
	}
	return 0, fmt.Errorf("rate: unknown currency %q", currency)
}

// ToDisplay converts a native amount back to USD cents, flooring.
func (c *Converter) ToDisplay(native int64, currency model.Currency) (int64, error) {
	if native < 0 {
		return 0, fmt.Errorf("rate: native amount must be non-negative, got %d", native)
	}
	switch currency {
	case model.CurrencyUSDC, model.CurrencyUSDT:
		return native / (stableUnitsPerUSD / centsPerUSD), nil
	case model.CurrencyBTC:
		return native * centsPerUSD / c.satsPerUSD, nil
	case model.CurrencyBTCLightning:
		return native * centsPerUSD / (c.satsPerUSD * msatsPerSat), nil
	}
	return 0, fmt.Errorf("rate: unknown currency %q", currency)
}
