// Package payments orchestrates money movement across rails: deposit
// creation with one-shot fallback, settlement reconciliation, withdrawal
// sending, and the background expiry sweeper. All ledger effects go through
// the storage layer's guarded transitions; this package never credits or
// debits directly.
package payments

import (
	"fmt"

	"github.com/ashita-ai/takara/internal/model"
	"github.com/ashita-ai/takara/internal/rail"
)

// Registry maps currencies to rail adapters. Each currency has a primary
// adapter and optionally one fallback of the same settlement class, tried
// once when the primary is unavailable at deposit creation.
type Registry struct {
	primary  map[model.Currency]rail.Adapter
	fallback map[model.Currency]rail.Adapter
	byRail   map[model.Rail]rail.Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		primary:  make(map[model.Currency]rail.Adapter),
		fallback: make(map[model.Currency]rail.Adapter),
		byRail:   make(map[model.Rail]rail.Adapter),
	}
}

// Register binds a currency to its primary adapter and optional fallback.
func (r *Registry) Register(currency model.Currency, primary rail.Adapter, fallback rail.Adapter) {
	r.primary[currency] = primary
	r.byRail[primary.Rail()] = primary
	if fallback != nil {
		r.fallback[currency] = fallback
		r.byRail[fallback.Rail()] = fallback
	}
}

// Primary returns the primary adapter for a currency.
func (r *Registry) Primary(currency model.Currency) (rail.Adapter, error) {
	a, ok := r.primary[currency]
	if !ok {
		return nil, fmt.Errorf("payments: no adapter registered for %s: %w", currency, rail.ErrNotConfigured)
	}
	return a, nil
}

// Fallback returns the fallback adapter for a currency, or nil.
func (r *Registry) Fallback(currency model.Currency) rail.Adapter {
	return r.fallback[currency]
}

// ByRail returns the adapter serving a rail. Used for reconciliation, where
// the deposit row records which rail it was created on.
func (r *Registry) ByRail(railID model.Rail) (rail.Adapter, error) {
	a, ok := r.byRail[railID]
	if !ok {
		return nil, fmt.Errorf("payments: no adapter for rail %s: %w", railID, rail.ErrNotConfigured)
	}
	return a, nil
}
