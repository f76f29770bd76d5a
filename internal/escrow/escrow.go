// Package escrow holds client funds against tasks. The platform fee is
// computed once at creation and frozen on the escrow row; later fee-rate
// changes never touch existing escrows.
package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"

	"github.com/ashita-ai/takara/internal/model"
	"github.com/ashita-ai/takara/internal/storage"
)

// DefaultFeeRate is the platform's cut of each escrow.
const DefaultFeeRate = 0.10

// Manager creates and resolves escrows.
type Manager struct {
	db      *storage.DB
	feeRate float64
	logger  *slog.Logger
}

// NewManager creates an escrow manager. A non-positive fee rate falls back
// to the default.
func NewManager(db *storage.DB, feeRate float64, logger *slog.Logger) *Manager {
	if feeRate <= 0 || feeRate >= 1 {
		feeRate = DefaultFeeRate
	}
	return &Manager{
		db:      db,
		feeRate: feeRate,
		logger:  logger.With("component", "escrow"),
	}
}

// Fee computes the platform fee on a gross amount, rounding half away
// from zero.
func (m *Manager) Fee(grossCents int64) int64 {
	return int64(math.Round(float64(grossCents) * m.feeRate))
}

// Create debits the client by the gross amount and opens a funded escrow.
// Fee and net are fixed here; gross = fee + net holds for the escrow's life.
func (m *Manager) Create(ctx context.Context, clientID, task string, grossCents int64) (model.Escrow, error) {
	return m.CreateAssigned(ctx, clientID, nil, task, grossCents)
}

// CreateAssigned is Create with a designated provider. Direct escrows name
// their provider up front; bounty escrows leave it nil until completion.
func (m *Manager) CreateAssigned(ctx context.Context, clientID string, providerID *string, task string, grossCents int64) (model.Escrow, error) {
	if grossCents <= 0 {
		return model.Escrow{}, fmt.Errorf("escrow: gross amount must be positive, got %d", grossCents)
	}
	fee := m.Fee(grossCents)

	e, err := m.db.CreateEscrow(ctx, model.Escrow{
		ClientID:   clientID,
		ProviderID: providerID,
		Task:       task,
		GrossCents: grossCents,
		FeeCents:   fee,
		NetCents:   grossCents - fee,
	})
	if err != nil {
		return model.Escrow{}, err
	}

	m.logger.Info("escrow funded",
		"escrow_id", e.ID,
		"client_id", clientID,
		"gross_cents", e.GrossCents,
		"fee_cents", e.FeeCents,
	)
	return e, nil
}

// CreatePending opens an escrow with no funds held. The client pays through
// a deposit that carries the escrow's ID; settlement activates the escrow.
// Fee and net are frozen here, exactly as for a balance-funded escrow.
func (m *Manager) CreatePending(ctx context.Context, clientID string, providerID *string, task string, grossCents int64) (model.Escrow, error) {
	if grossCents <= 0 {
		return model.Escrow{}, fmt.Errorf("escrow: gross amount must be positive, got %d", grossCents)
	}
	fee := m.Fee(grossCents)

	e, err := m.db.CreatePendingEscrow(ctx, model.Escrow{
		ClientID:   clientID,
		ProviderID: providerID,
		Task:       task,
		GrossCents: grossCents,
		FeeCents:   fee,
		NetCents:   grossCents - fee,
	})
	if err != nil {
		return model.Escrow{}, err
	}

	m.logger.Info("escrow awaiting payment",
		"escrow_id", e.ID,
		"client_id", clientID,
		"gross_cents", e.GrossCents,
	)
	return e, nil
}

// Activate funds a pending_payment escrow from the client's balance.
// Idempotent: an escrow already past pending_payment reports activated=false
// with no balance movement.
func (m *Manager) Activate(ctx context.Context, escrowID uuid.UUID) (model.Escrow, bool, error) {
	e, activated, err := m.db.ActivateEscrow(ctx, escrowID)
	if err != nil {
		return model.Escrow{}, false, err
	}
	if activated {
		m.logger.Info("escrow activated",
			"escrow_id", e.ID,
			"client_id", e.ClientID,
			"gross_cents", e.GrossCents,
		)
	}
	return e, activated, nil
}

// Complete releases the net amount to the provider and the fee to the
// platform account. Rejects escrows already resolved.
func (m *Manager) Complete(ctx context.Context, escrowID uuid.UUID, providerID string) (model.Escrow, error) {
	e, err := m.db.CompleteEscrow(ctx, escrowID, providerID)
	if err != nil {
		return model.Escrow{}, err
	}
	m.logger.Info("escrow completed",
		"escrow_id", e.ID,
		"provider_id", providerID,
		"net_cents", e.NetCents,
		"fee_cents", e.FeeCents,
	)
	return e, nil
}

// Refund returns the full gross amount to the client, fee included.
func (m *Manager) Refund(ctx context.Context, escrowID uuid.UUID) (model.Escrow, error) {
	e, err := m.db.RefundEscrow(ctx, escrowID)
	if err != nil {
		return model.Escrow{}, err
	}
	m.logger.Info("escrow refunded", "escrow_id", e.ID, "gross_cents", e.GrossCents)
	return e, nil
}

// Dispute freezes a funded escrow for operator resolution.
func (m *Manager) Dispute(ctx context.Context, escrowID uuid.UUID) (model.Escrow, error) {
	return m.db.DisputeEscrow(ctx, escrowID)
}

// Get retrieves an escrow.
func (m *Manager) Get(ctx context.Context, escrowID uuid.UUID) (model.Escrow, error) {
	return m.db.GetEscrow(ctx, escrowID)
}
