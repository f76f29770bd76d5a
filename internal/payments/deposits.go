package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/takara/internal/bounty"
	"github.com/ashita-ai/takara/internal/escrow"
	"github.com/ashita-ai/takara/internal/model"
	"github.com/ashita-ai/takara/internal/rail"
	"github.com/ashita-ai/takara/internal/rate"
	"github.com/ashita-ai/takara/internal/storage"
)

// defaultDepositTTL bounds receive requests from providers that do not report
// their own expiry.
const defaultDepositTTL = time.Hour

// Service coordinates deposits and withdrawals across the registered rails.
type Service struct {
	db       *storage.DB
	rates    *rate.Converter
	registry *Registry
	bounties *bounty.Service
	escrows  *escrow.Manager
	logger   *slog.Logger
}

// NewService creates the payments orchestrator.
func NewService(db *storage.DB, rates *rate.Converter, registry *Registry, bounties *bounty.Service, escrows *escrow.Manager, logger *slog.Logger) *Service {
	return &Service{
		db:       db,
		rates:    rates,
		registry: registry,
		bounties: bounties,
		escrows:  escrows,
		logger:   logger,
	}
}

// DepositRequest is a request to receive funds on an agent's balance.
// EscrowID and BountyID optionally link the deposit to a resource that
// activates when the money arrives.
type DepositRequest struct {
	AgentID     string
	Currency    model.Currency
	AmountCents int64
	EscrowID    *uuid.UUID
	BountyID    *uuid.UUID
	Memo        string
}

// CreateDeposit asks the currency's primary rail for a receive request and
// persists a pending deposit. When the primary reports itself unavailable the
// fallback adapter is tried exactly once; any other error surfaces as-is.
func (s *Service) CreateDeposit(ctx context.Context, req DepositRequest) (model.Deposit, error) {
	min, ok := model.MinDepositCents[req.Currency]
	if !ok {
		return model.Deposit{}, fmt.Errorf("payments: unknown currency %q", req.Currency)
	}
	if req.AmountCents < min {
		return model.Deposit{}, fmt.Errorf("payments: deposit of %d cents below %s minimum of %d: %w",
			req.AmountCents, req.Currency, min, rail.ErrInvalidAmount)
	}

	native, err := s.rates.ToNative(req.AmountCents, req.Currency)
	if err != nil {
		return model.Deposit{}, fmt.Errorf("payments: convert deposit amount: %w", err)
	}

	adapter, err := s.registry.Primary(req.Currency)
	if err != nil {
		return model.Deposit{}, err
	}

	rr, err := adapter.CreateReceiveRequest(ctx, native, req.AgentID, req.Memo)
	if err != nil && errors.Is(err, rail.ErrProviderUnavailable) {
		fallback := s.registry.Fallback(req.Currency)
		if fallback != nil {
			s.logger.Warn("primary rail unavailable, trying fallback",
				"currency", req.Currency,
				"primary", adapter.Rail(),
				"fallback", fallback.Rail(),
				"error", err)
			adapter = fallback
			rr, err = adapter.CreateReceiveRequest(ctx, native, req.AgentID, req.Memo)
		}
	}
	if err != nil {
		return model.Deposit{}, fmt.Errorf("payments: create receive request on %s: %w", adapter.Rail(), err)
	}

	expiresAt := rr.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().UTC().Add(defaultDepositTTL)
	}

	d, err := s.db.CreateDeposit(ctx, model.Deposit{
		AgentID:       req.AgentID,
		Currency:      req.Currency,
		Rail:          adapter.Rail(),
		AmountCents:   req.AmountCents,
		AmountNative:  native,
		ReceiveHandle: rr.Handle,
		ExternalRef:   rr.ExternalRef,
		EscrowID:      req.EscrowID,
		BountyID:      req.BountyID,
		ExpiresAt:     expiresAt,
	})
	if err != nil {
		return model.Deposit{}, err
	}

	s.logger.Info("deposit created",
		"deposit_id", d.ID,
		"agent_id", d.AgentID,
		"currency", d.Currency,
		"rail", d.Rail,
		"amount_cents", d.AmountCents)
	return d, nil
}

// Reconcile polls the provider for a deposit's settlement and credits the
// agent when the money has arrived. Safe to call repeatedly and from
// concurrent paths (webhook plus poller): the credit is guarded by the
// conditional status transition in storage.
func (s *Service) Reconcile(ctx context.Context, depositID uuid.UUID) (model.Deposit, error) {
	d, err := s.db.GetDeposit(ctx, depositID)
	if err != nil {
		return model.Deposit{}, err
	}
	if d.Status == model.DepositCompleted || d.Status == model.DepositFailed {
		return d, nil
	}

	adapter, err := s.registry.ByRail(d.Rail)
	if err != nil {
		return model.Deposit{}, err
	}

	settlement, err := adapter.CheckReceiveStatus(ctx, d.ExternalRef)
	if err != nil {
		return model.Deposit{}, fmt.Errorf("payments: check deposit %s: %w", d.ID, err)
	}
	if !settlement.Settled {
		return d, nil
	}

	d, credited, err := s.db.CompleteDeposit(ctx, d.ID, settlement.AmountNative)
	if err != nil {
		return model.Deposit{}, err
	}
	if !credited {
		return d, nil
	}

	s.logger.Info("deposit settled",
		"deposit_id", d.ID,
		"agent_id", d.AgentID,
		"rail", d.Rail,
		"amount_cents", d.AmountCents,
		"settled_native", settlement.AmountNative)

	if d.EscrowID != nil {
		if e, activated, err := s.escrows.Activate(ctx, *d.EscrowID); err != nil {
			// The credit stands; the escrow stays pending for a manual retry.
			s.logger.Error("activating escrow from settled deposit failed",
				"deposit_id", d.ID,
				"escrow_id", *d.EscrowID,
				"error", err)
		} else if activated {
			s.logger.Info("escrow activated by deposit",
				"deposit_id", d.ID,
				"escrow_id", e.ID,
				"gross_cents", e.GrossCents)
		}
	}

	if d.BountyID != nil {
		if _, err := s.bounties.Fund(ctx, *d.BountyID, d.AgentID); err != nil {
			// The credit stands; the bounty stays in draft for a manual retry.
			s.logger.Error("funding bounty from settled deposit failed",
				"deposit_id", d.ID,
				"bounty_id", *d.BountyID,
				"error", err)
		}
	}
	return d, nil
}

// ReconcilePending polls every pending deposit once, oldest first. Returns
// how many settled this pass. Per-deposit provider errors are logged and
// skipped so one flaky rail cannot stall the rest.
func (s *Service) ReconcilePending(ctx context.Context, limit int) (int, error) {
	pending, err := s.db.ListPendingDeposits(ctx, limit)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, d := range pending {
		updated, err := s.Reconcile(ctx, d.ID)
		if err != nil {
			s.logger.Warn("deposit reconcile failed",
				"deposit_id", d.ID,
				"rail", d.Rail,
				"error", err)
			continue
		}
		if updated.Status == model.DepositCompleted {
			settled++
		}
	}
	return settled, nil
}
