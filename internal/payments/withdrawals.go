package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashita-ai/takara/internal/model"
	"github.com/ashita-ai/takara/internal/rail"
)

// WithdrawalRequest is a request to send an agent's balance out on a rail.
type WithdrawalRequest struct {
	AgentID     string
	Currency    model.Currency
	AmountCents int64
	Destination string
}

// Withdraw validates, records, and sends an outbound payment. The ledger
// debit happens inside the processing-to-sent transition, after the provider
// confirms, so a failed send leaves the balance untouched.
//
// On rail.ErrConfirmationTimeout the withdrawal stays in processing: the
// provider may still settle it, and marking it failed would let the agent
// withdraw the same funds twice. Such rows need operator reconciliation.
func (s *Service) Withdraw(ctx context.Context, req WithdrawalRequest) (model.Withdrawal, error) {
	if req.AmountCents <= 0 {
		return model.Withdrawal{}, fmt.Errorf("payments: withdrawal amount must be positive, got %d: %w",
			req.AmountCents, rail.ErrInvalidAmount)
	}

	adapter, err := s.registry.Primary(req.Currency)
	if err != nil {
		return model.Withdrawal{}, err
	}
	if err := rail.ValidateDestination(adapter.Rail(), req.Destination); err != nil {
		return model.Withdrawal{}, err
	}

	native, err := s.rates.ToNative(req.AmountCents, req.Currency)
	if err != nil {
		return model.Withdrawal{}, fmt.Errorf("payments: convert withdrawal amount: %w", err)
	}

	w, err := s.db.CreateWithdrawal(ctx, model.Withdrawal{
		AgentID:     req.AgentID,
		Currency:    req.Currency,
		Rail:        adapter.Rail(),
		AmountCents: req.AmountCents,
		Destination: req.Destination,
	})
	if err != nil {
		return model.Withdrawal{}, err
	}

	w, err = s.db.MarkWithdrawalProcessing(ctx, w.ID)
	if err != nil {
		return model.Withdrawal{}, err
	}

	result, sendErr := adapter.SendPayment(ctx, req.Destination, native)
	if sendErr != nil {
		if errors.Is(sendErr, rail.ErrConfirmationTimeout) {
			s.logger.Warn("withdrawal unconfirmed, left in processing",
				"withdrawal_id", w.ID,
				"agent_id", w.AgentID,
				"rail", w.Rail,
				"error", sendErr)
			return w, fmt.Errorf("payments: withdrawal %s unconfirmed: %w", w.ID, sendErr)
		}

		failed, failErr := s.db.MarkWithdrawalFailed(ctx, w.ID)
		if failErr != nil {
			return model.Withdrawal{}, fmt.Errorf("payments: mark withdrawal failed after send error %v: %w", sendErr, failErr)
		}
		s.logger.Warn("withdrawal send failed",
			"withdrawal_id", failed.ID,
			"agent_id", failed.AgentID,
			"rail", failed.Rail,
			"error", sendErr)
		return failed, fmt.Errorf("payments: send withdrawal %s: %w", w.ID, sendErr)
	}

	w, err = s.db.MarkWithdrawalSent(ctx, w.ID, result.ProviderTxRef)
	if err != nil {
		// Money left the provider but the debit did not land. Loudest
		// possible log; the row stays in processing for reconciliation.
		s.logger.Error("withdrawal sent but not recorded",
			"withdrawal_id", w.ID,
			"agent_id", w.AgentID,
			"provider_ref", result.ProviderTxRef,
			"error", err)
		return model.Withdrawal{}, fmt.Errorf("payments: record sent withdrawal %s: %w", w.ID, err)
	}

	s.logger.Info("withdrawal sent",
		"withdrawal_id", w.ID,
		"agent_id", w.AgentID,
		"rail", w.Rail,
		"amount_cents", w.AmountCents,
		"provider_ref", result.ProviderTxRef)
	return w, nil
}
