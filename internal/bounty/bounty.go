// Package bounty drives the bounty lifecycle: draft, open, claimed,
// submitted, and the terminal states. Every transition is guarded by a
// conditional update in storage; this package sequences them and moves the
// money through the escrow manager.
package bounty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/takara/internal/escrow"
	"github.com/ashita-ai/takara/internal/judge"
	"github.com/ashita-ai/takara/internal/model"
	"github.com/ashita-ai/takara/internal/storage"
)

// DefaultClaimTTL bounds how long a worker can hold a claim without
// submitting.
const DefaultClaimTTL = 24 * time.Hour

var (
	// ErrNotPoster is returned when someone other than the poster calls a
	// poster-only operation.
	ErrNotPoster = errors.New("bounty: caller is not the poster")
	// ErrSelfClaim is returned when a poster tries to claim their own bounty.
	ErrSelfClaim = errors.New("bounty: poster cannot claim own bounty")
)

// Service sequences bounty transitions.
type Service struct {
	db       *storage.DB
	escrows  *escrow.Manager
	judge    *judge.Judge
	claimTTL time.Duration
	logger   *slog.Logger
}

// NewService creates the bounty service.
func NewService(db *storage.DB, escrows *escrow.Manager, j *judge.Judge, claimTTL time.Duration, logger *slog.Logger) *Service {
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	return &Service{
		db:       db,
		escrows:  escrows,
		judge:    j,
		claimTTL: claimTTL,
		logger:   logger.With("component", "bounty"),
	}
}

// Create posts a new bounty in draft. Drafts are invisible to workers until
// funded; fundNow attempts the funding immediately from the poster's balance.
func (s *Service) Create(ctx context.Context, posterID string, b model.Bounty, fundNow bool) (model.Bounty, error) {
	b.PosterID = posterID
	b.Status = model.BountyDraft
	created, err := s.db.CreateBounty(ctx, b)
	if err != nil {
		return model.Bounty{}, err
	}
	if !fundNow {
		return created, nil
	}
	return s.Fund(ctx, created.ID, posterID)
}

// Fund locks the bounty amount in escrow and opens the bounty. The escrow
// debit and the transition are sequential: if opening fails after funding,
// the escrow is refunded so no money is stranded.
func (s *Service) Fund(ctx context.Context, bountyID uuid.UUID, callerID string) (model.Bounty, error) {
	b, err := s.db.GetBounty(ctx, bountyID)
	if err != nil {
		return model.Bounty{}, err
	}
	if b.PosterID != callerID {
		return model.Bounty{}, ErrNotPoster
	}
	if b.Status != model.BountyDraft {
		return model.Bounty{}, fmt.Errorf("bounty: fund %s in status %s: %w", bountyID, b.Status, storage.ErrInvalidTransition)
	}

	e, err := s.escrows.Create(ctx, b.PosterID, b.Title, b.AmountCents)
	if err != nil {
		return model.Bounty{}, err
	}

	opened, err := s.db.OpenBounty(ctx, bountyID, e.ID)
	if err != nil {
		if _, refundErr := s.escrows.Refund(ctx, e.ID); refundErr != nil {
			s.logger.Error("refund after failed open", "escrow_id", e.ID, "error", refundErr)
		}
		return model.Bounty{}, err
	}

	s.logger.Info("bounty opened", "bounty_id", bountyID, "escrow_id", e.ID, "amount_cents", b.AmountCents)
	return opened, nil
}

// Claim gives a worker an exclusive hold on an open bounty. Stale claims are
// released lazily first, so a bounty with an expired claim is claimable
// without waiting for the background sweeper.
func (s *Service) Claim(ctx context.Context, bountyID uuid.UUID, agentID string) (model.Claim, error) {
	b, err := s.db.GetBounty(ctx, bountyID)
	if err != nil {
		return model.Claim{}, err
	}
	if b.PosterID == agentID {
		return model.Claim{}, ErrSelfClaim
	}

	if _, err := s.db.ReleaseExpiredClaims(ctx, time.Now().UTC()); err != nil {
		return model.Claim{}, err
	}

	claim, err := s.db.ClaimBounty(ctx, bountyID, agentID, s.claimTTL)
	if err != nil {
		return model.Claim{}, err
	}
	s.logger.Info("bounty claimed", "bounty_id", bountyID, "agent_id", agentID, "expires_at", claim.ExpiresAt)
	return claim, nil
}

// Submit attaches the worker's submission. Only the unexpired claim holder
// may submit.
func (s *Service) Submit(ctx context.Context, bountyID uuid.UUID, agentID, url, notes string) (model.Bounty, error) {
	if _, err := s.db.ReleaseExpiredClaims(ctx, time.Now().UTC()); err != nil {
		return model.Bounty{}, err
	}
	b, err := s.db.SubmitBounty(ctx, bountyID, agentID, url, notes)
	if err != nil {
		return model.Bounty{}, err
	}
	s.logger.Info("bounty submitted", "bounty_id", bountyID, "agent_id", agentID)
	return b, nil
}

// Judge evaluates a submitted bounty and applies the verdict: approve pays
// out, reject reopens, manual review disputes for an operator.
func (s *Service) Judge(ctx context.Context, bountyID uuid.UUID, verified *judge.VerifiedChange) (model.Judgment, model.Bounty, error) {
	b, err := s.db.GetBounty(ctx, bountyID)
	if err != nil {
		return model.Judgment{}, model.Bounty{}, err
	}
	if b.Status != model.BountySubmitted {
		return model.Judgment{}, model.Bounty{}, fmt.Errorf("bounty: judge %s in status %s: %w", bountyID, b.Status, storage.ErrInvalidTransition)
	}

	claim, err := s.db.GetSubmittedClaim(ctx, bountyID)
	if err != nil {
		return model.Judgment{}, model.Bounty{}, err
	}
	claimant, err := s.db.GetAgentByAgentID(ctx, claim.AgentID)
	if err != nil {
		return model.Judgment{}, model.Bounty{}, err
	}

	var url, notes string
	if b.SubmissionURL != nil {
		url = *b.SubmissionURL
	}
	if b.SubmissionNotes != nil {
		notes = *b.SubmissionNotes
	}
	judgment := s.judge.Evaluate(judge.Input{
		Bounty:   b,
		URL:      url,
		Notes:    notes,
		Claimant: claimant,
		Verified: verified,
	})

	s.logger.Info("bounty judged",
		"bounty_id", bountyID,
		"score", judgment.Score,
		"verdict", judgment.Verdict,
	)

	var updated model.Bounty
	switch judgment.Verdict {
	case model.VerdictApprove:
		updated, err = s.complete(ctx, b, claim.AgentID)
	case model.VerdictReject:
		updated, err = s.db.ReopenBounty(ctx, bountyID)
	default:
		updated, err = s.dispute(ctx, b)
	}
	if err != nil {
		return model.Judgment{}, model.Bounty{}, err
	}
	return judgment, updated, nil
}

// Approve is the poster's explicit acceptance of a submitted bounty.
func (s *Service) Approve(ctx context.Context, bountyID uuid.UUID, callerID string) (model.Bounty, error) {
	b, err := s.db.GetBounty(ctx, bountyID)
	if err != nil {
		return model.Bounty{}, err
	}
	if b.PosterID != callerID {
		return model.Bounty{}, ErrNotPoster
	}
	if b.Status != model.BountySubmitted {
		return model.Bounty{}, fmt.Errorf("bounty: approve %s in status %s: %w", bountyID, b.Status, storage.ErrInvalidTransition)
	}
	claim, err := s.db.GetSubmittedClaim(ctx, bountyID)
	if err != nil {
		return model.Bounty{}, err
	}
	return s.complete(ctx, b, claim.AgentID)
}

// Reject is the poster's explicit rejection; the bounty moves to disputed
// for an operator to resolve.
func (s *Service) Reject(ctx context.Context, bountyID uuid.UUID, callerID string) (model.Bounty, error) {
	b, err := s.db.GetBounty(ctx, bountyID)
	if err != nil {
		return model.Bounty{}, err
	}
	if b.PosterID != callerID {
		return model.Bounty{}, ErrNotPoster
	}
	if b.Status != model.BountySubmitted {
		return model.Bounty{}, fmt.Errorf("bounty: reject %s in status %s: %w", bountyID, b.Status, storage.ErrInvalidTransition)
	}
	return s.dispute(ctx, b)
}

// Resolve is the operator's ruling on a disputed bounty: pay the worker or
// refund the poster.
func (s *Service) Resolve(ctx context.Context, bountyID uuid.UUID, payWorker bool) (model.Bounty, error) {
	b, err := s.db.GetBounty(ctx, bountyID)
	if err != nil {
		return model.Bounty{}, err
	}
	if b.Status != model.BountyDisputed {
		return model.Bounty{}, fmt.Errorf("bounty: resolve %s in status %s: %w", bountyID, b.Status, storage.ErrInvalidTransition)
	}

	if payWorker {
		claim, err := s.db.GetSubmittedClaim(ctx, bountyID)
		if err != nil {
			return model.Bounty{}, err
		}
		if b.EscrowID != nil {
			if _, err := s.escrows.Complete(ctx, *b.EscrowID, claim.AgentID); err != nil {
				return model.Bounty{}, err
			}
		}
		return s.db.TransitionBounty(ctx, bountyID, model.BountyDisputed, model.BountyCompleted)
	}

	if b.EscrowID != nil {
		if _, err := s.escrows.Refund(ctx, *b.EscrowID); err != nil {
			return model.Bounty{}, err
		}
	}
	return s.db.TransitionBounty(ctx, bountyID, model.BountyDisputed, model.BountyExpired)
}

// Cancel withdraws a draft or open bounty. Canceling an open bounty refunds
// its escrow.
func (s *Service) Cancel(ctx context.Context, bountyID uuid.UUID, callerID string) (model.Bounty, error) {
	b, err := s.db.GetBounty(ctx, bountyID)
	if err != nil {
		return model.Bounty{}, err
	}
	if b.PosterID != callerID {
		return model.Bounty{}, ErrNotPoster
	}

	switch b.Status {
	case model.BountyDraft:
		return s.db.TransitionBounty(ctx, bountyID, model.BountyDraft, model.BountyCanceled)
	case model.BountyOpen:
		updated, err := s.db.TransitionBounty(ctx, bountyID, model.BountyOpen, model.BountyCanceled)
		if err != nil {
			return model.Bounty{}, err
		}
		if b.EscrowID != nil {
			if _, err := s.escrows.Refund(ctx, *b.EscrowID); err != nil {
				return model.Bounty{}, err
			}
		}
		return updated, nil
	default:
		return model.Bounty{}, fmt.Errorf("bounty: cancel %s in status %s: %w", bountyID, b.Status, storage.ErrInvalidTransition)
	}
}

// complete pays the worker and marks the bounty done.
func (s *Service) complete(ctx context.Context, b model.Bounty, workerID string) (model.Bounty, error) {
	if b.EscrowID != nil {
		if _, err := s.escrows.Complete(ctx, *b.EscrowID, workerID); err != nil {
			return model.Bounty{}, err
		}
	}
	updated, err := s.db.TransitionBounty(ctx, b.ID, model.BountySubmitted, model.BountyCompleted)
	if err != nil {
		return model.Bounty{}, err
	}
	s.logger.Info("bounty completed", "bounty_id", b.ID, "worker_id", workerID)
	return updated, nil
}

// dispute freezes the bounty and its escrow.
func (s *Service) dispute(ctx context.Context, b model.Bounty) (model.Bounty, error) {
	updated, err := s.db.TransitionBounty(ctx, b.ID, model.BountySubmitted, model.BountyDisputed)
	if err != nil {
		return model.Bounty{}, err
	}
	if b.EscrowID != nil {
		if _, err := s.escrows.Dispute(ctx, *b.EscrowID); err != nil && !errors.Is(err, storage.ErrInvalidTransition) {
			return model.Bounty{}, err
		}
	}
	return updated, nil
}

// Get retrieves a bounty.
func (s *Service) Get(ctx context.Context, bountyID uuid.UUID) (model.Bounty, error) {
	return s.db.GetBounty(ctx, bountyID)
}

// Search lists bounties matching a filter.
func (s *Service) Search(ctx context.Context, f storage.BountyFilter) ([]model.Bounty, error) {
	return s.db.SearchBounties(ctx, f)
}

// ReleaseExpiredClaims is invoked by the background sweeper.
func (s *Service) ReleaseExpiredClaims(ctx context.Context) (int64, error) {
	return s.db.ReleaseExpiredClaims(ctx, time.Now().UTC())
}
