package payments

import (
	"context"
	"time"
)

// Idempotency key retention. Completed keys are kept long enough for safe
// client retries; stale in-progress keys are assumed crashed and released.
const (
	idempotencyCompletedTTL  = 24 * time.Hour
	idempotencyInProgressTTL = time.Hour
)

// RunSweeper drives the periodic maintenance loop until ctx is canceled:
// pending deposits are polled for settlement, past-expiry deposits are
// expired, stale bounty claims are released, and old idempotency keys are
// purged. Every pass is safe to repeat; crash between steps loses nothing.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	settled, err := s.ReconcilePending(ctx, 200)
	if err != nil {
		s.logger.Error("sweep: reconcile pending deposits", "error", err)
	} else if settled > 0 {
		s.logger.Info("sweep: deposits settled", "count", settled)
	}

	expired, err := s.db.ExpireDeposits(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("sweep: expire deposits", "error", err)
	} else if len(expired) > 0 {
		s.logger.Info("sweep: deposits expired", "count", len(expired))
	}

	released, err := s.bounties.ReleaseExpiredClaims(ctx)
	if err != nil {
		s.logger.Error("sweep: release expired claims", "error", err)
	} else if released > 0 {
		s.logger.Info("sweep: claims released", "count", released)
	}

	purged, err := s.db.CleanupIdempotencyKeys(ctx, idempotencyCompletedTTL, idempotencyInProgressTTL)
	if err != nil {
		s.logger.Error("sweep: cleanup idempotency keys", "error", err)
	} else if purged > 0 {
		s.logger.Info("sweep: idempotency keys purged", "count", purged)
	}
}
