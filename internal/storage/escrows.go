package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/takara/internal/model"
)

const escrowColumns = `id, client_id, provider_id, task, gross_cents, fee_cents,
	net_cents, status, created_at, completed_at`

func scanEscrow(row pgx.Row) (model.Escrow, error) {
	var e model.Escrow
	err := row.Scan(
		&e.ID, &e.ClientID, &e.ProviderID, &e.Task, &e.GrossCents, &e.FeeCents,
		&e.NetCents, &e.Status, &e.CreatedAt, &e.CompletedAt,
	)
	return e, err
}

// CreateEscrow debits the client's balance by the gross amount and inserts
// the escrow row atomically. Funds leave the client at creation; they return
// only through CompleteEscrow or RefundEscrow.
func (db *DB) CreateEscrow(ctx context.Context, e model.Escrow) (model.Escrow, error) {
	if e.GrossCents != e.FeeCents+e.NetCents {
		return model.Escrow{}, fmt.Errorf("storage: escrow amounts do not balance: %d != %d + %d",
			e.GrossCents, e.FeeCents, e.NetCents)
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = model.EscrowFunded
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Escrow{}, fmt.Errorf("storage: begin create escrow tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := debitTx(ctx, tx, e.ClientID, e.GrossCents, "escrow_fund", "escrow", e.ID); err != nil {
		return model.Escrow{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO escrows (id, client_id, provider_id, task, gross_cents, fee_cents, net_cents, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.ClientID, e.ProviderID, e.Task, e.GrossCents, e.FeeCents, e.NetCents, string(e.Status), e.CreatedAt,
	); err != nil {
		return model.Escrow{}, fmt.Errorf("storage: create escrow: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Escrow{}, fmt.Errorf("storage: commit create escrow tx: %w", err)
	}
	return e, nil
}

// CreatePendingEscrow inserts an escrow in pending_payment without touching
// any balance. The client funds it later through a deposit linked by
// escrow_id; settlement calls ActivateEscrow.
func (db *DB) CreatePendingEscrow(ctx context.Context, e model.Escrow) (model.Escrow, error) {
	if e.GrossCents != e.FeeCents+e.NetCents {
		return model.Escrow{}, fmt.Errorf("storage: escrow amounts do not balance: %d != %d + %d",
			e.GrossCents, e.FeeCents, e.NetCents)
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.Status = model.EscrowPendingPayment

	if _, err := db.pool.Exec(ctx,
		`INSERT INTO escrows (id, client_id, provider_id, task, gross_cents, fee_cents, net_cents, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.ClientID, e.ProviderID, e.Task, e.GrossCents, e.FeeCents, e.NetCents, string(e.Status), e.CreatedAt,
	); err != nil {
		return model.Escrow{}, fmt.Errorf("storage: create pending escrow: %w", err)
	}
	return e, nil
}

// ActivateEscrow moves a pending_payment escrow to funded and debits the
// client's balance by the gross amount, atomically. The conditional UPDATE
// makes activation fire at most once, so replayed settlement callbacks never
// double-debit. Returns activated=false without error when the escrow is
// already past pending_payment.
func (db *DB) ActivateEscrow(ctx context.Context, id uuid.UUID) (model.Escrow, bool, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Escrow{}, false, fmt.Errorf("storage: begin activate escrow tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	e, err := scanEscrow(tx.QueryRow(ctx,
		`UPDATE escrows SET status = 'funded'
		 WHERE id = $1 AND status = 'pending_payment'
		 RETURNING `+escrowColumns,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			existing, getErr := db.GetEscrow(ctx, id)
			if getErr != nil {
				return model.Escrow{}, false, getErr
			}
			return existing, false, nil
		}
		return model.Escrow{}, false, fmt.Errorf("storage: activate escrow: %w", err)
	}

	if err := debitTx(ctx, tx, e.ClientID, e.GrossCents, "escrow_fund", "escrow", e.ID); err != nil {
		return model.Escrow{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Escrow{}, false, fmt.Errorf("storage: commit activate escrow tx: %w", err)
	}
	return e, true, nil
}

// GetEscrow retrieves an escrow by ID.
func (db *DB) GetEscrow(ctx context.Context, id uuid.UUID) (model.Escrow, error) {
	e, err := scanEscrow(db.pool.QueryRow(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Escrow{}, fmt.Errorf("storage: escrow %s: %w", id, ErrNotFound)
		}
		return model.Escrow{}, fmt.Errorf("storage: get escrow: %w", err)
	}
	return e, nil
}

// CompleteEscrow pays the provider the net amount, pays the platform the fee,
// and records the provider's completion stats, all in one transaction. The
// conditional UPDATE guards against double release: an escrow completes or
// refunds at most once.
func (db *DB) CompleteEscrow(ctx context.Context, id uuid.UUID, providerID string) (model.Escrow, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Escrow{}, fmt.Errorf("storage: begin complete escrow tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	e, err := scanEscrow(tx.QueryRow(ctx,
		`UPDATE escrows
		 SET status = 'completed', provider_id = $2, completed_at = now()
		 WHERE id = $1 AND status IN ('funded', 'disputed')
		 RETURNING `+escrowColumns,
		id, providerID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Escrow{}, fmt.Errorf("storage: complete escrow %s: %w", id, ErrInvalidTransition)
		}
		return model.Escrow{}, fmt.Errorf("storage: complete escrow: %w", err)
	}

	if err := creditTx(ctx, tx, providerID, e.NetCents, "escrow_release", "escrow", e.ID); err != nil {
		return model.Escrow{}, err
	}
	if e.FeeCents > 0 {
		if err := creditTx(ctx, tx, model.PlatformAgentID, e.FeeCents, "escrow_fee", "escrow", e.ID); err != nil {
			return model.Escrow{}, err
		}
	}
	if err := recordCompletionTx(ctx, tx, providerID, e.NetCents); err != nil {
		return model.Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Escrow{}, fmt.Errorf("storage: commit complete escrow tx: %w", err)
	}
	return e, nil
}

// RefundEscrow returns the full gross amount to the client. The fee is not
// kept on refund.
func (db *DB) RefundEscrow(ctx context.Context, id uuid.UUID) (model.Escrow, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Escrow{}, fmt.Errorf("storage: begin refund escrow tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	e, err := scanEscrow(tx.QueryRow(ctx,
		`UPDATE escrows
		 SET status = 'refunded', completed_at = now()
		 WHERE id = $1 AND status IN ('funded', 'disputed')
		 RETURNING `+escrowColumns,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Escrow{}, fmt.Errorf("storage: refund escrow %s: %w", id, ErrInvalidTransition)
		}
		return model.Escrow{}, fmt.Errorf("storage: refund escrow: %w", err)
	}

	if err := creditTx(ctx, tx, e.ClientID, e.GrossCents, "escrow_refund", "escrow", e.ID); err != nil {
		return model.Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Escrow{}, fmt.Errorf("storage: commit refund escrow tx: %w", err)
	}
	return e, nil
}

// DisputeEscrow freezes a funded escrow pending operator resolution.
// Funds stay held; no balance movement.
func (db *DB) DisputeEscrow(ctx context.Context, id uuid.UUID) (model.Escrow, error) {
	e, err := scanEscrow(db.pool.QueryRow(ctx,
		`UPDATE escrows SET status = 'disputed'
		 WHERE id = $1 AND status = 'funded'
		 RETURNING `+escrowColumns,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Escrow{}, fmt.Errorf("storage: dispute escrow %s: %w", id, ErrInvalidTransition)
		}
		return model.Escrow{}, fmt.Errorf("storage: dispute escrow: %w", err)
	}
	return e, nil
}

// ListEscrowsByClient returns a client's escrows, newest first.
func (db *DB) ListEscrowsByClient(ctx context.Context, clientID string, limit, offset int) ([]model.Escrow, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+escrowColumns+` FROM escrows
		 WHERE client_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		clientID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list escrows: %w", err)
	}
	defer rows.Close()

	var escrows []model.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan escrow: %w", err)
		}
		escrows = append(escrows, e)
	}
	return escrows, rows.Err()
}
