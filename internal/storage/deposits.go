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

const depositColumns = `id, agent_id, currency, rail, amount_cents, amount_native,
	receive_handle, external_ref, status, settled_native, escrow_id, bounty_id,
	expires_at, completed_at, created_at`

func scanDeposit(row pgx.Row) (model.Deposit, error) {
	var d model.Deposit
	err := row.Scan(
		&d.ID, &d.AgentID, &d.Currency, &d.Rail, &d.AmountCents, &d.AmountNative,
		&d.ReceiveHandle, &d.ExternalRef, &d.Status, &d.SettledNative, &d.EscrowID, &d.BountyID,
		&d.ExpiresAt, &d.CompletedAt, &d.CreatedAt,
	)
	return d, err
}

// CreateDeposit inserts a new pending deposit.
func (db *DB) CreateDeposit(ctx context.Context, d model.Deposit) (model.Deposit, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = model.DepositPending
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO deposits (id, agent_id, currency, rail, amount_cents, amount_native,
		                       receive_handle, external_ref, status, escrow_id, bounty_id,
		                       expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.AgentID, string(d.Currency), string(d.Rail), d.AmountCents, d.AmountNative,
		d.ReceiveHandle, d.ExternalRef, string(d.Status), d.EscrowID, d.BountyID,
		d.ExpiresAt, d.CreatedAt,
	)
	if err != nil {
		return model.Deposit{}, fmt.Errorf("storage: create deposit: %w", err)
	}
	return d, nil
}

// GetDeposit retrieves a deposit by ID.
func (db *DB) GetDeposit(ctx context.Context, id uuid.UUID) (model.Deposit, error) {
	d, err := scanDeposit(db.pool.QueryRow(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Deposit{}, fmt.Errorf("storage: deposit %s: %w", id, ErrNotFound)
		}
		return model.Deposit{}, fmt.Errorf("storage: get deposit: %w", err)
	}
	return d, nil
}

// GetDepositByExternalRef looks up a deposit by its provider reference.
// Used for webhook correlation; the (rail, external_ref) pair is unique.
func (db *DB) GetDepositByExternalRef(ctx context.Context, rail model.Rail, externalRef string) (model.Deposit, error) {
	d, err := scanDeposit(db.pool.QueryRow(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE rail = $1 AND external_ref = $2`,
		string(rail), externalRef,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Deposit{}, fmt.Errorf("storage: deposit ref %s: %w", externalRef, ErrNotFound)
		}
		return model.Deposit{}, fmt.Errorf("storage: get deposit by ref: %w", err)
	}
	return d, nil
}

// CompleteDeposit transitions a deposit to completed and credits the agent's
// balance, atomically. The conditional UPDATE makes completion exactly-once:
// a concurrent webhook and reconcile poll race to the same row and only the
// winner credits. Returns credited=false when the deposit was already in a
// terminal state.
//
// Expired deposits may still complete: some providers settle a payment after
// the receive request lapsed, and the money has arrived either way.
func (db *DB) CompleteDeposit(ctx context.Context, id uuid.UUID, settledNative int64) (model.Deposit, bool, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Deposit{}, false, fmt.Errorf("storage: begin complete deposit tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	d, err := scanDeposit(tx.QueryRow(ctx,
		`UPDATE deposits
		 SET status = 'completed', settled_native = $2, completed_at = now()
		 WHERE id = $1 AND status IN ('pending', 'expired')
		 RETURNING `+depositColumns,
		id, settledNative,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Already completed or failed; nothing to credit.
			existing, getErr := db.GetDeposit(ctx, id)
			if getErr != nil {
				return model.Deposit{}, false, getErr
			}
			return existing, false, nil
		}
		return model.Deposit{}, false, fmt.Errorf("storage: complete deposit: %w", err)
	}

	if err := creditTx(ctx, tx, d.AgentID, d.AmountCents, "deposit", "deposit", d.ID); err != nil {
		return model.Deposit{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Deposit{}, false, fmt.Errorf("storage: commit complete deposit tx: %w", err)
	}
	return d, true, nil
}

// FailDeposit marks a pending deposit as failed. No balance movement.
func (db *DB) FailDeposit(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE deposits SET status = 'failed' WHERE id = $1 AND status = 'pending'`, id,
	)
	if err != nil {
		return fmt.Errorf("storage: fail deposit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: fail deposit %s: %w", id, ErrInvalidTransition)
	}
	return nil
}

// ExpireDeposits marks pending deposits past their expiry. Returns the IDs
// of the deposits that were expired so callers can release linked resources.
func (db *DB) ExpireDeposits(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE deposits SET status = 'expired'
		 WHERE status = 'pending' AND expires_at < $1
		 RETURNING id`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: expire deposits: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan expired deposit: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListPendingDeposits returns unexpired pending deposits for reconciliation,
// oldest first.
func (db *DB) ListPendingDeposits(ctx context.Context, limit int) ([]model.Deposit, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+depositColumns+` FROM deposits
		 WHERE status = 'pending' ORDER BY created_at ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list pending deposits: %w", err)
	}
	defer rows.Close()

	var deposits []model.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan deposit: %w", err)
		}
		deposits = append(deposits, d)
	}
	return deposits, rows.Err()
}

// ListDepositsByAgent returns an agent's deposits, newest first.
func (db *DB) ListDepositsByAgent(ctx context.Context, agentID string, limit, offset int) ([]model.Deposit, error) {
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
		`SELECT `+depositColumns+` FROM deposits
		 WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		agentID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list deposits: %w", err)
	}
	defer rows.Close()

	var deposits []model.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan deposit: %w", err)
		}
		deposits = append(deposits, d)
	}
	return deposits, rows.Err()
}
