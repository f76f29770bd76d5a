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

const withdrawalColumns = `id, agent_id, currency, rail, amount_cents,
	destination, status, provider_ref, created_at, sent_at`

func scanWithdrawal(row pgx.Row) (model.Withdrawal, error) {
	var w model.Withdrawal
	err := row.Scan(
		&w.ID, &w.AgentID, &w.Currency, &w.Rail, &w.AmountCents,
		&w.Destination, &w.Status, &w.ProviderRef, &w.CreatedAt, &w.SentAt,
	)
	return w, err
}

// CreateWithdrawal inserts a new withdrawal in the requested state. Nothing
// is debited here; the debit happens on the transition to sent. The balance
// check therefore counts the agent's other unsettled withdrawals as already
// spoken for, and the agent row is locked so concurrent creations for the
// same agent serialize. Without both, two full-balance requests pass the
// check together and the provider pays twice.
func (db *DB) CreateWithdrawal(ctx context.Context, w model.Withdrawal) (model.Withdrawal, error) {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	if w.Status == "" {
		w.Status = model.WithdrawalRequested
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Withdrawal{}, fmt.Errorf("storage: begin create withdrawal tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT balance_cents FROM agents WHERE agent_id = $1 FOR UPDATE`, w.AgentID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Withdrawal{}, fmt.Errorf("storage: withdraw for agent %s: %w", w.AgentID, ErrNotFound)
		}
		return model.Withdrawal{}, fmt.Errorf("storage: lock agent for withdrawal: %w", err)
	}

	var reserved int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0) FROM withdrawals
		 WHERE agent_id = $1 AND status IN ('requested', 'processing')`, w.AgentID,
	).Scan(&reserved)
	if err != nil {
		return model.Withdrawal{}, fmt.Errorf("storage: sum reserved withdrawals: %w", err)
	}

	if balance < w.AmountCents+reserved {
		return model.Withdrawal{}, fmt.Errorf("storage: withdraw %d cents with balance %d and %d already reserved: %w",
			w.AmountCents, balance, reserved, ErrInsufficientFunds)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO withdrawals (id, agent_id, currency, rail, amount_cents, destination, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		w.ID, w.AgentID, string(w.Currency), string(w.Rail), w.AmountCents, w.Destination, string(w.Status), w.CreatedAt,
	)
	if err != nil {
		return model.Withdrawal{}, fmt.Errorf("storage: create withdrawal: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Withdrawal{}, fmt.Errorf("storage: commit create withdrawal tx: %w", err)
	}
	return w, nil
}

// GetWithdrawal retrieves a withdrawal by ID.
func (db *DB) GetWithdrawal(ctx context.Context, id uuid.UUID) (model.Withdrawal, error) {
	w, err := scanWithdrawal(db.pool.QueryRow(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Withdrawal{}, fmt.Errorf("storage: withdrawal %s: %w", id, ErrNotFound)
		}
		return model.Withdrawal{}, fmt.Errorf("storage: get withdrawal: %w", err)
	}
	return w, nil
}

// MarkWithdrawalProcessing claims a requested withdrawal for sending. The
// conditional UPDATE stops two workers from paying the same request twice.
func (db *DB) MarkWithdrawalProcessing(ctx context.Context, id uuid.UUID) (model.Withdrawal, error) {
	w, err := scanWithdrawal(db.pool.QueryRow(ctx,
		`UPDATE withdrawals SET status = 'processing'
		 WHERE id = $1 AND status = 'requested'
		 RETURNING `+withdrawalColumns,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Withdrawal{}, fmt.Errorf("storage: process withdrawal %s: %w", id, ErrInvalidTransition)
		}
		return model.Withdrawal{}, fmt.Errorf("storage: process withdrawal: %w", err)
	}
	return w, nil
}

// MarkWithdrawalSent records the provider confirmation and debits the
// agent's balance, atomically. This is the only withdrawal transition that
// moves money: a send that never confirms never debits.
func (db *DB) MarkWithdrawalSent(ctx context.Context, id uuid.UUID, providerRef string) (model.Withdrawal, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Withdrawal{}, fmt.Errorf("storage: begin sent tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	w, err := scanWithdrawal(tx.QueryRow(ctx,
		`UPDATE withdrawals SET status = 'sent', provider_ref = $2, sent_at = now()
		 WHERE id = $1 AND status = 'processing'
		 RETURNING `+withdrawalColumns,
		id, providerRef,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Withdrawal{}, fmt.Errorf("storage: mark withdrawal %s sent: %w", id, ErrInvalidTransition)
		}
		return model.Withdrawal{}, fmt.Errorf("storage: mark withdrawal sent: %w", err)
	}

	if err := debitTx(ctx, tx, w.AgentID, w.AmountCents, "withdrawal", "withdrawal", w.ID); err != nil {
		return model.Withdrawal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Withdrawal{}, fmt.Errorf("storage: commit sent tx: %w", err)
	}
	return w, nil
}

// MarkWithdrawalFailed records a failed send. The balance is untouched
// because it was never debited.
func (db *DB) MarkWithdrawalFailed(ctx context.Context, id uuid.UUID) (model.Withdrawal, error) {
	w, err := scanWithdrawal(db.pool.QueryRow(ctx,
		`UPDATE withdrawals SET status = 'failed'
		 WHERE id = $1 AND status IN ('requested', 'processing')
		 RETURNING `+withdrawalColumns,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Withdrawal{}, fmt.Errorf("storage: fail withdrawal %s: %w", id, ErrInvalidTransition)
		}
		return model.Withdrawal{}, fmt.Errorf("storage: fail withdrawal: %w", err)
	}
	return w, nil
}

// ListWithdrawalsByAgent returns an agent's withdrawals, newest first.
func (db *DB) ListWithdrawalsByAgent(ctx context.Context, agentID string, limit, offset int) ([]model.Withdrawal, error) {
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
		`SELECT `+withdrawalColumns+` FROM withdrawals
		 WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		agentID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list withdrawals: %w", err)
	}
	defer rows.Close()

	var withdrawals []model.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan withdrawal: %w", err)
		}
		withdrawals = append(withdrawals, w)
	}
	return withdrawals, rows.Err()
}
