package storage

import (
	"context"
	"errors"
	"fmt"

	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// LedgerEntry is one append-only record of a balance movement. Positive
// amounts are credits, negative are debits.
type LedgerEntry struct {
	ID          uuid.UUID  `json:"id"`
	AgentID     string     `json:"agent_id"`
	AmountCents int64      `json:"amount_cents"`
	Reason      string     `json:"reason"`
	RefType     *string    `json:"ref_type,omitempty"`
	RefID       *uuid.UUID `json:"ref_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// creditTx adds to an agent's balance and appends the ledger entry, inside
// the caller's transaction.
func creditTx(ctx context.Context, tx pgx.Tx, agentID string, amountCents int64, reason, refType string, refID uuid.UUID) error {
	if amountCents <= 0 {
		return fmt.Errorf("storage: credit amount must be positive, got %d", amountCents)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE agents SET balance_cents = balance_cents + $1, updated_at = now() WHERE agent_id = $2`,
		amountCents, agentID,
	)
	if err != nil {
		return fmt.Errorf("storage: credit %s: %w", agentID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: credit agent %s: %w", agentID, ErrNotFound)
	}
	return insertLedgerTx(ctx, tx, agentID, amountCents, reason, refType, refID)
}

// debitTx subtracts from an agent's balance, failing closed when the balance
// would go negative, and appends the ledger entry.
func debitTx(ctx context.Context, tx pgx.Tx, agentID string, amountCents int64, reason, refType string, refID uuid.UUID) error {
	if amountCents <= 0 {
		return fmt.Errorf("storage: debit amount must be positive, got %d", amountCents)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE agents SET balance_cents = balance_cents - $1, updated_at = now()
		 WHERE agent_id = $2 AND balance_cents >= $1`,
		amountCents, agentID,
	)
	if err != nil {
		return fmt.Errorf("storage: debit %s: %w", agentID, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing agent from an underfunded one.
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT true FROM agents WHERE agent_id = $1`, agentID,
		).Scan(&exists); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("storage: debit agent %s: %w", agentID, ErrNotFound)
			}
			return fmt.Errorf("storage: debit %s: %w", agentID, err)
		}
		return fmt.Errorf("storage: debit %s %d cents: %w", agentID, amountCents, ErrInsufficientFunds)
	}
	return insertLedgerTx(ctx, tx, agentID, -amountCents, reason, refType, refID)
}

func insertLedgerTx(ctx context.Context, tx pgx.Tx, agentID string, amountCents int64, reason, refType string, refID uuid.UUID) error {
	var refTypeVal *string
	var refIDVal *uuid.UUID
	if refType != "" {
		refTypeVal = &refType
	}
	if refID != uuid.Nil {
		refIDVal = &refID
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (agent_id, amount_cents, reason, ref_type, ref_id)
		 VALUES ($1, $2, $3, $4, $5)`,
		agentID, amountCents, reason, refTypeVal, refIDVal,
	); err != nil {
		return fmt.Errorf("storage: insert ledger entry: %w", err)
	}
	return nil
}

// Credit adds funds to an agent's balance in its own transaction.
func (db *DB) Credit(ctx context.Context, agentID string, amountCents int64, reason, refType string, refID uuid.UUID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin credit tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := creditTx(ctx, tx, agentID, amountCents, reason, refType, refID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit credit tx: %w", err)
	}
	return nil
}

// Debit removes funds from an agent's balance in its own transaction.
// Returns ErrInsufficientFunds if the balance cannot cover the amount.
func (db *DB) Debit(ctx context.Context, agentID string, amountCents int64, reason, refType string, refID uuid.UUID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin debit tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := debitTx(ctx, tx, agentID, amountCents, reason, refType, refID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit debit tx: %w", err)
	}
	return nil
}

// Transfer atomically moves funds between two agents. The debit and credit
// commit together or not at all. Opposite-direction transfers lock the two
// agent rows in opposite orders, so deadlocks are retried.
func (db *DB) Transfer(ctx context.Context, fromAgentID, toAgentID string, amountCents int64, reason, refType string, refID uuid.UUID) error {
	return withRetry(ctx, 3, 10*time.Millisecond, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin transfer tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := debitTx(ctx, tx, fromAgentID, amountCents, reason, refType, refID); err != nil {
			return err
		}
		if err := creditTx(ctx, tx, toAgentID, amountCents, reason, refType, refID); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit transfer tx: %w", err)
		}
		return nil
	})
}

// GetBalance returns an agent's current balance in cents.
func (db *DB) GetBalance(ctx context.Context, agentID string) (int64, error) {
	var balance int64
	err := db.pool.QueryRow(ctx,
		`SELECT balance_cents FROM agents WHERE agent_id = $1`, agentID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("storage: agent %s: %w", agentID, ErrNotFound)
		}
		return 0, fmt.Errorf("storage: get balance: %w", err)
	}
	return balance, nil
}

// ListLedgerEntries returns an agent's movements, newest first.
// limit is clamped to [1, 1000] with a default of 100.
func (db *DB) ListLedgerEntries(ctx context.Context, agentID string, limit, offset int) ([]LedgerEntry, error) {
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
		`SELECT id, agent_id, amount_cents, reason, ref_type, ref_id, created_at
		 FROM ledger_entries WHERE agent_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		agentID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.AgentID, &e.AmountCents, &e.Reason, &e.RefType, &e.RefID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Conservation returns the sum of all agent balances and the sum of all
// ledger entries. Operators compare the two against external reserves.
func (db *DB) Conservation(ctx context.Context) (balanceSum, ledgerSum int64, err error) {
	if err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(balance_cents), 0) FROM agents`,
	).Scan(&balanceSum); err != nil {
		return 0, 0, fmt.Errorf("storage: sum balances: %w", err)
	}
	if err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0) FROM ledger_entries`,
	).Scan(&ledgerSum); err != nil {
		return 0, 0, fmt.Errorf("storage: sum ledger: %w", err)
	}
	return balanceSum, ledgerSum, nil
}
