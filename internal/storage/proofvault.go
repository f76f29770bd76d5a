package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ashita-ai/takara/internal/rail"
)

// StoreProofs persists a minted proof set. Implements rail.ProofVault.
func (db *DB) StoreProofs(ctx context.Context, externalRef string, proofs json.RawMessage) error {
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO proof_vault (external_ref, proofs) VALUES ($1, $2)`,
		externalRef, proofs,
	); err != nil {
		return fmt.Errorf("storage: store proofs: %w", err)
	}
	return nil
}

// UnredeemedProofs lists stored proof sets that have not been spent,
// oldest first so melts consume the longest-held tokens.
func (db *DB) UnredeemedProofs(ctx context.Context) ([]rail.StoredProofs, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT external_ref, proofs FROM proof_vault
		 WHERE NOT redeemed ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list unredeemed proofs: %w", err)
	}
	defer rows.Close()

	var stored []rail.StoredProofs
	for rows.Next() {
		var s rail.StoredProofs
		if err := rows.Scan(&s.ExternalRef, &s.Proofs); err != nil {
			return nil, fmt.Errorf("storage: scan proofs: %w", err)
		}
		stored = append(stored, s)
	}
	return stored, rows.Err()
}

// MarkProofsRedeemed flags proof sets as spent after a successful melt.
func (db *DB) MarkProofsRedeemed(ctx context.Context, externalRefs []string) error {
	if len(externalRefs) == 0 {
		return nil
	}
	if _, err := db.pool.Exec(ctx,
		`UPDATE proof_vault SET redeemed = true WHERE external_ref = ANY($1)`,
		externalRefs,
	); err != nil {
		return fmt.Errorf("storage: mark proofs redeemed: %w", err)
	}
	return nil
}

// ProofVault adapts the DB to the rail.ProofVault interface.
type ProofVault struct {
	db *DB
}

// NewProofVault wraps the DB for use by the bearer-token rail.
func NewProofVault(db *DB) *ProofVault {
	return &ProofVault{db: db}
}

// Store implements rail.ProofVault.
func (v *ProofVault) Store(ctx context.Context, externalRef string, proofs json.RawMessage) error {
	return v.db.StoreProofs(ctx, externalRef, proofs)
}

// Unredeemed implements rail.ProofVault.
func (v *ProofVault) Unredeemed(ctx context.Context) ([]rail.StoredProofs, error) {
	return v.db.UnredeemedProofs(ctx)
}

// MarkRedeemed implements rail.ProofVault.
func (v *ProofVault) MarkRedeemed(ctx context.Context, externalRefs []string) error {
	return v.db.MarkProofsRedeemed(ctx, externalRefs)
}

var _ rail.ProofVault = (*ProofVault)(nil)
