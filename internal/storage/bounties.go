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

const bountyColumns = `id, poster_id, title, description, amount_cents, currency,
	status, criteria, skills, escrow_id, submission_url, submission_notes,
	submitted_at, created_at, updated_at`

func scanBounty(row pgx.Row) (model.Bounty, error) {
	var b model.Bounty
	err := row.Scan(
		&b.ID, &b.PosterID, &b.Title, &b.Description, &b.AmountCents, &b.Currency,
		&b.Status, &b.Criteria, &b.Skills, &b.EscrowID, &b.SubmissionURL, &b.SubmissionNotes,
		&b.SubmittedAt, &b.CreatedAt, &b.UpdatedAt,
	)
	return b, err
}

const claimColumns = `id, bounty_id, agent_id, status, claimed_at, expires_at`

func scanClaim(row pgx.Row) (model.Claim, error) {
	var c model.Claim
	err := row.Scan(&c.ID, &c.BountyID, &c.AgentID, &c.Status, &c.ClaimedAt, &c.ExpiresAt)
	return c, err
}

// CreateBounty inserts a new bounty.
func (db *DB) CreateBounty(ctx context.Context, b model.Bounty) (model.Bounty, error) {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	if b.Status == "" {
		b.Status = model.BountyDraft
	}
	if b.Criteria == nil {
		b.Criteria = []string{}
	}
	if b.Skills == nil {
		b.Skills = []string{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO bounties (id, poster_id, title, description, amount_cents, currency,
		                       status, criteria, skills, escrow_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		b.ID, b.PosterID, b.Title, b.Description, b.AmountCents, string(b.Currency),
		string(b.Status), b.Criteria, b.Skills, b.EscrowID, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return model.Bounty{}, fmt.Errorf("storage: create bounty: %w", err)
	}
	return b, nil
}

// GetBounty retrieves a bounty by ID.
func (db *DB) GetBounty(ctx context.Context, id uuid.UUID) (model.Bounty, error) {
	b, err := scanBounty(db.pool.QueryRow(ctx,
		`SELECT `+bountyColumns+` FROM bounties WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Bounty{}, fmt.Errorf("storage: bounty %s: %w", id, ErrNotFound)
		}
		return model.Bounty{}, fmt.Errorf("storage: get bounty: %w", err)
	}
	return b, nil
}

// TransitionBounty moves a bounty from one status to another with a
// conditional UPDATE. Returns ErrInvalidTransition if the bounty is not in
// the expected state.
func (db *DB) TransitionBounty(ctx context.Context, id uuid.UUID, from, to model.BountyStatus) (model.Bounty, error) {
	b, err := scanBounty(db.pool.QueryRow(ctx,
		`UPDATE bounties SET status = $3, updated_at = now()
		 WHERE id = $1 AND status = $2
		 RETURNING `+bountyColumns,
		id, string(from), string(to),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Bounty{}, fmt.Errorf("storage: bounty %s %s->%s: %w", id, from, to, ErrInvalidTransition)
		}
		return model.Bounty{}, fmt.Errorf("storage: transition bounty: %w", err)
	}
	return b, nil
}

// OpenBounty attaches the funding escrow and opens a draft bounty, atomically.
func (db *DB) OpenBounty(ctx context.Context, id, escrowID uuid.UUID) (model.Bounty, error) {
	b, err := scanBounty(db.pool.QueryRow(ctx,
		`UPDATE bounties SET status = 'open', escrow_id = $2, updated_at = now()
		 WHERE id = $1 AND status = 'draft'
		 RETURNING `+bountyColumns,
		id, escrowID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Bounty{}, fmt.Errorf("storage: open bounty %s: %w", id, ErrInvalidTransition)
		}
		return model.Bounty{}, fmt.Errorf("storage: open bounty: %w", err)
	}
	return b, nil
}

// ClaimBounty moves an open bounty to claimed and inserts the claim row in
// one transaction. The claim guard rejects a second claim while an unexpired
// active claim exists; the conditional bounty UPDATE closes the race between
// two workers claiming simultaneously.
func (db *DB) ClaimBounty(ctx context.Context, bountyID uuid.UUID, agentID string, ttl time.Duration) (model.Claim, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Claim{}, fmt.Errorf("storage: begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var active int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM bounty_claims
		 WHERE bounty_id = $1 AND status = 'active' AND expires_at > now()`,
		bountyID,
	).Scan(&active); err != nil {
		return model.Claim{}, fmt.Errorf("storage: check active claims: %w", err)
	}
	if active > 0 {
		return model.Claim{}, fmt.Errorf("storage: claim bounty %s: %w", bountyID, ErrClaimConflict)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE bounties SET status = 'claimed', updated_at = now()
		 WHERE id = $1 AND status = 'open'`,
		bountyID,
	)
	if err != nil {
		return model.Claim{}, fmt.Errorf("storage: claim bounty: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Claim{}, fmt.Errorf("storage: claim bounty %s: %w", bountyID, ErrInvalidTransition)
	}

	now := time.Now().UTC()
	claim := model.Claim{
		ID:        uuid.New(),
		BountyID:  bountyID,
		AgentID:   agentID,
		Status:    model.ClaimActive,
		ClaimedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO bounty_claims (id, bounty_id, agent_id, status, claimed_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		claim.ID, claim.BountyID, claim.AgentID, string(claim.Status), claim.ClaimedAt, claim.ExpiresAt,
	); err != nil {
		return model.Claim{}, fmt.Errorf("storage: insert claim: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Claim{}, fmt.Errorf("storage: commit claim tx: %w", err)
	}
	return claim, nil
}

// GetActiveClaim returns the current active claim on a bounty, expired or not.
func (db *DB) GetActiveClaim(ctx context.Context, bountyID uuid.UUID) (model.Claim, error) {
	c, err := scanClaim(db.pool.QueryRow(ctx,
		`SELECT `+claimColumns+` FROM bounty_claims
		 WHERE bounty_id = $1 AND status = 'active'
		 ORDER BY claimed_at DESC LIMIT 1`,
		bountyID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Claim{}, fmt.Errorf("storage: active claim on %s: %w", bountyID, ErrNotFound)
		}
		return model.Claim{}, fmt.Errorf("storage: get active claim: %w", err)
	}
	return c, nil
}

// GetSubmittedClaim returns the claim behind a submitted bounty.
func (db *DB) GetSubmittedClaim(ctx context.Context, bountyID uuid.UUID) (model.Claim, error) {
	c, err := scanClaim(db.pool.QueryRow(ctx,
		`SELECT `+claimColumns+` FROM bounty_claims
		 WHERE bounty_id = $1 AND status = 'submitted'
		 ORDER BY claimed_at DESC LIMIT 1`,
		bountyID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Claim{}, fmt.Errorf("storage: submitted claim on %s: %w", bountyID, ErrNotFound)
		}
		return model.Claim{}, fmt.Errorf("storage: get submitted claim: %w", err)
	}
	return c, nil
}

// SubmitBounty records the worker's submission: the claim moves to submitted,
// the bounty moves to submitted with the submission attached, atomically.
// Only the claim holder may submit, and only while the claim is unexpired.
func (db *DB) SubmitBounty(ctx context.Context, bountyID uuid.UUID, agentID, url, notes string) (model.Bounty, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Bounty{}, fmt.Errorf("storage: begin submit tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE bounty_claims SET status = 'submitted'
		 WHERE bounty_id = $1 AND agent_id = $2 AND status = 'active' AND expires_at > now()`,
		bountyID, agentID,
	)
	if err != nil {
		return model.Bounty{}, fmt.Errorf("storage: submit claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Bounty{}, fmt.Errorf("storage: submit bounty %s by %s: %w", bountyID, agentID, ErrInvalidTransition)
	}

	b, err := scanBounty(tx.QueryRow(ctx,
		`UPDATE bounties
		 SET status = 'submitted', submission_url = $2, submission_notes = $3,
		     submitted_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'claimed'
		 RETURNING `+bountyColumns,
		bountyID, url, notes,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Bounty{}, fmt.Errorf("storage: submit bounty %s: %w", bountyID, ErrInvalidTransition)
		}
		return model.Bounty{}, fmt.Errorf("storage: submit bounty: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Bounty{}, fmt.Errorf("storage: commit submit tx: %w", err)
	}
	return b, nil
}

// ReopenBounty returns a submitted or claimed bounty to open, clearing the
// submission. Used when a judgment rejects the work or a claim expires.
func (db *DB) ReopenBounty(ctx context.Context, id uuid.UUID) (model.Bounty, error) {
	b, err := scanBounty(db.pool.QueryRow(ctx,
		`UPDATE bounties
		 SET status = 'open', submission_url = NULL, submission_notes = NULL,
		     submitted_at = NULL, updated_at = now()
		 WHERE id = $1 AND status IN ('claimed', 'submitted')
		 RETURNING `+bountyColumns,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Bounty{}, fmt.Errorf("storage: reopen bounty %s: %w", id, ErrInvalidTransition)
		}
		return model.Bounty{}, fmt.Errorf("storage: reopen bounty: %w", err)
	}
	return b, nil
}

// ReleaseExpiredClaims expires stale active claims and reopens their bounties.
// Returns the number of claims released. Runs from the background sweeper;
// reads also lazily check expiry so a slow sweep never extends a claim.
func (db *DB) ReleaseExpiredClaims(ctx context.Context, now time.Time) (int64, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin release claims tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`UPDATE bounty_claims SET status = 'expired'
		 WHERE status = 'active' AND expires_at < $1
		 RETURNING bounty_id`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: expire claims: %w", err)
	}
	var bountyIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("storage: scan expired claim: %w", err)
		}
		bountyIDs = append(bountyIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("storage: expire claims: %w", err)
	}

	for _, id := range bountyIDs {
		if _, err := tx.Exec(ctx,
			`UPDATE bounties SET status = 'open', updated_at = now()
			 WHERE id = $1 AND status = 'claimed'`,
			id,
		); err != nil {
			return 0, fmt.Errorf("storage: reopen bounty after claim expiry: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit release claims tx: %w", err)
	}
	return int64(len(bountyIDs)), nil
}

// BountyFilter narrows SearchBounties results. Zero values mean no filter.
type BountyFilter struct {
	Status    model.BountyStatus
	PosterID  string
	Skill     string
	MinCents  int64
	MaxCents  int64
	TextQuery string
	Limit     int
	Offset    int
}

// SearchBounties lists bounties matching the filter, newest first.
func (db *DB) SearchBounties(ctx context.Context, f BountyFilter) ([]model.Bounty, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	if f.Limit > 1000 {
		f.Limit = 1000
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	query := `SELECT ` + bountyColumns + ` FROM bounties WHERE 1=1`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Status != "" {
		query += ` AND status = ` + arg(string(f.Status))
	}
	if f.PosterID != "" {
		query += ` AND poster_id = ` + arg(f.PosterID)
	}
	if f.Skill != "" {
		query += ` AND skills @> ` + arg(fmt.Sprintf(`["%s"]`, f.Skill)) + `::jsonb`
	}
	if f.MinCents > 0 {
		query += ` AND amount_cents >= ` + arg(f.MinCents)
	}
	if f.MaxCents > 0 {
		query += ` AND amount_cents <= ` + arg(f.MaxCents)
	}
	if f.TextQuery != "" {
		pattern := "%" + f.TextQuery + "%"
		query += ` AND (title ILIKE ` + arg(pattern) + ` OR description ILIKE ` + arg(pattern) + `)`
	}
	query += ` ORDER BY created_at DESC LIMIT ` + arg(f.Limit) + ` OFFSET ` + arg(f.Offset)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: search bounties: %w", err)
	}
	defer rows.Close()

	var bounties []model.Bounty
	for rows.Next() {
		b, err := scanBounty(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan bounty: %w", err)
		}
		bounties = append(bounties, b)
	}
	return bounties, rows.Err()
}
