package model

import (
	"time"

	"github.com/google/uuid"
)

// BountyStatus is the lifecycle state of a bounty.
type BountyStatus string

const (
	// BountyDraft is created but unfunded; invisible to workers.
	BountyDraft     BountyStatus = "draft"
	BountyOpen      BountyStatus = "open"
	BountyClaimed   BountyStatus = "claimed"
	BountySubmitted BountyStatus = "submitted"
	BountyCompleted BountyStatus = "completed"
	BountyExpired   BountyStatus = "expired"
	BountyDisputed  BountyStatus = "disputed"
	BountyCanceled  BountyStatus = "canceled"
)

// bountyTransitions enumerates the legal state machine edges.
var bountyTransitions = map[BountyStatus][]BountyStatus{
	BountyDraft:     {BountyOpen, BountyCanceled},
	BountyOpen:      {BountyClaimed, BountyExpired, BountyCanceled},
	BountyClaimed:   {BountySubmitted, BountyOpen}, // back to open on claim expiry
	BountySubmitted: {BountyCompleted, BountyDisputed, BountyOpen},
	BountyDisputed:  {BountyCompleted, BountyExpired},
}

// CanTransition reports whether from → to is a legal bounty transition.
func CanTransition(from, to BountyStatus) bool {
	for _, next := range bountyTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Bounty is a posted unit of work. At most one active claim exists at a time.
type Bounty struct {
	ID              uuid.UUID    `json:"id"`
	PosterID        string       `json:"poster_id"`
	Title           string       `json:"title"`
	Description     string       `json:"description"`
	AmountCents     int64        `json:"amount_cents"`
	Currency        Currency     `json:"currency"`
	Status          BountyStatus `json:"status"`
	Criteria        []string     `json:"criteria"`
	Skills          []string     `json:"skills"`
	EscrowID        *uuid.UUID   `json:"escrow_id,omitempty"`
	SubmissionURL   *string      `json:"submission_url,omitempty"`
	SubmissionNotes *string      `json:"submission_notes,omitempty"`
	SubmittedAt     *time.Time   `json:"submitted_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// ClaimStatus is the lifecycle state of a bounty claim.
type ClaimStatus string

const (
	ClaimActive    ClaimStatus = "active"
	ClaimExpired   ClaimStatus = "expired"
	ClaimSubmitted ClaimStatus = "submitted"
)

// Claim records one worker's hold on a bounty, bounded by ExpiresAt.
type Claim struct {
	ID        uuid.UUID   `json:"id"`
	BountyID  uuid.UUID   `json:"bounty_id"`
	AgentID   string      `json:"agent_id"`
	Status    ClaimStatus `json:"status"`
	ClaimedAt time.Time   `json:"claimed_at"`
	ExpiresAt time.Time   `json:"expires_at"`
}
