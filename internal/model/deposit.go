package model

import (
	"time"

	"github.com/google/uuid"
)

// DepositStatus is the lifecycle state of a deposit.
type DepositStatus string

const (
	DepositPending DepositStatus = "pending"
	// DepositCompleted is terminal; the transition to it performs the ledger
	// credit exactly once.
	DepositCompleted DepositStatus = "completed"
	// DepositExpired means the receive request lapsed without settlement.
	// Distinct from failed: some providers still settle a late payment, and
	// reconciliation of an expired deposit must remain possible.
	DepositExpired DepositStatus = "expired"
	DepositFailed  DepositStatus = "failed"
)

// Deposit is an inbound funding request on one rail. ExternalRef is the
// provider-assigned reference used for status polls and webhook correlation.
type Deposit struct {
	ID            uuid.UUID     `json:"id"`
	AgentID       string        `json:"agent_id"`
	Currency      Currency      `json:"currency"`
	Rail          Rail          `json:"rail"`
	AmountCents   int64         `json:"amount_cents"`
	AmountNative  int64         `json:"amount_native"`
	ReceiveHandle string        `json:"receive_handle"` // invoice string, wallet address, or payment URL
	ExternalRef   string        `json:"external_ref"`
	Status        DepositStatus `json:"status"`
	SettledNative *int64        `json:"settled_native,omitempty"`
	EscrowID      *uuid.UUID    `json:"escrow_id,omitempty"` // escrow to activate on settlement
	BountyID      *uuid.UUID    `json:"bounty_id,omitempty"` // bounty to open on settlement
	ExpiresAt     time.Time     `json:"expires_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}
