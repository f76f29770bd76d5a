package model

import (
	"time"

	"github.com/google/uuid"
)

// EscrowStatus is the lifecycle state of an escrow.
type EscrowStatus string

const (
	// EscrowPendingPayment means no funds are held yet; the escrow waits for
	// a linked deposit to settle and activate it.
	EscrowPendingPayment EscrowStatus = "pending_payment"
	// EscrowFunded means the gross amount is debited from the client and held.
	EscrowFunded EscrowStatus = "funded"
	// EscrowCompleted and EscrowRefunded are terminal and mutually exclusive.
	EscrowCompleted EscrowStatus = "completed"
	EscrowRefunded  EscrowStatus = "refunded"
	// EscrowDisputed still holds funds; an operator resolves it to completed
	// or refunded.
	EscrowDisputed EscrowStatus = "disputed"
)

// Escrow holds a client's funds against a task. The fee is computed once at
// creation and frozen; gross = net + fee always holds.
type Escrow struct {
	ID          uuid.UUID    `json:"id"`
	ClientID    string       `json:"client_id"`
	ProviderID  *string      `json:"provider_id,omitempty"`
	Task        string       `json:"task"`
	GrossCents  int64        `json:"gross_cents"`
	FeeCents    int64        `json:"fee_cents"`
	NetCents    int64        `json:"net_cents"`
	Status      EscrowStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}
