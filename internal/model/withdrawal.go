package model

import (
	"time"

	"github.com/google/uuid"
)

// WithdrawalStatus is the lifecycle state of a withdrawal.
type WithdrawalStatus string

const (
	WithdrawalRequested  WithdrawalStatus = "requested"
	WithdrawalProcessing WithdrawalStatus = "processing"
	// WithdrawalSent is the only transition that debits the ledger.
	WithdrawalSent   WithdrawalStatus = "sent"
	WithdrawalFailed WithdrawalStatus = "failed"
)

// Withdrawal is an outbound payment request. The ledger is debited on the
// transition to sent, never speculatively at creation: a failed provider send
// must leave the agent's balance untouched.
type Withdrawal struct {
	ID          uuid.UUID        `json:"id"`
	AgentID     string           `json:"agent_id"`
	Currency    Currency         `json:"currency"`
	Rail        Rail             `json:"rail"`
	AmountCents int64            `json:"amount_cents"`
	Destination string           `json:"destination"`
	Status      WithdrawalStatus `json:"status"`
	ProviderRef *string          `json:"provider_ref,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	SentAt      *time.Time       `json:"sent_at,omitempty"`
}
