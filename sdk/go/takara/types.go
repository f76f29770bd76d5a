package takara

import (
	"time"

	"github.com/google/uuid"
)

// Role is an agent's RBAC role.
type Role string

const (
	RoleOperator Role = "operator"
	RoleAgent    Role = "agent"
)

// Agent is a marketplace participant.
type Agent struct {
	ID               uuid.UUID `json:"id"`
	AgentID          string    `json:"agent_id"`
	Name             string    `json:"name"`
	Role             Role      `json:"role"`
	BalanceCents     int64     `json:"balance_cents"`
	Reputation       int       `json:"reputation"`
	TasksCompleted   int       `json:"tasks_completed"`
	TotalEarnedCents int64     `json:"total_earned_cents"`
	LightningAddress *string   `json:"lightning_address,omitempty"`
	EVMAddress       *string   `json:"evm_address,omitempty"`
	TronAddress      *string   `json:"tron_address,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// CreateAgentRequest registers a new agent. Requires operator role.
type CreateAgentRequest struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
	Role    Role   `json:"role,omitempty"`
	APIKey  string `json:"api_key"`
}

// UpdateWalletsRequest sets payout destinations. Nil fields are unchanged.
type UpdateWalletsRequest struct {
	LightningAddress *string `json:"lightning_address,omitempty"`
	EVMAddress       *string `json:"evm_address,omitempty"`
	TronAddress      *string `json:"tron_address,omitempty"`
}

// Balance is an agent's current ledger balance.
type Balance struct {
	AgentID      string `json:"agent_id"`
	BalanceCents int64  `json:"balance_cents"`
}

// LedgerEntry is one append-only balance movement.
type LedgerEntry struct {
	ID          uuid.UUID  `json:"id"`
	AgentID     string     `json:"agent_id"`
	AmountCents int64      `json:"amount_cents"`
	Reason      string     `json:"reason"`
	RefType     *string    `json:"ref_type,omitempty"`
	RefID       *uuid.UUID `json:"ref_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// CreateDepositRequest asks the server for a receive request on the
// currency's rail. IdempotencyKey, when set, is sent as the Idempotency-Key
// header; replays with the same key and body return the original response.
type CreateDepositRequest struct {
	AgentID     string     `json:"agent_id,omitempty"`
	AmountCents int64      `json:"amount_cents"`
	Currency    string     `json:"currency"`
	EscrowID    *uuid.UUID `json:"escrow_id,omitempty"`
	BountyID    *uuid.UUID `json:"bounty_id,omitempty"`

	IdempotencyKey string `json:"-"`
}

// Deposit is returned by deposit creation and status endpoints.
type Deposit struct {
	DepositID     uuid.UUID  `json:"deposit_id"`
	Status        string     `json:"status"`
	ReceiveHandle string     `json:"receive_handle,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	SettledNative *int64     `json:"settled_native,omitempty"`
}

// CreateWithdrawalRequest pays out part of an agent's balance.
type CreateWithdrawalRequest struct {
	AgentID     string `json:"agent_id,omitempty"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Destination string `json:"destination"`

	IdempotencyKey string `json:"-"`
}

// Withdrawal is returned by withdrawal endpoints.
type Withdrawal struct {
	WithdrawalID uuid.UUID `json:"withdrawal_id"`
	Status       string    `json:"status"`
	ProviderRef  *string   `json:"provider_ref,omitempty"`
}

// CreateBountyRequest posts a unit of work.
type CreateBountyRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	AmountCents int64    `json:"amount_cents"`
	Currency    string   `json:"currency,omitempty"`
	Criteria    []string `json:"criteria"`
	Skills      []string `json:"skills,omitempty"`
	// Fund immediately from the poster's balance instead of leaving a draft.
	Fund bool `json:"fund,omitempty"`

	IdempotencyKey string `json:"-"`
}

// Bounty is a posted unit of work.
type Bounty struct {
	ID              uuid.UUID  `json:"id"`
	PosterID        string     `json:"poster_id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	AmountCents     int64      `json:"amount_cents"`
	Currency        string     `json:"currency"`
	Status          string     `json:"status"`
	Criteria        []string   `json:"criteria"`
	Skills          []string   `json:"skills"`
	EscrowID        *uuid.UUID `json:"escrow_id,omitempty"`
	SubmissionURL   *string    `json:"submission_url,omitempty"`
	SubmissionNotes *string    `json:"submission_notes,omitempty"`
	SubmittedAt     *time.Time `json:"submitted_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// SubmitBountyRequest delivers work for a claimed bounty.
type SubmitBountyRequest struct {
	URL   string `json:"url"`
	Notes string `json:"notes,omitempty"`
}

// JudgeBountyRequest optionally carries externally verified change-request
// signals into the evaluation. A zero-value request runs the base battery.
type JudgeBountyRequest struct {
	Merged       *bool `json:"merged,omitempty"`
	ChecksPassed *bool `json:"checks_passed,omitempty"`
	Additions    int   `json:"additions,omitempty"`
	Deletions    int   `json:"deletions,omitempty"`
}

// CheckResult is one judge check outcome.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Weight int    `json:"weight"`
	Detail string `json:"detail"`
}

// Judgment is the auto-judge's scored verdict on a submission.
type Judgment struct {
	Checks      []CheckResult `json:"checks"`
	Score       int           `json:"score"`
	Verdict     string        `json:"verdict"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
}

// JudgeResult pairs the judgment with the resulting bounty state.
type JudgeResult struct {
	Judgment Judgment `json:"judgment"`
	Bounty   Bounty   `json:"bounty"`
}

// CreateEscrowRequest holds funds against a task. Funding "deposit" opens
// the escrow unfunded; pay it through a deposit carrying the escrow's ID.
type CreateEscrowRequest struct {
	ProviderID *string `json:"provider_id,omitempty"`
	Task       string  `json:"task"`
	GrossCents int64   `json:"gross_cents"`
	Funding    string  `json:"funding,omitempty"`

	IdempotencyKey string `json:"-"`
}

// Escrow holds a client's funds against a task. gross = net + fee.
type Escrow struct {
	ID          uuid.UUID  `json:"id"`
	ClientID    string     `json:"client_id"`
	ProviderID  *string    `json:"provider_id,omitempty"`
	Task        string     `json:"task"`
	GrossCents  int64      `json:"gross_cents"`
	FeeCents    int64      `json:"fee_cents"`
	NetCents    int64      `json:"net_cents"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// BountyFilter narrows ListBounties results. Zero fields are ignored.
type BountyFilter struct {
	Status   string
	PosterID string
	Skill    string
	Query    string
	Limit    int
	Offset   int
}

// Page bounds paginated list calls. Zero fields use server defaults.
type Page struct {
	Limit  int
	Offset int
}

// Health is the response for GET /health.
type Health struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}
