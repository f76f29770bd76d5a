package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentRole represents the RBAC role assigned to an agent.
type AgentRole string

const (
	// RoleOperator can manage agents, resolve disputes, and trigger payouts.
	RoleOperator AgentRole = "operator"
	// RoleAgent is a marketplace participant: posts, claims, and works bounties.
	RoleAgent AgentRole = "agent"
)

// Agent is a marketplace participant. The balance is mutated only through
// ledger operations; business logic never writes it directly.
type Agent struct {
	ID               uuid.UUID `json:"id"`
	AgentID          string    `json:"agent_id"`
	Name             string    `json:"name"`
	Role             AgentRole `json:"role"`
	APIKeyHash       *string   `json:"-"`
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

// RoleRank returns the numeric rank of a role (higher = more privileges).
// Only relative ordering matters; RoleAtLeast uses >= comparison.
func RoleRank(r AgentRole) int {
	switch r {
	case RoleOperator:
		return 2
	case RoleAgent:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole AgentRole) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// ValidateAgentID checks that an agent ID conforms to the allowed format.
// Agent IDs must be 1-255 ASCII characters: alphanumeric, dots, hyphens,
// underscores, and @ signs.
func ValidateAgentID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("agent_id is required")
	}
	if len(id) > 255 {
		return fmt.Errorf("agent_id must be at most 255 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' {
			return fmt.Errorf("agent_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
