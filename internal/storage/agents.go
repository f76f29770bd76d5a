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

const agentColumns = `id, agent_id, name, role, api_key_hash, balance_cents,
	reputation, tasks_completed, total_earned_cents,
	lightning_address, evm_address, tron_address, created_at, updated_at`

func scanAgent(row pgx.Row) (model.Agent, error) {
	var a model.Agent
	err := row.Scan(
		&a.ID, &a.AgentID, &a.Name, &a.Role, &a.APIKeyHash, &a.BalanceCents,
		&a.Reputation, &a.TasksCompleted, &a.TotalEarnedCents,
		&a.LightningAddress, &a.EVMAddress, &a.TronAddress, &a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

// CreateAgent inserts a new agent.
func (db *DB) CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.Role == "" {
		agent.Role = model.RoleAgent
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (id, agent_id, name, role, api_key_hash,
		                     lightning_address, evm_address, tron_address, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		agent.ID, agent.AgentID, agent.Name, string(agent.Role), agent.APIKeyHash,
		agent.LightningAddress, agent.EVMAddress, agent.TronAddress, agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return agent, nil
}

// GetAgentByAgentID retrieves an agent by its external identifier.
func (db *DB) GetAgentByAgentID(ctx context.Context, agentID string) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`, agentID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", agentID, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns agents with pagination.
// limit is clamped to [1, 1000] with a default of 200; offset must be non-negative.
func (db *DB) ListAgents(ctx context.Context, limit, offset int) ([]model.Agent, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY created_at ASC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// CountAgents returns the number of registered agents.
func (db *DB) CountAgents(ctx context.Context) (int, error) {
	var count int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM agents`).Scan(&count); err != nil {
		return 0, fmt.Errorf("storage: count agents: %w", err)
	}
	return count, nil
}

// UpdateAgentWallets performs a partial update of payout destinations.
// Only non-nil fields are applied (COALESCE pattern). Returns the updated agent.
func (db *DB) UpdateAgentWallets(ctx context.Context, agentID string, lightning, evm, tron *string) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`UPDATE agents
		 SET lightning_address = COALESCE($1, lightning_address),
		     evm_address = COALESCE($2, evm_address),
		     tron_address = COALESCE($3, tron_address),
		     updated_at = now()
		 WHERE agent_id = $4
		 RETURNING `+agentColumns,
		lightning, evm, tron, agentID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", agentID, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: update agent wallets: %w", err)
	}
	return a, nil
}

// UpdateAgentAPIKeyHash rotates an agent's credential hash.
func (db *DB) UpdateAgentAPIKeyHash(ctx context.Context, agentID, hash string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agents SET api_key_hash = $1, updated_at = now() WHERE agent_id = $2`,
		hash, agentID,
	)
	if err != nil {
		return fmt.Errorf("storage: update agent key hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}

// recordCompletionTx bumps reputation and earnings counters after a payout,
// inside the caller's transaction.
func recordCompletionTx(ctx context.Context, tx pgx.Tx, agentID string, earnedCents int64) error {
	if _, err := tx.Exec(ctx,
		`UPDATE agents
		 SET tasks_completed = tasks_completed + 1,
		     reputation = reputation + 1,
		     total_earned_cents = total_earned_cents + $1,
		     updated_at = now()
		 WHERE agent_id = $2`,
		earnedCents, agentID,
	); err != nil {
		return fmt.Errorf("storage: record completion: %w", err)
	}
	return nil
}
