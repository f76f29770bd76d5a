package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAgentID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"simple", "claude-worker-1", false},
		{"with at sign", "worker@example.com", false},
		{"with dots", "org.team.agent", false},
		{"empty", "", true},
		{"spaces", "my agent", true},
		{"slash", "a/b", true},
		{"too long", string(make([]byte, 256)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAgentID(tt.id)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseCurrency(t *testing.T) {
	for _, s := range []string{"USDC", "USDT", "BTC", "BTC_LIGHTNING"} {
		c, err := ParseCurrency(s)
		require.NoError(t, err)
		assert.Equal(t, Currency(s), c)
	}
	_, err := ParseCurrency("DOGE")
	assert.Error(t, err)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(BountyDraft, BountyOpen))
	assert.True(t, CanTransition(BountyOpen, BountyClaimed))
	assert.True(t, CanTransition(BountyClaimed, BountyOpen))
	assert.True(t, CanTransition(BountySubmitted, BountyDisputed))
	assert.True(t, CanTransition(BountyDisputed, BountyCompleted))

	// Terminal states have no exits.
	assert.False(t, CanTransition(BountyCompleted, BountyOpen))
	assert.False(t, CanTransition(BountyCanceled, BountyOpen))
	assert.False(t, CanTransition(BountyExpired, BountyClaimed))

	// No skipping ahead.
	assert.False(t, CanTransition(BountyDraft, BountyClaimed))
	assert.False(t, CanTransition(BountyOpen, BountyCompleted))
}

func TestRoleAtLeast(t *testing.T) {
	assert.True(t, RoleAtLeast(RoleOperator, RoleAgent))
	assert.True(t, RoleAtLeast(RoleAgent, RoleAgent))
	assert.False(t, RoleAtLeast(RoleAgent, RoleOperator))
	assert.False(t, RoleAtLeast(AgentRole("unknown"), RoleAgent))
}
