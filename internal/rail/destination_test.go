package rail

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/takara/internal/model"
)

func TestValidateDestination(t *testing.T) {
	evm := "0x" + strings.Repeat("ab", 20)
	tron := "T" + strings.Repeat("a1", 16) + "x"

	tests := []struct {
		name        string
		rail        model.Rail
		destination string
		wantErr     bool
	}{
		{"evm onchain", model.RailOnchain, evm, false},
		{"evm relayed", model.RailRelayed, evm, false},
		{"evm too short", model.RailOnchain, "0xabc", true},
		{"evm bad chars", model.RailOnchain, "0x" + strings.Repeat("zz", 20), true},
		{"tron custodial", model.RailCustodial, tron, false},
		{"tron wrong prefix", model.RailCustodial, "X" + strings.Repeat("a1", 16) + "x", true},
		{"tron wrong length", model.RailCustodial, "Tabc", true},
		{"bolt11 lightning", model.RailLightning, "lnbc1500n1pdedq3x", false},
		{"lightning address", model.RailLightning, "worker@wallet.example.com", false},
		{"lightning garbage", model.RailLightning, "not-a-destination", true},
		{"ecash bolt11", model.RailEcash, "lnbc10u1pabcdef", false},
		{"empty", model.RailOnchain, "  ", true},
		{"unknown rail", model.Rail("carrier-pigeon"), evm, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDestination(tt.rail, tt.destination)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidDestination)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
