package escrow

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/takara/internal/testutil"
)

func TestFeeRounding(t *testing.T) {
	m := NewManager(nil, 0.10, testutil.TestLogger())

	tests := []struct {
		gross int64
		fee   int64
	}{
		{2000, 200},
		{100, 10},
		{15, 2},  // 1.5 rounds half away from zero
		{14, 1},  // 1.4 rounds down
		{5, 1},   // 0.5 rounds up
		{4, 0},   // 0.4 rounds down
		{999, 100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.fee, m.Fee(tt.gross), "gross %d", tt.gross)
		assert.Equal(t, tt.gross, tt.fee+(tt.gross-tt.fee), "gross = fee + net")
	}
}

func TestFeeRateFallback(t *testing.T) {
	m := NewManager(nil, 0, testutil.TestLogger())
	assert.Equal(t, int64(100), m.Fee(1000))

	m = NewManager(nil, 1.5, testutil.TestLogger())
	assert.Equal(t, int64(100), m.Fee(1000))
}
