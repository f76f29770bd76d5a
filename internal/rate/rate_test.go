package rate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/takara/internal/model"
)

func TestNewConverter(t *testing.T) {
	_, err := NewConverter(0)
	assert.Error(t, err)
	_, err = NewConverter(-10)
	assert.Error(t, err)
	c, err := NewConverter(1000)
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestToNative(t *testing.T) {
	c, err := NewConverter(1000)
	require.NoError(t, err)

	tests := []struct {
		name     string
		cents    int64
		currency model.Currency
		want     int64
	}{
		{"one dollar USDC", 100, model.CurrencyUSDC, 1_000_000},
		{"one cent USDT", 1, model.CurrencyUSDT, 10_000},
		{"one dollar BTC in sats", 100, model.CurrencyBTC, 1000},
		{"one dollar lightning in msats", 100, model.CurrencyBTCLightning, 1_000_000},
		{"fifty cents lightning", 50, model.CurrencyBTCLightning, 500_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.ToNative(tt.cents, tt.currency)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestToNativeFloors(t *testing.T) {
	// 1030 sats/USD: 1 cent = 10.3 sats, which must floor to 10.
	c, err := NewConverter(1030)
	require.NoError(t, err)

	sats, err := c.ToNative(1, model.CurrencyBTC)
	require.NoError(t, err)
	assert.Equal(t, int64(10), sats)
}

func TestToNativeRejectsBadInput(t *testing.T) {
	c, err := NewConverter(1000)
	require.NoError(t, err)

	_, err = c.ToNative(0, model.CurrencyUSDC)
	assert.Error(t, err)
	_, err = c.ToNative(-5, model.CurrencyUSDC)
	assert.Error(t, err)
	_, err = c.ToNative(100, model.Currency("DOGE"))
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	// ToNative(cents) then ToDisplay must return the original cents for every
	// amount representable in cent precision.
	c, err := NewConverter(1000)
	require.NoError(t, err)

	currencies := []model.Currency{
		model.CurrencyUSDC,
		model.CurrencyUSDT,
		model.CurrencyBTC,
		model.CurrencyBTCLightning,
	}
	for _, currency := range currencies {
		for _, cents := range []int64{1, 7, 100, 999, 123_456, 10_000_000} {
			native, err := c.ToNative(cents, currency)
			require.NoError(t, err)
			back, err := c.ToDisplay(native, currency)
			require.NoError(t, err)
			assert.Equal(t, cents, back, "currency %s cents %d", currency, cents)
		}
	}
}
