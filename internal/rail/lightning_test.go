package rail_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/ashita-ai/takara/internal/rail"
	"github.com/ashita-ai/takara/internal/testutil"
)

func TestLightningNotConfigured(t *testing.T) {
	l := NewLightning(LightningConfig{}, testutil.TestLogger())

	_, err := l.CreateReceiveRequest(context.Background(), 1000, "agent-1", "deposit")
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = l.Balance(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestLightningCreateReceiveRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v0/charges", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("apikey"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "1000000", body["amount"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]any{
				"id":      "charge-123",
				"invoice": map[string]any{"request": "lnbc10u1pexample"},
			},
		})
	}))
	defer srv.Close()

	l := NewLightning(LightningConfig{BaseURL: srv.URL, APIKey: "test-key"}, testutil.TestLogger())
	req, err := l.CreateReceiveRequest(context.Background(), 1_000_000, "agent-1", "deposit")
	require.NoError(t, err)
	assert.Equal(t, "lnbc10u1pexample", req.Handle)
	assert.Equal(t, "charge-123", req.ExternalRef)
	assert.False(t, req.ExpiresAt.IsZero())
}

func TestLightningCheckReceiveStatus(t *testing.T) {
	status := "pending"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v0/charges/charge-123", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"status": status, "amount": "1000000"},
		})
	}))
	defer srv.Close()

	l := NewLightning(LightningConfig{BaseURL: srv.URL, APIKey: "test-key"}, testutil.TestLogger())

	settlement, err := l.CheckReceiveStatus(context.Background(), "charge-123")
	require.NoError(t, err)
	assert.False(t, settlement.Settled)

	status = "completed"
	settlement, err = l.CheckReceiveStatus(context.Background(), "charge-123")
	require.NoError(t, err)
	assert.True(t, settlement.Settled)
	assert.Equal(t, int64(1_000_000), settlement.AmountNative)
}

func TestLightningProviderDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	l := NewLightning(LightningConfig{BaseURL: srv.URL, APIKey: "test-key"}, testutil.TestLogger())
	_, err := l.CheckReceiveStatus(context.Background(), "charge-123")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestLightningSendPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v0/ln-address/send-payment", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "worker@wallet.example.com", body["lnAddress"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"id": "pay-9", "status": "completed"},
		})
	}))
	defer srv.Close()

	l := NewLightning(LightningConfig{BaseURL: srv.URL, APIKey: "test-key"}, testutil.TestLogger())
	res, err := l.SendPayment(context.Background(), "worker@wallet.example.com", 500_000)
	require.NoError(t, err)
	assert.Equal(t, "pay-9", res.ProviderTxRef)
}

func TestLightningSendPaymentRejectsBadDestination(t *testing.T) {
	l := NewLightning(LightningConfig{BaseURL: "http://unused", APIKey: "test-key"}, testutil.TestLogger())
	_, err := l.SendPayment(context.Background(), "not a destination", 500_000)
	assert.ErrorIs(t, err, ErrInvalidDestination)

	_, err = l.SendPayment(context.Background(), "worker@wallet.example.com", 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
