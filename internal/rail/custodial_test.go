package rail_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/ashita-ai/takara/internal/rail"
	"github.com/ashita-ai/takara/internal/testutil"
)

func TestCustodialCreateReceiveRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/merchants/request", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "merchant-key", body["merchant"])
		assert.Equal(t, "USD", body["currency"])
		assert.Equal(t, "USDT", body["payCurrency"])
		assert.Equal(t, "25.00", body["amount"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"result":    100,
			"trackId":   987654,
			"payLink":   "https://pay.example.com/987654",
			"expiredAt": 1900000000,
		})
	}))
	defer srv.Close()

	c := NewCustodial(CustodialConfig{BaseURL: srv.URL, MerchantKey: "merchant-key"}, testutil.TestLogger())
	req, err := c.CreateReceiveRequest(context.Background(), 25_000_000, "agent-1", "deposit")
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example.com/987654", req.Handle)
	assert.Equal(t, "987654", req.ExternalRef)
}

func TestCustodialResultCodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result":  101,
			"message": "invalid merchant",
		})
	}))
	defer srv.Close()

	c := NewCustodial(CustodialConfig{BaseURL: srv.URL, MerchantKey: "wrong"}, testutil.TestLogger())
	_, err := c.CreateReceiveRequest(context.Background(), 25_000_000, "agent-1", "deposit")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid merchant")
}

func TestCustodialCheckReceiveStatus(t *testing.T) {
	tests := []struct {
		status      string
		wantSettled bool
	}{
		{"Waiting", false},
		{"Confirming", false},
		{"Paid", true},
		{"Failed", false},
		{"Expired", false},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/merchants/inquiry", r.URL.Path)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"result": 100,
					"status": tt.status,
					"amount": "25.00",
					"txID":   "trc20-hash",
				})
			}))
			defer srv.Close()

			c := NewCustodial(CustodialConfig{BaseURL: srv.URL, MerchantKey: "merchant-key"}, testutil.TestLogger())
			settlement, err := c.CheckReceiveStatus(context.Background(), "987654")
			require.NoError(t, err)
			assert.Equal(t, tt.wantSettled, settlement.Settled)
			if tt.wantSettled {
				assert.Equal(t, int64(25_000_000), settlement.AmountNative)
				assert.Equal(t, "trc20-hash", settlement.TxRef)
			}
		})
	}
}

func TestCustodialVerifyWebhook(t *testing.T) {
	c := NewCustodial(CustodialConfig{WebhookSecret: "hook-secret"}, testutil.TestLogger())

	body := []byte(`{"trackId":987654,"status":"Paid","amount":"25.00"}`)
	mac := hmac.New(sha512.New, []byte("hook-secret"))
	mac.Write(body)
	good := hex.EncodeToString(mac.Sum(nil))

	assert.True(t, c.VerifyWebhook(body, good))
	assert.False(t, c.VerifyWebhook(body, "deadbeef"))
	assert.False(t, c.VerifyWebhook([]byte(`tampered`), good))

	// Missing secret must never verify.
	unset := NewCustodial(CustodialConfig{}, testutil.TestLogger())
	assert.False(t, unset.VerifyWebhook(body, good))
}

func TestCustodialParseWebhook(t *testing.T) {
	c := NewCustodial(CustodialConfig{WebhookSecret: "hook-secret"}, testutil.TestLogger())

	event, err := c.ParseWebhook([]byte(`{"trackId":987654,"status":"Paid","amount":"25.00","orderId":"tk_agent-1_abc","txID":"hash"}`))
	require.NoError(t, err)
	assert.Equal(t, "987654", event.TrackID)
	assert.Equal(t, "Paid", event.Status)
	assert.Equal(t, "hash", event.TxID)

	_, err = c.ParseWebhook([]byte(`not json`))
	assert.Error(t, err)
}

func TestCustodialSendPayment(t *testing.T) {
	tron := "T" + strings.Repeat("a1", 16) + "x"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/merchants/payout", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, tron, body["address"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result":  100,
			"trackId": 555,
		})
	}))
	defer srv.Close()

	c := NewCustodial(CustodialConfig{BaseURL: srv.URL, MerchantKey: "merchant-key"}, testutil.TestLogger())
	res, err := c.SendPayment(context.Background(), tron, 10_000_000)
	require.NoError(t, err)
	assert.Equal(t, "555", res.ProviderTxRef)

	_, err = c.SendPayment(context.Background(), "0xnotatronaddress", 10_000_000)
	assert.ErrorIs(t, err, ErrInvalidDestination)
}

