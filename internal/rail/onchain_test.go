package rail_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/ashita-ai/takara/internal/rail"
	"github.com/ashita-ai/takara/internal/testutil"
)

func onchainServer(t *testing.T, txs []map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer api-key", r.Header.Get("Authorization"))
		switch {
		case strings.HasPrefix(r.URL.Path, "/v1/w3s/transactions"):
			_ = json.NewEncoder(w).Encode(map[string]any{"transactions": txs})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestOnchainToleranceMatching(t *testing.T) {
	cfg := OnchainConfig{
		APIKey:         "api-key",
		WalletID:       "wallet-1",
		DepositAddress: "0x" + strings.Repeat("ab", 20),
	}

	// Expected 10 USDC; transfer arrived 0.4 cents short from fee rounding.
	o := NewOnchain(cfg, testutil.TestLogger())
	req, err := o.CreateReceiveRequest(context.Background(), 10_000_000, "agent-1", "deposit")
	require.NoError(t, err)
	assert.Equal(t, cfg.DepositAddress, req.Handle)

	srv := onchainServer(t, []map[string]any{
		{
			"id":              "tx-1",
			"state":           "COMPLETE",
			"transactionType": "INBOUND",
			"amounts":         []string{"9.996"},
			"createDate":      time.Now().UTC().Add(time.Minute).Format(time.RFC3339),
			"txHash":          "0xhash",
		},
	})
	defer srv.Close()
	o.SetBaseURLForTest(srv.URL)

	settlement, err := o.CheckReceiveStatus(context.Background(), req.ExternalRef)
	require.NoError(t, err)
	assert.True(t, settlement.Settled)
	assert.Equal(t, int64(9_996_000), settlement.AmountNative)
	assert.Equal(t, "0xhash", settlement.TxRef)
}

func TestOnchainRejectsOutOfTolerance(t *testing.T) {
	cfg := OnchainConfig{
		APIKey:         "api-key",
		WalletID:       "wallet-1",
		DepositAddress: "0x" + strings.Repeat("ab", 20),
	}
	o := NewOnchain(cfg, testutil.TestLogger())
	req, err := o.CreateReceiveRequest(context.Background(), 10_000_000, "agent-1", "deposit")
	require.NoError(t, err)

	srv := onchainServer(t, []map[string]any{
		{
			"id":              "tx-1",
			"state":           "COMPLETE",
			"transactionType": "INBOUND",
			"amounts":         []string{"9.50"}, // 50 cents off: someone else's deposit
			"createDate":      time.Now().UTC().Add(time.Minute).Format(time.RFC3339),
			"txHash":          "0xother",
		},
		{
			"id":              "tx-2",
			"state":           "FAILED",
			"transactionType": "INBOUND",
			"amounts":         []string{"10.00"},
			"createDate":      time.Now().UTC().Add(time.Minute).Format(time.RFC3339),
			"txHash":          "0xfailed",
		},
		{
			"id":              "tx-3",
			"state":           "COMPLETE",
			"transactionType": "OUTBOUND",
			"amounts":         []string{"10.00"},
			"createDate":      time.Now().UTC().Add(time.Minute).Format(time.RFC3339),
			"txHash":          "0xoutbound",
		},
	})
	defer srv.Close()
	o.SetBaseURLForTest(srv.URL)

	settlement, err := o.CheckReceiveStatus(context.Background(), req.ExternalRef)
	require.NoError(t, err)
	assert.False(t, settlement.Settled)
}

func TestOnchainSendPaymentPollsToTerminal(t *testing.T) {
	evm := "0x" + strings.Repeat("cd", 20)
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "transfer-1"})
		case strings.HasPrefix(r.URL.Path, "/v1/w3s/transactions/transfer-1"):
			polls++
			state := "INITIATED"
			if polls >= 2 {
				state = "COMPLETE"
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"transaction": map[string]any{"id": "transfer-1", "state": state},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	o := NewOnchain(OnchainConfig{
		BaseURL:      srv.URL,
		APIKey:       "api-key",
		WalletID:     "wallet-1",
		PollInterval: 10 * time.Millisecond,
		PollTimeout:  time.Second,
	}, testutil.TestLogger())

	res, err := o.SendPayment(context.Background(), evm, 10_000_000)
	require.NoError(t, err)
	assert.Equal(t, "transfer-1", res.ProviderTxRef)
	assert.GreaterOrEqual(t, polls, 2)
}

func TestOnchainSendPaymentTimeout(t *testing.T) {
	evm := "0x" + strings.Repeat("cd", 20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "transfer-2"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"transaction": map[string]any{"id": "transfer-2", "state": "INITIATED"},
		})
	}))
	defer srv.Close()

	o := NewOnchain(OnchainConfig{
		BaseURL:      srv.URL,
		APIKey:       "api-key",
		WalletID:     "wallet-1",
		PollInterval: 10 * time.Millisecond,
		PollTimeout:  50 * time.Millisecond,
	}, testutil.TestLogger())

	_, err := o.SendPayment(context.Background(), evm, 10_000_000)
	assert.ErrorIs(t, err, ErrConfirmationTimeout)
}

func TestOnchainSendPaymentFailedState(t *testing.T) {
	evm := "0x" + strings.Repeat("cd", 20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "transfer-3"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"transaction": map[string]any{"id": "transfer-3", "state": "DENIED"},
		})
	}))
	defer srv.Close()

	o := NewOnchain(OnchainConfig{
		BaseURL:      srv.URL,
		APIKey:       "api-key",
		WalletID:     "wallet-1",
		PollInterval: 10 * time.Millisecond,
		PollTimeout:  time.Second,
	}, testutil.TestLogger())

	_, err := o.SendPayment(context.Background(), evm, 10_000_000)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConfirmationTimeout)
	assert.Contains(t, err.Error(), "DENIED")
}
