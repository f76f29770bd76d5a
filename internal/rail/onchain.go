package rail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/takara/internal/model"
)

// OnchainConfig configures the address-based USDC adapter.
// Native units are 6-decimal token units (1e6 per whole USDC).
type OnchainConfig struct {
	BaseURL        string
	APIKey         string
	WalletID       string
	DepositAddress string
	// ToleranceNative is the allowed variance when matching an inbound
	// transfer to a deposit. On-chain senders round amounts through network
	// fees, so exact-equality matching strands legitimate deposits.
	// Default 10_000 units (one cent).
	ToleranceNative int64
	PollInterval    time.Duration // default 5s
	PollTimeout     time.Duration // default 2m
	Timeout         time.Duration // default 15s
}

// Onchain implements Adapter against a Circle-style programmable wallet API.
// Deposits share one platform wallet address and are matched to inbound
// transfers by amount within a tolerance; withdrawals poll the created
// transaction to a terminal state.
type Onchain struct {
	cfg    OnchainConfig
	http   *http.Client
	logger *slog.Logger
}

// NewOnchain creates the on-chain adapter.
func NewOnchain(cfg OnchainConfig, logger *slog.Logger) *Onchain {
	if cfg.ToleranceNative <= 0 {
		cfg.ToleranceNative = 10_000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Onchain{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("rail", model.RailOnchain),
	}
}

// Rail implements Adapter.
func (o *Onchain) Rail() model.Rail { return model.RailOnchain }

func (o *Onchain) do(ctx context.Context, method, path string, body, out any) error {
	if o.cfg.APIKey == "" || o.cfg.WalletID == "" {
		return fmt.Errorf("%w: onchain API key or wallet ID missing", ErrNotConfigured)
	}

	var reqBody *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("rail: marshal onchain request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, o.cfg.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("rail: build onchain request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)

	resp, err := o.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: onchain provider returned %d", ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("rail: onchain provider returned %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("rail: decode onchain response: %w", err)
		}
	}
	return nil
}

// CreateReceiveRequest hands out the platform deposit address. The external
// ref encodes the expected amount and creation time so status checks can
// match the inbound transfer without adapter-side state.
func (o *Onchain) CreateReceiveRequest(ctx context.Context, amountNative int64, agentID, memo string) (ReceiveRequest, error) {
	if amountNative <= 0 {
		return ReceiveRequest{}, fmt.Errorf("%w: %d units", ErrInvalidAmount, amountNative)
	}
	if o.cfg.APIKey == "" || o.cfg.DepositAddress == "" {
		return ReceiveRequest{}, fmt.Errorf("%w: onchain deposit address missing", ErrNotConfigured)
	}

	now := time.Now().UTC()
	ref := fmt.Sprintf("%s:%d:%d", uuid.NewString(), amountNative, now.Unix())
	return ReceiveRequest{
		Handle:      o.cfg.DepositAddress,
		ExternalRef: ref,
		ExpiresAt:   now.Add(24 * time.Hour),
	}, nil
}

// parseRef splits an external ref back into expected amount and creation time.
func parseRef(externalRef string) (amountNative int64, createdAt time.Time, err error) {
	parts := strings.Split(externalRef, ":")
	if len(parts) != 3 {
		return 0, time.Time{}, fmt.Errorf("rail: malformed onchain ref %q", externalRef)
	}
	amountNative, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("rail: malformed onchain ref amount: %w", err)
	}
	unix, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("rail: malformed onchain ref timestamp: %w", err)
	}
	return amountNative, time.Unix(unix, 0).UTC(), nil
}

type onchainTx struct {
	ID              string    `json:"id"`
	State           string    `json:"state"`
	TransactionType string    `json:"transactionType"`
	Amounts         []string  `json:"amounts"`
	CreateDate      time.Time `json:"createDate"`
	TxHash          string    `json:"txHash"`
}

// CheckReceiveStatus lists inbound transfers on the platform wallet and
// matches one against the expected amount within the configured tolerance.
func (o *Onchain) CheckReceiveStatus(ctx context.Context, externalRef string) (Settlement, error) {
	expected, createdAt, err := parseRef(externalRef)
	if err != nil {
		return Settlement{}, err
	}

	var data struct {
		Transactions []onchainTx `json:"transactions"`
	}
	if err := o.do(ctx, http.MethodGet, "/v1/w3s/transactions?walletIds="+o.cfg.WalletID, nil, &data); err != nil {
		return Settlement{}, err
	}

	for _, tx := range data.Transactions {
		if tx.TransactionType != "INBOUND" {
			continue
		}
		if tx.State != "COMPLETE" && tx.State != "CONFIRMED" {
			continue
		}
		if tx.CreateDate.Before(createdAt) {
			continue
		}
		got := txAmountNative(tx)
		diff := got - expected
		if diff < 0 {
			diff = -diff
		}
		if diff <= o.cfg.ToleranceNative {
			return Settlement{Settled: true, AmountNative: got, TxRef: tx.TxHash}, nil
		}
	}
	return Settlement{}, nil
}

// SendPayment creates an outbound transfer and polls it to a terminal state.
// A transfer that is neither confirmed nor failed within the polling budget
// returns ErrConfirmationTimeout: the funds may still move, so the caller
// must reconcile manually rather than retry with new funds.
func (o *Onchain) SendPayment(ctx context.Context, destination string, amountNative int64) (PaymentResult, error) {
	if amountNative <= 0 {
		return PaymentResult{}, fmt.Errorf("%w: %d units", ErrInvalidAmount, amountNative)
	}
	if err := ValidateDestination(model.RailOnchain, destination); err != nil {
		return PaymentResult{}, err
	}

	var created struct {
		ID string `json:"id"`
	}
	err := o.do(ctx, http.MethodPost, "/v1/w3s/developer/transactions/transfer", map[string]any{
		"walletId":           o.cfg.WalletID,
		"destinationAddress": destination,
		"amounts":            []string{strconv.FormatFloat(float64(amountNative)/1e6, 'f', 6, 64)},
		"idempotencyKey":     uuid.NewString(),
	}, &created)
	if err != nil {
		return PaymentResult{}, err
	}

	deadline := time.Now().Add(o.cfg.PollTimeout)
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		var status struct {
			Transaction onchainTx `json:"transaction"`
		}
		if err := o.do(ctx, http.MethodGet, "/v1/w3s/transactions/"+created.ID, nil, &status); err != nil {
			o.logger.Warn("transfer status poll failed", "tx_id", created.ID, "error", err)
		} else {
			switch status.Transaction.State {
			case "COMPLETE", "CONFIRMED":
				return PaymentResult{ProviderTxRef: created.ID}, nil
			case "FAILED", "DENIED", "CANCELLED":
				return PaymentResult{}, fmt.Errorf("rail: onchain transfer %s terminal state %q", created.ID, status.Transaction.State)
			}
		}

		if time.Now().After(deadline) {
			return PaymentResult{}, fmt.Errorf("%w: transfer %s still pending after %s", ErrConfirmationTimeout, created.ID, o.cfg.PollTimeout)
		}
		select {
		case <-ctx.Done():
			return PaymentResult{}, fmt.Errorf("%w: %v", ErrConfirmationTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Balance reports the wallet's USDC balance in native units.
func (o *Onchain) Balance(ctx context.Context) (int64, error) {
	var data struct {
		TokenBalances []struct {
			Token struct {
				Symbol string `json:"symbol"`
			} `json:"token"`
			Amount string `json:"amount"`
		} `json:"tokenBalances"`
	}
	if err := o.do(ctx, http.MethodGet, "/v1/w3s/wallets/"+o.cfg.WalletID+"/balances", nil, &data); err != nil {
		return 0, err
	}
	for _, tb := range data.TokenBalances {
		if tb.Token.Symbol == "USDC" {
			return usdToNative(tb.Amount), nil
		}
	}
	return 0, nil
}

// txAmountNative parses the first amount on a transaction into native units.
func txAmountNative(tx onchainTx) int64 {
	if len(tx.Amounts) == 0 {
		return 0
	}
	return usdToNative(tx.Amounts[0])
}
