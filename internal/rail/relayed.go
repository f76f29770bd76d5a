package rail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/takara/internal/model"
)

// RelayedConfig configures the gas-abstracted stablecoin adapter.
// Native units are 6-decimal token units.
type RelayedConfig struct {
	FacilitatorURL   string
	ReceivingAddress string
	PaymentExpiry    time.Duration // default 30m
	PollInterval     time.Duration // default 5s
	PollTimeout      time.Duration // default 2m
	Timeout          time.Duration // default 15s
}

// Relayed implements Adapter against an x402-style facilitator: the payer
// signs a transfer authorization and the facilitator relays it on-chain,
// so neither side spends gas directly.
type Relayed struct {
	cfg    RelayedConfig
	http   *http.Client
	logger *slog.Logger
}

// NewRelayed creates the relayed adapter.
func NewRelayed(cfg RelayedConfig, logger *slog.Logger) *Relayed {
	if cfg.PaymentExpiry <= 0 {
		cfg.PaymentExpiry = 30 * time.Minute
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
	return &Relayed{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("rail", model.RailRelayed),
	}
}

// Rail implements Adapter.
func (r *Relayed) Rail() model.Rail { return model.RailRelayed }

func (r *Relayed) do(ctx context.Context, method, path string, body, out any) error {
	if r.cfg.FacilitatorURL == "" || r.cfg.ReceivingAddress == "" {
		return fmt.Errorf("%w: relayed facilitator URL or receiving address missing", ErrNotConfigured)
	}

	var reqBody *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("rail: marshal relayed request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.cfg.FacilitatorURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("rail: build relayed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: facilitator returned %d", ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("rail: facilitator returned %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("rail: decode relayed response: %w", err)
		}
	}
	return nil
}

// CreateReceiveRequest registers an expected payment with the facilitator.
// The handle is the static receiving address; the payer's client presents
// the payment ID when submitting the signed authorization.
func (r *Relayed) CreateReceiveRequest(ctx context.Context, amountNative int64, agentID, memo string) (ReceiveRequest, error) {
	if amountNative <= 0 {
		return ReceiveRequest{}, fmt.Errorf("%w: %d units", ErrInvalidAmount, amountNative)
	}

	var data struct {
		ID string `json:"id"`
	}
	err := r.do(ctx, http.MethodPost, "/payments", map[string]any{
		"to":          r.cfg.ReceivingAddress,
		"amount":      amountNative,
		"description": memo,
		"reference":   agentID,
		"expiresIn":   int(r.cfg.PaymentExpiry.Seconds()),
	}, &data)
	if err != nil {
		return ReceiveRequest{}, err
	}

	return ReceiveRequest{
		Handle:      r.cfg.ReceivingAddress,
		ExternalRef: data.ID,
		ExpiresAt:   time.Now().UTC().Add(r.cfg.PaymentExpiry),
	}, nil
}

// CheckReceiveStatus polls the facilitator for settlement.
func (r *Relayed) CheckReceiveStatus(ctx context.Context, externalRef string) (Settlement, error) {
	var data struct {
		Status string `json:"status"`
		Amount int64  `json:"amount"`
		TxHash string `json:"txHash"`
	}
	if err := r.do(ctx, http.MethodGet, "/payments/"+externalRef, nil, &data); err != nil {
		return Settlement{}, err
	}
	if data.Status != "settled" {
		return Settlement{}, nil
	}
	return Settlement{Settled: true, AmountNative: data.Amount, TxRef: data.TxHash}, nil
}

// SendPayment asks the facilitator to relay an outbound transfer and polls
// it to a terminal state within the polling budget.
func (r *Relayed) SendPayment(ctx context.Context, destination string, amountNative int64) (PaymentResult, error) {
	if amountNative <= 0 {
		return PaymentResult{}, fmt.Errorf("%w: %d units", ErrInvalidAmount, amountNative)
	}
	if err := ValidateDestination(model.RailRelayed, destination); err != nil {
		return PaymentResult{}, err
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := r.do(ctx, http.MethodPost, "/transfers", map[string]any{
		"to":     destination,
		"amount": amountNative,
	}, &created); err != nil {
		return PaymentResult{}, err
	}

	deadline := time.Now().Add(r.cfg.PollTimeout)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		var status struct {
			Status string `json:"status"`
			TxHash string `json:"txHash"`
		}
		if err := r.do(ctx, http.MethodGet, "/transfers/"+created.ID, nil, &status); err != nil {
			r.logger.Warn("transfer status poll failed", "transfer_id", created.ID, "error", err)
		} else {
			switch status.Status {
			case "confirmed":
				return PaymentResult{ProviderTxRef: status.TxHash}, nil
			case "failed", "denied":
				return PaymentResult{}, fmt.Errorf("rail: relayed transfer %s terminal state %q", created.ID, status.Status)
			}
		}

		if time.Now().After(deadline) {
			return PaymentResult{}, fmt.Errorf("%w: transfer %s still pending after %s", ErrConfirmationTimeout, created.ID, r.cfg.PollTimeout)
		}
		select {
		case <-ctx.Done():
			return PaymentResult{}, fmt.Errorf("%w: %v", ErrConfirmationTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Balance reports the receiving address balance in native units.
func (r *Relayed) Balance(ctx context.Context) (int64, error) {
	var data struct {
		Balance int64 `json:"balance"`
	}
	if err := r.do(ctx, http.MethodGet, "/balance?address="+r.cfg.ReceivingAddress, nil, &data); err != nil {
		return 0, err
	}
	return data.Balance, nil
}
