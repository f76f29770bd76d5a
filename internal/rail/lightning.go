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

	"github.com/ashita-ai/takara/internal/model"
)

// LightningConfig configures the invoice-based Lightning adapter.
// Native units are millisatoshi.
type LightningConfig struct {
	BaseURL       string
	APIKey        string
	InvoiceExpiry time.Duration // default 10m
	Timeout       time.Duration // per-request HTTP timeout, default 15s
}

// Lightning implements Adapter against a ZBD-style charge API.
type Lightning struct {
	cfg    LightningConfig
	http   *http.Client
	logger *slog.Logger
}

// NewLightning creates the Lightning adapter. An empty API key is allowed;
// every call will then fail with ErrNotConfigured.
func NewLightning(cfg LightningConfig, logger *slog.Logger) *Lightning {
	if cfg.InvoiceExpiry <= 0 {
		cfg.InvoiceExpiry = 10 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Lightning{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("rail", model.RailLightning),
	}
}

// Rail implements Adapter.
func (l *Lightning) Rail() model.Rail { return model.RailLightning }

type lnEnvelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (l *Lightning) do(ctx context.Context, method, path string, body, out any) error {
	if l.cfg.APIKey == "" {
		return fmt.Errorf("%w: lightning API key missing", ErrNotConfigured)
	}

	var reqBody *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("rail: marshal lightning request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, l.cfg.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("rail: build lightning request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", l.cfg.APIKey)

	resp, err := l.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: lightning provider returned %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var env lnEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("rail: decode lightning response: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("rail: lightning provider error: %s", env.Message)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("rail: decode lightning data: %w", err)
		}
	}
	return nil
}

// CreateReceiveRequest creates a bolt11 charge for amountNative millisats.
func (l *Lightning) CreateReceiveRequest(ctx context.Context, amountNative int64, agentID, memo string) (ReceiveRequest, error) {
	if amountNative <= 0 {
		return ReceiveRequest{}, fmt.Errorf("%w: %d msats", ErrInvalidAmount, amountNative)
	}

	var data struct {
		ID      string `json:"id"`
		Invoice struct {
			Request string `json:"request"`
		} `json:"invoice"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	err := l.do(ctx, http.MethodPost, "/v0/charges", map[string]any{
		"amount":      strconv.FormatInt(amountNative, 10),
		"description": memo,
		"expiresIn":   int(l.cfg.InvoiceExpiry.Seconds()),
		"internalId":  agentID,
	}, &data)
	if err != nil {
		return ReceiveRequest{}, err
	}

	expires := data.ExpiresAt
	if expires.IsZero() {
		expires = time.Now().UTC().Add(l.cfg.InvoiceExpiry)
	}
	return ReceiveRequest{
		Handle:      data.Invoice.Request,
		ExternalRef: data.ID,
		ExpiresAt:   expires,
	}, nil
}

// CheckReceiveStatus polls a charge. A charge in "expired" state is reported
// as unsettled, not as an error: some payers settle late and the provider
// honors the payment after invoice expiry.
func (l *Lightning) CheckReceiveStatus(ctx context.Context, externalRef string) (Settlement, error) {
	var data struct {
		Status string `json:"status"`
		Amount string `json:"amount"`
	}
	if err := l.do(ctx, http.MethodGet, "/v0/charges/"+externalRef, nil, &data); err != nil {
		return Settlement{}, err
	}
	if data.Status != "completed" {
		return Settlement{}, nil
	}
	amount, err := strconv.ParseInt(data.Amount, 10, 64)
	if err != nil {
		return Settlement{}, fmt.Errorf("rail: parse settled amount %q: %w", data.Amount, err)
	}
	return Settlement{Settled: true, AmountNative: amount, TxRef: externalRef}, nil
}

// SendPayment pays a bolt11 invoice or a lightning address.
func (l *Lightning) SendPayment(ctx context.Context, destination string, amountNative int64) (PaymentResult, error) {
	if amountNative <= 0 {
		return PaymentResult{}, fmt.Errorf("%w: %d msats", ErrInvalidAmount, amountNative)
	}
	if err := ValidateDestination(model.RailLightning, destination); err != nil {
		return PaymentResult{}, err
	}

	var data struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	var err error
	if strings.Contains(destination, "@") {
		err = l.do(ctx, http.MethodPost, "/v0/ln-address/send-payment", map[string]any{
			"lnAddress": destination,
			"amount":    strconv.FormatInt(amountNative, 10),
			"comment":   "takara withdrawal",
		}, &data)
	} else {
		err = l.do(ctx, http.MethodPost, "/v0/payments", map[string]any{
			"invoice": destination,
		}, &data)
	}
	if err != nil {
		return PaymentResult{}, err
	}
	if data.Status == "error" || data.Status == "failed" {
		return PaymentResult{}, fmt.Errorf("rail: lightning payment failed, status %q", data.Status)
	}
	return PaymentResult{ProviderTxRef: data.ID}, nil
}

// Balance reports the provider wallet balance in millisats.
func (l *Lightning) Balance(ctx context.Context) (int64, error) {
	var data struct {
		Balance string `json:"balance"`
	}
	if err := l.do(ctx, http.MethodGet, "/v0/wallet", nil, &data); err != nil {
		return 0, err
	}
	balance, err := strconv.ParseInt(data.Balance, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("rail: parse wallet balance %q: %w", data.Balance, err)
	}
	return balance, nil
}
