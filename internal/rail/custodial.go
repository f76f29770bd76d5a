package rail

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/takara/internal/model"
)

// CustodialConfig configures the hosted-invoice stablecoin adapter.
// Native units are 6-decimal token units (1e6 per whole USDT).
type CustodialConfig struct {
	BaseURL         string
	MerchantKey     string
	WebhookSecret   string
	CallbackURL     string
	InvoiceLifetime time.Duration // default 30m
	Timeout         time.Duration // default 15s
}

// Custodial implements Adapter against an OxaPay-style merchant API:
// hosted payment pages for deposits, payout API for withdrawals, and
// HMAC-signed webhook callbacks.
type Custodial struct {
	cfg    CustodialConfig
	http   *http.Client
	logger *slog.Logger
}

// NewCustodial creates the custodial adapter.
func NewCustodial(cfg CustodialConfig, logger *slog.Logger) *Custodial {
	if cfg.InvoiceLifetime <= 0 {
		cfg.InvoiceLifetime = 30 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Custodial{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("rail", model.RailCustodial),
	}
}

// Rail implements Adapter.
func (c *Custodial) Rail() model.Rail { return model.RailCustodial }

// apiRequest posts to the merchant API. The merchant key travels in the body,
// per provider convention. A result code of 100 means success.
func (c *Custodial) apiRequest(ctx context.Context, path string, fields map[string]any, out any) error {
	if c.cfg.MerchantKey == "" {
		return fmt.Errorf("%w: custodial merchant key missing", ErrNotConfigured)
	}

	body := map[string]any{"merchant": c.cfg.MerchantKey}
	for k, v := range fields {
		body[k] = v
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("rail: marshal custodial request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("rail: build custodial request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: custodial provider returned %d", ErrProviderUnavailable, resp.StatusCode)
	}

	raw, err := jsonDecodeRaw(resp.Body)
	if err != nil {
		return fmt.Errorf("rail: decode custodial response: %w", err)
	}
	var result struct {
		Result  int    `json:"result"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("rail: decode custodial result: %w", err)
	}
	if result.Result != 100 {
		return fmt.Errorf("rail: custodial provider error %d: %s", result.Result, result.Message)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("rail: decode custodial data: %w", err)
		}
	}
	return nil
}

// CreateReceiveRequest creates a hosted payment invoice denominated in USD.
func (c *Custodial) CreateReceiveRequest(ctx context.Context, amountNative int64, agentID, memo string) (ReceiveRequest, error) {
	if amountNative <= 0 {
		return ReceiveRequest{}, fmt.Errorf("%w: %d units", ErrInvalidAmount, amountNative)
	}

	var data struct {
		TrackID   json.Number `json:"trackId"`
		PayLink   string      `json:"payLink"`
		ExpiredAt int64       `json:"expiredAt"`
	}
	err := c.apiRequest(ctx, "/merchants/request", map[string]any{
		"amount":      nativeToUSD(amountNative),
		"currency":    "USD",
		"payCurrency": "USDT",
		"network":     "TRC20",
		"lifeTime":    int(c.cfg.InvoiceLifetime.Minutes()),
		"orderId":     "tk_" + agentID + "_" + uuid.NewString()[:8],
		"description": memo,
		"callbackUrl": c.cfg.CallbackURL,
	}, &data)
	if err != nil {
		return ReceiveRequest{}, err
	}

	expires := time.Unix(data.ExpiredAt, 0).UTC()
	if data.ExpiredAt == 0 {
		expires = time.Now().UTC().Add(c.cfg.InvoiceLifetime)
	}
	return ReceiveRequest{
		Handle:      data.PayLink,
		ExternalRef: data.TrackID.String(),
		ExpiresAt:   expires,
	}, nil
}

// CheckReceiveStatus polls a payment. Provider statuses are Waiting,
// Confirming, Paid, Failed, and Expired; only Paid settles.
func (c *Custodial) CheckReceiveStatus(ctx context.Context, externalRef string) (Settlement, error) {
	var data struct {
		Status string `json:"status"`
		Amount string `json:"amount"`
		TxID   string `json:"txID"`
	}
	if err := c.apiRequest(ctx, "/merchants/inquiry", map[string]any{
		"trackId": externalRef,
	}, &data); err != nil {
		return Settlement{}, err
	}
	if data.Status != "Paid" {
		return Settlement{}, nil
	}
	return Settlement{
		Settled:      true,
		AmountNative: usdToNative(data.Amount),
		TxRef:        data.TxID,
	}, nil
}

// SendPayment issues a TRC-20 payout.
func (c *Custodial) SendPayment(ctx context.Context, destination string, amountNative int64) (PaymentResult, error) {
	if amountNative <= 0 {
		return PaymentResult{}, fmt.Errorf("%w: %d units", ErrInvalidAmount, amountNative)
	}
	if err := ValidateDestination(model.RailCustodial, destination); err != nil {
		return PaymentResult{}, err
	}

	var data struct {
		TrackID json.Number `json:"trackId"`
	}
	err := c.apiRequest(ctx, "/merchants/payout", map[string]any{
		"address":     destination,
		"amount":      nativeToUSD(amountNative),
		"currency":    "USDT",
		"network":     "TRC20",
		"callbackUrl": c.cfg.CallbackURL,
		"description": "takara withdrawal",
	}, &data)
	if err != nil {
		return PaymentResult{}, err
	}
	return PaymentResult{ProviderTxRef: data.TrackID.String()}, nil
}

// Balance reports the merchant USDT balance in native units.
func (c *Custodial) Balance(ctx context.Context) (int64, error) {
	var data struct {
		Amount string `json:"amount"`
	}
	if err := c.apiRequest(ctx, "/merchants/balance", map[string]any{
		"currency": "USDT",
	}, &data); err != nil {
		return 0, err
	}
	return usdToNative(data.Amount), nil
}

// VerifyWebhook checks the HMAC-SHA512 hex signature over the raw body.
// A failed check must discard the payload without touching any state.
func (c *Custodial) VerifyWebhook(body []byte, signature string) bool {
	if c.cfg.WebhookSecret == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(c.cfg.WebhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// WebhookEvent is the parsed payload of a verified callback.
type WebhookEvent struct {
	TrackID string
	Status  string
	Amount  string
	OrderID string
	TxID    string
}

// ParseWebhook decodes a callback body. Call VerifyWebhook first.
func (c *Custodial) ParseWebhook(body []byte) (WebhookEvent, error) {
	var payload struct {
		TrackID json.Number `json:"trackId"`
		Status  string      `json:"status"`
		Amount  string      `json:"amount"`
		OrderID string      `json:"orderId"`
		TxID    string      `json:"txID"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return WebhookEvent{}, fmt.Errorf("rail: parse custodial webhook: %w", err)
	}
	return WebhookEvent{
		TrackID: payload.TrackID.String(),
		Status:  payload.Status,
		Amount:  payload.Amount,
		OrderID: payload.OrderID,
		TxID:    payload.TxID,
	}, nil
}

// nativeToUSD renders 6-decimal token units as a USD decimal string.
func nativeToUSD(native int64) string {
	return strconv.FormatFloat(float64(native)/1e6, 'f', 2, 64)
}

// usdToNative parses a USD decimal string into 6-decimal token units,
// rounding to the nearest unit. Amounts like "0.29" parse slightly under
// their decimal value, so truncation would drop a unit. A malformed amount
// parses to zero, which never settles a deposit.
func usdToNative(amount string) int64 {
	f, err := strconv.ParseFloat(amount, 64)
	if err != nil {
		return 0
	}
	return int64(math.Round(f * 1e6))
}
