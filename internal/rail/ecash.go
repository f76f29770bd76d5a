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

// ProofVault is the recovery log for bearer tokens. On this rail the proofs
// ARE the money: a proof set minted but not persisted is an unrecoverable
// fund loss. The vault must be durable storage, written inside the mint step.
type ProofVault interface {
	// Store persists a minted proof set keyed by the mint quote.
	Store(ctx context.Context, externalRef string, proofs json.RawMessage) error
	// Unredeemed lists stored proof sets that have not been spent.
	Unredeemed(ctx context.Context) ([]StoredProofs, error)
	// MarkRedeemed flags proof sets as spent after a successful melt.
	MarkRedeemed(ctx context.Context, externalRefs []string) error
}

// StoredProofs is one vault entry.
type StoredProofs struct {
	ExternalRef string
	Proofs      json.RawMessage
}

// EcashConfig configures the bearer-token mint adapter.
// Native units are millisats for interface compatibility with the Lightning
// adapter it backs up; the mint itself operates in whole sats.
type EcashConfig struct {
	MintURL     string
	QuoteExpiry time.Duration // default 10m
	Timeout     time.Duration // default 15s
}

// Ecash implements Adapter against a Cashu-style mint.
type Ecash struct {
	cfg    EcashConfig
	vault  ProofVault
	http   *http.Client
	logger *slog.Logger
}

// NewEcash creates the ecash adapter. The vault is required: this adapter
// refuses to operate without a durable place to put minted proofs.
func NewEcash(cfg EcashConfig, vault ProofVault, logger *slog.Logger) *Ecash {
	if cfg.QuoteExpiry <= 0 {
		cfg.QuoteExpiry = 10 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Ecash{
		cfg:    cfg,
		vault:  vault,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("rail", model.RailEcash),
	}
}

// Rail implements Adapter.
func (e *Ecash) Rail() model.Rail { return model.RailEcash }

func (e *Ecash) do(ctx context.Context, method, path string, body, out any) error {
	if e.cfg.MintURL == "" {
		return fmt.Errorf("%w: ecash mint URL missing", ErrNotConfigured)
	}

	var reqBody *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("rail: marshal mint request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.cfg.MintURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("rail: build mint request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: mint returned %d", ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("rail: mint returned %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("rail: decode mint response: %w", err)
		}
	}
	return nil
}

// CreateReceiveRequest requests a mint quote; the payer settles its bolt11
// invoice and the quote becomes mintable.
func (e *Ecash) CreateReceiveRequest(ctx context.Context, amountNative int64, agentID, memo string) (ReceiveRequest, error) {
	sats := amountNative / 1000
	if sats <= 0 {
		return ReceiveRequest{}, fmt.Errorf("%w: %d msats is below one sat", ErrInvalidAmount, amountNative)
	}

	var quote struct {
		Quote   string `json:"quote"`
		Request string `json:"request"` // bolt11 invoice
		Expiry  int64  `json:"expiry"`  // unix seconds
	}
	err := e.do(ctx, http.MethodPost, "/v1/mint/quote/bolt11", map[string]any{
		"amount":      sats,
		"unit":        "sat",
		"description": memo,
	}, &quote)
	if err != nil {
		return ReceiveRequest{}, err
	}

	expires := time.Unix(quote.Expiry, 0).UTC()
	if quote.Expiry == 0 {
		expires = time.Now().UTC().Add(e.cfg.QuoteExpiry)
	}
	return ReceiveRequest{
		Handle:      quote.Request,
		ExternalRef: quote.Quote,
		ExpiresAt:   expires,
	}, nil
}

// CheckReceiveStatus checks the mint quote and, on first observing payment,
// mints the proofs and stores them in the vault. Settlement is reported only
// after the vault write: an unstored proof set does not count as money.
func (e *Ecash) CheckReceiveStatus(ctx context.Context, externalRef string) (Settlement, error) {
	var state struct {
		State  string `json:"state"` // UNPAID, PAID, ISSUED
		Amount int64  `json:"amount"`
	}
	if err := e.do(ctx, http.MethodGet, "/v1/mint/quote/bolt11/"+externalRef, nil, &state); err != nil {
		return Settlement{}, err
	}

	switch state.State {
	case "ISSUED":
		// Proofs were minted on a prior call; the vault already holds them.
		return Settlement{Settled: true, AmountNative: state.Amount * 1000, TxRef: externalRef}, nil
	case "PAID":
		// Fall through to mint.
	default:
		return Settlement{}, nil
	}

	var minted struct {
		Signatures json.RawMessage `json:"signatures"`
	}
	if err := e.do(ctx, http.MethodPost, "/v1/mint/bolt11", map[string]any{
		"quote": externalRef,
	}, &minted); err != nil {
		return Settlement{}, err
	}

	if err := e.vault.Store(ctx, externalRef, minted.Signatures); err != nil {
		// The proofs exist but could not be persisted. Log them at error
		// level as a recovery record of last resort before failing the call;
		// the deposit stays pending and the next check finds state ISSUED.
		e.logger.Error("proof vault write failed, dumping proofs for manual recovery",
			"external_ref", externalRef,
			"proofs", string(minted.Signatures),
			"error", err,
		)
		return Settlement{}, fmt.Errorf("rail: store minted proofs: %w", err)
	}

	return Settlement{Settled: true, AmountNative: state.Amount * 1000, TxRef: externalRef}, nil
}

// SendPayment melts vault proofs to pay a bolt11 invoice or lightning address.
func (e *Ecash) SendPayment(ctx context.Context, destination string, amountNative int64) (PaymentResult, error) {
	if amountNative <= 0 {
		return PaymentResult{}, fmt.Errorf("%w: %d msats", ErrInvalidAmount, amountNative)
	}
	if err := ValidateDestination(model.RailEcash, destination); err != nil {
		return PaymentResult{}, err
	}

	var quote struct {
		Quote      string `json:"quote"`
		Amount     int64  `json:"amount"`
		FeeReserve int64  `json:"fee_reserve"`
	}
	if err := e.do(ctx, http.MethodPost, "/v1/melt/quote/bolt11", map[string]any{
		"request": destination,
		"unit":    "sat",
	}, &quote); err != nil {
		return PaymentResult{}, err
	}

	stored, err := e.vault.Unredeemed(ctx)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("rail: load vault proofs: %w", err)
	}

	needed := quote.Amount + quote.FeeReserve
	inputs := make([]json.RawMessage, 0, len(stored))
	refs := make([]string, 0, len(stored))
	var total int64
	for _, s := range stored {
		if total >= needed {
			break
		}
		inputs = append(inputs, s.Proofs)
		refs = append(refs, s.ExternalRef)
		total += proofSetAmount(s.Proofs)
	}
	if total < needed {
		return PaymentResult{}, fmt.Errorf("%w: have %d sats, need %d", ErrInsufficientRemoteBalance, total, needed)
	}

	var melted struct {
		State           string `json:"state"`
		PaymentPreimage string `json:"payment_preimage"`
	}
	if err := e.do(ctx, http.MethodPost, "/v1/melt/bolt11", map[string]any{
		"quote":  quote.Quote,
		"inputs": inputs,
	}, &melted); err != nil {
		return PaymentResult{}, err
	}
	if melted.State != "PAID" {
		return PaymentResult{}, fmt.Errorf("rail: melt not paid, state %q", melted.State)
	}

	if err := e.vault.MarkRedeemed(ctx, refs); err != nil {
		// The melt went through; the spent proofs will be rejected by the
		// mint if replayed. Log and report success.
		e.logger.Warn("mark redeemed failed after successful melt", "error", err)
	}
	return PaymentResult{ProviderTxRef: quote.Quote}, nil
}

// Balance sums the sat value of unredeemed proofs in the vault.
func (e *Ecash) Balance(ctx context.Context) (int64, error) {
	if e.cfg.MintURL == "" {
		return 0, fmt.Errorf("%w: ecash mint URL missing", ErrNotConfigured)
	}
	stored, err := e.vault.Unredeemed(ctx)
	if err != nil {
		return 0, fmt.Errorf("rail: load vault proofs: %w", err)
	}
	var total int64
	for _, s := range stored {
		total += proofSetAmount(s.Proofs)
	}
	return total * 1000, nil
}

// proofSetAmount sums the "amount" field across a serialized proof set.
// Unparseable sets count as zero rather than failing the caller.
func proofSetAmount(raw json.RawMessage) int64 {
	var proofs []struct {
		Amount int64 `json:"amount"`
	}
	if err := json.Unmarshal(raw, &proofs); err != nil {
		return 0
	}
	var total int64
	for _, p := range proofs {
		total += p.Amount
	}
	return total
}
