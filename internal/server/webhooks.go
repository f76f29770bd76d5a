package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ashita-ai/takara/internal/model"
	"github.com/ashita-ai/takara/internal/storage"
)

// Webhooks are unauthenticated but never authoritative: a verified payload
// only identifies which deposit to reconcile, and the reconcile re-checks the
// settlement with the provider before crediting. A forged payload that
// somehow passes the signature check still cannot credit money the provider
// does not confirm.

// HandleCustodialWebhook serves POST /webhooks/custodial. The body carries an
// HMAC-SHA512 signature; a bad signature is a 400 with zero state change.
func (h *Handlers) HandleCustodialWebhook(w http.ResponseWriter, r *http.Request) {
	if h.custodial == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeProviderUnavailable, "custodial rail not configured")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		handleDecodeError(w, r, err)
		return
	}
	signature := r.Header.Get("HMAC")
	if signature == "" {
		signature = r.Header.Get("X-Signature")
	}
	if !h.custodial.VerifyWebhook(body, signature) {
		h.logger.Warn("custodial webhook signature rejected",
			"remote_addr", r.RemoteAddr)
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid webhook signature")
		return
	}

	event, err := h.custodial.ParseWebhook(body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "malformed webhook payload")
		return
	}

	h.reconcileWebhookDeposit(w, r, model.RailCustodial, event.TrackID)
}

// lightningWebhookPayload is the provider's charge-update callback. Only the
// charge ID matters; settlement truth comes from re-checking the provider.
type lightningWebhookPayload struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// HandleLightningWebhook serves POST /webhooks/lightning.
func (h *Handlers) HandleLightningWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		handleDecodeError(w, r, err)
		return
	}
	var payload lightningWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.ID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "malformed webhook payload")
		return
	}

	h.reconcileWebhookDeposit(w, r, model.RailLightning, payload.ID)
}

// reconcileWebhookDeposit correlates a provider reference to a deposit and
// reconciles it. Unknown references return 200 so providers do not retry
// forever on callbacks for deposits this instance never created.
func (h *Handlers) reconcileWebhookDeposit(w http.ResponseWriter, r *http.Request, railID model.Rail, externalRef string) {
	d, err := h.db.GetDepositByExternalRef(r.Context(), railID, externalRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.logger.Warn("webhook for unknown deposit",
				"rail", railID, "external_ref", externalRef)
			writeJSON(w, r, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		h.writeInternalError(w, r, "webhook deposit lookup failed", err)
		return
	}

	updated, err := h.payments.Reconcile(r.Context(), d.ID)
	if err != nil {
		// The provider will retry the callback; the poller also covers it.
		h.logger.Warn("webhook reconcile failed",
			"deposit_id", d.ID, "rail", railID, "error", err)
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeProviderUnavailable, "reconcile failed, will retry")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]string{"status": string(updated.Status)})
}
