package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/takara/internal/model"
	"github.com/ashita-ai/takara/internal/payments"
	"github.com/ashita-ai/takara/internal/rail"
)

// HandleCreateDeposit serves POST /v1/deposits. Supports the Idempotency-Key
// header: a retried request replays the stored response instead of opening a
// second receive request with the provider.
func (h *Handlers) HandleCreateDeposit(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.callerClaims(w, r)
	if !ok {
		return
	}

	var req model.CreateDepositRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.AgentID == "" {
		req.AgentID = claims.AgentID
	}
	if _, ok := h.requireSelfOrOperator(w, r, req.AgentID); !ok {
		return
	}
	currency, err := model.ParseCurrency(req.Currency)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.AmountCents <= 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "amount_cents must be positive")
		return
	}

	idem, proceed := h.beginIdempotentWrite(w, r, claims.AgentID, "POST:/v1/deposits", req)
	if !proceed {
		return
	}

	d, err := h.payments.CreateDeposit(r.Context(), payments.DepositRequest{
		AgentID:     req.AgentID,
		Currency:    currency,
		AmountCents: req.AmountCents,
		EscrowID:    req.EscrowID,
		BountyID:    req.BountyID,
	})
	if err != nil {
		h.clearIdempotentWrite(r, idem)
		h.writeStorageError(w, r, "create deposit failed", err)
		return
	}

	resp := depositResponse(d)
	h.completeIdempotentWriteBestEffort(r, idem, http.StatusCreated, resp)
	writeJSON(w, r, http.StatusCreated, resp)
}

// HandleGetDeposit serves GET /v1/deposits/{id}. Reading a pending deposit
// reconciles it against the provider, so polling this endpoint is how
// clients without webhooks observe settlement. The ownership check runs
// before the reconcile: a caller without access must not trigger provider
// polls or settlement side effects.
func (h *Handlers) HandleGetDeposit(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid deposit id")
		return
	}

	stored, err := h.db.GetDeposit(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, "get deposit failed", err)
		return
	}
	if _, ok := h.requireSelfOrOperator(w, r, stored.AgentID); !ok {
		return
	}

	d, err := h.payments.Reconcile(r.Context(), id)
	if err != nil {
		if errors.Is(err, rail.ErrProviderUnavailable) || errors.Is(err, rail.ErrNotConfigured) {
			// The provider is down but the row is readable; return the
			// stored state rather than failing the read.
			writeJSON(w, r, http.StatusOK, depositResponse(stored))
			return
		}
		h.writeStorageError(w, r, "get deposit failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, depositResponse(d))
}

// HandleListDeposits serves GET /v1/deposits for the caller.
func (h *Handlers) HandleListDeposits(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.callerClaims(w, r)
	if !ok {
		return
	}
	limit, offset := paginationParams(r)
	deposits, err := h.db.ListDepositsByAgent(r.Context(), claims.AgentID, limit, offset)
	if err != nil {
		h.writeStorageError(w, r, "list deposits failed", err)
		return
	}
	writeList(w, r, deposits, len(deposits), limit, offset)
}

// HandleCreateWithdrawal serves POST /v1/withdrawals. Idempotency-Key is
// honored; a replay never reaches the provider a second time.
func (h *Handlers) HandleCreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.callerClaims(w, r)
	if !ok {
		return
	}

	var req model.CreateWithdrawalRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.AgentID == "" {
		req.AgentID = claims.AgentID
	}
	if _, ok := h.requireSelfOrOperator(w, r, req.AgentID); !ok {
		return
	}
	currency, err := model.ParseCurrency(req.Currency)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.Destination == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "destination is required")
		return
	}

	idem, proceed := h.beginIdempotentWrite(w, r, claims.AgentID, "POST:/v1/withdrawals", req)
	if !proceed {
		return
	}

	wd, err := h.payments.Withdraw(r.Context(), payments.WithdrawalRequest{
		AgentID:     req.AgentID,
		Currency:    currency,
		AmountCents: req.AmountCents,
		Destination: req.Destination,
	})
	if err != nil {
		if errors.Is(err, rail.ErrConfirmationTimeout) {
			// The provider may still settle; the withdrawal stays in
			// processing and the stored response reflects that.
			resp := withdrawalResponse(wd)
			h.completeIdempotentWriteBestEffort(r, idem, http.StatusAccepted, resp)
			writeError(w, r, http.StatusAccepted, model.ErrCodeReconcilePending,
				"withdrawal submitted but unconfirmed; reconciliation required")
			return
		}
		h.clearIdempotentWrite(r, idem)
		h.writeStorageError(w, r, "withdrawal failed", err)
		return
	}

	resp := withdrawalResponse(wd)
	h.completeIdempotentWriteBestEffort(r, idem, http.StatusCreated, resp)
	writeJSON(w, r, http.StatusCreated, resp)
}

// HandleGetWithdrawal serves GET /v1/withdrawals/{id}.
func (h *Handlers) HandleGetWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid withdrawal id")
		return
	}
	wd, err := h.db.GetWithdrawal(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, "get withdrawal failed", err)
		return
	}
	if _, ok := h.requireSelfOrOperator(w, r, wd.AgentID); !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, withdrawalResponse(wd))
}

// HandleListWithdrawals serves GET /v1/withdrawals for the caller.
func (h *Handlers) HandleListWithdrawals(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.callerClaims(w, r)
	if !ok {
		return
	}
	limit, offset := paginationParams(r)
	withdrawals, err := h.db.ListWithdrawalsByAgent(r.Context(), claims.AgentID, limit, offset)
	if err != nil {
		h.writeStorageError(w, r, "list withdrawals failed", err)
		return
	}
	writeList(w, r, withdrawals, len(withdrawals), limit, offset)
}

func depositResponse(d model.Deposit) model.DepositResponse {
	resp := model.DepositResponse{
		DepositID:     d.ID,
		Status:        d.Status,
		ReceiveHandle: d.ReceiveHandle,
		SettledNative: d.SettledNative,
	}
	if !d.ExpiresAt.IsZero() {
		expires := d.ExpiresAt
		resp.ExpiresAt = &expires
	}
	return resp
}

func withdrawalResponse(w model.Withdrawal) model.WithdrawalResponse {
	return model.WithdrawalResponse{
		WithdrawalID: w.ID,
		Status:       w.Status,
		ProviderRef:  w.ProviderRef,
	}
}
