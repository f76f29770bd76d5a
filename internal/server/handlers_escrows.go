package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/takara/internal/model"
)

// HandleCreateEscrow serves POST /v1/escrows. By default the caller funds
// the escrow from their balance; with funding "deposit" the escrow waits in
// pending_payment for a linked deposit. The fee is frozen at creation
// either way.
func (h *Handlers) HandleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.callerClaims(w, r)
	if !ok {
		return
	}

	var req model.CreateEscrowRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Task == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "task is required")
		return
	}
	if req.GrossCents <= 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "gross_cents must be positive")
		return
	}
	if req.ProviderID != nil {
		if err := model.ValidateAgentID(*req.ProviderID); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		if *req.ProviderID == claims.AgentID {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "provider cannot be the client")
			return
		}
	}

	if req.Funding != "" && req.Funding != "balance" && req.Funding != "deposit" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, `funding must be "balance" or "deposit"`)
		return
	}

	idem, proceed := h.beginIdempotentWrite(w, r, claims.AgentID, "POST:/v1/escrows", req)
	if !proceed {
		return
	}

	var e model.Escrow
	var err error
	if req.Funding == "deposit" {
		e, err = h.escrows.CreatePending(r.Context(), claims.AgentID, req.ProviderID, req.Task, req.GrossCents)
	} else {
		e, err = h.escrows.CreateAssigned(r.Context(), claims.AgentID, req.ProviderID, req.Task, req.GrossCents)
	}
	if err != nil {
		h.clearIdempotentWrite(r, idem)
		h.writeStorageError(w, r, "create escrow failed", err)
		return
	}

	h.completeIdempotentWriteBestEffort(r, idem, http.StatusCreated, e)
	writeJSON(w, r, http.StatusCreated, e)
}

// HandleGetEscrow serves GET /v1/escrows/{id}.
func (h *Handlers) HandleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	e, err := h.escrows.Get(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, "get escrow failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, e)
}

// HandleListEscrows serves GET /v1/escrows for the caller's client side.
func (h *Handlers) HandleListEscrows(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.callerClaims(w, r)
	if !ok {
		return
	}
	limit, offset := paginationParams(r)
	escrows, err := h.db.ListEscrowsByClient(r.Context(), claims.AgentID, limit, offset)
	if err != nil {
		h.writeStorageError(w, r, "list escrows failed", err)
		return
	}
	writeList(w, r, escrows, len(escrows), limit, offset)
}

// completeEscrowRequest names the provider when the escrow was created
// without one.
type completeEscrowRequest struct {
	ProviderID string `json:"provider_id,omitempty"`
}

// HandleCompleteEscrow serves POST /v1/escrows/{id}/complete. Only the
// client or an operator may release the funds.
func (h *Handlers) HandleCompleteEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	e, err := h.escrows.Get(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, "get escrow failed", err)
		return
	}
	if _, ok := h.requireSelfOrOperator(w, r, e.ClientID); !ok {
		return
	}

	var req completeEscrowRequest
	_ = decodeJSON(w, r, &req, h.maxBody) // body optional
	providerID := req.ProviderID
	if providerID == "" && e.ProviderID != nil {
		providerID = *e.ProviderID
	}
	if providerID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "provider_id is required for an unassigned escrow")
		return
	}
	if providerID == e.ClientID {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "provider cannot be the client")
		return
	}

	completed, err := h.escrows.Complete(r.Context(), id, providerID)
	if err != nil {
		h.writeStorageError(w, r, "complete escrow failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, completed)
}

// HandleRefundEscrow serves POST /v1/escrows/{id}/refund. Only the client or
// an operator may refund.
func (h *Handlers) HandleRefundEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	e, err := h.escrows.Get(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, "get escrow failed", err)
		return
	}
	if _, ok := h.requireSelfOrOperator(w, r, e.ClientID); !ok {
		return
	}

	refunded, err := h.escrows.Refund(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, "refund escrow failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, refunded)
}

// HandleDisputeEscrow serves POST /v1/escrows/{id}/dispute. Either party
// freezes the escrow for operator resolution; here any authenticated party
// that is the client, the provider, or an operator.
func (h *Handlers) HandleDisputeEscrow(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.callerClaims(w, r)
	if !ok {
		return
	}
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	e, err := h.escrows.Get(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, "get escrow failed", err)
		return
	}
	isParty := claims.AgentID == e.ClientID ||
		(e.ProviderID != nil && claims.AgentID == *e.ProviderID) ||
		model.RoleAtLeast(claims.Role, model.RoleOperator)
	if !isParty {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "only a party to the escrow may dispute it")
		return
	}

	disputed, err := h.escrows.Dispute(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, "dispute escrow failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, disputed)
}

func escrowID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid escrow id")
		return uuid.Nil, false
	}
	return id, true
}
