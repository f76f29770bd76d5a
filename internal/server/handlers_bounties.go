package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/takara/internal/judge"
	"github.com/ashita-ai/takara/internal/model"
	"github.com/ashita-ai/takara/internal/storage"
)

// HandleCreateBounty serves POST /v1/bounties.
func (h *Handlers) HandleCreateBounty(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.callerClaims(w, r)
	if !ok {
		return
	}

	var req model.CreateBountyRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := validateBountyRequest(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	currency := model.CurrencyUSDC
	if req.Currency != "" {
		parsed, err := model.ParseCurrency(req.Currency)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		currency = parsed
	}

	idem, proceed := h.beginIdempotentWrite(w, r, claims.AgentID, "POST:/v1/bounties", req)
	if !proceed {
		return
	}

	b, err := h.bounties.Create(r.Context(), claims.AgentID, model.Bounty{
		Title:       req.Title,
		Description: req.Description,
		AmountCents: req.AmountCents,
		Currency:    currency,
		Criteria:    req.Criteria,
		Skills:      req.Skills,
	}, req.Fund)
	if err != nil {
		h.clearIdempotentWrite(r, idem)
		h.writeStorageError(w, r, "create bounty failed", err)
		return
	}

	h.completeIdempotentWriteBestEffort(r, idem, http.StatusCreated, b)
	writeJSON(w, r, http.StatusCreated, b)
}

// HandleListBounties serves GET /v1/bounties with optional filters.
func (h *Handlers) HandleListBounties(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := paginationParams(r)
	filter := storage.BountyFilter{
		Status:    model.BountyStatus(q.Get("status")),
		PosterID:  q.Get("poster_id"),
		Skill:     q.Get("skill"),
		TextQuery: q.Get("q"),
		Limit:     limit,
		Offset:    offset,
	}
	bounties, err := h.bounties.Search(r.Context(), filter)
	if err != nil {
		h.writeStorageError(w, r, "search bounties failed", err)
		return
	}
	writeList(w, r, bounties, len(bounties), limit, offset)
}

// HandleGetBounty serves GET /v1/bounties/{id}.
func (h *Handlers) HandleGetBounty(w http.ResponseWriter, r *http.Request) {
	id, ok := bountyID(w, r)
	if !ok {
		return
	}
	b, err := h.bounties.Get(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, "get bounty failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, b)
}

// HandleExportBounties serves GET /v1/bounties/export as a Markdown document.
func (h *Handlers) HandleExportBounties(w http.ResponseWriter, r *http.Request) {
	limit, _ := paginationParams(r)
	md, err := h.bounties.ExportMarkdown(r.Context(), limit)
	if err != nil {
		h.writeStorageError(w, r, "export bounties failed", err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(md))
}

// HandleFundBounty serves POST /v1/bounties/{id}/fund.
func (h *Handlers) HandleFundBounty(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.callerClaims(w, r)
	if !ok {
		return
	}
	id, ok := bountyID(w, r)
	if !ok {
		return
	}
	b, err := h.bounties.Fund(r.Context(), id, claims.AgentID)
	if err != nil {
		h.writeStorageError(w, r, "fund bounty failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, b)
}

// HandleClaimBounty serves POST /v1/bounties/{id}/claim.
func (h *Handlers) HandleClaimBounty(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.callerClaims(w, r)
	if !ok {
		return
	}
	id, ok := bountyID(w, r)
	if !ok {
		return
	}
	claim, err := h.bounties.Claim(r.Context(), id, claims.AgentID)
	if err != nil {
		h.writeStorageError(w, r, "claim bounty failed", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, claim)
}

// HandleSubmitBounty serves POST /v1/bounties/{id}/submit.
func (h *Handlers) HandleSubmitBounty(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.callerClaims(w, r)
	if !ok {
		return
	}
	id, ok := bountyID(w, r)
	if !ok {
		return
	}

	var req model.SubmitBountyRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.URL == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "url is required")
		return
	}
	if len(req.Notes) > model.MaxNotesLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "notes too long")
		return
	}

	b, err := h.bounties.Submit(r.Context(), id, claims.AgentID, req.URL, req.Notes)
	if err != nil {
		h.writeStorageError(w, r, "submit bounty failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, b)
}

// judgeBountyRequest optionally carries externally verified change-request
// signals into the evaluation.
type judgeBountyRequest struct {
	Merged       *bool `json:"merged,omitempty"`
	ChecksPassed *bool `json:"checks_passed,omitempty"`
	Additions    int   `json:"additions,omitempty"`
	Deletions    int   `json:"deletions,omitempty"`
}

// judgeBountyResponse pairs the judgment with the resulting bounty state.
type judgeBountyResponse struct {
	Judgment model.Judgment `json:"judgment"`
	Bounty   model.Bounty   `json:"bounty"`
}

// HandleJudgeBounty serves POST /v1/bounties/{id}/judge. An empty body runs
// the base battery; verified change-request fields add the external battery.
func (h *Handlers) HandleJudgeBounty(w http.ResponseWriter, r *http.Request) {
	id, ok := bountyID(w, r)
	if !ok {
		return
	}

	var verified *judge.VerifiedChange
	var req judgeBountyRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err == nil {
		if req.Merged != nil || req.ChecksPassed != nil {
			verified = &judge.VerifiedChange{
				Additions: req.Additions,
				Deletions: req.Deletions,
			}
			if req.Merged != nil {
				verified.Merged = *req.Merged
			}
			if req.ChecksPassed != nil {
				verified.ChecksPassed = *req.ChecksPassed
			}
		}
	}

	judgment, b, err := h.bounties.Judge(r.Context(), id, verified)
	if err != nil {
		h.writeStorageError(w, r, "judge bounty failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, judgeBountyResponse{Judgment: judgment, Bounty: b})
}

// HandleApproveBounty serves POST /v1/bounties/{id}/approve (poster only).
func (h *Handlers) HandleApproveBounty(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.callerClaims(w, r)
	if !ok {
		return
	}
	id, ok := bountyID(w, r)
	if !ok {
		return
	}
	b, err := h.bounties.Approve(r.Context(), id, claims.AgentID)
	if err != nil {
		h.writeStorageError(w, r, "approve bounty failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, b)
}

// HandleRejectBounty serves POST /v1/bounties/{id}/reject (poster only).
func (h *Handlers) HandleRejectBounty(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.callerClaims(w, r)
	if !ok {
		return
	}
	id, ok := bountyID(w, r)
	if !ok {
		return
	}
	b, err := h.bounties.Reject(r.Context(), id, claims.AgentID)
	if err != nil {
		h.writeStorageError(w, r, "reject bounty failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, b)
}

// resolveBountyRequest is the operator's ruling on a disputed bounty.
type resolveBountyRequest struct {
	PayWorker bool `json:"pay_worker"`
}

// HandleResolveBounty serves POST /v1/bounties/{id}/resolve (operator only).
func (h *Handlers) HandleResolveBounty(w http.ResponseWriter, r *http.Request) {
	id, ok := bountyID(w, r)
	if !ok {
		return
	}
	var req resolveBountyRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	b, err := h.bounties.Resolve(r.Context(), id, req.PayWorker)
	if err != nil {
		h.writeStorageError(w, r, "resolve bounty failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, b)
}

// HandleCancelBounty serves POST /v1/bounties/{id}/cancel (poster only).
func (h *Handlers) HandleCancelBounty(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.callerClaims(w, r)
	if !ok {
		return
	}
	id, ok := bountyID(w, r)
	if !ok {
		return
	}
	b, err := h.bounties.Cancel(r.Context(), id, claims.AgentID)
	if err != nil {
		h.writeStorageError(w, r, "cancel bounty failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, b)
}

func bountyID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid bounty id")
		return uuid.Nil, false
	}
	return id, true
}

func errValidation(msg string) error { return errors.New(msg) }

func validateBountyRequest(req model.CreateBountyRequest) error {
	switch {
	case req.Title == "":
		return errValidation("title is required")
	case len(req.Title) > model.MaxTitleLen:
		return errValidation("title too long")
	case len(req.Description) > model.MaxDescriptionLen:
		return errValidation("description too long")
	case req.AmountCents <= 0:
		return errValidation("amount_cents must be positive")
	case len(req.Criteria) == 0:
		return errValidation("at least one acceptance criterion is required")
	case len(req.Criteria) > model.MaxCriteria:
		return errValidation("too many criteria")
	case len(req.Skills) > model.MaxSkills:
		return errValidation("too many skills")
	}
	return nil
}
