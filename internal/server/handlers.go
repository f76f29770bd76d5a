package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/takara/internal/auth"
	"github.com/ashita-ai/takara/internal/bounty"
	"github.com/ashita-ai/takara/internal/ctxutil"
	"github.com/ashita-ai/takara/internal/escrow"
	"github.com/ashita-ai/takara/internal/model"
	"github.com/ashita-ai/takara/internal/payments"
	"github.com/ashita-ai/takara/internal/rail"
	"github.com/ashita-ai/takara/internal/storage"
)

// Handlers bundles the HTTP handlers and their dependencies.
type Handlers struct {
	db        *storage.DB
	jwtMgr    *auth.JWTManager
	payments  *payments.Service
	bounties  *bounty.Service
	escrows   *escrow.Manager
	custodial *rail.Custodial
	logger    *slog.Logger
	version   string
	startTime time.Time
	maxBody   int64
}

// HandlersDeps carries the dependencies for NewHandlers.
type HandlersDeps struct {
	DB       *storage.DB
	JWTMgr   *auth.JWTManager
	Payments *payments.Service
	Bounties *bounty.Service
	Escrows  *escrow.Manager
	// Custodial enables the custodial webhook endpoint when configured.
	Custodial *rail.Custodial
	Logger    *slog.Logger
	Version  string
	MaxBody  int64
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	if deps.MaxBody <= 0 {
		deps.MaxBody = 1 << 20 // 1 MB
	}
	return &Handlers{
		db:        deps.DB,
		jwtMgr:    deps.JWTMgr,
		payments:  deps.Payments,
		bounties:  deps.Bounties,
		escrows:   deps.Escrows,
		custodial: deps.Custodial,
		logger:    deps.Logger,
		version:   deps.Version,
		startTime: time.Now(),
		maxBody:   deps.MaxBody,
	}
}

// SeedOperator bootstraps credential access on a fresh database. When an
// operator API key is configured, an "operator" agent is created (or its key
// rotated) so the first token can be issued without manual SQL.
func (h *Handlers) SeedOperator(ctx context.Context, apiKey string) error {
	if apiKey == "" {
		h.logger.Info("no operator API key configured, skipping operator seed")
		return nil
	}

	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		return fmt.Errorf("seed operator: hash key: %w", err)
	}

	_, err = h.db.GetAgentByAgentID(ctx, "operator")
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if _, err := h.db.CreateAgent(ctx, model.Agent{
			AgentID:    "operator",
			Name:       "System Operator",
			Role:       model.RoleOperator,
			APIKeyHash: &hash,
		}); err != nil {
			return fmt.Errorf("seed operator: create: %w", err)
		}
		h.logger.Info("operator agent seeded")
		return nil
	case err != nil:
		return fmt.Errorf("seed operator: lookup: %w", err)
	default:
		if err := h.db.UpdateAgentAPIKeyHash(ctx, "operator", hash); err != nil {
			return fmt.Errorf("seed operator: rotate key: %w", err)
		}
		h.logger.Info("operator API key rotated")
		return nil
	}
}

// writeInternalError logs the underlying error and returns an opaque 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"path", r.URL.Path,
		"request_id", ctxutil.RequestIDFromContext(r.Context()),
	)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
}

// callerClaims returns the authenticated caller's claims, or writes a 401.
func (h *Handlers) callerClaims(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return nil, false
	}
	return claims, true
}

// requireSelfOrOperator allows an agent to act on its own resources and an
// operator to act on anyone's.
func (h *Handlers) requireSelfOrOperator(w http.ResponseWriter, r *http.Request, agentID string) (*auth.Claims, bool) {
	claims, ok := h.callerClaims(w, r)
	if !ok {
		return nil, false
	}
	if claims.AgentID != agentID && !model.RoleAtLeast(claims.Role, model.RoleOperator) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "cannot act on another agent's resources")
		return nil, false
	}
	return claims, true
}

// HandleHealth serves GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:   "ok",
		Version:  h.version,
		Postgres: "ok",
		Uptime:   int64(time.Since(h.startTime).Seconds()),
	}
	status := http.StatusOK
	if err := h.db.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Postgres = "unreachable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// HandleAuthToken serves POST /v1/auth/token: exchanges an API key for a JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateAgentID(req.AgentID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "api_key is required")
		return
	}

	agent, err := h.db.GetAgentByAgentID(r.Context(), req.AgentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Burn comparable time so unknown agents are indistinguishable
			// from wrong keys.
			auth.DummyVerify()
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
			return
		}
		h.writeInternalError(w, r, "auth lookup failed", err)
		return
	}
	if agent.APIKeyHash == nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	ok, err := auth.VerifyAPIKey(req.APIKey, *agent.APIKeyHash)
	if err != nil {
		h.writeInternalError(w, r, "api key verification failed", err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(agent)
	if err != nil {
		h.writeInternalError(w, r, "token issuance failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleCreateAgent serves POST /v1/agents (operator only).
func (h *Handlers) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateAgentRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateAgentID(req.AgentID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name is required")
		return
	}
	if req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "api_key is required")
		return
	}
	role := req.Role
	if role == "" {
		role = model.RoleAgent
	}
	if role != model.RoleAgent && role != model.RoleOperator {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "role must be agent or operator")
		return
	}

	hash, err := auth.HashAPIKey(req.APIKey)
	if err != nil {
		h.writeInternalError(w, r, "api key hashing failed", err)
		return
	}
	agent, err := h.db.CreateAgent(r.Context(), model.Agent{
		AgentID:    req.AgentID,
		Name:       req.Name,
		Role:       role,
		APIKeyHash: &hash,
	})
	if err != nil {
		h.writeInternalError(w, r, "agent creation failed", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, agent)
}

// HandleGetAgent serves GET /v1/agents/{id}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	agent, err := h.db.GetAgentByAgentID(r.Context(), agentID)
	if err != nil {
		h.writeStorageError(w, r, "get agent failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleGetBalance serves GET /v1/agents/{id}/balance.
func (h *Handlers) HandleGetBalance(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if _, ok := h.requireSelfOrOperator(w, r, agentID); !ok {
		return
	}
	balance, err := h.db.GetBalance(r.Context(), agentID)
	if err != nil {
		h.writeStorageError(w, r, "get balance failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.BalanceResponse{AgentID: agentID, BalanceCents: balance})
}

// HandleListLedger serves GET /v1/agents/{id}/ledger.
func (h *Handlers) HandleListLedger(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if _, ok := h.requireSelfOrOperator(w, r, agentID); !ok {
		return
	}
	limit, offset := paginationParams(r)
	entries, err := h.db.ListLedgerEntries(r.Context(), agentID, limit, offset)
	if err != nil {
		h.writeStorageError(w, r, "list ledger failed", err)
		return
	}
	writeList(w, r, entries, len(entries), limit, offset)
}

// HandleUpdateWallets serves PUT /v1/agents/{id}/wallets.
func (h *Handlers) HandleUpdateWallets(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if _, ok := h.requireSelfOrOperator(w, r, agentID); !ok {
		return
	}
	var req model.UpdateWalletsRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.LightningAddress == nil && req.EVMAddress == nil && req.TronAddress == nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "at least one wallet field is required")
		return
	}
	if err := validateWallets(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	agent, err := h.db.UpdateAgentWallets(r.Context(), agentID, req.LightningAddress, req.EVMAddress, req.TronAddress)
	if err != nil {
		h.writeStorageError(w, r, "update wallets failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// writeStorageError maps a storage error onto the response, logging anything
// unexpected.
func (h *Handlers) writeStorageError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	if isDomainError(err) {
		writeDomainError(w, r, err)
		return
	}
	h.writeInternalError(w, r, msg, err)
}

// isDomainError reports whether err maps to a deliberate 4xx/5xx instead of
// an opaque 500.
func isDomainError(err error) bool {
	for _, sentinel := range domainSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
