package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/takara/internal/auth"
	"github.com/ashita-ai/takara/internal/bounty"
	"github.com/ashita-ai/takara/internal/ctxutil"
	"github.com/ashita-ai/takara/internal/escrow"
	"github.com/ashita-ai/takara/internal/model"
	"github.com/ashita-ai/takara/internal/payments"
	"github.com/ashita-ai/takara/internal/rail"
	"github.com/ashita-ai/takara/internal/ratelimit"
	"github.com/ashita-ai/takara/internal/storage"
)

// Server is the takara HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, Custodial, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	DB       *storage.DB
	JWTMgr   *auth.JWTManager
	Payments *payments.Service
	Bounties *bounty.Service
	Escrows  *escrow.Manager
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	Custodial *rail.Custodial
	MCPServer *mcpserver.MCPServer

	// ExtraRoutes registers additional routes on the shared mux after the
	// built-in routes. Registrars receive the role middleware factory so
	// added routes share the auth chain.
	ExtraRoutes []func(*http.ServeMux, RoleMiddlewareFn)
	// Middlewares are applied outermost, in registration order.
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:        cfg.DB,
		JWTMgr:    cfg.JWTMgr,
		Payments:  cfg.Payments,
		Bounties:  cfg.Bounties,
		Escrows:   cfg.Escrows,
		Custodial: cfg.Custodial,
		Logger:    cfg.Logger,
		Version:   cfg.Version,
		MaxBody:   cfg.MaxRequestBodyBytes,
	})

	reqIDFunc := func(r *http.Request) string {
		return ctxutil.RequestIDFromContext(r.Context())
	}

	// Money-moving endpoints are limited per agent; token issuance per IP.
	agentRL := ratelimit.Middleware(cfg.Limiter, agentKeyFunc, reqIDFunc)
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Token issuance (no auth required, rate limited by IP).
	mux.Handle("POST /v1/auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Agent management.
	operatorOnly := requireRole(model.RoleOperator)
	agentRole := requireRole(model.RoleAgent)
	mux.Handle("POST /v1/agents", operatorOnly(http.HandlerFunc(h.HandleCreateAgent)))
	mux.Handle("GET /v1/agents/{id}", agentRole(http.HandlerFunc(h.HandleGetAgent)))
	mux.Handle("GET /v1/agents/{id}/balance", agentRole(http.HandlerFunc(h.HandleGetBalance)))
	mux.Handle("GET /v1/agents/{id}/ledger", agentRole(http.HandlerFunc(h.HandleListLedger)))
	mux.Handle("PUT /v1/agents/{id}/wallets", agentRole(http.HandlerFunc(h.HandleUpdateWallets)))

	// Deposits.
	mux.Handle("POST /v1/deposits", agentRL(agentRole(http.HandlerFunc(h.HandleCreateDeposit))))
	mux.Handle("GET /v1/deposits", agentRole(http.HandlerFunc(h.HandleListDeposits)))
	mux.Handle("GET /v1/deposits/{id}", agentRole(http.HandlerFunc(h.HandleGetDeposit)))

	// Withdrawals.
	mux.Handle("POST /v1/withdrawals", agentRL(agentRole(http.HandlerFunc(h.HandleCreateWithdrawal))))
	mux.Handle("GET /v1/withdrawals", agentRole(http.HandlerFunc(h.HandleListWithdrawals)))
	mux.Handle("GET /v1/withdrawals/{id}", agentRole(http.HandlerFunc(h.HandleGetWithdrawal)))

	// Bounties.
	mux.Handle("POST /v1/bounties", agentRL(agentRole(http.HandlerFunc(h.HandleCreateBounty))))
	mux.Handle("GET /v1/bounties", agentRole(http.HandlerFunc(h.HandleListBounties)))
	mux.Handle("GET /v1/bounties/export", agentRole(http.HandlerFunc(h.HandleExportBounties)))
	mux.Handle("GET /v1/bounties/{id}", agentRole(http.HandlerFunc(h.HandleGetBounty)))
	mux.Handle("POST /v1/bounties/{id}/fund", agentRL(agentRole(http.HandlerFunc(h.HandleFundBounty))))
	mux.Handle("POST /v1/bounties/{id}/claim", agentRL(agentRole(http.HandlerFunc(h.HandleClaimBounty))))
	mux.Handle("POST /v1/bounties/{id}/submit", agentRL(agentRole(http.HandlerFunc(h.HandleSubmitBounty))))
	mux.Handle("POST /v1/bounties/{id}/judge", agentRole(http.HandlerFunc(h.HandleJudgeBounty)))
	mux.Handle("POST /v1/bounties/{id}/approve", agentRole(http.HandlerFunc(h.HandleApproveBounty)))
	mux.Handle("POST /v1/bounties/{id}/reject", agentRole(http.HandlerFunc(h.HandleRejectBounty)))
	mux.Handle("POST /v1/bounties/{id}/resolve", operatorOnly(http.HandlerFunc(h.HandleResolveBounty)))
	mux.Handle("POST /v1/bounties/{id}/cancel", agentRole(http.HandlerFunc(h.HandleCancelBounty)))

	// Escrows.
	mux.Handle("POST /v1/escrows", agentRL(agentRole(http.HandlerFunc(h.HandleCreateEscrow))))
	mux.Handle("GET /v1/escrows", agentRole(http.HandlerFunc(h.HandleListEscrows)))
	mux.Handle("GET /v1/escrows/{id}", agentRole(http.HandlerFunc(h.HandleGetEscrow)))
	mux.Handle("POST /v1/escrows/{id}/complete", agentRole(http.HandlerFunc(h.HandleCompleteEscrow)))
	mux.Handle("POST /v1/escrows/{id}/refund", agentRole(http.HandlerFunc(h.HandleRefundEscrow)))
	mux.Handle("POST /v1/escrows/{id}/dispute", agentRole(http.HandlerFunc(h.HandleDisputeEscrow)))

	// Provider webhooks (no auth; each handler verifies its own signature).
	mux.HandleFunc("POST /webhooks/custodial", h.HandleCustodialWebhook)
	mux.HandleFunc("POST /webhooks/lightning", h.HandleLightningWebhook)

	// MCP StreamableHTTP transport (auth required, agent+).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", agentRole(mcpHTTP))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Embedder-supplied routes share the mux and auth chain.
	for _, register := range cfg.ExtraRoutes {
		register(mux, requireRole)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// RoleMiddlewareFn builds middleware requiring at least the given role.
type RoleMiddlewareFn func(model.AgentRole) func(http.Handler) http.Handler

// agentKeyFunc extracts the agent ID from the request context for rate
// limiting. Operators are exempt.
func agentKeyFunc(r *http.Request) string {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	if model.RoleAtLeast(claims.Role, model.RoleOperator) {
		return ""
	}
	return claims.AgentID
}

// Handlers returns the underlying Handlers for access to SeedOperator etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
