// Package takara is the public API for embedding the takara settlement server.
//
// Platform and plugin consumers import this package to construct and extend
// the server without forking it:
//
//	app, err := takara.New(
//	    takara.WithVersion(version),
//	    takara.WithLogger(logger),
//	    takara.WithRailAdapter(takara.CurrencyBTC, myBTCAdapter, nil),
//	    takara.WithExtraRoutes(myPlatformRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: takara (root) imports
// internal/*, but internal/* never imports takara (root). Public types
// (ReceiveRequest, Settlement, etc.) are standalone structs with no internal
// imports; bridging adapters live here because this is the only file that
// sees both sides of the boundary.
package takara

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/takara/internal/auth"
	"github.com/ashita-ai/takara/internal/bounty"
	"github.com/ashita-ai/takara/internal/config"
	"github.com/ashita-ai/takara/internal/escrow"
	"github.com/ashita-ai/takara/internal/judge"
	"github.com/ashita-ai/takara/internal/mcp"
	"github.com/ashita-ai/takara/internal/model"
	"github.com/ashita-ai/takara/internal/payments"
	"github.com/ashita-ai/takara/internal/rail"
	"github.com/ashita-ai/takara/internal/rate"
	"github.com/ashita-ai/takara/internal/ratelimit"
	"github.com/ashita-ai/takara/internal/server"
	"github.com/ashita-ai/takara/internal/storage"
	"github.com/ashita-ai/takara/internal/telemetry"
	"github.com/ashita-ai/takara/migrations"
)

// Sentinel errors external RailAdapter implementations return to signal
// standard conditions. They alias the internal rail sentinels so errors.Is
// matches across the boundary.
var (
	// ErrRailNotConfigured means credentials for the rail are missing.
	ErrRailNotConfigured = rail.ErrNotConfigured
	// ErrRailUnavailable is transient; the orchestrator may try the
	// registered fallback adapter once before surfacing it.
	ErrRailUnavailable = rail.ErrProviderUnavailable
	// ErrInvalidAmount means the native amount is outside provider bounds.
	ErrInvalidAmount = rail.ErrInvalidAmount
	// ErrInvalidDestination means the payment destination failed validation.
	ErrInvalidDestination = rail.ErrInvalidDestination
	// ErrInsufficientRemoteBalance means the provider-side wallet cannot
	// cover an outbound payment.
	ErrInsufficientRemoteBalance = rail.ErrInsufficientRemoteBalance
	// ErrConfirmationTimeout means an outbound payment did not reach a
	// terminal provider state within the polling budget. The payment may
	// still settle; never retry it with new funds.
	ErrConfirmationTimeout = rail.ErrConfirmationTimeout
)

// App is the takara server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	pay          *payments.Service
	limiter      ratelimit.Limiter
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the takara server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("takara starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	fail := func(err error) (*App, error) {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, err
	}

	// Run embedded migrations, then any embedder-supplied ones.
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		return fail(fmt.Errorf("migrations: %w", err))
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			return fail(fmt.Errorf("extra migrations[%d]: %w", i, err))
		}
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}

	// Unit conversion policy.
	rates, err := rate.NewConverter(cfg.SatsPerUSD)
	if err != nil {
		return fail(fmt.Errorf("rate: %w", err))
	}

	// Built-in rail wiring, then external overrides.
	registry := payments.NewRegistry()
	lightning := rail.NewLightning(rail.LightningConfig{
		BaseURL: cfg.LightningBaseURL,
		APIKey:  cfg.LightningAPIKey,
	}, logger)
	ecash := rail.NewEcash(rail.EcashConfig{
		MintURL: cfg.EcashMintURL,
	}, storage.NewProofVault(db), logger)
	registry.Register(model.CurrencyBTCLightning, lightning, ecash)

	onchain := rail.NewOnchain(rail.OnchainConfig{
		BaseURL:        cfg.OnchainBaseURL,
		APIKey:         cfg.OnchainAPIKey,
		WalletID:       cfg.OnchainWalletID,
		DepositAddress: cfg.OnchainDepositAddress,
	}, logger)
	relayed := rail.NewRelayed(rail.RelayedConfig{
		FacilitatorURL:   cfg.RelayedFacilitatorURL,
		ReceivingAddress: cfg.RelayedReceivingAddress,
	}, logger)
	registry.Register(model.CurrencyUSDC, onchain, relayed)

	custodial := rail.NewCustodial(rail.CustodialConfig{
		BaseURL:       cfg.CustodialBaseURL,
		MerchantKey:   cfg.CustodialMerchantKey,
		WebhookSecret: cfg.CustodialWebhookSecret,
		CallbackURL:   cfg.CustodialCallbackURL,
	}, logger)
	registry.Register(model.CurrencyUSDT, custodial, nil)

	for _, ov := range o.railOverrides {
		currency, err := model.ParseCurrency(string(ov.currency))
		if err != nil {
			return fail(fmt.Errorf("rail override: %w", err))
		}
		var fallback rail.Adapter
		if ov.fallback != nil {
			fallback = &railAdapterBridge{a: ov.fallback}
		}
		registry.Register(currency, &railAdapterBridge{a: ov.primary}, fallback)
		logger.Info("rail override registered", "currency", currency, "rail", ov.primary.Rail())
	}

	// Money services.
	escrows := escrow.NewManager(db, cfg.FeeRate, logger)
	j := judge.New(judge.Config{
		ApproveThreshold: cfg.JudgeApproveThreshold,
		RejectThreshold:  cfg.JudgeRejectThreshold,
	})
	bounties := bounty.NewService(db, escrows, j, cfg.ClaimTTL, logger)
	pay := payments.NewService(db, rates, registry, bounties, escrows, logger)

	// MCP server.
	mcpSrv := mcp.New(db, pay, bounties, logger)

	// Rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
	}

	// Adapt route registrars from public takara.RouteRegistrar to the
	// internal server format.
	var extraRoutes []func(*http.ServeMux, server.RoleMiddlewareFn)
	for _, fn := range o.routeRegistrars {
		fn := fn // capture
		extraRoutes = append(extraRoutes, func(mux *http.ServeMux, roleFn server.RoleMiddlewareFn) {
			fn(mux, &authHelperImpl{roleFn: roleFn})
		})
	}

	// Adapt middlewares from takara.Middleware to func(http.Handler) http.Handler.
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		mw := mw // capture
		middlewares = append(middlewares, func(h http.Handler) http.Handler { return mw(h) })
	}

	// Create HTTP server.
	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Payments:            pay,
		Bounties:            bounties,
		Escrows:             escrows,
		Logger:              logger,
		Limiter:             limiter,
		Custodial:           custodial,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
	})

	// Seed operator agent.
	if err := srv.Handlers().SeedOperator(context.Background(), cfg.OperatorAPIKey); err != nil {
		_ = limiter.Close()
		return fail(fmt.Errorf("operator seed: %w", err))
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		pay:          pay,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the maintenance sweeper and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	go func() {
		if err := a.pay.RunSweeper(ctx, a.cfg.SweepInterval); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("sweeper stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains in-flight HTTP requests, then closes the rate limiter,
// OTEL provider, and database pool. Interrupted sweeper passes are safe to
// repeat on the next boot.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("takara shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("takara stopped")
	return nil
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// railAdapterBridge wraps a public takara.RailAdapter to satisfy rail.Adapter.
// It converts public boundary types to internal rail types.
type railAdapterBridge struct {
	a RailAdapter
}

func (b *railAdapterBridge) Rail() model.Rail { return model.Rail(b.a.Rail()) }

func (b *railAdapterBridge) CreateReceiveRequest(ctx context.Context, amountNative int64, agentID, memo string) (rail.ReceiveRequest, error) {
	rr, err := b.a.CreateReceiveRequest(ctx, amountNative, agentID, memo)
	if err != nil {
		return rail.ReceiveRequest{}, err
	}
	return rail.ReceiveRequest{
		Handle:      rr.Handle,
		ExternalRef: rr.ExternalRef,
		ExpiresAt:   rr.ExpiresAt,
	}, nil
}

func (b *railAdapterBridge) CheckReceiveStatus(ctx context.Context, externalRef string) (rail.Settlement, error) {
	s, err := b.a.CheckReceiveStatus(ctx, externalRef)
	if err != nil {
		return rail.Settlement{}, err
	}
	return rail.Settlement{
		Settled:      s.Settled,
		AmountNative: s.AmountNative,
		TxRef:        s.TxRef,
	}, nil
}

func (b *railAdapterBridge) SendPayment(ctx context.Context, destination string, amountNative int64) (rail.PaymentResult, error) {
	res, err := b.a.SendPayment(ctx, destination, amountNative)
	if err != nil {
		return rail.PaymentResult{}, err
	}
	return rail.PaymentResult{ProviderTxRef: res.ProviderTxRef}, nil
}

func (b *railAdapterBridge) Balance(ctx context.Context) (int64, error) {
	return b.a.Balance(ctx)
}

// authHelperImpl implements takara.AuthHelper using an internal
// server.RoleMiddlewareFn. Constructed in the route registrar adapter
// closure; bridges the public interface to the internal RBAC middleware
// without importing server from embedder code.
type authHelperImpl struct {
	roleFn server.RoleMiddlewareFn
}

func (a *authHelperImpl) RequireRole(role Role) func(http.Handler) http.Handler {
	return a.roleFn(model.AgentRole(role))
}
