package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
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
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("TAKARA_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("takara starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	// Run migrations (dev mode only; production applies them out of band).
	// RunMigrations tracks applied files in schema_migrations and skips
	// duplicates, so errors here indicate real failures.
	if err := db.RunMigrations(ctx, os.DirFS("migrations")); err != nil {
		slog.Warn("migrations failed", "error", err)
	}

	// Verify the ledger schema exists after migration. Without it every money
	// operation fails; catch a silently broken migration run early.
	var schemaOK bool
	if err := db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'ledger_entries')`,
	).Scan(&schemaOK); err != nil {
		return fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		return fmt.Errorf("critical table 'ledger_entries' does not exist after migration")
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Unit conversion policy.
	rates, err := rate.NewConverter(cfg.SatsPerUSD)
	if err != nil {
		return fmt.Errorf("rate: %w", err)
	}

	// Build rail adapters and the per-currency registry. Unconfigured rails
	// still register; they refuse calls with ErrNotConfigured at runtime so
	// deployments can enable rails one at a time.
	registry := newRailRegistry(cfg, db, logger)
	custodialAdapter := rail.NewCustodial(rail.CustodialConfig{
		BaseURL:       cfg.CustodialBaseURL,
		MerchantKey:   cfg.CustodialMerchantKey,
		WebhookSecret: cfg.CustodialWebhookSecret,
		CallbackURL:   cfg.CustodialCallbackURL,
	}, logger)
	registry.Register(model.CurrencyUSDT, custodialAdapter, nil)

	// Money services.
	escrows := escrow.NewManager(db, cfg.FeeRate, logger)
	j := judge.New(judge.Config{
		ApproveThreshold: cfg.JudgeApproveThreshold,
		RejectThreshold:  cfg.JudgeRejectThreshold,
	})
	bounties := bounty.NewService(db, escrows, j, cfg.ClaimTTL, logger)
	pay := payments.NewService(db, rates, registry, bounties, escrows, logger)

	// Create MCP server.
	mcpSrv := mcp.New(db, pay, bounties, logger)

	// Create rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// Create and start HTTP server (MCP mounted at /mcp).
	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Payments:            pay,
		Bounties:            bounties,
		Escrows:             escrows,
		Logger:              logger,
		Limiter:             limiter,
		Custodial:           custodialAdapter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Seed operator agent.
	if err := srv.Handlers().SeedOperator(ctx, cfg.OperatorAPIKey); err != nil {
		slog.Warn("operator seed failed", "error", err)
	}

	// Start the maintenance sweeper (deposit settlement polling, expiry,
	// claim release, idempotency cleanup).
	go func() {
		if err := pay.RunSweeper(ctx, cfg.SweepInterval); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sweeper stopped", "error", err)
		}
	}()

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting new HTTP requests and drain in-flight
	// ones. The sweeper exits with ctx; interrupted passes are safe to repeat
	// on the next boot.
	slog.Info("takara shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	slog.Info("takara stopped")
	return nil
}

// newRailRegistry wires the configured rail adapters to the currencies they
// settle. Fallbacks share the primary's settlement class: a deposit created
// on the fallback still reconciles in the same native unit.
//
//   - BTC_LIGHTNING: ZBD-style Lightning invoices, Cashu-style mint quotes as
//     fallback (both millisats).
//   - USDC: Circle-style programmable wallet transfers, x402-style relayed
//     payments as fallback (both 6-decimal EVM units).
//   - USDT: OxaPay-style custodial invoices on TRON, registered by the caller
//     so the webhook route can share the adapter.
//
// On-chain BTC has no adapter in this deployment; deposits in that currency
// report the rail as unavailable.
func newRailRegistry(cfg config.Config, db *storage.DB, logger *slog.Logger) *payments.Registry {
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

	return registry
}
