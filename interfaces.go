package takara

import (
	"context"
	"net/http"
)

// RailAdapter is a payment rail implementation supplied by an embedder.
// When registered via WithRailAdapter it replaces (or backs up) the built-in
// adapter for a currency. Native units are the adapter's own; the registered
// currency determines how USD cents convert to them.
//
// Adapters signal conditions with the package sentinel errors
// (ErrRailUnavailable, ErrRailNotConfigured, ...) so the orchestrator's
// fallback and error mapping behave the same as for built-in rails.
type RailAdapter interface {
	// Rail identifies this adapter for dispatch and persistence. It must be
	// unique across all registered adapters.
	Rail() string

	// CreateReceiveRequest asks the provider for a way to receive
	// amountNative. The memo is shown to the payer where supported.
	CreateReceiveRequest(ctx context.Context, amountNative int64, agentID, memo string) (ReceiveRequest, error)

	// CheckReceiveStatus reports whether the receive request settled.
	// Safe to call repeatedly.
	CheckReceiveStatus(ctx context.Context, externalRef string) (Settlement, error)

	// SendPayment pays amountNative to destination.
	SendPayment(ctx context.Context, destination string, amountNative int64) (PaymentResult, error)

	// Balance reports the provider-side wallet balance in native units.
	Balance(ctx context.Context) (int64, error)
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Embedder routes share the mux, auth chain, and OTEL instrumentation with
// built-in routes. The function is called once during New() after all
// built-in routes are registered.
type RouteRegistrar func(mux *http.ServeMux, auth AuthHelper)

// AuthHelper provides RBAC middleware for use in RouteRegistrar.
// It wraps the server's role middleware so embedder routes use the same
// auth chain without depending on internal/server directly.
type AuthHelper interface {
	RequireRole(role Role) func(http.Handler) http.Handler
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including
// /health and webhooks. Multiple middlewares are applied in registration
// order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
