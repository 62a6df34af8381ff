// Package httpserver wires the gateway's HTTP surface: the MCP proxy, the
// payment validation endpoint, the ping ingestor, and the catalog API.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ToolGate/gateway/internal/accounts"
	"github.com/ToolGate/gateway/internal/apikey"
	"github.com/ToolGate/gateway/internal/circuitbreaker"
	"github.com/ToolGate/gateway/internal/config"
	"github.com/ToolGate/gateway/internal/idempotency"
	"github.com/ToolGate/gateway/internal/logger"
	"github.com/ToolGate/gateway/internal/metrics"
	"github.com/ToolGate/gateway/internal/payments"
	"github.com/ToolGate/gateway/internal/ping"
	"github.com/ToolGate/gateway/internal/ratelimit"
	"github.com/ToolGate/gateway/internal/registry"
	"github.com/ToolGate/gateway/internal/storage"
	"github.com/ToolGate/gateway/internal/upstream"
	"github.com/ToolGate/gateway/internal/versioning"
)

var serverStartTime = time.Now()

// Deps carries everything the handlers need.
type Deps struct {
	Config           *config.Config
	Payments         *payments.Service
	Registry         registry.Repository
	Pool             *upstream.Pool
	Ping             *ping.Service
	Store            storage.Store
	Keys             accounts.KeyStore
	Breaker          *circuitbreaker.Manager
	IdempotencyStore idempotency.Store
	Metrics          *metrics.Metrics
	Logger           zerolog.Logger
}

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg      *config.Config
	payments *payments.Service
	registry registry.Repository
	pool     *upstream.Pool
	ping     *ping.Service
	store    storage.Store
	breaker  *circuitbreaker.Manager
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// New builds the HTTP server with the configured router.
func New(deps Deps) *Server {
	router := chi.NewRouter()
	ConfigureRouter(router, deps)

	return &Server{
		handlers: newHandlers(deps),
		httpServer: &http.Server{
			Addr:         deps.Config.Server.Address,
			ReadTimeout:  deps.Config.Server.ReadTimeout.Duration,
			WriteTimeout: deps.Config.Server.WriteTimeout.Duration,
			IdleTimeout:  deps.Config.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}
}

func newHandlers(deps Deps) handlers {
	return handlers{
		cfg:      deps.Config,
		payments: deps.Payments,
		registry: deps.Registry,
		pool:     deps.Pool,
		ping:     deps.Ping,
		store:    deps.Store,
		breaker:  deps.Breaker,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
	}
}

// ConfigureRouter attaches gateway routes to an existing router.
func ConfigureRouter(router chi.Router, deps Deps) {
	if router == nil {
		return
	}
	cfg := deps.Config
	handler := newHandlers(deps)

	corsOrigins := cfg.Server.CORSAllowedOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-API-KEY", "X-PAYMENT", "Mcp-Session-Id"},
		ExposedHeaders:   []string{"X-PAYMENT-RESPONSE", "Content-Length", "Mcp-Session-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}).Handler)

	router.Use(securityHeadersMiddleware)
	router.Use(logger.Middleware(deps.Logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(versioning.Negotiation)
	router.Use(apikey.Middleware(deps.Keys))

	rateLimitCfg := ratelimit.Config{
		GlobalEnabled: cfg.RateLimit.GlobalEnabled,
		GlobalLimit:   cfg.RateLimit.GlobalLimit,
		GlobalWindow:  cfg.RateLimit.GlobalWindow.Duration,
		PerKeyEnabled: cfg.RateLimit.PerKeyEnabled,
		PerKeyLimit:   cfg.RateLimit.PerKeyLimit,
		PerKeyWindow:  cfg.RateLimit.PerKeyWindow.Duration,
		PerIPEnabled:  cfg.RateLimit.PerIPEnabled,
		PerIPLimit:    cfg.RateLimit.PerIPLimit,
		PerIPWindow:   cfg.RateLimit.PerIPWindow.Duration,
		Metrics:       deps.Metrics,
	}
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.KeyLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	prefix := cfg.Server.RoutePrefix

	// Lightweight endpoints: health, version, metrics, catalog reads.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/health", handler.health)
		r.Get(prefix+"/version", handler.version)
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).Handle(prefix+"/metrics", promhttp.Handler())

		r.Post(prefix+"/validate", handler.validatePayment)
		r.Get(prefix+"/api/servers/find", handler.findServer)

		// Webhook queue management, behind the same bearer auth as /metrics.
		r.Route(prefix+"/admin/webhooks", func(r chi.Router) {
			r.Use(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey))
			r.Get("/", handler.listWebhooks)
			r.Get("/{webhookID}", handler.getWebhook)
			r.Post("/{webhookID}/retry", handler.retryWebhook)
			r.Delete("/{webhookID}", handler.deleteWebhook)
		})
	})

	idempotencyMW := idempotency.Middleware(deps.IdempotencyStore, idempotency.DefaultTTL)

	// Catalog mutations: API key required, idempotent on registration.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))
		r.Use(apikey.Require)
		r.With(idempotencyMW).Post(prefix+"/api/servers", handler.createServer)
		r.Post(prefix+"/api/servers/{serverID}/tools", handler.setToolPricing)
		r.With(idempotencyMW).Post(prefix+"/ping", handler.handlePing)
	})

	// Proxy: long timeout to cover the upstream call plus settlement.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(90 * time.Second))
		r.Post(prefix+"/mcp/{serverID}", handler.proxyMCP)
		r.Get(prefix+"/mcp/{serverID}", handler.relayNotifications)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
