// Package gateway assembles the payment-gated MCP proxy for standalone
// serving or embedding into an existing chi router.
package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ToolGate/gateway/internal/accounts"
	"github.com/ToolGate/gateway/internal/cdp"
	"github.com/ToolGate/gateway/internal/circuitbreaker"
	"github.com/ToolGate/gateway/internal/config"
	"github.com/ToolGate/gateway/internal/dbpool"
	"github.com/ToolGate/gateway/internal/facilitator"
	"github.com/ToolGate/gateway/internal/httpserver"
	"github.com/ToolGate/gateway/internal/idempotency"
	"github.com/ToolGate/gateway/internal/lifecycle"
	"github.com/ToolGate/gateway/internal/logger"
	"github.com/ToolGate/gateway/internal/metrics"
	"github.com/ToolGate/gateway/internal/payments"
	"github.com/ToolGate/gateway/internal/ping"
	"github.com/ToolGate/gateway/internal/registry"
	"github.com/ToolGate/gateway/internal/signing"
	"github.com/ToolGate/gateway/internal/storage"
	"github.com/ToolGate/gateway/internal/upstream"
	"github.com/ToolGate/gateway/internal/webhooks"
)

// App wires the gateway components for reuse or standalone serving.
type App struct {
	Config           *config.Config
	Store            storage.Store
	Registry         registry.Repository
	Pool             *upstream.Pool
	Payments         *payments.Service
	Keys             accounts.KeyStore
	IdempotencyStore *idempotency.MemoryStore

	server           *httpserver.Server
	router           chi.Router
	logger           zerolog.Logger
	metricsCollector *metrics.Metrics
	resources        *lifecycle.Manager
	stopBackground   context.CancelFunc
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store        storage.Store
	repo         registry.Repository
	keys         accounts.KeyStore
	fac          payments.Facilitator
	signer       payments.Signer
	promRegistry prometheus.Registerer
	router       chi.Router
}

// WithStore sets a custom payment store backend.
func WithStore(store storage.Store) Option {
	return func(o *options) { o.store = store }
}

// WithRegistry sets a custom tool/server catalog backend.
func WithRegistry(repo registry.Repository) Option {
	return func(o *options) { o.repo = repo }
}

// WithKeyStore sets a custom API key store.
func WithKeyStore(keys accounts.KeyStore) Option {
	return func(o *options) { o.keys = keys }
}

// WithFacilitator injects a custom facilitator client (tests, private
// facilitator deployments).
func WithFacilitator(fac payments.Facilitator) Option {
	return func(o *options) { o.fac = fac }
}

// WithSigner injects a payment signer for the auto-sign path.
func WithSigner(signer payments.Signer) Option {
	return func(o *options) { o.signer = signer }
}

// WithMetricsRegistry sets the Prometheus registry metrics register on.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(o *options) { o.promRegistry = reg }
}

// WithRouter registers gateway routes onto an existing chi.Router instead of
// a private one.
func WithRouter(router chi.Router) Option {
	return func(o *options) { o.router = router }
}

// NewApp assembles the gateway from configuration. Background services
// (janitor, webhook worker, archival) start immediately; Close stops them and
// releases every owned resource.
func NewApp(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("gateway: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "toolgate-gateway",
		Environment: cfg.Logging.Environment,
	})

	app := &App{
		Config:    cfg,
		logger:    appLogger,
		resources: lifecycle.NewManager(),
	}

	promRegistry := optState.promRegistry
	if promRegistry == nil {
		promRegistry = prometheus.DefaultRegisterer
	}
	app.metricsCollector = metrics.New(promRegistry)

	breaker := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)

	// One shared Postgres pool backs the payment store, the catalog, and the
	// account store when they all live in the same database.
	var sharedPool *dbpool.SharedPool
	if cfg.Storage.PostgresURL != "" && (cfg.Storage.Backend == "" || cfg.Storage.Backend == "postgres") {
		pool, err := dbpool.NewSharedPool(cfg.Storage.PostgresURL, cfg.Storage.PostgresPool)
		if err != nil {
			return nil, fmt.Errorf("shared postgres pool: %w", err)
		}
		sharedPool = pool
		app.resources.Register("postgres-pool", pool)
	}

	if err := app.initStorage(cfg, &optState, sharedPool); err != nil {
		return nil, err
	}
	if err := app.initRegistry(cfg, &optState, sharedPool); err != nil {
		return nil, err
	}
	accountStore, err := app.initAccounts(cfg, &optState, sharedPool)
	if err != nil {
		return nil, err
	}

	fac := optState.fac
	if fac == nil {
		fac = facilitator.NewClient(cfg.Facilitator.URL, cfg.Facilitator.Timeout.Duration, breaker)
	}

	signer := optState.signer
	if signer == nil && cfg.Wallet.Enabled {
		built, err := buildSigner(cfg, accountStore, breaker)
		if err != nil {
			return nil, err
		}
		signer = built
	}

	app.Pool = upstream.NewPool(
		upstream.WithIdleTimeout(cfg.Upstream.IdleTimeout.Duration),
		upstream.WithMaxInFlight(cfg.Upstream.MaxInFlight),
		upstream.WithMetrics(app.metricsCollector),
	)
	app.resources.RegisterFunc("upstream-pool", func() error {
		app.Pool.Close()
		return nil
	})

	maxTimeout := int(cfg.Payments.DefaultMaxTimeout.Duration.Seconds())
	paymentsOpts := []payments.Option{payments.WithMetrics(app.metricsCollector)}
	if signer != nil {
		paymentsOpts = append(paymentsOpts, payments.WithSigner(signer))
	}
	app.Payments = payments.NewService(app.Store, fac, app.Registry, payments.Config{
		PublicBase:        cfg.Server.PublicBaseURL,
		PreferredNetwork:  cfg.Payments.PreferredMainnet,
		MaxTimeoutSeconds: maxTimeout,
	}, paymentsOpts...)

	app.IdempotencyStore = idempotency.NewMemoryStore()
	app.resources.RegisterFunc("idempotency-store", func() error {
		app.IdempotencyStore.Stop()
		return nil
	})

	app.startBackground(cfg, maxTimeout)

	pingSvc := ping.NewService(app.Registry, app.Store, app.Pool,
		ping.WithProbeTimeout(cfg.Upstream.PingProbeTimeout.Duration))

	deps := httpserver.Deps{
		Config:           cfg,
		Payments:         app.Payments,
		Registry:         app.Registry,
		Pool:             app.Pool,
		Ping:             pingSvc,
		Store:            app.Store,
		Keys:             app.Keys,
		Breaker:          breaker,
		IdempotencyStore: app.IdempotencyStore,
		Metrics:          app.metricsCollector,
		Logger:           appLogger,
	}

	if optState.router != nil {
		app.router = optState.router
		httpserver.ConfigureRouter(app.router, deps)
	} else {
		app.server = httpserver.New(deps)
	}

	return app, nil
}

func (a *App) initStorage(cfg *config.Config, optState *options, sharedPool *dbpool.SharedPool) error {
	if optState.store != nil {
		a.Store = optState.store
		return nil
	}

	storeCfg := storage.StoreConfig{
		Backend:               cfg.Storage.Backend,
		PostgresURL:           cfg.Storage.PostgresURL,
		MongoDBURL:            cfg.Storage.MongoDBURL,
		MongoDBDatabase:       cfg.Storage.MongoDBDatabase,
		PostgresPool:          cfg.Storage.PostgresPool,
		QueryTimeout:          cfg.Storage.QueryTimeout.Duration,
		PaymentsTableName:     cfg.Storage.SchemaMapping.Payments.TableName,
		ProofsTableName:       cfg.Storage.SchemaMapping.Proofs.TableName,
		WebhookQueueTableName: cfg.Storage.SchemaMapping.WebhookQueue.TableName,
	}

	var sharedDB *sql.DB
	if sharedPool != nil {
		sharedDB = sharedPool.DB()
	}
	store, err := storage.NewStoreWithDB(storeCfg, sharedDB)
	if err != nil {
		return fmt.Errorf("payment store: %w", err)
	}
	a.Store = store
	if sharedPool == nil {
		a.resources.Register("payment-store", store)
	}

	if _, ok := store.(*storage.MemoryStore); ok {
		a.logger.Warn().Msg("gateway: in-memory payment store loses replay protection on restart")
	}
	return nil
}

func (a *App) initRegistry(cfg *config.Config, optState *options, sharedPool *dbpool.SharedPool) error {
	if optState.repo != nil {
		a.Registry = optState.repo
		return nil
	}

	var repo registry.Repository
	switch {
	case sharedPool != nil:
		pg, err := registry.NewPostgresRepositoryWithDB(sharedPool.DB())
		if err != nil {
			return fmt.Errorf("catalog repository: %w", err)
		}
		repo = pg
	default:
		repo = registry.NewMemoryRepository()
	}

	if ttl := cfg.Registry.CacheTTL.Duration; ttl > 0 {
		repo = registry.NewCachedRepository(repo, ttl)
	}
	a.Registry = repo
	if sharedPool == nil {
		a.resources.RegisterFunc("catalog-repository", repo.Close)
	}
	return nil
}

// initAccounts wires the API key and wallet stores. Static config keys serve
// deployments without an account database.
func (a *App) initAccounts(cfg *config.Config, optState *options, sharedPool *dbpool.SharedPool) (accounts.WalletStore, error) {
	if optState.keys != nil {
		a.Keys = optState.keys
		if wallets, ok := optState.keys.(accounts.WalletStore); ok {
			return wallets, nil
		}
		return nil, nil
	}

	if sharedPool != nil {
		store, err := accounts.NewPostgresStoreWithDB(sharedPool.DB())
		if err != nil {
			return nil, fmt.Errorf("account store: %w", err)
		}
		a.Keys = store
		return store, nil
	}

	mem := accounts.NewMemoryStore()
	for hash, userID := range cfg.APIKey.StaticKeys {
		mem.AddKey(accounts.APIKey{
			ID:      "key_static_" + hash[:8],
			UserID:  userID,
			KeyHash: hash,
			Active:  true,
		})
	}
	a.Keys = mem
	return mem, nil
}

// buildSigner assembles the managed-wallet auto-sign path from the wallet
// provider configuration.
func buildSigner(cfg *config.Config, wallets accounts.WalletStore, breaker *circuitbreaker.Manager) (payments.Signer, error) {
	if wallets == nil {
		return nil, errors.New("gateway: wallet provider enabled but no wallet store available")
	}
	auth, err := cdp.NewAuth(cfg.Wallet.APIKeyID, cfg.Wallet.APIKeySecret, cfg.Wallet.WalletSecret)
	if err != nil {
		return nil, fmt.Errorf("wallet provider auth: %w", err)
	}
	client := cdp.NewClient(auth,
		cdp.WithBaseURL(cfg.Wallet.BaseURL),
		cdp.WithBreaker(breaker),
	)
	return signing.NewSelector(signing.NewManagedWalletStrategy(wallets, client)), nil
}

// startBackground launches the janitor, the webhook worker, and the archival
// sweep. All stop through Close.
func (a *App) startBackground(cfg *config.Config, maxTimeoutSeconds int) {
	ctx, cancel := context.WithCancel(context.Background())
	a.stopBackground = cancel

	janitor := payments.NewJanitor(a.Store, a.metricsCollector,
		cfg.Payments.JanitorInterval.Duration, maxTimeoutSeconds)
	go janitor.Run(ctx)

	if cfg.Webhooks.Enabled {
		worker := webhooks.NewWorker(webhooks.WorkerOptions{
			Store:    a.Store,
			Registry: a.Registry,
			Logger:   a.logger,
			Metrics:  a.metricsCollector,
			Retry: webhooks.RetryConfig{
				MaxAttempts:     cfg.Webhooks.Retry.MaxAttempts,
				InitialInterval: cfg.Webhooks.Retry.InitialInterval.Duration,
				MaxInterval:     cfg.Webhooks.Retry.MaxInterval.Duration,
				Multiplier:      cfg.Webhooks.Retry.Multiplier,
				Timeout:         cfg.Webhooks.Timeout.Duration,
			},
		})
		worker.Start(ctx)
		a.resources.RegisterFunc("webhook-worker", func() error {
			worker.Stop()
			return nil
		})
	}

	if retention := cfg.Payments.SettlementRetention.Duration; retention > 0 {
		archival := storage.NewArchivalService(a.Store, storage.ArchivalConfig{
			Enabled:         true,
			RetentionPeriod: retention,
			RunInterval:     cfg.Payments.ArchivalInterval.Duration,
		}, a.metricsCollector, a.logger)
		archival.Start()
		a.resources.RegisterFunc("archival", func() error {
			archival.Stop()
			return nil
		})
	}
}

// Router returns the router gateway routes were registered on. Nil unless
// WithRouter was used.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the embedded router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// ListenAndServe starts the standalone HTTP server. It returns an error when
// the app was built with WithRouter.
func (a *App) ListenAndServe() error {
	if a.server == nil {
		return errors.New("gateway: app built with WithRouter, serve it from the parent router")
	}
	a.logger.Info().Str("address", a.Config.Server.Address).Msg("gateway listening")
	return a.server.ListenAndServe()
}

// Shutdown gracefully stops the standalone HTTP server.
func (a *App) Shutdown(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

// Close stops background services and releases owned resources. Safe to call
// after Shutdown.
func (a *App) Close() error {
	if a.stopBackground != nil {
		a.stopBackground()
	}
	return a.resources.Close()
}

// Config is an exported alias of the internal configuration struct for
// embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for embedding consumers.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
