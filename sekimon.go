// Package sekimon is an approval gate for sensitive actions. Agents and
// services request an action, a human reviewer approves or rejects it, and
// only approved tasks reach their executor. Every step lands in a
// tamper-evident security event log.
//
// Embedding:
//
//	app, err := sekimon.New(
//	    sekimon.WithExecutor("payments.refund", refund),
//	    sekimon.WithEventHook(pager),
//	)
//	if err != nil { ... }
//	err = app.Run(ctx)
//
// The root package imports internal/*, never the reverse. Public types in
// types.go are standalone; conversion helpers live in this package.
package sekimon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/sekimon/api"
	"github.com/ashita-ai/sekimon/internal/actions"
	"github.com/ashita-ai/sekimon/internal/anomaly"
	"github.com/ashita-ai/sekimon/internal/auth"
	"github.com/ashita-ai/sekimon/internal/config"
	"github.com/ashita-ai/sekimon/internal/dispatch"
	"github.com/ashita-ai/sekimon/internal/eventlog"
	"github.com/ashita-ai/sekimon/internal/gate"
	"github.com/ashita-ai/sekimon/internal/mcp"
	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/ratelimit"
	"github.com/ashita-ai/sekimon/internal/server"
	"github.com/ashita-ai/sekimon/internal/storage"
	"github.com/ashita-ai/sekimon/internal/storage/memstore"
	"github.com/ashita-ai/sekimon/internal/storage/sqlitestore"
	"github.com/ashita-ai/sekimon/internal/telemetry"
	"github.com/ashita-ai/sekimon/migrations"
)

const (
	// AdminPrincipalID is the principal seeded from SEKIMON_ADMIN_API_KEY.
	AdminPrincipalID = "admin"

	shutdownHTTPTimeout = 10 * time.Second
	rateLimitWindow     = time.Minute
)

// App is the sekimon server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg           config.Config
	store         storage.Store
	srv           *server.Server
	sweeper       *dispatch.Sweeper
	anomalyRunner *anomaly.Runner
	hooks         *hookRelay // nil when no hooks are registered
	limiters      []ratelimit.Limiter
	otelShutdown  telemetry.Shutdown
	logger        *slog.Logger
	version       string
}

// New initialises the sekimon server. It opens storage, runs migrations,
// validates the policy against the executor registry, wires all subsystems
// and returns a ready-to-run App. It does not start any goroutines or
// accept HTTP connections; call Run.
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

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.storage != "" {
		cfg.Storage = o.storage
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("sekimon starting", "version", version, "port", cfg.Port, "storage", cfg.Storage)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a := &App{cfg: cfg, otelShutdown: otelShutdown, logger: logger, version: version}
	if err := a.wire(ctx, o); err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

// wire builds every subsystem. On error the caller releases whatever was
// already assigned to a.
func (a *App) wire(ctx context.Context, o resolvedOptions) error {
	cfg, logger := a.cfg, a.logger

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.store = store

	policy, err := gate.NewPolicy(cfg.File.Policy.RequiresApprovalByDefault(),
		cfg.File.Policy.AutoApprove, cfg.File.Policy.RequireApproval)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	registry := dispatch.NewRegistry()
	if err := actions.Register(registry, cfg.BuiltinActions, cfg.File.Webhook, logger); err != nil {
		return err
	}
	for _, e := range o.executors {
		if err := registry.Register(e.action, dispatch.Executor(e.fn)); err != nil {
			return err
		}
	}
	if err := registry.Validate(policy, logger); err != nil {
		return err
	}
	logger.Info("executors registered", "actions", registry.Actions())

	principals, err := buildPrincipals(cfg)
	if err != nil {
		return err
	}
	directory, err := auth.NewDirectory(principals)
	if err != nil {
		return err
	}
	if len(principals) == 0 {
		logger.Warn("no principals configured; every API call will be rejected")
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	rules, err := anomaly.MergeRules(cfg.File.Anomaly.Rules)
	if err != nil {
		return fmt.Errorf("anomaly: %w", err)
	}

	events := eventlog.New(store, logger)
	detector := anomaly.NewDetector(events, rules, logger)
	a.anomalyRunner = anomaly.NewRunner(detector, cfg.AnomalyQueueSize, logger)
	events.Subscribe(a.anomalyRunner)

	broker := server.NewBroker(logger)
	events.Subscribe(broker)

	observers := taskObservers{a.anomalyRunner}
	if len(o.eventHooks) > 0 {
		a.hooks = newHookRelay(o.eventHooks, logger)
		events.Subscribe(a.hooks)
		observers = append(observers, a.hooks)
	}

	g := gate.New(store, events, policy, logger, gate.Config{
		AllowSelfApproval: cfg.AllowSelfApproval,
		Observer:          observers,
	})
	dispatcher := dispatch.NewDispatcher(store, events, registry, logger, dispatch.Config{
		DefaultTimeout: cfg.ExecuteTimeout,
		MaxTimeout:     cfg.ExecuteMaxTimeout,
		Observer:       observers,
	})
	a.sweeper = dispatch.NewSweeper(store, events, logger, dispatch.SweeperConfig{
		Grace:    cfg.ReconcileGrace,
		Interval: cfg.ReconcileInterval,
		Observer: observers,
	})

	createLimiter := newLimiter(cfg.CreateRateLimit)
	authLimiter := newLimiter(cfg.AuthRateLimit)
	a.limiters = []ratelimit.Limiter{createLimiter, authLimiter}
	logger.Info("rate limiting",
		"create_per_minute", cfg.CreateRateLimit,
		"auth_per_minute", cfg.AuthRateLimit)

	mcpSrv := mcp.New(g, dispatcher, logger, a.version)

	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	a.srv = server.New(server.ServerConfig{
		Gate:                g,
		Dispatcher:          dispatcher,
		Events:              events,
		JWTMgr:              jwtMgr,
		Directory:           directory,
		Store:               store,
		Logger:              logger,
		Broker:              broker,
		MCPServer:           mcpSrv.MCPServer(),
		CreateLimiter:       createLimiter,
		AuthLimiter:         authLimiter,
		Middlewares:         middlewares,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             a.version,
		StorageName:         cfg.Storage,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})
	return nil
}

// Handler returns the root HTTP handler, for serving the API on a listener
// the caller owns or for tests. Background services only run under Run.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the HTTP server and background services (reconciliation
// sweeper, anomaly runner, event hook delivery), then blocks until ctx is
// canceled or a service fails. Resources are released before Run returns.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		httpCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownHTTPTimeout)
		defer cancel()
		if err := a.srv.Shutdown(httpCtx); err != nil {
			a.logger.Error("http shutdown error", "error", err)
		}
		return nil
	})
	g.Go(func() error { return a.sweeper.Run(gctx) })
	g.Go(func() error { return a.anomalyRunner.Run(gctx) })
	if a.hooks != nil {
		g.Go(func() error { return a.hooks.Run(gctx) })
	}

	err := g.Wait()
	a.logger.Info("sekimon shutting down")
	a.close(context.Background())
	a.logger.Info("sekimon stopped")
	return err
}

// close releases storage, limiters and the OTEL providers. It tolerates a
// partially wired App.
func (a *App) close(ctx context.Context) {
	for _, l := range a.limiters {
		_ = l.Close()
	}
	if a.store != nil {
		a.store.Close(ctx)
	}
	if a.otelShutdown != nil {
		if err := a.otelShutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown failed", "error", err)
		}
	}
}

// openStore opens the configured backend and brings its schema up to date.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage {
	case config.StoragePostgres:
		db, err := storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close(ctx)
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return db, nil
	case config.StorageSQLite:
		return sqlitestore.Open(ctx, cfg.SQLitePath, logger)
	case config.StorageMemory:
		logger.Warn("memory storage: tasks and security events are lost on restart")
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
}

// buildPrincipals merges the file-configured principals with the admin
// bootstrap principal.
func buildPrincipals(cfg config.Config) ([]model.Principal, error) {
	principals := append([]model.Principal(nil), cfg.File.Principals...)
	if cfg.AdminAPIKey == "" {
		return principals, nil
	}
	hash, err := auth.HashAPIKey(cfg.AdminAPIKey)
	if err != nil {
		return nil, fmt.Errorf("admin principal: %w", err)
	}
	return append(principals, model.Principal{
		ID:         AdminPrincipalID,
		Role:       model.RoleAdmin,
		APIKeyHash: hash,
	}), nil
}

func newLimiter(perMinute int) ratelimit.Limiter {
	if perMinute <= 0 {
		return ratelimit.NoopLimiter{}
	}
	return ratelimit.NewMemoryLimiter(perMinute, rateLimitWindow)
}
