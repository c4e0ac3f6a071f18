package serverapp

import (
	"context"
	"fmt"
	"log/slog"

	"schemarest/internal/acl"
	"schemarest/internal/crud"
	"schemarest/internal/introspection"
	"schemarest/internal/middleware"
	"schemarest/internal/schemafilter"
	"schemarest/internal/storage"
)

// Init initializes all runtime resources. It is idempotent.
func (a *App) Init(ctx context.Context) error {
	a.stateMu.Lock()
	if a.initialized {
		a.stateMu.Unlock()
		return nil
	}
	enforcer := a.enforcer
	hooks := a.hooks
	a.stateMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if enforcer == nil {
		enforcer = acl.NewEnforcer(nil)
	}
	if hooks == nil {
		hooks = middleware.NewRegistry()
	}

	cleanup := cleanupStack{}
	success := false
	defer func() {
		if !success {
			cleanup.run(context.Background(), a.logger)
		}
	}()

	if a.loggerProvider != nil {
		cleanup.push("logger provider", func(shutdownCtx context.Context) error {
			return a.loggerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	tracerProvider, err := initTracing(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry tracing: %w", err)
	}
	if tracerProvider != nil {
		cleanup.push("tracer provider", func(shutdownCtx context.Context) error {
			return tracerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	a.logger.Info("connecting to database",
		slog.String("host", a.cfg.Database.Host),
		slog.Int("port", a.cfg.Database.Port),
		slog.String("database_effective", a.effectiveDatabase),
		slog.Bool("dsn_present", a.dsnPresent),
	)

	db, err := connectDB(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	cleanup.push("database", func(_ context.Context) error {
		return db.Close()
	})

	if err := configureDatabase(ctx, a.cfg, a.logger, db, a.effectiveDatabase); err != nil {
		return fmt.Errorf("failed to verify database connection: %w", err)
	}

	schema, err := introspection.Introspect(ctx, db, a.effectiveDatabase)
	if err != nil {
		return fmt.Errorf("failed to introspect database schema: %w", err)
	}
	schemafilter.Apply(schema, a.cfg.SchemaFilters)
	provider := introspection.NewProvider(schema)
	a.logger.Info("schema introspected",
		slog.String("database", a.effectiveDatabase),
		slog.Int("entities", len(schema.Entities)),
	)

	store := storage.NewSQLStore(db, provider)
	engine := crud.NewEngine(provider, enforcer, store, hooks, crud.Options{
		MaxLimit:     a.cfg.Engine.MaxLimit,
		DefaultLimit: a.cfg.Engine.DefaultLimit,
		MaxDepth:     a.cfg.Engine.MaxNestingDepth,
		BatchTimeout: a.cfg.Engine.BatchTxTimeout,
		Logger:       a.logger.Logger,
	})

	srv, serverAddr, err := buildServer(a.cfg, a.logger, engine, provider, db)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}
	cleanup.push("HTTP server", func(shutdownCtx context.Context) error {
		return srv.Shutdown(shutdownCtx)
	})

	a.stateMu.Lock()
	a.tracerProvider = tracerProvider
	a.db = db
	a.provider = provider
	a.enforcer = enforcer
	a.hooks = hooks
	a.engine = engine
	a.serverAddr = serverAddr
	a.srv = srv
	a.cleanup = cleanup
	a.initialized = true
	a.stateMu.Unlock()

	success = true
	return nil
}
