// Package serverapp owns the server lifecycle: resource acquisition in Init,
// the serving loop in Start/WaitForStop, and LIFO teardown in Shutdown.
package serverapp

import (
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"schemarest/internal/acl"
	"schemarest/internal/config"
	"schemarest/internal/crud"
	"schemarest/internal/introspection"
	"schemarest/internal/logging"
	"schemarest/internal/middleware"
	"schemarest/internal/observability"
)

// App owns runtime resources for the schemarest server lifecycle.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	loggerProvider *observability.LoggerProvider
	tracerProvider *observability.TracerProvider

	effectiveDatabase string
	dsnPresent        bool

	db       *sql.DB
	provider *introspection.Provider
	enforcer *acl.Enforcer
	hooks    *middleware.Registry
	engine   *crud.Engine

	serverAddr string
	srv        *http.Server

	cleanup cleanupStack

	stateMu      sync.Mutex
	initialized  bool
	started      bool
	serverErrors chan error

	shutdownOnce sync.Once
}

// New creates an App lifecycle wrapper.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	effectiveDatabase, err := cfg.Database.EffectiveDatabaseName()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve effective database configuration: %w", err)
	}

	return &App{
		cfg:               cfg,
		logger:            logger,
		effectiveDatabase: effectiveDatabase,
		dsnPresent:        strings.TrimSpace(cfg.Database.ConnectionString) != "",
	}, nil
}

// AttachLoggerProvider registers an optional logger provider for shutdown cleanup.
func (a *App) AttachLoggerProvider(provider *observability.LoggerProvider) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.loggerProvider = provider
}

// Hooks exposes the engine's hook registry so callers can register handlers
// before the server starts.
func (a *App) Hooks() *middleware.Registry {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if a.hooks == nil {
		a.hooks = middleware.NewRegistry()
	}
	return a.hooks
}

// RegisterACLRules installs the per-entity access rules the engine enforces.
// Must be called before Init.
func (a *App) RegisterACLRules(rules map[string]acl.Rule) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.enforcer = acl.NewEnforcer(rules)
}
