// Package crud orchestrates the seven data operations: list, get, create,
// update, upsert, batch upsert, delete and count. Each operation runs the
// same pipeline: before-hook, permission gate, transform/build plan, execute,
// after-hook.
package crud

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"schemarest/internal/acl"
	"schemarest/internal/filter"
	"schemarest/internal/introspection"
	"schemarest/internal/middleware"
	"schemarest/internal/mutation"
	"schemarest/internal/plan"
	"schemarest/internal/storage"
)

// Defaults for the engine's tunables.
const (
	DefaultMaxLimit     = 1000
	DefaultLimit        = 50
	DefaultBatchTimeout = 30 * time.Second
)

// Options tunes an Engine. Zero values select the defaults.
type Options struct {
	MaxLimit     int
	DefaultLimit int
	MaxDepth     int
	BatchTimeout time.Duration
	Logger       *slog.Logger
}

// Engine sequences the collaborators for every operation. It holds no
// per-request state; one Engine serves all requests concurrently.
type Engine struct {
	provider    *introspection.Provider
	enforcer    *acl.Enforcer
	store       storage.Store
	hooks       *middleware.Registry
	parser      *filter.Parser
	includes    *plan.Resolver
	selection   *plan.Compiler
	transformer *mutation.Transformer
	logger      *slog.Logger

	maxLimit     int
	defaultLimit int
	batchTimeout time.Duration
}

// NewEngine wires an Engine over its collaborators.
func NewEngine(provider *introspection.Provider, enforcer *acl.Enforcer, store storage.Store, hooks *middleware.Registry, opts Options) *Engine {
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = DefaultMaxLimit
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = DefaultLimit
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = DefaultBatchTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if hooks == nil {
		hooks = middleware.NewRegistry()
	}
	return &Engine{
		provider:     provider,
		enforcer:     enforcer,
		store:        store,
		hooks:        hooks,
		parser:       filter.NewParser(provider),
		includes:     plan.NewResolver(provider, enforcer),
		selection:    plan.NewCompiler(provider, enforcer),
		transformer:  mutation.NewTransformer(provider, enforcer, opts.MaxDepth),
		logger:       opts.Logger,
		maxLimit:     opts.MaxLimit,
		defaultLimit: opts.DefaultLimit,
		batchTimeout: opts.BatchTimeout,
	}
}

// buildReadPlan assembles the query plan shared by list, get and count: the
// parsed filter merged with the principal's access filter, the include or
// selection tree, omissions, sort and pagination.
func (e *Engine) buildReadPlan(entity string, params *Params, principal *acl.Principal, decision acl.Decision) (*plan.Plan, error) {
	where, err := e.parser.Parse(entity, params.Filter)
	if err != nil {
		return nil, err
	}
	where = filter.MergeAnd(where, decision.Where())

	includes, err := e.includes.ResolveIncludes(entity, params.Include, principal, params.RelationFilters)
	if err != nil {
		return nil, err
	}
	selection, err := e.selection.CompileSelect(entity, params.Fields, includes, principal)
	if err != nil {
		return nil, err
	}

	p := &plan.Plan{
		Where:   where,
		Include: includes,
		Omit:    e.enforcer.OmitFields(entity, principal),
	}
	if selection != nil {
		p.Select = selection
		p.Include = nil
	}

	order, err := plan.ValidateSort(e.provider, entity, params.SortBy, params.SortOrder)
	if err != nil {
		return nil, err
	}
	if order != nil {
		p.OrderBy = []plan.OrderTerm{*order}
	}

	if params.Limit != nil {
		take, err := plan.ClampTake(*params.Limit, e.maxLimit)
		if err != nil {
			return nil, err
		}
		p.Take = take
	} else {
		p.Take = e.defaultLimit
	}
	p.Skip = params.Offset
	return p, nil
}

func (e *Engine) opSpan(ctx context.Context, op middleware.Operation, entity string) (context.Context, trace.Span) {
	tracer := otel.Tracer("schemarest/crud")
	return tracer.Start(ctx, "crud."+string(op), trace.WithAttributes(
		attribute.String("crud.entity", entity),
		attribute.String("crud.operation", string(op)),
	))
}

func recordOpError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
