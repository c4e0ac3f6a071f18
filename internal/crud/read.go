package crud

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"schemarest/internal/acl"
	"schemarest/internal/apperr"
	"schemarest/internal/filter"
	"schemarest/internal/logging"
	"schemarest/internal/middleware"
	"schemarest/internal/plan"
)

// Meta describes the page a list result was drawn from. Total and HasMore
// are computed against the same snapshot as the data.
type Meta struct {
	Total   int64 `json:"total"`
	Count   int   `json:"count"`
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	HasMore bool  `json:"hasMore"`
}

// ListResult is the list operation's response envelope.
type ListResult struct {
	Data []map[string]any `json:"data"`
	Meta Meta             `json:"meta"`
}

// CountResult is the count operation's response envelope.
type CountResult struct {
	Count int64 `json:"count"`
}

// List fetches a page of rows plus the matching total. The data fetch and
// the count run in one transaction so the total matches the page snapshot.
func (e *Engine) List(ctx context.Context, entity string, params *Params, principal *acl.Principal) (any, error) {
	ctx, span := e.opSpan(ctx, middleware.OpList, entity)
	defer span.End()

	if params == nil {
		params = &Params{}
	}
	hc := e.newHookContext(ctx, entity, principal)
	if err := e.hooks.Execute(ctx, middleware.HookBefore, middleware.OpList, hc); err != nil {
		recordOpError(span, err)
		return nil, err
	}
	if hc.Abort {
		return hc.Result, nil
	}

	decision := e.enforcer.ReadFilter(entity, principal)
	if decision.Denied() {
		err := apperr.Forbiddenf("no permission to read %s", entity)
		recordOpError(span, err)
		return nil, err
	}

	p, err := e.buildReadPlan(entity, params, principal, decision)
	if err != nil {
		recordOpError(span, err)
		return nil, err
	}
	p.Where = filter.MergeAnd(p.Where, hc.Where)

	rows, total, err := e.store.FindManyAndCount(ctx, entity, p)
	if err != nil {
		recordOpError(span, err)
		return nil, err
	}

	hc.Result = &ListResult{
		Data: rows,
		Meta: Meta{
			Total:   total,
			Count:   len(rows),
			Limit:   p.Take,
			Offset:  p.Skip,
			HasMore: int64(p.Skip+len(rows)) < total,
		},
	}
	if err := e.hooks.Execute(ctx, middleware.HookAfter, middleware.OpList, hc); err != nil {
		recordOpError(span, err)
		return nil, err
	}
	return hc.Result, nil
}

// Count counts rows matching the filter under the same access-filter merge
// and middleware pipeline as List, without pagination.
func (e *Engine) Count(ctx context.Context, entity string, params *Params, principal *acl.Principal) (any, error) {
	ctx, span := e.opSpan(ctx, middleware.OpCount, entity)
	defer span.End()

	if params == nil {
		params = &Params{}
	}
	hc := e.newHookContext(ctx, entity, principal)
	if err := e.hooks.Execute(ctx, middleware.HookBefore, middleware.OpCount, hc); err != nil {
		recordOpError(span, err)
		return nil, err
	}
	if hc.Abort {
		return hc.Result, nil
	}

	decision := e.enforcer.ReadFilter(entity, principal)
	if decision.Denied() {
		err := apperr.Forbiddenf("no permission to read %s", entity)
		recordOpError(span, err)
		return nil, err
	}

	where, err := e.parser.Parse(entity, params.Filter)
	if err != nil {
		recordOpError(span, err)
		return nil, err
	}
	where = filter.MergeAnd(where, decision.Where())
	where = filter.MergeAnd(where, hc.Where)

	count, err := e.store.Count(ctx, entity, where)
	if err != nil {
		recordOpError(span, err)
		return nil, err
	}

	hc.Result = &CountResult{Count: count}
	if err := e.hooks.Execute(ctx, middleware.HookAfter, middleware.OpCount, hc); err != nil {
		recordOpError(span, err)
		return nil, err
	}
	return hc.Result, nil
}

// Get fetches one row by primary key. Two probes run concurrently: the
// requested shape without restriction, and a key-only probe under the access
// filter. The pair distinguishes "does not exist" (404) from "exists but
// hidden" (403) without leaking existence through response shapes.
func (e *Engine) Get(ctx context.Context, entity string, id any, params *Params, principal *acl.Principal) (any, error) {
	ctx, span := e.opSpan(ctx, middleware.OpGet, entity)
	defer span.End()

	if params == nil {
		params = &Params{}
	}
	keyWhere, err := primaryKeyWhere(e.provider, entity, id)
	if err != nil {
		recordOpError(span, err)
		return nil, err
	}

	hc := e.newHookContext(ctx, entity, principal)
	hc.ID = id
	if err := e.hooks.Execute(ctx, middleware.HookBefore, middleware.OpGet, hc); err != nil {
		recordOpError(span, err)
		return nil, err
	}
	if hc.Abort {
		return hc.Result, nil
	}

	shapeParams := &Params{
		Include:         params.Include,
		Fields:          params.Fields,
		RelationFilters: params.RelationFilters,
	}
	shapePlan, err := e.buildReadPlan(entity, shapeParams, principal, acl.Allow())
	if err != nil {
		recordOpError(span, err)
		return nil, err
	}
	// A hook filter scopes the row out of existence (404), unlike the access
	// filter, which only hides it (403). Both probes carry it.
	shapePlan.Where = filter.MergeAnd(keyWhere, hc.Where)
	shapePlan.Take = 1
	shapePlan.Skip = 0

	decision := e.enforcer.ReadFilter(entity, principal)
	pk := e.provider.PrimaryKey(entity)

	var shaped, probed []map[string]any
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		shaped, err = e.store.FindMany(gctx, entity, shapePlan)
		return err
	})
	if !decision.Denied() {
		probePlan := &plan.Plan{
			Where:  filter.MergeAnd(filter.MergeAnd(keyWhere, decision.Where()), hc.Where),
			Select: keySelection(pk),
			Take:   1,
		}
		g.Go(func() error {
			var err error
			probed, err = e.store.FindMany(gctx, entity, probePlan)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		recordOpError(span, err)
		return nil, err
	}

	if len(shaped) == 0 {
		err := apperr.NotFoundf("%s not found", entity)
		recordOpError(span, err)
		return nil, err
	}
	if len(probed) == 0 || !sameKey(shaped[0], probed[0], pk) {
		err := apperr.Forbiddenf("no permission to read this %s", entity)
		recordOpError(span, err)
		return nil, err
	}

	hc.Result = shaped[0]
	if err := e.hooks.Execute(ctx, middleware.HookAfter, middleware.OpGet, hc); err != nil {
		recordOpError(span, err)
		return nil, err
	}
	return hc.Result, nil
}

func (e *Engine) newHookContext(ctx context.Context, entity string, principal *acl.Principal) *middleware.HookContext {
	return &middleware.HookContext{
		RequestID: logging.GetRequestID(ctx),
		Entity:    entity,
		Principal: principal,
		Extra:     map[string]any{},
	}
}

func keySelection(pk []string) map[string]any {
	selection := make(map[string]any, len(pk))
	for _, field := range pk {
		selection[field] = true
	}
	return selection
}

func sameKey(a, b map[string]any, pk []string) bool {
	for _, field := range pk {
		if fmt.Sprintf("%v", a[field]) != fmt.Sprintf("%v", b[field]) {
			return false
		}
	}
	return true
}
