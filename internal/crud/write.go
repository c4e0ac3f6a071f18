package crud

import (
	"context"
	"slices"

	"schemarest/internal/acl"
	"schemarest/internal/apperr"
	"schemarest/internal/filter"
	"schemarest/internal/middleware"
	"schemarest/internal/mutation"
	"schemarest/internal/plan"
	"schemarest/internal/storage"
)

// Create inserts a record after the create gate and mutation transform.
// Unless the caller narrows the shape, the response includes all first-level
// relations.
func (e *Engine) Create(ctx context.Context, entity string, data map[string]any, params *Params, principal *acl.Principal) (any, error) {
	ctx, span := e.opSpan(ctx, middleware.OpCreate, entity)
	defer span.End()

	if params == nil {
		params = &Params{}
	}
	hc := e.newHookContext(ctx, entity, principal)
	hc.Data = data
	if err := e.hooks.Execute(ctx, middleware.HookBefore, middleware.OpCreate, hc); err != nil {
		recordOpError(span, err)
		return nil, err
	}
	if hc.Abort {
		return hc.Result, nil
	}
	data = hc.Data

	if !e.enforcer.CanCreate(entity, principal, data) {
		err := apperr.Forbiddenf("no permission to create %s", entity)
		recordOpError(span, err)
		return nil, err
	}

	transformed, err := e.transformer.Transform(entity, data, principal, mutation.ModeCreate)
	if err != nil {
		recordOpError(span, err)
		return nil, err
	}

	p, err := e.writeShapePlan(entity, params, principal)
	if err != nil {
		recordOpError(span, err)
		return nil, err
	}
	created, err := e.store.Create(ctx, entity, transformed, p)
	if err != nil {
		recordOpError(span, err)
		return nil, err
	}

	hc.Result = created
	if err := e.hooks.Execute(ctx, middleware.HookAfter, middleware.OpCreate, hc); err != nil {
		recordOpError(span, err)
		return nil, err
	}
	return hc.Result, nil
}

// Update applies a payload to the record with the given id. The update
// filter merges into the where-clause, so a filtered-out record yields no
// match and is reported as forbidden: the caller already knows the id, so a
// not-found would reveal nothing.
func (e *Engine) Update(ctx context.Context, entity string, id any, data map[string]any, params *Params, principal *acl.Principal) (any, error) {
	ctx, span := e.opSpan(ctx, middleware.OpUpdate, entity)
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
	hc.Data = data
	if err := e.hooks.Execute(ctx, middleware.HookBefore, middleware.OpUpdate, hc); err != nil {
		recordOpError(span, err)
		return nil, err
	}
	if hc.Abort {
		return hc.Result, nil
	}
	data = hc.Data

	decision := e.enforcer.UpdateFilter(entity, principal)
	if decision.Denied() {
		err := apperr.Forbiddenf("no permission to update %s", entity)
		recordOpError(span, err)
		return nil, err
	}

	transformed, err := e.transformer.Transform(entity, data, principal, mutation.ModeUpdate)
	if err != nil {
		recordOpError(span, err)
		return nil, err
	}

	p, err := e.writeShapePlan(entity, params, principal)
	if err != nil {
		recordOpError(span, err)
		return nil, err
	}
	where := filter.MergeAnd(keyWhere, decision.Where())
	updated, err := e.store.Update(ctx, entity, where, transformed, p)
	if err != nil {
		recordOpError(span, err)
		return nil, err
	}
	if updated == nil {
		err := apperr.Forbiddenf("no permission to update this %s", entity)
		recordOpError(span, err)
		return nil, err
	}

	hc.Result = updated
	if err := e.hooks.Execute(ctx, middleware.HookAfter, middleware.OpUpdate, hc); err != nil {
		recordOpError(span, err)
		return nil, err
	}
	return hc.Result, nil
}

// Upsert updates the record matching the unique key or creates it. The same
// input transforms twice, once per shape, because the graph operations
// differ: create has no disconnect verb.
func (e *Engine) Upsert(ctx context.Context, entity string, key any, data map[string]any, params *Params, principal *acl.Principal) (any, error) {
	ctx, span := e.opSpan(ctx, middleware.OpUpsert, entity)
	defer span.End()

	if params == nil {
		params = &Params{}
	}
	keyWhere, err := primaryKeyWhere(e.provider, entity, key)
	if err != nil {
		recordOpError(span, err)
		return nil, err
	}

	hc := e.newHookContext(ctx, entity, principal)
	hc.ID = key
	hc.Data = data
	if err := e.hooks.Execute(ctx, middleware.HookBefore, middleware.OpUpsert, hc); err != nil {
		recordOpError(span, err)
		return nil, err
	}
	if hc.Abort {
		return hc.Result, nil
	}
	data = hc.Data

	createData := make(map[string]any, len(data)+len(keyWhere))
	for k, v := range data {
		createData[k] = v
	}
	for k, v := range keyWhere {
		createData[k] = v
	}
	createShape, err := e.transformer.Transform(entity, createData, principal, mutation.ModeCreate)
	if err != nil {
		recordOpError(span, err)
		return nil, err
	}
	updateShape, err := e.transformer.Transform(entity, data, principal, mutation.ModeUpdate)
	if err != nil {
		recordOpError(span, err)
		return nil, err
	}

	p, err := e.writeShapePlan(entity, params, principal)
	if err != nil {
		recordOpError(span, err)
		return nil, err
	}

	var result map[string]any
	err = e.store.WithTransaction(ctx, 0, func(ctx context.Context, tx storage.Store) error {
		existing, err := tx.FindMany(ctx, entity, &plan.Plan{Where: keyWhere, Take: 1})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			decision := e.enforcer.UpdateFilter(entity, principal)
			if decision.Denied() {
				return apperr.Forbiddenf("no permission to update %s", entity)
			}
			where := filter.MergeAnd(keyWhere, decision.Where())
			result, err = tx.Update(ctx, entity, where, updateShape, p)
			if err != nil {
				return err
			}
			if result == nil {
				return apperr.Forbiddenf("no permission to update this %s", entity)
			}
			return nil
		}

		if !e.enforcer.CanCreate(entity, principal, createData) {
			return apperr.Forbiddenf("no permission to create %s", entity)
		}
		result, err = tx.Create(ctx, entity, createShape, p)
		return err
	})
	if err != nil {
		recordOpError(span, err)
		return nil, err
	}

	hc.Result = result
	if err := e.hooks.Execute(ctx, middleware.HookAfter, middleware.OpUpsert, hc); err != nil {
		recordOpError(span, err)
		return nil, err
	}
	return hc.Result, nil
}

// Delete removes the record with the given id. A before-hook may redirect
// the operation into an update by setting SoftDelete with replacement data,
// making soft delete a middleware policy rather than a built-in mode.
func (e *Engine) Delete(ctx context.Context, entity string, id any, principal *acl.Principal) (any, error) {
	ctx, span := e.opSpan(ctx, middleware.OpDelete, entity)
	defer span.End()

	keyWhere, err := primaryKeyWhere(e.provider, entity, id)
	if err != nil {
		recordOpError(span, err)
		return nil, err
	}

	hc := e.newHookContext(ctx, entity, principal)
	hc.ID = id
	if err := e.hooks.Execute(ctx, middleware.HookBefore, middleware.OpDelete, hc); err != nil {
		recordOpError(span, err)
		return nil, err
	}
	if hc.Abort {
		return hc.Result, nil
	}

	decision := e.enforcer.DeleteFilter(entity, principal)
	if decision.Denied() {
		err := apperr.Forbiddenf("no permission to delete %s", entity)
		recordOpError(span, err)
		return nil, err
	}
	where := filter.MergeAnd(keyWhere, decision.Where())

	var result map[string]any
	if hc.SoftDelete {
		transformed, err := e.transformer.Transform(entity, hc.SoftDeleteData, principal, mutation.ModeUpdate)
		if err != nil {
			recordOpError(span, err)
			return nil, err
		}
		result, err = e.store.Update(ctx, entity, where, transformed, nil)
		if err != nil {
			recordOpError(span, err)
			return nil, err
		}
	} else {
		result, err = e.store.Delete(ctx, entity, where)
		if err != nil {
			recordOpError(span, err)
			return nil, err
		}
	}

	if result == nil {
		// The filtered delete matched nothing: distinguish a missing record
		// from a hidden one with an unfiltered existence probe.
		total, err := e.store.Count(ctx, entity, keyWhere)
		if err != nil {
			recordOpError(span, err)
			return nil, err
		}
		if total > 0 {
			err = apperr.Forbiddenf("no permission to delete this %s", entity)
		} else {
			err = apperr.NotFoundf("%s not found", entity)
		}
		recordOpError(span, err)
		return nil, err
	}

	hc.Result = result
	if err := e.hooks.Execute(ctx, middleware.HookAfter, middleware.OpDelete, hc); err != nil {
		recordOpError(span, err)
		return nil, err
	}
	return hc.Result, nil
}

// writeShapePlan builds the response projection for write operations: the
// caller's include/fields when given, otherwise all first-level relations.
func (e *Engine) writeShapePlan(entity string, params *Params, principal *acl.Principal) (*plan.Plan, error) {
	includeSpec := params.Include
	if includeSpec == "" {
		includeSpec = plan.IncludeAll
	}
	includes, err := e.includes.ResolveIncludes(entity, includeSpec, principal, params.RelationFilters)
	if err != nil {
		return nil, err
	}
	selection, err := e.selection.CompileSelect(entity, params.Fields, includes, principal)
	if err != nil {
		return nil, err
	}
	p := &plan.Plan{
		Include: includes,
		Omit:    e.enforcer.OmitFields(entity, principal),
	}
	if selection != nil {
		p.Select = selection
		p.Include = nil
	}
	return p, nil
}

// stripAuditFields drops system-assigned fields from a payload copy.
func stripAuditFields(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if slices.Contains(mutation.DefaultAuditFields, k) {
			continue
		}
		out[k] = v
	}
	return out
}
