package crud

import (
	"context"
	"fmt"
	"strings"

	"schemarest/internal/acl"
	"schemarest/internal/apperr"
	"schemarest/internal/filter"
	"schemarest/internal/middleware"
	"schemarest/internal/mutation"
	"schemarest/internal/plan"
	"schemarest/internal/storage"
)

// BatchOptions tunes one batch upsert call.
type BatchOptions struct {
	// PerRowCreates inserts creates one row at a time so individual failures
	// can be collected. When false, creates go through one duplicate-skipping
	// bulk insert, where a single failure fails the whole bulk statement.
	PerRowCreates bool
	// NoTransaction opts out of wrapping the batch in one transaction.
	NoTransaction bool
}

// BatchFailure reports one failed input row by its index in the batch.
type BatchFailure struct {
	Index   int    `json:"index"`
	Message string `json:"error"`
}

// BatchResult is the batch upsert response. Partial failure is a success
// path: failed rows are reported structurally, not thrown.
type BatchResult struct {
	Created      int            `json:"created"`
	Updated      int            `json:"updated"`
	Failed       []BatchFailure `json:"failed"`
	TotalSuccess int            `json:"totalSuccess"`
	TotalFailed  int            `json:"totalFailed"`
}

// BatchUpsert classifies every input row as create or update with one lookup
// query, then applies them. The whole batch runs in one timeout-bounded
// transaction unless the caller opts out.
func (e *Engine) BatchUpsert(ctx context.Context, entity string, rows []map[string]any, opts BatchOptions, principal *acl.Principal) (any, error) {
	ctx, span := e.opSpan(ctx, middleware.OpBatchUpsert, entity)
	defer span.End()

	hc := e.newHookContext(ctx, entity, principal)
	hc.Extra["rows"] = rows
	if err := e.hooks.Execute(ctx, middleware.HookBefore, middleware.OpBatchUpsert, hc); err != nil {
		recordOpError(span, err)
		return nil, err
	}
	if hc.Abort {
		return hc.Result, nil
	}
	if replaced, ok := hc.Extra["rows"].([]map[string]any); ok {
		rows = replaced
	}

	pk := e.provider.PrimaryKey(entity)
	if len(pk) == 0 {
		err := apperr.Validationf("entity %s has no primary key", entity)
		recordOpError(span, err)
		return nil, err
	}

	result := &BatchResult{Failed: []BatchFailure{}}
	run := func(ctx context.Context, tx storage.Store) error {
		return e.runBatch(ctx, tx, entity, rows, pk, opts, principal, result)
	}

	var err error
	if opts.NoTransaction {
		err = run(ctx, e.store)
	} else {
		err = e.store.WithTransaction(ctx, e.batchTimeout, run)
	}
	if err != nil {
		recordOpError(span, err)
		return nil, err
	}

	result.TotalSuccess = result.Created + result.Updated
	result.TotalFailed = len(result.Failed)
	if result.TotalFailed > 0 {
		e.logger.Warn("batch upsert completed with failures",
			"entity", entity,
			"created", result.Created,
			"updated", result.Updated,
			"failed", result.TotalFailed,
		)
	}

	hc.Result = result
	if err := e.hooks.Execute(ctx, middleware.HookAfter, middleware.OpBatchUpsert, hc); err != nil {
		recordOpError(span, err)
		return nil, err
	}
	return hc.Result, nil
}

func (e *Engine) runBatch(ctx context.Context, tx storage.Store, entity string, rows []map[string]any, pk []string, opts BatchOptions, principal *acl.Principal, result *BatchResult) error {
	existing, err := e.lookupExisting(ctx, tx, entity, rows, pk)
	if err != nil {
		return err
	}

	updateDecision := e.enforcer.UpdateFilter(entity, principal)

	type indexedRow struct {
		index int
		row   map[string]any
	}
	var creates, updates []indexedRow
	for i, row := range rows {
		if hasAllKeyFields(row, pk) && existing[batchKey(row, pk)] {
			updates = append(updates, indexedRow{index: i, row: row})
		} else {
			creates = append(creates, indexedRow{index: i, row: row})
		}
	}

	fail := func(index int, err error) {
		result.Failed = append(result.Failed, BatchFailure{
			Index:   index,
			Message: apperr.Translate(err, false).Message,
		})
	}

	// Creates: one duplicate-skipping bulk statement, or per-row when the
	// caller wants relation handling and individual failures.
	if opts.PerRowCreates {
		for _, item := range creates {
			if !e.enforcer.CanCreate(entity, principal, item.row) {
				fail(item.index, apperr.Forbiddenf("no permission to create %s", entity))
				continue
			}
			transformed, err := e.transformer.Transform(entity, item.row, principal, mutation.ModeCreate)
			if err != nil {
				fail(item.index, err)
				continue
			}
			if _, err := tx.Create(ctx, entity, transformed, &plan.Plan{Select: keySelection(pk)}); err != nil {
				fail(item.index, err)
				continue
			}
			result.Created++
		}
	} else if len(creates) > 0 {
		bulk := make([]map[string]any, 0, len(creates))
		var bulkIndexes []int
		for _, item := range creates {
			if !e.enforcer.CanCreate(entity, principal, item.row) {
				fail(item.index, apperr.Forbiddenf("no permission to create %s", entity))
				continue
			}
			bulk = append(bulk, stripAuditFields(item.row))
			bulkIndexes = append(bulkIndexes, item.index)
		}
		if len(bulk) > 0 {
			inserted, err := tx.CreateMany(ctx, entity, bulk, true)
			if err != nil {
				// The bulk statement is all-or-nothing.
				for _, index := range bulkIndexes {
					fail(index, err)
				}
			} else {
				result.Created += int(inserted)
			}
		}
	}

	// Updates are always per-row.
	for _, item := range updates {
		if updateDecision.Denied() {
			fail(item.index, apperr.Forbiddenf("no permission to update %s", entity))
			continue
		}
		keyWhere := make(map[string]any, len(pk))
		for _, field := range pk {
			keyWhere[field] = item.row[field]
		}
		transformed, err := e.transformer.Transform(entity, item.row, principal, mutation.ModeUpdate)
		if err != nil {
			fail(item.index, err)
			continue
		}
		where := filter.MergeAnd(keyWhere, updateDecision.Where())
		updated, err := tx.Update(ctx, entity, where, transformed, &plan.Plan{Select: keySelection(pk)})
		if err != nil {
			fail(item.index, err)
			continue
		}
		if updated == nil {
			fail(item.index, apperr.Forbiddenf("no permission to update this %s", entity))
			continue
		}
		result.Updated++
	}
	return nil
}

// lookupExisting classifies keyed rows with one query: an IN list for a
// single-field key, an OR of per-row equality maps for a composite key.
func (e *Engine) lookupExisting(ctx context.Context, tx storage.Store, entity string, rows []map[string]any, pk []string) (map[string]bool, error) {
	var keyed []map[string]any
	for _, row := range rows {
		if hasAllKeyFields(row, pk) {
			keyed = append(keyed, row)
		}
	}
	if len(keyed) == 0 {
		return map[string]bool{}, nil
	}

	var where map[string]any
	if len(pk) == 1 {
		values := make([]any, 0, len(keyed))
		for _, row := range keyed {
			values = append(values, row[pk[0]])
		}
		where = map[string]any{pk[0]: map[string]any{"in": values}}
	} else {
		branches := make([]map[string]any, 0, len(keyed))
		for _, row := range keyed {
			branch := make(map[string]any, len(pk))
			for _, field := range pk {
				branch[field] = row[field]
			}
			branches = append(branches, branch)
		}
		where = map[string]any{"OR": branches}
	}

	found, err := tx.FindMany(ctx, entity, &plan.Plan{Where: where, Select: keySelection(pk)})
	if err != nil {
		return nil, err
	}
	existing := make(map[string]bool, len(found))
	for _, row := range found {
		existing[batchKey(row, pk)] = true
	}
	return existing, nil
}

func hasAllKeyFields(row map[string]any, pk []string) bool {
	for _, field := range pk {
		if v, ok := row[field]; !ok || v == nil {
			return false
		}
	}
	return true
}

func batchKey(row map[string]any, pk []string) string {
	parts := make([]string, len(pk))
	for i, field := range pk {
		parts[i] = fmt.Sprintf("%v", row[field])
	}
	return strings.Join(parts, "\x00")
}
