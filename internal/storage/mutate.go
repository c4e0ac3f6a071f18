package storage

import (
	"context"
	"sort"

	sq "github.com/Masterminds/squirrel"

	"schemarest/internal/apperr"
	"schemarest/internal/introspection"
	"schemarest/internal/plan"
	"schemarest/internal/sqlutil"
)

// Create inserts a graph-operation payload and refetches the new row with
// the given plan. The whole graph runs in one transaction.
func (s *SQLStore) Create(ctx context.Context, entity string, data map[string]any, p *plan.Plan) (map[string]any, error) {
	ctx, span := storeSpan(ctx, "storage.create", entity)
	defer span.End()

	var result map[string]any
	err := s.WithTransaction(ctx, 0, func(ctx context.Context, tx Store) error {
		txs := tx.(*SQLStore)
		keyWhere, err := txs.insertGraph(ctx, entity, data)
		if err != nil {
			return err
		}
		result, err = txs.fetchOne(ctx, entity, keyWhere, p)
		return err
	})
	if err != nil {
		recordStoreError(span, err)
		return nil, err
	}
	return result, nil
}

// Update applies a graph-operation payload to the row matching where and
// refetches it. Returns nil without error when no row matched, so the caller
// can distinguish absence from failure.
func (s *SQLStore) Update(ctx context.Context, entity string, where map[string]any, data map[string]any, p *plan.Plan) (map[string]any, error) {
	ctx, span := storeSpan(ctx, "storage.update", entity)
	defer span.End()

	var result map[string]any
	err := s.WithTransaction(ctx, 0, func(ctx context.Context, tx Store) error {
		txs := tx.(*SQLStore)
		current, err := txs.loadRow(ctx, entity, where)
		if err != nil {
			return err
		}
		if current == nil {
			return nil
		}
		keyWhere, err := txs.primaryKeyWhere(entity, current)
		if err != nil {
			return err
		}
		if err := txs.updateGraph(ctx, entity, current, keyWhere, data); err != nil {
			return err
		}
		result, err = txs.fetchOne(ctx, entity, keyWhere, p)
		return err
	})
	if err != nil {
		recordStoreError(span, err)
		return nil, err
	}
	return result, nil
}

// Delete removes the row matching where, returning the prior row or nil when
// nothing matched.
func (s *SQLStore) Delete(ctx context.Context, entity string, where map[string]any) (map[string]any, error) {
	ctx, span := storeSpan(ctx, "storage.delete", entity)
	defer span.End()

	var prior map[string]any
	err := s.WithTransaction(ctx, 0, func(ctx context.Context, tx Store) error {
		txs := tx.(*SQLStore)
		current, err := txs.loadRow(ctx, entity, where)
		if err != nil {
			return err
		}
		if current == nil {
			return nil
		}
		keyWhere, err := txs.primaryKeyWhere(entity, current)
		if err != nil {
			return err
		}
		cond, err := buildWhere(txs.provider, entity, "", keyWhere)
		if err != nil {
			return err
		}
		query, args, err := sq.Delete(sqlutil.QuoteIdentifier(entity)).Where(cond).
			PlaceholderFormat(sq.Question).ToSql()
		if err != nil {
			return err
		}
		if _, err := txs.q.ExecContext(ctx, query, args...); err != nil {
			return err
		}
		prior = current
		return nil
	})
	if err != nil {
		recordStoreError(span, err)
		return nil, err
	}
	return prior, nil
}

// CreateMany bulk-inserts flat rows in one statement. skipDuplicates turns
// the statement into INSERT IGNORE so key collisions are skipped instead of
// failing the batch.
func (s *SQLStore) CreateMany(ctx context.Context, entity string, rows []map[string]any, skipDuplicates bool) (int64, error) {
	ctx, span := storeSpan(ctx, "storage.create_many", entity)
	defer span.End()

	if len(rows) == 0 {
		return 0, nil
	}

	columnSet := map[string]struct{}{}
	for _, row := range rows {
		for col := range row {
			columnSet[col] = struct{}{}
		}
	}
	columns := make([]string, 0, len(columnSet))
	for col := range columnSet {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = sqlutil.QuoteIdentifier(col)
	}
	builder := sq.Insert(sqlutil.QuoteIdentifier(entity)).Columns(quoted...)
	if skipDuplicates {
		builder = builder.Options("IGNORE")
	}
	for _, row := range rows {
		values := make([]any, len(columns))
		for i, col := range columns {
			values[i] = row[col]
		}
		builder = builder.Values(values...)
	}

	query, args, err := builder.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		recordStoreError(span, err)
		return 0, err
	}
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		recordStoreError(span, err)
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		recordStoreError(span, err)
		return 0, err
	}
	return affected, nil
}

// insertGraph inserts one entity row plus its nested graph operations and
// returns the primary key where-map identifying the new row. Singular
// relation operations resolve to foreign key values before the insert;
// to-many operations run after it, once the parent key exists.
func (s *SQLStore) insertGraph(ctx context.Context, entity string, data map[string]any) (map[string]any, error) {
	entityDesc, ok := s.provider.Entity(entity)
	if !ok {
		return nil, apperr.Validationf("unknown entity %q", entity)
	}

	columns := map[string]any{}
	type pendingOp struct {
		rel *introspection.Relation
		ops map[string]any
	}
	var listOps []pendingOp

	keys := sortedKeys(data)
	for _, key := range keys {
		value := data[key]
		if _, ok := s.provider.Field(entity, key); ok {
			columns[key] = value
			continue
		}
		rel, ok := s.provider.Relation(entity, key)
		if !ok {
			return nil, apperr.Validationf("unknown field %q on %s", key, entity)
		}
		ops, ok := value.(map[string]any)
		if !ok {
			return nil, apperr.Validationf("relation %q requires a graph-operation object", key)
		}
		if rel.List {
			listOps = append(listOps, pendingOp{rel: rel, ops: ops})
			continue
		}
		if err := s.resolveSingularForInsert(ctx, rel, ops, columns); err != nil {
			return nil, err
		}
	}

	if len(columns) == 0 {
		return nil, apperr.Validationf("create payload for %s has no columns", entity)
	}
	query, args, err := sq.Insert(sqlutil.QuoteIdentifier(entity)).SetMap(quotedMap(columns)).
		PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return nil, err
	}
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	keyWhere, err := s.insertedKey(entityDesc, columns, res)
	if err != nil {
		return nil, err
	}

	parentVals := map[string]any{}
	for k, v := range columns {
		parentVals[k] = v
	}
	for k, v := range keyWhere {
		parentVals[k] = v
	}
	for _, op := range listOps {
		if err := s.applyListOps(ctx, op.rel, parentVals, op.ops); err != nil {
			return nil, err
		}
	}
	return keyWhere, nil
}

// resolveSingularForInsert turns a singular relation operation into foreign
// key column values. In create shapes the only verbs are connect and create;
// an upsert degrades to its create branch since nothing exists yet.
func (s *SQLStore) resolveSingularForInsert(ctx context.Context, rel *introspection.Relation, ops map[string]any, columns map[string]any) error {
	for _, verb := range sortedKeys(ops) {
		switch verb {
		case "connect":
			where, ok := ops[verb].(map[string]any)
			if !ok {
				return apperr.Validationf("connect for %q requires an object", rel.Name)
			}
			targetKey, err := s.resolveConnect(ctx, rel, where)
			if err != nil {
				return err
			}
			for i, local := range rel.LocalFields {
				columns[local] = targetKey[rel.TargetFields[i]]
			}

		case "create":
			shape, ok := ops[verb].(map[string]any)
			if !ok {
				return apperr.Validationf("create for %q requires an object", rel.Name)
			}
			if err := s.createAndLink(ctx, rel, shape, columns); err != nil {
				return err
			}

		case "upsert":
			shape, ok := ops[verb].(map[string]any)
			if !ok {
				return apperr.Validationf("upsert for %q requires an object", rel.Name)
			}
			createShape, _ := shape["create"].(map[string]any)
			if createShape == nil {
				return apperr.Validationf("upsert for %q is missing a create shape", rel.Name)
			}
			if err := s.createAndLink(ctx, rel, createShape, columns); err != nil {
				return err
			}

		case "disconnect":
			// Nothing to detach on a row that does not exist yet.

		default:
			return apperr.Validationf("unsupported operation %q for relation %q", verb, rel.Name)
		}
	}
	return nil
}

func (s *SQLStore) createAndLink(ctx context.Context, rel *introspection.Relation, shape map[string]any, columns map[string]any) error {
	childKey, err := s.insertGraph(ctx, rel.Target, shape)
	if err != nil {
		return err
	}
	for i, local := range rel.LocalFields {
		target := rel.TargetFields[i]
		if v, ok := childKey[target]; ok {
			columns[local] = v
		} else if v, ok := shape[target]; ok {
			columns[local] = v
		} else {
			return apperr.Validationf("cannot determine %s.%s for relation %q", rel.Target, target, rel.Name)
		}
	}
	return nil
}

// resolveConnect looks up the connect target's join fields. The where carries
// the caller's access filter, so an existing-but-hidden row reads the same as
// a missing one.
func (s *SQLStore) resolveConnect(ctx context.Context, rel *introspection.Relation, where map[string]any) (map[string]any, error) {
	cond, err := buildWhere(s.provider, rel.Target, "", where)
	if err != nil {
		return nil, err
	}
	quoted := make([]string, len(rel.TargetFields))
	for i, f := range rel.TargetFields {
		quoted[i] = sqlutil.QuoteIdentifier(f)
	}
	builder := sq.Select(quoted...).From(sqlutil.QuoteIdentifier(rel.Target)).Limit(1)
	if cond != nil {
		builder = builder.Where(cond)
	}
	query, args, err := builder.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return nil, err
	}
	sqlRows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	rows, err := scanRows(sqlRows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperr.NotFoundf("related %s record does not exist", rel.Target)
	}
	return rows[0], nil
}

// updateGraph applies a graph-operation payload to an existing row.
func (s *SQLStore) updateGraph(ctx context.Context, entity string, current, keyWhere map[string]any, data map[string]any) error {
	columns := map[string]any{}
	type pendingOp struct {
		rel *introspection.Relation
		ops map[string]any
	}
	var listOps []pendingOp

	for _, key := range sortedKeys(data) {
		value := data[key]
		if _, ok := s.provider.Field(entity, key); ok {
			columns[key] = value
			continue
		}
		rel, ok := s.provider.Relation(entity, key)
		if !ok {
			return apperr.Validationf("unknown field %q on %s", key, entity)
		}
		ops, ok := value.(map[string]any)
		if !ok {
			return apperr.Validationf("relation %q requires a graph-operation object", key)
		}
		if rel.List {
			listOps = append(listOps, pendingOp{rel: rel, ops: ops})
			continue
		}
		if err := s.resolveSingularForUpdate(ctx, rel, current, ops, columns); err != nil {
			return err
		}
	}

	if len(columns) > 0 {
		cond, err := buildWhere(s.provider, entity, "", keyWhere)
		if err != nil {
			return err
		}
		query, args, err := sq.Update(sqlutil.QuoteIdentifier(entity)).SetMap(quotedMap(columns)).Where(cond).
			PlaceholderFormat(sq.Question).ToSql()
		if err != nil {
			return err
		}
		if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}

	parentVals := map[string]any{}
	for k, v := range current {
		parentVals[k] = v
	}
	for k, v := range columns {
		parentVals[k] = v
	}
	for _, op := range listOps {
		if err := s.applyListOps(ctx, op.rel, parentVals, op.ops); err != nil {
			return err
		}
	}
	return nil
}

// resolveSingularForUpdate handles singular relation verbs on update.
// Disconnect nulls the local foreign key; upsert routes on whether the key is
// currently set.
func (s *SQLStore) resolveSingularForUpdate(ctx context.Context, rel *introspection.Relation, current map[string]any, ops map[string]any, columns map[string]any) error {
	for _, verb := range sortedKeys(ops) {
		switch verb {
		case "connect":
			where, ok := ops[verb].(map[string]any)
			if !ok {
				return apperr.Validationf("connect for %q requires an object", rel.Name)
			}
			targetKey, err := s.resolveConnect(ctx, rel, where)
			if err != nil {
				return err
			}
			for i, local := range rel.LocalFields {
				columns[local] = targetKey[rel.TargetFields[i]]
			}

		case "disconnect":
			for _, local := range rel.LocalFields {
				columns[local] = nil
			}

		case "create":
			shape, ok := ops[verb].(map[string]any)
			if !ok {
				return apperr.Validationf("create for %q requires an object", rel.Name)
			}
			if err := s.createAndLink(ctx, rel, shape, columns); err != nil {
				return err
			}

		case "upsert":
			shape, ok := ops[verb].(map[string]any)
			if !ok {
				return apperr.Validationf("upsert for %q requires an object", rel.Name)
			}
			linked := true
			for _, local := range rel.LocalFields {
				if current[local] == nil {
					linked = false
					break
				}
			}
			if linked {
				updateShape, _ := shape["update"].(map[string]any)
				targetWhere := map[string]any{}
				for i, local := range rel.LocalFields {
					targetWhere[rel.TargetFields[i]] = current[local]
				}
				if err := s.updateByKey(ctx, rel.Target, targetWhere, updateShape); err != nil {
					return err
				}
			} else {
				createShape, _ := shape["create"].(map[string]any)
				if createShape == nil {
					return apperr.Validationf("upsert for %q is missing a create shape", rel.Name)
				}
				if err := s.createAndLink(ctx, rel, createShape, columns); err != nil {
					return err
				}
			}

		default:
			return apperr.Validationf("unsupported operation %q for relation %q", verb, rel.Name)
		}
	}
	return nil
}

// applyListOps executes to-many graph operations against the child entity,
// anchored on the parent's join values.
func (s *SQLStore) applyListOps(ctx context.Context, rel *introspection.Relation, parentVals map[string]any, ops map[string]any) error {
	fkAssign := map[string]any{}
	for i, local := range rel.LocalFields {
		v, ok := parentVals[local]
		if !ok {
			return apperr.Validationf("parent value for %q is missing field %q", rel.Name, local)
		}
		fkAssign[rel.TargetFields[i]] = v
	}

	for _, verb := range sortedKeys(ops) {
		items, err := operationItems(ops[verb])
		if err != nil {
			return apperr.Validationf("operation %q for relation %q requires a list of objects", verb, rel.Name)
		}
		switch verb {
		case "connect":
			for _, item := range items {
				if err := s.adoptChild(ctx, rel, item, fkAssign, nil); err != nil {
					return err
				}
			}

		case "disconnect":
			for _, item := range items {
				if err := s.adoptChild(ctx, rel, item, nullAssign(rel.TargetFields), fkAssign); err != nil {
					return err
				}
			}

		case "create":
			for _, item := range items {
				shape := make(map[string]any, len(item)+len(fkAssign))
				for k, v := range item {
					shape[k] = v
				}
				for k, v := range fkAssign {
					shape[k] = v
				}
				if _, err := s.insertGraph(ctx, rel.Target, shape); err != nil {
					return err
				}
			}

		case "upsert":
			for _, item := range items {
				if err := s.upsertChild(ctx, rel, item, fkAssign); err != nil {
					return err
				}
			}

		default:
			return apperr.Validationf("unsupported operation %q for relation %q", verb, rel.Name)
		}
	}
	return nil
}

// adoptChild repoints a child row's foreign key. A non-nil ownedBy restricts
// the update to children currently linked to the parent (disconnect must not
// detach someone else's row); otherwise the keyed child must exist.
func (s *SQLStore) adoptChild(ctx context.Context, rel *introspection.Relation, key map[string]any, assign map[string]any, ownedBy map[string]any) error {
	where := make(map[string]any, len(key)+len(ownedBy))
	for k, v := range key {
		where[k] = v
	}
	for k, v := range ownedBy {
		where[k] = v
	}
	cond, err := buildWhere(s.provider, rel.Target, "", where)
	if err != nil {
		return err
	}
	query, args, err := sq.Update(sqlutil.QuoteIdentifier(rel.Target)).SetMap(quotedMap(assign)).Where(cond).
		PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if ownedBy == nil {
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return apperr.NotFoundf("related %s record does not exist", rel.Target)
		}
	}
	return nil
}

// upsertChild applies one to-many upsert item: update when the keyed child
// exists, insert otherwise. Either way the child ends up linked to the
// parent.
func (s *SQLStore) upsertChild(ctx context.Context, rel *introspection.Relation, item map[string]any, fkAssign map[string]any) error {
	where, _ := item["where"].(map[string]any)
	if where == nil {
		return apperr.Validationf("upsert item for %q is missing a where", rel.Name)
	}
	existing, err := s.loadRow(ctx, rel.Target, where)
	if err != nil {
		return err
	}
	if existing != nil {
		updateShape, _ := item["update"].(map[string]any)
		merged := make(map[string]any, len(updateShape)+len(fkAssign))
		for k, v := range updateShape {
			merged[k] = v
		}
		for k, v := range fkAssign {
			merged[k] = v
		}
		keyWhere, err := s.primaryKeyWhere(rel.Target, existing)
		if err != nil {
			return err
		}
		return s.updateGraph(ctx, rel.Target, existing, keyWhere, merged)
	}

	createShape, _ := item["create"].(map[string]any)
	if createShape == nil {
		return apperr.Validationf("upsert item for %q is missing a create shape", rel.Name)
	}
	shape := make(map[string]any, len(createShape)+len(fkAssign))
	for k, v := range createShape {
		shape[k] = v
	}
	for k, v := range fkAssign {
		shape[k] = v
	}
	_, err = s.insertGraph(ctx, rel.Target, shape)
	return err
}

// updateByKey loads the row matching where and applies a graph update to it.
func (s *SQLStore) updateByKey(ctx context.Context, entity string, where map[string]any, data map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	current, err := s.loadRow(ctx, entity, where)
	if err != nil {
		return err
	}
	if current == nil {
		return apperr.NotFoundf("related %s record does not exist", entity)
	}
	keyWhere, err := s.primaryKeyWhere(entity, current)
	if err != nil {
		return err
	}
	return s.updateGraph(ctx, entity, current, keyWhere, data)
}

// loadRow fetches the first row matching where with all scalar fields.
func (s *SQLStore) loadRow(ctx context.Context, entity string, where map[string]any) (map[string]any, error) {
	rows, err := s.findMany(ctx, entity, &plan.Plan{Where: where, Take: 1}, nil)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// fetchOne refetches one row by key with the caller's projection plan.
func (s *SQLStore) fetchOne(ctx context.Context, entity string, keyWhere map[string]any, p *plan.Plan) (map[string]any, error) {
	refetch := &plan.Plan{Where: keyWhere, Take: 1}
	if p != nil {
		refetch.Include = p.Include
		refetch.Select = p.Select
		refetch.Omit = p.Omit
	}
	rows, err := s.findMany(ctx, entity, refetch, nil)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// primaryKeyWhere extracts the row's primary key values into a where-map.
func (s *SQLStore) primaryKeyWhere(entity string, row map[string]any) (map[string]any, error) {
	pk := s.provider.PrimaryKey(entity)
	if len(pk) == 0 {
		return nil, apperr.Validationf("entity %s has no primary key", entity)
	}
	where := make(map[string]any, len(pk))
	for _, field := range pk {
		v, ok := row[field]
		if !ok {
			return nil, apperr.Validationf("row for %s is missing key field %q", entity, field)
		}
		where[field] = v
	}
	return where, nil
}

// insertedKey derives the new row's primary key where-map from the payload
// columns, falling back to LAST_INSERT_ID for a single auto-increment key.
func (s *SQLStore) insertedKey(entity *introspection.Entity, columns map[string]any, res interface{ LastInsertId() (int64, error) }) (map[string]any, error) {
	keyWhere := make(map[string]any, len(entity.PrimaryKey))
	for _, field := range entity.PrimaryKey {
		if v, ok := columns[field]; ok {
			keyWhere[field] = v
			continue
		}
		if len(entity.PrimaryKey) == 1 {
			if f, ok := fieldByName(entity, field); ok && f.AutoIncrement {
				id, err := res.LastInsertId()
				if err != nil {
					return nil, err
				}
				keyWhere[field] = id
				continue
			}
		}
		return nil, apperr.Validationf("cannot determine %s.%s for created row", entity.Name, field)
	}
	return keyWhere, nil
}

func fieldByName(entity *introspection.Entity, name string) (*introspection.Field, bool) {
	for i := range entity.Fields {
		if entity.Fields[i].Name == name {
			return &entity.Fields[i], true
		}
	}
	return nil, false
}

func operationItems(value any) ([]map[string]any, error) {
	switch v := value.(type) {
	case []map[string]any:
		return v, nil
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, apperr.Validationf("operation items must be objects")
			}
			out = append(out, m)
		}
		return out, nil
	case map[string]any:
		return []map[string]any{v}, nil
	default:
		return nil, apperr.Validationf("expected a list of objects")
	}
}

func nullAssign(fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		out[f] = nil
	}
	return out
}

func quotedMap(columns map[string]any) map[string]any {
	out := make(map[string]any, len(columns))
	for k, v := range columns {
		out[sqlutil.QuoteIdentifier(k)] = v
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
