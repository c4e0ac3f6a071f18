package storage

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"schemarest/internal/apperr"
	"schemarest/internal/introspection"
	"schemarest/internal/plan"
	"schemarest/internal/sqlutil"
)

// SQLStore executes query plans against MySQL/TiDB through database/sql.
type SQLStore struct {
	db       *sql.DB // nil when bound to a transaction
	q        Querier
	provider *introspection.Provider
}

// NewSQLStore creates a store over a database handle.
func NewSQLStore(db *sql.DB, provider *introspection.Provider) *SQLStore {
	return &SQLStore{db: db, q: db, provider: provider}
}

func (s *SQLStore) withQuerier(q Querier) *SQLStore {
	return &SQLStore{q: q, provider: s.provider}
}

// WithTransaction runs fn against a transaction-bound store. A positive
// timeout bounds the whole transaction so large batches cannot hold locks
// indefinitely.
func (s *SQLStore) WithTransaction(ctx context.Context, timeout time.Duration, fn func(ctx context.Context, tx Store) error) error {
	if s.db == nil {
		// Already transactional; nest logically instead.
		return fn(ctx, s)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(ctx, s.withQuerier(tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// FindMany fetches rows matching the plan and attaches included relations.
func (s *SQLStore) FindMany(ctx context.Context, entity string, p *plan.Plan) ([]map[string]any, error) {
	ctx, span := storeSpan(ctx, "storage.find_many", entity)
	defer span.End()
	rows, err := s.findMany(ctx, entity, p, nil)
	if err != nil {
		recordStoreError(span, err)
	}
	return rows, err
}

// FindManyAndCount issues the data fetch and the count as one transaction so
// the total matches the snapshot the page was drawn from.
func (s *SQLStore) FindManyAndCount(ctx context.Context, entity string, p *plan.Plan) ([]map[string]any, int64, error) {
	ctx, span := storeSpan(ctx, "storage.find_many_and_count", entity)
	defer span.End()

	var rows []map[string]any
	var total int64
	err := s.WithTransaction(ctx, 0, func(ctx context.Context, tx Store) error {
		var err error
		rows, err = tx.FindMany(ctx, entity, p)
		if err != nil {
			return err
		}
		total, err = tx.Count(ctx, entity, p.Where)
		return err
	})
	if err != nil {
		recordStoreError(span, err)
		return nil, 0, err
	}
	return rows, total, nil
}

// Count counts rows matching the where tree.
func (s *SQLStore) Count(ctx context.Context, entity string, where map[string]any) (int64, error) {
	ctx, span := storeSpan(ctx, "storage.count", entity)
	defer span.End()

	builder := sq.Select("COUNT(*)").From(sqlutil.QuoteIdentifier(entity))
	cond, err := buildWhere(s.provider, entity, "", where)
	if err != nil {
		recordStoreError(span, err)
		return 0, err
	}
	if cond != nil {
		builder = builder.Where(cond)
	}
	query, args, err := builder.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		recordStoreError(span, err)
		return 0, err
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		recordStoreError(span, err)
		return 0, err
	}
	defer func() {
		_ = rows.Close()
	}()
	var total int64
	if rows.Next() {
		if err := rows.Scan(&total); err != nil {
			recordStoreError(span, err)
			return 0, err
		}
	}
	if err := rows.Err(); err != nil {
		recordStoreError(span, err)
		return 0, err
	}
	return total, nil
}

// findMany runs the root fetch with an optional extra condition (used for
// correlated relation batch fetches) and attaches nested relations.
func (s *SQLStore) findMany(ctx context.Context, entity string, p *plan.Plan, extraCond sq.Sqlizer) ([]map[string]any, error) {
	if p == nil {
		p = &plan.Plan{}
	}
	columns, extras, err := s.selectColumns(entity, p)
	if err != nil {
		return nil, err
	}

	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = sqlutil.QuoteIdentifier(col)
	}
	builder := sq.Select(quoted...).From(sqlutil.QuoteIdentifier(entity))

	cond, err := buildWhere(s.provider, entity, "", p.Where)
	if err != nil {
		return nil, err
	}
	if cond != nil {
		builder = builder.Where(cond)
	}
	if extraCond != nil {
		builder = builder.Where(extraCond)
	}

	builder, err = s.applyOrderBy(builder, entity, p.OrderBy)
	if err != nil {
		return nil, err
	}
	if p.Take > 0 {
		builder = builder.Limit(uint64(p.Take))
	}
	if p.Skip > 0 {
		builder = builder.Offset(uint64(p.Skip))
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

	if err := s.attachRelations(ctx, entity, rows, p); err != nil {
		return nil, err
	}

	stripFields(rows, extras)
	return rows, nil
}

// selectColumns resolves the scalar columns to fetch. Join fields needed to
// stitch included relations are added internally and reported as extras so
// they can be stripped when the caller did not ask for them.
func (s *SQLStore) selectColumns(entity string, p *plan.Plan) ([]string, []string, error) {
	entityDesc, ok := s.provider.Entity(entity)
	if !ok {
		return nil, nil, apperr.Validationf("unknown entity %q", entity)
	}

	var columns []string
	if p.Select != nil {
		for _, field := range entityDesc.Fields {
			if sel, ok := p.Select[field.Name]; ok && sel == true {
				columns = append(columns, field.Name)
			}
		}
	} else {
		for _, field := range entityDesc.Fields {
			if slices.Contains(p.Omit, field.Name) {
				continue
			}
			columns = append(columns, field.Name)
		}
	}

	var extras []string
	for name := range s.relationEntries(p) {
		rel, ok := s.provider.Relation(entity, name)
		if !ok {
			return nil, nil, apperr.Validationf("unknown relation %q on %s", name, entity)
		}
		for _, local := range rel.LocalFields {
			if !slices.Contains(columns, local) {
				columns = append(columns, local)
				extras = append(extras, local)
			}
		}
	}
	if len(columns) == 0 {
		return nil, nil, apperr.Validationf("selection for %s is empty", entity)
	}
	return columns, extras, nil
}

// relationEntries returns the relation parts of the plan: the include tree
// in include mode, the relation-valued entries of the selection otherwise.
func (s *SQLStore) relationEntries(p *plan.Plan) map[string]any {
	if p.Select == nil {
		return p.Include
	}
	entries := map[string]any{}
	for name, value := range p.Select {
		if value == true {
			continue
		}
		entries[name] = value
	}
	return entries
}

func (s *SQLStore) applyOrderBy(builder sq.SelectBuilder, entity string, terms []plan.OrderTerm) (sq.SelectBuilder, error) {
	for _, term := range terms {
		direction := "ASC"
		if term.Desc {
			direction = "DESC"
		}
		if len(term.Path) == 1 {
			builder = builder.OrderBy(fmt.Sprintf("%s %s", sqlutil.QuoteIdentifier(term.Path[0]), direction))
			continue
		}

		// Relation sort: join singular relations along the path.
		current := entity
		currentAlias := entity
		for i, segment := range term.Path[:len(term.Path)-1] {
			rel, ok := s.provider.Relation(current, segment)
			if !ok {
				return builder, apperr.Validationf("unknown relation %q on %s in sort", segment, current)
			}
			if rel.List {
				return builder, apperr.Validationf("cannot sort by list relation %q", segment)
			}
			joinAlias := fmt.Sprintf("__sort_%s_%d", segment, i)
			onPairs := make([]string, len(rel.LocalFields))
			for j := range rel.LocalFields {
				onPairs[j] = fmt.Sprintf(
					"%s = %s",
					qualifiedColumn(joinAlias, rel.TargetFields[j]),
					qualifiedColumn(currentAlias, rel.LocalFields[j]),
				)
			}
			builder = builder.LeftJoin(fmt.Sprintf(
				"%s AS %s ON %s",
				sqlutil.QuoteIdentifier(rel.Target), sqlutil.QuoteIdentifier(joinAlias), strings.Join(onPairs, " AND "),
			))
			current = rel.Target
			currentAlias = joinAlias
		}
		field := term.Path[len(term.Path)-1]
		builder = builder.OrderBy(fmt.Sprintf("%s %s", qualifiedColumn(currentAlias, field), direction))
	}
	return builder, nil
}

// attachRelations batch-fetches each included relation with one IN query and
// stitches the children onto their parents.
func (s *SQLStore) attachRelations(ctx context.Context, entity string, rows []map[string]any, p *plan.Plan) error {
	entries := s.relationEntries(p)
	if len(entries) == 0 || len(rows) == 0 {
		return nil
	}

	for name, value := range entries {
		rel, ok := s.provider.Relation(entity, name)
		if !ok {
			return apperr.Validationf("unknown relation %q on %s", name, entity)
		}

		childPlan := &plan.Plan{}
		if node, ok := value.(*plan.IncludeNode); ok {
			childPlan.Where = node.Where
			childPlan.Include = node.Include
			childPlan.Select = node.Select
			childPlan.Omit = node.Omit
		}

		// Child rows must carry their join fields for stitching.
		extras := ensureSelected(childPlan, rel.TargetFields)

		tupleCond, keys := joinTupleCondition(rel, rows)
		if tupleCond == nil {
			continue
		}
		children, err := s.findMany(ctx, rel.Target, childPlan, tupleCond)
		if err != nil {
			return err
		}

		byKey := make(map[string][]map[string]any, len(keys))
		for _, child := range children {
			key := tupleKey(child, rel.TargetFields)
			byKey[key] = append(byKey[key], child)
		}
		stripFields(children, extras)

		for _, row := range rows {
			key := tupleKey(row, rel.LocalFields)
			matched := byKey[key]
			if rel.List {
				if matched == nil {
					matched = []map[string]any{}
				}
				row[name] = matched
			} else {
				if len(matched) > 0 {
					row[name] = matched[0]
				} else {
					row[name] = nil
				}
			}
		}
	}
	return nil
}

// ensureSelected adds fields to a selection-mode child plan so stitching has
// its join keys, returning the fields that were added and must be stripped.
func ensureSelected(p *plan.Plan, fields []string) []string {
	if p.Select == nil {
		return nil
	}
	var added []string
	for _, f := range fields {
		if _, ok := p.Select[f]; !ok {
			p.Select[f] = true
			added = append(added, f)
		}
	}
	return added
}

// joinTupleCondition builds the IN (or composite OR) condition matching
// children to the parent rows' join values.
func joinTupleCondition(rel *introspection.Relation, rows []map[string]any) (sq.Sqlizer, []string) {
	seen := map[string]struct{}{}
	if len(rel.LocalFields) == 1 {
		var values []any
		for _, row := range rows {
			v := row[rel.LocalFields[0]]
			if v == nil {
				continue
			}
			key := fmt.Sprintf("%v", v)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			values = append(values, v)
		}
		if len(values) == 0 {
			return nil, nil
		}
		keys := make([]string, 0, len(seen))
		for k := range seen {
			keys = append(keys, k)
		}
		return sq.Eq{sqlutil.QuoteIdentifier(rel.TargetFields[0]): values}, keys
	}

	var branches []sq.Sqlizer
	var keys []string
	for _, row := range rows {
		eq := sq.Eq{}
		skip := false
		for i, local := range rel.LocalFields {
			v := row[local]
			if v == nil {
				skip = true
				break
			}
			eq[sqlutil.QuoteIdentifier(rel.TargetFields[i])] = v
		}
		if skip {
			continue
		}
		key := tupleKey(row, rel.LocalFields)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
		branches = append(branches, eq)
	}
	if len(branches) == 0 {
		return nil, nil
	}
	return sq.Or(branches), keys
}

func tupleKey(row map[string]any, fields []string) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = fmt.Sprintf("%v", row[f])
	}
	return strings.Join(parts, "\x00")
}

func stripFields(rows []map[string]any, fields []string) {
	if len(fields) == 0 {
		return
	}
	for _, row := range rows {
		for _, f := range fields {
			delete(row, f)
		}
	}
}

// scanRows scans all rows into generic maps, converting raw byte slices to
// strings.
func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	defer func() {
		_ = rows.Close()
	}()
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func storeSpan(ctx context.Context, name, entity string) (context.Context, trace.Span) {
	tracer := otel.Tracer("schemarest/storage")
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("db.entity", entity)))
}

func recordStoreError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
