package storage

import (
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"schemarest/internal/apperr"
	"schemarest/internal/introspection"
	"schemarest/internal/sqlutil"
)

// whereBuildState tracks alias allocation for correlated relation subqueries.
type whereBuildState struct {
	provider     *introspection.Provider
	aliasCounter int
}

func (s *whereBuildState) nextAlias(prefix string) string {
	normalized := strings.TrimSpace(prefix)
	if normalized == "" {
		normalized = "rel"
	}
	normalized = strings.ReplaceAll(normalized, "`", "")
	s.aliasCounter++
	return fmt.Sprintf("__%s_%d", normalized, s.aliasCounter)
}

// buildWhere translates a predicate tree into a squirrel condition. When
// alias is non-empty, column references are qualified as alias.column.
func buildWhere(provider *introspection.Provider, entity, alias string, where map[string]any) (sq.Sqlizer, error) {
	if len(where) == 0 {
		return nil, nil
	}
	state := &whereBuildState{provider: provider}
	return buildCondition(state, entity, alias, where)
}

func buildCondition(state *whereBuildState, entity, alias string, where map[string]any) (sq.Sqlizer, error) {
	conditions := []sq.Sqlizer{}
	keys := make([]string, 0, len(where))
	for key := range where {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := where[key]
		switch key {
		case "AND", "OR":
			branchesRaw, err := branchList(value)
			if err != nil {
				return nil, apperr.Validationf("%s must be a list of predicate objects", key)
			}
			branches := []sq.Sqlizer{}
			for _, branch := range branchesRaw {
				cond, err := buildCondition(state, entity, alias, branch)
				if err != nil {
					return nil, err
				}
				if cond != nil {
					branches = append(branches, cond)
				}
			}
			if len(branches) == 0 {
				continue
			}
			if key == "AND" {
				conditions = append(conditions, sq.And(branches))
			} else {
				conditions = append(conditions, sq.Or(branches))
			}

		default:
			if _, ok := state.provider.Field(entity, key); ok {
				fieldConds, err := buildFieldCondition(qualifiedColumn(alias, key), value)
				if err != nil {
					return nil, err
				}
				conditions = append(conditions, fieldConds...)
				continue
			}
			rel, ok := state.provider.Relation(entity, key)
			if !ok {
				return nil, apperr.Validationf("unknown field %q on %s in where", key, entity)
			}
			relCond, err := buildRelationCondition(state, entity, alias, rel, value)
			if err != nil {
				return nil, err
			}
			if relCond != nil {
				conditions = append(conditions, relCond)
			}
		}
	}

	if len(conditions) == 0 {
		return nil, nil
	}
	if len(conditions) == 1 {
		return conditions[0], nil
	}
	return sq.And(conditions), nil
}

func branchList(value any) ([]map[string]any, error) {
	switch v := value.(type) {
	case []map[string]any:
		return v, nil
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("branch items must be objects")
			}
			out = append(out, m)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list")
	}
}

// buildFieldCondition translates one field's comparator map (or a bare value,
// which means equality) into squirrel conditions.
func buildFieldCondition(column string, value any) ([]sq.Sqlizer, error) {
	ops, ok := value.(map[string]any)
	if !ok {
		return []sq.Sqlizer{sq.Eq{column: value}}, nil
	}

	conditions := []sq.Sqlizer{}
	names := make([]string, 0, len(ops))
	for op := range ops {
		names = append(names, op)
	}
	sort.Strings(names)

	for _, op := range names {
		operand := ops[op]
		switch op {
		case "equals":
			conditions = append(conditions, sq.Eq{column: operand})
		case "not":
			cond, err := buildNotCondition(column, operand)
			if err != nil {
				return nil, err
			}
			conditions = append(conditions, cond)
		case "lt":
			conditions = append(conditions, sq.Lt{column: operand})
		case "lte":
			conditions = append(conditions, sq.LtOrEq{column: operand})
		case "gt":
			conditions = append(conditions, sq.Gt{column: operand})
		case "gte":
			conditions = append(conditions, sq.GtOrEq{column: operand})
		case "contains":
			conditions = append(conditions, sq.Like{column: "%" + likeOperand(operand) + "%"})
		case "startsWith":
			conditions = append(conditions, sq.Like{column: likeOperand(operand) + "%"})
		case "endsWith":
			conditions = append(conditions, sq.Like{column: "%" + likeOperand(operand)})
		case "in":
			arr, err := operandList(operand)
			if err != nil {
				return nil, apperr.Validationf("in operator requires an array")
			}
			conditions = append(conditions, sq.Eq{column: arr})
		case "notIn":
			arr, err := operandList(operand)
			if err != nil {
				return nil, apperr.Validationf("notIn operator requires an array")
			}
			conditions = append(conditions, sq.NotEq{column: arr})
		default:
			return nil, apperr.Validationf("unknown filter operator %q", op)
		}
	}
	return conditions, nil
}

// buildNotCondition negates a bare value (NotEq), nil (IS NOT NULL) or a
// nested comparator map (NOT (...)).
func buildNotCondition(column string, operand any) (sq.Sqlizer, error) {
	nested, ok := operand.(map[string]any)
	if !ok {
		return sq.NotEq{column: operand}, nil
	}
	inner, err := buildFieldCondition(column, nested)
	if err != nil {
		return nil, err
	}
	var combined sq.Sqlizer = sq.And(inner)
	if len(inner) == 1 {
		combined = inner[0]
	}
	innerSQL, args, err := combined.ToSql()
	if err != nil {
		return nil, err
	}
	return sq.Expr(fmt.Sprintf("NOT (%s)", innerSQL), args...), nil
}

func likeOperand(operand any) string {
	s, ok := operand.(string)
	if !ok {
		s = fmt.Sprintf("%v", operand)
	}
	return s
}

func operandList(operand any) ([]any, error) {
	switch v := operand.(type) {
	case []any:
		return v, nil
	case []string:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected an array")
	}
}

// buildRelationCondition handles relation predicates: existential some/none
// for list relations, is/isNot null and nested object predicates for
// singular relations. All compile to correlated EXISTS subqueries.
func buildRelationCondition(state *whereBuildState, entity, alias string, rel *introspection.Relation, value any) (sq.Sqlizer, error) {
	ops, ok := value.(map[string]any)
	if !ok {
		return nil, apperr.Validationf("filter for relation %q must be an object", rel.Name)
	}

	if rel.List {
		conditions := []sq.Sqlizer{}
		names := make([]string, 0, len(ops))
		for op := range ops {
			names = append(names, op)
		}
		sort.Strings(names)
		for _, op := range names {
			nested, ok := ops[op].(map[string]any)
			if !ok {
				return nil, apperr.Validationf("relation filter %s.%s must be an object", rel.Name, op)
			}
			switch op {
			case "some":
				cond, err := buildExistsPredicate(state, entity, alias, rel, nested, true)
				if err != nil {
					return nil, err
				}
				conditions = append(conditions, cond)
			case "none":
				cond, err := buildExistsPredicate(state, entity, alias, rel, nested, false)
				if err != nil {
					return nil, err
				}
				conditions = append(conditions, cond)
			default:
				return nil, apperr.Validationf("unknown relation filter operator %q", op)
			}
		}
		if len(conditions) == 1 {
			return conditions[0], nil
		}
		return sq.And(conditions), nil
	}

	// Singular relation: null checks test the local FK columns directly; a
	// nested predicate becomes an EXISTS against the target.
	if isValue, ok := ops["is"]; ok && isValue == nil {
		conds := make([]sq.Sqlizer, 0, len(rel.LocalFields))
		for _, local := range rel.LocalFields {
			conds = append(conds, sq.Eq{qualifiedColumn(alias, local): nil})
		}
		return sq.And(conds), nil
	}
	if isNotValue, ok := ops["isNot"]; ok && isNotValue == nil {
		conds := make([]sq.Sqlizer, 0, len(rel.LocalFields))
		for _, local := range rel.LocalFields {
			conds = append(conds, sq.NotEq{qualifiedColumn(alias, local): nil})
		}
		return sq.And(conds), nil
	}
	if nested, ok := ops["is"].(map[string]any); ok {
		return buildExistsPredicate(state, entity, alias, rel, nested, true)
	}
	return buildExistsPredicate(state, entity, alias, rel, ops, true)
}

func buildExistsPredicate(state *whereBuildState, entity, alias string, rel *introspection.Relation, nested map[string]any, shouldExist bool) (sq.Sqlizer, error) {
	// Root-level predicates still need a deterministic correlation target;
	// the table name avoids ambiguous bare-column references in the subquery.
	outerRef := alias
	if outerRef == "" {
		outerRef = entity
	}

	targetAlias := state.nextAlias(rel.Target)
	builder := sq.Select("1").From(fmt.Sprintf("%s AS %s", sqlutil.QuoteIdentifier(rel.Target), sqlutil.QuoteIdentifier(targetAlias)))
	for i := range rel.LocalFields {
		builder = builder.Where(sq.Expr(fmt.Sprintf(
			"%s = %s",
			qualifiedColumn(targetAlias, rel.TargetFields[i]),
			qualifiedColumn(outerRef, rel.LocalFields[i]),
		)))
	}
	if len(nested) > 0 {
		nestedCond, err := buildCondition(state, rel.Target, targetAlias, nested)
		if err != nil {
			return nil, err
		}
		if nestedCond != nil {
			builder = builder.Where(nestedCond)
		}
	}
	subquery, args, err := builder.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return nil, err
	}
	prefix := "EXISTS"
	if !shouldExist {
		prefix = "NOT EXISTS"
	}
	return sq.Expr(fmt.Sprintf("%s (%s)", prefix, subquery), args...), nil
}

func qualifiedColumn(alias, column string) string {
	return sqlutil.Qualify(alias, column)
}
