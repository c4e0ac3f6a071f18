// Package filter parses the compact query-string filter DSL into a predicate
// tree consumed by the query planner and the storage layer.
//
// A filter string is a comma-separated list of path=value clauses, where path
// walks relation descriptors (category.name) and value carries an optional
// operator prefix (gt:, before:, not:, ...), a bracketed array, or a wildcard
// string pattern.
package filter

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"schemarest/internal/apperr"
	"schemarest/internal/introspection"
)

// nullToken filters for SQL NULL. On a non-nullable field the positive form
// is a validation error; the negated form is a tautology and is skipped.
const nullToken = "#NULL"

const negatePrefix = "not:"

var dateShapeRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}([T ].*)?$`)

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Parser turns filter strings into predicate trees for one schema.
type Parser struct {
	provider *introspection.Provider
}

// NewParser creates a Parser over the given schema provider.
func NewParser(provider *introspection.Provider) *Parser {
	return &Parser{provider: provider}
}

// Parse parses a filter string against the entity's schema. An empty string
// yields a nil tree. Unknown fields or relations raise validation errors.
func (p *Parser) Parse(entity, raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	tree := map[string]any{}
	for _, clause := range splitClauses(raw) {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		path, value, ok := strings.Cut(clause, "=")
		if !ok {
			return nil, apperr.Validationf("malformed filter clause %q: expected path=value", clause)
		}
		fragment, err := p.parseClause(entity, strings.TrimSpace(path), value)
		if err != nil {
			return nil, err
		}
		if fragment == nil {
			// Tautological clause (e.g. not:#NULL on a required field).
			continue
		}
		mergeTree(tree, fragment)
	}
	if len(tree) == 0 {
		return nil, nil
	}
	return tree, nil
}

// splitClauses splits on commas that are not inside a bracketed array.
func splitClauses(raw string) []string {
	var clauses []string
	depth := 0
	start := 0
	for i, r := range raw {
		switch r {
		case '[':
			depth++
		case ']':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				clauses = append(clauses, raw[start:i])
				start = i + 1
			}
		}
	}
	clauses = append(clauses, raw[start:])
	return clauses
}

// parseClause resolves the dotted path from the entity root and builds the
// predicate fragment, wrapping it back out through the traversed relations.
// A nil fragment with nil error means the clause was skipped.
func (p *Parser) parseClause(entity, path, value string) (map[string]any, error) {
	if path == "" {
		return nil, apperr.Validationf("empty filter path")
	}
	segments := strings.Split(path, ".")

	type hop struct {
		rel *introspection.Relation
	}
	var hops []hop
	current := entity
	for _, segment := range segments[:len(segments)-1] {
		rel, ok := p.provider.Relation(current, segment)
		if !ok {
			return nil, apperr.Validationf("unknown relation %q on %s in filter path %q", segment, current, path)
		}
		hops = append(hops, hop{rel: rel})
		current = rel.Target
	}

	last := segments[len(segments)-1]
	var fragment map[string]any

	if field, ok := p.provider.Field(current, last); ok {
		pred, err := p.fieldPredicate(field, path, value)
		if err != nil {
			return nil, err
		}
		if pred == nil {
			return nil, nil
		}
		fragment = pred
	} else if rel, ok := p.provider.Relation(current, last); ok {
		pred, err := relationNullPredicate(rel, path, value)
		if err != nil {
			return nil, err
		}
		fragment = pred
	} else {
		return nil, apperr.Validationf("unknown field %q on %s in filter path %q", last, current, path)
	}

	for i := len(hops) - 1; i >= 0; i-- {
		rel := hops[i].rel
		if rel.List {
			// List relations quantify existentially: at least one related
			// row must match the nested predicate.
			fragment = map[string]any{rel.Name: map[string]any{"some": fragment}}
		} else {
			fragment = map[string]any{rel.Name: fragment}
		}
	}
	return fragment, nil
}

// relationNullPredicate handles #NULL filtering addressed at a relation
// rather than a scalar field.
func relationNullPredicate(rel *introspection.Relation, path, value string) (map[string]any, error) {
	negated := strings.HasPrefix(value, negatePrefix)
	token := strings.TrimPrefix(value, negatePrefix)
	if token != nullToken {
		return nil, apperr.Validationf("relation %q in filter path %q only supports %s", rel.Name, path, nullToken)
	}
	if rel.List {
		if negated {
			return map[string]any{rel.Name: map[string]any{"some": map[string]any{}}}, nil
		}
		return map[string]any{rel.Name: map[string]any{"none": map[string]any{}}}, nil
	}
	if negated {
		return map[string]any{rel.Name: map[string]any{"isNot": nil}}, nil
	}
	return map[string]any{rel.Name: map[string]any{"is": nil}}, nil
}

// fieldPredicate builds the fragment for a scalar field clause. The returned
// map is keyed by the field name, or by "OR" for wildcard array expansion.
// Returns (nil, nil) when the clause adds no constraint.
func (p *Parser) fieldPredicate(field *introspection.Field, path, value string) (map[string]any, error) {
	negated := strings.HasPrefix(value, negatePrefix)
	if negated {
		value = strings.TrimPrefix(value, negatePrefix)
	}

	if value == nullToken {
		if negated {
			if !field.Nullable {
				// "is not null" on a required field adds no constraint.
				return nil, nil
			}
			return map[string]any{field.Name: map[string]any{"not": nil}}, nil
		}
		if !field.Nullable {
			return nil, apperr.Validationf("field %q in filter path %q is not nullable and can never be %s", field.Name, path, nullToken)
		}
		return map[string]any{field.Name: map[string]any{"equals": nil}}, nil
	}

	// Date operators take precedence: between: is ambiguous between numeric
	// and date ranges, and only the operand shape disambiguates.
	if pred, handled, err := datePredicate(path, value); handled {
		if err != nil {
			return nil, err
		}
		return map[string]any{field.Name: maybeNegate(pred, negated)}, nil
	}

	if pred, handled, err := numericPredicate(path, value); handled {
		if err != nil {
			return nil, err
		}
		return map[string]any{field.Name: maybeNegate(pred, negated)}, nil
	}

	if strings.HasPrefix(value, "[") && strings.HasSuffix(value, "]") {
		return arrayPredicate(field.Name, value, negated)
	}

	return map[string]any{field.Name: stringPredicate(value, negated)}, nil
}

func maybeNegate(pred map[string]any, negated bool) map[string]any {
	if !negated {
		return pred
	}
	return map[string]any{"not": pred}
}

// datePredicate handles before:/after:/from:/to:/on:/between: when operands
// look like dates. Returns handled=false so the caller can fall through to
// numeric or string handling.
func datePredicate(path, value string) (map[string]any, bool, error) {
	op, operand, ok := strings.Cut(value, ":")
	if !ok {
		return nil, false, nil
	}
	switch op {
	case "before", "after", "from", "to", "on":
		if !dateShapeRe.MatchString(operand) {
			if op == "on" || op == "before" || op == "after" {
				return nil, true, apperr.Validationf("unparseable date %q in filter %q", operand, path)
			}
			return nil, false, nil
		}
		parsed, err := parseDate(operand)
		if err != nil {
			return nil, true, apperr.Validationf("unparseable date %q in filter %q", operand, path)
		}
		switch op {
		case "before":
			return map[string]any{"lt": parsed}, true, nil
		case "after":
			return map[string]any{"gt": parsed}, true, nil
		case "from":
			return map[string]any{"gte": parsed}, true, nil
		case "to":
			return map[string]any{"lte": parsed}, true, nil
		case "on":
			// Half-open day range [00:00:00, +1 day).
			day := parsed.Truncate(24 * time.Hour)
			return map[string]any{"gte": day, "lt": day.AddDate(0, 0, 1)}, true, nil
		}
	case "between":
		low, high, err := splitBetween(operand, path)
		if err != nil {
			return nil, true, err
		}
		if !dateShapeRe.MatchString(low) || !dateShapeRe.MatchString(high) {
			return nil, false, nil
		}
		lowT, err := parseDate(low)
		if err != nil {
			return nil, true, apperr.Validationf("unparseable date %q in filter %q", low, path)
		}
		highT, err := parseDate(high)
		if err != nil {
			return nil, true, apperr.Validationf("unparseable date %q in filter %q", high, path)
		}
		return map[string]any{"gte": lowT, "lte": highT}, true, nil
	}
	return nil, false, nil
}

func parseDate(raw string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("no matching date layout for %q", raw)
}

func splitBetween(operand, path string) (string, string, error) {
	low, high, ok := strings.Cut(operand, ";")
	low = strings.TrimSpace(low)
	high = strings.TrimSpace(high)
	if !ok || low == "" || high == "" {
		return "", "", apperr.Validationf("malformed between in filter %q: expected between:low;high", path)
	}
	return low, high, nil
}

// numericPredicate handles lt:/lte:/gt:/gte:/eq:/ne:/between: with numeric
// operands.
func numericPredicate(path, value string) (map[string]any, bool, error) {
	op, operand, ok := strings.Cut(value, ":")
	if !ok {
		return nil, false, nil
	}
	switch op {
	case "lt", "lte", "gt", "gte", "eq", "ne":
		n, err := parseNumber(operand)
		if err != nil {
			return nil, false, nil
		}
		switch op {
		case "eq":
			return map[string]any{"equals": n}, true, nil
		case "ne":
			return map[string]any{"not": n}, true, nil
		default:
			return map[string]any{op: n}, true, nil
		}
	case "between":
		low, high, err := splitBetween(operand, path)
		if err != nil {
			return nil, true, err
		}
		lowN, lowErr := parseNumber(low)
		highN, highErr := parseNumber(high)
		if lowErr != nil || highErr != nil {
			// The date handler already declined these operands, so the
			// clause is a recognized between with unusable bounds, not a
			// string that happens to start with "between:".
			return nil, true, apperr.Validationf("malformed between in filter %q: operands must both be numbers or both be dates", path)
		}
		return map[string]any{"gte": lowN, "lte": highN}, true, nil
	}
	return nil, false, nil
}

func parseNumber(raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f, nil
	}
	return nil, fmt.Errorf("not a number: %q", raw)
}

// arrayPredicate handles bracketed arrays. Plain arrays become in/notIn;
// arrays with wildcard elements expand to an OR of per-element string
// predicates (negated per element when the clause carried not:).
func arrayPredicate(fieldName, value string, negated bool) (map[string]any, error) {
	elements, err := parseArray(value)
	if err != nil {
		return nil, apperr.Validationf("malformed array filter on %q: %v", fieldName, err)
	}

	hasWildcard := false
	for _, el := range elements {
		if s, ok := el.(string); ok && strings.Contains(s, "%") {
			hasWildcard = true
			break
		}
	}

	if !hasWildcard {
		op := "in"
		if negated {
			op = "notIn"
		}
		return map[string]any{fieldName: map[string]any{op: elements}}, nil
	}

	branches := make([]map[string]any, 0, len(elements))
	for _, el := range elements {
		s, ok := el.(string)
		if !ok {
			s = fmt.Sprintf("%v", el)
		}
		branches = append(branches, map[string]any{fieldName: stringPredicate(s, negated)})
	}
	return map[string]any{"OR": branches}, nil
}

// parseArray parses a bracketed array as JSON, falling back to a plain comma
// split for unquoted string elements.
func parseArray(raw string) ([]any, error) {
	var parsed []any
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
		return parsed, nil
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")
	if strings.TrimSpace(inner) == "" {
		return nil, fmt.Errorf("empty array")
	}
	parts := strings.Split(inner, ",")
	elements := make([]any, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		part = strings.Trim(part, `"'`)
		elements = append(elements, part)
	}
	return elements, nil
}

// stringPredicate applies the wildcard rules: %x% contains, %x endsWith,
// x% startsWith, plain equality otherwise. Bare true/false coerce to booleans.
func stringPredicate(value string, negated bool) map[string]any {
	var pred map[string]any
	switch {
	case strings.HasPrefix(value, "%") && strings.HasSuffix(value, "%") && len(value) >= 2:
		pred = map[string]any{"contains": strings.Trim(value, "%")}
	case strings.HasPrefix(value, "%"):
		pred = map[string]any{"endsWith": strings.TrimPrefix(value, "%")}
	case strings.HasSuffix(value, "%"):
		pred = map[string]any{"startsWith": strings.TrimSuffix(value, "%")}
	case value == "true":
		pred = map[string]any{"equals": true}
	case value == "false":
		pred = map[string]any{"equals": false}
	default:
		pred = map[string]any{"equals": value}
	}
	if negated {
		return map[string]any{"not": pred}
	}
	return pred
}

// mergeTree deep-merges src into dst under AND semantics. Keys present on
// only one side copy over; operator maps for the same field merge
// comparator-by-comparator. A collision that cannot merge losslessly (the
// same comparator twice, a bare value meeting a predicate, two OR lists) is
// preserved as an AND branch: dropping either side would widen the result or
// redirect a keyed write.
func mergeTree(dst, src map[string]any) {
	for key, srcVal := range src {
		dstVal, ok := dst[key]
		if !ok {
			dst[key] = srcVal
			continue
		}
		if key == "AND" {
			dst[key] = append(branches(dstVal), branches(srcVal)...)
			continue
		}
		dstMap, dstOK := dstVal.(map[string]any)
		srcMap, srcOK := srcVal.(map[string]any)
		if dstOK && srcOK && mergeable(dstMap, srcMap) {
			mergeTree(dstMap, srcMap)
			continue
		}
		dst["AND"] = append(branches(dst["AND"]),
			map[string]any{key: dstVal},
			map[string]any{key: srcVal},
		)
		delete(dst, key)
	}
}

// mergeable reports whether two subtrees deep-merge without losing a
// constraint: every key they share must map to maps that are themselves
// mergeable.
func mergeable(a, b map[string]any) bool {
	for key, av := range a {
		bv, ok := b[key]
		if !ok {
			continue
		}
		am, aOK := av.(map[string]any)
		bm, bOK := bv.(map[string]any)
		if !aOK || !bOK || !mergeable(am, bm) {
			return false
		}
	}
	return true
}

// branches normalizes an AND/OR branch value to a fresh generic list.
func branches(v any) []any {
	switch list := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]any, len(list))
		copy(out, list)
		return out
	case []map[string]any:
		out := make([]any, 0, len(list))
		for _, m := range list {
			out = append(out, m)
		}
		return out
	default:
		return []any{v}
	}
}

func cloneTree(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for key, value := range src {
		if m, ok := value.(map[string]any); ok {
			dst[key] = cloneTree(m)
			continue
		}
		dst[key] = value
	}
	return dst
}

// MergeAnd combines an access-control predicate with a caller predicate,
// ANDing them. Either side may be nil. The inputs are not mutated, and no
// constraint from either side is ever dropped: a primary-key equality merged
// with an access filter on the same column survives as an AND branch.
func MergeAnd(base, extra map[string]any) map[string]any {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	merged := cloneTree(base)
	mergeTree(merged, cloneTree(extra))
	return merged
}
