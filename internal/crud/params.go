package crud

import (
	"net/url"
	"strconv"
	"strings"

	"schemarest/internal/apperr"
	"schemarest/internal/introspection"
)

// Params are the read-operation parameters extracted from the query string.
type Params struct {
	Filter    string // q
	Include   string // "ALL" or comma/dot list
	Fields    string // comma/dot list; switches the plan to selection mode
	Limit     *int   // nil = engine default
	Offset    int
	SortBy    string
	SortOrder string

	// RelationFilters are caller-supplied per-relation where overrides keyed
	// by relation path, merged into the include plan after access filters.
	RelationFilters map[string]map[string]any
}

// ParamsFromQuery parses the engine's query parameters. Unknown parameters
// are ignored; malformed numeric parameters are validation errors.
func ParamsFromQuery(values url.Values) (*Params, error) {
	p := &Params{
		Filter:    values.Get("q"),
		Include:   values.Get("include"),
		Fields:    values.Get("fields"),
		SortBy:    values.Get("sortBy"),
		SortOrder: values.Get("sortOrder"),
	}

	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return nil, apperr.Validationf("invalid limit %q: must be an integer", raw)
		}
		p.Limit = &limit
	}
	if raw := values.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return nil, apperr.Validationf("invalid offset %q: must be an integer", raw)
		}
		if offset < 0 {
			return nil, apperr.Validationf("invalid offset %d: must not be negative", offset)
		}
		p.Offset = offset
	}
	return p, nil
}

// primaryKeyWhere turns an external record identifier into a where-map over
// the entity's primary key. Composite keys are addressed either as an object
// of field:value pairs or as a delimiter-joined string in key order.
func primaryKeyWhere(provider *introspection.Provider, entity string, id any) (map[string]any, error) {
	pk := provider.PrimaryKey(entity)
	if len(pk) == 0 {
		return nil, apperr.Validationf("entity %s has no primary key", entity)
	}

	switch v := id.(type) {
	case map[string]any:
		where := make(map[string]any, len(pk))
		for _, field := range pk {
			value, ok := v[field]
			if !ok {
				return nil, apperr.Validationf("composite key is missing field %q", field)
			}
			where[field] = value
		}
		if len(v) != len(pk) {
			return nil, apperr.Validationf("composite key must contain exactly the fields %s", strings.Join(pk, ", "))
		}
		return where, nil

	case string:
		if len(pk) == 1 {
			return map[string]any{pk[0]: v}, nil
		}
		parts := strings.Split(v, introspection.KeyDelimiter)
		if len(parts) != len(pk) {
			return nil, apperr.Validationf(
				"composite key %q must have %d values joined by %q", v, len(pk), introspection.KeyDelimiter)
		}
		where := make(map[string]any, len(pk))
		for i, field := range pk {
			where[field] = parts[i]
		}
		return where, nil

	case nil:
		return nil, apperr.Validationf("record identifier is required")

	default:
		if len(pk) != 1 {
			return nil, apperr.Validationf("composite key must be an object or a delimiter-joined string")
		}
		return map[string]any{pk[0]: v}, nil
	}
}
