package plan

import (
	"strings"

	"schemarest/internal/apperr"
	"schemarest/internal/introspection"
)

// Sort order values are case-sensitive.
const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

// ValidateSort checks a sortBy dot-path against the schema (all but the last
// segment must be relations, the last a scalar field) and builds the order
// term. sortOrder must be exactly "asc" or "desc".
func ValidateSort(provider *introspection.Provider, entity, sortBy, sortOrder string) (*OrderTerm, error) {
	sortBy = strings.TrimSpace(sortBy)
	if sortBy == "" {
		return nil, nil
	}
	if sortOrder == "" {
		sortOrder = SortAsc
	}
	if sortOrder != SortAsc && sortOrder != SortDesc {
		return nil, apperr.Validationf("invalid sortOrder %q: must be %q or %q", sortOrder, SortAsc, SortDesc)
	}

	segments := strings.Split(sortBy, ".")
	current := entity
	for _, segment := range segments[:len(segments)-1] {
		rel, ok := provider.Relation(current, segment)
		if !ok {
			return nil, apperr.Validationf("unknown relation %q on %s in sortBy", segment, current)
		}
		current = rel.Target
	}
	last := segments[len(segments)-1]
	if _, ok := provider.Field(current, last); !ok {
		return nil, apperr.Validationf("unknown sort field %q on %s", last, current)
	}

	return &OrderTerm{Path: segments, Desc: sortOrder == SortDesc}, nil
}

// ClampTake validates and clamps a requested page size: zero or negative is a
// validation error, values above max clamp silently, max itself passes
// unmodified.
func ClampTake(requested, maxTake int) (int, error) {
	if requested <= 0 {
		return 0, apperr.Validationf("invalid limit %d: must be at least 1", requested)
	}
	if requested > maxTake {
		return maxTake, nil
	}
	return requested, nil
}
