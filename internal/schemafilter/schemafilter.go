// Package schemafilter applies allow/deny filters to introspected schemas,
// controlling which entities and fields the engine exposes.
package schemafilter

import (
	"path"
	"slices"
	"strings"

	"schemarest/internal/introspection"
)

// Config controls allow/deny filters for entities and fields. Patterns are
// case-insensitive globs; deny rules always win over allow rules.
type Config struct {
	AllowEntities []string            `mapstructure:"allow_entities"`
	DenyEntities  []string            `mapstructure:"deny_entities"`
	AllowFields   map[string][]string `mapstructure:"allow_fields"`
	DenyFields    map[string][]string `mapstructure:"deny_fields"`
	// DenyMutationEntities and DenyMutationFields restrict writes only; they
	// do not affect read visibility.
	DenyMutationEntities []string            `mapstructure:"deny_mutation_entities"`
	DenyMutationFields   map[string][]string `mapstructure:"deny_mutation_fields"`
}

// Apply filters entities, fields and foreign keys in place, then rebuilds
// relation descriptors so nothing references removed metadata. A missing
// allow list defaults to allow-all.
func Apply(schema *introspection.Schema, cfg Config) {
	if schema == nil {
		return
	}

	allowedEntities := make(map[string]bool)
	filtered := make([]introspection.Entity, 0, len(schema.Entities))
	for _, entity := range schema.Entities {
		if !entityAllowed(entity.Name, cfg.AllowEntities, cfg.DenyEntities) {
			continue
		}
		filtered = append(filtered, entity)
		allowedEntities[entity.Name] = true
	}
	if len(filtered) == 0 {
		schema.Entities = nil
		return
	}

	allowedFieldsByEntity := make(map[string]map[string]bool, len(filtered))
	for i := range filtered {
		entity := &filtered[i]
		allowed := make(map[string]bool)
		fields := make([]introspection.Field, 0, len(entity.Fields))
		for _, field := range entity.Fields {
			if !fieldAllowed(entity.Name, field.Name, cfg.AllowFields, cfg.DenyFields) {
				continue
			}
			fields = append(fields, field)
			allowed[field.Name] = true
		}
		entity.Fields = fields
		allowedFieldsByEntity[entity.Name] = allowed
	}

	final := make([]introspection.Entity, 0, len(filtered))
	for _, entity := range filtered {
		if len(entity.Fields) == 0 {
			continue
		}
		allowed := allowedFieldsByEntity[entity.Name]

		// An entity whose primary key is partially filtered away cannot be
		// addressed by key; drop the key rather than exposing a partial one.
		keepKey := true
		for _, field := range entity.PrimaryKey {
			if !allowed[field] {
				keepKey = false
				break
			}
		}
		if !keepKey {
			entity.PrimaryKey = nil
		}

		entity.ForeignKeys = filterForeignKeys(entity.ForeignKeys, allowed, allowedEntities, allowedFieldsByEntity)
		entity.Relations = nil
		final = append(final, entity)
	}

	schema.Entities = final
	if len(schema.Entities) == 0 {
		return
	}
	introspection.RebuildRelations(schema)
}

func entityAllowed(entity string, allow, deny []string) bool {
	if matchesAny(entity, deny) {
		return false
	}
	if len(allow) == 0 {
		return true
	}
	return matchesAny(entity, allow)
}

func fieldAllowed(entity, field string, allow, deny map[string][]string) bool {
	if matchesAny(field, mergePatterns(deny, entity)) {
		return false
	}
	allowPatterns := mergePatterns(allow, entity)
	if len(allowPatterns) == 0 {
		return true
	}
	return matchesAny(field, allowPatterns)
}

func mergePatterns(patterns map[string][]string, entity string) []string {
	if patterns == nil {
		return nil
	}
	combined := append([]string{}, patterns["*"]...)
	combined = append(combined, patterns[entity]...)
	return slices.Compact(combined)
}

func filterForeignKeys(fks []introspection.ForeignKey, allowedFields map[string]bool, allowedEntities map[string]bool, allowedFieldsByEntity map[string]map[string]bool) []introspection.ForeignKey {
	filtered := make([]introspection.ForeignKey, 0, len(fks))
	for _, fk := range fks {
		keep := allowedEntities[fk.TargetEntity]
		for _, field := range fk.Fields {
			if !allowedFields[field] {
				keep = false
				break
			}
		}
		remote := allowedFieldsByEntity[fk.TargetEntity]
		for _, field := range fk.TargetFields {
			if remote == nil || !remote[field] {
				keep = false
				break
			}
		}
		if keep {
			filtered = append(filtered, fk)
		}
	}
	return filtered
}

func matchesAny(value string, patterns []string) bool {
	value = strings.ToLower(value)
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		// matching should be case-insensitive
		ok, err := path.Match(strings.ToLower(pattern), value)
		if err != nil {
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// MutationEntityAllowed reports whether an entity accepts writes.
func MutationEntityAllowed(entity string, cfg Config) bool {
	return !matchesAny(entity, cfg.DenyMutationEntities)
}

// MutationFieldAllowed reports whether a field accepts write input.
func MutationFieldAllowed(entity, field string, cfg Config) bool {
	return !matchesAny(field, mergePatterns(cfg.DenyMutationFields, entity))
}
