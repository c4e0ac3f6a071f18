package introspection

import (
	"log/slog"
	"strings"

	"github.com/jinzhu/inflection"
)

// buildRelations derives relation descriptors in both directions from foreign
// keys. Many-to-one relation names come from the FK column (author_id →
// author); one-to-many names from the pluralized source table, prefixed by
// the FK column when several constraints point at the same target.
func buildRelations(schema *Schema) {
	// Count FK constraints per (source, target) pair so reverse relations can
	// be disambiguated when a table references the same target twice.
	fkCount := make(map[string]map[string]int)
	for _, entity := range schema.Entities {
		for _, fk := range entity.ForeignKeys {
			if fkCount[entity.Name] == nil {
				fkCount[entity.Name] = make(map[string]int)
			}
			fkCount[entity.Name][fk.TargetEntity]++
		}
	}

	for i := range schema.Entities {
		entity := &schema.Entities[i]
		for _, fk := range entity.ForeignKeys {
			if len(fk.Fields) == 0 || len(fk.Fields) != len(fk.TargetFields) {
				slog.Default().Warn("skipping foreign key with mismatched column mapping",
					slog.String("entity", entity.Name),
					slog.String("constraint", fk.ConstraintName))
				continue
			}
			entity.Relations = append(entity.Relations, Relation{
				Name:         ManyToOneName(fk.Fields[0]),
				Target:       fk.TargetEntity,
				List:         false,
				LocalFields:  append([]string(nil), fk.Fields...),
				TargetFields: append([]string(nil), fk.TargetFields...),
			})
		}
	}

	for i := range schema.Entities {
		entity := &schema.Entities[i]
		for j := range schema.Entities {
			other := &schema.Entities[j]
			for _, fk := range other.ForeignKeys {
				if fk.TargetEntity != entity.Name {
					continue
				}
				if len(fk.Fields) == 0 || len(fk.Fields) != len(fk.TargetFields) {
					continue
				}
				onlyFK := fkCount[other.Name][entity.Name] == 1
				entity.Relations = append(entity.Relations, Relation{
					Name:         OneToManyName(other.Name, fk.Fields[0], onlyFK),
					Target:       other.Name,
					List:         true,
					LocalFields:  append([]string(nil), fk.TargetFields...),
					TargetFields: append([]string(nil), fk.Fields...),
				})
			}
		}
	}
}

// RebuildRelations recomputes every entity's relation descriptors from its
// current foreign keys. Callers that filter entities or fields out of a
// schema use this to drop relations that point at removed metadata.
func RebuildRelations(schema *Schema) {
	for i := range schema.Entities {
		schema.Entities[i].Relations = nil
	}
	buildRelations(schema)
}

// ManyToOneName derives a singular relation name from a foreign key column,
// stripping a trailing _id suffix (author_id → author).
func ManyToOneName(fkColumn string) string {
	name := strings.TrimSuffix(fkColumn, "_id")
	if name == "" {
		name = fkColumn
	}
	return name
}

// OneToManyName derives a list relation name from the referencing table.
// When multiple FK constraints point at the same target, the FK column
// prefix disambiguates (author_id on posts → author_posts).
func OneToManyName(sourceTable, fkColumn string, onlyFK bool) string {
	plural := inflection.Plural(sourceTable)
	if onlyFK {
		return plural
	}
	prefix := strings.TrimSuffix(fkColumn, "_id")
	if prefix == "" || prefix == fkColumn {
		prefix = fkColumn
	}
	return prefix + "_" + plural
}
