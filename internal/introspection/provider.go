package introspection

import (
	"strings"
	"sync"
)

// KeyDelimiter joins composite primary key values in their external string form.
const KeyDelimiter = "|"

// Provider exposes schema metadata with lazy, memoized per-entity lookups.
// The underlying schema is immutable, so concurrent recomputation of a cache
// entry is idempotent and safe.
type Provider struct {
	schema *Schema

	mu       sync.RWMutex
	entities map[string]*Entity
	fields   map[string]map[string]*Field
	rels     map[string]map[string]*Relation
}

// NewProvider creates a Provider over an introspected schema. The schema must
// not be mutated afterwards.
func NewProvider(schema *Schema) *Provider {
	return &Provider{
		schema:   schema,
		entities: make(map[string]*Entity),
		fields:   make(map[string]map[string]*Field),
		rels:     make(map[string]map[string]*Relation),
	}
}

// Entity returns the entity descriptor by name, or false when the schema does
// not expose it.
func (p *Provider) Entity(name string) (*Entity, bool) {
	p.mu.RLock()
	entity, ok := p.entities[name]
	p.mu.RUnlock()
	if ok {
		return entity, entity != nil
	}

	var found *Entity
	for i := range p.schema.Entities {
		if p.schema.Entities[i].Name == name {
			found = &p.schema.Entities[i]
			break
		}
	}
	p.mu.Lock()
	p.entities[name] = found
	p.mu.Unlock()
	return found, found != nil
}

// Field returns a scalar field descriptor on the entity.
func (p *Provider) Field(entityName, fieldName string) (*Field, bool) {
	byName, ok := p.fieldIndex(entityName)
	if !ok {
		return nil, false
	}
	field, ok := byName[fieldName]
	return field, ok
}

// Relation returns a relation descriptor on the entity.
func (p *Provider) Relation(entityName, relationName string) (*Relation, bool) {
	byName, ok := p.relationIndex(entityName)
	if !ok {
		return nil, false
	}
	rel, ok := byName[relationName]
	return rel, ok
}

// Relations returns all relation descriptors for the entity.
func (p *Provider) Relations(entityName string) []Relation {
	entity, ok := p.Entity(entityName)
	if !ok {
		return nil
	}
	return entity.Relations
}

// ScalarFields returns the entity's scalar field names in declaration order.
func (p *Provider) ScalarFields(entityName string) []string {
	entity, ok := p.Entity(entityName)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(entity.Fields))
	for _, f := range entity.Fields {
		names = append(names, f.Name)
	}
	return names
}

// PrimaryKey returns the ordered primary key field names for the entity.
func (p *Provider) PrimaryKey(entityName string) []string {
	entity, ok := p.Entity(entityName)
	if !ok {
		return nil
	}
	return entity.PrimaryKey
}

// RelationForForeignKeyField returns the singular relation whose first local
// join field is the given scalar field. This is how the mutation transformer
// recognizes raw foreign key assignments.
func (p *Provider) RelationForForeignKeyField(entityName, fieldName string) (*Relation, bool) {
	entity, ok := p.Entity(entityName)
	if !ok {
		return nil, false
	}
	for i := range entity.Relations {
		rel := &entity.Relations[i]
		if rel.List {
			continue
		}
		if len(rel.LocalFields) == 1 && rel.LocalFields[0] == fieldName {
			return rel, true
		}
	}
	return nil, false
}

func (p *Provider) fieldIndex(entityName string) (map[string]*Field, bool) {
	p.mu.RLock()
	byName, ok := p.fields[entityName]
	p.mu.RUnlock()
	if ok {
		return byName, byName != nil
	}

	entity, ok := p.Entity(entityName)
	if !ok {
		p.mu.Lock()
		p.fields[entityName] = nil
		p.mu.Unlock()
		return nil, false
	}
	byName = make(map[string]*Field, len(entity.Fields))
	for i := range entity.Fields {
		byName[entity.Fields[i].Name] = &entity.Fields[i]
	}
	p.mu.Lock()
	p.fields[entityName] = byName
	p.mu.Unlock()
	return byName, true
}

func (p *Provider) relationIndex(entityName string) (map[string]*Relation, bool) {
	p.mu.RLock()
	byName, ok := p.rels[entityName]
	p.mu.RUnlock()
	if ok {
		return byName, byName != nil
	}

	entity, ok := p.Entity(entityName)
	if !ok {
		p.mu.Lock()
		p.rels[entityName] = nil
		p.mu.Unlock()
		return nil, false
	}
	byName = make(map[string]*Relation, len(entity.Relations))
	for i := range entity.Relations {
		byName[entity.Relations[i].Name] = &entity.Relations[i]
	}
	p.mu.Lock()
	p.rels[entityName] = byName
	p.mu.Unlock()
	return byName, true
}

// JoinedKeyName synthesizes the internal single-key name for a composite
// primary key (e.g. ["org_id","user_id"] → "org_id_user_id").
func JoinedKeyName(fields []string) string {
	return strings.Join(fields, "_")
}
