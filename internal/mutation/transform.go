// Package mutation transforms flat nested payloads into relational graph
// operations (connect/create/upsert/disconnect) under access control.
//
// The transformer is a pure function of its input: payloads are never mutated
// in place, because upsert must derive two divergent shapes (create vs.
// update) from one source object.
package mutation

import (
	"fmt"
	"slices"

	"schemarest/internal/acl"
	"schemarest/internal/apperr"
	"schemarest/internal/introspection"
)

// Mode selects the target shape of a transformation. Create has no
// disconnect verb: you cannot detach something that does not exist yet.
type Mode int

const (
	ModeCreate Mode = iota
	ModeUpdate
)

// DefaultMaxDepth bounds nested relation recursion.
const DefaultMaxDepth = 5

// DefaultAuditFields are system-assigned and always stripped from input.
var DefaultAuditFields = []string{"created_at", "updated_at", "created_by", "updated_by"}

var graphVerbs = map[string]struct{}{
	"connect":    {},
	"create":     {},
	"update":     {},
	"upsert":     {},
	"disconnect": {},
}

// Transformer turns payloads into graph operations.
type Transformer struct {
	provider    *introspection.Provider
	enforcer    *acl.Enforcer
	maxDepth    int
	auditFields []string
}

// NewTransformer creates a Transformer. maxDepth <= 0 selects the default.
func NewTransformer(provider *introspection.Provider, enforcer *acl.Enforcer, maxDepth int) *Transformer {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Transformer{
		provider:    provider,
		enforcer:    enforcer,
		maxDepth:    maxDepth,
		auditFields: DefaultAuditFields,
	}
}

// Transform converts a payload for the entity into graph-operation form.
// The input map is left untouched.
func (t *Transformer) Transform(entity string, payload map[string]any, principal *acl.Principal, mode Mode) (map[string]any, error) {
	return t.transform(entity, payload, principal, mode, 0, "")
}

func (t *Transformer) transform(entity string, payload map[string]any, principal *acl.Principal, mode Mode, depth int, path string) (map[string]any, error) {
	if depth > t.maxDepth {
		return nil, apperr.Validationf("mutation nesting exceeds maximum depth %d at %q", t.maxDepth, path)
	}

	entityDesc, ok := t.provider.Entity(entity)
	if !ok {
		return nil, apperr.Validationf("unknown entity %q", entity)
	}

	out := make(map[string]any, len(payload))
	for key, value := range payload {
		keyPath := joinPath(path, key)

		if slices.Contains(t.auditFields, key) {
			continue
		}
		if mode == ModeUpdate && slices.Contains(entityDesc.PrimaryKey, key) {
			// Primary key fields are never user-writable.
			continue
		}

		// Already-transformed shapes pass through untouched so running the
		// transformer on its own output is a no-op.
		if isGraphOperation(value) {
			out[key] = value
			continue
		}

		if rel, ok := t.provider.RelationForForeignKeyField(entity, key); ok {
			if err := t.rewriteForeignKey(out, rel, key, value, principal, mode); err != nil {
				return nil, err
			}
			continue
		}

		if _, ok := t.provider.Field(entity, key); ok {
			out[key] = value
			continue
		}

		rel, ok := t.provider.Relation(entity, key)
		if !ok {
			return nil, apperr.Validationf("unexpected field %q", keyPath)
		}

		transformed, err := t.transformRelationValue(rel, value, principal, mode, depth, keyPath)
		if err != nil {
			return nil, err
		}
		if transformed != nil {
			out[key] = transformed
		}
	}
	return out, nil
}

// rewriteForeignKey turns a raw foreign key assignment into a connect (or a
// disconnect on null). The target's access filter is merged into the connect
// where so callers cannot link to records they cannot see.
func (t *Transformer) rewriteForeignKey(out map[string]any, rel *introspection.Relation, key string, value any, principal *acl.Principal, mode Mode) error {
	if value == nil {
		if mode == ModeUpdate {
			out[rel.Name] = map[string]any{"disconnect": true}
		}
		// On create a null foreign key is simply dropped.
		return nil
	}

	decision := t.enforcer.ReadFilter(rel.Target, principal)
	if decision.Denied() {
		return apperr.Forbiddenf("no permission to reference %s", rel.Target)
	}
	connectWhere := map[string]any{rel.TargetFields[0]: value}
	for k, v := range decision.Where() {
		connectWhere[k] = v
	}
	out[rel.Name] = map[string]any{"connect": connectWhere}
	return nil
}

func (t *Transformer) transformRelationValue(rel *introspection.Relation, value any, principal *acl.Principal, mode Mode, depth int, path string) (any, error) {
	switch v := value.(type) {
	case nil:
		if rel.List {
			return nil, nil
		}
		if mode == ModeUpdate {
			return map[string]any{"disconnect": true}, nil
		}
		// Cannot disconnect a relation that does not exist yet.
		return nil, nil

	case []any:
		if !rel.List {
			return nil, apperr.Validationf("field %q is a singular relation but received a list", path)
		}
		return t.transformListRelation(rel, v, principal, mode, depth, path)

	case map[string]any:
		if rel.List {
			return nil, apperr.Validationf("field %q is a list relation but received an object", path)
		}
		return t.transformSingleRelation(rel, v, principal, mode, depth, path)

	default:
		return nil, apperr.Validationf("field %q must be an object or list for relation input", path)
	}
}

// transformListRelation partitions to-many items three ways: connect-only
// (exactly the target key fields), upsert (key plus other fields), create
// (no key at all). In create mode nothing pre-exists, so keyed items with
// extra fields become creates instead of upserts.
func (t *Transformer) transformListRelation(rel *introspection.Relation, items []any, principal *acl.Principal, mode Mode, depth int, path string) (map[string]any, error) {
	keyFields := t.provider.PrimaryKey(rel.Target)
	if len(keyFields) == 0 {
		return nil, apperr.Validationf("relation target %s has no primary key; nested writes at %q are not supported", rel.Target, path)
	}

	var connects, creates, upserts []map[string]any
	for i, raw := range items {
		itemPath := fmt.Sprintf("%s[%d]", path, i)
		item, ok := raw.(map[string]any)
		if !ok {
			return nil, apperr.Validationf("field %q must be an object", itemPath)
		}

		hasAllKeys := hasAllFields(item, keyFields)
		keyOnly := hasAllKeys && len(item) == len(keyFields)

		switch {
		case keyOnly:
			connects = append(connects, pickFields(item, keyFields))

		case hasAllKeys && mode == ModeUpdate:
			if !t.enforcer.CanCreate(rel.Target, principal, item) {
				return nil, apperr.Forbiddenf("no permission to create %s at %q", rel.Target, itemPath)
			}
			createShape, err := t.transform(rel.Target, item, principal, ModeCreate, depth+1, itemPath)
			if err != nil {
				return nil, err
			}
			updateShape, err := t.transform(rel.Target, dropFields(item, keyFields), principal, ModeUpdate, depth+1, itemPath)
			if err != nil {
				return nil, err
			}
			upserts = append(upserts, map[string]any{
				"where":  pickFields(item, keyFields),
				"create": createShape,
				"update": updateShape,
			})

		default:
			if !t.enforcer.CanCreate(rel.Target, principal, item) {
				return nil, apperr.Forbiddenf("no permission to create %s at %q", rel.Target, itemPath)
			}
			createShape, err := t.transform(rel.Target, item, principal, ModeCreate, depth+1, itemPath)
			if err != nil {
				return nil, err
			}
			creates = append(creates, createShape)
		}
	}

	result := map[string]any{}
	if len(connects) > 0 {
		result["connect"] = connects
	}
	if len(creates) > 0 {
		result["create"] = creates
	}
	if len(upserts) > 0 {
		result["upsert"] = upserts
	}
	if len(result) == 0 {
		return nil, nil
	}
	return result, nil
}

// transformSingleRelation wraps a to-one object as an upsert on update or a
// create on create, recursing for relations nested inside the object.
func (t *Transformer) transformSingleRelation(rel *introspection.Relation, item map[string]any, principal *acl.Principal, mode Mode, depth int, path string) (map[string]any, error) {
	if !t.enforcer.CanCreate(rel.Target, principal, item) {
		return nil, apperr.Forbiddenf("no permission to create %s at %q", rel.Target, path)
	}
	createShape, err := t.transform(rel.Target, item, principal, ModeCreate, depth+1, path)
	if err != nil {
		return nil, err
	}
	if mode == ModeCreate {
		return map[string]any{"create": createShape}, nil
	}
	updateShape, err := t.transform(rel.Target, item, principal, ModeUpdate, depth+1, path)
	if err != nil {
		return nil, err
	}
	return map[string]any{"upsert": map[string]any{
		"create": createShape,
		"update": updateShape,
	}}, nil
}

// isGraphOperation reports whether a value is already in graph-operation
// form: a non-empty object whose keys are all graph verbs.
func isGraphOperation(value any) bool {
	m, ok := value.(map[string]any)
	if !ok || len(m) == 0 {
		return false
	}
	for key := range m {
		if _, ok := graphVerbs[key]; !ok {
			return false
		}
	}
	return true
}

func hasAllFields(item map[string]any, fields []string) bool {
	for _, f := range fields {
		if _, ok := item[f]; !ok {
			return false
		}
	}
	return true
}

func pickFields(item map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		out[f] = item[f]
	}
	return out
}

func dropFields(item map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(item))
	for k, v := range item {
		if slices.Contains(fields, k) {
			continue
		}
		out[k] = v
	}
	return out
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
