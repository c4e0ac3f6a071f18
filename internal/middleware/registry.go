// Package middleware implements the hook registry the CRUD orchestrator
// threads every operation through. The registry is an explicit value
// constructed at startup and injected into the engine, so multiple
// configurations can coexist in tests.
package middleware

import (
	"context"
	"sync"

	"schemarest/internal/acl"
)

// Hook identifies where in an operation's lifecycle a handler runs.
type Hook string

const (
	HookBefore Hook = "before"
	HookAfter  Hook = "after"
)

// Operation names one of the orchestrator's operations.
type Operation string

const (
	OpList        Operation = "list"
	OpGet         Operation = "get"
	OpCreate      Operation = "create"
	OpUpdate      Operation = "update"
	OpUpsert      Operation = "upsert"
	OpBatchUpsert Operation = "batchUpsert"
	OpDelete      Operation = "delete"
	OpCount       Operation = "count"
)

// HookContext is the mutable state passed by reference through one hook
// chain. Handlers may rewrite Data, set Abort with their own Result to
// short-circuit after the permission gate, or redirect a delete into a soft
// delete by setting SoftDelete and SoftDeleteData.
type HookContext struct {
	RequestID string
	Entity    string
	Operation Operation
	Hook      Hook
	Principal *acl.Principal

	ID    any
	Data  map[string]any
	Where map[string]any

	Result any
	Abort  bool

	SoftDelete     bool
	SoftDeleteData map[string]any

	// Extra carries operation-specific fields between handlers.
	Extra map[string]any
}

// Handler processes one hook invocation. Mutations to hc thread forward to
// subsequent handlers and back to the orchestrator.
type Handler func(ctx context.Context, hc *HookContext) error

type registration struct {
	entity  string // empty = all entities
	handler Handler
}

// Registry holds handlers keyed by (hook, operation), optionally scoped to
// one entity. Handlers for the same key run in registration order.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Hook]map[Operation][]registration
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Hook]map[Operation][]registration)}
}

// Register adds a handler for (hook, operation). A non-empty entityScope
// restricts it to that entity.
func (r *Registry) Register(hook Hook, op Operation, handler Handler, entityScope ...string) {
	entity := ""
	if len(entityScope) > 0 {
		entity = entityScope[0]
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byOp, ok := r.handlers[hook]
	if !ok {
		byOp = make(map[Operation][]registration)
		r.handlers[hook] = byOp
	}
	byOp[op] = append(byOp[op], registration{entity: entity, handler: handler})
}

// Execute runs all handlers registered for (hook, operation) whose scope
// matches hc.Entity, in registration order, threading hc through each.
// Execution stops at the first handler error or when a handler aborts.
func (r *Registry) Execute(ctx context.Context, hook Hook, op Operation, hc *HookContext) error {
	r.mu.RLock()
	var matched []Handler
	if byOp, ok := r.handlers[hook]; ok {
		for _, reg := range byOp[op] {
			if reg.entity == "" || reg.entity == hc.Entity {
				matched = append(matched, reg.handler)
			}
		}
	}
	r.mu.RUnlock()

	hc.Hook = hook
	hc.Operation = op
	for _, handler := range matched {
		if err := handler(ctx, hc); err != nil {
			return err
		}
		if hc.Abort {
			return nil
		}
	}
	return nil
}
