// Package storage executes query plans against a relational database. It is
// the engine's storage collaborator: the orchestrator builds a plan, this
// package turns it into SQL via squirrel and returns rows or typed faults.
package storage

import (
	"context"
	"database/sql"
	"time"

	"schemarest/internal/plan"
)

// Store is the execution contract consumed by the CRUD orchestrator.
// Implementations return storage faults as-is; translation to status codes
// happens at the orchestrator's execution boundary.
type Store interface {
	// FindMany fetches rows matching the plan, including nested relation
	// fetches for the plan's include/select tree.
	FindMany(ctx context.Context, entity string, p *plan.Plan) ([]map[string]any, error)
	// FindManyAndCount runs the data fetch and the count inside one
	// transaction so the reported total matches the page snapshot.
	FindManyAndCount(ctx context.Context, entity string, p *plan.Plan) ([]map[string]any, int64, error)
	// Count counts rows matching the where tree.
	Count(ctx context.Context, entity string, where map[string]any) (int64, error)
	// Create inserts a row from a graph-operation payload and refetches it
	// with the given plan.
	Create(ctx context.Context, entity string, data map[string]any, p *plan.Plan) (map[string]any, error)
	// Update applies a graph-operation payload to the row matching where.
	// Returns nil when no row matched.
	Update(ctx context.Context, entity string, where map[string]any, data map[string]any, p *plan.Plan) (map[string]any, error)
	// Delete removes the row matching where, returning the prior row or nil
	// when nothing matched.
	Delete(ctx context.Context, entity string, where map[string]any) (map[string]any, error)
	// CreateMany bulk-inserts flat rows, optionally skipping duplicates.
	// Returns the number of inserted rows.
	CreateMany(ctx context.Context, entity string, rows []map[string]any, skipDuplicates bool) (int64, error)
	// WithTransaction runs fn with a Store bound to one transaction, bounded
	// by the timeout when it is positive.
	WithTransaction(ctx context.Context, timeout time.Duration, fn func(ctx context.Context, tx Store) error) error
}

// Querier is the subset of *sql.DB / *sql.Tx the store needs.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
