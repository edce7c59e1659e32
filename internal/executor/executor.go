// Package executor bridges the scheduler to pluggable task executors: the
// capability interface, a registry keyed by executor id, input resolution,
// and the pre/post hook chain the adapter runs around every invocation.
package executor

import (
	"context"
	"encoding/json"

	"taskforge/internal/graph"
)

// Result is what an executor hands back after Execute returns.
type Result struct {
	Status graph.Status    `json:"status"` // completed, failed, or cancelled
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Executor is the capability contract the scheduler invokes. Implementations
// live outside this module's concerns; the adapter only needs the shape.
type Executor interface {
	ID() string
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, inputs json.RawMessage) (Result, error)
}

// Canceller is an optional capability: executors that can stop mid-flight
// implement it so Cancel gets a real signal instead of only a context cancel.
type Canceller interface {
	Cancel(ctx context.Context) error
}

// PartialResulter is an optional capability for executors that can report
// a partial result/token-usage snapshot when cancelled mid-flight.
type PartialResulter interface {
	Partial() json.RawMessage
}

// Registry resolves an executor by the id carried in task.Schemas["method"]
// or, when absent, task.Name: register-by-id, resolve-by-id, no reflection.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor, keyed by its own ID().
func (r *Registry) Register(e Executor) {
	r.executors[e.ID()] = e
}

// Resolve looks up the executor a task selects, preferring
// schemas.method over name per the data model's executor-selector rule.
func (r *Registry) Resolve(task *graph.Task) (Executor, bool) {
	id := ExecutorID(task)
	e, ok := r.executors[id]
	return e, ok
}

// ExecutorID extracts the executor selector a task carries:
// schemas.method if present, otherwise task.Name.
func ExecutorID(task *graph.Task) string {
	if task.Schemas != nil {
		if method, ok := task.Schemas["method"].(string); ok && method != "" {
			return method
		}
	}
	return task.Name
}
