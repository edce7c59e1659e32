// Package repository defines the task tree persistence port. Concrete
// implementations (package memory) store the tree and serve the
// tree/DAG queries the scheduler, the copy engine, and the RPC layer need.
package repository

import (
	"context"
	"time"

	"taskforge/internal/graph"
)

// Repository is the unified task tree persistence port. All methods accept
// a context so a caller can bound slow queries or background maintenance.
type Repository interface {
	// CreateMany persists a validated batch of tasks atomically: either every
	// task in the batch is written, or none are.
	CreateMany(ctx context.Context, tasks []*graph.Task) error

	// Get retrieves one task by id.
	Get(ctx context.Context, id string) (*graph.Task, error)

	// List returns every task belonging to userID, newest first.
	List(ctx context.Context, userID string, limit, offset int) ([]*graph.Task, int, error)

	// GetRoot returns the root of the tree containing id.
	GetRoot(ctx context.Context, id string) (*graph.Task, error)

	// BuildSubtree returns id and every descendant of id, in a parent-before-child order.
	BuildSubtree(ctx context.Context, id string) ([]*graph.Task, error)

	// GetAllDescendants returns every descendant of id, excluding id itself.
	GetAllDescendants(ctx context.Context, id string) ([]*graph.Task, error)

	// FindDependents returns every task with a direct dependency on id.
	FindDependents(ctx context.Context, id string) ([]*graph.Task, error)

	// TransitiveDependents returns every task that depends on id, directly or
	// through a chain of dependencies.
	TransitiveDependents(ctx context.Context, id string) ([]*graph.Task, error)

	// Update applies a mutation under the repository's write lock and
	// persists the result; mutate must not retain the *graph.Task it's
	// given beyond the call.
	Update(ctx context.Context, id string, mutate func(*graph.Task) error) (*graph.Task, error)

	// DeleteSubtree removes id and every descendant, atomically, only when
	// every task in the subtree is pending and no task outside the subtree
	// depends on one of the tasks being removed. Either violation returns a
	// graph.ValidationErrors carrying graph.CodeDeleteBlocked issue(s) that
	// enumerate the blocking descendants and blocking dependents; no row is
	// removed when it fails.
	DeleteSubtree(ctx context.Context, id string) error

	// CopySubtree writes a fresh copy of the subtree rooted at newRoot (new ids,
	// reset lifecycle fields) and returns the new root. The copytree package
	// builds the copy; the repository only persists it atomically.
	CopySubtree(ctx context.Context, newRoot *graph.Task, copies []*graph.Task) (*graph.Task, error)

	// Exists, UserIDOf, and ParentIDOf let graph.Validate consult persisted
	// state without importing the repository package.
	Exists(ctx context.Context, id string) bool
	UserIDOf(ctx context.Context, id string) (string, bool)
	ParentIDOf(ctx context.Context, id string) (string, bool)
}

// Lookup adapts a Repository into a graph.ExistingTaskLookup bound to one
// context, for callers validating a submission against persisted state.
func Lookup(ctx context.Context, repo Repository) graph.ExistingTaskLookup {
	return lookupAdapter{ctx: ctx, repo: repo}
}

type lookupAdapter struct {
	ctx  context.Context
	repo Repository
}

func (l lookupAdapter) Exists(id string) bool { return l.repo.Exists(l.ctx, id) }
func (l lookupAdapter) UserID(id string) (string, bool) {
	return l.repo.UserIDOf(l.ctx, id)
}
func (l lookupAdapter) ParentID(id string) (string, bool) {
	return l.repo.ParentIDOf(l.ctx, id)
}

// EvictionPolicy bounds how long terminal tasks are retained and how many
// tasks the repository holds in total, mirroring the retention knobs a
// caller wires through configuration.
type EvictionPolicy struct {
	Retention time.Duration
	MaxTasks  int
}

// DefaultEvictionPolicy matches the defaults used when no configuration is supplied.
var DefaultEvictionPolicy = EvictionPolicy{
	Retention: 24 * time.Hour,
	MaxTasks:  10000,
}
