// Package copytree builds a fresh, pending duplicate of a task subtree
// while leaving the source's history untouched. It is a pure Repository
// consumer: it reads the source tree, computes the copy set and a
// fresh-id rewrite, and hands the rewritten rows to Repository.CopySubtree
// to persist atomically, following the usual
// snapshot-rewrite-ids-persist-in-one-transaction idiom.
package copytree

import (
	"context"
	"fmt"

	"taskforge/internal/apperr"
	"taskforge/internal/graph"
	"taskforge/internal/logging"
	"taskforge/internal/repository"
)

// Result is the outcome of a successful Copy: the new root plus every
// task persisted alongside it (new root included).
type Result struct {
	Root  *graph.Task
	Tasks []*graph.Task
}

// Copy produces a pending duplicate of the subtree rooted at
// sourceRootID. When includeChildren is set, each direct child of the
// source root additionally contributes its own core_set and dep_set to
// the copy. Failed leaves whose only dependents are still pending are
// excluded from the copy. A parent edge pointing outside the copy set is
// dropped, and so is a dependency on an excluded failed leaf (both logged,
// not failed); a dependency on any other task outside the copy set keeps
// pointing at the original task.
func Copy(ctx context.Context, repo repository.Repository, logger logging.Logger, sourceRootID string, includeChildren bool) (*Result, error) {
	logger = logging.OrNop(logger)

	source, err := repo.Get(ctx, sourceRootID)
	if err != nil {
		return nil, err
	}

	coreSet, err := buildCoreSet(ctx, repo, source, includeChildren)
	if err != nil {
		return nil, err
	}

	depSet, err := buildDepSet(ctx, repo, coreSet)
	if err != nil {
		return nil, err
	}

	copySet := make(map[string]*graph.Task, len(coreSet)+len(depSet))
	for id, t := range coreSet {
		copySet[id] = t
	}
	for id, t := range depSet {
		copySet[id] = t
	}

	candidates := make(map[string]*graph.Task, len(copySet))
	for id, t := range copySet {
		candidates[id] = t
	}
	excludeFailedLeaves(copySet)

	idRewrite := make(map[string]string, len(copySet))
	for id := range copySet {
		idRewrite[id] = graph.NewTaskID()
	}

	var newRoot *graph.Task
	copies := make([]*graph.Task, 0, len(copySet))
	for id, t := range copySet {
		rewritten := rewriteTask(t, idRewrite, candidates, sourceRootID, logger)
		if id == source.ID {
			newRoot = rewritten
			continue
		}
		copies = append(copies, rewritten)
	}
	if newRoot == nil {
		return nil, apperr.InternalError(fmt.Sprintf("copytree: source root %s missing from its own copy set", sourceRootID))
	}

	persistedRoot, err := repo.CopySubtree(ctx, newRoot, copies)
	if err != nil {
		return nil, err
	}

	// Step 6 names only the source root for has_copy=true, not every
	// originated row in the copy set; the copies themselves are fresh tasks
	// with no has_copy flag of their own, so only the root that was actually
	// copied from gets marked.
	if _, err := repo.Update(ctx, sourceRootID, func(t *graph.Task) error {
		t.HasCopy = true
		return nil
	}); err != nil {
		return nil, err
	}

	all := append([]*graph.Task{persistedRoot}, copies...)
	return &Result{Root: persistedRoot, Tasks: all}, nil
}

// buildCoreSet is the source task plus all its descendants (step 1), plus,
// when includeChildren is set, each direct child's own core_set (step 3).
func buildCoreSet(ctx context.Context, repo repository.Repository, source *graph.Task, includeChildren bool) (map[string]*graph.Task, error) {
	coreSet := make(map[string]*graph.Task)

	subtree, err := repo.BuildSubtree(ctx, source.ID)
	if err != nil {
		return nil, err
	}
	for _, t := range subtree {
		coreSet[t.ID] = t
	}

	if !includeChildren {
		return coreSet, nil
	}

	for _, t := range subtree {
		if t.ParentID != source.ID {
			continue
		}
		childSubtree, err := repo.BuildSubtree(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		for _, ct := range childSubtree {
			coreSet[ct.ID] = ct
		}
	}
	return coreSet, nil
}

// buildDepSet is the transitive closure of every task (anywhere in the
// tree) that depends on any member of coreSet (step 2).
func buildDepSet(ctx context.Context, repo repository.Repository, coreSet map[string]*graph.Task) (map[string]*graph.Task, error) {
	depSet := make(map[string]*graph.Task)
	for id := range coreSet {
		dependents, err := repo.TransitiveDependents(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, dependent := range dependents {
			if _, inCore := coreSet[dependent.ID]; inCore {
				continue
			}
			depSet[dependent.ID] = dependent
		}
	}
	return depSet, nil
}

// excludeFailedLeaves drops a failed leaf from copySet when every one of
// its dependents is still pending (step 7): there is no point re-running
// work that never started.
func excludeFailedLeaves(copySet map[string]*graph.Task) {
	dependentsOf := make(map[string][]string)
	for id, t := range copySet {
		for _, dep := range t.Dependencies {
			dependentsOf[dep.ID] = append(dependentsOf[dep.ID], id)
		}
	}

	for id, t := range copySet {
		if t.Status != graph.StatusFailed {
			continue
		}
		dependents := dependentsOf[id]
		if len(dependents) == 0 {
			continue
		}
		allPending := true
		for _, depID := range dependents {
			if dt, ok := copySet[depID]; ok && dt.Status != graph.StatusPending {
				allPending = false
				break
			}
		}
		if allPending {
			delete(copySet, id)
		}
	}
}

// rewriteTask clones t with a fresh id, resets its run state (step 6), and
// rewrites parent/dependency edges using idRewrite. candidates is the copy
// set before failed-leaf exclusion. A parent_id pointing outside the copy
// set (a dep_set task copied without its parent) is dropped. A dependency
// on an excluded failed leaf is dropped; any other dependency outside the
// copy set keeps pointing at the original task, per the Open Question
// resolution in DESIGN.md: an external dependency is treated as an
// immutable reference to the source, not something that needs its own copy.
func rewriteTask(t *graph.Task, idRewrite map[string]string, candidates map[string]*graph.Task, sourceRootID string, logger logging.Logger) *graph.Task {
	clone := t.Clone()
	clone.ID = idRewrite[t.ID]

	if t.ParentID != "" {
		if newParent, ok := idRewrite[t.ParentID]; ok {
			clone.ParentID = newParent
		} else {
			logger.Warn("copytree: task %s parent %s falls outside the copy set; dropping parent edge", t.ID, t.ParentID)
			clone.ParentID = ""
		}
	}

	rewrittenDeps := make([]graph.Dependency, 0, len(t.Dependencies))
	for _, dep := range t.Dependencies {
		if newID, ok := idRewrite[dep.ID]; ok {
			rewrittenDeps = append(rewrittenDeps, graph.Dependency{ID: newID, Required: dep.Required})
			continue
		}
		if _, inCopySet := candidates[dep.ID]; !inCopySet {
			// External dependency: keep pointing at the original task,
			// whose result remains usable (see DESIGN.md Open Question #3).
			rewrittenDeps = append(rewrittenDeps, dep)
			continue
		}
		logger.Warn("copytree: task %s dependency %s dropped from copy (excluded failed leaf)", t.ID, dep.ID)
	}
	clone.Dependencies = rewrittenDeps

	clone.Status = graph.StatusPending
	clone.Progress = 0
	clone.Result = nil
	clone.Error = ""
	clone.StartedAt = nil
	clone.CompletedAt = nil
	clone.OriginalTaskID = sourceRootID
	clone.HasCopy = false

	return clone
}
