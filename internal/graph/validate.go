package graph

import (
	"fmt"
	"strings"
)

// ValidationIssue is one invariant violation found while validating a
// submission. Validate aggregates every issue from one request into a
// single slice rather than failing on the first, per the Update-rules
// aggregation contract.
type ValidationIssue struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	TaskID  string   `json:"task_id,omitempty"`
	Path    []string `json:"path,omitempty"`
}

func (i *ValidationIssue) Error() string { return i.Message }

// Validation error codes, matching the taxonomy in spec §7.
const (
	CodeCircularDep    = "CIRCULAR_DEP"
	CodeMultiRoot      = "MULTI_ROOT"
	CodeUnknownRef     = "UNKNOWN_REF"
	CodeUserMismatch   = "USER_MISMATCH"
	CodePermanentField = "PERMANENT_FIELD"
	CodeDepsLocked     = "DEPS_LOCKED"
	CodeDeleteBlocked  = "DELETE_BLOCKED"
	CodeDuplicateDep   = "DUPLICATE_DEP"
	CodeUnreachable    = "UNREACHABLE_PARENT"
)

// ValidationErrors is the aggregated payload for one failed request.
type ValidationErrors []*ValidationIssue

func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(ve))
	for i, issue := range ve {
		parts[i] = issue.Message
	}
	return fmt.Sprintf("validation failed (%d issue(s)): %s", len(ve), strings.Join(parts, "; "))
}

// ExistingTaskLookup resolves identifiers against tasks already persisted
// in the same tree, used when a submission's dependencies or parent edges
// reference rows outside the current batch (spec §4.1 rule I3).
type ExistingTaskLookup interface {
	Exists(id string) bool
	UserID(id string) (string, bool)
	ParentID(id string) (parentID string, ok bool)
}

// noExisting is used when validating a brand-new tree with nothing persisted yet.
type noExisting struct{}

func (noExisting) Exists(string) bool             { return false }
func (noExisting) UserID(string) (string, bool)   { return "", false }
func (noExisting) ParentID(string) (string, bool) { return "", false }

// NoExisting is the ExistingTaskLookup to pass when there is no persisted
// tree to consult (a wholly new submission).
var NoExisting ExistingTaskLookup = noExisting{}

// Validate runs invariants I1-I5 (and the dependency-duplicate rule) over a
// submission, in the order spec §4.1 names them, and returns every
// violation found rather than stopping at the first.
func Validate(tasks []*Task, existing ExistingTaskLookup) ValidationErrors {
	if existing == nil {
		existing = NoExisting
	}
	var issues ValidationErrors

	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		if t.ID != "" {
			byID[t.ID] = t
		}
	}

	issues = append(issues, checkUserUniformity(tasks, existing)...)
	issues = append(issues, checkSingleRoot(tasks, existing)...)
	issues = append(issues, checkDuplicateDeps(tasks)...)
	issues = append(issues, checkClosedDependencies(tasks, byID, existing)...)
	issues = append(issues, checkAcyclic(tasks, byID)...)
	issues = append(issues, checkParentReachability(tasks, byID, existing)...)

	return issues
}

// checkUserUniformity enforces I5: all tasks in one tree share one user_id.
func checkUserUniformity(tasks []*Task, existing ExistingTaskLookup) ValidationErrors {
	var issues ValidationErrors
	if len(tasks) == 0 {
		return issues
	}
	userID := tasks[0].UserID
	for _, t := range tasks {
		if t.UserID != userID {
			issues = append(issues, &ValidationIssue{
				Code:    CodeUserMismatch,
				Message: fmt.Sprintf("task %s has user_id %q, expected %q", t.ID, t.UserID, userID),
				TaskID:  t.ID,
			})
		}
		if t.ParentID != "" {
			if parentUser, ok := existing.UserID(t.ParentID); ok && parentUser != t.UserID {
				issues = append(issues, &ValidationIssue{
					Code:    CodeUserMismatch,
					Message: fmt.Sprintf("task %s user_id %q does not match parent %s user_id %q", t.ID, t.UserID, t.ParentID, parentUser),
					TaskID:  t.ID,
				})
			}
		}
	}
	return issues
}

// checkSingleRoot enforces I2: exactly one null parent_id among the
// submission, unless every task attaches under an already-persisted
// parent (growing an existing tree), in which case zero is acceptable.
func checkSingleRoot(tasks []*Task, existing ExistingTaskLookup) ValidationErrors {
	var issues ValidationErrors
	var roots []string
	attachesExisting := false
	for _, t := range tasks {
		if t.ParentID == "" {
			roots = append(roots, t.ID)
			continue
		}
		if existing.Exists(t.ParentID) {
			attachesExisting = true
		}
	}
	switch {
	case len(roots) > 1:
		issues = append(issues, &ValidationIssue{
			Code:    CodeMultiRoot,
			Message: fmt.Sprintf("submission has %d root tasks, expected exactly one: %s", len(roots), strings.Join(roots, ", ")),
		})
	case len(roots) == 0 && !attachesExisting:
		issues = append(issues, &ValidationIssue{
			Code:    CodeMultiRoot,
			Message: "submission has no root task (null parent_id) and does not attach under an existing task",
		})
	}
	return issues
}

// checkDuplicateDeps rejects a task listing the same dependency id twice.
func checkDuplicateDeps(tasks []*Task) ValidationErrors {
	var issues ValidationErrors
	for _, t := range tasks {
		seen := make(map[string]struct{}, len(t.Dependencies))
		for _, dep := range t.Dependencies {
			if _, dup := seen[dep.ID]; dup {
				issues = append(issues, &ValidationIssue{
					Code:    CodeDuplicateDep,
					Message: fmt.Sprintf("task %s lists dependency %s more than once", t.ID, dep.ID),
					TaskID:  t.ID,
				})
				continue
			}
			seen[dep.ID] = struct{}{}
		}
	}
	return issues
}

// checkClosedDependencies enforces I3: every dependency id must resolve
// either within the submission or to an already-persisted task.
func checkClosedDependencies(tasks []*Task, byID map[string]*Task, existing ExistingTaskLookup) ValidationErrors {
	var issues ValidationErrors
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := byID[dep.ID]; ok {
				continue
			}
			if existing.Exists(dep.ID) {
				continue
			}
			issues = append(issues, &ValidationIssue{
				Code:    CodeUnknownRef,
				Message: fmt.Sprintf("task %s depends on unknown task %s", t.ID, dep.ID),
				TaskID:  t.ID,
			})
		}
	}
	return issues
}

// checkAcyclic enforces I4 via DFS cycle detection over the submission's
// dependency edges, recording the cycle path for diagnostics. Edges into
// already-persisted tasks are leaves for this purpose: the persisted tree
// was already validated acyclic when it was written.
func checkAcyclic(tasks []*Task, byID map[string]*Task) ValidationErrors {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))
	var path []string
	var issues ValidationErrors
	seenCycle := make(map[string]bool)

	var visit func(id string) bool
	visit = func(id string) bool {
		t, ok := byID[id]
		if !ok {
			return true
		}
		color[id] = gray
		path = append(path, id)
		for _, dep := range t.Dependencies {
			switch color[dep.ID] {
			case gray:
				cyclePath := cyclePathFrom(path, dep.ID)
				key := strings.Join(cyclePath, "->")
				if !seenCycle[key] {
					seenCycle[key] = true
					issues = append(issues, &ValidationIssue{
						Code:    CodeCircularDep,
						Message: fmt.Sprintf("circular dependency: %s", strings.Join(cyclePath, " -> ")),
						TaskID:  id,
						Path:    cyclePath,
					})
				}
			case white:
				if !visit(dep.ID) {
					return false
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return true
	}

	for _, t := range tasks {
		if color[t.ID] == white {
			visit(t.ID)
		}
	}
	return issues
}

func cyclePathFrom(path []string, start string) []string {
	for i, id := range path {
		if id == start {
			cycle := append([]string(nil), path[i:]...)
			return append(cycle, start)
		}
	}
	return append(append([]string(nil), path...), start)
}

// checkParentReachability enforces I1: following parent_id from any task
// reaches a root (null parent, or an already-persisted task) in finite
// steps. Whether parents belong to the same user is checked separately,
// by checkUserUniformity.
func checkParentReachability(tasks []*Task, byID map[string]*Task, existing ExistingTaskLookup) ValidationErrors {
	var issues ValidationErrors
	for _, t := range tasks {
		visited := make(map[string]struct{})
		cur := t
		steps := 0
		for {
			if cur.ParentID == "" {
				break
			}
			if _, looped := visited[cur.ID]; looped {
				issues = append(issues, &ValidationIssue{
					Code:    CodeUnreachable,
					Message: fmt.Sprintf("task %s: parent chain does not reach a root (loop detected)", t.ID),
					TaskID:  t.ID,
				})
				break
			}
			visited[cur.ID] = struct{}{}

			next, ok := byID[cur.ParentID]
			if !ok {
				if existing.Exists(cur.ParentID) {
					break // reaches an already-persisted ancestor; assumed valid when it was written
				}
				issues = append(issues, &ValidationIssue{
					Code:    CodeUnreachable,
					Message: fmt.Sprintf("task %s: parent %s does not exist", t.ID, cur.ParentID),
					TaskID:  t.ID,
				})
				break
			}
			cur = next
			steps++
			if steps > len(tasks)+1 {
				issues = append(issues, &ValidationIssue{
					Code:    CodeUnreachable,
					Message: fmt.Sprintf("task %s: parent chain exceeds tree size, likely cyclic", t.ID),
					TaskID:  t.ID,
				})
				break
			}
		}
	}
	return issues
}

// NormalizeDependencies defaults Required to true for any dependency whose
// JSON payload was a bare id string (handled in Dependency.UnmarshalJSON);
// this helper additionally trims empty entries a caller assembled in code
// rather than via JSON.
func NormalizeDependencies(deps []Dependency) []Dependency {
	normalized := make([]Dependency, 0, len(deps))
	for _, d := range deps {
		if strings.TrimSpace(d.ID) == "" {
			continue
		}
		normalized = append(normalized, d)
	}
	return normalized
}
