package rpc

import (
	"context"
	"encoding/json"
	"time"

	"taskforge/internal/apperr"
	"taskforge/internal/copytree"
	"taskforge/internal/graph"
	"taskforge/internal/repository"
	"taskforge/internal/rpc/principal"
)

// idParams is the common {id} shape most single-task methods accept.
type idParams struct {
	ID string `json:"id"`
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, apperr.ValidationError("invalid params: " + err.Error())
	}
	return v, nil
}

func (d *Dispatcher) fetchOwned(ctx context.Context, p principal.Principal, id string) (*graph.Task, error) {
	if id == "" {
		return nil, apperr.ValidationError("id is required")
	}
	task, err := d.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Owns(task.UserID) {
		return nil, apperr.PermissionError("principal does not own task " + id)
	}
	return task, nil
}

// createParams is tasks.create's params: a single-root task array.
// TasksYAML is an alternative submission shape (a YAML document, parsed by
// parseYAMLTasks) accepted alongside the JSON tasks array; when both are
// present, Tasks wins.
type createParams struct {
	Tasks     []*graph.Task `json:"tasks"`
	TasksYAML string        `json:"tasks_yaml"`
}

func (d *Dispatcher) handleCreate(ctx context.Context, p principal.Principal, raw json.RawMessage) (any, error) {
	params, err := decode[createParams](raw)
	if err != nil {
		return nil, err
	}
	if len(params.Tasks) == 0 && params.TasksYAML != "" {
		params.Tasks, err = parseYAMLTasks(params.TasksYAML)
		if err != nil {
			return nil, err
		}
	}
	if len(params.Tasks) == 0 {
		return nil, apperr.ValidationError("tasks.create requires a non-empty tasks array")
	}
	for _, t := range params.Tasks {
		if t.ID == "" {
			t.ID = graph.NewTaskID()
		}
	}
	if issues := graph.Validate(params.Tasks, repository.Lookup(ctx, d.repo)); len(issues) > 0 {
		return nil, issues
	}
	if !p.Owns(params.Tasks[0].UserID) {
		return nil, apperr.PermissionError("principal does not own the submitted task tree")
	}
	if err := d.repo.CreateMany(ctx, params.Tasks); err != nil {
		return nil, err
	}
	return params.Tasks, nil
}

func (d *Dispatcher) handleGet(ctx context.Context, p principal.Principal, raw json.RawMessage) (any, error) {
	params, err := decode[idParams](raw)
	if err != nil {
		return nil, err
	}
	return d.fetchOwned(ctx, p, params.ID)
}

// updateParams is tasks.update's params: the target id plus any subset of
// mutable fields. A nil pointer/slice field means "leave unchanged";
// ParentID and UserID are accepted only to detect and reject an attempted
// mutation.
type updateParams struct {
	ID           string          `json:"id"`
	ParentID     *string         `json:"parent_id"`
	UserID       *string         `json:"user_id"`
	Name         *string         `json:"name"`
	Schemas      map[string]any  `json:"schemas"`
	Priority     *graph.Priority `json:"priority"`
	Dependencies *[]graph.Dependency `json:"dependencies"`
	Inputs       json.RawMessage `json:"inputs"`
	Params       json.RawMessage `json:"params"`
	Status       *graph.Status   `json:"status"`
	Progress     *float64        `json:"progress"`
	Result       json.RawMessage `json:"result"`
	Error        *string         `json:"error"`
}

func (d *Dispatcher) handleUpdate(ctx context.Context, p principal.Principal, raw json.RawMessage) (any, error) {
	params, err := decode[updateParams](raw)
	if err != nil {
		return nil, err
	}
	current, err := d.fetchOwned(ctx, p, params.ID)
	if err != nil {
		return nil, err
	}

	var issues graph.ValidationErrors
	if params.ParentID != nil && *params.ParentID != current.ParentID {
		issues = append(issues, &graph.ValidationIssue{Code: graph.CodePermanentField, Message: "parent_id is immutable", TaskID: params.ID})
	}
	if params.UserID != nil && *params.UserID != current.UserID {
		issues = append(issues, &graph.ValidationIssue{Code: graph.CodePermanentField, Message: "user_id is immutable", TaskID: params.ID})
	}
	if params.Dependencies != nil {
		if depIssues := d.validateDependencyChange(ctx, current, *params.Dependencies); len(depIssues) > 0 {
			issues = append(issues, depIssues...)
		}
	}
	if len(issues) > 0 {
		return nil, issues
	}

	now := time.Now()
	updated, err := d.repo.Update(ctx, params.ID, func(t *graph.Task) error {
		if params.Name != nil {
			t.Name = *params.Name
		}
		if params.Schemas != nil {
			t.Schemas = params.Schemas
		}
		if params.Priority != nil {
			t.Priority = *params.Priority
		}
		if params.Dependencies != nil {
			t.Dependencies = *params.Dependencies
		}
		if params.Inputs != nil {
			t.Inputs = params.Inputs
		}
		if params.Params != nil {
			t.Params = params.Params
		}
		if params.Result != nil {
			t.Result = params.Result
		}
		if params.Error != nil {
			t.Error = *params.Error
		}
		if params.Progress != nil {
			t.Progress = *params.Progress
		}
		if params.Status != nil {
			t.Status = *params.Status
			switch *params.Status {
			case graph.StatusInProgress:
				t.StartedAt = &now
			case graph.StatusCompleted, graph.StatusFailed, graph.StatusCancelled:
				t.CompletedAt = &now
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// validateDependencyChange enforces the dependencies update rule: mutable
// only while pending, only if the resulting tree still satisfies I3/I4, and
// only if nothing currently depending on this task is in_progress.
func (d *Dispatcher) validateDependencyChange(ctx context.Context, current *graph.Task, proposed []graph.Dependency) graph.ValidationErrors {
	var issues graph.ValidationErrors
	if current.Status != graph.StatusPending {
		issues = append(issues, &graph.ValidationIssue{
			Code:    graph.CodeDepsLocked,
			Message: "dependencies are only mutable while the task is pending",
			TaskID:  current.ID,
		})
		return issues
	}

	dependents, err := d.repo.FindDependents(ctx, current.ID)
	if err == nil {
		for _, dep := range dependents {
			if dep.Status == graph.StatusInProgress {
				issues = append(issues, &graph.ValidationIssue{
					Code:    graph.CodeDepsLocked,
					Message: "task " + dep.ID + " depends on this task and is in_progress",
					TaskID:  current.ID,
				})
			}
		}
	}

	root, err := d.repo.GetRoot(ctx, current.ID)
	if err != nil {
		return issues
	}
	subtree, err := d.repo.BuildSubtree(ctx, root.ID)
	if err != nil {
		return issues
	}
	patched := make([]*graph.Task, len(subtree))
	for i, t := range subtree {
		if t.ID == current.ID {
			clone := t.Clone()
			clone.Dependencies = proposed
			patched[i] = clone
		} else {
			patched[i] = t
		}
	}
	for _, issue := range graph.Validate(patched, graph.NoExisting) {
		if issue.Code == graph.CodeCircularDep || issue.Code == graph.CodeUnknownRef || issue.Code == graph.CodeDuplicateDep {
			issues = append(issues, issue)
		}
	}
	return issues
}

func (d *Dispatcher) handleDelete(ctx context.Context, p principal.Principal, raw json.RawMessage) (any, error) {
	params, err := decode[idParams](raw)
	if err != nil {
		return nil, err
	}
	if _, err := d.fetchOwned(ctx, p, params.ID); err != nil {
		return nil, err
	}
	if err := d.repo.DeleteSubtree(ctx, params.ID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": params.ID}, nil
}

func (d *Dispatcher) handleTree(ctx context.Context, p principal.Principal, raw json.RawMessage) (any, error) {
	params, err := decode[idParams](raw)
	if err != nil {
		return nil, err
	}
	if _, err := d.fetchOwned(ctx, p, params.ID); err != nil {
		return nil, err
	}
	return d.repo.BuildSubtree(ctx, params.ID)
}

func (d *Dispatcher) handleChildren(ctx context.Context, p principal.Principal, raw json.RawMessage) (any, error) {
	params, err := decode[idParams](raw)
	if err != nil {
		return nil, err
	}
	if _, err := d.fetchOwned(ctx, p, params.ID); err != nil {
		return nil, err
	}
	descendants, err := d.repo.GetAllDescendants(ctx, params.ID)
	if err != nil {
		return nil, err
	}
	children := make([]*graph.Task, 0, len(descendants))
	for _, t := range descendants {
		if t.ParentID == params.ID {
			children = append(children, t)
		}
	}
	return children, nil
}

type listParams struct {
	UserID string `json:"user_id"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

func (d *Dispatcher) handleList(ctx context.Context, p principal.Principal, raw json.RawMessage) (any, error) {
	params, err := decode[listParams](raw)
	if err != nil {
		return nil, err
	}
	userID := params.UserID
	if userID == "" {
		userID = p.UserID
	}
	if !p.Owns(userID) {
		return nil, apperr.PermissionError("principal does not own user " + userID)
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	tasks, total, err := d.repo.List(ctx, userID, limit, params.Offset)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tasks": tasks, "total": total}, nil
}

func (d *Dispatcher) handleRunningList(ctx context.Context, p principal.Principal) (any, error) {
	roots := d.scheduler.RunningRoots()
	visible := make([]string, 0, len(roots))
	for _, rootID := range roots {
		task, err := d.repo.Get(ctx, rootID)
		if err != nil {
			continue
		}
		if p.Owns(task.UserID) {
			visible = append(visible, rootID)
		}
	}
	return visible, nil
}

func (d *Dispatcher) handleRunningStatus(ctx context.Context, p principal.Principal, raw json.RawMessage) (any, error) {
	params, err := decode[idParams](raw)
	if err != nil {
		return nil, err
	}
	task, err := d.fetchOwned(ctx, p, params.ID)
	if err != nil {
		return nil, err
	}
	root, err := d.repo.GetRoot(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"task_status":  task.Status,
		"root_running": d.scheduler.IsRunning(root.ID),
	}, nil
}

func (d *Dispatcher) handleRunningCount(ctx context.Context, p principal.Principal) (any, error) {
	visible, err := d.handleRunningList(ctx, p)
	if err != nil {
		return nil, err
	}
	return len(visible.([]string)), nil
}

// cancelParams resolves the task to cancel from, in order, top-level id,
// top-level task_id, top-level context_id, metadata.task_id,
// metadata.context_id.
type cancelParams struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	ContextID string         `json:"context_id"`
	Metadata  map[string]any `json:"metadata"`
}

func resolveCancelTarget(params cancelParams) string {
	if params.ID != "" {
		return params.ID
	}
	if params.TaskID != "" {
		return params.TaskID
	}
	if params.ContextID != "" {
		return params.ContextID
	}
	if params.Metadata != nil {
		if v, ok := params.Metadata["task_id"].(string); ok && v != "" {
			return v
		}
		if v, ok := params.Metadata["context_id"].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func (d *Dispatcher) handleCancel(ctx context.Context, p principal.Principal, raw json.RawMessage) (any, error) {
	params, err := decode[cancelParams](raw)
	if err != nil {
		return nil, err
	}
	taskID := resolveCancelTarget(params)
	if taskID == "" {
		return nil, apperr.ValidationError("cancel requires a task identifier")
	}
	if _, err := d.fetchOwned(ctx, p, taskID); err != nil {
		return nil, err
	}
	if err := d.scheduler.Cancel(ctx, taskID); err != nil {
		return nil, err
	}
	return map[string]any{"cancelled": taskID}, nil
}

type copyParams struct {
	ID              string `json:"id"`
	IncludeChildren bool   `json:"include_children"`
}

func (d *Dispatcher) handleCopy(ctx context.Context, p principal.Principal, raw json.RawMessage) (any, error) {
	params, err := decode[copyParams](raw)
	if err != nil {
		return nil, err
	}
	if _, err := d.fetchOwned(ctx, p, params.ID); err != nil {
		return nil, err
	}
	result, err := copytree.Copy(ctx, d.repo, d.logger, params.ID, params.IncludeChildren)
	if err != nil {
		return nil, err
	}
	return result, nil
}
