package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"taskforge/internal/events"
	"taskforge/internal/executor"
	"taskforge/internal/graph"
	"taskforge/internal/repository/memory"
	"taskforge/internal/rpc/principal"
	"taskforge/internal/scheduler"
)

type fnExecutor struct {
	id string
	fn func(ctx context.Context, inputs json.RawMessage) (executor.Result, error)
}

func (f *fnExecutor) ID() string          { return f.id }
func (f *fnExecutor) Name() string        { return f.id }
func (f *fnExecutor) Description() string { return "" }
func (f *fnExecutor) InputSchema() map[string]any {
	return nil
}
func (f *fnExecutor) Execute(ctx context.Context, inputs json.RawMessage) (executor.Result, error) {
	return f.fn(ctx, inputs)
}

func succeeds(id string) *fnExecutor {
	return &fnExecutor{id: id, fn: func(ctx context.Context, inputs json.RawMessage) (executor.Result, error) {
		return executor.Result{Status: graph.StatusCompleted}, nil
	}}
}

func newDispatcher(t *testing.T) (*Dispatcher, *memory.Store, *events.Bus) {
	t.Helper()
	repo := memory.New()
	registry := executor.NewRegistry()
	registry.Register(succeeds("noop"))
	bus := events.NewBus(16)
	sched := scheduler.New(repo, registry, bus)
	return New(repo, sched, bus, WithCallbackDefaults(1, time.Millisecond)), repo, bus
}

func ownerCtx(userID string) context.Context {
	return principal.WithContext(context.Background(), principal.Principal{UserID: userID})
}

func rawParams(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return data
}

func TestDispatchCreateGetUpdateDelete(t *testing.T) {
	d, _, _ := newDispatcher(t)
	ctx := ownerCtx("u1")

	createResp := d.Dispatch(ctx, ProtocolJSONRPC, Request{
		JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "tasks.create",
		Params: rawParams(t, createParams{Tasks: []*graph.Task{{
			Name: "root", UserID: "u1", Status: graph.StatusPending, Priority: graph.DefaultPriority,
			Schemas: map[string]any{"method": "noop"},
		}}}),
	})
	if createResp.Error != nil {
		t.Fatalf("tasks.create failed: %+v", createResp.Error)
	}
	created, ok := createResp.Result.([]*graph.Task)
	if !ok || len(created) != 1 {
		t.Fatalf("expected one created task, got %#v", createResp.Result)
	}
	id := created[0].ID

	getResp := d.Dispatch(ctx, ProtocolJSONRPC, Request{
		Method: "tasks.get", Params: rawParams(t, idParams{ID: id}),
	})
	if getResp.Error != nil {
		t.Fatalf("tasks.get failed: %+v", getResp.Error)
	}

	newName := "renamed"
	updateResp := d.Dispatch(ctx, ProtocolJSONRPC, Request{
		Method: "tasks.update", Params: rawParams(t, updateParams{ID: id, Name: &newName}),
	})
	if updateResp.Error != nil {
		t.Fatalf("tasks.update failed: %+v", updateResp.Error)
	}

	deleteResp := d.Dispatch(ctx, ProtocolJSONRPC, Request{
		Method: "tasks.delete", Params: rawParams(t, idParams{ID: id}),
	})
	if deleteResp.Error != nil {
		t.Fatalf("tasks.delete failed: %+v", deleteResp.Error)
	}

	afterDelete := d.Dispatch(ctx, ProtocolJSONRPC, Request{
		Method: "tasks.get", Params: rawParams(t, idParams{ID: id}),
	})
	if afterDelete.Error == nil {
		t.Fatalf("expected tasks.get to fail after delete")
	}
	if afterDelete.Error.Code != CodeServerError {
		t.Fatalf("expected not-found mapped to CodeServerError, got %d", afterDelete.Error.Code)
	}
}

func TestDispatchRejectsCrossOwnerAccess(t *testing.T) {
	d, repo, _ := newDispatcher(t)
	if err := repo.CreateMany(context.Background(), []*graph.Task{{
		ID: "t1", Name: "root", UserID: "owner", Status: graph.StatusPending, Priority: graph.DefaultPriority,
	}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp := d.Dispatch(ownerCtx("intruder"), ProtocolJSONRPC, Request{
		Method: "tasks.get", Params: rawParams(t, idParams{ID: "t1"}),
	})
	if resp.Error == nil {
		t.Fatalf("expected permission error for cross-owner access")
	}
	if resp.Error.Code != CodePermissionDenied {
		t.Fatalf("expected CodePermissionDenied, got %d", resp.Error.Code)
	}
}

func TestDispatchAdminBypassesOwnership(t *testing.T) {
	d, repo, _ := newDispatcher(t)
	if err := repo.CreateMany(context.Background(), []*graph.Task{{
		ID: "t1", Name: "root", UserID: "owner", Status: graph.StatusPending, Priority: graph.DefaultPriority,
	}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	adminCtx := principal.WithContext(context.Background(), principal.Principal{UserID: "admin-1", Roles: []string{principal.AdminRole}})

	resp := d.Dispatch(adminCtx, ProtocolJSONRPC, Request{
		Method: "tasks.get", Params: rawParams(t, idParams{ID: "t1"}),
	})
	if resp.Error != nil {
		t.Fatalf("expected admin to read another user's task, got %+v", resp.Error)
	}
}

func TestDispatchExecuteSyncRunsToCompletion(t *testing.T) {
	d, _, _ := newDispatcher(t)
	ctx := ownerCtx("u1")

	resp := d.Dispatch(ctx, ProtocolJSONRPC, Request{
		Method: "tasks.execute",
		Params: rawParams(t, ExecuteParams{Tasks: []*graph.Task{{
			Name: "root", UserID: "u1", Status: graph.StatusPending, Priority: graph.DefaultPriority,
			Schemas: map[string]any{"method": "noop"},
		}}}),
	})
	if resp.Error != nil {
		t.Fatalf("tasks.execute failed: %+v", resp.Error)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result shape: %#v", resp.Result)
	}
	if result["status"] != graph.StatusCompleted {
		t.Fatalf("expected completed status, got %v", result["status"])
	}
}

func TestDispatchLegacyAliasCanonicalizes(t *testing.T) {
	d, _, _ := newDispatcher(t)
	ctx := ownerCtx("u1")

	resp := d.Dispatch(ctx, ProtocolJSONRPC, Request{
		Method: "execute_task_tree",
		Params: rawParams(t, ExecuteParams{Tasks: []*graph.Task{{
			Name: "root", UserID: "u1", Status: graph.StatusPending, Priority: graph.DefaultPriority,
			Schemas: map[string]any{"method": "noop"},
		}}}),
	})
	if resp.Error != nil {
		t.Fatalf("legacy alias execute_task_tree failed: %+v", resp.Error)
	}
}

func TestDispatchHealthReportsRunningRoots(t *testing.T) {
	d, _, _ := newDispatcher(t)
	resp := d.Dispatch(context.Background(), ProtocolJSONRPC, Request{Method: "health"})
	if resp.Error != nil {
		t.Fatalf("system.health alias failed: %+v", resp.Error)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok || result["status"] != "ok" || result["running_roots"] != 0 {
		t.Fatalf("unexpected health result: %#v", resp.Result)
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	d, _, _ := newDispatcher(t)
	resp := d.Dispatch(context.Background(), ProtocolJSONRPC, Request{Method: "bogus.method"})
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("expected CodeMethodNotFound, got %+v", resp.Error)
	}
}

func TestDispatchCopyTree(t *testing.T) {
	d, repo, _ := newDispatcher(t)
	root := &graph.Task{ID: "root", Name: "root", UserID: "u1", Status: graph.StatusCompleted, Priority: graph.DefaultPriority}
	if err := repo.CreateMany(context.Background(), []*graph.Task{root}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp := d.Dispatch(ownerCtx("u1"), ProtocolJSONRPC, Request{
		Method: "tasks.copy", Params: rawParams(t, copyParams{ID: "root"}),
	})
	if resp.Error != nil {
		t.Fatalf("tasks.copy failed: %+v", resp.Error)
	}
}

func TestDispatchCreateAcceptsYAMLTaskTree(t *testing.T) {
	d, _, _ := newDispatcher(t)
	yamlDoc := "user_id: u1\nname: root-from-yaml\nschemas:\n  method: noop\n"

	resp := d.Dispatch(ownerCtx("u1"), ProtocolJSONRPC, Request{
		Method: "tasks.create",
		Params: rawParams(t, createParams{TasksYAML: yamlDoc}),
	})
	if resp.Error != nil {
		t.Fatalf("tasks.create via tasks_yaml failed: %+v", resp.Error)
	}
	created, ok := resp.Result.([]*graph.Task)
	if !ok || len(created) != 1 || created[0].Name != "root-from-yaml" {
		t.Fatalf("unexpected result: %#v", resp.Result)
	}
}

func TestDispatchCancelResolvesMetadataTaskID(t *testing.T) {
	d, repo, _ := newDispatcher(t)
	if err := repo.CreateMany(context.Background(), []*graph.Task{{
		ID: "t1", Name: "root", UserID: "u1", Status: graph.StatusPending, Priority: graph.DefaultPriority,
	}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp := d.Dispatch(ownerCtx("u1"), ProtocolJSONRPC, Request{
		Method: "tasks.cancel",
		Params: rawParams(t, cancelParams{Metadata: map[string]any{"task_id": "t1"}}),
	})
	if resp.Error != nil {
		t.Fatalf("tasks.cancel via metadata.task_id failed: %+v", resp.Error)
	}
}
