package executor

import (
	"encoding/json"
	"testing"

	"taskforge/internal/apperr"
	"taskforge/internal/graph"
)

func TestResolveInputsMergesLowestToHighest(t *testing.T) {
	schema := map[string]any{
		"properties": map[string]any{
			"greeting": map[string]any{"default": "hi"},
			"name":     map[string]any{"default": "world"},
		},
		"required": []any{"greeting", "name"},
	}
	task := &graph.Task{
		ID:     "t1",
		Inputs: json.RawMessage(`{"name":"alice"}`),
	}
	resolved, err := ResolveInputs(task, schema, nil, nil)
	if err != nil {
		t.Fatalf("ResolveInputs: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(resolved, &got); err != nil {
		t.Fatalf("unmarshal resolved: %v", err)
	}
	if got["greeting"] != "hi" || got["name"] != "alice" {
		t.Fatalf("expected persisted inputs to override schema default, got %v", got)
	}
}

func TestResolveInputsProjectsDependencyResultUnderBinding(t *testing.T) {
	schema := map[string]any{"required": []any{"report"}}
	task := &graph.Task{
		ID: "t1",
		Schemas: map[string]any{
			"bindings": map[string]any{"dep-1": "report"},
		},
	}
	deps := []DependencyResult{{DependencyID: "dep-1", Output: json.RawMessage(`{"lines":3}`)}}

	resolved, err := ResolveInputs(task, schema, deps, nil)
	if err != nil {
		t.Fatalf("ResolveInputs: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(resolved, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	report, ok := got["report"].(map[string]any)
	if !ok {
		t.Fatalf("expected report field to be bound from dependency, got %v", got)
	}
	if report["lines"] != float64(3) {
		t.Fatalf("unexpected report contents: %v", report)
	}
}

func TestResolveInputsDefaultsBindingToDependencyID(t *testing.T) {
	schema := map[string]any{"required": []any{"dep-1"}}
	task := &graph.Task{ID: "t1"}
	deps := []DependencyResult{{DependencyID: "dep-1", Output: json.RawMessage(`"ok"`)}}

	resolved, err := ResolveInputs(task, schema, deps, nil)
	if err != nil {
		t.Fatalf("ResolveInputs: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(resolved, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["dep-1"] != "ok" {
		t.Fatalf("expected dep-1 field set from unbound dependency, got %v", got)
	}
}

func TestResolveInputsFailsWhenRequiredFieldUnbound(t *testing.T) {
	schema := map[string]any{"required": []any{"must_have"}}
	task := &graph.Task{ID: "t1"}

	_, err := ResolveInputs(task, schema, nil, nil)
	if err == nil {
		t.Fatal("expected INPUT_RESOLUTION error")
	}
	if !apperr.IsValidation(err) {
		t.Fatalf("expected a validation error, got %v", err)
	}
}

func TestHookChainRunsPreInRegistrationOrderAndPostInReverse(t *testing.T) {
	var order []string
	chain := NewHookChain()
	chain.RegisterPre(func(task *graph.Task) error {
		order = append(order, "pre1")
		return nil
	})
	chain.RegisterPre(func(task *graph.Task) error {
		order = append(order, "pre2")
		return nil
	})
	chain.RegisterPost(func(task *graph.Task, inputs json.RawMessage, result Result) {
		order = append(order, "post1")
	})
	chain.RegisterPost(func(task *graph.Task, inputs json.RawMessage, result Result) {
		order = append(order, "post2")
	})

	chain.RunPre(&graph.Task{ID: "t1"})
	chain.RunPost(&graph.Task{ID: "t1"}, nil, Result{})

	want := []string{"pre1", "pre2", "post2", "post1"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestExecutorIDPrefersSchemaMethodOverName(t *testing.T) {
	task := &graph.Task{Name: "fallback", Schemas: map[string]any{"method": "explicit"}}
	if got := ExecutorID(task); got != "explicit" {
		t.Fatalf("expected explicit, got %s", got)
	}
	task2 := &graph.Task{Name: "fallback"}
	if got := ExecutorID(task2); got != "fallback" {
		t.Fatalf("expected fallback, got %s", got)
	}
}
