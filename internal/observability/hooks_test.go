package observability

import (
	"encoding/json"
	"testing"
	"time"

	"taskforge/internal/executor"
	"taskforge/internal/graph"
)

func TestHooksRecordsCompletedOutcome(t *testing.T) {
	m := New()
	chain := executor.NewHookChain()
	NewHooks(m).Register(chain)

	task := &graph.Task{ID: "t1", Name: "echo"}
	if errs := chain.RunPre(task); len(errs) != 0 {
		t.Fatalf("unexpected pre-hook errors: %v", errs)
	}
	time.Sleep(time.Millisecond)
	chain.RunPost(task, json.RawMessage(`{}`), executor.Result{Status: graph.StatusCompleted})

	if got := counterValue(t, m.tasksDispatched.WithLabelValues(string(graph.StatusCompleted))); got != 1 {
		t.Fatalf("expected 1 completed outcome recorded, got %v", got)
	}
}

func TestHooksRecordsFailedOutcomeWithError(t *testing.T) {
	m := New()
	chain := executor.NewHookChain()
	NewHooks(m).Register(chain)

	task := &graph.Task{ID: "t2", Name: "echo"}
	chain.RunPre(task)
	chain.RunPost(task, nil, executor.Result{Status: graph.StatusFailed, Error: "boom"})

	if got := counterValue(t, m.tasksDispatched.WithLabelValues(string(graph.StatusFailed))); got != 1 {
		t.Fatalf("expected 1 failed outcome recorded, got %v", got)
	}
}

func TestHooksPostWithoutPreIsNoop(t *testing.T) {
	m := New()
	h := NewHooks(m)
	task := &graph.Task{ID: "orphan"}
	h.post(task, nil, executor.Result{Status: graph.StatusCompleted})

	if got := counterValue(t, m.tasksDispatched.WithLabelValues(string(graph.StatusCompleted))); got != 0 {
		t.Fatalf("expected no outcome recorded for an unmatched post-hook, got %v", got)
	}
}
