package observability

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"taskforge/internal/executor"
	"taskforge/internal/graph"
)

// activeSpan tracks the span/timer a pre-hook opened for a task, consumed by
// the matching post-hook. Keyed by task id; the pre and post hooks for one
// task run on that task's worker goroutine, while other tasks' hooks may run
// concurrently on theirs, so a mutex-guarded map keyed by task id is enough
// (no per-task channel needed).
type activeSpan struct {
	span  trace.Span
	start time.Time
}

// Hooks wires this package's Metrics and tracing into the executor adapter's
// pre/post hook chain, so every task dispatch is observed without the
// scheduler or executor packages importing observability themselves.
type Hooks struct {
	metrics *Metrics

	mu     sync.Mutex
	active map[string]*activeSpan
}

// NewHooks builds a Hooks bound to metrics.
func NewHooks(metrics *Metrics) *Hooks {
	return &Hooks{metrics: metrics, active: make(map[string]*activeSpan)}
}

// Register installs this Hooks' pre/post callbacks onto chain.
func (h *Hooks) Register(chain *executor.HookChain) {
	chain.RegisterPre(h.pre)
	chain.RegisterPost(h.post)
}

func (h *Hooks) pre(task *graph.Task) error {
	_, span := StartTaskSpan(context.Background(), task.ID, executor.ExecutorID(task))
	h.mu.Lock()
	h.active[task.ID] = &activeSpan{span: span, start: time.Now()}
	h.mu.Unlock()
	return nil
}

func (h *Hooks) post(task *graph.Task, _ json.RawMessage, result executor.Result) {
	h.mu.Lock()
	as, ok := h.active[task.ID]
	delete(h.active, task.ID)
	h.mu.Unlock()
	if !ok {
		return
	}

	var err error
	if result.Status == graph.StatusFailed && result.Error != "" {
		err = errString(result.Error)
	}
	EndTaskSpan(as.span, string(result.Status), err)
	h.metrics.RecordTaskOutcome(result.Status, time.Since(as.start))
}

type errString string

func (e errString) Error() string { return string(e) }
