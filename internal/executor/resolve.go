package executor

import (
	"encoding/json"
	"fmt"
	"sort"

	"taskforge/internal/apperr"
	"taskforge/internal/graph"
)

// DependencyResult is one required dependency's terminal output, available
// to ResolveInputs in the dependency's declaration order.
type DependencyResult struct {
	DependencyID string
	Output       json.RawMessage
}

// PreHook mutates task.Inputs in place before execution. Pre-hooks run in
// registration order.
type PreHook func(task *graph.Task) error

// PostHook observes the resolved inputs and the executor's result. Post-hooks
// run in reverse registration order.
type PostHook func(task *graph.Task, inputs json.RawMessage, result Result)

// HookChain holds the pre/post hook lists registered at process start.
type HookChain struct {
	pre  []PreHook
	post []PostHook
}

// NewHookChain returns an empty HookChain.
func NewHookChain() *HookChain { return &HookChain{} }

// RegisterPre appends a pre-hook, run after every prior registration.
func (h *HookChain) RegisterPre(hook PreHook) { h.pre = append(h.pre, hook) }

// RegisterPost appends a post-hook, run before every prior registration.
func (h *HookChain) RegisterPost(hook PostHook) { h.post = append(h.post, hook) }

// RunPre runs every registered pre-hook in registration order. A hook
// failure is logged by the caller and does not stop later hooks or fail
// the task by default, per spec.
func (h *HookChain) RunPre(task *graph.Task) []error {
	var errs []error
	for _, hook := range h.pre {
		if err := hook(task); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// RunPost runs every registered post-hook in reverse registration order.
func (h *HookChain) RunPost(task *graph.Task, inputs json.RawMessage, result Result) {
	for i := len(h.post) - 1; i >= 0; i-- {
		h.post[i](task, inputs, result)
	}
}

// bindingsOf reads task.Schemas["bindings"], an optional map from dependency
// id to the field name its result is projected under in the merged inputs.
// A dependency with no entry here is projected under its own id instead.
func bindingsOf(task *graph.Task) map[string]string {
	bindings := make(map[string]string)
	if task.Schemas == nil {
		return bindings
	}
	raw, ok := task.Schemas["bindings"]
	if !ok {
		return bindings
	}
	asMap, ok := raw.(map[string]any)
	if !ok {
		return bindings
	}
	for depID, field := range asMap {
		if name, ok := field.(string); ok {
			bindings[depID] = name
		}
	}
	return bindings
}

// ResolveInputs merges, lowest-to-highest priority: (a) defaults from
// input_schema, (b) persisted task.Inputs, (c) required-dependency results
// projected under their declared binding, (d) pre-hook mutations. It fails
// with apperr.ValidationError("INPUT_RESOLUTION: ...") if a required field
// named in schema remains unbound afterward.
func ResolveInputs(task *graph.Task, schema map[string]any, depResults []DependencyResult, hooks *HookChain) (json.RawMessage, error) {
	merged := make(map[string]any)

	for field, value := range schemaDefaults(schema) {
		merged[field] = value
	}

	if len(task.Inputs) > 0 {
		var persisted map[string]any
		if err := json.Unmarshal(task.Inputs, &persisted); err != nil {
			return nil, apperr.ValidationError(fmt.Sprintf("INPUT_RESOLUTION: task %s has malformed persisted inputs: %v", task.ID, err))
		}
		for k, v := range persisted {
			merged[k] = v
		}
	}

	bindings := bindingsOf(task)
	for _, dep := range depResults {
		field := dep.DependencyID
		if bound, ok := bindings[dep.DependencyID]; ok {
			field = bound
		}
		var decoded any
		if len(dep.Output) > 0 {
			if err := json.Unmarshal(dep.Output, &decoded); err != nil {
				return nil, apperr.ValidationError(fmt.Sprintf("INPUT_RESOLUTION: dependency %s produced malformed output: %v", dep.DependencyID, err))
			}
		}
		merged[field] = decoded
	}

	if hooks != nil {
		preview := taskWithMergedInputs(task, merged)
		if errs := hooks.RunPre(preview); len(errs) > 0 {
			// Hook failures are logged by the caller; ResolveInputs still
			// picks up whatever the hook managed to set before failing.
			merged = decodeInputs(preview.Inputs, merged)
		} else {
			merged = decodeInputs(preview.Inputs, merged)
		}
	}

	if missing := missingRequiredFields(schema, merged); len(missing) > 0 {
		sort.Strings(missing)
		return nil, apperr.ValidationError(fmt.Sprintf("INPUT_RESOLUTION: task %s missing required field(s): %v", task.ID, missing))
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, apperr.InternalError(fmt.Sprintf("INPUT_RESOLUTION: failed to encode resolved inputs for task %s: %v", task.ID, err))
	}
	return out, nil
}

func taskWithMergedInputs(task *graph.Task, merged map[string]any) *graph.Task {
	clone := task.Clone()
	if encoded, err := json.Marshal(merged); err == nil {
		clone.Inputs = encoded
	}
	return clone
}

func decodeInputs(raw json.RawMessage, fallback map[string]any) map[string]any {
	if len(raw) == 0 {
		return fallback
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fallback
	}
	return decoded
}
