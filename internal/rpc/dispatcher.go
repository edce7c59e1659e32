// Package rpc is the JSON-RPC 2.0 dispatch layer: envelope types, method
// routing (including legacy aliases), response-mode selection for
// tasks.execute, and principal ownership enforcement over an HTTP-hosted
// JSON-RPC 2.0 surface with JSON-RPC error codes.
package rpc

import (
	"context"
	"encoding/json"
	"time"

	"taskforge/internal/apperr"
	"taskforge/internal/events"
	"taskforge/internal/logging"
	"taskforge/internal/repository"
	"taskforge/internal/rpc/principal"
	"taskforge/internal/scheduler"
)

// Dispatcher routes JSON-RPC requests to the core engine.
type Dispatcher struct {
	repo      repository.Repository
	scheduler *scheduler.Scheduler
	bus       *events.Bus
	logger    logging.Logger

	callbackMaxRetries  int
	callbackBaseBackoff time.Duration

	keystore *keystore
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger overrides the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithCallbackDefaults sets the push-callback retry bound and initial
// backoff every callback-mode execute uses.
func WithCallbackDefaults(maxRetries int, baseBackoff time.Duration) Option {
	return func(d *Dispatcher) {
		d.callbackMaxRetries = maxRetries
		d.callbackBaseBackoff = baseBackoff
	}
}

// New creates a Dispatcher bound to the engine's core collaborators.
func New(repo repository.Repository, sched *scheduler.Scheduler, bus *events.Bus, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		repo:                repo,
		scheduler:           sched,
		bus:                 bus,
		logger:              logging.NewComponentLogger("rpc"),
		callbackMaxRetries:  5,
		callbackBaseBackoff: time.Second,
		keystore:            newKeystore(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch executes every method except a streaming-mode tasks.execute,
// which the HTTP layer handles directly (it must subscribe to the run's
// event topic before anything can be published). req.Method is resolved
// through the legacy alias table first.
func (d *Dispatcher) Dispatch(ctx context.Context, protocol string, req Request) *Response {
	p, _ := principal.FromContext(ctx)
	method := canonicalize(req.Method)

	result, err := d.route(ctx, p, method, req.Params)
	if err != nil {
		return ErrorResponse(req.ID, protocol, mapError(err))
	}
	return Result(req.ID, protocol, result)
}

func (d *Dispatcher) route(ctx context.Context, p principal.Principal, method string, raw json.RawMessage) (any, error) {
	switch method {
	case MethodTasksExecute:
		return d.dispatchExecute(ctx, p, raw)
	case MethodTasksCreate:
		return d.handleCreate(ctx, p, raw)
	case MethodTasksGet, MethodTasksDetail:
		return d.handleGet(ctx, p, raw)
	case MethodTasksUpdate:
		return d.handleUpdate(ctx, p, raw)
	case MethodTasksDelete:
		return d.handleDelete(ctx, p, raw)
	case MethodTasksTree:
		return d.handleTree(ctx, p, raw)
	case MethodTasksChildren:
		return d.handleChildren(ctx, p, raw)
	case MethodTasksList:
		return d.handleList(ctx, p, raw)
	case MethodTasksRunningList:
		return d.handleRunningList(ctx, p)
	case MethodTasksRunningStatus:
		return d.handleRunningStatus(ctx, p, raw)
	case MethodTasksRunningCount:
		return d.handleRunningCount(ctx, p)
	case MethodTasksCancel, MethodTasksRunningCancel, MethodCancel:
		return d.handleCancel(ctx, p, raw)
	case MethodTasksCopy:
		return d.handleCopy(ctx, p, raw)
	case MethodTasksGenerate:
		return nil, apperr.UnavailableError("tasks.generate requires an external planning executor, not part of this build")
	case MethodSystemHealth:
		return d.handleHealth(ctx), nil
	case MethodConfigLLMKeySet:
		return d.handleLLMKeySet(p, raw)
	case MethodConfigLLMKeyGet:
		return d.handleLLMKeyGet(p)
	case MethodConfigLLMKeyDelete:
		return d.handleLLMKeyDelete(p)
	case MethodExamplesInit, MethodExamplesStatus:
		return nil, apperr.UnavailableError(method + " requires the example-template catalog, not part of this build")
	default:
		return nil, &Error{Code: CodeMethodNotFound, Message: "unknown method: " + method}
	}
}

// dispatchExecute handles the sync and callback response modes directly;
// ModeStream is never routed here (see handleExecuteStream in server.go).
func (d *Dispatcher) dispatchExecute(ctx context.Context, p principal.Principal, raw json.RawMessage) (any, error) {
	var params ExecuteParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, apperr.ValidationError("invalid tasks.execute params: " + err.Error())
		}
	}

	rootID, err := d.PrepareExecute(ctx, p, params)
	if err != nil {
		return nil, err
	}

	opts := scheduler.ExecuteOptions{Target: params.Target, ReExecute: params.ReExecute}

	switch ResolveMode(params) {
	case ModeCallback:
		d.startCallback(rootID, *params.Configuration.PushNotificationConfig, opts)
		return map[string]any{"status": "started", "root_task_id": rootID}, nil
	default: // ModeSync; ModeStream never reaches Dispatch
		result, err := d.runSync(ctx, rootID, opts)
		if err != nil {
			return nil, err
		}
		return map[string]any{"root_task_id": result.RootID, "status": result.Status}, nil
	}
}

func (d *Dispatcher) handleHealth(ctx context.Context) map[string]any {
	return map[string]any{
		"status":        "ok",
		"running_roots": len(d.scheduler.RunningRoots()),
	}
}
