package rpc

import (
	"context"

	"taskforge/internal/apperr"
	"taskforge/internal/asyncutil"
	"taskforge/internal/events"
	"taskforge/internal/graph"
	"taskforge/internal/repository"
	"taskforge/internal/rpc/principal"
	"taskforge/internal/scheduler"
)

// ExecuteMode is the response-mode a tasks.execute call resolves to.
type ExecuteMode int

const (
	ModeSync ExecuteMode = iota
	ModeStream
	ModeCallback
)

// PushNotificationConfig carries the push-callback target a client supplies
// in configuration.push_notification_config. Method and Headers are optional
// (spec §4.6: a push callback may be configured "optionally with custom
// headers and verb"); an unset Method defaults to POST.
type PushNotificationConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ExecuteConfiguration is the "configuration" object of a tasks.execute call.
type ExecuteConfiguration struct {
	PushNotificationConfig *PushNotificationConfig `json:"push_notification_config,omitempty"`
}

// ExecuteParams is the decoded params object of a tasks.execute (or
// execute_task_tree legacy alias) call. Either ID (or RootID) or Tasks is
// set, never neither — PrepareExecute normalizes both shapes to a
// single RootID, per the Open Question #2 resolution recorded in DESIGN.md.
type ExecuteParams struct {
	ID            string                `json:"id,omitempty"`
	RootID        string                `json:"root_task_id,omitempty"`
	Tasks         []*graph.Task         `json:"tasks,omitempty"`
	TasksYAML     string                `json:"tasks_yaml,omitempty"`
	Target        string                `json:"target,omitempty"`
	ReExecute     bool                  `json:"re_execute,omitempty"`
	Metadata      map[string]any        `json:"metadata,omitempty"`
	Configuration *ExecuteConfiguration `json:"configuration,omitempty"`
}

// ResolveMode reports which transport a tasks.execute call should use.
func ResolveMode(params ExecuteParams) ExecuteMode {
	if params.Configuration != nil && params.Configuration.PushNotificationConfig != nil &&
		params.Configuration.PushNotificationConfig.URL != "" {
		return ModeCallback
	}
	if stream, _ := params.Metadata["stream"].(bool); stream {
		return ModeStream
	}
	return ModeSync
}

// PrepareExecute validates and, if params.Tasks is set, persists a fresh
// tree, returning the run's root task id. It performs the principal
// ownership check but does not start the scheduler — callers
// that need to subscribe to the run's event topic before anything can be
// published (streaming, callback) call StartExecute separately once they are
// ready to receive events.
func (d *Dispatcher) PrepareExecute(ctx context.Context, p principal.Principal, params ExecuteParams) (string, error) {
	if len(params.Tasks) == 0 && params.TasksYAML != "" {
		tasks, err := parseYAMLTasks(params.TasksYAML)
		if err != nil {
			return "", err
		}
		params.Tasks = tasks
	}
	if len(params.Tasks) > 0 {
		for _, t := range params.Tasks {
			if t.ID == "" {
				t.ID = graph.NewTaskID()
			}
		}
		if issues := graph.Validate(params.Tasks, repository.Lookup(ctx, d.repo)); len(issues) > 0 {
			return "", issues
		}
		owner := params.Tasks[0].UserID
		if !p.Owns(owner) {
			return "", apperr.PermissionError("principal does not own the submitted task tree")
		}
		if err := d.repo.CreateMany(ctx, params.Tasks); err != nil {
			return "", err
		}
		root := rootOf(params.Tasks)
		if root == nil {
			return "", apperr.InternalError("tasks.execute: validated submission has no root")
		}
		return root.ID, nil
	}

	id := params.ID
	if id == "" {
		id = params.RootID
	}
	if id == "" {
		return "", apperr.ValidationError("tasks.execute requires either id or tasks")
	}
	task, err := d.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !p.Owns(task.UserID) {
		return "", apperr.PermissionError("principal does not own task " + id)
	}
	return id, nil
}

func rootOf(tasks []*graph.Task) *graph.Task {
	for _, t := range tasks {
		if t.ParentID == "" {
			return t
		}
	}
	return nil
}

// StartExecute runs the scheduler in the background against a context
// decoupled from the originating request (the run must outlive an SSE
// connection drop or a callback-mode request that already returned).
// Cancellation of an in-flight run goes through the explicit cancel method,
// not through the request's own context.
func (d *Dispatcher) StartExecute(rootID string, opts scheduler.ExecuteOptions) {
	asyncutil.Go(d.logger, "rpc.execute", func() {
		if _, err := d.scheduler.Execute(context.Background(), rootID, opts); err != nil {
			d.logger.Warn("tasks.execute: background run for root %s ended with error: %v", rootID, err)
		}
	})
}

// runSync executes opts against rootID on the caller's goroutine and context,
// for the synchronous response mode.
func (d *Dispatcher) runSync(ctx context.Context, rootID string, opts scheduler.ExecuteOptions) (scheduler.RunResult, error) {
	return d.scheduler.Execute(ctx, rootID, opts)
}

// startCallback subscribes to rootID's topic and begins pushing every event
// to cfg's URL, then kicks off the run. Subscribing happens before the run
// starts so no early event is missed.
func (d *Dispatcher) startCallback(rootID string, cfg PushNotificationConfig, opts scheduler.ExecuteOptions) {
	var callbackOpts []events.CallbackOption
	if cfg.Method != "" {
		callbackOpts = append(callbackOpts, events.WithCallbackMethod(cfg.Method))
	}
	if len(cfg.Headers) > 0 {
		callbackOpts = append(callbackOpts, events.WithCallbackHeaders(cfg.Headers))
	}
	subscriber := events.NewCallbackSubscriber(cfg.URL, d.callbackMaxRetries, d.callbackBaseBackoff, d.logger, callbackOpts...)
	ch, unsubscribe := d.bus.Subscribe(rootID)
	asyncutil.Go(d.logger, "rpc.callback", func() {
		defer unsubscribe()
		subscriber.RunOn(context.Background(), ch, rootID)
	})
	d.StartExecute(rootID, opts)
}
