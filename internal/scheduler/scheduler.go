// Package scheduler dispatches a task tree's dependency-respecting
// execution: a bounded worker pool runs independent tasks in parallel
// while required dependencies gate readiness, using panic-recovering
// goroutines and golang.org/x/sync/semaphore for the pool bound.
package scheduler

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"taskforge/internal/apperr"
	"taskforge/internal/asyncutil"
	"taskforge/internal/events"
	"taskforge/internal/executor"
	"taskforge/internal/graph"
	"taskforge/internal/logging"
	"taskforge/internal/repository"
)

const defaultGracePeriod = 5 * time.Second

// Scheduler dispatches runs against a Repository, using a Registry to
// resolve executors and a Bus to publish lifecycle events.
type Scheduler struct {
	repo     repository.Repository
	registry *executor.Registry
	bus      *events.Bus
	hooks    *executor.HookChain
	logger   logging.Logger

	sem         *semaphore.Weighted
	poolSize    int64
	gracePeriod time.Duration

	mu           sync.Mutex
	cancelFuncs  map[string]context.CancelCauseFunc
	runningRoots map[string]struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWorkerPoolSize bounds the number of concurrently executing tasks
// across all runs (spec's worker_pool_size configuration knob).
func WithWorkerPoolSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.poolSize = int64(n)
		}
	}
}

// WithHooks registers the pre/post hook chain the executor adapter runs.
func WithHooks(hooks *executor.HookChain) Option {
	return func(s *Scheduler) { s.hooks = hooks }
}

// WithGracePeriod sets how long Cancel waits for a cooperative executor
// cancel before forcing the task to cancelled anyway.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Scheduler) { s.gracePeriod = d }
}

// WithLogger overrides the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// New creates a Scheduler bound to repo, registry, and bus.
func New(repo repository.Repository, registry *executor.Registry, bus *events.Bus, opts ...Option) *Scheduler {
	s := &Scheduler{
		repo:         repo,
		registry:     registry,
		bus:          bus,
		hooks:        executor.NewHookChain(),
		logger:       logging.NewComponentLogger("scheduler"),
		poolSize:     8,
		gracePeriod:  defaultGracePeriod,
		cancelFuncs:  make(map[string]context.CancelCauseFunc),
		runningRoots: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sem = semaphore.NewWeighted(s.poolSize)
	return s
}

// ExecuteOptions controls which tasks in the tree are candidates this run.
type ExecuteOptions struct {
	// Target is the task to (re-)execute. Empty means the tree's root.
	Target string
	// ReExecute marks Target and everything it transitively depends on for
	// re-execution regardless of prior status.
	ReExecute bool
}

// RunResult summarizes a completed Execute call.
type RunResult struct {
	RootID string
	Status graph.Status
}

// ErrAlreadyRunning is returned when a run is requested for a root that
// already has a run in flight.
var ErrAlreadyRunning = fmt.Errorf("%w: root already has an active run", apperr.ErrConflict)

// Execute runs the minimal eligible subtree rooted at the tree containing
// opts.Target (or rootID if Target is empty).
func (s *Scheduler) Execute(ctx context.Context, rootID string, opts ExecuteOptions) (RunResult, error) {
	target := opts.Target
	if target == "" {
		target = rootID
	}

	treeRoot, err := s.repo.GetRoot(ctx, target)
	if err != nil {
		return RunResult{}, err
	}

	if !s.tryMarkRunning(treeRoot.ID) {
		return RunResult{}, ErrAlreadyRunning
	}
	defer s.unmarkRunning(treeRoot.ID)

	allTasks, err := s.repo.BuildSubtree(ctx, treeRoot.ID)
	if err != nil {
		return RunResult{}, err
	}

	r := newRun(treeRoot.ID, allTasks)
	candidates := s.classify(r, target, opts.ReExecute)
	r.markCandidates(candidates)

	immediateFailures := r.seed()
	for _, id := range immediateFailures {
		s.failDependencyUnsatisfied(ctx, r, id)
	}

	status := s.dispatchLoop(ctx, r)

	s.bus.Publish(events.Event{
		Type:   events.TypeRunFinal,
		RootID: r.rootID,
		Payload: map[string]any{
			"status": status,
		},
	})
	s.bus.Publish(events.Event{Type: events.TypeStreamEnd, RootID: r.rootID})
	// Every buffered subscriber channel already holds RunFinal/StreamEnd by
	// the time Close runs, and a closed channel still drains its buffer
	// before reporting closed, so this never drops a frame. Closing here is
	// what lets a callback-mode subscriber (which runs on
	// context.Background(), per rpc.startCallback) and any other transport
	// still attached to this topic stop for good once the run is over,
	// instead of leaking their subscriber goroutine and bus registration.
	s.bus.Close(r.rootID)

	return RunResult{RootID: r.rootID, Status: status}, nil
}

func (s *Scheduler) tryMarkRunning(rootID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.runningRoots[rootID]; busy {
		return false
	}
	s.runningRoots[rootID] = struct{}{}
	return true
}

func (s *Scheduler) unmarkRunning(rootID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runningRoots, rootID)
}

// RunningRoots returns the root task ids with an active run, for the RPC
// dispatcher's tasks.running.* surface.
func (s *Scheduler) RunningRoots() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.runningRoots))
	for id := range s.runningRoots {
		ids = append(ids, id)
	}
	return ids
}

// IsRunning reports whether rootID currently has an active run.
func (s *Scheduler) IsRunning(rootID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, running := s.runningRoots[rootID]
	return running
}

// classify marks target plus every transitive dependency for execution
// regardless of prior status on a re-execution; a fresh run only considers
// tasks still pending.
func (s *Scheduler) classify(r *run, target string, reExecute bool) map[string]struct{} {
	candidates := make(map[string]struct{})
	if !reExecute {
		for id, t := range r.tasks {
			if t.Status == graph.StatusPending {
				candidates[id] = struct{}{}
			}
		}
		return candidates
	}

	var collect func(id string)
	visited := make(map[string]struct{})
	collect = func(id string) {
		if _, seen := visited[id]; seen {
			return
		}
		visited[id] = struct{}{}
		candidates[id] = struct{}{}
		r.resetInMemory(id)
		t := r.getTask(id)
		if t == nil {
			return
		}
		for _, dep := range t.Dependencies {
			collect(dep.ID)
		}
	}
	collect(target)
	return candidates
}

// dispatchLoop runs the pop-dispatch-await-requeue cycle until ready and
// running are both empty, then computes the run's terminal status.
func (s *Scheduler) dispatchLoop(ctx context.Context, r *run) graph.Status {
	type completion struct {
		taskID string
		status graph.Status
	}
	completions := make(chan completion, 1)
	active := 0
	anyFailed := false
	anyCancelled := false

	for !r.isDone(active) {
		dispatchedAny := false
		for r.ready.Len() > 0 {
			if !s.sem.TryAcquire(1) {
				break
			}
			item := heap.Pop(&r.ready).(readyItem)
			active++
			dispatchedAny = true
			taskID := item.taskID
			asyncutil.Go(s.logger, "scheduler.dispatch", func() {
				status := s.runOne(ctx, r, taskID)
				completions <- completion{taskID: taskID, status: status}
			})
		}
		if active == 0 {
			break
		}
		_ = dispatchedAny
		select {
		case <-ctx.Done():
			return graph.StatusCancelled
		case c := <-completions:
			active--
			s.sem.Release(1)
			r.state[c.taskID] = c.status
			switch c.status {
			case graph.StatusFailed:
				anyFailed = true
			case graph.StatusCancelled:
				anyCancelled = true
			}
			immediateFailures := r.requeueWaiters(c.taskID)
			for i := 0; i < len(immediateFailures); i++ {
				id := immediateFailures[i]
				if r.state[id].IsTerminal() {
					continue
				}
				s.failDependencyUnsatisfied(ctx, r, id)
				r.state[id] = graph.StatusFailed
				anyFailed = true
				more := r.requeueWaiters(id)
				for _, nested := range more {
					immediateFailures = append(immediateFailures, nested)
				}
			}
		}
	}

	switch {
	case anyCancelled && !anyFailed:
		return graph.StatusCancelled
	case anyFailed:
		return graph.StatusFailed
	default:
		return graph.StatusCompleted
	}
}

// runOne executes one candidate end to end: transition to in_progress,
// resolve inputs, invoke the executor, persist the terminal result, and
// publish the lifecycle events. It never returns an error: a failure to
// run is itself recorded as the task's terminal failed status.
func (s *Scheduler) runOne(ctx context.Context, r *run, taskID string) graph.Status {
	task := r.getTask(taskID)

	taskCtx, cancel := context.WithCancelCause(ctx)
	s.mu.Lock()
	s.cancelFuncs[taskID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancelFuncs, taskID)
		s.mu.Unlock()
		cancel(nil)
	}()

	now := time.Now()
	if _, err := s.repo.Update(ctx, taskID, func(t *graph.Task) error {
		t.Status = graph.StatusInProgress
		t.StartedAt = &now
		return nil
	}); err != nil {
		s.logger.Error("scheduler: failed to persist in_progress for task %s: %v", taskID, err)
		return graph.StatusFailed
	}
	s.bus.Publish(events.Event{Type: events.TypeTaskStarted, RootID: r.rootID, TaskID: taskID})

	exec, ok := s.registry.Resolve(task)
	if !ok {
		return s.finishFailed(ctx, r, taskID, fmt.Sprintf("no executor registered for %q", executor.ExecutorID(task)))
	}

	depResults := s.collectDependencyResults(r, task)
	inputs, err := executor.ResolveInputs(task, exec.InputSchema(), depResults, s.hooks)
	if err != nil {
		return s.finishFailed(ctx, r, taskID, err.Error())
	}

	result, err := exec.Execute(taskCtx, inputs)
	if err != nil {
		if taskCtx.Err() != nil {
			return s.finishCancelled(ctx, r, taskID)
		}
		return s.finishFailed(ctx, r, taskID, err.Error())
	}

	s.hooks.RunPost(task, inputs, result)

	switch result.Status {
	case graph.StatusCancelled:
		return s.finishCancelled(ctx, r, taskID)
	case graph.StatusFailed:
		return s.finishFailed(ctx, r, taskID, result.Error)
	default:
		return s.finishCompleted(ctx, r, taskID, result.Output)
	}
}

func (s *Scheduler) collectDependencyResults(r *run, task *graph.Task) []executor.DependencyResult {
	results := make([]executor.DependencyResult, 0, len(task.Dependencies))
	for _, dep := range task.Dependencies {
		if !dep.Required {
			continue
		}
		depTask := r.getTask(dep.ID)
		ok := depTask != nil
		if !ok || depTask.Result == nil {
			continue
		}
		results = append(results, executor.DependencyResult{DependencyID: dep.ID, Output: depTask.Result})
	}
	return results
}

func (s *Scheduler) finishCompleted(ctx context.Context, r *run, taskID string, output json.RawMessage) graph.Status {
	now := time.Now()
	updated, err := s.repo.Update(ctx, taskID, func(t *graph.Task) error {
		t.Status = graph.StatusCompleted
		t.Progress = 1.0
		t.Result = output
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		s.logger.Error("scheduler: failed to persist completed for task %s: %v", taskID, err)
	} else {
		r.setTask(taskID, updated)
	}
	s.bus.Publish(events.Event{Type: events.TypeTaskCompleted, RootID: r.rootID, TaskID: taskID})
	return graph.StatusCompleted
}

func (s *Scheduler) finishFailed(ctx context.Context, r *run, taskID, errText string) graph.Status {
	now := time.Now()
	_, err := s.repo.Update(ctx, taskID, func(t *graph.Task) error {
		t.Status = graph.StatusFailed
		t.Error = errText
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		s.logger.Error("scheduler: failed to persist failed for task %s: %v", taskID, err)
	}
	s.bus.Publish(events.Event{Type: events.TypeTaskFailed, RootID: r.rootID, TaskID: taskID, Payload: map[string]any{"error": errText}})
	return graph.StatusFailed
}

func (s *Scheduler) finishCancelled(ctx context.Context, r *run, taskID string) graph.Status {
	now := time.Now()
	_, err := s.repo.Update(ctx, taskID, func(t *graph.Task) error {
		t.Status = graph.StatusCancelled
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		s.logger.Error("scheduler: failed to persist cancelled for task %s: %v", taskID, err)
	}
	s.bus.Publish(events.Event{Type: events.TypeTaskCancelled, RootID: r.rootID, TaskID: taskID})
	return graph.StatusCancelled
}

// failDependencyUnsatisfied transitions a candidate directly to failed
// without ever invoking its executor.
func (s *Scheduler) failDependencyUnsatisfied(ctx context.Context, r *run, taskID string) {
	task := r.getTask(taskID)
	if task == nil {
		return
	}
	var failedDepID string
	for _, dep := range task.Dependencies {
		if dep.Required {
			status := r.state[dep.ID]
			if status == graph.StatusFailed || status == graph.StatusCancelled {
				failedDepID = dep.ID
				break
			}
		}
	}
	s.finishFailed(ctx, r, taskID, dependencyUnsatisfiedError(failedDepID))
}

// Cancel signals task's cancel cause if it is currently running; if the
// task is only pending it is transitioned directly to cancelled without
// invoking any executor. It waits up to the scheduler's grace period for a
// cooperative executor cancel before forcing the terminal transition.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) error {
	s.mu.Lock()
	cancel, running := s.cancelFuncs[taskID]
	s.mu.Unlock()

	task, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return err
	}

	if !running {
		if task.Status.IsTerminal() {
			return apperr.ConflictError(fmt.Sprintf("task %s is already %s", taskID, task.Status))
		}
		now := time.Now()
		_, err := s.repo.Update(ctx, taskID, func(t *graph.Task) error {
			t.Status = graph.StatusCancelled
			t.CompletedAt = &now
			return nil
		})
		if err == nil {
			rootID, rootErr := s.repo.GetRoot(ctx, taskID)
			if rootErr == nil {
				s.bus.Publish(events.Event{Type: events.TypeTaskCancelled, RootID: rootID.ID, TaskID: taskID})
			}
		}
		return err
	}

	cancel(fmt.Errorf("%w: cancel requested", context.Canceled))

	grace := time.NewTimer(s.gracePeriod)
	defer grace.Stop()
	for {
		select {
		case <-grace.C:
			now := time.Now()
			_, err := s.repo.Update(ctx, taskID, func(t *graph.Task) error {
				if t.Status.IsTerminal() {
					return nil
				}
				t.Status = graph.StatusCancelled
				t.CompletedAt = &now
				return nil
			})
			return err
		case <-time.After(20 * time.Millisecond):
			t, err := s.repo.Get(ctx, taskID)
			if err == nil && t.Status.IsTerminal() {
				return nil
			}
		}
	}
}
