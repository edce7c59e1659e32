package scheduler

import (
	"container/heap"
	"fmt"
	"sync"

	"taskforge/internal/graph"
)

// run holds the in-memory indexes for one active Execute call: a mirror of
// persisted status, the ready priority queue, the reverse dependency index
// restricted to candidates, and the working copies being dispatched.
//
// state, waiters, candidates, and the ready heap are only ever touched from
// the single dispatchLoop goroutine. tasks is different: worker goroutines
// spawned by dispatchLoop read it (collectDependencyResults) and write it
// (finishCompleted, to cache the persisted result for later dependents)
// concurrently with each other and with the dispatch loop's own reads, so it
// is guarded by tasksMu.
type run struct {
	rootID string

	tasksMu sync.RWMutex
	tasks   map[string]*graph.Task // every task in the tree, keyed by id

	state map[string]graph.Status

	ready   readyQueue
	waiters map[string][]string // dependency id -> dependent task ids (candidates only)

	candidates map[string]struct{}
}

func newRun(rootID string, tasks []*graph.Task) *run {
	r := &run{
		rootID:  rootID,
		tasks:   make(map[string]*graph.Task, len(tasks)),
		state:   make(map[string]graph.Status, len(tasks)),
		waiters: make(map[string][]string),
	}
	for _, t := range tasks {
		r.tasks[t.ID] = t
		r.state[t.ID] = t.Status
	}
	return r
}

// getTask safely reads a task by id; it may be called concurrently from any
// worker goroutine as well as the dispatch loop.
func (r *run) getTask(id string) *graph.Task {
	r.tasksMu.RLock()
	defer r.tasksMu.RUnlock()
	return r.tasks[id]
}

// setTask safely updates a task's cached copy after it persists a new
// terminal state.
func (r *run) setTask(id string, t *graph.Task) {
	r.tasksMu.Lock()
	defer r.tasksMu.Unlock()
	r.tasks[id] = t
}

// markCandidates records which tasks are eligible for (re-)execution this
// run and builds the reverse dependency index over them.
func (r *run) markCandidates(ids map[string]struct{}) {
	r.candidates = ids
	for id := range ids {
		t := r.tasks[id]
		if t == nil {
			continue
		}
		for _, dep := range t.Dependencies {
			r.waiters[dep.ID] = append(r.waiters[dep.ID], id)
		}
	}
}

// resetInMemory sets a candidate's in-memory state to pending without
// persisting, per the re-execution classification rule: the persisted
// change only happens at the pending -> in_progress transition.
func (r *run) resetInMemory(id string) {
	r.state[id] = graph.StatusPending
}

// readiness describes what seed or requeueWaiters found for one candidate.
type readiness struct {
	ready          bool
	requiredFailed bool
	failedDepID    string
}

// evaluate checks a candidate's dependencies against the run's state mirror.
func (r *run) evaluate(task *graph.Task) readiness {
	for _, dep := range task.Dependencies {
		depStatus := r.state[dep.ID]
		if dep.Required {
			if depStatus == graph.StatusFailed || depStatus == graph.StatusCancelled {
				return readiness{requiredFailed: true, failedDepID: dep.ID}
			}
			if depStatus != graph.StatusCompleted {
				return readiness{}
			}
			continue
		}
		if !depStatus.IsTerminal() {
			return readiness{}
		}
	}
	return readiness{ready: true}
}

// seed evaluates every candidate and pushes the ready ones onto the heap;
// candidates whose required dependency already failed are returned so the
// caller can fail them directly without ever entering ready.
func (r *run) seed() []string {
	var immediateFailures []string
	for id := range r.candidates {
		task := r.getTask(id)
		result := r.evaluate(task)
		switch {
		case result.requiredFailed:
			immediateFailures = append(immediateFailures, id)
		case result.ready:
			heap.Push(&r.ready, readyItem{taskID: id, priority: task.Priority, submissionOrder: task.SubmissionOrder})
		}
	}
	return immediateFailures
}

// requeueWaiters re-evaluates everything waiting on completedID after it
// reaches a terminal state, pushing newly-ready candidates and returning
// any that must fail immediately due to a required dependency failure.
func (r *run) requeueWaiters(completedID string) []string {
	var immediateFailures []string
	for _, dependentID := range r.waiters[completedID] {
		if r.state[dependentID].IsTerminal() {
			continue // already dispatched and finished, or already failed
		}
		task := r.getTask(dependentID)
		result := r.evaluate(task)
		switch {
		case result.requiredFailed:
			immediateFailures = append(immediateFailures, dependentID)
		case result.ready:
			heap.Push(&r.ready, readyItem{taskID: dependentID, priority: task.Priority, submissionOrder: task.SubmissionOrder})
		}
	}
	return immediateFailures
}

// dependencyUnsatisfiedError formats the error string for a task whose
// required dependency failed or was cancelled.
func dependencyUnsatisfiedError(depID string) string {
	return fmt.Sprintf("DEPENDENCY_UNSATISFIED: %s", depID)
}

// isDone reports whether the run has nothing left ready or in flight.
func (r *run) isDone(activeCount int) bool {
	return r.ready.Len() == 0 && activeCount == 0
}
