// Package graph defines the task tree/DAG data model and the invariants a
// submission must satisfy before it is persisted.
package graph

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Priority is a scheduling tie-break: 0 is highest priority.
type Priority int

const (
	PriorityHighest Priority = 0
	PriorityHigh    Priority = 1
	PriorityDefault Priority = 2
	PriorityLow     Priority = 3
)

// DefaultPriority is used when a submission omits priority.
const DefaultPriority = PriorityDefault

// Dependency is one entry in a task's ordered dependency list.
type Dependency struct {
	ID       string `json:"id"`
	Required bool   `json:"required"`
}

// Task is the persistent record described by the task graph model.
type Task struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id"`

	Name    string         `json:"name"`
	Schemas map[string]any `json:"schemas,omitempty"`

	Priority     Priority     `json:"priority"`
	Dependencies []Dependency `json:"dependencies,omitempty"`

	Inputs json.RawMessage `json:"inputs,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	Status   Status  `json:"status"`
	Progress float64 `json:"progress"`

	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	OriginalTaskID string `json:"original_task_id,omitempty"`
	HasCopy        bool   `json:"has_copy,omitempty"`

	// SubmissionOrder is the persisted creation order used as the scheduler's
	// tie-break after priority. It is not part of the public wire
	// representation; callers never set it directly.
	SubmissionOrder int64 `json:"-"`
}

// Clone returns a deep-enough copy safe to hand to a caller without
// sharing mutable state with the repository's internal storage.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Dependencies = append([]Dependency(nil), t.Dependencies...)
	if t.Inputs != nil {
		clone.Inputs = append(json.RawMessage(nil), t.Inputs...)
	}
	if t.Params != nil {
		clone.Params = append(json.RawMessage(nil), t.Params...)
	}
	if t.Result != nil {
		clone.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		clone.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		clone.CompletedAt = &completed
	}
	return &clone
}

// NewTaskID returns a fresh 128-bit task identifier.
func NewTaskID() string {
	return uuid.NewString()
}

// rawDependency accepts either a bare id string or a {id, required} object,
// matching how tolerant submissions in the corpus normalize loosely-typed
// client payloads before validation.
type rawDependency struct {
	ID       string `json:"id"`
	Required *bool  `json:"required"`
}

// UnmarshalJSON allows a task's "dependencies" field to be submitted as a
// mix of plain id strings and {id, required} objects.
func (d *Dependency) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		d.ID = asString
		d.Required = true
		return nil
	}
	var raw rawDependency
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.ID = raw.ID
	if raw.Required == nil {
		d.Required = true
	} else {
		d.Required = *raw.Required
	}
	return nil
}
