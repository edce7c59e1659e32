package graph

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDependencyUnmarshalJSONAcceptsBareString(t *testing.T) {
	var d Dependency
	if err := json.Unmarshal([]byte(`"task-1"`), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.ID != "task-1" || !d.Required {
		t.Fatalf("got %+v, want ID=task-1 Required=true", d)
	}
}

func TestDependencyUnmarshalJSONAcceptsObject(t *testing.T) {
	var d Dependency
	if err := json.Unmarshal([]byte(`{"id":"task-1","required":false}`), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.ID != "task-1" || d.Required {
		t.Fatalf("got %+v, want ID=task-1 Required=false", d)
	}
}

func TestDependencyUnmarshalJSONObjectDefaultsRequiredTrue(t *testing.T) {
	var d Dependency
	if err := json.Unmarshal([]byte(`{"id":"task-1"}`), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !d.Required {
		t.Fatalf("expected Required to default to true")
	}
}

func TestCloneIsIndependentOfSource(t *testing.T) {
	started := time.Now()
	original := &Task{
		ID:           "t1",
		Dependencies: []Dependency{{ID: "d1", Required: true}},
		Inputs:       json.RawMessage(`{"a":1}`),
		StartedAt:    &started,
	}
	clone := original.Clone()

	clone.Dependencies[0].ID = "mutated"
	clone.Inputs[2] = 'X'
	laterStart := started.Add(time.Hour)
	*clone.StartedAt = laterStart

	if original.Dependencies[0].ID != "d1" {
		t.Fatalf("mutating clone dependencies affected original")
	}
	if string(original.Inputs) != `{"a":1}` {
		t.Fatalf("mutating clone inputs affected original: %s", original.Inputs)
	}
	if !original.StartedAt.Equal(started) {
		t.Fatalf("mutating clone StartedAt affected original")
	}
}

func TestStatusIsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
	nonTerminal := []Status{StatusPending, StatusInProgress}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Fatalf("expected %s to not be terminal", s)
		}
	}
}
