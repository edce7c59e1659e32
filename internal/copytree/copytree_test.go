package copytree

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskforge/internal/graph"
	"taskforge/internal/repository/memory"
)

func newTask(id, parentID, userID string, deps ...string) *graph.Task {
	t := &graph.Task{
		ID:       id,
		ParentID: parentID,
		UserID:   userID,
		Name:     "task-" + id,
		Status:   graph.StatusPending,
		Priority: graph.DefaultPriority,
	}
	for _, d := range deps {
		t.Dependencies = append(t.Dependencies, graph.Dependency{ID: d, Required: true})
	}
	return t
}

func seed(t *testing.T, repo *memory.Store, tasks ...*graph.Task) {
	t.Helper()
	require.NoError(t, repo.CreateMany(context.Background(), tasks), "seed")
}

// TestCopySimpleSubtreeResetsLifecycle covers that a copy of a completed
// subtree starts fully pending, with fresh ids, and records
// original_task_id back to the source.
func TestCopySimpleSubtreeResetsLifecycle(t *testing.T) {
	repo := memory.New()
	root := newTask("root", "", "u1")
	root.Status = graph.StatusCompleted
	child := newTask("child", "root", "u1")
	child.Status = graph.StatusCompleted
	seed(t, repo, root, child)

	result, err := Copy(context.Background(), repo, nil, "root", false)
	require.NoError(t, err)

	require.NotEqual(t, "root", result.Root.ID, "expected a fresh root id")
	require.Equal(t, graph.StatusPending, result.Root.Status)
	require.Equal(t, "root", result.Root.OriginalTaskID)
	require.Len(t, result.Tasks, 2, "expected root+child copied")
	for _, copied := range result.Tasks {
		require.Equal(t, graph.StatusPending, copied.Status, "copied task %s not reset", copied.ID)
		require.Zero(t, copied.Progress, "copied task %s not reset", copied.ID)
		require.Nil(t, copied.Result, "copied task %s not reset", copied.ID)
	}

	original, err := repo.Get(context.Background(), "root")
	require.NoError(t, err)
	require.True(t, original.HasCopy, "expected source root has_copy=true after copy")
}

// TestCopyPullsInDependents covers the dep_set computation: copying a
// producer must also copy anything depending on it, so the copy's
// consumer re-executes against the copy rather than the stale original.
func TestCopyPullsInDependents(t *testing.T) {
	repo := memory.New()
	producer := newTask("producer", "", "u1")
	producer.Status = graph.StatusCompleted
	consumer := newTask("consumer", "", "u1", "producer")
	consumer.Status = graph.StatusPending
	seed(t, repo, producer, consumer)

	result, err := Copy(context.Background(), repo, nil, "producer", false)
	require.NoError(t, err)
	require.Len(t, result.Tasks, 2, "expected producer+consumer copied")

	var copiedConsumer *graph.Task
	for _, task := range result.Tasks {
		if task.Name == "task-consumer" {
			copiedConsumer = task
		}
	}
	require.NotNil(t, copiedConsumer, "consumer was not pulled into the copy")
	require.Len(t, copiedConsumer.Dependencies, 1)
	require.NotEqual(t, "producer", copiedConsumer.Dependencies[0].ID,
		"expected consumer's dependency rewritten to the copied producer id")
}

// TestCopyIncludeChildrenExpandsSiblingSubtrees covers that with
// includeChildren set, each direct child of the root contributes its own
// core_set to the copy, not just the root's direct descendants.
func TestCopyIncludeChildrenExpandsSiblingSubtrees(t *testing.T) {
	repo := memory.New()
	root := newTask("root", "", "u1")
	childA := newTask("childA", "root", "u1")
	grandchild := newTask("grandchild", "childA", "u1")
	seed(t, repo, root, childA, grandchild)

	result, err := Copy(context.Background(), repo, nil, "root", true)
	require.NoError(t, err)
	require.Len(t, result.Tasks, 3, "expected root+childA+grandchild copied")
}

// TestCopyExcludesFailedLeafWithPendingDependents covers that a failed leaf
// whose only dependents are still pending is dropped from the copy, since
// nothing downstream ever consumed its result.
func TestCopyExcludesFailedLeafWithPendingDependents(t *testing.T) {
	repo := memory.New()
	root := newTask("root", "", "u1")
	failedLeaf := newTask("leaf", "root", "u1")
	failedLeaf.Status = graph.StatusFailed
	pendingDependent := newTask("waiter", "", "u1", "leaf")
	seed(t, repo, root, failedLeaf, pendingDependent)

	result, err := Copy(context.Background(), repo, nil, "root", false)
	require.NoError(t, err)
	for _, task := range result.Tasks {
		require.NotEqual(t, "task-leaf", task.Name,
			"expected failed leaf with only pending dependents to be excluded from the copy")
	}
}

// TestCopyKeepsExternalDependencyPointingAtOriginal covers that a
// dependency outside the copy set is left pointing at the original,
// uncopied task rather than being dropped or rewritten.
func TestCopyKeepsExternalDependencyPointingAtOriginal(t *testing.T) {
	repo := memory.New()
	external := newTask("external", "", "u1")
	external.Status = graph.StatusCompleted
	root := newTask("root", "", "u1", "external")
	seed(t, repo, external, root)

	result, err := Copy(context.Background(), repo, nil, "root", false)
	require.NoError(t, err)
	require.Len(t, result.Root.Dependencies, 1)
	require.Equal(t, "external", result.Root.Dependencies[0].ID,
		"expected external dependency to remain pointed at original id")
}

func TestCopyUnknownSourceReturnsNotFound(t *testing.T) {
	repo := memory.New()
	_, err := Copy(context.Background(), repo, nil, "missing", false)
	require.Error(t, err, "expected an error copying a nonexistent root")
}

func TestCopyRoundTripWithinTimeout(t *testing.T) {
	repo := memory.New()
	seed(t, repo, newTask("root", "", "u1"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Copy(ctx, repo, nil, "root", false)
	require.NoError(t, err)
}
