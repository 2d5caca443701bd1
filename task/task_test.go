package task_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgatilin/aihive/task"
)

func mustNew(t *testing.T, p task.NewTaskParams) *task.Task {
	t.Helper()
	tk, err := task.New(p)
	require.NoError(t, err)
	return tk
}

func eventTypes(events []task.Event) []task.EventType {
	out := make([]task.EventType, len(events))
	for i, e := range events {
		out[i] = e.EventType
	}
	return out
}

func TestCreateAssignProgressReviewComplete(t *testing.T) {
	tk := mustNew(t, task.NewTaskParams{
		Title:       "T1",
		Description: "D1",
		Priority:    task.PriorityMedium,
		CreatedBy:   "u1",
	})
	require.NoError(t, tk.Assign("agent-1", "admin", ""))
	require.NoError(t, tk.StartProgress("agent-1", ""))
	require.NoError(t, tk.ReadyForReview("agent-1", ""))
	require.NoError(t, tk.Complete("reviewer", "ok", []string{"a1"}, nil))

	assert.Equal(t, task.StatusCompleted, tk.Status())
	assert.ElementsMatch(t, []string{"a1"}, tk.ArtifactIDs())

	events := tk.DrainPendingEvents()
	assert.Equal(t, []task.EventType{
		task.EventTaskCreated,
		task.EventTaskAssigned,
		task.EventTaskStatusChanged,
		task.EventTaskStatusChanged,
		task.EventTaskStatusChanged,
		task.EventTaskStatusChanged,
		task.EventTaskCompleted,
	}, eventTypes(events))

	assert.Empty(t, tk.DrainPendingEvents(), "draining twice yields nothing the second time")
}

func TestIllegalTransition(t *testing.T) {
	tk := mustNew(t, task.NewTaskParams{Title: "T", CreatedBy: "u1"})
	tk.DrainPendingEvents()

	err := tk.ChangeStatus(task.StatusReview, "u1", "", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, task.ErrInvalidTransition))
	assert.Empty(t, tk.DrainPendingEvents(), "no events emitted on a rejected transition")
}

func TestCancelOfCompletedTaskIsInvalidOperation(t *testing.T) {
	tk := mustNew(t, task.NewTaskParams{Title: "T", CreatedBy: "u1"})
	require.NoError(t, tk.Assign("agent-1", "admin", ""))
	require.NoError(t, tk.StartProgress("agent-1", ""))
	require.NoError(t, tk.ReadyForReview("agent-1", ""))
	require.NoError(t, tk.Complete("reviewer", "ok", nil, nil))

	err := tk.Cancel("u1", "late")
	require.Error(t, err)
	assert.True(t, errors.Is(err, task.ErrInvalidOperation))
	assert.Equal(t, task.StatusCompleted, tk.Status())
}

func TestUpdatedAtMonotonic(t *testing.T) {
	tk := mustNew(t, task.NewTaskParams{Title: "T", CreatedBy: "u1"})
	prev := tk.UpdatedAt()
	require.True(t, !prev.Before(tk.CreatedAt()))

	require.NoError(t, tk.Assign("agent-1", "admin", ""))
	next := tk.UpdatedAt()
	assert.True(t, next.After(prev))
}

func TestArtifactIDsNeverShrink(t *testing.T) {
	tk := mustNew(t, task.NewTaskParams{Title: "T", CreatedBy: "u1"})
	require.NoError(t, tk.Assign("agent-1", "admin", ""))
	require.NoError(t, tk.StartProgress("agent-1", ""))
	require.NoError(t, tk.ChangeStatus(task.StatusInProgress, "agent-1", "", []string{"x1"}))
	before := tk.ArtifactIDs()
	require.NoError(t, tk.ReadyForReview("agent-1", ""))
	after := tk.ArtifactIDs()
	for _, id := range before {
		assert.Contains(t, after, id)
	}
}

func TestRoundTripSnapshot(t *testing.T) {
	tk := mustNew(t, task.NewTaskParams{
		Title:       "T",
		Description: "D",
		Priority:    task.PriorityHigh,
		CreatedBy:   "u1",
		Tags:        []string{"x", "y"},
	})
	require.NoError(t, tk.Assign("agent-1", "admin", ""))
	require.NoError(t, tk.AddComment("looks good", "reviewer"))

	snap := tk.ToSnapshot()
	reloaded, err := task.FromSnapshot(snap)
	require.NoError(t, err)

	assert.Equal(t, snap, reloaded.ToSnapshot())
	assert.Empty(t, reloaded.PendingEvents(), "reconstructed tasks begin with no pending events")
	require.Len(t, reloaded.Comments(), 1, "comments survive a snapshot round trip")
	assert.Equal(t, "looks good", reloaded.Comments()[0].Text)
}

func TestAddCommentEmitsEventAndIsAllowedOnTerminalTask(t *testing.T) {
	tk := mustNew(t, task.NewTaskParams{Title: "T", CreatedBy: "u1"})
	require.NoError(t, tk.Assign("agent-1", "admin", ""))
	require.NoError(t, tk.StartProgress("agent-1", ""))
	require.NoError(t, tk.ReadyForReview("agent-1", ""))
	require.NoError(t, tk.Complete("u1", "done", nil, nil))
	tk.DrainPendingEvents()

	require.NoError(t, tk.AddComment("late note", "observer"))
	events := tk.DrainPendingEvents()
	require.Len(t, events, 1)
	assert.Equal(t, task.EventTaskCommentAdded, events[0].EventType)

	comments := tk.Comments()
	require.Len(t, comments, 1)
	assert.Equal(t, "late note", comments[0].Text)
	assert.Equal(t, "observer", comments[0].CreatedBy)
	assert.NotEmpty(t, comments[0].ID)
}

func TestAssignFromCreatedEmitsBothEventsInOrder(t *testing.T) {
	tk := mustNew(t, task.NewTaskParams{Title: "T", CreatedBy: "u1"})
	tk.DrainPendingEvents()

	require.NoError(t, tk.Assign("agent-1", "admin", "because"))
	events := tk.DrainPendingEvents()
	require.Len(t, events, 2)
	assert.Equal(t, task.EventTaskAssigned, events[0].EventType)
	assert.Equal(t, task.EventTaskStatusChanged, events[1].EventType)
	assert.Equal(t, task.StatusAssigned, tk.Status())
}

func TestSelfTransitionIsNoEventNoOp(t *testing.T) {
	tk := mustNew(t, task.NewTaskParams{Title: "T", CreatedBy: "u1"})
	tk.DrainPendingEvents()

	require.NoError(t, tk.ChangeStatus(task.StatusCreated, "u1", "", []string{"z"}))
	events := tk.DrainPendingEvents()
	assert.Empty(t, events)
	assert.Contains(t, tk.ArtifactIDs(), "z")
}
