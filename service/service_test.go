package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgatilin/aihive/bus"
	"github.com/kgatilin/aihive/retry"
	"github.com/kgatilin/aihive/service"
	"github.com/kgatilin/aihive/store/memory"
	"github.com/kgatilin/aihive/task"
)

func newTestService(t *testing.T) (*service.Service, *memory.Store, bus.Bus) {
	t.Helper()
	ctx := context.Background()
	b := bus.NewMemoryBus(64)
	require.NoError(t, b.Connect(ctx))
	t.Cleanup(func() { b.Disconnect(ctx) })

	repo := memory.New()
	svc := service.New(repo, b, retry.Options{}, nil)
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(svc.Stop)
	return svc, repo, b
}

func TestCreateTaskPublishesTaskCreated(t *testing.T) {
	ctx := context.Background()
	svc, _, b := newTestService(t)

	received := make(chan task.Event, 1)
	_, err := b.SubscribeToEvent(task.EventTaskCreated, "", func(_ context.Context, e task.Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	tk, err := svc.CreateTask(ctx, task.NewTaskParams{Title: "t", CreatedBy: "u1"})
	require.NoError(t, err)

	select {
	case e := <-received:
		assert.Equal(t, task.EventTaskCreated, e.EventType)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for TaskCreated")
	}
	assert.Empty(t, tk.PendingEvents(), "events are drained after CreateTask publishes them")
}

// TestUpdateTaskStatusCommandMutatesAndPublishes covers the command
// path the scanner/poller use: publishing UpdateTaskStatus causes the
// service to load, mutate, save, and publish TaskStatusChanged.
func TestUpdateTaskStatusCommandMutatesAndPublishes(t *testing.T) {
	ctx := context.Background()
	svc, repo, b := newTestService(t)

	tk, err := svc.CreateTask(ctx, task.NewTaskParams{Title: "t", CreatedBy: "u1"})
	require.NoError(t, err)
	tk.DrainPendingEvents()

	changed := make(chan task.Event, 1)
	_, err = b.SubscribeToEvent(task.EventTaskStatusChanged, "", func(_ context.Context, e task.Event) error {
		changed <- e
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.PublishCommand(ctx, task.NewCommand(task.CommandUpdateTaskStatus, "corr-1", task.UpdateTaskStatusPayload{
		TaskID:    tk.ID(),
		NewStatus: task.StatusAssigned,
		ChangedBy: "poller",
	})))

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for TaskStatusChanged")
	}

	reloaded, err := repo.GetByID(ctx, tk.ID())
	require.NoError(t, err)
	assert.Equal(t, task.StatusAssigned, reloaded.Status())
}

// TestAddTaskCommentCommandAppendsComment covers the supplemented
// comments feature end to end through the command path the poller
// uses on its clarification and failure verdict paths.
func TestAddTaskCommentCommandAppendsComment(t *testing.T) {
	ctx := context.Background()
	svc, repo, b := newTestService(t)

	tk, err := svc.CreateTask(ctx, task.NewTaskParams{Title: "t", CreatedBy: "u1"})
	require.NoError(t, err)

	added := make(chan task.Event, 1)
	_, err = b.SubscribeToEvent(task.EventTaskCommentAdded, "", func(_ context.Context, e task.Event) error {
		added <- e
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.PublishCommand(ctx, task.NewCommand(task.CommandAddTaskComment, "corr-2", task.AddTaskCommentPayload{
		TaskID:  tk.ID(),
		Comment: "needs clarification",
		AddedBy: "agent-1",
	})))

	select {
	case <-added:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for TaskCommentAdded")
	}

	reloaded, err := repo.GetByID(ctx, tk.ID())
	require.NoError(t, err)
	require.Len(t, reloaded.Comments(), 1)
	assert.Equal(t, "needs clarification", reloaded.Comments()[0].Text)
}

// TestSendNotificationCommandReachesNotifier proves SendNotification
// dispatches to the injected Notifier rather than mutating a task.
func TestSendNotificationCommandReachesNotifier(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus(64)
	require.NoError(t, b.Connect(ctx))
	defer b.Disconnect(ctx)

	repo := memory.New()
	received := make(chan task.SendNotificationPayload, 1)
	svc := service.New(repo, b, retry.Options{}, notifierFunc(func(_ context.Context, p task.SendNotificationPayload) error {
		received <- p
		return nil
	}))
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	require.NoError(t, b.PublishCommand(ctx, task.NewCommand(task.CommandSendNotification, "corr-3", task.SendNotificationPayload{
		TaskID:           "task-1",
		NotificationType: task.NotificationDueDatePassed,
	})))

	select {
	case p := <-received:
		assert.Equal(t, task.NotificationDueDatePassed, p.NotificationType)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notifier dispatch")
	}
}

// TestUpdateTaskStatusOnTerminalTaskDeadLetters proves a status command
// against a completed task (rejected as an invalid operation) is
// classified terminal and reaches the dead-letter store rather than
// retrying forever.
func TestUpdateTaskStatusOnTerminalTaskDeadLetters(t *testing.T) {
	ctx := context.Background()
	svc, repo, b := newTestService(t)

	tk, err := svc.CreateTask(ctx, task.NewTaskParams{Title: "t", CreatedBy: "u1"})
	require.NoError(t, err)
	require.NoError(t, tk.Assign("agent-1", "pm", ""))
	require.NoError(t, tk.StartProgress("agent-1", ""))
	require.NoError(t, tk.ReadyForReview("agent-1", ""))
	require.NoError(t, tk.Complete("u1", "done", nil, nil))
	require.NoError(t, repo.Save(ctx, tk))
	tk.DrainPendingEvents()

	require.NoError(t, b.PublishCommand(ctx, task.NewCommand(task.CommandUpdateTaskStatus, "corr-4", task.UpdateTaskStatusPayload{
		TaskID:    tk.ID(),
		NewStatus: task.StatusInProgress,
		ChangedBy: "poller",
	})))

	require.Eventually(t, func() bool {
		return len(svc.DeadLetters().List()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	record := svc.DeadLetters().List()[0]
	assert.Contains(t, record.OriginalError, "invalid operation")

	reloaded, err := repo.GetByID(ctx, tk.ID())
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, reloaded.Status(), "a dead-lettered command never mutates the task")
}

type notifierFunc func(ctx context.Context, payload task.SendNotificationPayload) error

func (f notifierFunc) Notify(ctx context.Context, payload task.SendNotificationPayload) error {
	return f(ctx, payload)
}
