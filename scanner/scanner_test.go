package scanner_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgatilin/aihive/bus"
	"github.com/kgatilin/aihive/scanner"
	"github.com/kgatilin/aihive/store/memory"
	"github.com/kgatilin/aihive/task"
)

func TestScanPromotesNewTasks(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus(64)
	require.NoError(t, b.Connect(ctx))
	defer b.Disconnect(ctx)

	repo := memory.New()
	for i := 0; i < 3; i++ {
		tk, err := task.New(task.NewTaskParams{Title: "t", CreatedBy: "u1", InitialStatus: task.StatusNew})
		require.NoError(t, err)
		require.NoError(t, repo.Save(ctx, tk))
	}

	var mu sync.Mutex
	var updateCmds, assignCmds []task.Command
	var initiated, completed []task.Event

	done := make(chan struct{})
	var seenUpdates, seenAssigns int

	_, err := b.SubscribeToCommand(task.CommandUpdateTaskStatus, "", func(_ context.Context, c task.Command) error {
		mu.Lock()
		updateCmds = append(updateCmds, c)
		seenUpdates++
		checkDone(seenUpdates, seenAssigns, done)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	_, err = b.SubscribeToCommand(task.CommandAssignTask, "", func(_ context.Context, c task.Command) error {
		mu.Lock()
		assignCmds = append(assignCmds, c)
		seenAssigns++
		checkDone(seenUpdates, seenAssigns, done)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	_, err = b.SubscribeToEvent(task.EventTaskScanInitiated, "", func(_ context.Context, e task.Event) error {
		mu.Lock()
		initiated = append(initiated, e)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	_, err = b.SubscribeToEvent(task.EventTaskScanCompleted, "", func(_ context.Context, e task.Event) error {
		mu.Lock()
		completed = append(completed, e)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	s := scanner.New(scanner.Config{ScanInterval: time.Hour}, repo, b)
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	s.Tick(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for scan commands")
	}
	// allow the scan-completed event to flush through the async bus
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updateCmds, 3)
	require.Len(t, assignCmds, 3)
	require.Len(t, initiated, 1)
	require.Len(t, completed, 1)

	scanID := initiated[0].CorrelationID
	assert.NotEmpty(t, scanID)
	for _, c := range updateCmds {
		assert.Equal(t, scanID, c.CorrelationID)
		p := c.Payload.(task.UpdateTaskStatusPayload)
		assert.Equal(t, task.StatusRequestValidation, p.NewStatus)
	}
	for _, c := range assignCmds {
		assert.Equal(t, scanID, c.CorrelationID)
		p := c.Payload.(task.AssignTaskPayload)
		assert.Equal(t, "product_manager_pool", p.AssigneeID)
	}
	assert.Equal(t, scanID, completed[0].CorrelationID)
}

func checkDone(updates, assigns int, done chan struct{}) {
	if updates == 3 && assigns == 3 {
		select {
		case <-done:
		default:
			close(done)
		}
	}
}
