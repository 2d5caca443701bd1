package poller_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgatilin/aihive/bus"
	"github.com/kgatilin/aihive/poller"
	"github.com/kgatilin/aihive/store/memory"
	"github.com/kgatilin/aihive/task"
)

type stubAgent struct {
	verdict poller.Verdict
	err     error
	calls   int32
}

func (a *stubAgent) Process(_ context.Context, _ poller.TaskSnapshot) (poller.Verdict, error) {
	atomic.AddInt32(&a.calls, 1)
	return a.verdict, a.err
}

// TestPollerProducesDocumentVerdict covers spec scenario 5: a task in
// request_validation assigned to the pool, agent returns a document
// verdict, expect UpdateTaskStatus(prd_development),
// ProductRequirementCreated, LinkRequirementToTask,
// UpdateTaskStatus(prd_validation), HumanValidationRequested, in order.
func TestPollerProducesDocumentVerdict(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus(64)
	require.NoError(t, b.Connect(ctx))
	defer b.Disconnect(ctx)

	repo := memory.New()
	tk, err := task.New(task.NewTaskParams{Title: "t", CreatedBy: "u1", InitialStatus: task.StatusNew})
	require.NoError(t, err)
	require.NoError(t, tk.ChangeStatus(task.StatusRequestValidation, "scanner", "", nil))
	require.NoError(t, tk.Assign("agent-1", "scanner", ""))
	require.NoError(t, repo.Save(ctx, tk))

	var mu sync.Mutex
	var seq []string
	done := make(chan struct{})

	recordCmd := func(name string) bus.CommandHandler {
		return func(_ context.Context, c task.Command) error {
			mu.Lock()
			seq = append(seq, name)
			if len(seq) == 5 {
				close(done)
			}
			mu.Unlock()
			return nil
		}
	}
	recordEvt := func(name string) bus.EventHandler {
		return func(_ context.Context, e task.Event) error {
			mu.Lock()
			seq = append(seq, name)
			if len(seq) == 5 {
				close(done)
			}
			mu.Unlock()
			return nil
		}
	}

	_, err = b.SubscribeToCommand(task.CommandUpdateTaskStatus, "", recordCmd("UpdateTaskStatus"))
	require.NoError(t, err)
	_, err = b.SubscribeToCommand(task.CommandLinkRequirementToTask, "", recordCmd("LinkRequirementToTask"))
	require.NoError(t, err)
	_, err = b.SubscribeToEvent(task.EventProductRequirementCreated, "", recordEvt("ProductRequirementCreated"))
	require.NoError(t, err)
	_, err = b.SubscribeToEvent(task.EventHumanValidationRequested, "", recordEvt("HumanValidationRequested"))
	require.NoError(t, err)

	agent := &stubAgent{verdict: poller.Verdict{Kind: poller.VerdictDocument, DocumentContent: "PRD body"}}
	p := poller.New(poller.Config{PollInterval: time.Hour}, "agent-1", repo, b, agent)
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	p.Tick(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for poller verdict handling")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seq, 5)
	assert.Equal(t, []string{
		"UpdateTaskStatus",
		"ProductRequirementCreated",
		"LinkRequirementToTask",
		"UpdateTaskStatus",
		"HumanValidationRequested",
	}, seq)
	assert.Equal(t, int32(1), atomic.LoadInt32(&agent.calls))
}

// TestPollerSingleFlight proves at most one agent.Process runs
// concurrently per loop instance (§8).
func TestPollerSingleFlight(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus(64)
	require.NoError(t, b.Connect(ctx))
	defer b.Disconnect(ctx)

	repo := memory.New()
	tk, err := task.New(task.NewTaskParams{Title: "t", CreatedBy: "u1", InitialStatus: task.StatusNew})
	require.NoError(t, err)
	require.NoError(t, tk.ChangeStatus(task.StatusRequestValidation, "scanner", "", nil))
	require.NoError(t, tk.Assign("agent-1", "scanner", ""))
	require.NoError(t, repo.Save(ctx, tk))

	var active int32
	var maxActive int32

	agent := &slowAgent{
		onProcess: func() {
			cur := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&maxActive)
				if cur <= old || atomic.CompareAndSwapInt32(&maxActive, old, cur) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			atomic.AddInt32(&active, -1)
		},
	}

	p := poller.New(poller.Config{PollInterval: time.Hour}, "agent-1", repo, b, agent)
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Tick(ctx)
		}()
	}
	wg.Wait()
	time.Sleep(100 * time.Millisecond)

	assert.LessOrEqual(t, atomic.LoadInt32(&maxActive), int32(1))
}

type slowAgent struct {
	onProcess func()
}

func (a *slowAgent) Process(_ context.Context, _ poller.TaskSnapshot) (poller.Verdict, error) {
	a.onProcess()
	return poller.Verdict{Kind: poller.VerdictFailure, FailureMessage: "stub"}, nil
}
