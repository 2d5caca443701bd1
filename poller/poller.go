package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/kgatilin/aihive/bus"
	"github.com/kgatilin/aihive/store"
	"github.com/kgatilin/aihive/task"
)

// Recorder observes completed poll iterations. package metrics
// implements it; nil is a valid value and disables recording.
type Recorder interface {
	RecordPollTick(agentID, outcome string, seconds float64)
}

// Config configures a Poller. Zero value selects spec defaults.
type Config struct {
	PollInterval time.Duration // default 60s

	// Metrics, when non-nil, receives one RecordPollTick call per
	// completed Tick.
	Metrics Recorder
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 60 * time.Second
	}
	return c
}

// Poller is the per-agent polling worker loop (§4.6). One Poller
// serves exactly one agent_id/pool; a deployment runs one per worker
// pool.
type Poller struct {
	cfg     Config
	agentID string
	reader  store.Reader
	bus     bus.Bus
	agent   Agent
	logger  *slog.Logger

	// slot enforces single-flight: at most one agent.Process in flight
	// per loop instance (§4.6, §8 "the polling worker never has more
	// than one in-flight agent.process at a time per loop").
	slot *semaphore.Weighted

	mu         sync.Mutex
	running    bool
	stop       chan struct{}
	done       chan struct{}
	inFlightID string
}

// New builds a Poller for one agent_id.
func New(cfg Config, agentID string, reader store.Reader, b bus.Bus, agent Agent) *Poller {
	return &Poller{
		cfg:     cfg.withDefaults(),
		agentID: agentID,
		reader:  reader,
		bus:     b,
		agent:   agent,
		logger:  slog.Default(),
		slot:    semaphore.NewWeighted(1),
	}
}

// Start subscribes to TaskAssigned/TaskUnassigned (§4.6) and begins
// the periodic poll. Idempotent.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	if _, err := p.bus.SubscribeToEvent(task.EventTaskAssigned, "", p.onAssignmentEvent); err != nil {
		return err
	}
	if _, err := p.bus.SubscribeToEvent(task.EventTaskUnassigned, "", p.onUnassignmentEvent); err != nil {
		return err
	}

	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(ctx)
	return nil
}

// Stop flips the running flag and awaits the loop's next wakeup.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stop, done := p.stop, p.done
	p.mu.Unlock()

	close(stop)
	<-done
}

func (p *Poller) onAssignmentEvent(_ context.Context, _ task.Event) error {
	return nil
}

// onUnassignmentEvent logs a warning if the currently in-flight task is
// unassigned mid-processing; it does not cancel the in-flight work
// (§4.6: "cancellation is best-effort").
func (p *Poller) onUnassignmentEvent(_ context.Context, e task.Event) error {
	payload, ok := e.Payload.(task.TaskUnassignedPayload)
	if !ok {
		return nil
	}
	p.mu.Lock()
	inFlight := p.inFlightID
	p.mu.Unlock()
	if inFlight != "" && payload.TaskID == inFlight {
		p.logger.Warn("task unassigned while in flight", "task_id", payload.TaskID, "agent_id", p.agentID)
	}
	return nil
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one poll iteration. A no-op if a task is already in
// flight. Exposed directly so tests and callers can drive a tick
// without waiting on the timer.
func (p *Poller) Tick(ctx context.Context) {
	if !p.slot.TryAcquire(1) {
		return
	}
	defer p.slot.Release(1)

	start := time.Now()

	t, err := p.selectTask(ctx)
	if err != nil {
		p.logger.Error("failed to select task", "agent_id", p.agentID, "error", err)
		p.recordTick("select_error", start)
		return
	}
	if t == nil {
		p.recordTick("idle", start)
		return
	}

	p.mu.Lock()
	p.inFlightID = t.ID()
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.inFlightID = ""
		p.mu.Unlock()
	}()

	outcome := p.processTask(ctx, t)
	p.recordTick(outcome, start)
}

func (p *Poller) recordTick(outcome string, start time.Time) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordPollTick(p.agentID, outcome, time.Since(start).Seconds())
	}
}

func (p *Poller) selectTask(ctx context.Context) (*task.Task, error) {
	if err := p.bus.PublishCommand(ctx, task.NewCommand(task.CommandQueryTasks, "", task.QueryTasksPayload{
		AssignedTo: p.agentID,
		Statuses:   []task.Status{task.StatusRequestValidation, task.StatusPRDDevelopment},
	})); err != nil {
		p.logger.Warn("failed to publish QueryTasks wire copy", "error", err)
	}

	candidates, err := p.reader.FindByAssignee(ctx, p.agentID)
	if err != nil {
		return nil, err
	}
	eligible := candidates[:0:0]
	for _, t := range candidates {
		switch t.Status() {
		case task.StatusRequestValidation, task.StatusPRDDevelopment:
			eligible = append(eligible, t)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}
	task.SortForPoller(eligible)
	return eligible[0], nil
}

func (p *Poller) processTask(ctx context.Context, t *task.Task) string {
	correlationID := t.ID()

	if t.Status() == task.StatusRequestValidation {
		if err := p.bus.PublishCommand(ctx, task.NewCommand(task.CommandUpdateTaskStatus, correlationID, task.UpdateTaskStatusPayload{
			TaskID:    t.ID(),
			NewStatus: task.StatusPRDDevelopment,
			ChangedBy: p.agentID,
		})); err != nil {
			p.logger.Error("failed to publish UpdateTaskStatus", "task_id", t.ID(), "error", err)
		}
	}

	verdict, err := p.agent.Process(ctx, snapshotOf(t))
	if err != nil {
		// Agent-failure (§7): logged, the task receives an error comment
		// and is held in its current state — no status transition.
		p.logger.Error("agent process failed", "task_id", t.ID(), "agent_id", p.agentID, "error", err)
		p.addComment(ctx, correlationID, t.ID(), "agent error: "+err.Error())
		return "agent_error"
	}

	switch verdict.Kind {
	case VerdictClarification:
		p.addComment(ctx, correlationID, t.ID(), verdict.Questions)
		if err := p.bus.PublishCommand(ctx, task.NewCommand(task.CommandUpdateTaskStatus, correlationID, task.UpdateTaskStatusPayload{
			TaskID:    t.ID(),
			NewStatus: task.StatusClarificationNeeded,
			ChangedBy: p.agentID,
		})); err != nil {
			p.logger.Error("failed to publish UpdateTaskStatus", "task_id", t.ID(), "error", err)
		}
		if err := p.bus.PublishEvent(ctx, task.NewEvent(task.EventClarificationRequested, correlationID, task.ClarificationRequestedPayload{
			TaskID:      t.ID(),
			RequestedBy: p.agentID,
			Questions:   verdict.Questions,
		})); err != nil {
			p.logger.Error("failed to publish ClarificationRequested", "task_id", t.ID(), "error", err)
		}

	case VerdictDocument:
		requirementID := uuid.NewString()
		if err := p.bus.PublishEvent(ctx, task.NewEvent(task.EventProductRequirementCreated, correlationID, task.ProductRequirementCreatedPayload{
			RequirementID: requirementID,
			TaskID:        t.ID(),
			CreatedBy:     p.agentID,
		})); err != nil {
			p.logger.Error("failed to publish ProductRequirementCreated", "task_id", t.ID(), "error", err)
		}
		if err := p.bus.PublishCommand(ctx, task.NewCommand(task.CommandLinkRequirementToTask, correlationID, task.LinkRequirementToTaskPayload{
			TaskID:        t.ID(),
			RequirementID: requirementID,
		})); err != nil {
			p.logger.Error("failed to publish LinkRequirementToTask", "task_id", t.ID(), "error", err)
		}
		if err := p.bus.PublishCommand(ctx, task.NewCommand(task.CommandUpdateTaskStatus, correlationID, task.UpdateTaskStatusPayload{
			TaskID:    t.ID(),
			NewStatus: task.StatusPRDValidation,
			ChangedBy: p.agentID,
		})); err != nil {
			p.logger.Error("failed to publish UpdateTaskStatus", "task_id", t.ID(), "error", err)
		}
		if err := p.bus.PublishEvent(ctx, task.NewEvent(task.EventHumanValidationRequested, correlationID, task.HumanValidationRequestedPayload{
			TaskID:        t.ID(),
			RequirementID: requirementID,
		})); err != nil {
			p.logger.Error("failed to publish HumanValidationRequested", "task_id", t.ID(), "error", err)
		}

	case VerdictFailure:
		p.logger.Warn("agent returned failure verdict", "task_id", t.ID(), "agent_id", p.agentID, "message", verdict.FailureMessage)
		p.addComment(ctx, correlationID, t.ID(), "agent failure: "+verdict.FailureMessage)
	}
	return string(verdict.Kind)
}

func (p *Poller) addComment(ctx context.Context, correlationID, taskID, comment string) {
	if err := p.bus.PublishCommand(ctx, task.NewCommand(task.CommandAddTaskComment, correlationID, task.AddTaskCommentPayload{
		TaskID:  taskID,
		Comment: comment,
		AddedBy: p.agentID,
	})); err != nil {
		p.logger.Error("failed to publish AddTaskComment", "task_id", taskID, "error", err)
	}
}

func snapshotOf(t *task.Task) TaskSnapshot {
	return TaskSnapshot{
		TaskID:      t.ID(),
		Title:       t.Title(),
		Description: t.Description(),
		Status:      string(t.Status()),
		Assignee:    t.Assignee(),
	}
}
