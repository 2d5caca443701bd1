// Package service implements the task service (spec §5, §9): the sole
// mutator of the repository, subscribing to the command vocabulary
// published by the scanner and poller and re-entering the aggregate
// through the load -> mutate -> save -> publish-pending-events ->
// clear ordering the concurrency model requires. Grounded on the
// teacher's CostAlertService (ai/stats/alerting.go) for the injectable
// notifier seam, and on the cyclic-wiring design note in §9: "Never let
// a subscriber invoke the service synchronously within a publish call;
// always re-enter via a command."
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/kgatilin/aihive/bus"
	"github.com/kgatilin/aihive/retry"
	"github.com/kgatilin/aihive/store"
	"github.com/kgatilin/aihive/task"
)

// Notifier delivers a SendNotification command to a human-facing
// channel. Nothing in spec §6 names a concrete transport for this, so
// it is injected; NewLoggingNotifier provides the default.
type Notifier interface {
	Notify(ctx context.Context, payload task.SendNotificationPayload) error
}

// LoggingNotifier is the default Notifier: it logs the notification at
// info level rather than delivering it anywhere, since no concrete
// channel (email, Slack, …) is named anywhere in the corpus for this
// concern.
type LoggingNotifier struct {
	logger *slog.Logger
}

func NewLoggingNotifier(logger *slog.Logger) *LoggingNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingNotifier{logger: logger}
}

func (n *LoggingNotifier) Notify(_ context.Context, payload task.SendNotificationPayload) error {
	n.logger.Info("notification",
		"task_id", payload.TaskID,
		"notification_type", payload.NotificationType,
		"user_id", payload.UserID,
		"content", payload.Content,
	)
	return nil
}

// Service is the task service. It is the only component in the system
// that calls Repository.Save.
type Service struct {
	repo     store.Repository
	bus      bus.Bus
	retry    *retry.Controller
	dlq      *retry.DeadLetterStore
	notifier Notifier
	logger   *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	subsMu sync.Mutex
	subs   []bus.Subscription
}

// New builds a Service. bus must already have Connect called on it.
// A nil notifier selects LoggingNotifier.
func New(repo store.Repository, b bus.Bus, retryOpts retry.Options, notifier Notifier) *Service {
	dlq := retry.NewDeadLetterStore()
	if notifier == nil {
		notifier = NewLoggingNotifier(nil)
	}
	return &Service{
		repo:     repo,
		bus:      b,
		retry:    retry.NewController(retryOpts, dlq),
		dlq:      dlq,
		notifier: notifier,
		logger:   slog.Default(),
		locks:    make(map[string]*sync.Mutex),
	}
}

// DeadLetters exposes the service's dead-letter store, e.g. for an
// operator-facing inspection endpoint or tests.
func (s *Service) DeadLetters() *retry.DeadLetterStore { return s.dlq }

// Start subscribes to every command in the vocabulary the service
// owns (§3: "Variants used by the core: QueryTasks, UpdateTaskStatus,
// AssignTask, AddTaskComment, SendNotification,
// LinkRequirementToTask"). QueryTasks has no service-side consumer: it
// is published for wire/observability parity only, since the scanner
// and poller both query the repository directly (SPEC_FULL.md, Open
// Question 1).
func (s *Service) Start(_ context.Context) error {
	bindings := []struct {
		commandType task.CommandType
		handler     bus.CommandHandler
	}{
		{task.CommandUpdateTaskStatus, s.handleUpdateTaskStatus},
		{task.CommandAssignTask, s.handleAssignTask},
		{task.CommandAddTaskComment, s.handleAddTaskComment},
		{task.CommandSendNotification, s.handleSendNotification},
		{task.CommandLinkRequirementToTask, s.handleLinkRequirementToTask},
	}

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, b := range bindings {
		sub, err := s.bus.SubscribeToCommand(b.commandType, "service", b.handler)
		if err != nil {
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// Stop unsubscribes every binding registered by Start.
func (s *Service) Stop() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

// lockFor returns the process-local mutex serializing saves of one
// task_id (§5, "Shared resources": "the service must serialize updates
// for a single aggregate (in-process lock keyed by task_id
// recommended)").
func (s *Service) lockFor(taskID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[taskID] = l
	}
	return l
}

// withTask implements the §5 ordering guarantee: load, mutate
// in-memory (via mutate), save, publish every event mutate appended,
// clear. mutate returning an error aborts before save; nothing is
// published.
func (s *Service) withTask(ctx context.Context, taskID string, mutate func(t *task.Task) error) error {
	lock := s.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	t, err := s.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := mutate(t); err != nil {
		return err
	}
	if err := s.repo.Save(ctx, t); err != nil {
		return err
	}

	events := t.DrainPendingEvents()
	for _, e := range events {
		if err := s.bus.PublishEvent(ctx, e); err != nil {
			s.logger.Error("failed to publish event", "task_id", taskID, "event_type", e.EventType, "error", err)
		}
	}
	return nil
}

func (s *Service) handleUpdateTaskStatus(ctx context.Context, cmd task.Command) error {
	p, ok := cmd.Payload.(task.UpdateTaskStatusPayload)
	if !ok {
		s.logger.Error("malformed UpdateTaskStatus payload", "command_id", cmd.CommandID)
		return nil
	}
	s.retry.Handle(ctx, cmd.CommandID, cmd, func(ctx context.Context) error {
		return s.withTask(ctx, p.TaskID, func(t *task.Task) error {
			return t.ChangeStatus(p.NewStatus, p.ChangedBy, p.Comment, p.RelatedArtifactIDs)
		})
	})
	return nil
}

func (s *Service) handleAssignTask(ctx context.Context, cmd task.Command) error {
	p, ok := cmd.Payload.(task.AssignTaskPayload)
	if !ok {
		s.logger.Error("malformed AssignTask payload", "command_id", cmd.CommandID)
		return nil
	}
	s.retry.Handle(ctx, cmd.CommandID, cmd, func(ctx context.Context) error {
		return s.withTask(ctx, p.TaskID, func(t *task.Task) error {
			return t.Assign(p.AssigneeID, p.AssignedBy, p.Reason)
		})
	})
	return nil
}

func (s *Service) handleAddTaskComment(ctx context.Context, cmd task.Command) error {
	p, ok := cmd.Payload.(task.AddTaskCommentPayload)
	if !ok {
		s.logger.Error("malformed AddTaskComment payload", "command_id", cmd.CommandID)
		return nil
	}
	addedBy := p.AddedBy
	if addedBy == "" {
		addedBy = "system"
	}
	s.retry.Handle(ctx, cmd.CommandID, cmd, func(ctx context.Context) error {
		return s.withTask(ctx, p.TaskID, func(t *task.Task) error {
			return t.AddComment(p.Comment, addedBy)
		})
	})
	return nil
}

// handleSendNotification dispatches to the injected Notifier. It never
// mutates a task, so it does not go through withTask.
func (s *Service) handleSendNotification(ctx context.Context, cmd task.Command) error {
	p, ok := cmd.Payload.(task.SendNotificationPayload)
	if !ok {
		s.logger.Error("malformed SendNotification payload", "command_id", cmd.CommandID)
		return nil
	}
	s.retry.Handle(ctx, cmd.CommandID, cmd, func(ctx context.Context) error {
		return s.notifier.Notify(ctx, p)
	})
	return nil
}

func (s *Service) handleLinkRequirementToTask(ctx context.Context, cmd task.Command) error {
	p, ok := cmd.Payload.(task.LinkRequirementToTaskPayload)
	if !ok {
		s.logger.Error("malformed LinkRequirementToTask payload", "command_id", cmd.CommandID)
		return nil
	}
	s.retry.Handle(ctx, cmd.CommandID, cmd, func(ctx context.Context) error {
		return s.withTask(ctx, p.TaskID, func(t *task.Task) error {
			return t.LinkRequirement(p.RequirementID)
		})
	})
	return nil
}

// CreateTask is the synchronous entry point the HTTP facade uses (§6,
// "POST /tasks"): there is no command for creation in §3's vocabulary,
// since a task must exist before anything can be published about it.
func (s *Service) CreateTask(ctx context.Context, params task.NewTaskParams) (*task.Task, error) {
	t, err := task.New(params)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, t); err != nil {
		return nil, err
	}
	for _, e := range t.DrainPendingEvents() {
		if err := s.bus.PublishEvent(ctx, e); err != nil {
			s.logger.Error("failed to publish event", "task_id", t.ID(), "event_type", e.EventType, "error", err)
		}
	}
	return t, nil
}

// loadTask fetches a task by ID, translating the repository's
// backend-specific store.ErrNotFound into task.ErrNotFound so every
// caller (httpapi's status mapping, retry's classification) has one
// sentinel to check regardless of which store.Repository is wired in.
func (s *Service) loadTask(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := s.repo.GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, task.ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

// GetTask, ListByStatus, ListByAssignee, and ListByTag are the
// synchronous read paths the HTTP facade uses directly against the
// repository (§6).
func (s *Service) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	return s.loadTask(ctx, taskID)
}

func (s *Service) ListByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	return s.repo.FindByStatus(ctx, status)
}

func (s *Service) ListByAssignee(ctx context.Context, assignee string) ([]*task.Task, error) {
	return s.repo.FindByAssignee(ctx, assignee)
}

func (s *Service) ListByTag(ctx context.Context, tag string) ([]*task.Task, error) {
	return s.repo.FindByTags(ctx, []string{tag}, false)
}

// UpdateStatus, AssignTask, CompleteTask, and CancelTask are the synchronous
// mutation paths the HTTP facade uses directly (§6): the facade is a
// caller operating outside the bus, so it goes straight through
// withTask rather than round-tripping a command to itself.
func (s *Service) UpdateStatus(ctx context.Context, taskID string, newStatus task.Status, changedBy, reason string) (*task.Task, error) {
	var out *task.Task
	err := s.withTask(ctx, taskID, func(t *task.Task) error {
		if err := t.ChangeStatus(newStatus, changedBy, reason, nil); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (s *Service) AssignTask(ctx context.Context, taskID, assignee, assignedBy string) (*task.Task, error) {
	var out *task.Task
	err := s.withTask(ctx, taskID, func(t *task.Task) error {
		if err := t.Assign(assignee, assignedBy, ""); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (s *Service) CompleteTask(ctx context.Context, taskID, completedBy, outcomeSummary string, deliverableIDs []string) (*task.Task, error) {
	var out *task.Task
	err := s.withTask(ctx, taskID, func(t *task.Task) error {
		if err := t.Complete(completedBy, outcomeSummary, deliverableIDs, nil); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (s *Service) CancelTask(ctx context.Context, taskID, canceledBy, reason string) (*task.Task, error) {
	var out *task.Task
	err := s.withTask(ctx, taskID, func(t *task.Task) error {
		if err := t.Cancel(canceledBy, reason); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}
