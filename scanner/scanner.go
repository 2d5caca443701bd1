// Package scanner implements the periodic scanning orchestrator (spec
// §4.5): a global sweep that promotes new tasks, notifies humans on
// tasks awaiting clarification or PRD validation, and (a supplemented
// pass not in the literal spec, see SPEC_FULL.md) flags tasks whose due
// date has passed. Grounded on the teacher's periodic-scan workflow
// scheduler in the original divinesense content pipeline, generalized
// from "scan for stale content" to "scan for stale tasks".
package scanner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kgatilin/aihive/bus"
	"github.com/kgatilin/aihive/store"
	"github.com/kgatilin/aihive/task"
)

// Recorder observes completed scan sweeps. package metrics implements
// it; nil is a valid value and disables recording.
type Recorder interface {
	RecordScanSweep(seconds float64)
}

// Config configures the Scanner. Zero value selects spec defaults.
type Config struct {
	ScanInterval time.Duration // default 300s

	// Metrics, when non-nil, receives one RecordScanSweep call per
	// completed Tick.
	Metrics Recorder
}

func (c Config) withDefaults() Config {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 300 * time.Second
	}
	return c
}

// Scanner is the periodic scanning orchestrator. It queries the
// repository directly through Reader rather than round-tripping
// QueryTasks over the bus (SPEC_FULL.md, Open Question 1) — the bus
// has no reply semantics, only fire-and-forget pub/sub — while still
// publishing QueryTasks for wire/observability parity with the rest of
// the command vocabulary.
type Scanner struct {
	cfg     Config
	reader  store.Reader
	bus     bus.Bus
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	notifyMu  sync.Mutex
	notified  map[string]map[task.NotificationType]bool
}

// New builds a Scanner. bus must already have Connect called on it.
func New(cfg Config, reader store.Reader, b bus.Bus) *Scanner {
	return &Scanner{
		cfg:      cfg.withDefaults(),
		reader:   reader,
		bus:      b,
		logger:   slog.Default(),
		notified: make(map[string]map[task.NotificationType]bool),
	}
}

// Start subscribes to TaskCreated/TaskStatusChanged (§4.5: "the
// orchestrator also subscribes... so that it may react between
// ticks") and begins the periodic sweep. Start is idempotent.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if _, err := s.bus.SubscribeToEvent(task.EventTaskCreated, "", s.onObservedEvent); err != nil {
		return err
	}
	if _, err := s.bus.SubscribeToEvent(task.EventTaskStatusChanged, "", s.onObservedEvent); err != nil {
		return err
	}

	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx)
	return nil
}

// Stop flips the running flag and awaits the loop's next wakeup,
// matching §5's "stop() flips a running flag and awaits the loop's
// next sleep to return".
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop := s.stop
	done := s.done
	s.mu.Unlock()

	close(stop)
	<-done
}

// onObservedEvent has no mandated behavior (§4.5); it must only avoid
// dead-locking on re-entrant publish, which it does by never calling
// back into the bus synchronously from within this handler.
func (s *Scanner) onObservedEvent(_ context.Context, _ task.Event) error {
	return nil
}

func (s *Scanner) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one full scan sweep: TaskScanInitiated, the four passes,
// TaskScanCompleted. Exposed directly so tests and callers can drive a
// tick without waiting on the timer.
func (s *Scanner) Tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordScanSweep(time.Since(start).Seconds())
		}
	}()

	scanID := uuid.NewString()

	if err := s.bus.PublishEvent(ctx, task.NewEvent(task.EventTaskScanInitiated, scanID, task.TaskScanInitiatedPayload{ScanID: scanID})); err != nil {
		s.logger.Error("failed to publish scan initiated", "scan_id", scanID, "error", err)
	}

	s.runGuarded(ctx, "promote-new", func() error { return s.promoteNew(ctx, scanID) })
	s.runGuarded(ctx, "notify-clarification", func() error {
		return s.notifyStatus(ctx, scanID, task.StatusClarificationNeeded, task.NotificationClarificationRequested)
	})
	s.runGuarded(ctx, "notify-prd-validation", func() error {
		return s.notifyStatus(ctx, scanID, task.StatusPRDValidation, task.NotificationPRDValidationRequested)
	})
	s.runGuarded(ctx, "stale-due-date", func() error { return s.notifyStaleDueDate(ctx, scanID) })

	if err := s.bus.PublishEvent(ctx, task.NewEvent(task.EventTaskScanCompleted, scanID, task.TaskScanCompletedPayload{ScanID: scanID})); err != nil {
		s.logger.Error("failed to publish scan completed", "scan_id", scanID, "error", err)
	}
}

// runGuarded runs one scan pass; a pass that fails is logged and does
// not abort the tick (§4.5: "Exceptions inside a pass are logged and
// do not abort the tick").
func (s *Scanner) runGuarded(_ context.Context, pass string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic recovered in scan pass", "pass", pass, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		s.logger.Error("scan pass failed", "pass", pass, "error", err)
	}
}

// promoteNew implements pass 1 (§4.5).
func (s *Scanner) promoteNew(ctx context.Context, scanID string) error {
	if err := s.bus.PublishCommand(ctx, task.NewCommand(task.CommandQueryTasks, scanID, task.QueryTasksPayload{Status: task.StatusNew})); err != nil {
		s.logger.Warn("failed to publish QueryTasks wire copy", "error", err)
	}

	tasks, err := s.reader.FindByStatus(ctx, task.StatusNew)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := s.bus.PublishCommand(ctx, task.NewCommand(task.CommandUpdateTaskStatus, scanID, task.UpdateTaskStatusPayload{
			TaskID:    t.ID(),
			NewStatus: task.StatusRequestValidation,
			ChangedBy: "scanner",
			Comment:   "promoted from new by periodic scan",
		})); err != nil {
			s.logger.Error("failed to publish UpdateTaskStatus", "task_id", t.ID(), "error", err)
			continue
		}
		if err := s.bus.PublishCommand(ctx, task.NewCommand(task.CommandAssignTask, scanID, task.AssignTaskPayload{
			TaskID:     t.ID(),
			AssigneeID: "product_manager_pool",
			AssignedBy: "scanner",
			Reason:     "new task requires request validation",
		})); err != nil {
			s.logger.Error("failed to publish AssignTask", "task_id", t.ID(), "error", err)
		}
	}
	return nil
}

// notifyStatus implements passes 2 and 3 (§4.5): both follow the same
// shape — query a status, notify once per task per notification type.
// The spec's "where the notification flag is not set" is tracked here
// as an in-memory per-scanner set, since the Task aggregate has no
// such field in §3's data model; a restart re-notifies, which is
// judged acceptable since notifications are idempotent to the human
// recipient.
func (s *Scanner) notifyStatus(ctx context.Context, scanID string, status task.Status, notificationType task.NotificationType) error {
	if err := s.bus.PublishCommand(ctx, task.NewCommand(task.CommandQueryTasks, scanID, task.QueryTasksPayload{Status: status})); err != nil {
		s.logger.Warn("failed to publish QueryTasks wire copy", "error", err)
	}

	tasks, err := s.reader.FindByStatus(ctx, status)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if s.alreadyNotified(t.ID(), notificationType) {
			continue
		}
		if err := s.bus.PublishCommand(ctx, task.NewCommand(task.CommandSendNotification, scanID, task.SendNotificationPayload{
			TaskID:           t.ID(),
			NotificationType: notificationType,
			Content:          "task " + t.ID() + " awaiting " + string(status),
		})); err != nil {
			s.logger.Error("failed to publish SendNotification", "task_id", t.ID(), "error", err)
			continue
		}
		s.markNotified(t.ID(), notificationType)
	}
	return nil
}

// notifyStaleDueDate is the supplemented fourth pass (SPEC_FULL.md,
// "Supplemented features"): tasks whose due_date has passed and which
// are not yet terminal get a DUE_DATE_PASSED notification, once.
func (s *Scanner) notifyStaleDueDate(ctx context.Context, scanID string) error {
	tasks, err := s.reader.FindByDueDateRange(ctx, time.Time{}, time.Now().UTC())
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status().IsTerminal() {
			continue
		}
		if s.alreadyNotified(t.ID(), task.NotificationDueDatePassed) {
			continue
		}
		if err := s.bus.PublishCommand(ctx, task.NewCommand(task.CommandSendNotification, scanID, task.SendNotificationPayload{
			TaskID:           t.ID(),
			NotificationType: task.NotificationDueDatePassed,
			Content:          "task " + t.ID() + " is past its due date",
		})); err != nil {
			s.logger.Error("failed to publish SendNotification", "task_id", t.ID(), "error", err)
			continue
		}
		s.markNotified(t.ID(), task.NotificationDueDatePassed)
	}
	return nil
}

func (s *Scanner) alreadyNotified(taskID string, nt task.NotificationType) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	return s.notified[taskID][nt]
}

func (s *Scanner) markNotified(taskID string, nt task.NotificationType) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if s.notified[taskID] == nil {
		s.notified[taskID] = make(map[task.NotificationType]bool)
	}
	s.notified[taskID][nt] = true
}
