// Package monitor implements the event monitor (spec §4.7): a
// publishing interceptor that records every event/command into a
// bounded in-memory ring plus an optional rotating log file, and
// indexes messages by correlation_id into per-workflow state the stall
// detector (stalldetector.go) inspects. Grounded on the teacher's
// EventDispatcher (panic-isolated sequential delivery) generalized
// into an observer rather than a single-callback relay, and replacing
// the source's monkey-patched publish method with the bus's first-class
// Interceptor seam (§9).
package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/kgatilin/aihive/bus"
)

const osAppendFlags = os.O_APPEND | os.O_CREATE | os.O_WRONLY

// Config configures the Monitor. Zero values select spec defaults.
type Config struct {
	MaxMemoryEntries int   // default 1000
	FileRotationSize int64 // bytes; default 10 MiB (0 selects the default); the file writer is off when New gets a nil fs or an empty logPath
}

func (c Config) withDefaults() Config {
	if c.MaxMemoryEntries <= 0 {
		c.MaxMemoryEntries = 1000
	}
	if c.FileRotationSize == 0 {
		c.FileRotationSize = 10 * 1024 * 1024
	}
	return c
}

// LogEntry is one recorded message, newline-delimited-JSON-encodable.
type LogEntry struct {
	Timestamp     time.Time      `json:"timestamp"`
	Kind          bus.MessageKind `json:"kind"`
	Type          string         `json:"type"`
	ID            string         `json:"id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// WorkflowStatus is the lifecycle state of one correlated workflow.
type WorkflowStatus string

const (
	WorkflowActive    WorkflowStatus = "active"
	WorkflowCompleted WorkflowStatus = "completed"
)

// WorkflowState tracks one correlation_id's activity (§4.7, "Workflow
// index").
type WorkflowState struct {
	StartTime      time.Time
	LastUpdateTime time.Time
	Status         WorkflowStatus
	Events         []string
	Commands       []string
}

// completionTypes closes a workflow when any of these type strings is
// observed (§4.7). WORKFLOW_COMPLETED and PRD_APPROVED are carried over
// from the spec's literal completion set even though this module's own
// event vocabulary (task/events.go) never emits them — a downstream
// integrator's messages may still use these type strings.
var completionTypes = map[string]bool{
	"TASK_COMPLETED":     true,
	"WORKFLOW_COMPLETED": true,
	"PRD_APPROVED":       true,
}

// Monitor is the event monitor. Register its Intercept method with a
// Bus via Use.
type Monitor struct {
	cfg    Config
	logger *slog.Logger

	ringMu sync.Mutex
	ring   []LogEntry
	ringAt int

	fileMu  sync.Mutex
	fs      afero.Fs
	logPath string

	workflowMu sync.Mutex
	workflows  map[string]*WorkflowState
}

// New builds a Monitor. If fs is non-nil and logPath is non-empty, every
// intercepted message is also appended as one JSON line to logPath,
// rotated by renaming to "<path>.1" once it reaches or exceeds
// cfg.FileRotationSize (§4.7, §6 "Event log file").
func New(cfg Config, fs afero.Fs, logPath string) *Monitor {
	return &Monitor{
		cfg:       cfg.withDefaults(),
		logger:    slog.Default(),
		ring:      make([]LogEntry, 0, cfg.withDefaults().MaxMemoryEntries),
		fs:        fs,
		logPath:   logPath,
		workflows: make(map[string]*WorkflowState),
	}
}

// Intercept is the bus.Interceptor this Monitor registers (§4.7,
// "Subscribes to every event/command via a publishing interceptor").
func (m *Monitor) Intercept(_ context.Context, msg bus.Message) {
	entry := LogEntry{
		Timestamp:     msg.Timestamp,
		Kind:          msg.Kind,
		Type:          msg.Type,
		ID:            msg.ID,
		CorrelationID: msg.CorrelationID,
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	m.appendRing(entry)
	m.appendFile(entry)
	m.updateWorkflow(msg)
}

func (m *Monitor) appendRing(entry LogEntry) {
	m.ringMu.Lock()
	defer m.ringMu.Unlock()
	if len(m.ring) < m.cfg.MaxMemoryEntries {
		m.ring = append(m.ring, entry)
		return
	}
	// Bounded ring: overwrite the oldest slot (§4.7, "bounded in-memory
	// ring").
	m.ring[m.ringAt] = entry
	m.ringAt = (m.ringAt + 1) % m.cfg.MaxMemoryEntries
}

// RecentEntries returns a snapshot of the ring buffer, oldest first.
func (m *Monitor) RecentEntries() []LogEntry {
	m.ringMu.Lock()
	defer m.ringMu.Unlock()
	if len(m.ring) < m.cfg.MaxMemoryEntries {
		out := make([]LogEntry, len(m.ring))
		copy(out, m.ring)
		return out
	}
	out := make([]LogEntry, 0, len(m.ring))
	out = append(out, m.ring[m.ringAt:]...)
	out = append(out, m.ring[:m.ringAt]...)
	return out
}

func (m *Monitor) appendFile(entry LogEntry) {
	if m.fs == nil || m.logPath == "" {
		return
	}
	m.fileMu.Lock()
	defer m.fileMu.Unlock()

	if info, err := m.fs.Stat(m.logPath); err == nil && info.Size() >= m.cfg.FileRotationSize {
		_ = m.fs.Rename(m.logPath, m.logPath+".1")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		m.logger.Error("failed to marshal log entry", "error", err)
		return
	}
	data = append(data, '\n')

	f, err := m.fs.OpenFile(m.logPath, osAppendFlags, 0o644)
	if err != nil {
		m.logger.Error("failed to open event log file", "path", m.logPath, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		m.logger.Error("failed to write event log entry", "path", m.logPath, "error", err)
	}
}

func (m *Monitor) updateWorkflow(msg bus.Message) {
	if msg.CorrelationID == "" {
		return
	}
	m.workflowMu.Lock()
	defer m.workflowMu.Unlock()

	now := msg.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	wf, ok := m.workflows[msg.CorrelationID]
	if !ok {
		wf = &WorkflowState{StartTime: now, Status: WorkflowActive}
		m.workflows[msg.CorrelationID] = wf
	}
	wf.LastUpdateTime = now
	switch msg.Kind {
	case bus.KindEvent:
		wf.Events = append(wf.Events, msg.Type)
	case bus.KindCommand:
		wf.Commands = append(wf.Commands, msg.Type)
	}
	if completionTypes[msg.Type] {
		wf.Status = WorkflowCompleted
	}
}

// Workflow returns a copy of the tracked state for correlationID, or
// false if nothing has been observed for it.
func (m *Monitor) Workflow(correlationID string) (WorkflowState, bool) {
	m.workflowMu.Lock()
	defer m.workflowMu.Unlock()
	wf, ok := m.workflows[correlationID]
	if !ok {
		return WorkflowState{}, false
	}
	cp := *wf
	cp.Events = append([]string(nil), wf.Events...)
	cp.Commands = append([]string(nil), wf.Commands...)
	return cp, true
}

// ActiveWorkflows returns a snapshot of every correlation_id currently
// in WorkflowActive status, for the stall detector to scan.
func (m *Monitor) ActiveWorkflows() map[string]WorkflowState {
	m.workflowMu.Lock()
	defer m.workflowMu.Unlock()
	out := make(map[string]WorkflowState)
	for id, wf := range m.workflows {
		if wf.Status != WorkflowActive {
			continue
		}
		cp := *wf
		cp.Events = append([]string(nil), wf.Events...)
		cp.Commands = append([]string(nil), wf.Commands...)
		out[id] = cp
	}
	return out
}
