package task

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the discriminator of a domain event (§3, "Domain event
// (polymorphic, tagged)"). Tagged variants, not class hierarchies: the
// envelope below is the single shape every event uses.
type EventType string

const (
	EventTaskCreated       EventType = "TASK_CREATED"
	EventTaskAssigned      EventType = "TASK_ASSIGNED"
	EventTaskUnassigned    EventType = "TASK_UNASSIGNED"
	EventTaskStatusChanged EventType = "TASK_STATUS_CHANGED"
	EventTaskCompleted     EventType = "TASK_COMPLETED"
	EventTaskCanceled      EventType = "TASK_CANCELED"

	// EventTaskCommentAdded supplements the distilled data model with the
	// original system's comment thread (original_source:
	// task_management/models/task.py's add_comment, carried over the
	// message bus as TASK_COMMENT_ADDED per
	// infrastructure/message_queue/domain_events.py).
	EventTaskCommentAdded EventType = "TASK_COMMENT_ADDED"

	// Emitted outside the aggregate, by the scanning orchestrator and
	// polling worker, but carried in the same envelope (§9, "unifies to
	// the field-based event shape").
	EventTaskScanInitiated        EventType = "TASK_SCAN_INITIATED"
	EventTaskScanCompleted        EventType = "TASK_SCAN_COMPLETED"
	EventClarificationRequested   EventType = "CLARIFICATION_REQUESTED"
	EventProductRequirementCreated EventType = "PRODUCT_REQUIREMENT_CREATED"
	EventHumanValidationRequested EventType = "HUMAN_VALIDATION_REQUESTED"
)

// EventEnvelopeVersion is the fixed "version" field on every event and
// command (§3: `version` ("1.0")).
const EventEnvelopeVersion = "1.0"

// Event is the common envelope for every domain event in the system.
// Payload carries the variant-specific fields (TaskCreatedPayload,
// TaskAssignedPayload, ...); EventType is the routing key.
type Event struct {
	EventID       string         `json:"event_id"`
	EventType     EventType      `json:"event_type"`
	Timestamp     time.Time      `json:"timestamp"`
	Version       string         `json:"version"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CausationID   string         `json:"causation_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Payload       any            `json:"payload"`
}

func newEvent(eventType EventType, correlationID string, payload any) Event {
	return Event{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		Timestamp:     time.Now().UTC(),
		Version:       EventEnvelopeVersion,
		CorrelationID: correlationID,
		Payload:       payload,
	}
}

// TaskCreatedPayload snapshots the fields a task was created with.
type TaskCreatedPayload struct {
	TaskID          string   `json:"task_id"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Priority        Priority `json:"priority"`
	CreatedBy       string   `json:"created_by"`
	ParentTaskID    string   `json:"parent_task_id,omitempty"`
	RequirementIDs  []string `json:"requirements_ids,omitempty"`
	Tags            []string `json:"tags,omitempty"`
}

// TaskAssignedPayload records an assignment.
type TaskAssignedPayload struct {
	TaskID            string  `json:"task_id"`
	PreviousAssignee  string  `json:"previous_assignee"`
	NewAssignee       string  `json:"new_assignee"`
	AssignedBy        string  `json:"assigned_by"`
	Reason            *string `json:"reason,omitempty"`
}

// TaskUnassignedPayload records an unassignment.
type TaskUnassignedPayload struct {
	TaskID           string  `json:"task_id"`
	PreviousAssignee string  `json:"previous_assignee"`
	UnassignedBy     string  `json:"unassigned_by"`
	Reason           *string `json:"reason,omitempty"`
}

// TaskStatusChangedPayload records a status transition.
type TaskStatusChangedPayload struct {
	TaskID              string   `json:"task_id"`
	PreviousStatus      Status   `json:"previous_status"`
	NewStatus           Status   `json:"new_status"`
	ChangedBy           string   `json:"changed_by"`
	Reason              *string  `json:"reason,omitempty"`
	RelatedArtifactIDs  []string `json:"related_artifact_ids,omitempty"`
}

// TaskCompletedPayload records task completion.
type TaskCompletedPayload struct {
	TaskID          string         `json:"task_id"`
	CompletedBy     string         `json:"completed_by"`
	OutcomeSummary  string         `json:"outcome_summary"`
	DeliverableIDs  []string       `json:"deliverable_ids,omitempty"`
	QualityMetrics  map[string]any `json:"quality_metrics,omitempty"`
}

// TaskCanceledPayload records task cancellation.
type TaskCanceledPayload struct {
	TaskID     string `json:"task_id"`
	CanceledBy string `json:"canceled_by"`
	Reason     string `json:"reason"`
}

// TaskCommentAddedPayload records one comment appended to a task's
// thread (supplemented from original_source's add_comment).
type TaskCommentAddedPayload struct {
	TaskID    string    `json:"task_id"`
	CommentID string    `json:"comment_id"`
	Text      string    `json:"text"`
	CreatedBy string    `json:"created_by"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskScanInitiatedPayload marks the start of one scanner sweep.
type TaskScanInitiatedPayload struct {
	ScanID string `json:"scan_id"`
}

// TaskScanCompletedPayload marks the end of one scanner sweep.
type TaskScanCompletedPayload struct {
	ScanID string `json:"scan_id"`
}

// ClarificationRequestedPayload records that a poller verdict asked for
// clarification from a human (§4.6).
type ClarificationRequestedPayload struct {
	TaskID      string `json:"task_id"`
	RequestedBy string `json:"requested_by"`
	Questions   string `json:"questions"`
}

// ProductRequirementCreatedPayload records a requirement synthesized
// from an agent's document verdict (§4.6).
type ProductRequirementCreatedPayload struct {
	RequirementID string `json:"requirement_id"`
	TaskID        string `json:"task_id"`
	CreatedBy     string `json:"created_by"`
}

// HumanValidationRequestedPayload records that a produced document
// needs human sign-off (§4.6).
type HumanValidationRequestedPayload struct {
	TaskID        string `json:"task_id"`
	RequirementID string `json:"requirement_id"`
}

// NewEvent is the exported form of newEvent, for producers outside the
// aggregate (the scanning orchestrator and polling worker emit events
// carried in the same envelope per §9).
func NewEvent(eventType EventType, correlationID string, payload any) Event {
	return newEvent(eventType, correlationID, payload)
}

// DrainPendingEvents returns and clears the task's pending events, in
// the order they were appended (§5, "publishes all pending events in
// the order appended... clears pending events").
func (t *Task) DrainPendingEvents() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	events := t.pendingEvents
	t.pendingEvents = nil
	return events
}

// PendingEvents returns a copy of the events accumulated by the current
// unit of work, without clearing them.
func (t *Task) PendingEvents() []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Event, len(t.pendingEvents))
	copy(out, t.pendingEvents)
	return out
}
