package task

import (
	"time"

	"github.com/google/uuid"
)

// CommandType is the discriminator of a command (§3, "Command (also
// tagged)"). Commands mirror events in envelope shape but denote intent,
// not fact.
type CommandType string

const (
	CommandQueryTasks            CommandType = "QUERY_TASKS"
	CommandUpdateTaskStatus      CommandType = "UPDATE_TASK_STATUS"
	CommandAssignTask            CommandType = "ASSIGN_TASK"
	CommandAddTaskComment        CommandType = "ADD_TASK_COMMENT"
	CommandSendNotification      CommandType = "SEND_NOTIFICATION"
	CommandLinkRequirementToTask CommandType = "LINK_REQUIREMENT_TO_TASK"
)

// Command is the common envelope for every command in the system.
type Command struct {
	CommandID     string         `json:"command_id"`
	CommandType   CommandType    `json:"command_type"`
	Timestamp     time.Time      `json:"timestamp"`
	Version       string         `json:"version"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CausationID   string         `json:"causation_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Payload       any            `json:"payload"`
}

// NewCommand builds a command envelope around payload, stamping a fresh
// id, timestamp and the fixed envelope version.
func NewCommand(commandType CommandType, correlationID string, payload any) Command {
	return Command{
		CommandID:     uuid.NewString(),
		CommandType:   commandType,
		Timestamp:     time.Now().UTC(),
		Version:       EventEnvelopeVersion,
		CorrelationID: correlationID,
		Payload:       payload,
	}
}

// RetryTypeLabel lets package retry recover a metrics label from the
// message it is handed without importing package task: retry only
// type-asserts for this method.
func (c Command) RetryTypeLabel() string { return string(c.CommandType) }

// QueryTasksPayload filters tasks by status, assignee, or due date, per
// the scanner's (§4.5) and poller's (§4.6) query commands.
type QueryTasksPayload struct {
	Status     Status  `json:"status,omitempty"`
	AssignedTo string  `json:"assigned_to,omitempty"`
	Statuses   []Status `json:"statuses,omitempty"`
	DueBefore  *time.Time `json:"due_before,omitempty"`
}

// UpdateTaskStatusPayload requests a status transition.
type UpdateTaskStatusPayload struct {
	TaskID             string   `json:"task_id"`
	NewStatus          Status   `json:"new_status"`
	ChangedBy          string   `json:"changed_by"`
	Comment            string   `json:"comment,omitempty"`
	RelatedArtifactIDs []string `json:"related_artifact_ids,omitempty"`
}

// AssignTaskPayload requests an assignment.
type AssignTaskPayload struct {
	TaskID     string `json:"task_id"`
	AssigneeID string `json:"assignee_id"`
	AssignedBy string `json:"assigned_by"`
	Reason     string `json:"reason,omitempty"`
}

// AddTaskCommentPayload requests a comment be appended to a task.
type AddTaskCommentPayload struct {
	TaskID  string `json:"task_id"`
	Comment string `json:"comment"`
	AddedBy string `json:"added_by,omitempty"`
}

// NotificationType enumerates the kinds of notifications the system
// sends to human operators.
type NotificationType string

const (
	NotificationClarificationRequested NotificationType = "CLARIFICATION_REQUESTED"
	NotificationPRDValidationRequested NotificationType = "PRD_VALIDATION_REQUESTED"
	NotificationDueDatePassed          NotificationType = "DUE_DATE_PASSED"
)

// SendNotificationPayload requests a human-facing notification.
type SendNotificationPayload struct {
	UserID           string            `json:"user_id,omitempty"`
	TaskID           string            `json:"task_id"`
	NotificationType NotificationType  `json:"notification_type"`
	Content          string            `json:"content,omitempty"`
}

// LinkRequirementToTaskPayload links a synthesized product requirement
// to its originating task.
type LinkRequirementToTaskPayload struct {
	TaskID        string `json:"task_id"`
	RequirementID string `json:"requirement_id"`
}
