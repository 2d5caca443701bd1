// Package task implements the task aggregate, its status machine, and
// the domain events it emits (spec §3, §4.1).
package task

import (
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// Task is the aggregate root. All mutating methods are safe for
// concurrent use by different goroutines operating on different tasks;
// spec §5 requires the *service* layer to serialize concurrent saves of
// the same task_id, not the aggregate itself, but the embedded mutex
// keeps a single Task instance internally consistent regardless.
type Task struct {
	mu sync.RWMutex

	id          string
	title       string
	description string
	priority    Priority
	status      Status
	createdBy   string
	assignee    string
	dueDate     *time.Time

	requirementIDs []string
	tags           []string
	artifactIDs    []string
	parentTaskID   string
	comments       []Comment

	createdAt time.Time
	updatedAt time.Time

	pendingEvents []Event
}

// NewTaskParams bundles the factory arguments for New.
type NewTaskParams struct {
	Title          string
	Description    string
	Priority       Priority
	CreatedBy      string
	DueDate        *time.Time
	Tags           []string
	RequirementIDs []string
	ParentTaskID   string

	// InitialStatus defaults to StatusCreated. StatusNew is the other
	// accepted value, for product intake flows that start ahead of the
	// scanner's request-validation promotion (§4.5, "promote new
	// tasks") rather than going through assign.
	InitialStatus Status
}

// New is the task factory (§4.1, "create"). It emits TaskCreated.
func New(p NewTaskParams) (*Task, error) {
	if p.Title == "" {
		return nil, validationErrorf("title is required")
	}
	if p.CreatedBy == "" {
		return nil, validationErrorf("created_by is required")
	}
	priority := p.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	initialStatus := p.InitialStatus
	if initialStatus == "" {
		initialStatus = StatusCreated
	}
	if initialStatus != StatusCreated && initialStatus != StatusNew {
		return nil, validationErrorf("invalid initial status %s", initialStatus)
	}
	now := time.Now().UTC()
	t := &Task{
		id:             shortuuid.New(),
		title:          p.Title,
		description:    p.Description,
		priority:       priority,
		status:         initialStatus,
		createdBy:      p.CreatedBy,
		dueDate:        p.DueDate,
		requirementIDs: dedupeAppend(nil, p.RequirementIDs),
		tags:           dedupeAppend(nil, p.Tags),
		artifactIDs:    nil,
		parentTaskID:   p.ParentTaskID,
		createdAt:      now,
		updatedAt:      now,
	}
	t.pendingEvents = append(t.pendingEvents, newEvent(EventTaskCreated, t.id, TaskCreatedPayload{
		TaskID:         t.id,
		Title:          t.title,
		Description:    t.description,
		Priority:       t.priority,
		CreatedBy:      t.createdBy,
		ParentTaskID:   t.parentTaskID,
		RequirementIDs: append([]string(nil), t.requirementIDs...),
		Tags:           append([]string(nil), t.tags...),
	}))
	return t, nil
}

// Accessors. The aggregate does not expose its fields directly so that
// every mutation routes through the status machine and event emission
// below.

func (t *Task) ID() string { t.mu.RLock(); defer t.mu.RUnlock(); return t.id }
func (t *Task) Title() string { t.mu.RLock(); defer t.mu.RUnlock(); return t.title }
func (t *Task) Description() string { t.mu.RLock(); defer t.mu.RUnlock(); return t.description }
func (t *Task) Priority() Priority { t.mu.RLock(); defer t.mu.RUnlock(); return t.priority }
func (t *Task) Status() Status { t.mu.RLock(); defer t.mu.RUnlock(); return t.status }
func (t *Task) CreatedBy() string { t.mu.RLock(); defer t.mu.RUnlock(); return t.createdBy }
func (t *Task) Assignee() string { t.mu.RLock(); defer t.mu.RUnlock(); return t.assignee }
func (t *Task) ParentTaskID() string { t.mu.RLock(); defer t.mu.RUnlock(); return t.parentTaskID }
func (t *Task) CreatedAt() time.Time { t.mu.RLock(); defer t.mu.RUnlock(); return t.createdAt }
func (t *Task) UpdatedAt() time.Time { t.mu.RLock(); defer t.mu.RUnlock(); return t.updatedAt }

func (t *Task) DueDate() *time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.dueDate == nil {
		return nil
	}
	d := *t.dueDate
	return &d
}

func (t *Task) Tags() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.tags...)
}

func (t *Task) RequirementIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.requirementIDs...)
}

func (t *Task) ArtifactIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.artifactIDs...)
}

// touch stamps updated_at to "now", strictly after the previous value
// (spec §8: "strictly greater than the previous updated_at").
func (t *Task) touch() {
	now := time.Now().UTC()
	if !now.After(t.updatedAt) {
		now = t.updatedAt.Add(time.Nanosecond)
	}
	t.updatedAt = now
}

// Assign implements §4.1 "assign". If the task is currently `created`,
// assigning additionally transitions it to `assigned`, emitting
// TaskAssigned followed by TaskStatusChanged, in that order (§3
// invariant).
func (t *Task) Assign(assignee, assignedBy, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.IsTerminal() {
		return invalidOperationErrorf("cannot assign a task in terminal status %s", t.status)
	}
	previous := t.assignee
	t.assignee = assignee
	t.touch()

	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	t.pendingEvents = append(t.pendingEvents, newEvent(EventTaskAssigned, t.id, TaskAssignedPayload{
		TaskID:           t.id,
		PreviousAssignee: previous,
		NewAssignee:      assignee,
		AssignedBy:       assignedBy,
		Reason:           reasonPtr,
	}))

	if t.status == StatusCreated {
		if err := t.transitionLocked(StatusAssigned, assignedBy, "", nil); err != nil {
			return err
		}
	}
	return nil
}

// Unassign clears the assignee and emits TaskUnassigned. Not named in
// spec §4.1's operation list, but referenced by §4.6's subscription
// description ("TaskAssigned / TaskUnassigned"); added as a symmetric
// counterpart since nothing else in the system produces that event.
func (t *Task) Unassign(unassignedBy, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.IsTerminal() {
		return invalidOperationErrorf("cannot unassign a task in terminal status %s", t.status)
	}
	previous := t.assignee
	t.assignee = ""
	t.touch()

	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	t.pendingEvents = append(t.pendingEvents, newEvent(EventTaskUnassigned, t.id, TaskUnassignedPayload{
		TaskID:           t.id,
		PreviousAssignee: previous,
		UnassignedBy:     unassignedBy,
		Reason:           reasonPtr,
	}))
	return nil
}

// ChangeStatus implements §4.1 "change_status": validates the edge,
// appends artifacts, emits TaskStatusChanged. A self-transition is a
// no-op that produces no event (§4.1, "Equality self-transitions").
func (t *Task) ChangeStatus(newStatus Status, by, reason string, artifactIDs []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(newStatus, by, reason, artifactIDs)
}

func (t *Task) transitionLocked(newStatus Status, by, reason string, artifactIDs []string) error {
	if t.status.IsTerminal() {
		return invalidOperationErrorf("cannot mutate a task in terminal status %s", t.status)
	}
	if t.status == newStatus {
		// allowed, no-op, no event
		t.artifactIDs = dedupeAppend(t.artifactIDs, artifactIDs)
		return nil
	}
	if !t.status.canTransitionTo(newStatus) {
		return invalidTransitionError(t.status, newStatus)
	}

	previous := t.status
	t.status = newStatus
	t.artifactIDs = dedupeAppend(t.artifactIDs, artifactIDs)
	t.touch()

	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	t.pendingEvents = append(t.pendingEvents, newEvent(EventTaskStatusChanged, t.id, TaskStatusChangedPayload{
		TaskID:             t.id,
		PreviousStatus:     previous,
		NewStatus:          newStatus,
		ChangedBy:          by,
		Reason:             reasonPtr,
		RelatedArtifactIDs: append([]string(nil), artifactIDs...),
	}))
	return nil
}

// Complete implements §4.1 "complete": equivalent to
// change_status(completed, ...) plus TaskCompleted. Fails with
// InvalidOperation if the task is already terminal (see SPEC_FULL.md,
// "Terminal-state mutation semantics").
func (t *Task) Complete(by, outcomeSummary string, deliverableIDs []string, qualityMetrics map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.IsTerminal() {
		return invalidOperationErrorf("cannot complete a task in terminal status %s", t.status)
	}
	if err := t.transitionLocked(StatusCompleted, by, "", deliverableIDs); err != nil {
		return err
	}
	t.pendingEvents = append(t.pendingEvents, newEvent(EventTaskCompleted, t.id, TaskCompletedPayload{
		TaskID:         t.id,
		CompletedBy:    by,
		OutcomeSummary: outcomeSummary,
		DeliverableIDs: append([]string(nil), deliverableIDs...),
		QualityMetrics: qualityMetrics,
	}))
	return nil
}

// Cancel implements §4.1 "cancel": emits TaskStatusChanged +
// TaskCanceled. Fails with InvalidOperation if the task is already
// terminal (scenario 3: canceling a completed task raises
// InvalidOperation; see SPEC_FULL.md for the full rationale).
func (t *Task) Cancel(by, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.IsTerminal() {
		return invalidOperationErrorf("cannot cancel a task in terminal status %s", t.status)
	}
	if err := t.transitionLocked(StatusCanceled, by, reason, nil); err != nil {
		return err
	}
	t.pendingEvents = append(t.pendingEvents, newEvent(EventTaskCanceled, t.id, TaskCanceledPayload{
		TaskID:     t.id,
		CanceledBy: by,
		Reason:     reason,
	}))
	return nil
}

// StartProgress, Block, and ReadyForReview are convenience wrappers
// (§4.1) that enforce allowed source states before delegating to
// ChangeStatus.
func (t *Task) StartProgress(by, reason string) error {
	return t.guardedChangeStatus(StatusInProgress, by, reason, StatusAssigned, StatusBlocked, StatusPRDValidation)
}

func (t *Task) Block(by, reason string) error {
	return t.guardedChangeStatus(StatusBlocked, by, reason, StatusAssigned, StatusInProgress)
}

func (t *Task) ReadyForReview(by, reason string) error {
	return t.guardedChangeStatus(StatusReview, by, reason, StatusInProgress)
}

func (t *Task) guardedChangeStatus(target Status, by, reason string, allowedFrom ...Status) error {
	t.mu.RLock()
	current := t.status
	t.mu.RUnlock()

	ok := false
	for _, s := range allowedFrom {
		if current == s {
			ok = true
			break
		}
	}
	if !ok {
		return invalidTransitionError(current, target)
	}
	return t.ChangeStatus(target, by, reason, nil)
}

// LinkRequirement records that a synthesized product requirement
// belongs to this task (§4.6, LinkRequirementToTask). Allowed
// regardless of status, including terminal ones, for the same reason
// as AddComment: it records provenance, it does not advance the status
// machine, and the requirement may well have been produced before the
// task reached its terminal state.
func (t *Task) LinkRequirement(requirementID string) error {
	if requirementID == "" {
		return validationErrorf("requirement_id is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requirementIDs = dedupeAppend(t.requirementIDs, []string{requirementID})
	t.touch()
	return nil
}

// dedupeAppend appends src items to base, preserving order and skipping
// duplicates already present (§3: "duplicates ignored on insert";
// §8: "artifact_ids after any operation is a superset of artifact_ids
// before" — dedupeAppend never removes an existing element).
func dedupeAppend(base []string, src []string) []string {
	if len(src) == 0 {
		return base
	}
	seen := make(map[string]bool, len(base))
	out := append([]string(nil), base...)
	for _, s := range base {
		seen[s] = true
	}
	for _, s := range src {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
