package task

import (
	"time"
)

// Snapshot is the canonical dictionary form of a Task named in §4.1
// ("Serialization"): every field named in §3, instants as ISO-8601 UTC.
// It is also the shape persisted by the file-backed repository (§6).
type Snapshot struct {
	TaskID         string         `json:"task_id"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Priority       Priority       `json:"priority"`
	Status         Status         `json:"status"`
	CreatedBy      string         `json:"created_by"`
	Assignee       string         `json:"assignee,omitempty"`
	DueDate        *string        `json:"due_date,omitempty"`
	RequirementIDs []string       `json:"requirements_ids,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	ArtifactIDs    []string       `json:"artifact_ids,omitempty"`
	ParentTaskID   string         `json:"parent_task_id,omitempty"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`

	// Comments carries the supplemented comment thread (SPEC_FULL.md,
	// "Supplemented features"); omitted when empty so existing
	// persisted snapshots from before this addition still round-trip.
	Comments []CommentSnapshot `json:"comments,omitempty"`
}

// CommentSnapshot is one Comment in its canonical dictionary form.
type CommentSnapshot struct {
	CommentID string `json:"comment_id"`
	Text      string `json:"text"`
	CreatedBy string `json:"created_by"`
	Timestamp string `json:"timestamp"`
}

const isoLayout = time.RFC3339Nano

// ToSnapshot produces the canonical dictionary form.
func (t *Task) ToSnapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Snapshot{
		TaskID:         t.id,
		Title:          t.title,
		Description:    t.description,
		Priority:       t.priority,
		Status:         t.status,
		CreatedBy:      t.createdBy,
		Assignee:       t.assignee,
		RequirementIDs: append([]string(nil), t.requirementIDs...),
		Tags:           append([]string(nil), t.tags...),
		ArtifactIDs:    append([]string(nil), t.artifactIDs...),
		ParentTaskID:   t.parentTaskID,
		CreatedAt:      t.createdAt.UTC().Format(isoLayout),
		UpdatedAt:      t.updatedAt.UTC().Format(isoLayout),
	}
	if t.dueDate != nil {
		d := t.dueDate.UTC().Format(isoLayout)
		s.DueDate = &d
	}
	for _, c := range t.comments {
		s.Comments = append(s.Comments, CommentSnapshot{
			CommentID: c.ID,
			Text:      c.Text,
			CreatedBy: c.CreatedBy,
			Timestamp: c.Timestamp.UTC().Format(isoLayout),
		})
	}
	return s
}

// FromSnapshot reconstructs a Task from its canonical dictionary form,
// e.g. as loaded from a repository. Per §8, reconstructed tasks begin
// with an empty pending_events sequence.
func FromSnapshot(s Snapshot) (*Task, error) {
	createdAt, err := parseInstant(s.CreatedAt)
	if err != nil {
		return nil, validationErrorf("created_at: %v", err)
	}
	updatedAt, err := parseInstant(s.UpdatedAt)
	if err != nil {
		return nil, validationErrorf("updated_at: %v", err)
	}
	var dueDate *time.Time
	if s.DueDate != nil {
		d, err := parseInstant(*s.DueDate)
		if err != nil {
			return nil, validationErrorf("due_date: %v", err)
		}
		dueDate = &d
	}
	priority := s.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	t := &Task{
		id:             s.TaskID,
		title:          s.Title,
		description:    s.Description,
		priority:       priority,
		status:         s.Status,
		createdBy:      s.CreatedBy,
		assignee:       s.Assignee,
		dueDate:        dueDate,
		requirementIDs: append([]string(nil), s.RequirementIDs...),
		tags:           append([]string(nil), s.Tags...),
		artifactIDs:    append([]string(nil), s.ArtifactIDs...),
		parentTaskID:   s.ParentTaskID,
		createdAt:      createdAt,
		updatedAt:      updatedAt,
		pendingEvents:  nil,
	}
	for _, c := range s.Comments {
		ts, err := parseInstant(c.Timestamp)
		if err != nil {
			return nil, validationErrorf("comments[%s].timestamp: %v", c.CommentID, err)
		}
		t.comments = append(t.comments, Comment{
			ID:        c.CommentID,
			Text:      c.Text,
			CreatedBy: c.CreatedBy,
			Timestamp: ts,
		})
	}
	return t, nil
}

// parseInstant tolerates RFC3339 strings, the layout From-dict must
// accept per §4.1 ("From-dict tolerates both ISO strings and native
// instants"); Go's JSON unmarshaling of time.Time already accepts a
// native instant when the source field is typed as time.Time rather
// than string, so the only additional tolerance needed here is the ISO
// string path, handled directly.
func parseInstant(s string) (time.Time, error) {
	return time.Parse(isoLayout, s)
}
