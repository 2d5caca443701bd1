package task

import (
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// Comment is one entry in a task's comment thread. Supplemented from
// original_source (task_management/models/task.py's add_comment, which
// the distilled data model in this package otherwise drops); the
// poller's clarification and agent-failure paths both append comments
// to explain why a task needs attention.
type Comment struct {
	ID        string
	Text      string
	CreatedBy string
	Timestamp time.Time
}

// AddComment appends a comment to the task's thread and emits
// TaskCommentAdded. Allowed regardless of status, including terminal
// ones: a comment is an annotation, not a state mutation, so it is not
// subject to the terminal-state guard the other mutators enforce.
func (t *Task) AddComment(text, createdBy string) error {
	if text == "" {
		return validationErrorf("comment text is required")
	}
	if createdBy == "" {
		return validationErrorf("created_by is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	c := Comment{
		ID:        shortuuid.New(),
		Text:      text,
		CreatedBy: createdBy,
		Timestamp: time.Now().UTC(),
	}
	t.comments = append(t.comments, c)

	t.pendingEvents = append(t.pendingEvents, newEvent(EventTaskCommentAdded, t.id, TaskCommentAddedPayload{
		TaskID:    t.id,
		CommentID: c.ID,
		Text:      c.Text,
		CreatedBy: c.CreatedBy,
		Timestamp: c.Timestamp,
	}))
	return nil
}

// Comments returns a snapshot of the task's comment thread, oldest
// first.
func (t *Task) Comments() []Comment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Comment(nil), t.comments...)
}
