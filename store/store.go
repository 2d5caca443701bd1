// Package store defines the repository contract tasks are persisted
// through (spec §4.2), narrow enough that any backend — file, memory,
// or a brokered remote store — can satisfy it. It is the direct
// generalization of the teacher's store.Store facade (store/store.go
// in the original divinesense tree): there, a single Store wraps a
// pluggable Driver and exposes typed CRUD methods per entity; here,
// the "entity" is narrowed to one aggregate (Task) and "Driver" is
// narrowed to the Repository interface below, implemented by
// store/file and store/memory.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/kgatilin/aihive/task"
)

// ErrNotFound is returned (or wrapped) by Reader methods when no
// record exists for the requested key. Backends signal "no rows"
// through this sentinel rather than a backend-specific error so
// callers can errors.Is against one value regardless of which
// Repository implementation is wired in.
var ErrNotFound = errors.New("store: task not found")

// Criteria AND-combines equality predicates for FindByCriteria (§4.2).
// Tags accepts either a single value (contained in the sequence) or a
// set; MatchAllTags selects containment mode ("tags accepts either a
// single value... or a set (match_all parameter controls containment
// mode)").
type Criteria struct {
	Status       task.Status
	Assignee     string
	CreatedBy    string
	ParentTaskID string
	Tags         []string
	MatchAllTags bool
}

// Reader is a read-only narrowing of Repository. The scanning
// orchestrator is injected with a Reader, not a full Repository,
// documenting that it never mutates aggregates directly (§4.5 and
// SPEC_FULL.md Open Question 1).
type Reader interface {
	GetByID(ctx context.Context, taskID string) (*task.Task, error)
	FindByStatus(ctx context.Context, status task.Status) ([]*task.Task, error)
	FindByAssignee(ctx context.Context, assignee string) ([]*task.Task, error)
	FindByCriteria(ctx context.Context, c Criteria) ([]*task.Task, error)

	// FindByDueDateRange, FindByTags and FindByParentTask are
	// supplemented from original_source/ (SPEC_FULL.md, "Supplemented
	// features").
	FindByDueDateRange(ctx context.Context, start, end time.Time) ([]*task.Task, error)
	FindByTags(ctx context.Context, tags []string, matchAll bool) ([]*task.Task, error)
	FindByParentTask(ctx context.Context, parentTaskID string) ([]*task.Task, error)
}

// Repository is the full asynchronous CRUD contract (§4.2).
type Repository interface {
	Reader

	// Save is the only linearization point for an aggregate (§4.2,
	// "Guarantees"); concurrent Save of the same task_id from two
	// units of work produces last-writer-wins. Callers (the service
	// layer) are responsible for serializing updates to one task_id;
	// see package service.
	Save(ctx context.Context, t *task.Task) error

	// Delete removes a task_id's record. Returns false, nil if no
	// record existed, rather than an error — deleting an absent task
	// is not itself a failure.
	Delete(ctx context.Context, taskID string) (bool, error)
}

// MatchCriteria reports whether t satisfies every non-zero predicate
// in c (AND semantics, §4.2). A zero-valued field in Criteria is
// treated as "don't care" and never excludes a task.
func MatchCriteria(t *task.Task, c Criteria) bool {
	if c.Status != "" && t.Status() != c.Status {
		return false
	}
	if c.Assignee != "" && t.Assignee() != c.Assignee {
		return false
	}
	if c.CreatedBy != "" && t.CreatedBy() != c.CreatedBy {
		return false
	}
	if c.ParentTaskID != "" && t.ParentTaskID() != c.ParentTaskID {
		return false
	}
	if len(c.Tags) > 0 && !MatchTags(t.Tags(), c.Tags, c.MatchAllTags) {
		return false
	}
	return true
}

// MatchTags reports whether tags satisfies filter: with matchAll,
// every entry in filter must be present in tags; otherwise any single
// entry in filter present in tags is sufficient. An empty filter
// always matches.
func MatchTags(tags []string, filter []string, matchAll bool) bool {
	if len(filter) == 0 {
		return true
	}
	has := make(map[string]bool, len(tags))
	for _, tag := range tags {
		has[tag] = true
	}
	if matchAll {
		for _, want := range filter {
			if !has[want] {
				return false
			}
		}
		return true
	}
	for _, want := range filter {
		if has[want] {
			return true
		}
	}
	return false
}
