// Package memory implements store.Repository entirely in process
// memory, guarded by a mutex — the same thread-safety shape as the
// teacher's orchestrator types (ai/agents/orchestrator/types.go's
// mutex-guarded Task) and the original's in-memory DeadLetterQueue.
// It is the default Repository used by scanner, poller and service
// tests, and can also back a process that does not need durability.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kgatilin/aihive/store"
	"github.com/kgatilin/aihive/task"
)

// Store is an in-memory, mutex-guarded store.Repository.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*task.Task
}

// New returns an empty in-memory repository.
func New() *Store {
	return &Store{tasks: make(map[string]*task.Task)}
}

var _ store.Repository = (*Store)(nil)

// Save is the only linearization point for an aggregate (§4.2). The
// caller owns serializing concurrent Saves of the same task_id; this
// method only guarantees the map write itself is race-free.
func (s *Store) Save(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID()] = t
	return nil
}

func (s *Store) GetByID(_ context.Context, taskID string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (s *Store) FindByStatus(_ context.Context, status task.Status) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if t.Status() == status {
			out = append(out, t)
		}
	}
	sortByCreatedAt(out)
	return out, nil
}

func (s *Store) FindByAssignee(_ context.Context, assignee string) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if t.Assignee() == assignee {
			out = append(out, t)
		}
	}
	sortByCreatedAt(out)
	return out, nil
}

func (s *Store) FindByCriteria(_ context.Context, c store.Criteria) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if store.MatchCriteria(t, c) {
			out = append(out, t)
		}
	}
	sortByCreatedAt(out)
	return out, nil
}

func (s *Store) FindByDueDateRange(_ context.Context, start, end time.Time) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*task.Task
	for _, t := range s.tasks {
		due := t.DueDate()
		if due == nil {
			continue
		}
		if !due.Before(start) && !due.After(end) {
			out = append(out, t)
		}
	}
	sortByCreatedAt(out)
	return out, nil
}

func (s *Store) FindByTags(_ context.Context, tags []string, matchAll bool) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if store.MatchTags(t.Tags(), tags, matchAll) {
			out = append(out, t)
		}
	}
	sortByCreatedAt(out)
	return out, nil
}

func (s *Store) FindByParentTask(_ context.Context, parentTaskID string) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if t.ParentTaskID() == parentTaskID {
			out = append(out, t)
		}
	}
	sortByCreatedAt(out)
	return out, nil
}

func (s *Store) Delete(_ context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return false, nil
	}
	delete(s.tasks, taskID)
	return true, nil
}

func sortByCreatedAt(tasks []*task.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt().Before(tasks[j].CreatedAt())
	})
}
