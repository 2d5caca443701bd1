// Package file implements store.Repository as the file-backed variant
// named in spec §6 ("Persisted state layout"): each task is a JSON file
// keyed by task_id, with an index.json projecting the commonly queried
// fields. It runs on an afero.Fs so tests exercise it against an
// in-memory filesystem and production against the real one — the
// same seam afero is built for, and already present (indirectly, via
// viper) in the teacher's dependency tree.
package file

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/kgatilin/aihive/store"
	"github.com/kgatilin/aihive/task"
)

const indexFileName = "index.json"

// indexEntry is one row of index.json: "a projection of commonly
// queried fields (title, status, created_by, related ids, version,
// timestamps)" (§6).
type indexEntry struct {
	TaskID         string   `json:"task_id"`
	Title          string   `json:"title"`
	Status         task.Status `json:"status"`
	CreatedBy      string   `json:"created_by"`
	Assignee       string   `json:"assignee,omitempty"`
	ParentTaskID   string   `json:"parent_task_id,omitempty"`
	RequirementIDs []string `json:"requirements_ids,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Version        string   `json:"version"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
}

// Store is the file-backed store.Repository.
type Store struct {
	fs  afero.Fs
	dir string

	mu sync.Mutex
}

// New returns a file-backed repository rooted at dir on fs. The
// directory is created if absent.
func New(fs afero.Fs, dir string) (*Store, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create data directory %s", dir)
	}
	return &Store{fs: fs, dir: dir}, nil
}

// NewOS returns a file-backed repository rooted at dir on the real
// filesystem.
func NewOS(dir string) (*Store, error) {
	return New(afero.NewOsFs(), dir)
}

var _ store.Repository = (*Store)(nil)

func (s *Store) taskPath(taskID string) string {
	return filepath.Join(s.dir, taskID+".json")
}

func (s *Store) indexPath() string {
	return filepath.Join(s.dir, indexFileName)
}

func (s *Store) readIndex() (map[string]indexEntry, error) {
	idx := make(map[string]indexEntry)
	exists, err := afero.Exists(s.fs, s.indexPath())
	if err != nil {
		return nil, errors.Wrap(err, "stat index")
	}
	if !exists {
		return idx, nil
	}
	data, err := afero.ReadFile(s.fs, s.indexPath())
	if err != nil {
		return nil, errors.Wrap(err, "read index")
	}
	if len(data) == 0 {
		return idx, nil
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, errors.Wrap(err, "parse index")
	}
	return idx, nil
}

func (s *Store) writeIndex(idx map[string]indexEntry) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode index")
	}
	if err := afero.WriteFile(s.fs, s.indexPath(), data, 0o644); err != nil {
		return errors.Wrap(err, "write index")
	}
	return nil
}

func toIndexEntry(snap task.Snapshot) indexEntry {
	return indexEntry{
		TaskID:         snap.TaskID,
		Title:          snap.Title,
		Status:         snap.Status,
		CreatedBy:      snap.CreatedBy,
		Assignee:       snap.Assignee,
		ParentTaskID:   snap.ParentTaskID,
		RequirementIDs: snap.RequirementIDs,
		Tags:           snap.Tags,
		Version:        "1.0",
		CreatedAt:      snap.CreatedAt,
		UpdatedAt:      snap.UpdatedAt,
	}
}

// Save writes the task's JSON document and updates index.json (§4.2,
// §6). It is the only linearization point for an aggregate; concurrent
// Save of distinct task_ids never interferes (§8) because the index
// read-modify-write is serialized by s.mu while per-task file writes
// use distinct paths.
func (s *Store) Save(_ context.Context, t *task.Task) error {
	snap := t.ToSnapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode task")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := afero.WriteFile(s.fs, s.taskPath(snap.TaskID), data, 0o644); err != nil {
		return errors.Wrapf(err, "write task %s", snap.TaskID)
	}
	idx, err := s.readIndex()
	if err != nil {
		return err
	}
	idx[snap.TaskID] = toIndexEntry(snap)
	return s.writeIndex(idx)
}

func (s *Store) loadSnapshot(taskID string) (*task.Task, error) {
	exists, err := afero.Exists(s.fs, s.taskPath(taskID))
	if err != nil {
		return nil, errors.Wrapf(err, "stat task %s", taskID)
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	data, err := afero.ReadFile(s.fs, s.taskPath(taskID))
	if err != nil {
		return nil, errors.Wrapf(err, "read task %s", taskID)
	}
	var snap task.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrapf(err, "parse task %s", taskID)
	}
	return task.FromSnapshot(snap)
}

func (s *Store) GetByID(_ context.Context, taskID string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadSnapshot(taskID)
}

// listAll loads every task referenced by the index. The index is
// consulted first (the point of maintaining one at all per §6), and
// full snapshots are loaded for predicate evaluation so filtering
// fidelity matches store.MatchCriteria exactly.
func (s *Store) listAll() ([]*task.Task, error) {
	idx, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	out := make([]*task.Task, 0, len(idx))
	for taskID := range idx {
		t, err := s.loadSnapshot(taskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue // index/file drift; skip rather than fail the whole query
			}
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) FindByStatus(_ context.Context, status task.Status) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.listAll()
	if err != nil {
		return nil, err
	}
	var out []*task.Task
	for _, t := range all {
		if t.Status() == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) FindByAssignee(_ context.Context, assignee string) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.listAll()
	if err != nil {
		return nil, err
	}
	var out []*task.Task
	for _, t := range all {
		if t.Assignee() == assignee {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) FindByCriteria(_ context.Context, c store.Criteria) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.listAll()
	if err != nil {
		return nil, err
	}
	var out []*task.Task
	for _, t := range all {
		if store.MatchCriteria(t, c) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) FindByDueDateRange(_ context.Context, start, end time.Time) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.listAll()
	if err != nil {
		return nil, err
	}
	var out []*task.Task
	for _, t := range all {
		due := t.DueDate()
		if due != nil && !due.Before(start) && !due.After(end) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) FindByTags(_ context.Context, tags []string, matchAll bool) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.listAll()
	if err != nil {
		return nil, err
	}
	var out []*task.Task
	for _, t := range all {
		if store.MatchTags(t.Tags(), tags, matchAll) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) FindByParentTask(_ context.Context, parentTaskID string) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.listAll()
	if err != nil {
		return nil, err
	}
	var out []*task.Task
	for _, t := range all {
		if t.ParentTaskID() == parentTaskID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) Delete(_ context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := afero.Exists(s.fs, s.taskPath(taskID))
	if err != nil {
		return false, errors.Wrapf(err, "stat task %s", taskID)
	}
	if !exists {
		return false, nil
	}
	if err := s.fs.Remove(s.taskPath(taskID)); err != nil {
		return false, errors.Wrapf(err, "remove task %s", taskID)
	}
	idx, err := s.readIndex()
	if err != nil {
		return false, err
	}
	delete(idx, taskID)
	if err := s.writeIndex(idx); err != nil {
		return false, err
	}
	return true, nil
}
