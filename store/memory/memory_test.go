package memory_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgatilin/aihive/store"
	"github.com/kgatilin/aihive/store/memory"
	"github.com/kgatilin/aihive/task"
)

func newTask(t *testing.T, title, createdBy string) *task.Task {
	t.Helper()
	tk, err := task.New(task.NewTaskParams{Title: title, CreatedBy: createdBy})
	require.NoError(t, err)
	return tk
}

func TestSaveAndGetByID(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	tk := newTask(t, "T1", "u1")
	require.NoError(t, s.Save(ctx, tk))

	got, err := s.GetByID(ctx, tk.ID())
	require.NoError(t, err)
	assert.Equal(t, tk.ID(), got.ID())
}

func TestGetByIDNotFound(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	_, err := s.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFindByStatus(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	tk := newTask(t, "T1", "u1")
	require.NoError(t, s.Save(ctx, tk))

	found, err := s.FindByStatus(ctx, task.StatusCreated)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, tk.ID(), found[0].ID())
}

func TestFindByCriteriaTagsMatchAll(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	tk, err := task.New(task.NewTaskParams{Title: "T", CreatedBy: "u1", Tags: []string{"a", "b"}})
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, tk))

	matchAll, err := s.FindByCriteria(ctx, store.Criteria{Tags: []string{"a", "b"}, MatchAllTags: true})
	require.NoError(t, err)
	assert.Len(t, matchAll, 1)

	matchAllMiss, err := s.FindByCriteria(ctx, store.Criteria{Tags: []string{"a", "c"}, MatchAllTags: true})
	require.NoError(t, err)
	assert.Empty(t, matchAllMiss)

	matchAny, err := s.FindByCriteria(ctx, store.Criteria{Tags: []string{"c", "b"}, MatchAllTags: false})
	require.NoError(t, err)
	assert.Len(t, matchAny, 1)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	tk := newTask(t, "T1", "u1")
	require.NoError(t, s.Save(ctx, tk))

	ok, err := s.Delete(ctx, tk.ID())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Delete(ctx, tk.ID())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentSaveOfDistinctTasksNeverInterferes(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	const n = 50
	tasks := make([]*task.Task, n)
	for i := range tasks {
		tasks[i] = newTask(t, "T", "u1")
	}

	var wg sync.WaitGroup
	for _, tk := range tasks {
		wg.Add(1)
		go func(tk *task.Task) {
			defer wg.Done()
			_ = s.Save(ctx, tk)
		}(tk)
	}
	wg.Wait()

	for _, tk := range tasks {
		got, err := s.GetByID(ctx, tk.ID())
		require.NoError(t, err)
		assert.Equal(t, tk.ID(), got.ID())
	}
}
