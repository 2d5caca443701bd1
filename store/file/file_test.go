package file_test

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgatilin/aihive/store"
	"github.com/kgatilin/aihive/store/file"
	"github.com/kgatilin/aihive/task"
)

func newRepo(t *testing.T) *file.Store {
	t.Helper()
	s, err := file.New(afero.NewMemMapFs(), "/data/tasks")
	require.NoError(t, err)
	return s
}

func TestSaveWritesDocumentAndIndex(t *testing.T) {
	ctx := context.Background()
	s := newRepo(t)

	tk, err := task.New(task.NewTaskParams{Title: "T1", CreatedBy: "u1"})
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, tk))

	got, err := s.GetByID(ctx, tk.ID())
	require.NoError(t, err)
	assert.Equal(t, tk.ToSnapshot(), got.ToSnapshot())

	byStatus, err := s.FindByStatus(ctx, task.StatusCreated)
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, tk.ID(), byStatus[0].ID())
}

func TestGetByIDNotFound(t *testing.T) {
	ctx := context.Background()
	s := newRepo(t)
	_, err := s.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteRemovesFromIndex(t *testing.T) {
	ctx := context.Background()
	s := newRepo(t)
	tk, err := task.New(task.NewTaskParams{Title: "T1", CreatedBy: "u1"})
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, tk))

	ok, err := s.Delete(ctx, tk.ID())
	require.NoError(t, err)
	assert.True(t, ok)

	all, err := s.FindByStatus(ctx, task.StatusCreated)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestFindByParentTask(t *testing.T) {
	ctx := context.Background()
	s := newRepo(t)
	parent, err := task.New(task.NewTaskParams{Title: "Parent", CreatedBy: "u1"})
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, parent))

	child, err := task.New(task.NewTaskParams{Title: "Child", CreatedBy: "u1", ParentTaskID: parent.ID()})
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, child))

	children, err := s.FindByParentTask(ctx, parent.ID())
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, child.ID(), children[0].ID())
}
