package task_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgatilin/aihive/task"
)

func TestAddCommentRejectsEmptyFields(t *testing.T) {
	tk := mustNew(t, task.NewTaskParams{Title: "T", CreatedBy: "u1"})

	err := tk.AddComment("", "someone")
	require.Error(t, err)
	assert.True(t, errors.Is(err, task.ErrValidation))

	err = tk.AddComment("text", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, task.ErrValidation))

	assert.Empty(t, tk.Comments())
}

func TestCommentsAreOrderedOldestFirst(t *testing.T) {
	tk := mustNew(t, task.NewTaskParams{Title: "T", CreatedBy: "u1"})
	require.NoError(t, tk.AddComment("first", "a"))
	require.NoError(t, tk.AddComment("second", "b"))

	comments := tk.Comments()
	require.Len(t, comments, 2)
	assert.Equal(t, "first", comments[0].Text)
	assert.Equal(t, "second", comments[1].Text)
}
