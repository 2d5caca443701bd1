package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgatilin/aihive/bus"
	"github.com/kgatilin/aihive/httpapi"
	"github.com/kgatilin/aihive/retry"
	"github.com/kgatilin/aihive/service"
	"github.com/kgatilin/aihive/store/memory"
	"github.com/kgatilin/aihive/task"
)

func newTestServer(t *testing.T) (*echo.Echo, *service.Service) {
	t.Helper()
	ctx := context.Background()
	b := bus.NewMemoryBus(64)
	require.NoError(t, b.Connect(ctx))
	t.Cleanup(func() { b.Disconnect(ctx) })

	repo := memory.New()
	svc := service.New(repo, b, retry.Options{}, nil)
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(svc.Stop)

	e := echo.New()
	httpapi.New(svc).Register(e)
	return e, svc
}

func do(e *echo.Echo, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetTask(t *testing.T) {
	e, _ := newTestServer(t)

	rec := do(e, http.MethodPost, "/tasks", map[string]any{
		"title":      "write the doc",
		"created_by": "u1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created task.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "write the doc", created.Title)

	rec = do(e, http.MethodGet, "/tasks/"+created.TaskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched task.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fetched))
	assert.Equal(t, created.TaskID, fetched.TaskID)
}

func TestGetMissingTaskReturns404(t *testing.T) {
	e, _ := newTestServer(t)
	rec := do(e, http.MethodGet, "/tasks/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAssignStatusCompleteCancelFlow(t *testing.T) {
	e, _ := newTestServer(t)

	rec := do(e, http.MethodPost, "/tasks", map[string]any{"title": "t", "created_by": "u1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created task.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = do(e, http.MethodPut, "/tasks/"+created.TaskID+"/assign", map[string]any{
		"assignee": "agent-1", "assigned_by": "pm",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var assigned task.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &assigned))
	assert.Equal(t, task.StatusAssigned, assigned.Status)

	rec = do(e, http.MethodPut, "/tasks/"+created.TaskID+"/status", map[string]any{
		"status": "in_progress", "changed_by": "agent-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, http.MethodPut, "/tasks/"+created.TaskID+"/status", map[string]any{
		"status": "review", "changed_by": "agent-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, http.MethodPut, "/tasks/"+created.TaskID+"/complete", map[string]any{
		"completed_by": "agent-1", "completion_notes": "done",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var completed task.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &completed))
	assert.Equal(t, task.StatusCompleted, completed.Status)

	rec = do(e, http.MethodPut, "/tasks/"+created.TaskID+"/cancel", map[string]any{
		"canceled_by": "agent-1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "canceling a completed task is an invalid operation")
}

func TestListTasksByStatus(t *testing.T) {
	e, _ := newTestServer(t)

	do(e, http.MethodPost, "/tasks", map[string]any{"title": "a", "created_by": "u1"})
	do(e, http.MethodPost, "/tasks", map[string]any{"title": "b", "created_by": "u1"})

	rec := do(e, http.MethodGet, "/tasks?status=created", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []task.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 2)
}

func TestListTasksRequiresAFilter(t *testing.T) {
	e, _ := newTestServer(t)
	rec := do(e, http.MethodGet, "/tasks", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
