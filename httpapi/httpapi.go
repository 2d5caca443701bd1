// Package httpapi implements the HTTP facade (spec §6): a small REST
// surface over tasks, considered external to the engine but specified
// because test scenarios exercise it. Grounded on the teacher's
// frontend.FrontendService.Serve (server/router/frontend/service.go),
// which registers routes directly on an injected *echo.Echo rather
// than owning the listener itself, and on
// server/router/api/v1/user_service_crud.go's use of
// echo.NewHTTPError for domain-error-to-status mapping.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kgatilin/aihive/service"
	"github.com/kgatilin/aihive/task"
)

// API registers the task routes on an injected *echo.Echo.
type API struct {
	svc *service.Service
}

// New builds an API bound to svc.
func New(svc *service.Service) *API {
	return &API{svc: svc}
}

// Register adds every route in §6's endpoint table to e.
func (a *API) Register(e *echo.Echo) {
	e.POST("/tasks", a.createTask)
	e.GET("/tasks/:id", a.getTask)
	e.GET("/tasks", a.listTasks)
	e.PUT("/tasks/:id/status", a.updateStatus)
	e.PUT("/tasks/:id/assign", a.assignTask)
	e.PUT("/tasks/:id/complete", a.completeTask)
	e.PUT("/tasks/:id/cancel", a.cancelTask)
}

// httpError maps the §7 error taxonomy to the §7 "User-visible
// behavior" status codes: InvalidTransition/Validation -> 400,
// NotFound -> 404, anything else -> 500 with a generic message (domain
// errors never leak internal state).
func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, task.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	case errors.Is(err, task.ErrInvalidTransition), errors.Is(err, task.ErrInvalidOperation), errors.Is(err, task.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}

type createTaskRequest struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Priority       string   `json:"priority"`
	CreatedBy      string   `json:"created_by"`
	DueDate        *string  `json:"due_date,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	ParentTaskID   string   `json:"parent_task_id,omitempty"`
	RequirementIDs []string `json:"requirements_ids,omitempty"`
}

func (a *API) createTask(c echo.Context) error {
	var req createTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	var dueDate *time.Time
	if req.DueDate != nil {
		d, err := time.Parse(time.RFC3339, *req.DueDate)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "due_date must be RFC3339")
		}
		dueDate = &d
	}

	t, err := a.svc.CreateTask(c.Request().Context(), task.NewTaskParams{
		Title:          req.Title,
		Description:    req.Description,
		Priority:       task.Priority(req.Priority),
		CreatedBy:      req.CreatedBy,
		DueDate:        dueDate,
		Tags:           req.Tags,
		ParentTaskID:   req.ParentTaskID,
		RequirementIDs: req.RequirementIDs,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, t.ToSnapshot())
}

func (a *API) getTask(c echo.Context) error {
	t, err := a.svc.GetTask(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t.ToSnapshot())
}

func (a *API) listTasks(c echo.Context) error {
	ctx := c.Request().Context()

	if status := c.QueryParam("status"); status != "" {
		tasks, err := a.svc.ListByStatus(ctx, task.Status(status))
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, snapshots(tasks))
	}
	if assignee := c.QueryParam("assignee"); assignee != "" {
		tasks, err := a.svc.ListByAssignee(ctx, assignee)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, snapshots(tasks))
	}
	if tag := c.QueryParam("tag"); tag != "" {
		tasks, err := a.svc.ListByTag(ctx, tag)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, snapshots(tasks))
	}
	return echo.NewHTTPError(http.StatusBadRequest, "one of status, assignee, or tag is required")
}

func snapshots(tasks []*task.Task) []task.Snapshot {
	out := make([]task.Snapshot, len(tasks))
	for i, t := range tasks {
		out[i] = t.ToSnapshot()
	}
	return out
}

type updateStatusRequest struct {
	Status    string `json:"status"`
	ChangedBy string `json:"changed_by"`
	Reason    string `json:"reason,omitempty"`
}

func (a *API) updateStatus(c echo.Context) error {
	var req updateStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	t, err := a.svc.UpdateStatus(c.Request().Context(), c.Param("id"), task.Status(req.Status), req.ChangedBy, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t.ToSnapshot())
}

type assignTaskRequest struct {
	Assignee   string `json:"assignee"`
	AssignedBy string `json:"assigned_by"`
}

func (a *API) assignTask(c echo.Context) error {
	var req assignTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	t, err := a.svc.AssignTask(c.Request().Context(), c.Param("id"), req.Assignee, req.AssignedBy)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t.ToSnapshot())
}

type completeTaskRequest struct {
	CompletedBy     string   `json:"completed_by"`
	ArtifactIDs     []string `json:"artifact_ids,omitempty"`
	CompletionNotes string   `json:"completion_notes,omitempty"`
}

func (a *API) completeTask(c echo.Context) error {
	var req completeTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	t, err := a.svc.CompleteTask(c.Request().Context(), c.Param("id"), req.CompletedBy, req.CompletionNotes, req.ArtifactIDs)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t.ToSnapshot())
}

type cancelTaskRequest struct {
	CanceledBy string `json:"canceled_by"`
	Reason     string `json:"reason,omitempty"`
}

func (a *API) cancelTask(c echo.Context) error {
	var req cancelTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	t, err := a.svc.CancelTask(c.Request().Context(), c.Param("id"), req.CanceledBy, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t.ToSnapshot())
}
