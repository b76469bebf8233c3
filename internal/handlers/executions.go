package handlers

import (
	"context"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
)

const defaultExecutionListLimit = 50

// ExecutionReader is the read side of the execution store
type ExecutionReader interface {
	GetByName(ctx context.Context, name string) (*models.WorkflowExecution, error)
	ListByState(ctx context.Context, state models.WorkflowState, limit int) ([]models.WorkflowExecution, error)
}

// ExecutionHandler exposes workflow execution records
type ExecutionHandler struct {
	repo ExecutionReader
}

func NewExecutionHandler(repo ExecutionReader) *ExecutionHandler {
	return &ExecutionHandler{repo: repo}
}

func (h *ExecutionHandler) RegisterRoutes(e *echo.Echo) {
	executions := e.Group("/executions")
	executions.GET("", h.List)
	executions.GET("/:name", h.Get)
}

// Get handles GET /executions/:name
func (h *ExecutionHandler) Get(c echo.Context) error {
	execution, err := h.repo.GetByName(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	return SuccessResponse(c, execution)
}

// List handles GET /executions?state=...&limit=...
func (h *ExecutionHandler) List(c echo.Context) error {
	state := models.WorkflowState(c.QueryParam("state"))
	if state == "" {
		return BadRequest("state is required")
	}
	if !validState(state) {
		return BadRequest("unknown state " + string(state))
	}

	limit := defaultExecutionListLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return BadRequest("limit must be a positive integer")
		}
		limit = n
	}

	executions, err := h.repo.ListByState(c.Request().Context(), state, limit)
	if err != nil {
		return err
	}
	if executions == nil {
		executions = []models.WorkflowExecution{}
	}
	return SuccessResponse(c, executions)
}

func validState(state models.WorkflowState) bool {
	switch state {
	case models.WorkflowStatePending,
		models.WorkflowStateLoadingDepartments,
		models.WorkflowStateLoadingJobs,
		models.WorkflowStateLoadingEmployees,
		models.WorkflowStateValidating,
		models.WorkflowStateMerging,
		models.WorkflowStateSucceeded,
		models.WorkflowStateFailed,
		models.WorkflowStateTimedOut:
		return true
	}
	return false
}
