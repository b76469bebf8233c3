package handlers

import (
	"context"
	"fmt"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/trigger"
)

// BatchStarter starts a pipeline run without waiting for it
type BatchStarter interface {
	StartBatch(ctx context.Context) (*trigger.Handle, error)
}

// BatchHandler handles the batch trigger endpoint
type BatchHandler struct {
	starter BatchStarter
}

func NewBatchHandler(starter BatchStarter) *BatchHandler {
	return &BatchHandler{starter: starter}
}

type BatchResponse struct {
	Message       string `json:"message"`
	ExecutionName string `json:"execution_name"`
}

func (h *BatchHandler) RegisterRoutes(e *echo.Echo) {
	e.POST("/batch_process", h.Start)
}

// Start handles POST /batch_process
func (h *BatchHandler) Start(c echo.Context) error {
	handle, err := h.starter.StartBatch(c.Request().Context())
	if err != nil {
		return err
	}

	return SuccessResponse(c, BatchResponse{
		Message:       fmt.Sprintf("Batch process started: %s", handle.ExecutionName),
		ExecutionName: handle.ExecutionName,
	})
}
