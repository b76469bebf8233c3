package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
)

// WorkflowExecutionRepo defines the interface for workflow execution repository operations
type WorkflowExecutionRepo interface {
	Create(ctx context.Context, execution *models.WorkflowExecution) error
	GetByName(ctx context.Context, name string) (*models.WorkflowExecution, error)
	ListByState(ctx context.Context, state models.WorkflowState, limit int) ([]models.WorkflowExecution, error)
	UpdateState(ctx context.Context, id uuid.UUID, state models.WorkflowState, errorMsg *string) error
	AddStep(ctx context.Context, step *models.StepResult) error
	ListSteps(ctx context.Context, executionID uuid.UUID) ([]models.StepResult, error)
}

// EmployeeRepo defines the interface for direct employee inserts
type EmployeeRepo interface {
	CreateEmployees(ctx context.Context, employees []models.NewEmployee) (int64, error)
}

// ReportRepo defines the interface for the hiring reports
type ReportRepo interface {
	HiresByQuarter(ctx context.Context, from, to time.Time) ([]models.QuarterlyHires, error)
	AboveAverageDepartments(ctx context.Context, from, to time.Time) ([]models.DepartmentHires, error)
}
