package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	workflowExecutionsTable = models.WorkflowExecution{}.TableName()
	workflowStepsTable      = models.StepResult{}.TableName()

	workflowExecutionStruct = database.NewStruct(new(models.WorkflowExecution))
	stepResultStruct        = database.NewStruct(new(models.StepResult))
)

// WorkflowExecutionRepository persists workflow executions and their step results
type WorkflowExecutionRepository struct {
	*Repository
}

// NewWorkflowExecutionRepository creates a new workflow execution repository
func NewWorkflowExecutionRepository(db database.DB, logger ectologger.Logger) *WorkflowExecutionRepository {
	return &WorkflowExecutionRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create inserts a new execution. A name that already exists is a 409.
func (r *WorkflowExecutionRepository) Create(ctx context.Context, execution *models.WorkflowExecution) error {
	ctx, span := tracing.StartSpan(ctx, "WorkflowExecutionRepository.Create")
	defer span.End()

	if execution.ID == uuid.Nil {
		execution.ID = uuid.New()
	}
	if execution.State == "" {
		execution.State = models.WorkflowStatePending
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(workflowExecutionsTable).
		Cols("id", "name", "state", "started_at", "completed_at", "error_message", "created_at", "updated_at").
		Values(execution.ID, execution.Name, execution.State, execution.StartedAt, execution.CompletedAt,
			execution.ErrorMessage, sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()"))
	ib.OnConflictDoNothing().Returning("created_at", "updated_at")

	query, args := ib.Build()
	err := r.Conn(ctx).QueryRowxContext(ctx, query, args...).Scan(&execution.CreatedAt, &execution.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Conflict("execution %s already exists", execution.Name)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"execution_name": execution.Name,
		}).Error("failed to create execution")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create execution")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"execution_id":   execution.ID,
		"execution_name": execution.Name,
	}).Debugf("Created %s", workflowExecutionsTable)
	return nil
}

// GetByName retrieves an execution and its step results
func (r *WorkflowExecutionRepository) GetByName(ctx context.Context, name string) (*models.WorkflowExecution, error) {
	ctx, span := tracing.StartSpan(ctx, "WorkflowExecutionRepository.GetByName")
	defer span.End()

	sb := workflowExecutionStruct.SelectFrom(workflowExecutionsTable)
	sb.Where(sb.Equal("name", name))

	query, args := sb.Build()
	var execution models.WorkflowExecution
	err := r.Conn(ctx).GetContext(ctx, &execution, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("execution %s does not exist", name)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"execution_name": name,
		}).Error("failed to get execution")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get execution")
	}

	steps, err := r.ListSteps(ctx, execution.ID)
	if err != nil {
		return nil, err
	}
	execution.Steps = steps

	return &execution, nil
}

// ListByState retrieves the most recent executions in a state
func (r *WorkflowExecutionRepository) ListByState(ctx context.Context, state models.WorkflowState, limit int) ([]models.WorkflowExecution, error) {
	ctx, span := tracing.StartSpan(ctx, "WorkflowExecutionRepository.ListByState")
	defer span.End()

	sb := workflowExecutionStruct.SelectFrom(workflowExecutionsTable)
	sb.Where(sb.Equal("state", state))
	sb.OrderBy("created_at").Desc()
	sb.Limit(limit)

	query, args := sb.Build()
	var executions []models.WorkflowExecution
	if err := r.Conn(ctx).SelectContext(ctx, &executions, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"state": state,
		}).Error("failed to list by state")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list by state")
	}

	return executions, nil
}

// UpdateState records a state change. started_at is stamped on the first move out
// of pending and completed_at when the state is terminal.
func (r *WorkflowExecutionRepository) UpdateState(ctx context.Context, id uuid.UUID, state models.WorkflowState, errorMsg *string) error {
	ctx, span := tracing.StartSpan(ctx, "WorkflowExecutionRepository.UpdateState")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(workflowExecutionsTable)
	assignments := []string{
		ub.Assign("state", state),
		ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
	}
	if state != models.WorkflowStatePending {
		assignments = append(assignments, ub.Assign("started_at", sqlbuilder.Raw("COALESCE(started_at, NOW())")))
	}
	if state.Terminal() {
		assignments = append(assignments,
			ub.Assign("completed_at", sqlbuilder.Raw("NOW()")),
			ub.Assign("error_message", errorMsg),
		)
	}
	ub.Set(assignments...)
	ub.Where(ub.Equal("id", id))

	query, args := ub.Build()
	res, err := r.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"execution_id": id,
			"state":        state,
		}).Error("failed to update execution state")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update execution state")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return NotFound("execution %s does not exist", id)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"execution_id": id,
		"state":        state,
	}).Debugf("Updated %s", workflowExecutionsTable)
	return nil
}

// AddStep persists the outcome of one stage
func (r *WorkflowExecutionRepository) AddStep(ctx context.Context, step *models.StepResult) error {
	ctx, span := tracing.StartSpan(ctx, "WorkflowExecutionRepository.AddStep")
	defer span.End()

	if step.Failures.Data == nil {
		step.Failures = database.NewJSONB([]models.FileFailure{})
	}

	ib := stepResultStruct.InsertInto(workflowStepsTable, step)
	query, args := ib.Build()
	if _, err := r.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"execution_id": step.ExecutionID,
			"stage":        step.Stage,
		}).Error("failed to add step")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to add step")
	}
	return nil
}

// ListSteps returns the step results of an execution in order
func (r *WorkflowExecutionRepository) ListSteps(ctx context.Context, executionID uuid.UUID) ([]models.StepResult, error) {
	ctx, span := tracing.StartSpan(ctx, "WorkflowExecutionRepository.ListSteps")
	defer span.End()

	sb := stepResultStruct.SelectFrom(workflowStepsTable)
	sb.Where(sb.Equal("execution_id", executionID))
	sb.OrderBy("sequence")

	query, args := sb.Build()
	steps := []models.StepResult{}
	if err := r.Conn(ctx).SelectContext(ctx, &steps, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"execution_id": executionID,
		}).Error("failed to list steps")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list steps")
	}
	return steps, nil
}
