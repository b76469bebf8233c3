package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
)

// WorkflowState is a state of the batch pipeline state machine.
type WorkflowState string

const (
	WorkflowStatePending            WorkflowState = "pending"
	WorkflowStateLoadingDepartments WorkflowState = "loading_departments"
	WorkflowStateLoadingJobs        WorkflowState = "loading_jobs"
	WorkflowStateLoadingEmployees   WorkflowState = "loading_employees"
	WorkflowStateValidating         WorkflowState = "validating"
	WorkflowStateMerging            WorkflowState = "merging"
	WorkflowStateSucceeded          WorkflowState = "succeeded"
	WorkflowStateFailed             WorkflowState = "failed"
	WorkflowStateTimedOut           WorkflowState = "timed_out"
)

func (s WorkflowState) Terminal() bool {
	switch s {
	case WorkflowStateSucceeded, WorkflowStateFailed, WorkflowStateTimedOut:
		return true
	}
	return false
}

// LoadingState returns the state the workflow is in while dataset loads.
func LoadingState(dataset Dataset) WorkflowState {
	switch dataset {
	case DatasetDepartments:
		return WorkflowStateLoadingDepartments
	case DatasetJobs:
		return WorkflowStateLoadingJobs
	case DatasetHiredEmployees:
		return WorkflowStateLoadingEmployees
	}
	return ""
}

// WorkflowExecution is one run of the batch pipeline.
type WorkflowExecution struct {
	ID           uuid.UUID     `db:"id" json:"id"`
	Name         string        `db:"name" json:"name"`
	State        WorkflowState `db:"state" json:"state"`
	StartedAt    *time.Time    `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time    `db:"completed_at" json:"completed_at,omitempty"`
	ErrorMessage *string       `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updated_at"`

	Steps []StepResult `db:"-" json:"steps,omitempty"`
}

func (WorkflowExecution) TableName() string {
	return "workflow_executions"
}

// FileFailure records a file that did not make it through a load step.
type FileFailure struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

// StepResult is the persisted outcome of one workflow stage.
type StepResult struct {
	ExecutionID  uuid.UUID                     `db:"execution_id" json:"execution_id"`
	Sequence     int                           `db:"sequence" json:"sequence"`
	Stage        WorkflowState                 `db:"stage" json:"stage"`
	Dataset      *Dataset                      `db:"dataset" json:"dataset,omitempty"`
	Success      bool                          `db:"success" json:"success"`
	FilesLoaded  int                           `db:"files_loaded" json:"files_loaded"`
	FilesFailed  int                           `db:"files_failed" json:"files_failed"`
	RowsAffected int64                         `db:"rows_affected" json:"rows_affected"`
	Failures     database.JSONB[[]FileFailure] `db:"failures" json:"failures"`
	Error        *string                       `db:"error" json:"error,omitempty"`
	StartedAt    time.Time                     `db:"started_at" json:"started_at"`
	CompletedAt  time.Time                     `db:"completed_at" json:"completed_at"`
}

func (StepResult) TableName() string {
	return "workflow_steps"
}
