package repositories_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/database"
	etlerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

func getTestLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func newMockDB(t *testing.T) (database.DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return database.NewDatabaseInstance(sqlx.NewDb(conn, "postgres"), getTestLogger()), mock
}

// assertStatus asserts that err is an HTTP error with the given status
func assertStatus(t *testing.T, err error, status int) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err), "expected HTTP error, got: %v", err)
	assert.Equal(t, status, httperror.GetStatusCode(err))
}

func TestWorkflowExecutionRepository_Create(t *testing.T) {
	db, mock := newMockDB(t)
	repo := repositories.NewWorkflowExecutionRepository(db, getTestLogger())

	now := time.Now()
	mock.ExpectQuery(`INSERT INTO workflow_executions .* ON CONFLICT DO NOTHING RETURNING created_at, updated_at`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	execution := &models.WorkflowExecution{Name: "ExecutionTimestamp=1-BatchHRPipeline"}
	require.NoError(t, repo.Create(context.Background(), execution))

	assert.NotEqual(t, uuid.Nil, execution.ID)
	assert.Equal(t, models.WorkflowStatePending, execution.State)
	assert.Equal(t, now, execution.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkflowExecutionRepository_CreateDuplicateName(t *testing.T) {
	db, mock := newMockDB(t)
	repo := repositories.NewWorkflowExecutionRepository(db, getTestLogger())

	mock.ExpectQuery(`INSERT INTO workflow_executions`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}))

	err := repo.Create(context.Background(), &models.WorkflowExecution{Name: "dup"})
	assertStatus(t, err, http.StatusConflict)
}

func TestWorkflowExecutionRepository_GetByName(t *testing.T) {
	db, mock := newMockDB(t)
	repo := repositories.NewWorkflowExecutionRepository(db, getTestLogger())

	id := uuid.New()
	now := time.Now()
	mock.ExpectQuery(`SELECT .* FROM workflow_executions WHERE name = \$1`).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "state", "started_at", "completed_at", "error_message", "created_at", "updated_at"}).
			AddRow(id.String(), "run-1", "succeeded", now, now, nil, now, now))
	mock.ExpectQuery(`SELECT .* FROM workflow_steps WHERE execution_id = \$1 ORDER BY sequence`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"execution_id", "sequence", "stage", "dataset", "success", "files_loaded", "files_failed", "rows_affected", "failures", "error", "started_at", "completed_at"}).
			AddRow(id.String(), 1, "loading_jobs", "jobs", true, 2, 1, 40, []byte(`[{"file":"hr/jobs/unprocessed/b.csv","error":"bad row"}]`), nil, now, now).
			AddRow(id.String(), 2, "merging", nil, true, 0, 0, 40, []byte(`[]`), nil, now, now))

	execution, err := repo.GetByName(context.Background(), "run-1")
	require.NoError(t, err)

	assert.Equal(t, models.WorkflowStateSucceeded, execution.State)
	require.Len(t, execution.Steps, 2)
	require.NotNil(t, execution.Steps[0].Dataset)
	assert.Equal(t, models.DatasetJobs, *execution.Steps[0].Dataset)
	assert.Equal(t, "bad row", execution.Steps[0].Failures.Data[0].Error)
	assert.Nil(t, execution.Steps[1].Dataset)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkflowExecutionRepository_GetByNameNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := repositories.NewWorkflowExecutionRepository(db, getTestLogger())

	mock.ExpectQuery(`FROM workflow_executions`).WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetByName(context.Background(), "missing")
	assertStatus(t, err, http.StatusNotFound)
}

func TestWorkflowExecutionRepository_UpdateState(t *testing.T) {
	tests := []struct {
		name    string
		state   models.WorkflowState
		pattern string
	}{
		{"loading stamps started_at", models.WorkflowStateLoadingJobs, `UPDATE workflow_executions SET state = \$1, updated_at = NOW\(\), started_at = COALESCE\(started_at, NOW\(\)\) WHERE id = \$2`},
		{"terminal stamps completed_at", models.WorkflowStateFailed, `UPDATE workflow_executions SET .*completed_at = NOW\(\), error_message = \$2 WHERE id = \$3`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			repo := repositories.NewWorkflowExecutionRepository(db, getTestLogger())
			mock.ExpectExec(tt.pattern).WillReturnResult(sqlmock.NewResult(0, 1))

			msg := "boom"
			require.NoError(t, repo.UpdateState(context.Background(), uuid.New(), tt.state, &msg))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestWorkflowExecutionRepository_UpdateStateUnknownExecution(t *testing.T) {
	db, mock := newMockDB(t)
	repo := repositories.NewWorkflowExecutionRepository(db, getTestLogger())
	mock.ExpectExec(`UPDATE workflow_executions`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateState(context.Background(), uuid.New(), models.WorkflowStateMerging, nil)
	assertStatus(t, err, http.StatusNotFound)
}

func TestWorkflowExecutionRepository_AddStep(t *testing.T) {
	db, mock := newMockDB(t)
	repo := repositories.NewWorkflowExecutionRepository(db, getTestLogger())
	mock.ExpectExec(`INSERT INTO workflow_steps`).WillReturnResult(sqlmock.NewResult(0, 1))

	step := &models.StepResult{ExecutionID: uuid.New(), Sequence: 1, Stage: models.WorkflowStateMerging, Success: true}
	require.NoError(t, repo.AddStep(context.Background(), step))

	assert.NotNil(t, step.Failures.Data, "failures default to an empty list")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func expectNoUnknownReferences(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`SELECT 'department' AS kind, e.name .* NOT EXISTS .* departments .* UNION ALL .* NOT EXISTS .* jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"kind", "name"}))
}

func TestEmployeeRepository_CreateEmployees(t *testing.T) {
	db, mock := newMockDB(t)
	repo := repositories.NewEmployeeRepository(db, getTestLogger())

	mock.ExpectBegin()
	expectNoUnknownReferences(mock)
	mock.ExpectExec(`INSERT INTO hired_employees .* JOIN LATERAL .* departments .* JOIN LATERAL .* jobs`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	rows, err := repo.CreateEmployees(context.Background(), []models.NewEmployee{
		{Name: "Ada", Department: "Sales", Job: "Analyst"},
		{Name: "Linus", Department: "Sales", Job: "Engineer"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEmployeeRepository_CreateEmployeesRejectsUnknownNames(t *testing.T) {
	db, mock := newMockDB(t)
	repo := repositories.NewEmployeeRepository(db, getTestLogger())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 'department' AS kind`).
		WillReturnRows(sqlmock.NewRows([]string{"kind", "name"}).
			AddRow("department", "Nowhere").
			AddRow("job", "Astronaut"))
	mock.ExpectRollback()

	_, err := repo.CreateEmployees(context.Background(), []models.NewEmployee{
		{Name: "Ada", Department: "Sales", Job: "Analyst"},
		{Name: "Grace", Department: "Nowhere", Job: "Astronaut"},
	})

	var validation *etlerrors.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, http.StatusBadRequest, etlerrors.StatusCode(err))
	assert.Contains(t, validation.Message, "unknown departments: Nowhere")
	assert.Contains(t, validation.Message, "unknown jobs: Astronaut")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEmployeeRepository_CreateEmployeesRollsBack(t *testing.T) {
	db, mock := newMockDB(t)
	repo := repositories.NewEmployeeRepository(db, getTestLogger())

	mock.ExpectBegin()
	expectNoUnknownReferences(mock)
	mock.ExpectExec(`INSERT INTO hired_employees`).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := repo.CreateEmployees(context.Background(), []models.NewEmployee{{Name: "Ada", Department: "Sales", Job: "Analyst"}})
	assertStatus(t, err, http.StatusInternalServerError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEmployeeRepository_CreateEmployeesEmpty(t *testing.T) {
	db, _ := newMockDB(t)
	repo := repositories.NewEmployeeRepository(db, getTestLogger())

	_, err := repo.CreateEmployees(context.Background(), nil)
	assertStatus(t, err, http.StatusBadRequest)
}

func TestReportRepository_HiresByQuarter(t *testing.T) {
	db, mock := newMockDB(t)
	repo := repositories.NewReportRepository(db, getTestLogger())
	from, to := repositories.YearWindow(2021)

	mock.ExpectQuery(`SELECT d.department, j.job, COUNT\(\*\) FILTER .* FROM hired_employees h JOIN departments d .* JOIN jobs j .* WHERE h.hired_datetime >= \$1 AND h.hired_datetime < \$2 GROUP BY d.department, j.job ORDER BY d.department, j.job`).
		WithArgs(from, to).
		WillReturnRows(sqlmock.NewRows([]string{"department", "job", "q1", "q2", "q3", "q4"}).
			AddRow("Sales", "Analyst", 1, 0, 2, 0))

	hires, err := repo.HiresByQuarter(context.Background(), from, to)
	require.NoError(t, err)
	require.Len(t, hires, 1)
	assert.Equal(t, 2, hires[0].Q3)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReportRepository_AboveAverageDepartments(t *testing.T) {
	db, mock := newMockDB(t)
	repo := repositories.NewReportRepository(db, getTestLogger())
	from, to := repositories.YearWindow(2021)

	mock.ExpectQuery(`WITH window_hires AS .* WHERE h.hired_datetime >= \$1 AND h.hired_datetime < \$2 .* HAVING COUNT\(\*\) > \(SELECT AVG\(hired\) FROM window_hires\)`).
		WithArgs(from, to).
		WillReturnRows(sqlmock.NewRows([]string{"id", "department", "hired"}).AddRow(5, "Sales", 10))

	departments, err := repo.AboveAverageDepartments(context.Background(), from, to)
	require.NoError(t, err)
	assert.Equal(t, []models.DepartmentHires{{ID: 5, Department: "Sales", Hired: 10}}, departments)
}

func TestYearWindow(t *testing.T) {
	from, to := repositories.YearWindow(2021)
	assert.Equal(t, "2021-01-01T00:00:00Z", from.Format(time.RFC3339))
	assert.Equal(t, "2022-01-01T00:00:00Z", to.Format(time.RFC3339))
}
