package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/handlers"
	etlerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/trigger"
)

func newEcho() *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = middleware.Error(ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
	e.Use(middleware.Context())
	return e
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

type fakeStarter struct {
	err error
}

func (s fakeStarter) StartBatch(context.Context) (*trigger.Handle, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &trigger.Handle{ExecutionName: "ExecutionTimestamp=1-BatchHRPipeline", MessageID: "1-0"}, nil
}

func TestBatchProcess(t *testing.T) {
	e := newEcho()
	handlers.NewBatchHandler(fakeStarter{}).RegisterRoutes(e)

	rec := do(e, http.MethodPost, "/batch_process", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Contains(t, body["message"], "ExecutionTimestamp=1-BatchHRPipeline")
}

func TestBatchProcess_Failure(t *testing.T) {
	e := newEcho()
	cause := &etlerrors.TriggerError{Execution: "x", Cause: errors.New("redis: connection refused")}
	handlers.NewBatchHandler(fakeStarter{err: cause}).RegisterRoutes(e)

	rec := do(e, http.MethodPost, "/batch_process", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Contains(t, body["error"], "connection refused")
}

type fakeEmployees struct {
	got []models.NewEmployee
	err error
}

func (f *fakeEmployees) CreateEmployees(_ context.Context, employees []models.NewEmployee) (int64, error) {
	f.got = employees
	return int64(len(employees)), f.err
}

func employeesJSON(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf(`{"name":"Employee %d","department":"Sales","job":"Analyst"}`, i)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func TestCreateEmployees(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		repoErr  error
		wantCode int
		wantKey  string
	}{
		{"one employee", employeesJSON(1), nil, http.StatusOK, "result"},
		{"maximum batch", employeesJSON(handlers.MaxEmployeesPerRequest), nil, http.StatusOK, "result"},
		{"too many", employeesJSON(handlers.MaxEmployeesPerRequest + 1), nil, http.StatusBadRequest, "error"},
		{"empty list", `[]`, nil, http.StatusBadRequest, "error"},
		{"missing field", `[{"name":"Jane","department":"Sales"}]`, nil, http.StatusBadRequest, "error"},
		{"not an array", `{"name":"Jane"}`, nil, http.StatusBadRequest, "error"},
		{"repository failure", employeesJSON(2), errors.New("deadlock detected"), http.StatusInternalServerError, "error"},
		{"unknown department", employeesJSON(1), &etlerrors.ValidationError{Field: "Employees", Message: "unknown departments: Nowhere"}, http.StatusBadRequest, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &fakeEmployees{err: tt.repoErr}
			e := newEcho()
			handlers.NewEmployeeHandler(repo).RegisterRoutes(e)

			rec := do(e, http.MethodPost, "/employees", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			body := decode[map[string]any](t, rec)
			assert.Contains(t, body, tt.wantKey)
			if tt.wantCode == http.StatusOK {
				assert.Equal(t, "Batch inserted correctly", body["result"])
			}
		})
	}
}

func TestCreateEmployees_ReportsFailingField(t *testing.T) {
	e := newEcho()
	handlers.NewEmployeeHandler(&fakeEmployees{}).RegisterRoutes(e)

	rec := do(e, http.MethodPost, "/employees", `[{"name":"Jane","department":"Sales","job":"Analyst"},{"name":"","department":"Sales","job":"Analyst"}]`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Contains(t, body["error"], "Employees[1].Name")
}

type fakeReports struct {
	from, to time.Time
	quarters []models.QuarterlyHires
	above    []models.DepartmentHires
}

func (f *fakeReports) HiresByQuarter(_ context.Context, from, to time.Time) ([]models.QuarterlyHires, error) {
	f.from, f.to = from, to
	return f.quarters, nil
}

func (f *fakeReports) AboveAverageDepartments(_ context.Context, from, to time.Time) ([]models.DepartmentHires, error) {
	f.from, f.to = from, to
	return f.above, nil
}

func TestReports(t *testing.T) {
	repo := &fakeReports{
		quarters: []models.QuarterlyHires{{Department: "Sales", Job: "Analyst", Q1: 1, Q4: 2}},
		above:    []models.DepartmentHires{{ID: 8, Department: "Sales", Hired: 10}},
	}
	e := newEcho()
	handlers.NewReportHandler(repo, 2021).RegisterRoutes(e)

	rec := do(e, http.MethodGet, "/employees_by_department", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"department":"Sales","job":"Analyst","Q1":1,"Q2":0,"Q3":0,"Q4":2}]`, rec.Body.String())
	assert.Equal(t, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), repo.from)
	assert.Equal(t, time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC), repo.to)

	rec = do(e, http.MethodGet, "/abover_average_departments", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"id":8,"department":"Sales","hired":10}]`, rec.Body.String())
}

func TestReports_EmptyIsArray(t *testing.T) {
	e := newEcho()
	handlers.NewReportHandler(&fakeReports{}, 2021).RegisterRoutes(e)

	rec := do(e, http.MethodGet, "/abover_average_departments", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

type fakeExecutions struct {
	executions map[string]*models.WorkflowExecution
	listed     models.WorkflowState
	limit      int
}

func (f *fakeExecutions) GetByName(_ context.Context, name string) (*models.WorkflowExecution, error) {
	execution, ok := f.executions[name]
	if !ok {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "workflow execution %s not found", name)
	}
	return execution, nil
}

func (f *fakeExecutions) ListByState(_ context.Context, state models.WorkflowState, limit int) ([]models.WorkflowExecution, error) {
	f.listed, f.limit = state, limit
	return nil, nil
}

func TestExecutions(t *testing.T) {
	repo := &fakeExecutions{executions: map[string]*models.WorkflowExecution{
		"run-1": {Name: "run-1", State: models.WorkflowStateSucceeded},
	}}
	e := newEcho()
	handlers.NewExecutionHandler(repo).RegisterRoutes(e)

	rec := do(e, http.MethodGet, "/executions/run-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "succeeded", decode[map[string]any](t, rec)["state"])

	rec = do(e, http.MethodGet, "/executions/run-2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(e, http.MethodGet, "/executions?state=failed&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
	assert.Equal(t, models.WorkflowStateFailed, repo.listed)
	assert.Equal(t, 5, repo.limit)

	rec = do(e, http.MethodGet, "/executions?state=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
