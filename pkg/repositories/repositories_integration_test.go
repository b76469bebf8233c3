package repositories_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/testsupport"
	etlerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

func TestReportsIntegration(t *testing.T) {
	testsupport.RequireIntegration(t)

	db := testsupport.Postgres(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `INSERT INTO departments (id, department) VALUES (1, 'Sales'), (2, 'Support'), (3, 'Legal')`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO jobs (id, job) VALUES (1, 'Analyst')`)
	require.NoError(t, err)

	// 10, 6 and 2 hires: the mean is 6
	hires := map[int64]int{1: 10, 2: 6, 3: 2}
	for dept, n := range hires {
		for i := 0; i < n; i++ {
			_, err := db.ExecContext(ctx,
				`INSERT INTO hired_employees (name, hired_datetime, department_id, job_id) VALUES ($1, $2, $3, 1)`,
				fmt.Sprintf("emp-%d-%d", dept, i), fmt.Sprintf("2021-%02d-15T12:00:00Z", i+1), dept)
			require.NoError(t, err)
		}
	}
	// outside the reference year
	_, err = db.ExecContext(ctx, `INSERT INTO hired_employees (name, hired_datetime, department_id, job_id) VALUES ('late', '2022-03-01T00:00:00Z', 3, 1)`)
	require.NoError(t, err)

	reports := repositories.NewReportRepository(db, testsupport.Logger())
	from, to := repositories.YearWindow(2021)

	t.Run("above average is strict", func(t *testing.T) {
		departments, err := reports.AboveAverageDepartments(ctx, from, to)
		require.NoError(t, err)
		assert.Equal(t, []models.DepartmentHires{{ID: 1, Department: "Sales", Hired: 10}}, departments)
	})

	t.Run("hires by quarter", func(t *testing.T) {
		rows, err := reports.HiresByQuarter(ctx, from, to)
		require.NoError(t, err)
		require.Len(t, rows, 3)

		assert.Equal(t, models.QuarterlyHires{Department: "Legal", Job: "Analyst", Q1: 2}, rows[0])
		assert.Equal(t, models.QuarterlyHires{Department: "Sales", Job: "Analyst", Q1: 3, Q2: 3, Q3: 3, Q4: 1}, rows[1])
		assert.Equal(t, models.QuarterlyHires{Department: "Support", Job: "Analyst", Q1: 3, Q2: 3}, rows[2])
	})

	t.Run("total hires are compared with the window mean", func(t *testing.T) {
		// Support reaches 7 hires in total while the 2021 mean stays 6
		_, err := db.ExecContext(ctx, `INSERT INTO hired_employees (name, hired_datetime, department_id, job_id) VALUES ('early', '2020-06-01T00:00:00Z', 2, 1)`)
		require.NoError(t, err)

		departments, err := reports.AboveAverageDepartments(ctx, from, to)
		require.NoError(t, err)
		assert.Equal(t, []models.DepartmentHires{
			{ID: 1, Department: "Sales", Hired: 10},
			{ID: 2, Department: "Support", Hired: 7},
		}, departments)
	})

	t.Run("direct insert resolves names", func(t *testing.T) {
		employees := repositories.NewEmployeeRepository(db, testsupport.Logger())
		rows, err := employees.CreateEmployees(ctx, []models.NewEmployee{
			{Name: "Ada", Department: "Sales", Job: "Analyst"},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), rows)

		var deptID int64
		require.NoError(t, db.GetContext(ctx, &deptID, `SELECT department_id FROM hired_employees WHERE name = 'Ada'`))
		assert.Equal(t, int64(1), deptID)
	})

	t.Run("unknown names reject the whole batch", func(t *testing.T) {
		var before int
		require.NoError(t, db.GetContext(ctx, &before, `SELECT COUNT(*) FROM hired_employees`))

		employees := repositories.NewEmployeeRepository(db, testsupport.Logger())
		_, err := employees.CreateEmployees(ctx, []models.NewEmployee{
			{Name: "Linus", Department: "Sales", Job: "Analyst"},
			{Name: "Grace", Department: "Nowhere", Job: "Analyst"},
		})
		var validation *etlerrors.ValidationError
		require.ErrorAs(t, err, &validation)
		assert.Contains(t, validation.Message, "unknown departments: Nowhere")

		var after int
		require.NoError(t, db.GetContext(ctx, &after, `SELECT COUNT(*) FROM hired_employees`))
		assert.Equal(t, before, after)
	})

	t.Run("canonical hires require department and job", func(t *testing.T) {
		_, err := db.ExecContext(ctx, `INSERT INTO hired_employees (name, hired_datetime, department_id, job_id) VALUES ('orphan', '2021-05-01T00:00:00Z', NULL, 1)`)
		assert.Error(t, err)
	})
}
