package repositories

import (
	"context"
	"net/http"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/database"
	etlerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// unknownReferences lists department and job names that match no canonical row.
const unknownReferences = `SELECT 'department' AS kind, e.name
FROM (SELECT DISTINCT unnest($1::text[]) AS name) e
WHERE NOT EXISTS (SELECT 1 FROM departments WHERE department = e.name)
UNION ALL
SELECT 'job' AS kind, e.name
FROM (SELECT DISTINCT unnest($2::text[]) AS name) e
WHERE NOT EXISTS (SELECT 1 FROM jobs WHERE job = e.name)
ORDER BY kind, name`

// insertEmployees resolves department and job by name. Duplicate names
// resolve to the lowest id.
const insertEmployees = `INSERT INTO hired_employees (name, hired_datetime, department_id, job_id)
SELECT e.name, NOW(), d.id, j.id
FROM unnest($1::text[], $2::text[], $3::text[]) AS e(name, department, job)
JOIN LATERAL (SELECT id FROM departments WHERE department = e.department ORDER BY id LIMIT 1) d ON TRUE
JOIN LATERAL (SELECT id FROM jobs WHERE job = e.job ORDER BY id LIMIT 1) j ON TRUE
ON CONFLICT DO NOTHING`

type unknownReference struct {
	Kind string `db:"kind"`
	Name string `db:"name"`
}

// EmployeeRepository inserts hired employees directly, bypassing the batch pipeline
type EmployeeRepository struct {
	*Repository
}

// NewEmployeeRepository creates a new employee repository
func NewEmployeeRepository(db database.DB, logger ectologger.Logger) *EmployeeRepository {
	return &EmployeeRepository{
		Repository: NewRepository(db, logger),
	}
}

// CreateEmployees inserts all entries in one transaction and returns the rows written.
// A department or job name with no canonical row rejects the whole batch.
func (r *EmployeeRepository) CreateEmployees(ctx context.Context, employees []models.NewEmployee) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "EmployeeRepository.CreateEmployees")
	defer span.End()

	if len(employees) == 0 {
		return 0, BadRequest("at least one employee is required")
	}

	names := ectolinq.Map(employees, func(e models.NewEmployee) string { return e.Name })
	departments := ectolinq.Map(employees, func(e models.NewEmployee) string { return e.Department })
	jobs := ectolinq.Map(employees, func(e models.NewEmployee) string { return e.Job })

	ctx, tx, err := r.DB().GetTx(ctx, nil)
	if err != nil {
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert employees")
	}
	defer tx.Rollback(ctx)

	unknown := []unknownReference{}
	if err := tx.SelectContext(ctx, &unknown, unknownReferences, pq.Array(departments), pq.Array(jobs)); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to resolve employee references")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert employees")
	}
	if len(unknown) > 0 {
		return 0, unknownReferencesError(unknown)
	}

	res, err := tx.ExecContext(ctx, insertEmployees, pq.Array(names), pq.Array(departments), pq.Array(jobs))
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"count": len(employees),
		}).Error("failed to insert employees")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert employees")
	}
	rows, _ := res.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert employees")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"requested": len(employees),
		"inserted":  rows,
	}).Info("Inserted employees")
	return rows, nil
}

func unknownReferencesError(unknown []unknownReference) error {
	var departments, jobs []string
	for _, ref := range unknown {
		if ref.Kind == "department" {
			departments = append(departments, ref.Name)
		} else {
			jobs = append(jobs, ref.Name)
		}
	}

	var parts []string
	if len(departments) > 0 {
		parts = append(parts, "unknown departments: "+strings.Join(departments, ", "))
	}
	if len(jobs) > 0 {
		parts = append(parts, "unknown jobs: "+strings.Join(jobs, ", "))
	}
	return &etlerrors.ValidationError{Field: "Employees", Message: strings.Join(parts, "; ")}
}
