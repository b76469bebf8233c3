package repositories

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// aboveAverageDepartments compares each department's total hires with the mean
// of per-department hires in the window. Only the mean is windowed.
const aboveAverageDepartments = `WITH window_hires AS (
	SELECT h.department_id, COUNT(*) AS hired
	FROM hired_employees h
	JOIN departments d ON d.id = h.department_id
	WHERE h.hired_datetime >= $1 AND h.hired_datetime < $2
	GROUP BY h.department_id
)
SELECT d.id, d.department, COUNT(*) AS hired
FROM hired_employees h
JOIN departments d ON d.id = h.department_id
GROUP BY d.id, d.department
HAVING COUNT(*) > (SELECT AVG(hired) FROM window_hires)
ORDER BY hired DESC, d.id`

// ReportRepository answers the hiring reports
type ReportRepository struct {
	*Repository
}

// NewReportRepository creates a new report repository
func NewReportRepository(db database.DB, logger ectologger.Logger) *ReportRepository {
	return &ReportRepository{
		Repository: NewRepository(db, logger),
	}
}

// YearWindow returns [Jan 1 year, Jan 1 year+1) in UTC.
func YearWindow(year int) (time.Time, time.Time) {
	from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(1, 0, 0)
}

func quarterColumn(q int) string {
	return fmt.Sprintf("COUNT(*) FILTER (WHERE EXTRACT(QUARTER FROM h.hired_datetime AT TIME ZONE 'UTC') = %d) AS q%d", q, q)
}

// HiresByQuarter counts hires per department and job for each quarter of [from, to)
func (r *ReportRepository) HiresByQuarter(ctx context.Context, from, to time.Time) ([]models.QuarterlyHires, error) {
	ctx, span := tracing.StartSpan(ctx, "ReportRepository.HiresByQuarter")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("d.department", "j.job", quarterColumn(1), quarterColumn(2), quarterColumn(3), quarterColumn(4)).
		From("hired_employees h").
		Join("departments d", "d.id = h.department_id").
		Join("jobs j", "j.id = h.job_id").
		Where(sb.GreaterEqualThan("h.hired_datetime", from), sb.LessThan("h.hired_datetime", to)).
		GroupBy("d.department", "j.job").
		OrderBy("d.department", "j.job")

	query, args := sb.Build()
	hires := []models.QuarterlyHires{}
	if err := r.Conn(ctx).SelectContext(ctx, &hires, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"from": from,
			"to":   to,
		}).Error("failed to query hires by quarter")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to query hires by quarter")
	}
	return hires, nil
}

// AboveAverageDepartments lists departments whose total hires are strictly above
// the mean per-department hires in [from, to)
func (r *ReportRepository) AboveAverageDepartments(ctx context.Context, from, to time.Time) ([]models.DepartmentHires, error) {
	ctx, span := tracing.StartSpan(ctx, "ReportRepository.AboveAverageDepartments")
	defer span.End()

	departments := []models.DepartmentHires{}
	if err := r.Conn(ctx).SelectContext(ctx, &departments, aboveAverageDepartments, from, to); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"from": from,
			"to":   to,
		}).Error("failed to query above average departments")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to query above average departments")
	}
	return departments, nil
}
