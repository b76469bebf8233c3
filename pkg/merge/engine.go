// Package merge upserts the staging tables into the canonical model.
//
// One merge runs in a single transaction: departments, then jobs, then hired
// employees (which reference both), then staging is cleared. Any failure rolls
// the whole unit back so staging is left intact for the next attempt.
package merge

import (
	"context"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/database"
	etlerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const StageClearStaging = "clear_staging"

type Result struct {
	Departments    int64         `json:"departments"`
	Jobs           int64         `json:"jobs"`
	HiredEmployees int64         `json:"hired_employees"`
	Dropped        int64         `json:"dropped"`
	Cleared        int64         `json:"cleared"`
	Duration       time.Duration `json:"duration"`
}

func (r *Result) Total() int64 {
	return r.Departments + r.Jobs + r.HiredEmployees
}

type Engine struct {
	db     database.DB
	logger ectologger.Logger
}

func NewEngine(db database.DB, logger ectologger.Logger) *Engine {
	return &Engine{db: db, logger: logger}
}

type step struct {
	stage string
	run   func(ctx context.Context, exec database.Executor, result *Result) error
}

// Merge runs the ordered upserts and clears staging. An empty staging area is a
// successful no-op.
func (e *Engine) Merge(ctx context.Context) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "merge.Engine.Merge")
	defer span.End()

	start := time.Now()
	result := &Result{}

	ctxTx, tx, err := e.db.GetTx(ctx, nil)
	if err != nil {
		return nil, &etlerrors.MergeError{Stage: "begin", Cause: err}
	}
	defer tx.Rollback(ctxTx)

	steps := []step{
		{stage: string(models.DatasetDepartments), run: e.mergeDepartments},
		{stage: string(models.DatasetJobs), run: e.mergeJobs},
		{stage: string(models.DatasetHiredEmployees), run: e.mergeHiredEmployees},
		{stage: StageClearStaging, run: e.clearStaging},
	}

	for _, s := range steps {
		if err := s.run(ctxTx, tx, result); err != nil {
			e.logger.WithContext(ctx).WithError(err).WithField("stage", s.stage).Error("merge failed, rolling back")
			return nil, newMergeError(s.stage, err)
		}
	}

	if err := tx.Commit(ctxTx); err != nil {
		return nil, newMergeError("commit", err)
	}

	result.Duration = time.Since(start)
	metrics.RecordMerge(models.Department{}.TableName(), result.Departments)
	metrics.RecordMerge(models.Job{}.TableName(), result.Jobs)
	metrics.RecordMerge(models.HiredEmployee{}.TableName(), result.HiredEmployees)

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"departments":     result.Departments,
		"jobs":            result.Jobs,
		"hired_employees": result.HiredEmployees,
		"dropped":         result.Dropped,
		"cleared":         result.Cleared,
	}).Info("Merged staging into canonical tables")
	return result, nil
}

func newMergeError(stage string, err error) *etlerrors.MergeError {
	mergeErr := &etlerrors.MergeError{Stage: stage, Cause: err}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		mergeErr.Code = string(pqErr.Code)
	}
	return mergeErr
}

// upsertLatest upserts (id, column) keeping the last staged row per id so a
// batch carrying the same id twice does not hit the same target row twice.
func upsertLatest(table, staging, column string) (string, []any) {
	sb := database.NewSelectBuilder()
	sb.Select("DISTINCT ON (id) id", column).
		From(staging).
		Where(sb.IsNotNull("id"), sb.IsNotNull(column)).
		OrderBy("id", "staged_seq DESC")

	ib := database.NewInsertBuilder().InsertInto(table).Cols("id", column).FromSelect(sb)
	ub := ib.OnConflict("id")
	ub.Set(ub.Assign(column, database.Excluded(column)))

	return ib.Build()
}

func countRejected(ctx context.Context, exec database.Executor, staging, column string) (int64, error) {
	sb := database.NewSelectBuilder()
	sb.Select("COUNT(*)").From(staging).Where(sb.Or(sb.IsNull("id"), sb.IsNull(column)))

	query, args := sb.Build()
	var rejected int64
	err := exec.GetContext(ctx, &rejected, query, args...)
	return rejected, err
}

func (e *Engine) mergeDepartments(ctx context.Context, exec database.Executor, result *Result) error {
	rejected, err := countRejected(ctx, exec, models.DatasetDepartments.StagingTable(), "department")
	if err != nil {
		return err
	}
	result.Dropped += rejected

	query, args := upsertLatest(models.Department{}.TableName(), models.DatasetDepartments.StagingTable(), "department")
	rows, err := execRows(ctx, exec, query, args...)
	result.Departments = rows
	return err
}

func (e *Engine) mergeJobs(ctx context.Context, exec database.Executor, result *Result) error {
	rejected, err := countRejected(ctx, exec, models.DatasetJobs.StagingTable(), "job")
	if err != nil {
		return err
	}
	result.Dropped += rejected

	query, args := upsertLatest(models.Job{}.TableName(), models.DatasetJobs.StagingTable(), "job")
	rows, err := execRows(ctx, exec, query, args...)
	result.Jobs = rows
	return err
}

// hired employees missing a natural-key field, or pointing at a department or
// job that does not exist, are dropped.
const countRejectedHires = `SELECT COUNT(*) FROM staging_hired_employees s
WHERE s.name IS NULL OR s.hired_datetime IS NULL
   OR NOT EXISTS (SELECT 1 FROM departments d WHERE d.id = s.department_id)
   OR NOT EXISTS (SELECT 1 FROM jobs j WHERE j.id = s.job_id)`

func (e *Engine) mergeHiredEmployees(ctx context.Context, exec database.Executor, result *Result) error {
	var rejected int64
	if err := exec.GetContext(ctx, &rejected, countRejectedHires); err != nil {
		return err
	}
	result.Dropped += rejected
	if rejected > 0 {
		e.logger.WithContext(ctx).WithFields(map[string]any{
			"table":   models.DatasetHiredEmployees.StagingTable(),
			"dropped": rejected,
		}).Warn("Dropping staged hires with a missing field or an unknown department or job")
	}

	sb := database.NewSelectBuilder()
	sb.Select("DISTINCT s.name", "s.hired_datetime", "s.department_id", "s.job_id").
		From(models.DatasetHiredEmployees.StagingTable()+" s").
		Join(models.Department{}.TableName()+" d", "d.id = s.department_id").
		Join(models.Job{}.TableName()+" j", "j.id = s.job_id").
		Where(sb.IsNotNull("s.name"), sb.IsNotNull("s.hired_datetime"))

	ib := database.NewInsertBuilder().
		InsertInto(models.HiredEmployee{}.TableName()).
		Cols("name", "hired_datetime", "department_id", "job_id").
		FromSelect(sb).
		OnConflictDoNothing()

	query, args := ib.Build()
	rows, err := execRows(ctx, exec, query, args...)
	result.HiredEmployees = rows
	return err
}

func (e *Engine) clearStaging(ctx context.Context, exec database.Executor, result *Result) error {
	for _, dataset := range models.Datasets {
		query, args := database.NewDeleteBuilder().DeleteFrom(dataset.StagingTable()).Build()
		rows, err := execRows(ctx, exec, query, args...)
		if err != nil {
			return err
		}
		result.Cleared += rows
	}
	return nil
}

// StagedCounts returns the number of rows waiting in each staging table.
func (e *Engine) StagedCounts(ctx context.Context) (map[models.Dataset]int64, error) {
	ctx, span := tracing.StartSpan(ctx, "merge.Engine.StagedCounts")
	defer span.End()

	counts := make(map[models.Dataset]int64, len(models.Datasets))
	for _, dataset := range models.Datasets {
		sb := database.NewSelectBuilder()
		sb.Select("COUNT(*)").From(dataset.StagingTable())

		query, args := sb.Build()
		var count int64
		if err := database.Conn(ctx, e.db).GetContext(ctx, &count, query, args...); err != nil {
			e.logger.WithContext(ctx).WithError(err).WithField("dataset", dataset).Error("failed to count staged rows")
			return nil, err
		}
		counts[dataset] = count
	}
	return counts, nil
}

func execRows(ctx context.Context, exec database.Executor, query string, args ...any) (int64, error) {
	res, err := exec.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
