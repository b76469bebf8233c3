// Package loader bulk loads unprocessed source files into the staging tables.
//
// Files of one dataset load sequentially, one transaction per file. A failed
// file is recorded and skipped so the rest of the batch still lands; the
// result is then marked degraded. Failing to resolve credentials aborts the
// dataset because no later file could succeed either.
package loader

import (
	"context"
	"errors"
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/credentials"
	"github.com/Ramsey-B/fern/pkg/database"
	etlerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/filetracker"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Tracker is the file bookkeeping the loader depends on.
type Tracker interface {
	ListUnprocessed(ctx context.Context, domain string, dataset models.Dataset) ([]models.SourceFile, error)
	MarkProcessed(ctx context.Context, file models.SourceFile) error
}

type FileResult struct {
	File models.SourceFile `json:"file"`
	Rows int64             `json:"rows"`
}

type LoadResult struct {
	Dataset   models.Dataset         `json:"dataset"`
	Loaded    []FileResult           `json:"loaded"`
	Failures  []*etlerrors.LoadError `json:"-"`
	Rows      int64                  `json:"rows"`
	Degraded  bool                   `json:"degraded"`
	StartedAt time.Time              `json:"started_at"`
	EndedAt   time.Time              `json:"ended_at"`
}

// FileFailures flattens the load errors for persistence.
func (r *LoadResult) FileFailures() []models.FileFailure {
	return ectolinq.Map(r.Failures, func(e *etlerrors.LoadError) models.FileFailure {
		return models.FileFailure{File: e.File, Error: e.Cause.Error()}
	})
}

type Loader struct {
	db       database.DB
	tracker  Tracker
	importer Importer
	provider credentials.Provider
	logger   ectologger.Logger
}

func NewLoader(db database.DB, tracker Tracker, importer Importer, provider credentials.Provider, logger ectologger.Logger) *Loader {
	return &Loader{
		db:       db,
		tracker:  tracker,
		importer: importer,
		provider: provider,
		logger:   logger,
	}
}

// LoadDataset lists the dataset's unprocessed files and loads them.
func (l *Loader) LoadDataset(ctx context.Context, domain string, dataset models.Dataset) (*LoadResult, error) {
	files, err := l.tracker.ListUnprocessed(ctx, domain, dataset)
	if err != nil {
		return &LoadResult{Dataset: dataset, StartedAt: time.Now().UTC(), EndedAt: time.Now().UTC()}, err
	}
	return l.Load(ctx, dataset, files)
}

// Load imports files into the dataset's staging table.
func (l *Loader) Load(ctx context.Context, dataset models.Dataset, files []models.SourceFile) (*LoadResult, error) {
	ctx, span := tracing.StartSpan(ctx, "loader.Loader.Load")
	defer span.End()

	result := &LoadResult{Dataset: dataset, StartedAt: time.Now().UTC()}
	defer func() { result.EndedAt = time.Now().UTC() }()

	log := l.logger.WithContext(ctx).WithFields(map[string]any{
		"dataset": dataset,
		"files":   len(files),
	})
	if len(files) == 0 {
		log.Info("No unprocessed files")
		return result, nil
	}

	// credentials are resolved at most once for this stage
	session, err := l.importer.Begin(ctx, credentials.NewStageCache(l.provider))
	if err != nil {
		log.WithError(err).Error("failed to start import session")
		return result, err
	}

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		rows, err := l.loadFile(ctx, session, dataset, file)
		if err != nil {
			var credErr *etlerrors.CredentialError
			if errors.As(err, &credErr) {
				return result, err
			}
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			l.fail(ctx, result, file, err)
			continue
		}

		if err := l.tracker.MarkProcessed(ctx, file); err != nil && !filetracker.IsAlreadyProcessed(err) {
			// rows stay committed; a reload on the next run is absorbed by the merge
			l.fail(ctx, result, file, err)
			continue
		}

		result.Loaded = append(result.Loaded, FileResult{File: file, Rows: rows})
		result.Rows += rows
		metrics.RecordFile(string(dataset), "loaded", rows)
	}

	log.WithFields(map[string]any{
		"loaded":   len(result.Loaded),
		"failed":   len(result.Failures),
		"rows":     result.Rows,
		"degraded": result.Degraded,
	}).Info("Dataset loaded")
	return result, nil
}

func (l *Loader) loadFile(ctx context.Context, session Session, dataset models.Dataset, file models.SourceFile) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "loader.Loader.loadFile")
	defer span.End()

	ctxTx, tx, err := l.db.GetTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctxTx)

	rows, err := session.Import(ctxTx, tx, dataset, file)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctxTx); err != nil {
		return 0, err
	}
	return rows, nil
}

func (l *Loader) fail(ctx context.Context, result *LoadResult, file models.SourceFile, err error) {
	l.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
		"dataset": result.Dataset,
		"file":    file.Key(),
	}).Error("failed to load source file")

	result.Failures = append(result.Failures, &etlerrors.LoadError{Dataset: string(result.Dataset), File: file.Key(), Cause: err})
	result.Degraded = true
	metrics.RecordFile(string(result.Dataset), "failed", 0)
}
