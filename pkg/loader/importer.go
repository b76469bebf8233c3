package loader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/credentials"
	"github.com/Ramsey-B/fern/pkg/database"
	etlerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/objectstore"
)

// Importer performs the engine-native bulk import of one file into staging.
// Begin is called once per stage and returns the session used for that stage's files.
type Importer interface {
	Begin(ctx context.Context, creds *credentials.StageCache) (Session, error)
}

type Session interface {
	// Import loads file into the dataset's staging table inside tx and returns the rows written.
	Import(ctx context.Context, tx database.Tx, dataset models.Dataset, file models.SourceFile) (int64, error)
}

// CopyImporter streams the object through COPY FROM STDIN.
type CopyImporter struct {
	store  objectstore.Store
	header bool
}

func NewCopyImporter(store objectstore.Store, header bool) *CopyImporter {
	return &CopyImporter{store: store, header: header}
}

func (i *CopyImporter) Begin(context.Context, *credentials.StageCache) (Session, error) {
	return i, nil
}

func (i *CopyImporter) Import(ctx context.Context, tx database.Tx, dataset models.Dataset, file models.SourceFile) (int64, error) {
	body, err := i.store.Open(ctx, file.Key())
	if err != nil {
		return 0, err
	}
	defer body.Close()

	columns := dataset.StagingColumns()
	reader := csv.NewReader(body)
	reader.FieldsPerRecord = len(columns)
	reader.ReuseRecord = true

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(dataset.StagingTable(), columns...))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare copy: %w", err)
	}
	defer stmt.Close()

	var rows int64
	line := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read csv: %w", err)
		}
		line++
		if line == 1 && i.header {
			continue
		}

		args := make([]any, len(record))
		for n, value := range record {
			value = strings.TrimSpace(value)
			if value == "" {
				args[n] = nil
				continue
			}
			args[n] = value
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("failed to copy row %d: %w", line, err)
		}
		rows++
	}

	// the final exec flushes the buffered rows
	if _, err := stmt.ExecContext(ctx); err != nil {
		return 0, fmt.Errorf("failed to flush copy: %w", err)
	}
	return rows, nil
}

// S3TableImporter uses the aws_s3 extension so the engine pulls the object itself.
type S3TableImporter struct {
	bucket   string
	region   string
	secretID string
	mapping  credentials.FieldMapping
	header   bool
}

func NewS3TableImporter(bucket, region, secretID string, mapping credentials.FieldMapping, header bool) *S3TableImporter {
	return &S3TableImporter{bucket: bucket, region: region, secretID: secretID, mapping: mapping, header: header}
}

func (i *S3TableImporter) Begin(ctx context.Context, cache *credentials.StageCache) (Session, error) {
	secret, err := cache.Resolve(ctx, i.secretID)
	if err != nil {
		return nil, err
	}
	creds, err := credentials.ImportFromSecret(secret, i.mapping)
	if err != nil {
		return nil, &etlerrors.CredentialError{SecretID: i.secretID, Cause: err}
	}
	return &s3TableSession{importer: i, creds: creds}, nil
}

type s3TableSession struct {
	importer *S3TableImporter
	creds    *credentials.ImportCredentials
}

func (s *s3TableSession) Import(ctx context.Context, tx database.Tx, dataset models.Dataset, file models.SourceFile) (int64, error) {
	options := "(format csv, header false)"
	if s.importer.header {
		options = "(format csv, header true)"
	}

	var result string
	err := tx.QueryRowxContext(ctx,
		`SELECT aws_s3.table_import_from_s3($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		dataset.StagingTable(),
		strings.Join(dataset.StagingColumns(), ","),
		options,
		s.importer.bucket,
		file.Key(),
		s.importer.region,
		s.creds.AccessKeyID,
		s.creds.SecretAccessKey,
		s.creds.SessionToken,
	).Scan(&result)
	if err != nil {
		return 0, err
	}
	return parseImportResult(result), nil
}

// parseImportResult reads the row count out of "N rows imported into relation ...".
func parseImportResult(result string) int64 {
	var rows int64
	if _, err := fmt.Sscanf(result, "%d rows", &rows); err != nil {
		return 0
	}
	return rows
}
