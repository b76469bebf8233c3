package filetracker_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	etlerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/filetracker"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/objectstore"
	"github.com/Ramsey-B/fern/pkg/objectstore/local"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func seed(t *testing.T, root string, keys ...string) {
	t.Helper()
	for _, key := range keys {
		p := filepath.Join(root, filepath.FromSlash(key))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("1,Sales\n"), 0o644))
	}
}

func TestListUnprocessed(t *testing.T) {
	root := t.TempDir()
	seed(t, root,
		"hr/departments/unprocessed/b.csv",
		"hr/departments/unprocessed/a.CSV",
		"hr/departments/unprocessed/notes.txt",
		"hr/departments/unprocessed/archive/old.csv",
		"hr/departments/processed/c.csv",
	)
	tracker := filetracker.NewTracker(local.New(root), "", testLogger())

	files, err := tracker.ListUnprocessed(context.Background(), "hr", models.DatasetDepartments)
	require.NoError(t, err)

	require.Len(t, files, 2)
	assert.Equal(t, "a.CSV", files[0].Name)
	assert.Equal(t, "b.csv", files[1].Name)
	assert.Equal(t, models.FileStatusUnprocessed, files[0].Status)
}

func TestListUnprocessed_NoneIsEmpty(t *testing.T) {
	tracker := filetracker.NewTracker(local.New(t.TempDir()), ".csv", testLogger())

	files, err := tracker.ListUnprocessed(context.Background(), "hr", models.DatasetJobs)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestMarkProcessed_Idempotent(t *testing.T) {
	root := t.TempDir()
	seed(t, root, "hr/jobs/unprocessed/jobs.csv")
	store := local.New(root)
	tracker := filetracker.NewTracker(store, ".csv", testLogger())
	ctx := context.Background()

	file := models.SourceFile{Domain: "hr", Dataset: models.DatasetJobs, Status: models.FileStatusUnprocessed, Name: "jobs.csv"}
	require.NoError(t, tracker.MarkProcessed(ctx, file))

	_, err := store.Stat(ctx, "hr/jobs/processed/jobs.csv")
	require.NoError(t, err)
	_, err = store.Stat(ctx, "hr/jobs/unprocessed/jobs.csv")
	assert.ErrorIs(t, err, objectstore.ErrNotFound)

	err = tracker.MarkProcessed(ctx, file)
	assert.True(t, filetracker.IsAlreadyProcessed(err))

	files, err := tracker.ListUnprocessed(ctx, "hr", models.DatasetJobs)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestMarkProcessed_MissingEverywhere(t *testing.T) {
	tracker := filetracker.NewTracker(local.New(t.TempDir()), ".csv", testLogger())
	file := models.SourceFile{Domain: "hr", Dataset: models.DatasetJobs, Name: "ghost.csv"}

	err := tracker.MarkProcessed(context.Background(), file)
	var moveErr *etlerrors.FileMoveError
	require.ErrorAs(t, err, &moveErr)
	assert.False(t, filetracker.IsAlreadyProcessed(err))
}

// shortCopyStore truncates copies so verification fails.
type shortCopyStore struct {
	*local.Store
	root string
}

func (s shortCopyStore) Copy(ctx context.Context, src, dst string) error {
	p := filepath.Join(s.root, filepath.FromSlash(dst))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, []byte("1"), 0o644)
}

func TestMarkProcessed_VerifiesCopy(t *testing.T) {
	root := t.TempDir()
	seed(t, root, "hr/jobs/unprocessed/jobs.csv")
	store := shortCopyStore{Store: local.New(root), root: root}
	tracker := filetracker.NewTracker(store, ".csv", testLogger())

	file := models.SourceFile{Domain: "hr", Dataset: models.DatasetJobs, Name: "jobs.csv"}
	err := tracker.MarkProcessed(context.Background(), file)
	require.Error(t, err)
	assert.True(t, errors.Is(err, filetracker.ErrCopyMismatch))

	// the source stays in place so the next run retries it
	_, err = store.Stat(context.Background(), "hr/jobs/unprocessed/jobs.csv")
	assert.NoError(t, err)
}

type failingListStore struct {
	objectstore.Store
}

func (failingListStore) List(context.Context, string) ([]objectstore.Object, error) {
	return nil, io.ErrUnexpectedEOF
}

func TestListUnprocessed_TransientError(t *testing.T) {
	tracker := filetracker.NewTracker(failingListStore{}, ".csv", testLogger())

	_, err := tracker.ListUnprocessed(context.Background(), "hr", models.DatasetJobs)
	var transient *etlerrors.TransientIOError
	require.ErrorAs(t, err, &transient)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
