// Package filetracker records which source files have been loaded by moving
// them between the unprocessed and processed folders of the object store.
// The folder is the only state, so listing is restartable and never needs a cursor.
package filetracker

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/Gobusters/ectologger"

	etlerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/objectstore"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ErrAlreadyProcessed is returned when a file has already reached the target folder.
var ErrAlreadyProcessed = errors.New("file already processed")

// ErrCopyMismatch means the destination object did not match the source after a copy.
var ErrCopyMismatch = errors.New("copied object does not match source")

func IsAlreadyProcessed(err error) bool {
	return errors.Is(err, ErrAlreadyProcessed)
}

type Tracker struct {
	store     objectstore.Store
	extension string
	logger    ectologger.Logger
}

// NewTracker tracks files ending in extension, ".csv" when empty.
func NewTracker(store objectstore.Store, extension string, logger ectologger.Logger) *Tracker {
	if extension == "" {
		extension = ".csv"
	}
	return &Tracker{store: store, extension: extension, logger: logger}
}

// ListUnprocessed returns the dataset's pending files sorted by key.
func (t *Tracker) ListUnprocessed(ctx context.Context, domain string, dataset models.Dataset) ([]models.SourceFile, error) {
	return t.List(ctx, domain, dataset, models.FileStatusUnprocessed)
}

func (t *Tracker) List(ctx context.Context, domain string, dataset models.Dataset, status models.FileStatus) ([]models.SourceFile, error) {
	ctx, span := tracing.StartSpan(ctx, "filetracker.Tracker.List")
	defer span.End()

	prefix := models.StatusPrefix(domain, dataset, status)
	objects, err := t.store.List(ctx, prefix)
	if err != nil {
		t.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"prefix": prefix,
		}).Error("failed to list source files")
		return nil, &etlerrors.TransientIOError{Op: "list " + prefix, Cause: err}
	}

	files := make([]models.SourceFile, 0, len(objects))
	for _, obj := range objects {
		name := strings.TrimPrefix(obj.Key, prefix)
		// nested folders are not part of the layout
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		if !strings.EqualFold(path.Ext(name), t.extension) {
			continue
		}
		files = append(files, models.SourceFile{
			Domain:  domain,
			Dataset: dataset,
			Status:  status,
			Name:    name,
			Size:    obj.Size,
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	t.logger.WithContext(ctx).WithFields(map[string]any{
		"prefix": prefix,
		"count":  len(files),
	}).Debug("Listed source files")
	return files, nil
}

// MarkProcessed moves file from unprocessed to processed.
func (t *Tracker) MarkProcessed(ctx context.Context, file models.SourceFile) error {
	return t.Transition(ctx, file.WithStatus(models.FileStatusUnprocessed), models.FileStatusProcessed)
}

// Transition copies file to the to folder, verifies the copy, then deletes the
// original. A file already sitting at the destination yields ErrAlreadyProcessed.
func (t *Tracker) Transition(ctx context.Context, file models.SourceFile, to models.FileStatus) error {
	ctx, span := tracing.StartSpan(ctx, "filetracker.Tracker.Transition")
	defer span.End()

	srcKey := file.Key()
	dstKey := file.WithStatus(to).Key()
	log := t.logger.WithContext(ctx).WithFields(map[string]any{
		"source":      srcKey,
		"destination": dstKey,
	})

	src, err := t.store.Stat(ctx, srcKey)
	if errors.Is(err, objectstore.ErrNotFound) {
		if _, dstErr := t.store.Stat(ctx, dstKey); dstErr == nil {
			log.Debug("File already transitioned")
			return ErrAlreadyProcessed
		}
		return &etlerrors.FileMoveError{File: srcKey, Cause: err}
	}
	if err != nil {
		return &etlerrors.FileMoveError{File: srcKey, Cause: err}
	}

	if err := t.store.Copy(ctx, srcKey, dstKey); err != nil {
		log.WithError(err).Error("failed to copy source file")
		return &etlerrors.FileMoveError{File: srcKey, Cause: err}
	}

	dst, err := t.store.Stat(ctx, dstKey)
	if err != nil {
		return &etlerrors.FileMoveError{File: srcKey, Cause: err}
	}
	if dst.Size != src.Size {
		log.WithFields(map[string]any{
			"source_size":      src.Size,
			"destination_size": dst.Size,
		}).Error("copied file size mismatch")
		return &etlerrors.FileMoveError{File: srcKey, Cause: fmt.Errorf("%w: %d != %d bytes", ErrCopyMismatch, dst.Size, src.Size)}
	}

	if err := t.store.Delete(ctx, srcKey); err != nil {
		log.WithError(err).Error("failed to delete source file after copy")
		return &etlerrors.FileMoveError{File: srcKey, Cause: err}
	}

	log.Info("Marked source file")
	return nil
}
