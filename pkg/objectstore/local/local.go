// Package local serves source files from a directory tree. Keys map onto
// slash-separated paths below the root.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Ramsey-B/fern/pkg/objectstore"
)

type Store struct {
	root string
}

func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) Location() string {
	return s.root
}

func (s *Store) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *Store) List(ctx context.Context, prefix string) ([]objectstore.Object, error) {
	// walk the deepest directory fully covered by the prefix
	dir := ""
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dir = prefix[:i]
	}

	var objects []objectstore.Object
	err := filepath.WalkDir(s.path(dir), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, objectstore.Object{Key: key, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (s *Store) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		return nil, translate(err)
	}
	return f, nil
}

func (s *Store) Stat(_ context.Context, key string) (*objectstore.Object, error) {
	info, err := os.Stat(s.path(key))
	if err != nil {
		return nil, translate(err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", objectstore.ErrNotFound, key)
	}
	return &objectstore.Object{Key: key, Size: info.Size(), LastModified: info.ModTime()}, nil
}

// Copy writes through a temp file so a reader never sees a partial destination.
func (s *Store) Copy(_ context.Context, srcKey, dstKey string) error {
	src, err := os.Open(s.path(srcKey))
	if err != nil {
		return translate(err)
	}
	defer src.Close()

	dst := s.path(dstKey)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".copy-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func (s *Store) Delete(_ context.Context, key string) error {
	return translate(os.Remove(s.path(key)))
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", objectstore.ErrNotFound, err)
	}
	return err
}
