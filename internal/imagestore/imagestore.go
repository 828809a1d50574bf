// Package imagestore keeps generated images on local disk, optionally
// mirroring each one to object storage.
package imagestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/dukerupert/virtualtours/internal/objectstore"
)

var ErrNotPNG = errors.New("imagestore: data is not a PNG image")

type Store struct {
	root   string
	mirror *objectstore.Bucket
	logger *slog.Logger
}

// New returns a store rooted at dataDir. mirror may be nil.
func New(dataDir string, mirror *objectstore.Bucket, logger *slog.Logger) *Store {
	return &Store{root: dataDir, mirror: mirror, logger: logger}
}

func (s *Store) Root() string {
	return s.root
}

// Allocate creates a new, empty folder for one generation and returns its path.
func (s *Store) Allocate(_ context.Context) (string, error) {
	dir := filepath.Join(s.root, "gens", uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create folder: %w", err)
	}
	return dir, nil
}

// Discard removes a folder returned by Allocate that was never used.
func (s *Store) Discard(folder string) error {
	if rel, err := filepath.Rel(s.root, folder); err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("folder %q is outside %q", folder, s.root)
	}
	return os.RemoveAll(folder)
}

// Write stores a PNG at path, replacing the file atomically so readers never
// observe a partial image.
func (s *Store) Write(ctx context.Context, path string, data []byte) error {
	if _, err := png.DecodeConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: %v", ErrNotPNG, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create folder: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*.png")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close image: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename image: %w", err)
	}

	if s.mirror != nil {
		key := s.objectKey(path)
		if err := s.mirror.Put(ctx, key, data, "image/png"); err != nil {
			s.logger.Warn("image mirror failed", "key", key, "error", err)
		}
	}
	return nil
}

// Exists reports whether a regular file is present at path.
func (s *Store) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Open opens the regular file at path for reading. Paths outside the root
// and directories are reported as fs.ErrNotExist.
func (s *Store) Open(path string) (*os.File, os.FileInfo, error) {
	if rel, err := filepath.Rel(s.root, path); err != nil || strings.HasPrefix(rel, "..") {
		return nil, nil, fmt.Errorf("open %q: %w", path, fs.ErrNotExist)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, fmt.Errorf("open %q: %w", path, fs.ErrNotExist)
	}
	return f, info, nil
}

func (s *Store) objectKey(path string) string {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(path)
	}
	return filepath.ToSlash(rel)
}
