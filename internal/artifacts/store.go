// Package artifacts stores files produced by test executors, such as page
// snapshots, and hands back opaque references to them.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidRef is returned for references that do not point into the store
var ErrInvalidRef = errors.New("invalid artifact reference")

// Store saves and opens artifacts
type Store interface {
	Save(ctx context.Context, runID, name string, data []byte) (string, error)
	Open(ref string) (io.ReadCloser, error)
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileStore keeps artifacts under a root directory, one subdirectory per run
type FileStore struct {
	root string
}

// NewFileStore creates a store rooted at dir
func NewFileStore(dir string) *FileStore {
	return &FileStore{root: dir}
}

// Root returns the store's root directory
func (s *FileStore) Root() string {
	return s.root
}

// Save writes data and returns a reference of the form <runID>/<uuid>-<name>
func (s *FileStore) Save(ctx context.Context, runID, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	run := sanitize(runID)
	if run == "" {
		return "", fmt.Errorf("%w: empty run id", ErrInvalidRef)
	}
	dir := filepath.Join(s.root, run)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating artifact dir: %w", err)
	}

	file := uuid.NewString() + "-" + sanitize(name)
	if err := os.WriteFile(filepath.Join(dir, file), data, 0644); err != nil {
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	return run + "/" + file, nil
}

// Open returns a reader for a reference produced by Save
func (s *FileStore) Open(ref string) (io.ReadCloser, error) {
	path, err := s.Path(ref)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

// Path resolves a reference to a file path inside the store root
func (s *FileStore) Path(ref string) (string, error) {
	parts := strings.Split(ref, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" ||
		sanitize(parts[0]) != parts[0] || sanitize(parts[1]) != parts[1] ||
		parts[0] == ".." || parts[1] == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return filepath.Join(s.root, parts[0], parts[1]), nil
}

func sanitize(s string) string {
	return strings.Trim(unsafeChars.ReplaceAllString(s, "_"), ".")
}
