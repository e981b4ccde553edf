// Package artifact stages downloaded datasource and workbook files between
// the download and publish steps of a migration.
package artifact

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/BadgerOps/bimigrate/internal/safety"
)

// Store is a staging area rooted at one directory. Each task writes into its
// own subdirectory.
type Store struct {
	root   string
	logger *slog.Logger
}

// New creates the staging root if needed.
func New(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if root == "" {
		return nil, fmt.Errorf("staging root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving staging root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("creating staging root: %w", err)
	}
	return &Store{root: abs, logger: logger}, nil
}

// Root returns the absolute staging root.
func (s *Store) Root() string { return s.root }

// TaskDir returns the staging directory for taskID without creating it.
func (s *Store) TaskDir(taskID string) (string, error) {
	if taskID == "" || strings.ContainsAny(taskID, `/\`) {
		return "", fmt.Errorf("invalid task id %q", taskID)
	}
	return safety.SafeJoinUnder(s.root, taskID)
}

// Save writes data under the task directory and returns the file path. The
// filename is reduced to its base name first.
func (s *Store) Save(taskID, filename string, data []byte) (string, error) {
	dir, err := s.TaskDir(taskID)
	if err != nil {
		return "", err
	}
	name := safety.SanitizeFilename(filename, "")
	if name == "" {
		return "", fmt.Errorf("invalid artifact filename %q", filename)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating task staging dir: %w", err)
	}

	path := filepath.Join(dir, name)
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return "", fmt.Errorf("writing %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("finalizing %s: %w", name, err)
	}

	s.logger.Debug("artifact staged", "task", taskID, "path", path, "size", humanize.Bytes(uint64(len(data))))
	return path, nil
}

// Open opens a staged file for reading. Paths outside the staging root
// are rejected.
func (s *Store) Open(path string) (*os.File, error) {
	resolved, err := safety.EnsureUnderRoot(s.root, path)
	if err != nil {
		return nil, err
	}
	return os.Open(resolved)
}

// Files lists the staged files of a task in name order.
func (s *Store) Files(taskID string) ([]string, error) {
	dir, err := s.TaskDir(taskID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing staged artifacts: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".part") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// Cleanup removes the task's staging directory.
func (s *Store) Cleanup(taskID string) error {
	dir, err := s.TaskDir(taskID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing staging dir for %s: %w", taskID, err)
	}
	s.logger.Debug("staging cleaned up", "task", taskID)
	return nil
}
