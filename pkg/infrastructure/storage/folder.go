// Package storage implements the activity-folder filesystem boundary on
// top of go-billy, so the orchestrator can run against an in-memory
// filesystem in tests.
package storage

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	shared "github.com/ripixel/strava-bulk-importer/pkg"
)

// FolderStore provides scan/read/move/delete operations over one activity
// folder. All names are relative to the folder root.
type FolderStore struct {
	fs billy.Filesystem
}

// NewFolderStore opens the given directory on the OS filesystem.
func NewFolderStore(dir string) *FolderStore {
	return &FolderStore{fs: osfs.New(dir)}
}

// NewFolderStoreFS wraps an existing billy filesystem (memfs in tests).
func NewFolderStoreFS(fsys billy.Filesystem) *FolderStore {
	return &FolderStore{fs: fsys}
}

// EnsureLayout creates the special subfolders.
func (s *FolderStore) EnsureLayout() error {
	for _, dir := range []string{shared.JunkDir, shared.FailedDir, shared.ProcessingDir} {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Scan returns the candidate activity files in the folder root, sorted by
// name. The extension match is case-insensitive; the special subfolders
// are directories and fall out of the listing naturally.
func (s *FolderStore) Scan() ([]string, error) {
	entries, err := s.fs.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("scan activity folder: %w", err)
	}

	var names []string
	for _, fi := range entries {
		if fi.IsDir() {
			continue
		}
		if !strings.EqualFold(path.Ext(fi.Name()), shared.ActivityFileExt) {
			continue
		}
		names = append(names, fi.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *FolderStore) Read(name string) ([]byte, error) {
	data, err := util.ReadFile(s.fs, name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// Remove deletes a file. A file that is already gone is not an error; the
// system or a previous run may have taken it.
func (s *FolderStore) Remove(name string) error {
	err := s.fs.Remove(name)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

func (s *FolderStore) MoveToFailed(name string) error {
	return s.moveTo(shared.FailedDir, name)
}

func (s *FolderStore) MoveToJunk(name string) error {
	return s.moveTo(shared.JunkDir, name)
}

func (s *FolderStore) moveTo(dir, name string) error {
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	err := s.fs.Rename(name, path.Join(dir, name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("move %s to %s: %w", name, dir, err)
	}
	return nil
}

// WriteFile is a test and tooling helper for seeding folders.
func (s *FolderStore) WriteFile(name string, data []byte) error {
	return util.WriteFile(s.fs, name, data, 0o644)
}

// Exists reports whether a file is present at the given relative path.
func (s *FolderStore) Exists(name string) (bool, error) {
	_, err := s.fs.Stat(name)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, fmt.Errorf("stat %s: %w", name, err)
	}
}
