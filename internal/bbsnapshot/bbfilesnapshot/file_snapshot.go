// Package bbfilesnapshot implements bbsnapshot's `Backend` interface as a
// single file on the local filesystem.
package bbfilesnapshot

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"

	"github.com/brandur/blackboard/internal/bbsnapshot"
)

type FileSnapshot struct {
	path string
}

func NewFileSnapshot(path string) *FileSnapshot {
	return &FileSnapshot{path: path}
}

func (s *FileSnapshot) Load(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, bbsnapshot.ErrSnapshotNotFound
		}

		return nil, xerrors.Errorf("error reading %q: %w", s.path, err)
	}

	return data, nil
}

// Save writes to a temporary file in the same directory and renames it into
// place so that a crash mid-write never leaves a truncated snapshot behind.
func (s *FileSnapshot) Save(ctx context.Context, data []byte) error {
	dir, base := filepath.Split(s.path)
	if dir == "" {
		dir = "."
	}

	tmp, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return xerrors.Errorf("error creating temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return xerrors.Errorf("error writing temporary file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return xerrors.Errorf("error syncing temporary file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return xerrors.Errorf("error closing temporary file: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return xerrors.Errorf("error renaming snapshot into place: %w", err)
	}

	return nil
}
