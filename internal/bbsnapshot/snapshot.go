// Package bbsnapshot serializes the board registry to durable storage after
// each mutation and restores it at startup. Storage itself is abstracted
// behind Backend, with implementations for the local filesystem, memory, GCP
// storage, and Redis in subpackages.
package bbsnapshot

import (
	"context"
	"errors"
	"reflect"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/brandur/blackboard/internal/bbstore"
)

var ErrSnapshotNotFound = errors.New("snapshot not found")

// Backend stores a single opaque snapshot blob. Load returns
// ErrSnapshotNotFound if nothing has been saved yet.
type Backend interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// Synchronizer implements bbstore.Persister on top of a Backend. It never
// returns errors to the registry: failures are logged and the service keeps
// running from memory, with the next successful mutation overwriting whatever
// is in storage.
type Synchronizer struct {
	backend Backend
	logger  *logrus.Logger
	name    string
}

func NewSynchronizer(logger *logrus.Logger, backend Backend) *Synchronizer {
	return &Synchronizer{
		backend: backend,
		logger:  logger,
		name:    reflect.TypeOf(Synchronizer{}).Name(),
	}
}

func (s *Synchronizer) Persist(ctx context.Context, boards map[string]*bbstore.Board) {
	if err := s.save(ctx, boards); err != nil {
		s.logger.Errorf(s.name+": Error saving boards: %v", err)
		return
	}

	s.logger.Debugf(s.name+": Saved %d board(s)", len(boards))
}

// Restore loads the last snapshot. If there isn't one, a fresh empty snapshot
// is written. If the stored snapshot can't be read or decoded it's left in
// place (to be overwritten by the next mutation) and an empty registry is
// returned.
func (s *Synchronizer) Restore(ctx context.Context) map[string]*bbstore.Board {
	data, err := s.backend.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrSnapshotNotFound) {
			s.logger.Warnf(s.name + ": Found no existing snapshot; creating a new one")
			boards := make(map[string]*bbstore.Board)
			s.Persist(ctx, boards)
			return boards
		}

		s.logger.Warnf(s.name+": Error loading snapshot; starting empty: %v", err)
		return make(map[string]*bbstore.Board)
	}

	boards, err := Decode(data)
	if err != nil {
		s.logger.Warnf(s.name+": Error decoding snapshot; starting empty: %v", err)
		return make(map[string]*bbstore.Board)
	}

	s.logger.Infof(s.name+": Successfully read %d board(s)", len(boards))
	return boards
}

func (s *Synchronizer) save(ctx context.Context, boards map[string]*bbstore.Board) error {
	data, err := Encode(boards)
	if err != nil {
		return err
	}

	if err := s.backend.Save(ctx, data); err != nil {
		return xerrors.Errorf("error writing snapshot: %w", err)
	}

	return nil
}
