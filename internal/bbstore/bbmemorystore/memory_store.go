package bbmemorystore

import (
	"context"
	"reflect"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/semaphore"

	"github.com/brandur/blackboard/internal/bbstore"
)

// MemoryStore is a BoardRegistry held in memory. All operations, reads
// included, are serialized behind a single-slot semaphore so that a waiter can
// give up after lockTimeout instead of blocking indefinitely. Every successful
// mutation hands the full registry to the persister before the lock is
// released.
type MemoryStore struct {
	boards      map[string]*bbstore.Board
	lock        *semaphore.Weighted
	lockTimeout time.Duration
	logger      *logrus.Logger
	name        string
	persister   bbstore.Persister
	timeNow     func() time.Time
}

// NewMemoryStore initializes an empty store. persister may be nil, in which
// case nothing is persisted.
func NewMemoryStore(logger *logrus.Logger, persister bbstore.Persister, lockTimeout time.Duration) *MemoryStore {
	if lockTimeout <= 0 {
		lockTimeout = bbstore.DefaultLockTimeout
	}

	return &MemoryStore{
		boards:      make(map[string]*bbstore.Board),
		lock:        semaphore.NewWeighted(1),
		lockTimeout: lockTimeout,
		logger:      logger,
		name:        reflect.TypeOf(MemoryStore{}).Name(),
		persister:   persister,
		timeNow:     time.Now,
	}
}

// SetTimeNow injects a clock, for testing.
func (s *MemoryStore) SetTimeNow(timeNow func() time.Time) {
	s.timeNow = timeNow
}

func (s *MemoryStore) Create(ctx context.Context, name string, validity bbstore.Validity) error {
	if !validity.Valid() {
		return bbstore.ErrInvalidParameter
	}

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.lock.Release(1)

	if _, ok := s.boards[name]; ok {
		return bbstore.ErrAlreadyExists
	}

	s.boards[name] = &bbstore.Board{
		Name:          name,
		Validity:      validity,
		LastWriteTime: s.now(),
	}
	s.persist()

	s.logger.Debugf(s.name+": Created board %q with validity %v", name, validity)
	return nil
}

func (s *MemoryStore) Write(ctx context.Context, name, payload string) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.lock.Release(1)

	board, ok := s.boards[name]
	if !ok {
		return bbstore.ErrNotFound
	}

	board.Payload = payload
	board.LastWriteTime = s.now()
	s.persist()

	return nil
}

// Clear empties a board's payload. The last write time is left alone, so the
// validity window keeps counting from the last real write.
func (s *MemoryStore) Clear(ctx context.Context, name string) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.lock.Release(1)

	board, ok := s.boards[name]
	if !ok {
		return bbstore.ErrNotFound
	}

	board.Payload = ""
	s.persist()

	return nil
}

func (s *MemoryStore) Read(ctx context.Context, name string) (*bbstore.ReadResult, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.lock.Release(1)

	board, ok := s.boards[name]
	if !ok {
		return nil, bbstore.ErrNotFound
	}

	kind := board.Kind(s.timeNow())
	return &bbstore.ReadResult{
		Kind:    kind,
		Payload: board.Payload,
		Valid:   kind == bbstore.ReadKindValid,
	}, nil
}

func (s *MemoryStore) Status(ctx context.Context, name string) (*bbstore.StatusResult, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.lock.Release(1)

	board, ok := s.boards[name]
	if !ok {
		return nil, bbstore.ErrNotFound
	}

	return &bbstore.StatusResult{
		Empty:         board.IsEmpty(),
		LastWriteTime: board.LastWriteTime,
		Valid:         bbstore.IsValid(board, s.timeNow()) && !board.IsEmpty(),
	}, nil
}

// List returns the names of all boards, sorted.
func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.lock.Release(1)

	names := maps.Keys(s.boards)
	slices.Sort(names)
	return names, nil
}

func (s *MemoryStore) Delete(ctx context.Context, name string) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.lock.Release(1)

	if _, ok := s.boards[name]; !ok {
		return bbstore.ErrNotFound
	}

	delete(s.boards, name)
	s.persist()

	s.logger.Debugf(s.name+": Deleted board %q", name)
	return nil
}

func (s *MemoryStore) DeleteAll(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.lock.Release(1)

	numDeleted := len(s.boards)
	s.boards = make(map[string]*bbstore.Board)
	s.persist()

	s.logger.Debugf(s.name+": Deleted all %d board(s)", numDeleted)
	return nil
}

// Restore replaces the store's contents with whatever the persister last
// saved. Meant to be called once at startup.
func (s *MemoryStore) Restore(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.lock.Release(1)

	boards := s.persister.Restore(ctx)
	if boards == nil {
		boards = make(map[string]*bbstore.Board)
	}
	s.boards = boards

	s.logger.WithFields(logrus.Fields{
		"num_boards": len(boards),
	}).Infof(s.name+": Restored %d board(s)", len(boards))

	return nil
}

// acquire waits up to lockTimeout for the registry lock. Once acquired, an
// operation runs to completion regardless of what happens to ctx.
func (s *MemoryStore) acquire(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	if err := s.lock.Acquire(ctx, 1); err != nil {
		s.logger.Warnf(s.name+": Gave up waiting for lock after %v: %v", s.lockTimeout, err)
		return bbstore.ErrBusy
	}

	return nil
}

// Must be called with the lock held. Runs on a context detached from the
// caller's: the in-memory mutation has already happened, and the snapshot has
// to follow it even if the request was canceled.
func (s *MemoryStore) persist() {
	if s.persister == nil {
		return
	}

	s.persister.Persist(context.Background(), s.boards)
}

// Snapshot times are stored with microsecond precision, so truncate here to
// guarantee they round trip exactly.
func (s *MemoryStore) now() time.Time {
	return s.timeNow().Truncate(time.Microsecond).UTC()
}
