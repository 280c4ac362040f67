package bbmemsnapshot

import (
	"context"
	"sync"

	"github.com/brandur/blackboard/internal/bbsnapshot"
)

// MemorySnapshot keeps the snapshot in process memory. Useful for tests and
// for running a throwaway server that doesn't need to survive restarts.
type MemorySnapshot struct {
	data []byte
	mut  sync.RWMutex
}

func NewMemorySnapshot() *MemorySnapshot {
	return &MemorySnapshot{}
}

func (s *MemorySnapshot) Load(ctx context.Context) ([]byte, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()

	if s.data == nil {
		return nil, bbsnapshot.ErrSnapshotNotFound
	}

	return append([]byte(nil), s.data...), nil
}

func (s *MemorySnapshot) Save(ctx context.Context, data []byte) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	s.data = append([]byte{}, data...)
	return nil
}
