package bbmemorystore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/brandur/blackboard/internal/bbstore"
)

var logger = logrus.New()

var stableTime = time.Date(2022, 11, 9, 10, 11, 12, 0, time.UTC)

// Records every snapshot handed to it, copying boards so that later mutations
// don't bleed into earlier records.
type recordingPersister struct {
	mut       sync.Mutex
	restore   map[string]*bbstore.Board
	snapshots []map[string]bbstore.Board
}

func (p *recordingPersister) Persist(ctx context.Context, boards map[string]*bbstore.Board) {
	p.mut.Lock()
	defer p.mut.Unlock()

	snapshot := make(map[string]bbstore.Board, len(boards))
	for name, board := range boards {
		snapshot[name] = *board
	}
	p.snapshots = append(p.snapshots, snapshot)
}

func (p *recordingPersister) Restore(ctx context.Context) map[string]*bbstore.Board {
	return p.restore
}

func (p *recordingPersister) last() map[string]bbstore.Board {
	p.mut.Lock()
	defer p.mut.Unlock()
	return p.snapshots[len(p.snapshots)-1]
}

func (p *recordingPersister) numSnapshots() int {
	p.mut.Lock()
	defer p.mut.Unlock()
	return len(p.snapshots)
}

func TestMemoryStore(t *testing.T) {
	var (
		ctx       context.Context
		persister *recordingPersister
		store     *MemoryStore
	)

	setup := func(test func(*testing.T)) func(*testing.T) {
		return func(t *testing.T) {
			t.Helper()

			ctx = context.Background()
			persister = &recordingPersister{}
			store = NewMemoryStore(logger, persister, 50*time.Millisecond)
			store.SetTimeNow(func() time.Time { return stableTime })

			test(t)
		}
	}

	validity := func(d time.Duration) bbstore.Validity { return bbstore.Validity(d) }

	t.Run("CreateAndList", setup(func(t *testing.T) {
		require.NoError(t, store.Create(ctx, "B", validity(time.Second)))
		require.NoError(t, store.Create(ctx, "A", validity(time.Second)))

		names, err := store.List(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"A", "B"}, names)

		require.Equal(t, 2, persister.numSnapshots())
		require.Equal(t, bbstore.Board{
			Name:          "A",
			Validity:      validity(time.Second),
			LastWriteTime: stableTime,
		}, persister.last()["A"])
	}))

	t.Run("CreateAlreadyExists", setup(func(t *testing.T) {
		require.NoError(t, store.Create(ctx, "A", validity(time.Second)))

		store.SetTimeNow(func() time.Time { return stableTime.Add(time.Minute) })
		err := store.Create(ctx, "A", validity(time.Second))
		require.ErrorIs(t, err, bbstore.ErrAlreadyExists)

		// Original timestamp is untouched and nothing more was persisted.
		status, err := store.Status(ctx, "A")
		require.NoError(t, err)
		require.Equal(t, stableTime, status.LastWriteTime)
		require.Equal(t, 1, persister.numSnapshots())

		names, err := store.List(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"A"}, names)
	}))

	t.Run("CreateInvalidValidity", setup(func(t *testing.T) {
		err := store.Create(ctx, "A", validity(0))
		require.ErrorIs(t, err, bbstore.ErrInvalidParameter)

		err = store.Create(ctx, "A", validity(-time.Second))
		require.ErrorIs(t, err, bbstore.ErrInvalidParameter)

		require.Equal(t, 0, persister.numSnapshots())
	}))

	t.Run("NeverWrittenIsEmpty", setup(func(t *testing.T) {
		require.NoError(t, store.Create(ctx, "A", validity(time.Second)))

		for _, elapsed := range []time.Duration{0, time.Second, 24 * time.Hour} {
			store.SetTimeNow(func() time.Time { return stableTime.Add(elapsed) })

			res, err := store.Read(ctx, "A")
			require.NoError(t, err)
			require.Equal(t, &bbstore.ReadResult{Kind: bbstore.ReadKindEmpty}, res)
		}
	}))

	t.Run("WriteThenExpire", setup(func(t *testing.T) {
		require.NoError(t, store.Create(ctx, "B", validity(time.Second)))
		require.NoError(t, store.Write(ctx, "B", "x"))

		res, err := store.Read(ctx, "B")
		require.NoError(t, err)
		require.Equal(t, &bbstore.ReadResult{Kind: bbstore.ReadKindValid, Payload: "x", Valid: true}, res)

		store.SetTimeNow(func() time.Time { return stableTime.Add(1100 * time.Millisecond) })

		res, err = store.Read(ctx, "B")
		require.NoError(t, err)
		require.Equal(t, &bbstore.ReadResult{Kind: bbstore.ReadKindInvalid, Payload: "x", Valid: false}, res)

		require.Equal(t, "x", persister.last()["B"].Payload)
	}))

	t.Run("WriteRefreshesTimestamp", setup(func(t *testing.T) {
		require.NoError(t, store.Create(ctx, "B", validity(time.Second)))

		later := stableTime.Add(10 * time.Second)
		store.SetTimeNow(func() time.Time { return later })
		require.NoError(t, store.Write(ctx, "B", "x"))

		status, err := store.Status(ctx, "B")
		require.NoError(t, err)
		require.Equal(t, &bbstore.StatusResult{Empty: false, LastWriteTime: later, Valid: true}, status)
	}))

	t.Run("InfiniteNeverExpires", setup(func(t *testing.T) {
		require.NoError(t, store.Create(ctx, "C", bbstore.ValidityInfinite))
		require.NoError(t, store.Write(ctx, "C", "x"))

		store.SetTimeNow(func() time.Time { return stableTime.Add(100 * 365 * 24 * time.Hour) })

		res, err := store.Read(ctx, "C")
		require.NoError(t, err)
		require.Equal(t, bbstore.ReadKindValid, res.Kind)
		require.True(t, res.Valid)
	}))

	t.Run("ClearKeepsTimestamp", setup(func(t *testing.T) {
		require.NoError(t, store.Create(ctx, "B", validity(time.Minute)))
		require.NoError(t, store.Write(ctx, "B", "x"))

		store.SetTimeNow(func() time.Time { return stableTime.Add(30 * time.Second) })
		require.NoError(t, store.Clear(ctx, "B"))

		status, err := store.Status(ctx, "B")
		require.NoError(t, err)
		require.Equal(t, &bbstore.StatusResult{Empty: true, LastWriteTime: stableTime, Valid: false}, status)

		res, err := store.Read(ctx, "B")
		require.NoError(t, err)
		require.Equal(t, bbstore.ReadKindEmpty, res.Kind)

		require.Equal(t, "", persister.last()["B"].Payload)
	}))

	t.Run("StatusStale", setup(func(t *testing.T) {
		require.NoError(t, store.Create(ctx, "B", validity(time.Second)))
		require.NoError(t, store.Write(ctx, "B", "x"))

		store.SetTimeNow(func() time.Time { return stableTime.Add(time.Hour) })

		status, err := store.Status(ctx, "B")
		require.NoError(t, err)
		require.Equal(t, &bbstore.StatusResult{Empty: false, LastWriteTime: stableTime, Valid: false}, status)
	}))

	t.Run("NotFound", setup(func(t *testing.T) {
		require.ErrorIs(t, store.Write(ctx, "X", "x"), bbstore.ErrNotFound)
		require.ErrorIs(t, store.Clear(ctx, "X"), bbstore.ErrNotFound)
		require.ErrorIs(t, store.Delete(ctx, "X"), bbstore.ErrNotFound)

		_, err := store.Read(ctx, "X")
		require.ErrorIs(t, err, bbstore.ErrNotFound)

		_, err = store.Status(ctx, "X")
		require.ErrorIs(t, err, bbstore.ErrNotFound)

		require.Equal(t, 0, persister.numSnapshots())
	}))

	t.Run("CreateDeleteRead", setup(func(t *testing.T) {
		require.NoError(t, store.Create(ctx, "T", validity(2*time.Second)))
		require.NoError(t, store.Delete(ctx, "T"))

		_, err := store.Read(ctx, "T")
		require.ErrorIs(t, err, bbstore.ErrNotFound)
		require.Empty(t, persister.last())
	}))

	t.Run("DeleteAll", setup(func(t *testing.T) {
		require.NoError(t, store.Create(ctx, "A", validity(time.Second)))
		require.NoError(t, store.Create(ctx, "B", validity(time.Second)))
		require.NoError(t, store.DeleteAll(ctx))

		names, err := store.List(ctx)
		require.NoError(t, err)
		require.Empty(t, names)
		require.Equal(t, map[string]bbstore.Board{}, persister.last())

		// Succeeds on an already empty registry too.
		require.NoError(t, store.DeleteAll(ctx))
	}))

	t.Run("Busy", setup(func(t *testing.T) {
		require.NoError(t, store.Create(ctx, "A", validity(time.Second)))
		numSnapshots := persister.numSnapshots()

		// Hold the lock as if another operation were stuck in it.
		require.NoError(t, store.lock.Acquire(ctx, 1))

		require.ErrorIs(t, store.Create(ctx, "B", validity(time.Second)), bbstore.ErrBusy)
		require.ErrorIs(t, store.Write(ctx, "A", "x"), bbstore.ErrBusy)
		require.ErrorIs(t, store.Clear(ctx, "A"), bbstore.ErrBusy)
		require.ErrorIs(t, store.Delete(ctx, "A"), bbstore.ErrBusy)
		require.ErrorIs(t, store.DeleteAll(ctx), bbstore.ErrBusy)

		_, err := store.Read(ctx, "A")
		require.ErrorIs(t, err, bbstore.ErrBusy)
		_, err = store.Status(ctx, "A")
		require.ErrorIs(t, err, bbstore.ErrBusy)
		_, err = store.List(ctx)
		require.ErrorIs(t, err, bbstore.ErrBusy)

		store.lock.Release(1)

		// None of the busy operations had any effect.
		require.Equal(t, numSnapshots, persister.numSnapshots())
		names, err := store.List(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"A"}, names)
		res, err := store.Read(ctx, "A")
		require.NoError(t, err)
		require.Equal(t, bbstore.ReadKindEmpty, res.Kind)
	}))

	t.Run("BusyOnCanceledContext", setup(func(t *testing.T) {
		require.NoError(t, store.lock.Acquire(ctx, 1))
		defer store.lock.Release(1)

		cancelCtx, cancel := context.WithCancel(ctx)
		cancel()

		require.ErrorIs(t, store.Create(cancelCtx, "A", validity(time.Second)), bbstore.ErrBusy)
	}))

	t.Run("ConcurrentCreate", setup(func(t *testing.T) {
		const numWorkers = 20

		var (
			numCreated       int
			numAlreadyExists int
			numBusy          int
			mut              sync.Mutex
			wg               sync.WaitGroup
		)

		for i := 0; i < numWorkers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()

				err := store.Create(ctx, "D", validity(time.Second))

				mut.Lock()
				defer mut.Unlock()

				switch {
				case err == nil:
					numCreated++
				case errors.Is(err, bbstore.ErrAlreadyExists):
					numAlreadyExists++
				case errors.Is(err, bbstore.ErrBusy):
					numBusy++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		require.Equal(t, 1, numCreated)
		require.Equal(t, numWorkers-1, numAlreadyExists+numBusy)

		names, err := store.List(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"D"}, names)
	}))

	t.Run("Restore", setup(func(t *testing.T) {
		persister.restore = map[string]*bbstore.Board{
			"R": {Name: "R", Validity: validity(time.Second), LastWriteTime: stableTime, Payload: "x"},
		}
		require.NoError(t, store.Restore(ctx))

		names, err := store.List(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"R"}, names)

		res, err := store.Read(ctx, "R")
		require.NoError(t, err)
		require.Equal(t, "x", res.Payload)
	}))

	t.Run("RestoreNil", setup(func(t *testing.T) {
		require.NoError(t, store.Create(ctx, "A", validity(time.Second)))
		require.NoError(t, store.Restore(ctx))

		names, err := store.List(ctx)
		require.NoError(t, err)
		require.Empty(t, names)
	}))
}

func TestMemoryStoreTruncatesTimestamps(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(logger, nil, 0)
	store.SetTimeNow(func() time.Time { return stableTime.Add(1234567 * time.Nanosecond) })

	require.Equal(t, bbstore.DefaultLockTimeout, store.lockTimeout)
	require.NoError(t, store.Create(ctx, "A", bbstore.ValidityInfinite))

	status, err := store.Status(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, stableTime.Add(1234*time.Microsecond), status.LastWriteTime)
}
