package bbstore

import (
	"context"
	"errors"
	"math"
	"time"
)

// DefaultLockTimeout is how long a registry operation waits for the registry
// lock before giving up with ErrBusy.
const DefaultLockTimeout = 10 * time.Second

// ValidityInfinite is the sentinel validity of a board whose payload never
// goes stale.
const ValidityInfinite = Validity(math.MaxInt64)

var (
	ErrAlreadyExists    = errors.New("board already exists")
	ErrBusy             = errors.New("registry busy")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNotFound         = errors.New("board not found")
)

// Validity is the maximum age of a board's payload before it's considered
// stale.
type Validity time.Duration

func (v Validity) IsInfinite() bool { return v == ValidityInfinite }

// Valid reports whether v is acceptable for a board: strictly positive or
// the infinite sentinel.
func (v Validity) Valid() bool { return v > 0 }

type Board struct {
	Name          string
	Validity      Validity
	LastWriteTime time.Time
	Payload       string
}

// IsEmpty is independent of freshness.
func (b *Board) IsEmpty() bool { return b.Payload == "" }

// Kind classifies a board for reporting. Emptiness takes precedence over
// staleness.
func (b *Board) Kind(now time.Time) ReadKind {
	switch {
	case b.IsEmpty():
		return ReadKindEmpty
	case !IsValid(b, now):
		return ReadKindInvalid
	default:
		return ReadKindValid
	}
}

// IsValid reports whether the board's last write is still within its validity
// window at the given time. It's recomputed on every call so that there's no
// cached flag to fall out of date.
func IsValid(b *Board, now time.Time) bool {
	if b.Validity.IsInfinite() {
		return true
	}

	return now.Sub(b.LastWriteTime) <= time.Duration(b.Validity)
}

type ReadKind int

const (
	ReadKindValid ReadKind = iota
	ReadKindInvalid
	ReadKindEmpty
)

func (k ReadKind) String() string {
	switch k {
	case ReadKindEmpty:
		return "empty"
	case ReadKindInvalid:
		return "invalid"
	case ReadKindValid:
		return "valid"
	}
	return "unknown"
}

type ReadResult struct {
	Kind    ReadKind
	Payload string

	// Valid is the board's effective validity, which is always false for an
	// empty board.
	Valid bool
}

type StatusResult struct {
	Empty         bool
	LastWriteTime time.Time
	Valid         bool
}

// BoardRegistry is the process-wide set of boards. Every operation is
// serialized behind a single lock acquired with a bounded wait, and returns
// ErrBusy without side effects if the wait expires.
type BoardRegistry interface {
	Create(ctx context.Context, name string, validity Validity) error
	Write(ctx context.Context, name, payload string) error
	Clear(ctx context.Context, name string) error
	Read(ctx context.Context, name string) (*ReadResult, error)
	Status(ctx context.Context, name string) (*StatusResult, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) error
	DeleteAll(ctx context.Context) error
}

// Persister stores the full registry after every successful mutation and
// restores it at startup. Failures are the persister's to log; they never
// propagate back into the registry.
type Persister interface {
	Persist(ctx context.Context, boards map[string]*Board)
	Restore(ctx context.Context) map[string]*Board
}
