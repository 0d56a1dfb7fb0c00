// Package store holds the current flag snapshot.
//
// A [Snapshot] is immutable once built. [Store] swaps whole snapshots with an
// atomic pointer so readers never take a lock and never observe a partially
// applied refresh.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/matt-riley/flaggate/internal/core"
)

var (
	ErrNilSnapshot   = errors.New("snapshot is nil")
	ErrStaleSnapshot = errors.New("snapshot version is not newer than the current one")
)

type Snapshot struct {
	version   uint64
	fetchedAt time.Time
	flags     map[string]core.Flag
}

// NewSnapshot copies flags into a new snapshot. Later duplicates of a name
// replace earlier ones; callers that care should deduplicate first.
func NewSnapshot(version uint64, fetchedAt time.Time, flags []core.Flag) *Snapshot {
	byName := make(map[string]core.Flag, len(flags))
	for _, flag := range flags {
		byName[flag.Name] = flag
	}

	return &Snapshot{
		version:   version,
		fetchedAt: fetchedAt,
		flags:     byName,
	}
}

func (s *Snapshot) Version() uint64 {
	return s.version
}

func (s *Snapshot) FetchedAt() time.Time {
	return s.fetchedAt
}

func (s *Snapshot) Len() int {
	return len(s.flags)
}

// Lookup returns the flag called name. The returned flag shares its rules
// with the snapshot and must not be modified.
func (s *Snapshot) Lookup(name string) (core.Flag, bool) {
	flag, ok := s.flags[name]
	return flag, ok
}

// Flags returns every flag sorted by name.
func (s *Snapshot) Flags() []core.Flag {
	flags := make([]core.Flag, 0, len(s.flags))
	for _, flag := range s.flags {
		flags = append(flags, flag)
	}

	sort.Slice(flags, func(i, j int) bool {
		return flags[i].Name < flags[j].Name
	})

	return flags
}

type Store struct {
	current atomic.Pointer[Snapshot]
}

// New returns a store holding the empty bootstrap snapshot (version 0).
func New() *Store {
	s := &Store{}
	s.current.Store(NewSnapshot(0, time.Time{}, nil))
	return s
}

// Current returns the most recently published snapshot.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Publish replaces the current snapshot. It refuses snapshots whose version
// does not move forward.
func (s *Store) Publish(next *Snapshot) error {
	if next == nil {
		return ErrNilSnapshot
	}

	for {
		current := s.current.Load()
		if next.version <= current.version {
			return fmt.Errorf("%w: got %d, current %d", ErrStaleSnapshot, next.version, current.version)
		}
		if s.current.CompareAndSwap(current, next) {
			return nil
		}
	}
}
