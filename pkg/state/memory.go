package state

import (
	"context"
	"sync"

	"github.com/fly-io/stagehand/pkg/errors"
)

// MemoryStore is an in-process Store for tests and embedded hosts.
type MemoryStore struct {
	sem chan struct{}

	mu      sync.Mutex
	rec     *Record
	corrupt bool
	saves   int
}

// NewMemoryStore returns a store holding rec, or an uninitialized one if
// rec is nil.
func NewMemoryStore(rec *Record) *MemoryStore {
	s := &MemoryStore{sem: make(chan struct{}, 1)}
	if rec != nil {
		s.rec = rec.Clone()
	}
	return s
}

func (s *MemoryStore) Load(ctx context.Context) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.corrupt {
		return nil, errors.Mark(errors.New("record unreadable"), errors.ErrCorruptState)
	}
	if s.rec == nil {
		return nil, ErrNotInitialized
	}
	return s.rec.Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return errors.Wrap(err, "refusing to save invalid state")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = rec.Clone()
	s.corrupt = false
	s.saves++
	return nil
}

func (s *MemoryStore) Lock(ctx context.Context) (Unlock, error) {
	select {
	case s.sem <- struct{}{}:
		return func() error {
			<-s.sem
			return nil
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Salvage returns the last saved record even while corrupt.
func (s *MemoryStore) Salvage(ctx context.Context) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil
	}
	return s.rec.Clone()
}

// Corrupt makes Load fail with ErrCorruptState until the next Save.
func (s *MemoryStore) Corrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupt = true
}

// Saves counts successful saves.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
