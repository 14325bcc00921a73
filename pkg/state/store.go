// Package state persists the singleton State Record behind a small port so
// that the coordinator and the launch shim can run against a file on disk
// in production and an in-memory record in tests.
package state

import (
	"context"
	"log/slog"

	"github.com/fly-io/stagehand/pkg/errors"
	"github.com/fly-io/stagehand/pkg/metrics"
)

// ErrNotInitialized is returned by Load before the installer seeded a record.
var ErrNotInitialized = errors.New("state not initialized")

// Unlock releases a state lock.
type Unlock func() error

// Store is the persistence port for the State Record. Load and Save do not
// lock; read-modify-write sequences go through Update or hold Lock.
type Store interface {
	Load(ctx context.Context) (*Record, error)
	Save(ctx context.Context, rec *Record) error
	Lock(ctx context.Context) (Unlock, error)
}

// Salvager is implemented by stores that can return whatever fields of an
// invalid record are still readable. Recovery uses it to prefer the last
// known good version over guessing.
type Salvager interface {
	Salvage(ctx context.Context) *Record
}

// Update runs fn on the current record under the state lock and saves the
// result. When fn returns an error nothing is written.
func Update(ctx context.Context, s Store, fn func(rec *Record) error) (*Record, error) {
	unlock, err := s.Lock(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to lock state")
	}
	defer unlock()

	rec, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	before := rec.Clone()

	if err := fn(rec); err != nil {
		return nil, err
	}

	if equal(rec, before) {
		return rec, nil
	}
	if err := s.Save(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "failed to save state")
	}

	if rec.Status != before.Status {
		slog.Info("state_transition", "from", before.Status, "to", rec.Status, "current_version", rec.CurrentVersion)
		metrics.RecordTransition(string(before.Status), string(rec.Status))
	}
	return rec, nil
}

// Initialize saves seed if no record exists yet and returns the stored one.
func Initialize(ctx context.Context, s Store, seed *Record) (*Record, bool, error) {
	unlock, err := s.Lock(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to lock state")
	}
	defer unlock()

	rec, err := s.Load(ctx)
	if err == nil {
		return rec, false, nil
	}
	if !errors.Is(err, ErrNotInitialized) {
		return nil, false, err
	}

	if err := s.Save(ctx, seed); err != nil {
		return nil, false, errors.Wrap(err, "failed to save initial state")
	}
	slog.Info("state_initialized", "current_version", seed.CurrentVersion, "channel", seed.UpdateChannel)
	return seed.Clone(), true, nil
}

func equal(a, b *Record) bool {
	x, y := *a, *b
	x.LastCheck, y.LastCheck = nil, nil
	if x != y {
		return false
	}
	if a.LastCheck == nil || b.LastCheck == nil {
		return a.LastCheck == nil && b.LastCheck == nil
	}
	return a.LastCheck.Equal(*b.LastCheck)
}
