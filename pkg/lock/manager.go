// Package lock implements file-backed leases keyed by operation kind.
//
// Every kind has one record file under the lock directory. A record is valid
// while its ttl has not elapsed and its holder process is alive; invalid
// records are reclaimed by whoever observes them. Acquire never waits for an
// operation lock: contention is reported immediately as a ConflictError.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-multierror"

	"github.com/fly-io/stagehand/pkg/atomicfile"
	"github.com/fly-io/stagehand/pkg/errors"
	"github.com/fly-io/stagehand/pkg/metrics"
)

const (
	guardFile       = ".guard"
	guardRetryDelay = 5 * time.Millisecond
)

// Manager hands out leases stored in a directory shared by all processes of
// one installation.
type Manager struct {
	dir          string
	probe        Prober
	now          func() time.Time
	guardTimeout time.Duration
}

// Option configures a Manager
type Option func(*Manager)

// WithProber replaces the process liveness probe.
func WithProber(p Prober) Option {
	return func(m *Manager) { m.probe = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithGuardTimeout bounds how long a call may wait for the internal guard
// that serializes record updates.
func WithGuardTimeout(d time.Duration) Option {
	return func(m *Manager) { m.guardTimeout = d }
}

// NewManager creates a manager rooted at dir
func NewManager(dir string, opts ...Option) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create lock dir")
	}

	m := &Manager{
		dir:          dir,
		probe:        ProcessProber{},
		now:          time.Now,
		guardTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// AcquireRequest describes a lease to take.
type AcquireRequest struct {
	Kind        Kind
	HolderID    int
	TTL         time.Duration
	Description string
}

// Acquire writes a record for req.Kind unless a valid lock of a blocking kind
// exists. Re-acquiring a kind already held by the same holder refreshes it.
func (m *Manager) Acquire(ctx context.Context, req AcquireRequest) (*Record, error) {
	if _, err := ParseKind(string(req.Kind)); err != nil {
		return nil, err
	}
	if req.HolderID <= 0 {
		return nil, fmt.Errorf("invalid holder id %d", req.HolderID)
	}

	var rec *Record
	err := m.withGuard(ctx, func() error {
		if err := m.checkLocked(ctx, req.Kind, req.HolderID); err != nil {
			return err
		}

		rec = &Record{
			Kind:            req.Kind,
			HolderID:        req.HolderID,
			AcquiredAt:      m.now().UTC(),
			TTLSeconds:      ttlSeconds(req.TTL),
			HolderStartedAt: m.probe.StartTime(ctx, req.HolderID),
			Description:     req.Description,
		}
		return m.write(ctx, rec)
	})
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			metrics.IncLockConflict(string(req.Kind))
			slog.Warn("lock_conflict",
				"kind", req.Kind,
				"holder_id", req.HolderID,
				"blocking_kind", conflict.Holder.Kind,
				"blocking_holder_id", conflict.Holder.HolderID)
		}
		return nil, err
	}

	metrics.IncLockAcquired(string(req.Kind))
	slog.Info("lock_acquired", "kind", rec.Kind, "holder_id", rec.HolderID, "ttl_seconds", rec.TTLSeconds)
	return rec, nil
}

// Release removes the record for kind if holderID owns it.
func (m *Manager) Release(ctx context.Context, kind Kind, holderID int) error {
	if _, err := ParseKind(string(kind)); err != nil {
		return err
	}

	err := m.withGuard(ctx, func() error {
		rec, err := m.read(kind)
		if err != nil {
			return err
		}
		if rec == nil {
			return ErrNotHeld
		}
		if rec.HolderID != holderID {
			return ErrNotHolder
		}
		return m.remove(kind)
	})
	if err != nil {
		return err
	}

	slog.Info("lock_released", "kind", kind, "holder_id", holderID)
	return nil
}

// Renew restarts the ttl of a lease owned by holderID.
func (m *Manager) Renew(ctx context.Context, kind Kind, holderID int, ttl time.Duration) (*Record, error) {
	var rec *Record
	err := m.withGuard(ctx, func() error {
		current, err := m.read(kind)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrNotHeld
		}
		if current.HolderID != holderID {
			return ErrNotHolder
		}

		current.AcquiredAt = m.now().UTC()
		current.TTLSeconds = ttlSeconds(ttl)
		rec = current
		return m.write(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("lock_renewed", "kind", kind, "holder_id", holderID, "ttl_seconds", rec.TTLSeconds)
	return rec, nil
}

// Get returns the valid record for kind, or nil.
func (m *Manager) Get(ctx context.Context, kind Kind) (*Record, error) {
	var rec *Record
	err := m.withGuard(ctx, func() error {
		var err error
		rec, err = m.valid(ctx, kind)
		return err
	})
	return rec, err
}

// List returns all valid records, reclaiming stale ones on the way.
func (m *Manager) List(ctx context.Context) ([]*Record, error) {
	var records []*Record
	err := m.withGuard(ctx, func() error {
		for _, k := range Kinds {
			rec, err := m.valid(ctx, k)
			if err != nil {
				return err
			}
			if rec != nil {
				records = append(records, rec)
			}
		}
		return nil
	})
	return records, err
}

// Check reports whether holderID could acquire kind right now. It returns a
// ConflictError naming the blocking lock, or nil.
func (m *Manager) Check(ctx context.Context, kind Kind, holderID int) error {
	if _, err := ParseKind(string(kind)); err != nil {
		return err
	}
	return m.withGuard(ctx, func() error {
		return m.checkLocked(ctx, kind, holderID)
	})
}

// IsUpdateBlocked reports whether an update could not start now.
func (m *Manager) IsUpdateBlocked(ctx context.Context) (bool, error) {
	err := m.Check(ctx, KindUpdate, 0)
	if err == nil {
		return false, nil
	}
	if errors.Is(err, errors.ErrConflict) {
		return true, nil
	}
	return false, err
}

// Reap removes every stale record and returns how many were removed.
func (m *Manager) Reap(ctx context.Context) (int, error) {
	reaped := 0
	err := m.withGuard(ctx, func() error {
		var result *multierror.Error
		for _, k := range Kinds {
			before, err := m.read(k)
			if err != nil {
				result = multierror.Append(result, err)
				continue
			}
			if before == nil {
				continue
			}
			after, err := m.valid(ctx, k)
			if err != nil {
				result = multierror.Append(result, err)
				continue
			}
			if after == nil {
				reaped++
			}
		}
		return result.ErrorOrNil()
	})
	return reaped, err
}

// checkLocked must run under the guard.
func (m *Manager) checkLocked(ctx context.Context, kind Kind, holderID int) error {
	for _, k := range Kinds {
		if !kind.Blocks(k) {
			continue
		}
		held, err := m.valid(ctx, k)
		if err != nil {
			return err
		}
		if held == nil {
			continue
		}
		if k == kind && held.HolderID == holderID {
			continue
		}
		return &ConflictError{Kind: kind, Holder: held}
	}
	return nil
}

// valid returns the record for kind if it is unexpired and its holder is
// alive; otherwise it removes the record and returns nil. Must run under
// the guard.
func (m *Manager) valid(ctx context.Context, kind Kind) (*Record, error) {
	rec, err := m.read(kind)
	if err != nil {
		if errors.Is(err, errCorruptRecord) {
			slog.Warn("lock_record_corrupt", "kind", kind, "error", err)
			return nil, m.remove(kind)
		}
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	reason := ""
	if rec.Expired(m.now()) {
		reason = "expired"
	} else {
		alive, err := m.probe.Alive(ctx, rec.HolderID, rec.HolderStartedAt)
		if err != nil {
			// An unknown holder state keeps the lock: reclaiming a live
			// holder's lease is worse than a spurious conflict.
			slog.Warn("lock_probe_failed", "kind", kind, "holder_id", rec.HolderID, "error", err)
			return rec, nil
		}
		if !alive {
			reason = "holder_gone"
		}
	}

	if reason == "" {
		return rec, nil
	}

	slog.Info("lock_stale_reclaimed", "kind", kind, "holder_id", rec.HolderID, "reason", reason)
	metrics.IncStaleLockReaped(string(kind))
	return nil, m.remove(kind)
}

var errCorruptRecord = errors.New("corrupt lock record")

func (m *Manager) path(kind Kind) string {
	return filepath.Join(m.dir, string(kind)+".lock")
}

func (m *Manager) read(kind Kind) (*Record, error) {
	data, err := os.ReadFile(m.path(kind))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read lock record")
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptRecord, err)
	}
	if rec.Kind != kind {
		return nil, fmt.Errorf("%w: kind %q in %s.lock", errCorruptRecord, rec.Kind, kind)
	}
	return &rec, nil
}

func (m *Manager) write(ctx context.Context, rec *Record) error {
	return errors.Wrap(atomicfile.WriteJSON(ctx, m.path(rec.Kind), rec, 0644), "failed to write lock record")
}

func (m *Manager) remove(kind Kind) error {
	if err := os.Remove(m.path(kind)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove lock record")
	}
	return nil
}

// withGuard runs fn while holding the directory guard. Each call opens its
// own descriptor so goroutines of one process exclude each other too.
func (m *Manager) withGuard(ctx context.Context, fn func() error) error {
	gctx, cancel := context.WithTimeout(ctx, m.guardTimeout)
	defer cancel()

	guard := flock.New(filepath.Join(m.dir, guardFile))
	locked, err := guard.TryLockContext(gctx, guardRetryDelay)
	if err != nil {
		return errors.Wrap(err, "failed to take lock guard")
	}
	if !locked {
		return errors.New("lock guard busy")
	}
	defer guard.Unlock()

	return fn()
}

func ttlSeconds(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	secs := int64(ttl / time.Second)
	if secs == 0 {
		secs = 1
	}
	return secs
}
