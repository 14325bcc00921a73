package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fly-io/stagehand/pkg/errors"
)

// Lease is a held lock that renews itself until released. Long-lived
// holders such as a serve session use it so that their lock outlives the ttl
// only while the process keeps running.
type Lease struct {
	m    *Manager
	kind Kind
	id   int
	ttl  time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	lost   chan struct{}

	mu  sync.Mutex
	rec Record
}

// Hold acquires req and starts renewing it every ttl/3. A zero ttl lease is
// never renewed.
func (m *Manager) Hold(ctx context.Context, req AcquireRequest) (*Lease, error) {
	rec, err := m.Acquire(ctx, req)
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithCancel(context.Background())
	l := &Lease{
		m:      m,
		kind:   req.Kind,
		id:     req.HolderID,
		ttl:    req.TTL,
		cancel: cancel,
		done:   make(chan struct{}),
		lost:   make(chan struct{}),
		rec:    *rec,
	}

	if req.TTL <= 0 {
		close(l.done)
		return l, nil
	}

	go l.renewLoop(rctx)
	return l, nil
}

// Record returns a copy of the latest lease record.
func (l *Lease) Record() Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rec
}

// Lost is closed when renewal failed permanently and the lease may have
// been reclaimed by another process.
func (l *Lease) Lost() <-chan struct{} {
	return l.lost
}

// Release stops renewal and removes the record.
func (l *Lease) Release(ctx context.Context) error {
	l.cancel()
	<-l.done

	err := l.m.Release(ctx, l.kind, l.id)
	if errors.Is(err, ErrNotHeld) {
		return nil
	}
	return err
}

func (l *Lease) renewLoop(ctx context.Context) {
	defer close(l.done)

	interval := l.ttl / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		op := func() error {
			rec, err := l.m.Renew(ctx, l.kind, l.id, l.ttl)
			if errors.Is(err, ErrNotHeld) || errors.Is(err, ErrNotHolder) {
				return backoff.Permanent(err)
			}
			if err != nil {
				return err
			}
			l.mu.Lock()
			l.rec = *rec
			l.mu.Unlock()
			return nil
		}

		b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(100*time.Millisecond),
			backoff.WithMaxInterval(interval),
		), 3), ctx)

		if err := backoff.Retry(op, b); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("lease_renew_failed", "kind", l.kind, "holder_id", l.id, "error", err)
			close(l.lost)
			return
		}
	}
}
