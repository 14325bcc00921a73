package lock

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fly-io/stagehand/pkg/errors"
)

type fakeProber struct {
	mu     sync.Mutex
	dead   map[int]bool
	starts map[int]int64
}

func newFakeProber() *fakeProber {
	return &fakeProber{dead: map[int]bool{}, starts: map[int]int64{}}
}

func (p *fakeProber) Alive(_ context.Context, id int, startedAt int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead[id] {
		return false, nil
	}
	return startedAt == 0 || startedAt == p.starts[id], nil
}

func (p *fakeProber) StartTime(_ context.Context, id int) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts[id]
}

func (p *fakeProber) kill(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dead[id] = true
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T) (*Manager, *fakeProber, *fakeClock) {
	t.Helper()
	probe := newFakeProber()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m, err := NewManager(t.TempDir(), WithProber(probe), WithClock(clock.Now))
	require.NoError(t, err)
	return m, probe, clock
}

func acquire(t *testing.T, m *Manager, kind Kind, holder int, ttl time.Duration) error {
	t.Helper()
	_, err := m.Acquire(context.Background(), AcquireRequest{Kind: kind, HolderID: holder, TTL: ttl})
	return err
}

func TestBlockingMatrix(t *testing.T) {
	tests := []struct {
		held     Kind
		want     Kind
		conflict bool
	}{
		{KindMigration, KindUpdate, true},
		{KindBackup, KindUpdate, true},
		{KindServe, KindUpdate, true},
		{KindBranchPreview, KindUpdate, true},
		{KindUpdate, KindMigration, true},
		{KindUpdate, KindBackup, true},
		{KindUpdate, KindServe, true},
		{KindUpdate, KindBranchPreview, true},
		{KindBackup, KindMigration, true},
		{KindMigration, KindBackup, true},
		{KindServe, KindMigration, false},
		{KindServe, KindBackup, false},
		{KindMigration, KindServe, false},
		{KindBackup, KindServe, false},
		{KindBranchPreview, KindServe, false},
		{KindBranchPreview, KindMigration, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.held)+"_blocks_"+string(tt.want), func(t *testing.T) {
			m, _, _ := newTestManager(t)
			require.NoError(t, acquire(t, m, tt.held, 100, time.Minute))

			err := acquire(t, m, tt.want, 200, time.Minute)
			if !tt.conflict {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrConflict))
			var conflict *ConflictError
			require.True(t, errors.As(err, &conflict))
			assert.Equal(t, tt.held, conflict.Holder.Kind)
			assert.Equal(t, 100, conflict.Holder.HolderID)
		})
	}
}

func TestBlockingMatrixIsSymmetric(t *testing.T) {
	for _, a := range Kinds {
		for _, b := range Kinds {
			assert.Equal(t, a.Blocks(b), b.Blocks(a), "%s/%s", a, b)
		}
	}
}

func TestAcquire_SameKind(t *testing.T) {
	m, _, clock := newTestManager(t)

	require.NoError(t, acquire(t, m, KindServe, 1, time.Minute))

	err := acquire(t, m, KindServe, 2, time.Minute)
	assert.True(t, errors.Is(err, errors.ErrConflict), "other holder must conflict")

	clock.Advance(30 * time.Second)
	require.NoError(t, acquire(t, m, KindServe, 1, time.Minute), "same holder refreshes")

	rec, err := m.Get(context.Background(), KindServe)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, clock.Now().Equal(rec.AcquiredAt))
}

func TestAcquire_InvalidInput(t *testing.T) {
	m, _, _ := newTestManager(t)

	assert.Error(t, acquire(t, m, Kind("deploy"), 1, time.Minute))
	assert.Error(t, acquire(t, m, KindBackup, 0, time.Minute))
}

func TestRelease(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, acquire(t, m, KindMigration, 10, time.Minute))

	assert.ErrorIs(t, m.Release(ctx, KindMigration, 11), ErrNotHolder)

	rec, err := m.Get(ctx, KindMigration)
	require.NoError(t, err)
	assert.NotNil(t, rec, "foreign release must not remove the lock")

	require.NoError(t, m.Release(ctx, KindMigration, 10))
	assert.ErrorIs(t, m.Release(ctx, KindMigration, 10), ErrNotHeld)

	require.NoError(t, acquire(t, m, KindUpdate, 20, time.Minute))
}

// A holder that terminates without releasing is reclaimed once its ttl
// passes, even if the liveness probe cannot tell it is gone.
func TestStaleLockReclaimedAfterTTL(t *testing.T) {
	m, _, clock := newTestManager(t)

	require.NoError(t, acquire(t, m, KindBackup, 42, 60*time.Second))
	assert.Error(t, acquire(t, m, KindUpdate, 7, time.Minute))

	clock.Advance(59 * time.Second)
	assert.Error(t, acquire(t, m, KindUpdate, 7, time.Minute))

	clock.Advance(time.Second)
	require.NoError(t, acquire(t, m, KindUpdate, 7, time.Minute))
}

func TestStaleLockReclaimedWhenHolderDies(t *testing.T) {
	m, probe, _ := newTestManager(t)

	require.NoError(t, acquire(t, m, KindServe, 42, 0))
	assert.Error(t, acquire(t, m, KindUpdate, 7, time.Minute))

	probe.kill(42)
	require.NoError(t, acquire(t, m, KindUpdate, 7, time.Minute))
}

func TestStaleLockReclaimedOnPIDReuse(t *testing.T) {
	m, probe, _ := newTestManager(t)
	probe.starts[42] = 1000

	require.NoError(t, acquire(t, m, KindMigration, 42, time.Hour))
	assert.Error(t, acquire(t, m, KindUpdate, 7, time.Minute))

	probe.mu.Lock()
	probe.starts[42] = 2000
	probe.mu.Unlock()

	require.NoError(t, acquire(t, m, KindUpdate, 7, time.Minute))
}

func TestCorruptRecordIsReclaimed(t *testing.T) {
	m, _, _ := newTestManager(t)
	require.NoError(t, os.WriteFile(filepath.Join(m.dir, "migration.lock"), []byte("{not json"), 0644))

	require.NoError(t, acquire(t, m, KindUpdate, 7, time.Minute))
}

func TestRenew(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, acquire(t, m, KindServe, 5, 10*time.Second))

	clock.Advance(8 * time.Second)
	rec, err := m.Renew(ctx, KindServe, 5, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, clock.Now().Equal(rec.AcquiredAt))

	clock.Advance(8 * time.Second)
	assert.Error(t, acquire(t, m, KindUpdate, 9, time.Minute), "renewed lease is still valid")

	_, err = m.Renew(ctx, KindServe, 6, time.Second)
	assert.ErrorIs(t, err, ErrNotHolder)
	_, err = m.Renew(ctx, KindBackup, 5, time.Second)
	assert.ErrorIs(t, err, ErrNotHeld)
}

func TestListCheckAndReap(t *testing.T) {
	m, probe, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, acquire(t, m, KindServe, 1, 0))
	require.NoError(t, acquire(t, m, KindBackup, 2, 0))

	records, err := m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	blocked, err := m.IsUpdateBlocked(ctx)
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.True(t, errors.Is(m.Check(ctx, KindMigration, 3), errors.ErrConflict))
	assert.NoError(t, m.Check(ctx, KindServe, 1))

	probe.kill(1)
	probe.kill(2)
	n, err := m.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	blocked, err = m.IsUpdateBlocked(ctx)
	require.NoError(t, err)
	assert.False(t, blocked)
}

func assertNoBlockingPairs(t *testing.T, records []*Record) {
	t.Helper()
	for i, a := range records {
		for _, b := range records[i+1:] {
			assert.False(t, a.Kind.Blocks(b.Kind),
				"%s (holder %d) and %s (holder %d) are both valid", a.Kind, a.HolderID, b.Kind, b.HolderID)
		}
	}
}

func TestNoBlockingPairsUnderRandomSequences(t *testing.T) {
	m, probe, clock := newTestManager(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		kind := Kinds[rng.Intn(len(Kinds))]
		holder := 1 + rng.Intn(4)

		switch rng.Intn(5) {
		case 0, 1:
			ttl := time.Duration(rng.Intn(3)) * 10 * time.Second
			_, err := m.Acquire(ctx, AcquireRequest{Kind: kind, HolderID: holder, TTL: ttl})
			if err != nil {
				assert.True(t, errors.Is(err, errors.ErrConflict), "unexpected error: %v", err)
			}
		case 2:
			_ = m.Release(ctx, kind, holder)
		case 3:
			clock.Advance(time.Duration(rng.Intn(15)) * time.Second)
		case 4:
			if rng.Intn(10) == 0 {
				probe.kill(holder)
			}
		}

		records, err := m.List(ctx)
		require.NoError(t, err)
		assertNoBlockingPairs(t, records)
	}
}

func TestConcurrentAcquireAdmitsOne(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 12; i++ {
		kind := KindUpdate
		if i%2 == 1 {
			kind = KindMigration
		}
		wg.Add(1)
		go func(kind Kind, holder int) {
			defer wg.Done()
			if _, err := m.Acquire(ctx, AcquireRequest{Kind: kind, HolderID: holder, TTL: time.Minute}); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(kind, 100+i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	records, err := m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestLease_RenewsUntilReleased(t *testing.T) {
	m, err := NewManager(t.TempDir(), WithProber(newFakeProber()))
	require.NoError(t, err)
	ctx := context.Background()

	lease, err := m.Hold(ctx, AcquireRequest{Kind: KindServe, HolderID: 77, TTL: 3 * time.Second})
	require.NoError(t, err)
	first := lease.Record().AcquiredAt

	require.Eventually(t, func() bool {
		return lease.Record().AcquiredAt.After(first)
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, lease.Release(ctx))
	rec, err := m.Get(ctx, KindServe)
	require.NoError(t, err)
	assert.Nil(t, rec)

	select {
	case <-lease.Lost():
		t.Fatal("released lease must not report lost")
	default:
	}
}

func TestProcessProber(t *testing.T) {
	ctx := context.Background()
	p := ProcessProber{}
	pid := os.Getpid()

	alive, err := p.Alive(ctx, pid, 0)
	require.NoError(t, err)
	assert.True(t, alive)

	started := p.StartTime(ctx, pid)
	if started != 0 {
		alive, err = p.Alive(ctx, pid, started)
		require.NoError(t, err)
		assert.True(t, alive)

		alive, err = p.Alive(ctx, pid, started+1)
		require.NoError(t, err)
		assert.False(t, alive, "mismatched start time means the pid was reused")
	}

	alive, err = p.Alive(ctx, 0, 0)
	require.NoError(t, err)
	assert.False(t, alive)
}
