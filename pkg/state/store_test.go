package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fly-io/stagehand/pkg/errors"
)

func stores(t *testing.T) map[string]func(*Record) Store {
	return map[string]func(*Record) Store{
		"file": func(seed *Record) Store {
			s := NewFileStore(filepath.Join(t.TempDir(), "state.json"))
			if seed != nil {
				require.NoError(t, s.Save(context.Background(), seed))
			}
			return s
		},
		"memory": func(seed *Record) Store {
			return NewMemoryStore(seed)
		},
	}
}

func TestStore_RoundTrip(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(nil)

			_, err := s.Load(ctx)
			assert.ErrorIs(t, err, ErrNotInitialized)

			seed := New("1.2.0", ChannelStable, 0)
			rec, created, err := Initialize(ctx, s, seed)
			require.NoError(t, err)
			assert.True(t, created)
			assert.Equal(t, DefaultMaxFailedBoots, rec.MaxFailedBoots)

			_, created, err = Initialize(ctx, s, New("9.9.9", ChannelBeta, 5))
			require.NoError(t, err)
			assert.False(t, created, "existing record must not be overwritten")

			now := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
			updated, err := Update(ctx, s, func(r *Record) error {
				r.Status = StatusUpdateAvailable
				r.LastCheck = &now
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, StatusUpdateAvailable, updated.Status)

			loaded, err := s.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, "1.2.0", loaded.CurrentVersion)
			assert.Equal(t, "1.2.0", loaded.LastGoodVersion)
			assert.Equal(t, StatusUpdateAvailable, loaded.Status)
			require.NotNil(t, loaded.LastCheck)
			assert.True(t, now.Equal(*loaded.LastCheck))
			assert.Empty(t, loaded.PendingVersion)
		})
	}
}

func TestUpdate_ErrorLeavesRecordUntouched(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(New("1.2.0", ChannelStable, 3))

	_, err := Update(ctx, s, func(r *Record) error {
		r.PendingVersion = "1.3.0"
		return errors.ErrConflict
	})
	assert.ErrorIs(t, err, errors.ErrConflict)

	rec, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, rec.PendingVersion)
	assert.Equal(t, 0, s.Saves())
}

func TestUpdate_NoChangeSkipsSave(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(New("1.2.0", ChannelStable, 3))

	_, err := Update(ctx, s, func(r *Record) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 0, s.Saves())
}

func TestFileStore_CorruptState(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		content string
	}{
		{"garbage", "{{{"},
		{"empty current", `{"current_version":"","last_good_version":"1.0.0","update_channel":"stable","status":"idle","max_failed_boots":3}`},
		{"unknown status", `{"current_version":"1.0.0","last_good_version":"1.0.0","update_channel":"stable","status":"exploded","max_failed_boots":3}`},
		{"unknown channel", `{"current_version":"1.0.0","last_good_version":"1.0.0","update_channel":"canary","status":"idle","max_failed_boots":3}`},
		{"negative counter", `{"current_version":"1.0.0","last_good_version":"1.0.0","update_channel":"stable","status":"idle","failed_boot_count":-1,"max_failed_boots":3}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "state.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))

			_, err := NewFileStore(path).Load(ctx)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrCorruptState), "got %v", err)
		})
	}
}

func TestFileStore_Salvage(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewFileStore(path)
	assert.Nil(t, s.Salvage(ctx))

	require.NoError(t, os.WriteFile(path, []byte(`{"current_version":"","last_good_version":"1.0.0","status":"exploded"}`), 0600))
	rec := s.Salvage(ctx)
	require.NotNil(t, rec)
	assert.Equal(t, "1.0.0", rec.LastGoodVersion)

	require.NoError(t, os.WriteFile(path, []byte("{{{"), 0600))
	assert.Nil(t, s.Salvage(ctx))
}

func TestFileStore_SaveRejectsInvalid(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	err := s.Save(context.Background(), &Record{})
	require.Error(t, err)

	_, err = os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err))
}

// Concurrent increments through Update must not lose writes.
func TestUpdate_SerializesReadModifyWrite(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(New("1.0.0", ChannelStable, 1000))

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := Update(ctx, s, func(r *Record) error {
						r.FailedBootCount++
						return nil
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			rec, err := s.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, 20, rec.FailedBootCount)
		})
	}
}

func TestMemoryStore_Corrupt(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(New("1.0.0", ChannelStable, 3))
	s.Corrupt()

	_, err := s.Load(ctx)
	assert.True(t, errors.Is(err, errors.ErrCorruptState))

	require.NoError(t, s.Save(ctx, New("1.0.0", ChannelStable, 3)))
	_, err = s.Load(ctx)
	assert.NoError(t, err)
}

func TestParseChannel(t *testing.T) {
	for _, c := range []string{"stable", "beta", "nightly"} {
		got, err := ParseChannel(c)
		require.NoError(t, err)
		assert.Equal(t, Channel(c), got)
	}
	_, err := ParseChannel("canary")
	assert.Error(t, err)
}

func TestRecord_PendingVersionJSON(t *testing.T) {
	rec := New("1.2.0", ChannelStable, 3)

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	pending, ok := raw["pending_version"]
	assert.True(t, ok, "pending_version is always present")
	assert.Nil(t, pending)

	rec.PendingVersion = "1.3.0"
	data, err = json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "1.3.0", raw["pending_version"])

	var back Record
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, *rec, back)

	require.NoError(t, json.Unmarshal([]byte(`{"current_version":"1.2.0","pending_version":null}`), &back))
	assert.Empty(t, back.PendingVersion)
	assert.Equal(t, "1.2.0", back.CurrentVersion)
}

func TestFileStore_WritesNullPendingVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewFileStore(path)
	_, _, err := Initialize(context.Background(), s, New("1.2.0", ChannelStable, 3))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"pending_version": null`)
}
