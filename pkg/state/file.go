package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"

	"github.com/fly-io/stagehand/pkg/atomicfile"
	"github.com/fly-io/stagehand/pkg/errors"
)

const lockRetryDelay = 10 * time.Millisecond

// FileStore keeps the record in a JSON file replaced atomically on save.
// A sibling "<path>.lock" file serializes read-modify-write sequences across
// processes.
type FileStore struct {
	path        string
	lockTimeout time.Duration
}

// NewFileStore creates a store for the record at path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, lockTimeout: 10 * time.Second}
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(ctx context.Context) (*Record, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to read state"), errors.ErrCorruptState)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to parse state"), errors.ErrCorruptState)
	}
	if err := rec.Validate(); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "invalid state"), errors.ErrCorruptState)
	}
	return &rec, nil
}

// Salvage decodes the record without validating it. It returns nil when the
// file is missing or not JSON.
func (s *FileStore) Salvage(ctx context.Context) *Record {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil
	}
	return &rec
}

func (s *FileStore) Save(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return errors.Wrap(err, "refusing to save invalid state")
	}
	return atomicfile.WriteJSON(ctx, s.path, rec, 0600)
}

// Lock takes the state-file lock, waiting up to the lock timeout. The
// critical sections it guards are short reads and writes of one file.
func (s *FileStore) Lock(ctx context.Context) (Unlock, error) {
	lctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	fl := flock.New(s.path + ".lock")
	locked, err := fl.TryLockContext(lctx, lockRetryDelay)
	if err != nil {
		return nil, errors.Wrap(err, "failed to take state lock")
	}
	if !locked {
		return nil, fmt.Errorf("state lock %s busy", fl.Path())
	}
	return fl.Unlock, nil
}
