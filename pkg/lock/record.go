package lock

import (
	"fmt"
	"time"

	"github.com/fly-io/stagehand/pkg/errors"
)

// Record is the on-disk lease for one kind.
type Record struct {
	Kind       Kind      `json:"kind"`
	HolderID   int       `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	TTLSeconds int64     `json:"ttl_seconds"`

	// HolderStartedAt is the holder's process start time in ms since epoch,
	// zero when unknown. A live PID with a different start time was reused.
	HolderStartedAt int64  `json:"holder_started_at,omitempty"`
	Description     string `json:"description,omitempty"`
}

// ExpiresAt returns the zero time for leases without a ttl.
func (r *Record) ExpiresAt() time.Time {
	if r.TTLSeconds <= 0 {
		return time.Time{}
	}
	return r.AcquiredAt.Add(time.Duration(r.TTLSeconds) * time.Second)
}

func (r *Record) Expired(now time.Time) bool {
	exp := r.ExpiresAt()
	return !exp.IsZero() && !now.Before(exp)
}

// ConflictError names the lock that blocked an acquire.
type ConflictError struct {
	Kind   Kind
	Holder *Record
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot acquire %s lock: %s lock held by holder %d since %s",
		e.Kind, e.Holder.Kind, e.Holder.HolderID, e.Holder.AcquiredAt.Format(time.RFC3339))
}

func (e *ConflictError) Unwrap() error { return errors.ErrConflict }

var (
	// ErrNotHeld is returned when releasing a kind with no record.
	ErrNotHeld = errors.New("lock not held")
	// ErrNotHolder is returned when the caller does not own the record.
	ErrNotHolder = errors.New("lock held by another holder")
)
