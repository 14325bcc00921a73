package lock

import (
	"context"

	"github.com/fly-io/stagehand/pkg/errors"
	"github.com/shirou/gopsutil/v4/process"
)

// Prober decides whether a lock holder is still running.
type Prober interface {
	// Alive reports whether holderID is running. startedAt, when non-zero,
	// must match the process start time or the PID is considered reused.
	Alive(ctx context.Context, holderID int, startedAt int64) (bool, error)

	// StartTime returns the holder's start time, or 0 if it cannot be read.
	StartTime(ctx context.Context, holderID int) int64
}

// ProcessProber treats holder ids as operating system PIDs.
type ProcessProber struct{}

func (ProcessProber) Alive(ctx context.Context, pid int, startedAt int64) (bool, error) {
	if pid <= 0 {
		return false, nil
	}

	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return false, errors.Wrap(err, "failed to probe process")
	}
	if !exists || startedAt == 0 {
		return exists, nil
	}

	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return false, nil
		}
		return false, errors.Wrap(err, "failed to inspect process")
	}

	created, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		// Start time is unreadable (permissions); the PID check stands.
		return true, nil
	}
	return created == startedAt, nil
}

func (ProcessProber) StartTime(ctx context.Context, pid int) int64 {
	if pid <= 0 {
		return 0
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0
	}
	created, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return 0
	}
	return created
}
