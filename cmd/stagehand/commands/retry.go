package commands

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fly-io/stagehand/pkg/errors"
)

var retryInterval = time.Second

// withRetry runs op up to retries extra times while it fails with a network
// error. Every other failure is returned at once.
func withRetry(ctx context.Context, name string, retries int, op func() error) error {
	if retries <= 0 {
		return op()
	}

	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !errors.Is(err, errors.ErrNetwork) {
			return backoff.Permanent(err)
		}
		slog.Warn(name+"_retry", "attempt", attempt, "error", err)
		return err
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(retryInterval),
		backoff.WithMaxInterval(30*time.Second),
	)
	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx))
}
