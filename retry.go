package flowsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// CommitAttempts bounds how often a commit is retried after losing a
// version-number race.
const CommitAttempts = 3

// RetryOnConflict runs fn until it succeeds, fails with something other than
// ErrConcurrency, or CommitAttempts is exhausted. fn must re-read whatever
// version state it depends on each time it runs.
func RetryOnConflict[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond

	out, err := backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !errors.Is(err, ErrConcurrency) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(CommitAttempts))
	if err != nil && errors.Is(err, ErrConcurrency) {
		return out, fmt.Errorf("flowsync: commit retried %d times: %w", CommitAttempts, err)
	}
	return out, err
}
