// Package retry models retry-with-backoff around collaborator calls as an
// explicit policy: a bounded number of attempts over a fixed delay schedule.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds an operation to MaxAttempts tries. Delays[i] is the wait
// before attempt i+2; the last delay repeats when the schedule is shorter.
type Policy struct {
	MaxAttempts int
	Delays      []time.Duration
}

// Default is used when a caller has no configured policy.
var Default = Policy{MaxAttempts: 3, Delays: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}}

// BackOff returns a fresh backoff.BackOff following the schedule.
func (p Policy) BackOff() backoff.BackOff {
	return &schedule{policy: p}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a Permanent error, the attempts are
// exhausted, or ctx is done. The last error is returned unwrapped.
func Do(ctx context.Context, p Policy, name string, op func(ctx context.Context) error) error {
	attempt := 0
	err := backoff.RetryNotify(
		func() error {
			attempt++
			return op(ctx)
		},
		backoff.WithContext(p.BackOff(), ctx),
		func(err error, wait time.Duration) {
			slog.Warn("retrying after failure",
				"operation", name,
				"attempt", attempt,
				"max_attempts", p.MaxAttempts,
				"wait", wait,
				"error", err,
			)
		},
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

type schedule struct {
	policy  Policy
	retries int
}

func (s *schedule) NextBackOff() time.Duration {
	if s.policy.MaxAttempts > 0 && s.retries >= s.policy.MaxAttempts-1 {
		return backoff.Stop
	}
	var d time.Duration
	if n := len(s.policy.Delays); n > 0 {
		idx := s.retries
		if idx >= n {
			idx = n - 1
		}
		d = s.policy.Delays[idx]
	}
	s.retries++
	return d
}

func (s *schedule) Reset() {
	s.retries = 0
}
