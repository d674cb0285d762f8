package executor

import (
	"context"
	"time"

	"github.com/roach88/psb/internal/remote"
)

// RetryPolicy bounds how transient failures are retried.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Base is the delay before the second try; each later delay doubles.
	Base time.Duration
	// Max caps any single delay, including a remote Retry-After.
	Max time.Duration
}

// DefaultRetryPolicy matches the configuration defaults.
var DefaultRetryPolicy = RetryPolicy{Attempts: 5, Base: 500 * time.Millisecond, Max: 30 * time.Second}

// Delay returns how long to wait after the given failed attempt (1-based).
// A Retry-After from the remote wins when it is longer.
func (p RetryPolicy) Delay(attempt int, err error) time.Duration {
	d := p.Base
	for i := 1; i < attempt && d < p.Max; i++ {
		d *= 2
	}
	if ra := remote.RetryAfter(err); ra > d {
		d = ra
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retry runs fn until it succeeds, fails non-transiently, or the attempt
// budget is spent. It returns the number of attempts made.
func retry(ctx context.Context, p RetryPolicy, sleep Sleeper, fn func(context.Context) error) (int, error) {
	attempts := max(p.Attempts, 1)
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !remote.IsTransient(err) || attempt >= attempts {
			return attempt, err
		}
		if cerr := ctx.Err(); cerr != nil {
			return attempt, cerr
		}
		if serr := sleep(ctx, p.Delay(attempt, err)); serr != nil {
			return attempt, serr
		}
	}
}
