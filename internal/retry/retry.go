// Package retry runs remote calls with a bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop. Attempts counts the first call.
type Policy struct {
	Attempts int
	Base     time.Duration
}

// Default is three attempts starting at 500ms and doubling.
var Default = Policy{Attempts: 3, Base: 500 * time.Millisecond}

// Do calls fn until it succeeds, the policy is exhausted, ctx is done, or
// permanent reports the error must not be retried. The last error is
// returned unwrapped.
func Do(ctx context.Context, p Policy, fn func(context.Context) error, permanent func(error) bool) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.Base << uint(p.Attempts)
	b.MaxElapsedTime = 0

	op := func() error {
		err := fn(ctx)
		if err != nil && permanent != nil && permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.Attempts-1)), ctx))
}
