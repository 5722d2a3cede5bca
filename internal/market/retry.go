package market

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrRateLimited marks a request the exchange throttled.
	ErrRateLimited = errors.New("bybit: rate limited")
	// ErrTransient marks a network-level failure worth retrying.
	ErrTransient = errors.New("bybit: transient network error")
)

// RetryPolicy bounds retries of retryable requests. The delay before retry n
// is n times the base delay of the failure class.
type RetryPolicy struct {
	Attempts         int
	NetworkBackoff   time.Duration
	RateLimitBackoff time.Duration
}

// DefaultRetryPolicy returns 3 attempts with 2s/5s bases.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:         3,
		NetworkBackoff:   2 * time.Second,
		RateLimitBackoff: 5 * time.Second,
	}
}

// Retryable reports whether err belongs to a retryable class.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransient)
}

// Do runs op until it succeeds, fails permanently or attempts run out.
// notify, when non-nil, is told about each scheduled retry.
func (p RetryPolicy) Do(ctx context.Context, op func() error, notify func(err error, wait time.Duration)) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	b := &attemptBackOff{policy: p}
	wrapped := func() error {
		err := op()
		b.lastErr = err
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	limited := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.Attempts-1)), ctx)
	if notify == nil {
		return backoff.Retry(wrapped, limited)
	}
	return backoff.RetryNotify(wrapped, limited, notify)
}

type attemptBackOff struct {
	policy  RetryPolicy
	attempt int
	lastErr error
}

func (b *attemptBackOff) NextBackOff() time.Duration {
	b.attempt++
	base := b.policy.NetworkBackoff
	if errors.Is(b.lastErr, ErrRateLimited) {
		base = b.policy.RateLimitBackoff
	}
	return time.Duration(b.attempt) * base
}

func (b *attemptBackOff) Reset() {
	b.attempt = 0
	b.lastErr = nil
}
