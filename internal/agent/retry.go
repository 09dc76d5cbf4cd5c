package agent

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how often and how fast a failed agent call is retried.
type RetryPolicy struct {
	// MaxAttempts counts the first call. Values below 1 mean 1.
	MaxAttempts int
	Floor       time.Duration
	Ceiling     time.Duration
	Multiplier  float64
	// Retryable decides whether a failure is retried. Defaults to IsRetryable.
	Retryable func(error) bool
}

// DefaultRetryPolicy is three attempts with waits between 4s and 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Floor:       4 * time.Second,
		Ceiling:     10 * time.Second,
		Multiplier:  2,
		Retryable:   IsRetryable,
	}
}

func (p RetryPolicy) schedule() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Floor
	b.MaxInterval = p.Ceiling
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithMaxRetries(b, uint64(attempts-1))
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. notify is called before every wait. It returns
// the number of attempts made and the last error.
func (p RetryPolicy) Do(ctx context.Context, op func(context.Context) error, notify func(attempt int, err error, wait time.Duration)) (int, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := op(ctx)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(p.schedule(), ctx), func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempts, err, wait)
		}
	})
	return attempts, err
}
