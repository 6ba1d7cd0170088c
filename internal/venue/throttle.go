package venue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Throttle enforces a minimum interval between calls to one venue.
type Throttle struct {
	mu          sync.Mutex
	minInterval time.Duration
	last        time.Time
}

func NewThrottle(minInterval time.Duration) *Throttle {
	return &Throttle{minInterval: minInterval}
}

func (t *Throttle) Wait(ctx context.Context) error {
	if t == nil || t.minInterval <= 0 {
		return nil
	}
	t.mu.Lock()
	now := time.Now()
	wait := t.minInterval - now.Sub(t.last)
	if wait < 0 {
		wait = 0
	}
	t.last = now.Add(wait)
	t.mu.Unlock()
	if wait == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// RetryPolicy bounds retries of rate-limit-class failures with exponential
// backoff. Non-retryable errors propagate on the first attempt.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Retryable      func(error) bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		Retryable:      IsRetryable,
	}
}

// Retry invokes fn until it succeeds, fails non-retryably, or the attempt
// budget runs out.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := policy.InitialBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	retryable := policy.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return fmt.Errorf("retry budget exhausted after %d attempts: %w", attempts, err)
}
