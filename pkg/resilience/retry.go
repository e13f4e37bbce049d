package resilience

import (
	"context"
	"time"
)

// RetryPolicy bounds caller-side restarts after transient failures. The
// recognizer never retries on its own.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

// Budget tracks the restarts one caller has consumed.
type Budget struct {
	policy RetryPolicy
	used   int
}

func (r RetryPolicy) Budget() *Budget {
	return &Budget{policy: r}
}

// Next waits out the backoff and reports whether another attempt is allowed.
func (b *Budget) Next(ctx context.Context) bool {
	if b.used >= b.policy.MaxRetries {
		return false
	}
	if !sleep(ctx, b.policy.Backoff) {
		return false
	}
	b.used++
	return true
}

func (b *Budget) Used() int { return b.used }

// Reset restores the full budget after a successful cycle.
func (b *Budget) Reset() { b.used = 0 }

func sleep(ctx context.Context, d time.Duration) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
