package feed

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// maxJitter bounds the random delay added to every backoff.
const maxJitter = 300 * time.Millisecond

// RetryPolicy implements jittered exponential backoff for transient errors.
type RetryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewRetryPolicy builds a policy allowing maxRetries retries after the first
// attempt.
func NewRetryPolicy(maxRetries int, baseDelay time.Duration) *RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryPolicy{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   30 * time.Second,
	}
}

// ShouldRetry decides whether attempt (zero based) may be followed by
// another one.
func (p *RetryPolicy) ShouldRetry(ctx context.Context, err error, attempt int) bool {
	if attempt >= p.maxRetries {
		return false
	}
	return isTransient(ctx, err)
}

// Backoff returns base*2^attempt plus up to 300ms of jitter.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay) + randomJitter(maxJitter)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
