// Package retry computes backoff delays and retries operations such as the
// worker's broker subscription.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/exploopio/surface/pkg/errors"
)

// BackoffStrategy defines how the delay grows between attempts.
type BackoffStrategy int

const (
	// BackoffExponential uses base * 2^(attempt-1)
	BackoffExponential BackoffStrategy = iota

	// BackoffLinear uses base * attempt
	BackoffLinear

	// BackoffConstant always uses base
	BackoffConstant
)

// BackoffConfig configures the backoff behavior.
type BackoffConfig struct {
	// Strategy is the backoff strategy. Default is BackoffExponential.
	Strategy BackoffStrategy

	// BaseInterval is the delay before the first retry.
	BaseInterval time.Duration

	// MaxInterval caps the delay. Zero means no cap.
	MaxInterval time.Duration

	// Jitter adds randomness in [-Jitter, +Jitter] of the delay, from
	// 0.0 (none) to 1.0.
	Jitter float64
}

// DefaultBackoffConfig returns the reconnect backoff: 1s doubling up to 30s
// with 10% jitter.
func DefaultBackoffConfig() *BackoffConfig {
	return &BackoffConfig{
		Strategy:     BackoffExponential,
		BaseInterval: time.Second,
		MaxInterval:  30 * time.Second,
		Jitter:       0.1,
	}
}

// Interval returns the delay before retry number attempt (1-based).
func (c *BackoffConfig) Interval(attempt int) time.Duration {
	interval := c.interval(attempt)
	if c.Jitter > 0 {
		interval = c.applyJitter(interval)
	}
	return interval
}

func (c *BackoffConfig) interval(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var interval time.Duration
	switch c.Strategy {
	case BackoffLinear:
		interval = c.BaseInterval * time.Duration(attempt)
	case BackoffConstant:
		interval = c.BaseInterval
	default:
		multiplier := math.Pow(2, float64(attempt-1))
		interval = time.Duration(math.Min(float64(c.BaseInterval)*multiplier, math.MaxInt64))
	}

	if c.MaxInterval > 0 && interval > c.MaxInterval {
		interval = c.MaxInterval
	}
	return interval
}

func (c *BackoffConfig) applyJitter(interval time.Duration) time.Duration {
	jitter := min(c.Jitter, 1)
	spread := float64(interval) * jitter
	return time.Duration(float64(interval) + (rand.Float64()*2-1)*spread)
}

// Schedule returns the delays of the first n retries without jitter.
func (c *BackoffConfig) Schedule(n int) []time.Duration {
	if n <= 0 {
		return nil
	}
	out := make([]time.Duration, n)
	for i := range n {
		out[i] = c.interval(i + 1)
	}
	return out
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
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

// Do calls fn until it succeeds, maxAttempts is reached (zero means no
// limit) or ctx is done. onRetry, if set, is called before each wait.
func Do(ctx context.Context, cfg *BackoffConfig, maxAttempts int, fn func(ctx context.Context) error, onRetry func(attempt int, delay time.Duration, err error)) error {
	if cfg == nil {
		cfg = DefaultBackoffConfig()
	}
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if maxAttempts > 0 && attempt >= maxAttempts {
			return errors.E(errors.KindNetwork, "retry.Do", "attempts exhausted", err)
		}
		delay := cfg.Interval(attempt)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
		if werr := Sleep(ctx, delay); werr != nil {
			return errors.E(errors.KindTimeout, "retry.Do", werr)
		}
	}
}
