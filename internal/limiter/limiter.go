// Package limiter paces remote upload calls with a process-wide token bucket.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/and161185/televault/internal/errs"
)

// Defaults applied when a Config field is zero.
const (
	DefaultPerMinute = 20
	DefaultBurst     = 3
	DefaultTimeout   = 5 * time.Minute
)

// Limiter grants permission for one remote call.
type Limiter interface {
	// Acquire blocks until a token is granted. It fails with
	// errs.ErrRateLimitTimeout when the wait would exceed the bound and with
	// the context error when ctx is done first.
	Acquire(ctx context.Context) error
}

// Config tunes a TokenBucket.
type Config struct {
	PerMinute int
	Burst     int
	Timeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.PerMinute <= 0 {
		c.PerMinute = DefaultPerMinute
	}
	if c.Burst <= 0 {
		c.Burst = DefaultBurst
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// TokenBucket is a FIFO token bucket. Waiters hold reservations taken in
// arrival order, so tokens are handed out first come, first served.
type TokenBucket struct {
	lim     *rate.Limiter
	timeout time.Duration

	mu        sync.Mutex
	perMinute int
}

// New returns a bucket refilling cfg.PerMinute tokens per minute.
func New(cfg Config) *TokenBucket {
	cfg = cfg.withDefaults()
	b := newBucket(perMinute(cfg.PerMinute), cfg.Burst, cfg.Timeout)
	b.perMinute = cfg.PerMinute
	return b
}

func newBucket(limit rate.Limit, burst int, timeout time.Duration) *TokenBucket {
	return &TokenBucket{
		lim:     rate.NewLimiter(limit, burst),
		timeout: timeout,
	}
}

func perMinute(n int) rate.Limit { return rate.Limit(float64(n) / 60) }

// Acquire implements Limiter.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// The reservation and its delay share the limiter's own clock reading.
	r := b.lim.Reserve()
	if !r.OK() {
		return fmt.Errorf("%w: limiter burst is zero", errs.ErrRateLimitTimeout)
	}
	delay := r.Delay()
	if delay == 0 {
		return nil
	}

	budget := b.timeout
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < budget {
			budget = rem
		}
	}
	if delay > budget {
		r.Cancel()
		return fmt.Errorf("%w: next token in %s, wait bound %s", errs.ErrRateLimitTimeout, delay.Round(time.Millisecond), budget.Round(time.Millisecond))
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// Limits reports the current refill rate and burst.
func (b *TokenBucket) Limits() (perMinute, burst int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.perMinute, b.lim.Burst()
}

// SetLimits retunes the bucket; waiters already holding reservations keep them.
func (b *TokenBucket) SetLimits(perMin, burst int) {
	if perMin <= 0 || burst <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if perMin == b.perMinute && burst == b.lim.Burst() {
		return
	}
	b.perMinute = perMin
	b.lim.SetLimit(perMinute(perMin))
	b.lim.SetBurst(burst)
}
