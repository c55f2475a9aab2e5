// Package ratelimit provides per-provider admission control for
// outbound LLM calls: one token bucket per provider plus retry and
// backoff bookkeeping for failed requests.
//
// Rate exhaustion is never an error. Callers ask, wait, or poll;
// a request only fails outright once ShouldRetry says to stop.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// UnlimitedWait is the wait time reported for providers with no
// configured bucket. Such providers are admitted unconditionally, so
// the value is a sentinel, never something to sleep on.
const UnlimitedWait = time.Duration(math.MaxInt64)

// Limit describes one provider's admission budget: Requests per Window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// DefaultLimits returns the stock per-provider budgets. Configuration
// overrides these per instance.
func DefaultLimits() map[string]Limit {
	return map[string]Limit{
		"anthropic": {Requests: 50, Window: time.Minute},
		"openai":    {Requests: 60, Window: time.Minute},
		"gemini":    {Requests: 100, Window: time.Minute},
		"ollama":    {Requests: 1000, Window: time.Minute},
	}
}

// bucket is the admission-control primitive for one provider. Tokens
// refill lazily based on elapsed time; they never exceed capacity and
// never go negative.
type bucket struct {
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

func (b *bucket) consume(cost float64) bool {
	if b.tokens >= cost {
		b.tokens -= cost
		return true
	}
	return false
}

func (b *bucket) waitTime(cost float64) time.Duration {
	if b.tokens >= cost {
		return 0
	}
	if b.refillRate <= 0 {
		return UnlimitedWait
	}
	secs := (cost - b.tokens) / b.refillRate
	return time.Duration(secs * float64(time.Second))
}

// Status is a point-in-time snapshot of one provider's admission state.
type Status struct {
	Configured bool    `json:"configured"`
	Capacity   float64 `json:"capacity"`
	Available  float64 `json:"available"`
	RetryCount int     `json:"retry_count"`
}

// Limiter owns one bucket per configured provider plus per-provider
// retry counts. Unknown providers fail open: always admitted, wait
// time UnlimitedWait.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	retries map[string]int

	maxRetries int
	baseDelay  time.Duration
	multiplier float64

	logger *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithMaxRetries bounds retry attempts per provider. Zero disables
// retries entirely.
func WithMaxRetries(n int) Option {
	return func(l *Limiter) { l.maxRetries = n }
}

// WithBackoff sets the exponential backoff schedule:
// base * multiplier^retryCount.
func WithBackoff(base time.Duration, multiplier float64) Option {
	return func(l *Limiter) {
		l.baseDelay = base
		l.multiplier = multiplier
	}
}

// WithLogger sets the limiter's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// NewLimiter creates a Limiter with one full bucket per entry in
// limits. Limits with a non-positive request count or window are
// skipped; the provider then falls through to fail-open handling.
func NewLimiter(limits map[string]Limit, opts ...Option) *Limiter {
	l := &Limiter{
		buckets:    make(map[string]*bucket, len(limits)),
		retries:    make(map[string]int),
		maxRetries: 3,
		baseDelay:  time.Second,
		multiplier: 2.0,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(l)
	}

	start := l.now()
	for provider, lim := range limits {
		if lim.Requests <= 0 || lim.Window <= 0 {
			continue
		}
		capacity := float64(lim.Requests)
		l.buckets[provider] = &bucket{
			capacity:   capacity,
			tokens:     capacity,
			refillRate: capacity / lim.Window.Seconds(),
			lastRefill: start,
		}
	}
	return l
}

// CheckLimit attempts to consume cost tokens from the provider's
// bucket, refilling first. Providers without a bucket are always
// admitted.
func (l *Limiter) CheckLimit(provider string, cost float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[provider]
	if !ok {
		return true
	}
	b.refill(l.now())
	allowed := b.consume(cost)
	if !allowed {
		l.logger.Debug("rate limit exhausted",
			"provider", provider,
			"cost", cost,
			"available", b.tokens,
		)
	}
	return allowed
}

// WaitTime reports how long until cost tokens will be available, 0 if
// they already are. Unknown providers report UnlimitedWait.
func (l *Limiter) WaitTime(provider string, cost float64) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[provider]
	if !ok {
		return UnlimitedWait
	}
	b.refill(l.now())
	return b.waitTime(cost)
}

// WaitIfNeeded blocks until cost tokens are consumed or ctx ends.
// This is the one suspending operation in the orchestration core.
// Unknown providers return immediately.
func (l *Limiter) WaitIfNeeded(ctx context.Context, provider string, cost float64) error {
	for {
		l.mu.Lock()
		b, ok := l.buckets[provider]
		if !ok {
			l.mu.Unlock()
			return nil
		}
		b.refill(l.now())
		if b.consume(cost) {
			l.mu.Unlock()
			return nil
		}
		wait := b.waitTime(cost)
		l.mu.Unlock()

		l.logger.Debug("waiting for rate limit",
			"provider", provider,
			"wait", wait,
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			// Another turn may have consumed the refill; loop and
			// re-check.
		}
	}
}

// IncrementRetry records a failed attempt and returns the new count.
func (l *Limiter) IncrementRetry(provider string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retries[provider]++
	return l.retries[provider]
}

// ResetRetry clears the provider's retry count after a success.
func (l *Limiter) ResetRetry(provider string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.retries, provider)
}

// RetryCount returns the provider's current retry count.
func (l *Limiter) RetryCount(provider string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retries[provider]
}

// ShouldRetry reports whether another attempt is permitted. False once
// the count reaches the maximum, or when retries are disabled.
func (l *Limiter) ShouldRetry(provider string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.maxRetries <= 0 {
		return false
	}
	return l.retries[provider] < l.maxRetries
}

// BackoffTime returns the delay before the next attempt:
// base * multiplier^retryCount.
func (l *Limiter) BackoffTime(provider string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	factor := math.Pow(l.multiplier, float64(l.retries[provider]))
	return time.Duration(float64(l.baseDelay) * factor)
}

// Status snapshots one provider's admission state.
func (l *Limiter) Status(provider string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[provider]
	if !ok {
		return Status{Configured: false, RetryCount: l.retries[provider]}
	}
	b.refill(l.now())
	return Status{
		Configured: true,
		Capacity:   b.capacity,
		Available:  b.tokens,
		RetryCount: l.retries[provider],
	}
}

// Snapshot returns the status of every configured provider, keyed by
// provider id.
func (l *Limiter) Snapshot() map[string]Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	result := make(map[string]Status, len(l.buckets))
	for provider, b := range l.buckets {
		b.refill(now)
		result[provider] = Status{
			Configured: true,
			Capacity:   b.capacity,
			Available:  b.tokens,
			RetryCount: l.retries[provider],
		}
	}
	return result
}
