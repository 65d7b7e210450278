// Package ratelimit provides bucketed admission control with bounded
// wait. Buckets are fixed windows keyed by provider name, model name
// or "default".
package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/mtzanidakis/fleetd/internal/config"
	"github.com/mtzanidakis/fleetd/internal/directory"
	"github.com/mtzanidakis/fleetd/internal/llm"
)

// ErrMaxWait is returned by Wait when admission could not be obtained
// within the caller's wait budget.
var ErrMaxWait = errors.New("rate limit: max wait exceeded")

// DefaultBucket is the fallback bucket when neither the agent's model
// nor its provider has an explicit bucket.
const DefaultBucket = "default"

type bucket struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	start  time.Time
	count  int
}

// checkOne is a single atomic test-and-increment against the current
// window. The window resets lazily on first access after expiry.
func (b *bucket) checkOne(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Sub(b.start) >= b.window {
		b.start = now
		b.count = 0
	}
	if b.count >= b.limit {
		return false
	}
	b.count++
	return true
}

// estimate is the advisory wait hint for a rejected request:
// ceil(window/limit · cost), rounded up to whole milliseconds.
func (b *bucket) estimate(cost int) time.Duration {
	ms := math.Ceil(float64(b.window.Milliseconds()) / float64(b.limit) * float64(cost))
	return time.Duration(ms) * time.Millisecond
}

// Limiter holds the process-wide bucket table.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	enabled bool
}

func New(cfg config.RateLimitConfig) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		enabled: cfg.Enabled,
	}
	for _, b := range cfg.Buckets {
		l.Configure(b.Name, b.Window, b.MaxRequests)
	}
	return l
}

// Enabled reports whether admission control is active. When disabled,
// callers should skip Check/Wait entirely.
func (l *Limiter) Enabled() bool {
	return l.enabled
}

// Configure creates or replaces a bucket. Replacing resets its counter.
func (l *Limiter) Configure(name string, window time.Duration, maxRequests int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[name] = &bucket{window: window, limit: maxRequests}
}

func (l *Limiter) lookup(name string) *bucket {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.buckets[name]
}

// Check attempts to take cost units from the named bucket. cost>1 is
// cost sequential unit checks; units taken before a rejection are not
// rolled back. On rejection the returned duration is an advisory wait
// estimate. Unknown buckets admit everything.
func (l *Limiter) Check(name string, cost int) (bool, time.Duration) {
	b := l.lookup(name)
	if b == nil || b.limit <= 0 {
		return true, 0
	}

	now := time.Now()
	for i := 0; i < cost; i++ {
		if !b.checkOne(now) {
			return false, b.estimate(cost)
		}
	}
	return true, 0
}

// Wait blocks until Check succeeds or the accumulated sleep would
// exceed maxWait, in which case it returns ErrMaxWait. Each retry's
// sleep hint is multiplied by backoffFactor.
func (l *Limiter) Wait(ctx context.Context, name string, cost int, maxWait time.Duration, backoffFactor float64) error {
	if backoffFactor < 1 {
		backoffFactor = 1
	}

	var slept time.Duration
	mult := 1.0
	for {
		ok, hint := l.Check(name, cost)
		if ok {
			return nil
		}

		remaining := maxWait - slept
		if remaining <= 0 {
			return ErrMaxWait
		}
		sleep := time.Duration(float64(hint) * mult)
		if sleep > remaining {
			sleep = remaining
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		slept += sleep
		mult *= backoffFactor
	}
}

// Resolve picks the bucket for an agent: explicit model bucket first,
// then explicit or inferred provider, then the default bucket.
func (l *Limiter) Resolve(cfg *directory.AgentConfig) string {
	model := cfg.LLMConfig["model"]
	if model != "" && l.lookup(model) != nil {
		return model
	}

	provider := cfg.LLMConfig["provider"]
	if provider == "" {
		provider = llm.InferProvider(model)
	}
	if provider != "" && l.lookup(provider) != nil {
		return provider
	}

	return DefaultBucket
}
