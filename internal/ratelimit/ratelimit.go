// Package ratelimit implements per-source token-bucket rate limiting.
//
// Every external source call goes through a named bucket that refills
// continuously (rather than in fixed windows) to avoid bursting into hard
// provider limits. Beyond plain allow/deny the buckets carry saturation
// state: a warning is logged when 80% of capacity is consumed and the
// source is hard-paused at 95% until natural refill restores half the
// capacity, after which it resumes silently.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Saturation thresholds as fractions of bucket capacity.
const (
	warnConsumedFrac  = 0.80 // log a warning once this share of capacity is consumed
	pauseConsumedFrac = 0.95 // hard-pause the source at this share
	resumeTokensFrac  = 0.50 // paused source resumes when tokens refill to this share
)

// bucket is one source's token bucket with continuous refill.
// Callers block in wait() until a token is available or the context ends.
type bucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated

	paused bool // set at pauseConsumedFrac, cleared at resumeTokensFrac
	warned bool // warn once per excursion above warnConsumedFrac
}

func newBucket(capacity, ratePerSecond float64) *bucket {
	return &bucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// refillLocked advances the token count to now. Caller holds mu.
func (b *bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastTime).Seconds()
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastTime = now

	if b.tokens >= b.capacity*resumeTokensFrac {
		b.paused = false
	}
	if b.tokens >= b.capacity*(1-warnConsumedFrac) {
		b.warned = false
	}
}

// acquireLocked consumes one token if available and updates saturation
// state. Returns (granted, waitHint, warnNow, pausedNow).
func (b *bucket) acquireLocked() (bool, time.Duration, bool, bool) {
	if b.paused {
		wait := time.Duration((b.capacity*resumeTokensFrac - b.tokens) / b.rate * float64(time.Second))
		return false, wait, false, false
	}

	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
		return false, wait, false, false
	}

	b.tokens--
	consumed := (b.capacity - b.tokens) / b.capacity

	var warnNow, pausedNow bool
	if consumed >= pauseConsumedFrac {
		b.paused = true
		pausedNow = true
	} else if consumed >= warnConsumedFrac && !b.warned {
		b.warned = true
		warnNow = true
	}
	return true, 0, warnNow, pausedNow
}

// Limiter holds one token bucket per named source.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	logger  *slog.Logger
}

// Config is the bucket shape for one source.
type Config struct {
	PerMinute float64
	Burst     float64
}

// New builds a limiter from per-source configs. Sources not present get a
// permissive default bucket on first use (60/min, burst 10) so an
// unconfigured source is throttled rather than unlimited.
func New(configs map[string]Config, logger *slog.Logger) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket, len(configs)),
		logger:  logger.With("component", "ratelimit"),
	}
	for name, c := range configs {
		l.buckets[name] = newBucket(c.Burst, c.PerMinute/60.0)
	}
	return l
}

const (
	defaultPerMinute = 60
	defaultBurst     = 10
)

func (l *Limiter) bucketFor(source string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[source]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[source]; ok {
		return b
	}
	b = newBucket(defaultBurst, defaultPerMinute/60.0)
	l.buckets[source] = b
	l.logger.Warn("no rate limit configured for source, using default",
		"source", source, "per_minute", defaultPerMinute, "burst", defaultBurst)
	return b
}

// Acquire attempts to take one token for the source without blocking.
// When not granted, the returned duration is a hint for how long until a
// token (or, for a paused source, the resume level) will be available.
func (l *Limiter) Acquire(source string) (bool, time.Duration) {
	b := l.bucketFor(source)

	b.mu.Lock()
	b.refillLocked(time.Now())
	granted, wait, warnNow, pausedNow := b.acquireLocked()
	b.mu.Unlock()

	if warnNow {
		l.logger.Warn("rate limit budget 80% consumed", "source", source)
	}
	if pausedNow {
		l.logger.Warn("rate limit budget 95% consumed, pausing source until refill", "source", source)
	}
	return granted, wait
}

// Wait blocks until a token is granted for the source or ctx is cancelled.
// Never blocks past the context deadline.
func (l *Limiter) Wait(ctx context.Context, source string) error {
	for {
		granted, wait := l.Acquire(source)
		if granted {
			return nil
		}
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// Paused reports whether the source is currently hard-paused.
func (l *Limiter) Paused(source string) bool {
	b := l.bucketFor(source)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return b.paused
}

// Saturation returns the consumed fraction of the source's budget in [0,1].
func (l *Limiter) Saturation(source string) float64 {
	b := l.bucketFor(source)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return (b.capacity - b.tokens) / b.capacity
}
