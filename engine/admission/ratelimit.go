package admission

import (
	"math"
	"sync"
	"time"

	"github.com/YASSERRMD/AiMesh/engine/errors"
)

// tokenBucket refills continuously at refillRate tokens/sec up to capacity.
// Not self-locking; the Limiter guards access.
type tokenBucket struct {
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
}

func newTokenBucket(rate, burst float64) *tokenBucket {
	return &tokenBucket{
		tokens:     burst,
		capacity:   burst,
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.tokens+elapsed*b.refillRate, b.capacity)
	b.lastRefill = now
}

// take consumes one token if available after refilling.
func (b *tokenBucket) take(now time.Time) bool {
	b.refill(now)
	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true
	}
	return false
}

// bucketParams are the effective rate and burst for one key. A rate of 0
// means the key is not gated.
type bucketParams struct {
	rate  float64
	burst float64
}

// Limiter admits requests through per-key token buckets plus a system-wide
// bucket. Each admission also lands in a sliding window kept for
// observability; the window never gates.
type Limiter struct {
	logger   Logger
	defaults bucketParams
	global   *tokenBucket
	window   *SlidingWindow

	mu        sync.Mutex
	buckets   map[string]*tokenBucket
	overrides map[string]bucketParams

	admitted int64
	denied   int64
}

// NewLimiter creates a limiter from cfg. The global bucket scales the
// per-key rate and burst by cfg.GlobalMultiplier; a multiplier <= 0 disables
// the system-wide cap.
func NewLimiter(cfg Config, logger Logger) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultConfig().RequestsPerSecond
	}
	if cfg.BurstCapacity <= 0 {
		cfg.BurstCapacity = int64(math.Ceil(cfg.RequestsPerSecond * 2))
	}
	if cfg.WindowSecs <= 0 {
		cfg.WindowSecs = DefaultConfig().WindowSecs
	}

	l := &Limiter{
		logger:    logger,
		defaults:  bucketParams{rate: cfg.RequestsPerSecond, burst: float64(cfg.BurstCapacity)},
		window:    NewSlidingWindow(cfg.WindowSecs),
		buckets:   make(map[string]*tokenBucket),
		overrides: make(map[string]bucketParams),
	}
	if cfg.GlobalMultiplier > 0 {
		l.global = newTokenBucket(
			cfg.RequestsPerSecond*cfg.GlobalMultiplier,
			float64(cfg.BurstCapacity)*cfg.GlobalMultiplier,
		)
	}
	return l
}

// Admit consumes one token for key. Denials report RateLimited with a
// retry_after hint derived from the failing bucket's refill rate.
func (l *Limiter) Admit(key string) error {
	now := time.Now()

	l.mu.Lock()
	if l.global != nil && !l.global.take(now) {
		l.denied++
		l.mu.Unlock()
		if l.logger != nil {
			l.logger.Debug("admission_denied_global", "key", key)
		}
		return errors.RateLimited("global", l.global.refillRate)
	}

	params := l.paramsLocked(key)
	if params.rate > 0 {
		bucket, ok := l.buckets[key]
		if !ok {
			bucket = newTokenBucket(params.rate, params.burst)
			l.buckets[key] = bucket
		}
		if !bucket.take(now) {
			l.denied++
			l.mu.Unlock()
			if l.logger != nil {
				l.logger.Debug("admission_denied", "key", key, "rate", params.rate)
			}
			return errors.RateLimited(key, params.rate)
		}
	}

	l.admitted++
	l.mu.Unlock()

	l.window.Record(now)
	return nil
}

func (l *Limiter) paramsLocked(key string) bucketParams {
	if params, ok := l.overrides[key]; ok {
		return params
	}
	return l.defaults
}

// SetKeyRate overrides the rate and burst for one key, replacing its live
// bucket. A rate <= 0 exempts the key from per-key gating; the global
// bucket still applies.
func (l *Limiter) SetKeyRate(key string, rate, burst float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rate <= 0 {
		l.overrides[key] = bucketParams{}
	} else {
		if burst <= 0 {
			burst = rate * 2
		}
		l.overrides[key] = bucketParams{rate: rate, burst: burst}
	}
	delete(l.buckets, key)
}

// RemoveKeyRate restores the default rate for key.
func (l *Limiter) RemoveKeyRate(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.overrides, key)
	delete(l.buckets, key)
}

// WindowCount reports admissions seen inside the sliding window.
func (l *Limiter) WindowCount() int {
	return l.window.Count(time.Now())
}

// CleanupIdle drops buckets that have refilled to capacity. A dropped
// bucket is recreated full on the next admit, so removal does not change
// admission behavior.
func (l *Limiter) CleanupIdle() int {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, bucket := range l.buckets {
		bucket.refill(now)
		if bucket.tokens >= bucket.capacity {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Stats returns limiter counters.
func (l *Limiter) Stats() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := map[string]any{
		"active_buckets": len(l.buckets),
		"overrides":      len(l.overrides),
		"admitted":       l.admitted,
		"denied":         l.denied,
		"window_count":   l.window.Count(time.Now()),
		"default_rate":   l.defaults.rate,
		"default_burst":  l.defaults.burst,
	}
	if l.global != nil {
		stats["global_rate"] = l.global.refillRate
	}
	return stats
}
