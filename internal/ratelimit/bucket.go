package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is the "smoother" alternative limiter spec §4.3 describes
// alongside the sliding window: capacity C, refill rate R tokens per
// interval delta. Kept as a standalone type (not dispatched to from
// Engine's per-kind admission path, which uses the sliding window
// described in the same section) so callers that want the smoother curve
// — e.g. metering GPU-seconds or bandwidth outside the subject/kind
// admission path — can embed it directly. Field names mirror
// original_source's TokenBucket class (capacity, refillRate,
// refillInterval).
type TokenBucket struct {
	mu             sync.Mutex
	capacity       float64
	refillRate     float64
	refillInterval time.Duration
	tokens         float64
	lastRefill     time.Time
}

// NewTokenBucket builds a bucket starting full: capacity tokens,
// refilling at refillRate tokens per refillInterval.
func NewTokenBucket(capacity, refillRate float64, refillInterval time.Duration) *TokenBucket {
	return &TokenBucket{
		capacity:       capacity,
		refillRate:     refillRate,
		refillInterval: refillInterval,
		tokens:         capacity,
		lastRefill:     time.Now(),
	}
}

// Allow refills the bucket for elapsed time, then admits iff at least
// amount tokens are available, subtracting them on admission (spec
// §4.3: "added = (now - last_refill) / delta * R; tokens = min(C, tokens
// + added); admit iff tokens >= amount, then subtract").
func (b *TokenBucket) Allow(amount float64) bool {
	return b.AllowAt(time.Now(), amount)
}

// AllowAt is Allow with an injectable clock, for deterministic tests.
func (b *TokenBucket) AllowAt(now time.Time, amount float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 && b.refillInterval > 0 {
		added := (float64(elapsed) / float64(b.refillInterval)) * b.refillRate
		b.tokens += added
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}

	if b.tokens < amount {
		return false
	}
	b.tokens -= amount
	return true
}

// Tokens reports the current token count without consuming any,
// refilling first so callers see an up-to-date value.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 && b.refillInterval > 0 {
		added := (float64(elapsed) / float64(b.refillInterval)) * b.refillRate
		t := b.tokens + added
		if t > b.capacity {
			t = b.capacity
		}
		return t
	}
	return b.tokens
}
