// Package ratelimit provides the deterministic token bucket used to cap
// per-connection signaling message rates.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time so bucket behavior is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the Clock used in production.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Bucket refills at rate tokens/sec up to capacity. It uses nanosecond
// fixed-point accounting (1 token = 1e9 nano-tokens) so refill math stays
// exact without floats.
type Bucket struct {
	mu sync.Mutex

	clock    Clock
	capacity int64 // tokens
	rate     int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

const nanosPerToken = int64(time.Second)

// NewBucket creates a full bucket. A nil clock means wall-clock time.
// Non-positive capacity or rate yields a bucket that never refills (capacity
// clamped to zero denies everything; rate zero allows only the initial burst).
func NewBucket(clock Clock, capacity, rate int64) *Bucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &Bucket{
		clock:     clock,
		capacity:  capacity,
		rate:      rate,
		available: capacity * nanosPerToken,
		last:      clock.Now(),
	}
}

// Allow consumes one token if available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < nanosPerToken {
		return false
	}
	b.available -= nanosPerToken
	return true
}

func (b *Bucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last)
	b.last = now
	if elapsed <= 0 || b.rate <= 0 || b.capacity <= 0 {
		return
	}

	cap := b.capacity * nanosPerToken
	if b.available >= cap {
		b.available = cap
		return
	}

	// rate tokens/sec equals rate nano-tokens per nanosecond. Clamp before
	// multiplying so a long idle period cannot overflow.
	need := cap - b.available
	if elapsed.Nanoseconds() >= need/b.rate {
		b.available = cap
		return
	}
	b.available += elapsed.Nanoseconds() * b.rate
}
