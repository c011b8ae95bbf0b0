// Package ratelimit bounds how often a caller may attempt something
// sensitive, such as presenting a control socket token.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a token bucket. Use NewBucket.
type Bucket struct {
	mu      sync.Mutex
	rate    float64
	burst   float64
	tokens  float64
	last    time.Time
	touched time.Time
	now     func() time.Time
}

// NewBucket returns a full bucket refilling at rate tokens per second.
func NewBucket(rate float64, burst int) *Bucket {
	return newBucket(rate, burst, time.Now)
}

func newBucket(rate float64, burst int, now func() time.Time) *Bucket {
	t := now()
	return &Bucket{
		rate:    rate,
		burst:   float64(burst),
		tokens:  float64(burst),
		last:    t,
		touched: t,
		now:     now,
	}
}

// Take consumes one token and reports whether one was available.
func (b *Bucket) Take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	b.touched = b.last
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Available returns the tokens that could be taken right now.
func (b *Bucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

// idle reports whether the bucket is full and was not used for ttl.
func (b *Bucket) idle(ttl time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens >= b.burst && b.last.Sub(b.touched) >= ttl
}

func (b *Bucket) refillLocked() {
	t := b.now()
	b.tokens += t.Sub(b.last).Seconds() * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.last = t
}
