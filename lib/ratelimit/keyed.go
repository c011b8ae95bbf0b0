package ratelimit

import (
	"sync"
	"time"
)

// Keyed holds one Bucket per key, typically a remote host. Buckets that
// sit full and unused for the idle period are forgotten.
type Keyed struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
	rate    float64
	burst   int
	idle    time.Duration
	now     func() time.Time

	stop chan struct{}
	once sync.Once
}

// NewKeyed returns a Keyed limiter and starts its sweeper. Call Close to
// stop it.
func NewKeyed(rate float64, burst int, idle time.Duration) *Keyed {
	k := newKeyed(rate, burst, idle, time.Now)
	go k.sweepLoop()
	return k
}

func newKeyed(rate float64, burst int, idle time.Duration, now func() time.Time) *Keyed {
	return &Keyed{
		buckets: make(map[string]*Bucket),
		rate:    rate,
		burst:   burst,
		idle:    idle,
		now:     now,
		stop:    make(chan struct{}),
	}
}

// Allow takes a token from key's bucket.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	b, ok := k.buckets[key]
	if !ok {
		b = newBucket(k.rate, k.burst, k.now)
		k.buckets[key] = b
	}
	k.mu.Unlock()

	return b.Take()
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}

// Close stops the sweeper. It is safe to call more than once.
func (k *Keyed) Close() {
	k.once.Do(func() { close(k.stop) })
}

func (k *Keyed) sweepLoop() {
	ticker := time.NewTicker(k.idle)
	defer ticker.Stop()
	for {
		select {
		case <-k.stop:
			return
		case <-ticker.C:
			k.sweep()
		}
	}
}

func (k *Keyed) sweep() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, b := range k.buckets {
		if b.idle(k.idle) {
			delete(k.buckets, key)
		}
	}
}
