package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	janitorInterval = time.Minute
	bucketIdleTTL   = 10 * time.Minute
)

// bucket tracks the remaining tokens for one key.
type bucket struct {
	remaining float64
	last      time.Time
}

// take refills the bucket for the time elapsed since the last request and
// then attempts to consume one token. It reports whether a token was taken.
func (b *bucket) take(now time.Time, rate, burst float64) bool {
	b.remaining += now.Sub(b.last).Seconds() * rate
	if b.remaining > burst {
		b.remaining = burst
	}
	b.last = now

	if b.remaining < 1 {
		return false
	}
	b.remaining--
	return true
}

// MemoryLimiter is an in-process token bucket Limiter. Every key gets its
// own bucket; a janitor goroutine drops buckets idle for more than ten
// minutes so the map stays bounded.
type MemoryLimiter struct {
	rate  float64
	burst float64

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	stop     chan struct{}
}

// NewMemoryLimiter returns a limiter allowing a sustained rate of requests
// per second per key, with bursts of up to burst requests. Call Close to
// stop the janitor goroutine.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	l := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.janitor()
	return l
}

// Allow consumes one token from the key's bucket.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{remaining: l.burst, last: now}
		l.buckets[key] = b
	}
	return b.take(now, l.rate, l.burst), nil
}

// Close stops the janitor goroutine. Safe to call more than once.
func (l *MemoryLimiter) Close() error {
	l.stopOnce.Do(func() { close(l.stop) })
	return nil
}

func (l *MemoryLimiter) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.evict(now.Add(-bucketIdleTTL))
		}
	}
}

// evict drops buckets whose last access is before cutoff.
func (l *MemoryLimiter) evict(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, b := range l.buckets {
		if b.last.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
