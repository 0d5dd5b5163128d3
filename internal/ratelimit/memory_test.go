package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func closeLimiter(t *testing.T, m *MemoryLimiter) {
	t.Helper()
	if err := m.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

func allowN(t *testing.T, m *MemoryLimiter, key string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ok, err := m.Allow(context.Background(), key)
		if err != nil {
			t.Fatalf("Allow error on request %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("request %d for %q denied, expected allowed", i, key)
		}
	}
}

func TestMemoryLimiterBurst(t *testing.T) {
	m := NewMemoryLimiter(10, 3)
	defer closeLimiter(t, m)

	allowN(t, m, "owner-a", 3)

	ok, err := m.Allow(context.Background(), "owner-a")
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if ok {
		t.Fatal("fourth request allowed, expected denied after burst")
	}
}

func TestMemoryLimiterRefill(t *testing.T) {
	// 1000 tokens per second refills one token per millisecond.
	m := NewMemoryLimiter(1000, 2)
	defer closeLimiter(t, m)

	allowN(t, m, "owner-a", 2)
	if ok, _ := m.Allow(context.Background(), "owner-a"); ok {
		t.Fatal("request allowed immediately after burst, expected denied")
	}

	time.Sleep(5 * time.Millisecond)

	if ok, _ := m.Allow(context.Background(), "owner-a"); !ok {
		t.Fatal("request denied after refill window, expected allowed")
	}
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	m := NewMemoryLimiter(10, 1)
	defer closeLimiter(t, m)

	allowN(t, m, "owner-a", 1)
	if ok, _ := m.Allow(context.Background(), "owner-a"); ok {
		t.Fatal("owner-a should be exhausted")
	}
	if ok, _ := m.Allow(context.Background(), "owner-b"); !ok {
		t.Fatal("owner-b should have its own bucket")
	}
}

func TestMemoryLimiterConcurrentSameKey(t *testing.T) {
	m := NewMemoryLimiter(100, 50)
	defer closeLimiter(t, m)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				ok, err := m.Allow(context.Background(), "shared")
				if err != nil {
					t.Errorf("Allow error: %v", err)
					return
				}
				if ok {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	// 100 requests against a burst of 50 in well under a second.
	if allowed < 1 || allowed > 50 {
		t.Fatalf("allowed = %d, expected between 1 and 50", allowed)
	}
}

func TestMemoryLimiterEvictIdleBuckets(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	defer closeLimiter(t, m)

	allowN(t, m, "idle", 1)
	allowN(t, m, "active", 1)

	m.mu.Lock()
	m.buckets["idle"].last = time.Now().Add(-15 * time.Minute)
	m.mu.Unlock()

	m.evict(time.Now().Add(-bucketIdleTTL))

	m.mu.Lock()
	_, idleExists := m.buckets["idle"]
	_, activeExists := m.buckets["active"]
	m.mu.Unlock()

	if idleExists {
		t.Fatal("idle bucket survived eviction")
	}
	if !activeExists {
		t.Fatal("active bucket was evicted")
	}
}

func TestMemoryLimiterRefillCapsAtBurst(t *testing.T) {
	m := NewMemoryLimiter(1000, 3)
	defer closeLimiter(t, m)

	allowN(t, m, "owner-a", 1)

	// A long idle period must not accumulate more than burst tokens.
	m.mu.Lock()
	m.buckets["owner-a"].last = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	allowN(t, m, "owner-a", 3)
	if ok, _ := m.Allow(context.Background(), "owner-a"); ok {
		t.Fatal("request allowed past burst after long idle, expected denied")
	}
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	if err := m.Close(); err != nil {
		t.Fatalf("first Close error: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
}
