package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m := NewMemoryLimiter(10, 3)
	defer func() { _ = m.Close() }()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "agent-1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d is within the burst", i)
	}

	ok, err := m.Allow(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, ok, "burst exhausted")
}

func TestMemoryLimiterRefills(t *testing.T) {
	// 1000 tokens/s refills one token per millisecond.
	m := NewMemoryLimiter(1000, 2)
	defer func() { _ = m.Close() }()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _ = m.Allow(ctx, "agent-1")
	}
	ok, _ := m.Allow(ctx, "agent-1")
	require.False(t, ok)

	time.Sleep(5 * time.Millisecond)

	ok, err := m.Allow(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, ok, "tokens refill with elapsed time")
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	m := NewMemoryLimiter(10, 1)
	defer func() { _ = m.Close() }()

	ctx := context.Background()
	ok, _ := m.Allow(ctx, "agent-a")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "agent-a")
	require.False(t, ok)

	// Exhausting one agent's bucket must not touch another's.
	ok, _ = m.Allow(ctx, "agent-b")
	assert.True(t, ok)
}

func TestMemoryLimiterRefillCapsAtBurst(t *testing.T) {
	m := NewMemoryLimiter(1000, 3)
	defer func() { _ = m.Close() }()

	ctx := context.Background()
	_, _ = m.Allow(ctx, "agent-1")

	// Backdate far enough that an uncapped refill would be enormous.
	m.mu.Lock()
	m.buckets["agent-1"].touched = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	for i := 0; i < 3; i++ {
		ok, _ := m.Allow(ctx, "agent-1")
		require.True(t, ok, "request %d after idle period", i)
	}
	ok, _ := m.Allow(ctx, "agent-1")
	assert.False(t, ok, "idle time never banks more than the burst")
}

func TestMemoryLimiterConcurrentSharedKey(t *testing.T) {
	m := NewMemoryLimiter(100, 50)
	defer func() { _ = m.Close() }()

	ctx := context.Background()
	var wg sync.WaitGroup
	allowed := make([]int, 10)

	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				ok, err := m.Allow(ctx, "shared")
				if err != nil {
					t.Errorf("goroutine %d: %v", idx, err)
					return
				}
				if ok {
					allowed[idx]++
				}
			}
		}(g)
	}
	wg.Wait()

	total := 0
	for _, c := range allowed {
		total += c
	}
	// 100 near-simultaneous requests against a 50-token bucket.
	assert.GreaterOrEqual(t, total, 1)
	assert.LessOrEqual(t, total, 50)
}

func TestMemoryLimiterSweepEvictsIdleKeys(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	defer func() { _ = m.Close() }()

	ctx := context.Background()
	_, _ = m.Allow(ctx, "idle")
	_, _ = m.Allow(ctx, "active")

	m.mu.Lock()
	m.buckets["idle"].touched = time.Now().Add(-idleEviction - time.Minute)
	m.mu.Unlock()

	m.sweep()

	m.mu.Lock()
	_, idleExists := m.buckets["idle"]
	_, activeExists := m.buckets["active"]
	m.mu.Unlock()

	assert.False(t, idleExists, "idle bucket evicted")
	assert.True(t, activeExists, "active bucket kept")
}

func TestMemoryLimiterCloseIsIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		ok, err := l.Allow(ctx, "anything")
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, l.Close())
}
