package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket tracks the token level for one key.
type bucket struct {
	level   float64
	touched time.Time
}

// MemoryLimiter is a per-key token bucket held in process memory. Suitable
// for single-instance deployments; a multi-instance deployment needs a
// shared backend behind the same Limiter interface.
//
// A janitor goroutine evicts idle keys so an attacker cycling through agent
// IDs cannot grow the map without bound.
type MemoryLimiter struct {
	refillPerSec float64
	capacity     float64

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a limiter allowing a sustained `rate` requests
// per second per key with bursts up to `burst`. Call Close to stop the
// janitor goroutine.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		refillPerSec: rate,
		capacity:     float64(burst),
		buckets:      make(map[string]*bucket),
		done:         make(chan struct{}),
	}
	go m.janitor()
	return m
}

// Allow consumes one token for key, reporting whether one was available.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets[key]
	if !ok {
		// New key: full bucket minus the token for this request.
		m.buckets[key] = &bucket{level: m.capacity - 1, touched: now}
		return true, nil
	}

	b.level += now.Sub(b.touched).Seconds() * m.refillPerSec
	if b.level > m.capacity {
		b.level = m.capacity
	}
	b.touched = now

	if b.level < 1 {
		return false, nil
	}
	b.level--
	return true, nil
}

// Close stops the janitor. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const (
	sweepInterval = time.Minute
	idleEviction  = 10 * time.Minute
)

func (m *MemoryLimiter) janitor() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep drops buckets untouched for longer than idleEviction. An evicted
// key simply starts over with a full bucket, which only benefits idle keys.
func (m *MemoryLimiter) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-idleEviction)
	for key, b := range m.buckets {
		if b.touched.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
