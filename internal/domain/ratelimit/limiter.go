package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryLimiter implements Limiter using GCRA in process memory.
// Thread-safe. A background goroutine evicts idle keys so the map does not
// grow without bound.
type MemoryLimiter struct {
	mu    sync.Mutex
	cells map[string]time.Time // theoretical arrival time per key

	cleanupInterval time.Duration
	maxTTL          time.Duration
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
}

// NewMemoryLimiter creates an in-memory limiter. cleanupInterval is how often
// idle keys are swept; maxTTL is the idle age at which a key is dropped.
func NewMemoryLimiter(cleanupInterval, maxTTL time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		cells:           make(map[string]time.Time),
		cleanupInterval: cleanupInterval,
		maxTTL:          maxTTL,
		stopChan:        make(chan struct{}),
	}
}

// Allow checks admission for key under cfg using GCRA, which spreads
// requests evenly over time instead of resetting at window boundaries.
func (l *MemoryLimiter) Allow(ctx context.Context, key string, cfg Config) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	rate := cfg.Rate
	if rate <= 0 {
		rate = 1
	}
	emission := cfg.Period / time.Duration(rate)

	burst := cfg.Burst
	if burst <= 0 {
		burst = rate
	}
	// A full burst of N requests is conforming when they arrive together, so
	// the delay tolerance is one emission short of the burst capacity.
	capacity := time.Duration(burst) * emission
	tolerance := capacity - emission

	tat, ok := l.cells[key]
	if !ok || tat.Before(now) {
		tat = now
	}

	allowAt := tat.Add(-tolerance)
	if now.Before(allowAt) {
		return Result{
			Allowed:    false,
			RetryAfter: allowAt.Sub(now),
			ResetAfter: tat.Sub(now),
		}, nil
	}

	newTAT := tat.Add(emission)
	if newTAT.Before(now) {
		newTAT = now.Add(emission)
	}
	l.cells[key] = newTAT

	remaining := int((capacity - newTAT.Sub(now)) / emission)
	if remaining < 0 {
		remaining = 0
	}
	if remaining > burst {
		remaining = burst
	}

	return Result{
		Allowed:    true,
		Remaining:  remaining,
		ResetAfter: newTAT.Sub(now),
	}, nil
}

// StartCleanup launches the background eviction goroutine. It stops when ctx
// is cancelled or Stop is called.
func (l *MemoryLimiter) StartCleanup(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopChan:
				return
			case <-ticker.C:
				l.evictIdle()
			}
		}
	}()
}

func (l *MemoryLimiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.maxTTL)
	evicted := 0
	for key, tat := range l.cells {
		if tat.Before(cutoff) {
			delete(l.cells, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction completed",
			"evicted_keys", evicted,
			"remaining_keys", len(l.cells))
	}
}

// Stop terminates the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (l *MemoryLimiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()
}

// Size returns the number of tracked keys. Used by tests and monitoring.
func (l *MemoryLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cells)
}

var _ Limiter = (*MemoryLimiter)(nil)
