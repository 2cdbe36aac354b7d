// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/Bridge-Gate/Bridgegate/internal/domain/ratelimit"
)

// Number of lock shards. Keys are spread across shards by hash so
// unrelated clients do not contend on one mutex.
const limiterShards = 16

// clientWindow holds the sliding window of one client key.
// stamps are the accepted request times, oldest first. throttles are
// the denial times inside the same window, used to detect clients that
// keep sending after being told to back off.
type clientWindow struct {
	stamps    []time.Time
	throttles []time.Time
}

// last reports the most recent activity on the window.
func (w *clientWindow) last() time.Time {
	var t time.Time
	if n := len(w.stamps); n > 0 {
		t = w.stamps[n-1]
	}
	if n := len(w.throttles); n > 0 && w.throttles[n-1].After(t) {
		t = w.throttles[n-1]
	}
	return t
}

type limiterShard struct {
	mu      sync.Mutex
	clients map[string]*clientWindow
}

// MemoryRateLimiter implements ratelimit.Limiter with exact sliding
// windows in memory. Thread-safe for concurrent access. Includes
// background cleanup to prevent unbounded memory growth from
// one-shot clients.
type MemoryRateLimiter struct {
	shards          [limiterShards]limiterShard
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	maxIdle         time.Duration
}

// NewRateLimiter creates a new in-memory rate limiter with default cleanup settings.
// Default cleanup interval: 5 minutes, default idle TTL: 1 hour.
func NewRateLimiter() *MemoryRateLimiter {
	return NewRateLimiterWithConfig(5*time.Minute, 1*time.Hour)
}

// NewRateLimiterWithConfig creates a new in-memory rate limiter with custom cleanup settings.
// cleanupInterval: how often to run cleanup (e.g., 5 minutes)
// maxIdle: how long an inactive key is kept before removal (e.g., 1 hour)
func NewRateLimiterWithConfig(cleanupInterval, maxIdle time.Duration) *MemoryRateLimiter {
	r := &MemoryRateLimiter{
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
		maxIdle:         maxIdle,
	}
	for i := range r.shards {
		r.shards[i].clients = make(map[string]*clientWindow)
	}
	return r
}

func (r *MemoryRateLimiter) shard(key string) *limiterShard {
	return &r.shards[xxhash.Sum64String(key)%limiterShards]
}

// Account records one request against key and reports the window
// decision. Exactly MaxRequests requests pass per window; the next
// request is throttled and counted so callers can escalate on repeat
// offenders.
func (r *MemoryRateLimiter) Account(ctx context.Context, key string, cfg ratelimit.WindowConfig) (ratelimit.Decision, error) {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 1
	}

	sh := r.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := time.Now()
	w, ok := sh.clients[key]
	if !ok {
		w = &clientWindow{}
		sh.clients[key] = w
	}

	horizon := now.Add(-cfg.Window)
	w.stamps = pruneBefore(w.stamps, horizon)
	w.throttles = pruneBefore(w.throttles, horizon)

	if len(w.stamps) >= cfg.MaxRequests {
		w.throttles = append(w.throttles, now)
		return ratelimit.Decision{
			Throttled:  true,
			Repeats:    len(w.throttles),
			Remaining:  0,
			RetryAfter: w.stamps[0].Add(cfg.Window).Sub(now),
		}, nil
	}

	w.stamps = append(w.stamps, now)
	return ratelimit.Decision{
		Remaining: cfg.MaxRequests - len(w.stamps),
	}, nil
}

// Full reports whether the window for key is already exhausted without
// recording a request. Used at connection admission.
func (r *MemoryRateLimiter) Full(ctx context.Context, key string, cfg ratelimit.WindowConfig) (bool, error) {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 1
	}

	sh := r.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.clients[key]
	if !ok {
		return false, nil
	}
	w.stamps = pruneBefore(w.stamps, time.Now().Add(-cfg.Window))
	return len(w.stamps) >= cfg.MaxRequests, nil
}

// pruneBefore drops timestamps at or before horizon, keeping order.
func pruneBefore(ts []time.Time, horizon time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(horizon) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// StartCleanup starts the background cleanup goroutine.
// The goroutine periodically removes keys idle longer than maxIdle.
// It stops when ctx is cancelled or Stop() is called.
func (r *MemoryRateLimiter) StartCleanup(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.cleanup()
			}
		}
	}()
}

// cleanup removes keys whose last activity is older than maxIdle.
func (r *MemoryRateLimiter) cleanup() {
	cutoff := time.Now().Add(-r.maxIdle)
	cleaned := 0
	remaining := 0

	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for key, w := range sh.clients {
			if w.last().Before(cutoff) {
				delete(sh.clients, key)
				cleaned++
			}
		}
		remaining += len(sh.clients)
		sh.mu.Unlock()
	}

	if cleaned > 0 {
		slog.Debug("rate limiter cleanup completed",
			"cleaned_keys", cleaned,
			"remaining_keys", remaining)
	}
}

// Stop gracefully stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (r *MemoryRateLimiter) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

// Size returns the current number of tracked keys.
// Useful for testing and monitoring memory usage.
func (r *MemoryRateLimiter) Size() int {
	n := 0
	for i := range r.shards {
		r.shards[i].mu.Lock()
		n += len(r.shards[i].clients)
		r.shards[i].mu.Unlock()
	}
	return n
}

// Compile-time interface verification.
var _ ratelimit.Limiter = (*MemoryRateLimiter)(nil)
