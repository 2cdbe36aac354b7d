package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/Bridge-Gate/Bridgegate/internal/domain/ratelimit"
)

const blocklistShards = 16

type blockShard struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// MemoryBlocklist implements ratelimit.Blocklist with sharded in-memory
// maps of IP to block expiry. Thread-safe for concurrent access.
// Expired entries are dropped on access and by the background cleanup
// goroutine.
type MemoryBlocklist struct {
	shards          [blocklistShards]blockShard
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
}

// NewBlocklist creates a new in-memory blocklist with default cleanup interval (1 minute).
func NewBlocklist() *MemoryBlocklist {
	return NewBlocklistWithConfig(1 * time.Minute)
}

// NewBlocklistWithConfig creates a new in-memory blocklist with a custom cleanup interval.
func NewBlocklistWithConfig(cleanupInterval time.Duration) *MemoryBlocklist {
	b := &MemoryBlocklist{
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
	}
	for i := range b.shards {
		b.shards[i].entries = make(map[string]time.Time)
	}
	return b
}

func (b *MemoryBlocklist) shard(ip string) *blockShard {
	return &b.shards[xxhash.Sum64String(ip)%blocklistShards]
}

// Block bans ip for the given duration. Re-blocking an already blocked
// IP extends the ban to the later expiry.
func (b *MemoryBlocklist) Block(ctx context.Context, ip string, duration time.Duration) error {
	expiry := time.Now().Add(duration)

	sh := b.shard(ip)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if current, ok := sh.entries[ip]; ok && current.After(expiry) {
		return nil
	}
	sh.entries[ip] = expiry
	return nil
}

// IsBlocked reports whether ip is currently banned. Expired entries are
// removed on the spot.
func (b *MemoryBlocklist) IsBlocked(ctx context.Context, ip string) (bool, error) {
	sh := b.shard(ip)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	expiry, ok := sh.entries[ip]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		delete(sh.entries, ip)
		return false, nil
	}
	return true, nil
}

// StartCleanup starts the background cleanup goroutine.
// It stops when ctx is cancelled or Stop() is called.
func (b *MemoryBlocklist) StartCleanup(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopChan:
				return
			case <-ticker.C:
				b.cleanup()
			}
		}
	}()
}

// cleanup removes expired bans.
func (b *MemoryBlocklist) cleanup() {
	now := time.Now()
	cleaned := 0
	remaining := 0

	for i := range b.shards {
		sh := &b.shards[i]
		sh.mu.Lock()
		for ip, expiry := range sh.entries {
			if now.After(expiry) {
				delete(sh.entries, ip)
				cleaned++
			}
		}
		remaining += len(sh.entries)
		sh.mu.Unlock()
	}

	if cleaned > 0 {
		slog.Debug("blocklist cleanup completed",
			"cleaned_entries", cleaned,
			"remaining_entries", remaining)
	}
}

// Stop gracefully stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (b *MemoryBlocklist) Stop() {
	b.once.Do(func() {
		close(b.stopChan)
	})
	b.wg.Wait()
}

// Size returns the number of active bans. Useful for testing.
func (b *MemoryBlocklist) Size() int {
	n := 0
	for i := range b.shards {
		b.shards[i].mu.Lock()
		n += len(b.shards[i].entries)
		b.shards[i].mu.Unlock()
	}
	return n
}

// Compile-time interface verification.
var _ ratelimit.Blocklist = (*MemoryBlocklist)(nil)
