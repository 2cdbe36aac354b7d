package memory

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/Bridge-Gate/Bridgegate/internal/domain/session"
)

// Default interval between idle-session sweeps.
const DefaultSweepInterval = 30 * time.Second

const registryShards = 8

type registryShard struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

// MemoryRegistry implements session.Registry with sharded in-memory
// maps. One registry instance tracks the sessions of one listener and
// enforces that listener's connection cap. A background sweeper evicts
// sessions idle past the configured timeout and notifies the owner
// through the onExpire callback so the transport can be closed.
type MemoryRegistry struct {
	shards        [registryShards]registryShard
	count         atomic.Int64
	capacity      int
	idleTimeout   time.Duration
	onExpire      func(*session.Session)
	stopChan      chan struct{}
	wg            sync.WaitGroup
	once          sync.Once
	sweepInterval time.Duration
}

// NewRegistry creates a registry with the default sweep interval.
// capacity <= 0 means unlimited. idleTimeout <= 0 disables expiry.
// onExpire may be nil.
func NewRegistry(capacity int, idleTimeout time.Duration, onExpire func(*session.Session)) *MemoryRegistry {
	return NewRegistryWithConfig(capacity, idleTimeout, onExpire, DefaultSweepInterval)
}

// NewRegistryWithConfig creates a registry with a custom sweep interval.
func NewRegistryWithConfig(capacity int, idleTimeout time.Duration, onExpire func(*session.Session), sweepInterval time.Duration) *MemoryRegistry {
	r := &MemoryRegistry{
		capacity:      capacity,
		idleTimeout:   idleTimeout,
		onExpire:      onExpire,
		stopChan:      make(chan struct{}),
		sweepInterval: sweepInterval,
	}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*session.Session)
	}
	return r
}

func (r *MemoryRegistry) shard(id string) *registryShard {
	return &r.shards[xxhash.Sum64String(id)%registryShards]
}

// Add registers a session. Returns session.ErrCapacity when the
// listener is at its connection limit. The count is reserved before the
// shard insert so concurrent adds cannot overshoot the cap.
func (r *MemoryRegistry) Add(s *session.Session) error {
	if r.capacity > 0 && r.count.Add(1) > int64(r.capacity) {
		r.count.Add(-1)
		return session.ErrCapacity
	}
	if r.capacity <= 0 {
		r.count.Add(1)
	}

	sh := r.shard(s.ID())
	sh.mu.Lock()
	sh.sessions[s.ID()] = s
	sh.mu.Unlock()
	return nil
}

// Remove deregisters a session by id. Removing an unknown id is a no-op.
func (r *MemoryRegistry) Remove(id string) {
	sh := r.shard(id)
	sh.mu.Lock()
	_, ok := sh.sessions[id]
	if ok {
		delete(sh.sessions, id)
	}
	sh.mu.Unlock()

	if ok {
		r.count.Add(-1)
	}
}

// Count returns the number of live sessions.
func (r *MemoryRegistry) Count() int {
	return int(r.count.Load())
}

// Capacity returns the configured connection limit.
func (r *MemoryRegistry) Capacity() int {
	return r.capacity
}

// Snapshot returns the live sessions at a point in time.
func (r *MemoryRegistry) Snapshot() []*session.Session {
	out := make([]*session.Session, 0, r.Count())
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for _, s := range sh.sessions {
			out = append(out, s)
		}
		sh.mu.Unlock()
	}
	return out
}

// StartSweeper starts the background goroutine that evicts idle
// sessions. It stops when ctx is cancelled or Stop() is called.
func (r *MemoryRegistry) StartSweeper(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

// sweep removes idle sessions and fires onExpire for each after the
// shard locks are released. onExpire closes the session's transport,
// whose teardown may call back into Remove.
func (r *MemoryRegistry) sweep() {
	if r.idleTimeout <= 0 {
		return
	}

	var expired []*session.Session
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for id, s := range sh.sessions {
			if s.Expired(r.idleTimeout) {
				delete(sh.sessions, id)
				expired = append(expired, s)
			}
		}
		sh.mu.Unlock()
	}

	if len(expired) == 0 {
		return
	}
	r.count.Add(-int64(len(expired)))
	slog.Debug("evicted idle sessions",
		"count", len(expired),
		"remaining", r.Count())

	if r.onExpire == nil {
		return
	}
	for _, s := range expired {
		r.onExpire(s)
	}
}

// Stop gracefully stops the sweeper goroutine and waits for it to exit.
// Safe to call multiple times.
func (r *MemoryRegistry) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

// Compile-time interface verification.
var _ session.Registry = (*MemoryRegistry)(nil)
