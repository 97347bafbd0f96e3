package balancer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AffinityStore is the sticky-session table used by session affinity (4.E
// step 1). Two implementations are provided: an in-process map (default,
// keeps the core's "persists nothing" property for a single instance) and a
// Redis-backed store for multi-controller-instance deployments.
type AffinityStore interface {
	Get(ctx context.Context, sessionID string) (workerID string, ok bool)
	Set(ctx context.Context, sessionID, workerID string, ttl time.Duration)
	Evict(ctx context.Context, sessionID string)
	// Sweep removes entries past their TTL; only meaningful for the
	// in-process store, a no-op for the Redis store (TTL is native there).
	Sweep(now time.Time)
}

type memoryAffinityEntry struct {
	workerID  string
	expiresAt time.Time
}

// MemoryAffinityStore is the default in-process sticky-session table.
type MemoryAffinityStore struct {
	mu      sync.Mutex
	entries map[string]memoryAffinityEntry
	lg      *slog.Logger
}

// NewMemoryAffinityStore constructs an empty in-process affinity table.
func NewMemoryAffinityStore(lg *slog.Logger) *MemoryAffinityStore {
	if lg == nil {
		lg = slog.Default()
	}
	return &MemoryAffinityStore{entries: make(map[string]memoryAffinityEntry), lg: lg}
}

// Get returns the sticky worker for sessionID if present and unexpired.
func (m *MemoryAffinityStore) Get(_ context.Context, sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok || time.Now().After(e.expiresAt) {
		return "", false
	}
	return e.workerID, true
}

// Set records or refreshes the sticky worker for a session.
func (m *MemoryAffinityStore) Set(_ context.Context, sessionID, workerID string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[sessionID] = memoryAffinityEntry{workerID: workerID, expiresAt: time.Now().Add(ttl)}
}

// Evict removes a session's sticky entry.
func (m *MemoryAffinityStore) Evict(_ context.Context, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, sessionID)
}

// Sweep evicts every expired entry, run periodically by a background task.
func (m *MemoryAffinityStore) Sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
		}
	}
}

// RedisAffinityStore mirrors session affinity into Redis so that multiple
// controller instances share sticky routing. Grounded on the teacher's
// RedisLuaLimiter posture: fail open on backend errors rather than hard-fail
// routing when Redis is unreachable.
type RedisAffinityStore struct {
	client *redis.Client
	prefix string
	lg     *slog.Logger
}

// NewRedisAffinityStore constructs a Redis-backed affinity store.
func NewRedisAffinityStore(client *redis.Client, lg *slog.Logger) *RedisAffinityStore {
	if lg == nil {
		lg = slog.Default()
	}
	return &RedisAffinityStore{client: client, prefix: "affinity:", lg: lg}
}

// Get looks up the sticky worker in Redis, failing open (not-found) on error.
func (r *RedisAffinityStore) Get(ctx context.Context, sessionID string) (string, bool) {
	if r.client == nil {
		return "", false
	}
	val, err := r.client.Get(ctx, r.prefix+sessionID).Result()
	if err != nil {
		if err != redis.Nil {
			r.lg.Warn("redis affinity get failed, failing open", slog.String("session_id", sessionID), slog.Any("error", err))
		}
		return "", false
	}
	return val, true
}

// Set writes the sticky worker with a TTL via SET key val PX ttl.
func (r *RedisAffinityStore) Set(ctx context.Context, sessionID, workerID string, ttl time.Duration) {
	if r.client == nil {
		return
	}
	if err := r.client.Set(ctx, r.prefix+sessionID, workerID, ttl).Err(); err != nil {
		r.lg.Warn("redis affinity set failed", slog.String("session_id", sessionID), slog.Any("error", err))
	}
}

// Evict deletes the sticky entry for a session.
func (r *RedisAffinityStore) Evict(ctx context.Context, sessionID string) {
	if r.client == nil {
		return
	}
	if err := r.client.Del(ctx, r.prefix+sessionID).Err(); err != nil {
		r.lg.Warn("redis affinity evict failed", slog.String("session_id", sessionID), slog.Any("error", err))
	}
}

// Sweep is a no-op: Redis expires keys natively via PX.
func (r *RedisAffinityStore) Sweep(time.Time) {}
