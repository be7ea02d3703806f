package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tangible-labs/assetcycle/model"
)

// DedupStore caches dispatch results by reference key so retries of
// side-effecting actions (chain submissions in particular) return the cached
// result instead of executing twice. The key format is
// "dispatch:{actionType}:{reference}".
type DedupStore interface {
	// Check looks up a previous result by key. If the key exists and the
	// input hash matches, it returns the cached result. If the key exists
	// but the hash differs, it returns a CONFLICT error.
	Check(ctx context.Context, key, inputHash string) (result map[string]any, found bool, err error)

	// Store saves a dispatch result keyed by the reference with a TTL.
	Store(ctx context.Context, key, inputHash string, result map[string]any, ttl time.Duration) error
}

// dedupEntry is the stored value for a dedup key.
type dedupEntry struct {
	InputHash string         `json:"input_hash"`
	Result    map[string]any `json:"result"`
}

// FormatDedupKey builds the standard dedup key.
func FormatDedupKey(actionType model.ActionType, reference string) string {
	return fmt.Sprintf("dispatch:%s:%s", actionType, reference)
}

// --- MemoryDedupStore ---

// MemoryDedupStore is an in-memory DedupStore with TTL support. Suitable for
// tests and single-instance deployments.
type MemoryDedupStore struct {
	mu      sync.RWMutex
	entries map[string]*memDedupEntry
}

type memDedupEntry struct {
	data      dedupEntry
	expiresAt time.Time
}

// NewMemoryDedupStore creates a new in-memory dedup store.
func NewMemoryDedupStore() *MemoryDedupStore {
	return &MemoryDedupStore{entries: make(map[string]*memDedupEntry)}
}

// Check looks up a cached result. Returns a conflict error if the input hash
// differs.
func (s *MemoryDedupStore) Check(_ context.Context, key, inputHash string) (map[string]any, bool, error) {
	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	if entry.data.InputHash != inputHash {
		return nil, true, model.NewConflictError(
			fmt.Sprintf("dedup key %q already used with different input", key),
		)
	}
	return entry.data.Result, true, nil
}

// Store saves a result with TTL.
func (s *MemoryDedupStore) Store(_ context.Context, key, inputHash string, result map[string]any, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memDedupEntry{
		data:      dedupEntry{InputHash: inputHash, Result: result},
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryDedupStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisDedupStore ---

// RedisDedupStore is a Redis-backed DedupStore with TTL.
type RedisDedupStore struct {
	client redis.Cmdable
}

// NewRedisDedupStore creates a new Redis-backed dedup store.
func NewRedisDedupStore(client redis.Cmdable) *RedisDedupStore {
	return &RedisDedupStore{client: client}
}

// Check looks up a cached result in Redis. Returns a conflict error if the
// input hash differs.
func (s *RedisDedupStore) Check(ctx context.Context, key, inputHash string) (map[string]any, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var entry dedupEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal dedup entry %q: %w", key, err)
	}
	if entry.InputHash != inputHash {
		return nil, true, model.NewConflictError(
			fmt.Sprintf("dedup key %q already used with different input", key),
		)
	}
	return entry.Result, true, nil
}

// HealthCheck verifies Redis connectivity for readiness probes.
func (s *RedisDedupStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Store saves a result in Redis with TTL.
func (s *RedisDedupStore) Store(ctx context.Context, key, inputHash string, result map[string]any, ttl time.Duration) error {
	data, err := json.Marshal(dedupEntry{InputHash: inputHash, Result: result})
	if err != nil {
		return fmt.Errorf("marshal dedup entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}
