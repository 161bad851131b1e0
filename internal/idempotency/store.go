package idempotency

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"
)

// Entry remembers which report a key produced and the payload it was sent with.
type Entry struct {
	PayloadHash uint64    `json:"payload_hash"`
	Token       string    `json:"token"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store records idempotency keys. Put only writes when the key is absent and
// reports whether it did.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, entry Entry) (bool, error)
}

// ScopedKey keeps keys from different callers apart.
func ScopedKey(scope, key string) string {
	return "idem:" + scope + ":" + key
}

func HashPayload(value any) uint64 {
	payload, _ := json.Marshal(value)
	hasher := fnv.New64a()
	_, _ = hasher.Write(payload)
	return hasher.Sum64()
}

type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]Entry
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]Entry),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	if s.now().Sub(entry.CreatedAt) > s.ttl {
		delete(s.entries, key)
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, entry Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[key]; ok && s.now().Sub(existing.CreatedAt) <= s.ttl {
		return false, nil
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	s.entries[key] = entry
	return true, nil
}
