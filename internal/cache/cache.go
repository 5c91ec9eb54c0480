// internal/cache/cache.go
package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"gh-ingestor/internal/model"
)

// Version tags every key so a format change can invalidate the whole cache
// at once by bumping it.
const Version = "v1"

// Key builds the content-addressed cache key for a request. fullPath is the
// canonical path including the sorted query string.
func Key(scope model.Scope, fullPath string) string {
	sum := sha256.Sum256([]byte(fullPath))
	return fmt.Sprintf("github_api/%s/%s/%x", Version, scope, sum)
}

// Cache stores successful upstream responses for a bounded time. A hit
// costs no rate-limit budget, so every miss avoided is budget saved.
type Cache interface {
	// Get returns the cached body and whether the key was present and
	// unexpired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores body under key for ttl.
	Set(ctx context.Context, key string, scope model.Scope, body []byte, ttl time.Duration) error
}

// Memory is an in-process Cache. Used in tests and as a fallback when no
// database-backed cache is wanted.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	body      []byte
	expiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if m.now().After(e.expiresAt) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.body, true, nil
}

func (m *Memory) Set(_ context.Context, key string, _ model.Scope, body []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memoryEntry{
		body:      append([]byte(nil), body...),
		expiresAt: m.now().Add(ttl),
	}
	return nil
}
