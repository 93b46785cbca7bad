package cache

import (
	"context"
	"sync"
	"time"
)

// memoryEntry stores a cached result with metadata.
type memoryEntry struct {
	Value     string
	CreatedAt time.Time
	HitCount  int
}

// MemoryStats tracks in-process cache behaviour.
type MemoryStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// MemoryBackend is an LRU cache held in process memory.
// A zero TTL keeps entries for the lifetime of the process.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	order   []string // LRU order tracking
	maxSize int
	ttl     time.Duration
	stats   MemoryStats
	now     func() time.Time
}

// NewMemoryBackend creates an LRU backend holding at most maxSize entries.
func NewMemoryBackend(maxSize int, ttl time.Duration) *MemoryBackend {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &MemoryBackend{
		entries: make(map[string]*memoryEntry),
		order:   make([]string, 0, maxSize),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get retrieves a cached value.
func (m *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.entries[key]
	if !exists {
		m.stats.Misses++
		return "", false, nil
	}
	if m.ttl > 0 && m.now().Sub(entry.CreatedAt) > m.ttl {
		delete(m.entries, key)
		m.removeFromOrder(key)
		m.stats.Evictions++
		m.stats.Misses++
		return "", false, nil
	}
	entry.HitCount++
	m.stats.Hits++
	m.moveToEnd(key)
	return entry.Value, true, nil
}

// Set stores a value, evicting the least recently used entries at capacity.
// An existing key keeps its first value.
func (m *MemoryBackend) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; exists {
		return nil
	}
	for len(m.entries) >= m.maxSize && len(m.order) > 0 {
		oldest := m.order[0]
		delete(m.entries, oldest)
		m.order = m.order[1:]
		m.stats.Evictions++
	}
	m.entries[key] = &memoryEntry{Value: value, CreatedAt: m.now()}
	m.order = append(m.order, key)
	m.stats.Size = len(m.entries)
	return nil
}

// Clear removes all entries from the cache.
func (m *MemoryBackend) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*memoryEntry)
	m.order = make([]string, 0, m.maxSize)
	m.stats.Size = 0
	return nil
}

// Len returns the number of cached entries.
func (m *MemoryBackend) Len(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

// Close is a no-op.
func (m *MemoryBackend) Close() error { return nil }

// Stats returns current cache statistics.
func (m *MemoryBackend) Stats() MemoryStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.stats
	s.Size = len(m.entries)
	return s
}

// EvictExpired removes all expired entries from the cache.
func (m *MemoryBackend) EvictExpired() int {
	if m.ttl <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	now := m.now()
	newOrder := make([]string, 0, len(m.order))
	for _, key := range m.order {
		entry, exists := m.entries[key]
		if !exists {
			continue
		}
		if now.Sub(entry.CreatedAt) > m.ttl {
			delete(m.entries, key)
			evicted++
			m.stats.Evictions++
		} else {
			newOrder = append(newOrder, key)
		}
	}
	m.order = newOrder
	m.stats.Size = len(m.entries)
	return evicted
}

// moveToEnd moves a key to the end of the LRU order.
func (m *MemoryBackend) moveToEnd(key string) {
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			m.order = append(m.order, key)
			return
		}
	}
}

// removeFromOrder removes a key from the LRU order.
func (m *MemoryBackend) removeFromOrder(key string) {
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}
