package store

import (
	"context"
	"sync"
	"time"
)

type memoryKey struct {
	fileName, fileHash, kind string
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[memoryKey]Analysis
	order   []memoryKey
	now     func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[memoryKey]Analysis), now: time.Now}
}

func (m *MemoryStore) GetAnalysis(_ context.Context, fileName, fileHash, kind string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.entries[memoryKey{fileName, fileHash, kind}]
	if !ok {
		return "", false, nil
	}
	return a.Value, true, nil
}

func (m *MemoryStore) StoreAnalysis(_ context.Context, a Analysis) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now()
	}
	key := memoryKey{a.FileName, a.FileHash, a.Kind}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[key]; !exists {
		m.order = append(m.order, key)
	}
	m.entries[key] = a
	return nil
}

func (m *MemoryStore) ListBatch(_ context.Context, batchID string) ([]Analysis, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Analysis
	for _, key := range m.order {
		if a := m.entries[key]; a.BatchID == batchID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemoryStore) ClearBatch(_ context.Context, batchID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	kept := m.order[:0]
	for _, key := range m.order {
		if m.entries[key].BatchID == batchID {
			delete(m.entries, key)
			removed++
			continue
		}
		kept = append(kept, key)
	}
	m.order = kept
	return removed, nil
}

func (m *MemoryStore) Close() error { return nil }
