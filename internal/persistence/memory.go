package persistence

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore provides a thread-safe in-memory Store with a byte quota.
// It stands in for browser local storage and backs tests.
type MemoryStore struct {
	entries map[string]*memoryEntry
	quota   int64
	used    int64
	mutex   sync.RWMutex
	now     func() time.Time
}

// memoryEntry represents a stored value with metadata
type memoryEntry struct {
	Data      []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewMemoryStore creates a new in-memory store. A quota of 0 disables the limit.
func NewMemoryStore(quotaBytes int64) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		quota:   quotaBytes,
		now:     time.Now,
	}
}

// Get retrieves a copy of the value stored under key
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	entry, exists := m.entries[key]
	if !exists {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), entry.Data...), nil
}

// PutAll stores every entry or none of them
func (m *MemoryStore) PutAll(ctx context.Context, entries map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	// Project usage after the batch before touching anything
	projected := m.used
	for key, value := range entries {
		if old, ok := m.entries[key]; ok {
			projected -= entrySize(key, old.Data)
		}
		projected += entrySize(key, value)
	}
	if m.quota > 0 && projected > m.quota {
		return ErrCapacityExceeded
	}

	now := m.now()
	for key, value := range entries {
		data := append([]byte(nil), value...)
		if old, ok := m.entries[key]; ok {
			old.Data = data
			old.UpdatedAt = now
			continue
		}
		m.entries[key] = &memoryEntry{Data: data, CreatedAt: now, UpdatedAt: now}
	}
	m.used = projected
	return nil
}

// Delete removes entries from the store
func (m *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, key := range keys {
		if old, ok := m.entries[key]; ok {
			m.used -= entrySize(key, old.Data)
			delete(m.entries, key)
		}
	}
	return nil
}

// Keys returns all keys with prefix in ascending order
func (m *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Usage reports current usage against the quota
func (m *MemoryStore) Usage(ctx context.Context) (Usage, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return Usage{UsedBytes: m.used, QuotaBytes: m.quota, Entries: len(m.entries)}, nil
}

// SetQuota changes the quota; existing entries are kept even if they exceed it
func (m *MemoryStore) SetQuota(quotaBytes int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.quota = quotaBytes
}

// Stats returns store statistics
func (m *MemoryStore) Stats() MemoryStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := MemoryStats{
		TotalEntries: len(m.entries),
		UsedBytes:    m.used,
	}

	for _, entry := range m.entries {
		if stats.OldestEntry.IsZero() || entry.UpdatedAt.Before(stats.OldestEntry) {
			stats.OldestEntry = entry.UpdatedAt
		}
		if entry.UpdatedAt.After(stats.NewestEntry) {
			stats.NewestEntry = entry.UpdatedAt
		}
	}

	return stats
}

// Close is a no-op for the memory store
func (m *MemoryStore) Close() error {
	return nil
}

// MemoryStats provides in-memory store statistics
type MemoryStats struct {
	TotalEntries int
	UsedBytes    int64
	OldestEntry  time.Time
	NewestEntry  time.Time
}
