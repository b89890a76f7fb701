// Package persistence provides the durable key-value storage used to mirror
// the trail collection and its auxiliary backups.
package persistence

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrKeyNotFound is returned by Get for keys that were never written
	ErrKeyNotFound = errors.New("key not found")

	// ErrCapacityExceeded is returned when a write would exceed the store quota.
	// Nothing from the rejected batch is applied.
	ErrCapacityExceeded = errors.New("storage capacity exceeded")
)

// Well-known keys
const (
	TrailsKey        = "trails"
	TrailsGeoJSONKey = "trails.geojson"
	BackupPrefix     = "backup:"
)

// backupKeyLayout sorts lexicographically in time order
const backupKeyLayout = "20060102T150405.000000000Z"

// Store is a durable key-value store with an optional byte quota
type Store interface {
	// Get returns the value stored under key or ErrKeyNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// PutAll writes every entry atomically. Either all entries are stored or
	// none are.
	PutAll(ctx context.Context, entries map[string][]byte) error

	// Delete removes keys; missing keys are ignored
	Delete(ctx context.Context, keys ...string) error

	// Keys returns the keys with the given prefix in ascending order
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Usage reports bytes used and the configured quota
	Usage(ctx context.Context) (Usage, error)

	Close() error
}

// Usage describes how much of a store's quota is in use. A zero quota means
// the store is unbounded.
type Usage struct {
	UsedBytes  int64 `json:"usedBytes"`
	QuotaBytes int64 `json:"quotaBytes"`
	Entries    int   `json:"entries"`
}

// Pressure maps usage onto 0.0-1.0
func (u Usage) Pressure() float64 {
	if u.QuotaBytes <= 0 {
		return 0
	}
	p := float64(u.UsedBytes) / float64(u.QuotaBytes)
	if p > 1 {
		return 1
	}
	if p < 0 {
		return 0
	}
	return p
}

// BackupKey returns the key an auxiliary backup taken at t is stored under
func BackupKey(t time.Time) string {
	return BackupPrefix + t.UTC().Format(backupKeyLayout)
}

// BackupTime parses the timestamp back out of a backup key
func BackupTime(key string) (time.Time, bool) {
	if !strings.HasPrefix(key, BackupPrefix) {
		return time.Time{}, false
	}
	t, err := time.Parse(backupKeyLayout, strings.TrimPrefix(key, BackupPrefix))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// entrySize is how an entry is charged against a quota
func entrySize(key string, value []byte) int64 {
	return int64(len(key) + len(value))
}
