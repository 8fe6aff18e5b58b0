// Package cache holds short-lived service state: recently seen feed payloads
// and the latest aggregation export per dataset.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dpup/prefab/errors"
	"github.com/dpup/prefab/logging"
)

// Cache provides thread-safe in-memory caching with TTL
type Cache struct {
	entries map[string]*Entry
	mutex   sync.RWMutex
	now     func() time.Time
}

// Entry is a cached item with metadata
type Entry struct {
	Key       string        `json:"key"`
	Data      []byte        `json:"data"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	TTL       time.Duration `json:"ttl"`
	Source    string        `json:"source"`
}

// NewCache creates a new in-memory cache
func NewCache() *Cache {
	return NewCacheWithClock(time.Now)
}

// NewCacheWithClock creates a cache that reads time from now
func NewCacheWithClock(now func() time.Time) *Cache {
	return &Cache{
		entries: make(map[string]*Entry),
		now:     now,
	}
}

// Set stores data as JSON, expiring after ttl
func (c *Cache) Set(key string, data interface{}, ttl time.Duration, source string) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data for cache: %w", err)
	}
	c.SetRaw(key, jsonData, ttl, source)
	return nil
}

// SetRaw stores bytes without encoding them
func (c *Cache) SetRaw(key string, data []byte, ttl time.Duration, source string) {
	now := c.now()
	entry := &Entry{
		Key:       key,
		Data:      data,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		TTL:       ttl,
		Source:    source,
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries[key] = entry
}

// Get decodes a fresh entry into result
func (c *Cache) Get(key string, result interface{}) (bool, error) {
	entry, ok := c.fresh(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(entry.Data, result); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached data: %w", err)
	}
	return true, nil
}

// GetRaw returns a fresh entry's bytes
func (c *Cache) GetRaw(key string) ([]byte, bool) {
	entry, ok := c.fresh(key)
	if !ok {
		return nil, false
	}
	return entry.Data, true
}

// GetWithMetadata returns an entry even when it is stale; the caller decides
func (c *Cache) GetWithMetadata(key string) (*Entry, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	entry, ok := c.entries[key]
	return entry, ok
}

func (c *Cache) fresh(key string) (*Entry, bool) {
	c.mutex.RLock()
	entry, exists := c.entries[key]
	c.mutex.RUnlock()
	if !exists || c.now().After(entry.ExpiresAt) {
		return nil, false
	}
	return entry, true
}

// IsStale reports whether key is missing or past its expiry
func (c *Cache) IsStale(key string) bool {
	_, ok := c.fresh(key)
	return !ok
}

// Delete removes an entry from cache
func (c *Cache) Delete(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.entries, key)
}

// Stats returns cache statistics
func (c *Cache) Stats() Stats {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := c.now()
	stats := Stats{TotalEntries: len(c.entries)}
	for _, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			stats.StaleEntries++
		} else {
			stats.FreshEntries++
		}
		if stats.OldestEntry.IsZero() || entry.CreatedAt.Before(stats.OldestEntry) {
			stats.OldestEntry = entry.CreatedAt
		}
		if entry.CreatedAt.After(stats.NewestEntry) {
			stats.NewestEntry = entry.CreatedAt
		}
	}
	return stats
}

// CleanupStale removes all stale entries from cache
func (c *Cache) CleanupStale() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	var removed int
	for key, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// StartPeriodicCleanup removes stale entries every interval until ctx is done
func (c *Cache) StartPeriodicCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err, _ := errors.ParseStack(debug.Stack())
				skipFrames := 3
				numFrames := 5
				logging.Errorw(ctx, "Cache cleanup: recovered from panic",
					"error", r, "error.stack_trace", err.MinimalStack(skipFrames, numFrames))
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := c.CleanupStale(); removed > 0 {
					logging.Infow(ctx, "Cache cleanup", "removed", removed)
				}
			}
		}
	}()
}

// Stats provides cache usage statistics
type Stats struct {
	TotalEntries int       `json:"total_entries"`
	FreshEntries int       `json:"fresh_entries"`
	StaleEntries int       `json:"stale_entries"`
	OldestEntry  time.Time `json:"oldest_entry"`
	NewestEntry  time.Time `json:"newest_entry"`
}
