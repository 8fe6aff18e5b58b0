package cache

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// PayloadTracker remembers the content hash of the last feed payload seen per
// source and dataset, so an unchanged poll can skip reconciliation
type PayloadTracker struct {
	cache *Cache
	ttl   time.Duration
}

// NewPayloadTracker remembers hashes for ttl. Once a hash expires the next
// identical payload is processed again.
func NewPayloadTracker(cache *Cache, ttl time.Duration) *PayloadTracker {
	return &PayloadTracker{cache: cache, ttl: ttl}
}

// ContentHash returns the hex SHA-256 of the payload parts
func ContentHash(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		fmt.Fprintf(h, "%d:", len(p))
		h.Write(p)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Unchanged reports whether hash matches the last recorded payload
func (t *PayloadTracker) Unchanged(source, datasetID, hash string) bool {
	prev, ok := t.cache.GetRaw(payloadKey(source, datasetID))
	return ok && string(prev) == hash
}

// Record stores hash as the latest processed payload
func (t *PayloadTracker) Record(source, datasetID, hash string) {
	t.cache.SetRaw(payloadKey(source, datasetID), []byte(hash), t.ttl, source)
}

// Forget drops the recorded hash, forcing the next payload through
func (t *PayloadTracker) Forget(source, datasetID string) {
	t.cache.Delete(payloadKey(source, datasetID))
}

func payloadKey(source, datasetID string) string {
	return "payload:" + source + ":" + datasetID
}
