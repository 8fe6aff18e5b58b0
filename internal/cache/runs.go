package cache

import (
	"time"
)

// LatestRun is the most recent aggregation output for a dataset
type LatestRun struct {
	RunID       string    `json:"run_id"`
	DatasetID   string    `json:"dataset_id"`
	Fingerprint string    `json:"fingerprint"`
	Timestamp   string    `json:"timestamp"`
	Edges       int       `json:"edges"`
	PublicCSV   []byte    `json:"public_csv"`
	BulkCSV     []byte    `json:"bulk_csv"`
	ComputedAt  time.Time `json:"computed_at"`
}

// RunStore keeps each dataset's latest run until a newer one replaces it or
// it outlives ttl
type RunStore struct {
	cache *Cache
	ttl   time.Duration
}

// NewRunStore creates a run store on top of cache
func NewRunStore(cache *Cache, ttl time.Duration) *RunStore {
	return &RunStore{cache: cache, ttl: ttl}
}

// Put replaces the dataset's latest run
func (s *RunStore) Put(run LatestRun) error {
	return s.cache.Set(runKey(run.DatasetID), run, s.ttl, "aggregation")
}

// Get returns the dataset's latest run if it has not expired
func (s *RunStore) Get(datasetID string) (LatestRun, bool, error) {
	var run LatestRun
	found, err := s.cache.Get(runKey(datasetID), &run)
	return run, found, err
}

// IsVeryStale reports whether the run is older than twice its ttl, or missing
func (s *RunStore) IsVeryStale(datasetID string) bool {
	entry, ok := s.cache.GetWithMetadata(runKey(datasetID))
	if !ok {
		return true
	}
	return s.cache.now().After(entry.CreatedAt.Add(2 * entry.TTL))
}

func runKey(datasetID string) string {
	return "run:" + datasetID
}
