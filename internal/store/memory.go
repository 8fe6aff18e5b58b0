package store

import (
	"context"
	"sort"
	"sync"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/reconcile"
)

// MemoryStore keeps state in process, one snapshot per dataset
type MemoryStore struct {
	mu       sync.RWMutex
	datasets map[string]*reconcile.Snapshot
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{datasets: make(map[string]*reconcile.Snapshot)}
}

// Load returns a copy of the dataset's state
func (s *MemoryStore) Load(_ context.Context, datasetID string) (*reconcile.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if snap, ok := s.datasets[datasetID]; ok {
		return snap.Clone(), nil
	}
	return reconcile.NewSnapshot(datasetID, nil, nil, nil), nil
}

// Apply applies the set atomically
func (s *MemoryStore) Apply(_ context.Context, set reconcile.MutationSet) error {
	if set.Empty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.datasets[set.DatasetID]
	if !ok {
		snap = reconcile.NewSnapshot(set.DatasetID, nil, nil, nil)
	}
	if err := snap.Apply(set); err != nil {
		return err
	}
	s.datasets[set.DatasetID] = snap
	return nil
}

// Datasets lists datasets that have received writes
func (s *MemoryStore) Datasets(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.datasets))
	for id := range s.datasets {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
