// Package store persists reconciliation state and the pedestrian network.
package store

import (
	"context"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/reconcile"
)

// StateStore holds events, attachments and sub-records per dataset partition.
//
// Apply is all or nothing. A failed precondition (the state moved since it was
// read) wraps reconcile.ErrConflictRace; an I/O failure is a *reconcile.PersistenceError.
type StateStore interface {
	Load(ctx context.Context, datasetID string) (*reconcile.Snapshot, error)
	Apply(ctx context.Context, set reconcile.MutationSet) error
	Datasets(ctx context.Context) ([]string, error)
	Close() error
}

// NewMemoryStore is implemented in memory.go
// NewBadgerStore is implemented in badger.go
