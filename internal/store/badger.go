package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/reconcile"
)

// Key layout, components separated by a zero byte:
//
//	ds <dataset>                            dataset marker
//	ev <dataset> <event>                    event JSON
//	at <dataset> <segment> <event>          attachment JSON
//	ix <dataset> <event> <segment>          event to attachment index
//	sr <dataset> <kind> <id>                sub-record JSON
//	sx <dataset> <event> <kind> <id>        event to sub-record index
const keySep = "\x00"

func key(parts ...string) []byte {
	return []byte(strings.Join(parts, keySep))
}

func prefix(parts ...string) []byte {
	return []byte(strings.Join(parts, keySep) + keySep)
}

// BadgerStore persists state in a badger database. Each Apply runs in one
// serializable transaction.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a store at path. An empty path keeps
// everything in memory.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	// Decrease logging verbosity
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open badger store")
	}
	return &BadgerStore{db: db}, nil
}

// Close closes the database
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// Load reads a dataset's full state
func (s *BadgerStore) Load(_ context.Context, datasetID string) (*reconcile.Snapshot, error) {
	var events []network.Event
	var attachments []network.Attachment
	var subRecords []network.SubRecord

	err := s.db.View(func(txn *badger.Txn) error {
		if err := scanJSON(txn, prefix("ev", datasetID), func(v []byte) error {
			var e network.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			events = append(events, e)
			return nil
		}); err != nil {
			return err
		}
		if err := scanJSON(txn, prefix("at", datasetID), func(v []byte) error {
			var a network.Attachment
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			attachments = append(attachments, a)
			return nil
		}); err != nil {
			return err
		}
		return scanJSON(txn, prefix("sr", datasetID), func(v []byte) error {
			var r network.SubRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			subRecords = append(subRecords, r)
			return nil
		})
	})
	if err != nil {
		return nil, &reconcile.PersistenceError{DatasetID: datasetID, Err: errors.Wrap(err, "load")}
	}
	return reconcile.NewSnapshot(datasetID, events, attachments, subRecords), nil
}

// Apply runs the set in one transaction. Preconditions match reconcile.Snapshot.
// A transaction conflict with a concurrent writer is reported as ErrConflictRace.
func (s *BadgerStore) Apply(_ context.Context, set reconcile.MutationSet) error {
	if set.Empty() {
		return nil
	}
	ds := set.DatasetID

	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key("ds", ds), []byte{}); err != nil {
			return err
		}
		for i, m := range set.Mutations {
			if err := applyMutation(txn, ds, m); err != nil {
				return errors.Wrapf(err, "mutation %d (%s %s)", i, m.Kind, m.Target())
			}
		}
		return nil
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, reconcile.ErrConflictRace):
		return err
	case errors.Is(err, badger.ErrConflict):
		return errors.Wrap(reconcile.ErrConflictRace, err.Error())
	}
	return &reconcile.PersistenceError{DatasetID: ds, EventID: firstEventID(set), Err: err}
}

func applyMutation(txn *badger.Txn, ds string, m reconcile.Mutation) error {
	switch m.Kind {
	case reconcile.EventCreate:
		k := key("ev", ds, m.Event.ID)
		if ok, err := exists(txn, k); err != nil || ok {
			return conflictIf(ok, err, "event already exists")
		}
		return setJSON(txn, k, m.Event)

	case reconcile.EventUpdate:
		k := key("ev", ds, m.Event.ID)
		if ok, err := exists(txn, k); err != nil || !ok {
			return conflictIf(!ok, err, "event no longer exists")
		}
		return setJSON(txn, k, m.Event)

	case reconcile.EventRetire:
		return retireEvent(txn, ds, m.Event.ID)

	case reconcile.AttachmentCreate:
		a := m.Attachment
		if ok, err := exists(txn, key("ev", ds, a.EventID)); err != nil || !ok {
			return conflictIf(!ok, err, "attachment event does not exist")
		}
		k := key("at", ds, a.SegmentID, a.EventID)
		if ok, err := exists(txn, k); err != nil || ok {
			return conflictIf(ok, err, "attachment already exists")
		}
		if err := setJSON(txn, k, a); err != nil {
			return err
		}
		return txn.Set(key("ix", ds, a.EventID, a.SegmentID), []byte{})

	case reconcile.AttachmentDelete:
		a := m.Attachment
		k := key("at", ds, a.SegmentID, a.EventID)
		if ok, err := exists(txn, k); err != nil || !ok {
			return conflictIf(!ok, err, "attachment already deleted")
		}
		if err := txn.Delete(k); err != nil {
			return err
		}
		return txn.Delete(key("ix", ds, a.EventID, a.SegmentID))

	case reconcile.SubRecordCreate:
		r := m.SubRecord
		k := key("sr", ds, string(r.Kind), r.ID)
		if ok, err := exists(txn, k); err != nil || ok {
			return conflictIf(ok, err, "sub-record already exists")
		}
		if ok, err := exists(txn, key("ev", ds, r.EventID)); err != nil || !ok {
			return conflictIf(!ok, err, "sub-record event does not exist")
		}
		if err := setJSON(txn, k, r); err != nil {
			return err
		}
		return txn.Set(key("sx", ds, r.EventID, string(r.Kind), r.ID), []byte{})

	case reconcile.SubRecordUpdate:
		r := m.SubRecord
		k := key("sr", ds, string(r.Kind), r.ID)
		if ok, err := exists(txn, k); err != nil || !ok {
			return conflictIf(!ok, err, "sub-record no longer exists")
		}
		return setJSON(txn, k, r)
	}
	return errors.Errorf("unknown mutation kind %q", m.Kind)
}

// retireEvent deletes an event with its attachments and sub-records
func retireEvent(txn *badger.Txn, ds, eventID string) error {
	k := key("ev", ds, eventID)
	if ok, err := exists(txn, k); err != nil || !ok {
		return conflictIf(!ok, err, "event already retired")
	}

	var doomed [][]byte
	segments, err := scanKeys(txn, prefix("ix", ds, eventID))
	if err != nil {
		return err
	}
	for _, rest := range segments {
		doomed = append(doomed, key("ix", ds, eventID, rest), key("at", ds, rest, eventID))
	}
	subRecords, err := scanKeys(txn, prefix("sx", ds, eventID))
	if err != nil {
		return err
	}
	for _, rest := range subRecords {
		// rest is "<kind>\x00<id>"
		doomed = append(doomed, key("sx", ds, eventID, rest), key("sr", ds, rest))
	}
	doomed = append(doomed, k)

	for _, d := range doomed {
		if err := txn.Delete(d); err != nil {
			return err
		}
	}
	return nil
}

// Datasets lists datasets that have received writes
func (s *BadgerStore) Datasets(_ context.Context) ([]string, error) {
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		names, err := scanKeys(txn, prefix("ds"))
		out = names
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "listing datasets")
	}
	sort.Strings(out)
	return out, nil
}

func exists(txn *badger.Txn, k []byte) (bool, error) {
	_, err := txn.Get(k)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	}
	return false, err
}

// conflictIf turns a failed precondition into ErrConflictRace and passes I/O errors through
func conflictIf(failed bool, err error, reason string) error {
	if err != nil {
		return err
	}
	if failed {
		return errors.Wrap(reconcile.ErrConflictRace, reason)
	}
	return nil
}

func setJSON(txn *badger.Txn, k []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(k, data)
}

func scanJSON(txn *badger.Txn, p []byte, fn func(v []byte) error) error {
	it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: p})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

// scanKeys returns the key suffixes after p
func scanKeys(txn *badger.Txn, p []byte) ([]string, error) {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: p})
	defer it.Close()
	var out []string
	for it.Rewind(); it.Valid(); it.Next() {
		out = append(out, string(it.Item().Key()[len(p):]))
	}
	return out, nil
}

func firstEventID(set reconcile.MutationSet) string {
	for _, m := range set.Mutations {
		switch {
		case m.Event != nil:
			return m.Event.ID
		case m.Attachment != nil:
			return m.Attachment.EventID
		case m.SubRecord != nil:
			return m.SubRecord.EventID
		}
	}
	return ""
}
