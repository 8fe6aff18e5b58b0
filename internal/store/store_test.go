package store

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/geo"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/reconcile"
)

const testDataset = "33.8N84.3W"

func testEvent(id string, end int64) network.Event {
	return network.Event{
		ID:          id,
		Source:      network.SourceAlert,
		Category:    "HAZARD",
		Subcategory: "HAZARD_ON_ROAD_POT_HOLE",
		Location:    geo.Point{Latitude: 33.887, Longitude: -84.253},
		DatasetID:   testDataset,
		Window:      network.TimeWindow{EndMillis: end},
	}
}

func testAttachment(segment, event string) network.Attachment {
	return network.Attachment{
		SegmentID: segment,
		EventID:   event,
		DatasetID: testDataset,
		Class:     network.Through,
		Factor:    1.5,
		Effect:    network.EffectMul,
	}
}

func eventMutation(kind reconcile.MutationKind, e network.Event) reconcile.Mutation {
	return reconcile.Mutation{Kind: kind, Event: &e}
}

func attachmentMutation(kind reconcile.MutationKind, a network.Attachment) reconcile.Mutation {
	return reconcile.Mutation{Kind: kind, Attachment: &a}
}

func subRecordMutation(kind reconcile.MutationKind, r network.SubRecord) reconcile.Mutation {
	return reconcile.Mutation{Kind: kind, SubRecord: &r}
}

func set(mutations ...reconcile.Mutation) reconcile.MutationSet {
	return reconcile.MutationSet{DatasetID: testDataset, Mutations: mutations}
}

// Each store implementation must behave like reconcile.Snapshot
func stateStores(t *testing.T) map[string]StateStore {
	badgerStore, err := NewBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { badgerStore.Close() })

	return map[string]StateStore{
		"memory": NewMemoryStore(),
		"badger": badgerStore,
	}
}

func TestStateStore_CreateAndLoad(t *testing.T) {
	ctx := context.Background()
	for name, s := range stateStores(t) {
		t.Run(name, func(t *testing.T) {
			err := s.Apply(ctx, set(
				eventMutation(reconcile.EventCreate, testEvent("ev-1", 1000)),
				attachmentMutation(reconcile.AttachmentCreate, testAttachment("sw-1", "ev-1")),
				attachmentMutation(reconcile.AttachmentCreate, testAttachment("sw-2", "ev-1")),
			))
			require.NoError(t, err)

			snap, err := s.Load(ctx, testDataset)
			require.NoError(t, err)
			events, attachments, subRecords := snap.Counts()
			assert.Equal(t, 1, events)
			assert.Equal(t, 2, attachments)
			assert.Equal(t, 0, subRecords)

			stored, ok := snap.Event("ev-1")
			require.True(t, ok)
			assert.Equal(t, int64(1000), stored.Window.EndMillis)
			assert.Equal(t, []string{"sw-1", "sw-2"}, segmentIDs(snap.AttachmentsOf("ev-1")))

			datasets, err := s.Datasets(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{testDataset}, datasets)

			empty, err := s.Load(ctx, "34.0N84.4W")
			require.NoError(t, err)
			assert.Empty(t, empty.Events())
		})
	}
}

func TestStateStore_ConflictIsAtomic(t *testing.T) {
	ctx := context.Background()
	for name, s := range stateStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Apply(ctx, set(eventMutation(reconcile.EventCreate, testEvent("ev-1", 1000)))))

			// Second mutation fails: the first must not be visible
			err := s.Apply(ctx, set(
				eventMutation(reconcile.EventCreate, testEvent("ev-2", 2000)),
				eventMutation(reconcile.EventCreate, testEvent("ev-1", 3000)),
			))
			require.Error(t, err)
			assert.True(t, errors.Is(err, reconcile.ErrConflictRace))
			assert.Contains(t, err.Error(), "mutation 1")

			snap, err := s.Load(ctx, testDataset)
			require.NoError(t, err)
			_, ok := snap.Event("ev-2")
			assert.False(t, ok)
			stored, _ := snap.Event("ev-1")
			assert.Equal(t, int64(1000), stored.Window.EndMillis)
		})
	}
}

func TestStateStore_Preconditions(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name     string
		mutation reconcile.Mutation
	}{
		{"update missing event", eventMutation(reconcile.EventUpdate, testEvent("ghost", 1))},
		{"retire missing event", eventMutation(reconcile.EventRetire, testEvent("ghost", 1))},
		{"attach to missing event", attachmentMutation(reconcile.AttachmentCreate, testAttachment("sw-1", "ghost"))},
		{"delete missing attachment", attachmentMutation(reconcile.AttachmentDelete, testAttachment("sw-9", "ev-1"))},
		{"sub-record on missing event", subRecordMutation(reconcile.SubRecordCreate,
			network.SubRecord{Kind: network.SubRecordComment, ID: "c1", EventID: "ghost"})},
		{"update missing sub-record", subRecordMutation(reconcile.SubRecordUpdate,
			network.SubRecord{Kind: network.SubRecordComment, ID: "c9", EventID: "ev-1"})},
	}

	for name, s := range stateStores(t) {
		require.NoError(t, s.Apply(ctx, set(eventMutation(reconcile.EventCreate, testEvent("ev-1", 1000)))))
		for _, tt := range tests {
			t.Run(name+"/"+tt.name, func(t *testing.T) {
				err := s.Apply(ctx, set(tt.mutation))
				assert.True(t, errors.Is(err, reconcile.ErrConflictRace), "got %v", err)
			})
		}
	}
}

func TestStateStore_RetireCascades(t *testing.T) {
	ctx := context.Background()
	for name, s := range stateStores(t) {
		t.Run(name, func(t *testing.T) {
			comment := network.SubRecord{Kind: network.SubRecordComment, ID: "c1", EventID: "ev-1", DatasetID: testDataset}
			property := network.SubRecord{Kind: network.SubRecordProperty, ID: "p1", EventID: "ev-1", DatasetID: testDataset, Version: 1}
			require.NoError(t, s.Apply(ctx, set(
				eventMutation(reconcile.EventCreate, testEvent("ev-1", 1000)),
				eventMutation(reconcile.EventCreate, testEvent("ev-2", 1000)),
				attachmentMutation(reconcile.AttachmentCreate, testAttachment("sw-1", "ev-1")),
				attachmentMutation(reconcile.AttachmentCreate, testAttachment("sw-1", "ev-2")),
				subRecordMutation(reconcile.SubRecordCreate, comment),
				subRecordMutation(reconcile.SubRecordCreate, property),
			)))

			property.Version = 2
			require.NoError(t, s.Apply(ctx, set(subRecordMutation(reconcile.SubRecordUpdate, property))))
			snap, err := s.Load(ctx, testDataset)
			require.NoError(t, err)
			stored, ok := snap.SubRecord(network.SubRecordProperty, "p1")
			require.True(t, ok)
			assert.Equal(t, int64(2), stored.Version)

			require.NoError(t, s.Apply(ctx, set(eventMutation(reconcile.EventRetire, testEvent("ev-1", 1000)))))

			snap, err = s.Load(ctx, testDataset)
			require.NoError(t, err)
			events, attachments, subRecords := snap.Counts()
			assert.Equal(t, 1, events)
			assert.Equal(t, 1, attachments)
			assert.Equal(t, 0, subRecords)
			assert.Equal(t, "ev-2", snap.AttachmentsOn("sw-1")[0].EventID)
		})
	}
}

func TestStateStore_DeleteAttachment(t *testing.T) {
	ctx := context.Background()
	for name, s := range stateStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Apply(ctx, set(
				eventMutation(reconcile.EventCreate, testEvent("ev-1", 1000)),
				attachmentMutation(reconcile.AttachmentCreate, testAttachment("sw-1", "ev-1")),
			)))
			require.NoError(t, s.Apply(ctx, set(attachmentMutation(reconcile.AttachmentDelete, testAttachment("sw-1", "ev-1")))))

			snap, err := s.Load(ctx, testDataset)
			require.NoError(t, err)
			assert.Empty(t, snap.AttachmentsOf("ev-1"))

			// The index entry is gone too, so retiring does not trip over it
			require.NoError(t, s.Apply(ctx, set(eventMutation(reconcile.EventRetire, testEvent("ev-1", 1000)))))
		})
	}
}

func TestBadgerStore_PlannedBatchRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	prior, err := s.Load(ctx, testDataset)
	require.NoError(t, err)
	require.NoError(t, prior.Apply(set(eventMutation(reconcile.EventCreate, testEvent("ev-1", 1000)))))
	require.NoError(t, s.Apply(ctx, set(eventMutation(reconcile.EventCreate, testEvent("ev-1", 1000)))))

	loaded, err := s.Load(ctx, testDataset)
	require.NoError(t, err)
	assert.Equal(t, prior.Events(), loaded.Events())
}

func segmentIDs(attachments []network.Attachment) []string {
	out := make([]string, 0, len(attachments))
	for _, a := range attachments {
		out = append(out, a.SegmentID)
	}
	return out
}
