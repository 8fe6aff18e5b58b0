package reconcile

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
)

type attachmentKey struct {
	segmentID string
	eventID   string
}

type subRecordKey struct {
	kind network.SubRecordKind
	id   string
}

// Snapshot is an in-memory copy of one dataset's stored state.
// It implements StateReader and applies MutationSets with the same
// precondition checks a persistent store performs.
type Snapshot struct {
	DatasetID string

	events      map[string]network.Event
	attachments map[attachmentKey]network.Attachment
	bySegment   map[string]map[string]struct{}
	byEvent     map[string]map[string]struct{}
	subRecords  map[subRecordKey]network.SubRecord
}

// NewSnapshot builds a snapshot from stored records
func NewSnapshot(datasetID string, events []network.Event, attachments []network.Attachment, subRecords []network.SubRecord) *Snapshot {
	s := &Snapshot{
		DatasetID:   datasetID,
		events:      make(map[string]network.Event, len(events)),
		attachments: make(map[attachmentKey]network.Attachment, len(attachments)),
		bySegment:   make(map[string]map[string]struct{}),
		byEvent:     make(map[string]map[string]struct{}),
		subRecords:  make(map[subRecordKey]network.SubRecord, len(subRecords)),
	}
	for _, e := range events {
		s.events[e.ID] = e
	}
	for _, a := range attachments {
		s.putAttachment(a)
	}
	for _, r := range subRecords {
		s.subRecords[subRecordKey{r.Kind, r.ID}] = r
	}
	return s
}

// Clone returns an independent copy
func (s *Snapshot) Clone() *Snapshot {
	events := make([]network.Event, 0, len(s.events))
	for _, e := range s.events {
		events = append(events, e)
	}
	attachments := make([]network.Attachment, 0, len(s.attachments))
	for _, a := range s.attachments {
		attachments = append(attachments, a)
	}
	subRecords := make([]network.SubRecord, 0, len(s.subRecords))
	for _, r := range s.subRecords {
		subRecords = append(subRecords, r)
	}
	return NewSnapshot(s.DatasetID, events, attachments, subRecords)
}

// Event returns a stored event by identity
func (s *Snapshot) Event(id string) (network.Event, bool) {
	e, ok := s.events[id]
	return e, ok
}

// Events returns every stored event ordered by identity
func (s *Snapshot) Events() []network.Event {
	out := make([]network.Event, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AttachmentsOn returns a segment's attachments, oldest first, ties by event identity
func (s *Snapshot) AttachmentsOn(segmentID string) []network.Attachment {
	out := make([]network.Attachment, 0, len(s.bySegment[segmentID]))
	for eventID := range s.bySegment[segmentID] {
		out = append(out, s.attachments[attachmentKey{segmentID, eventID}])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedMillis != out[j].CreatedMillis {
			return out[i].CreatedMillis < out[j].CreatedMillis
		}
		return out[i].EventID < out[j].EventID
	})
	return out
}

// AttachmentsOf returns an event's attachments ordered by segment identity
func (s *Snapshot) AttachmentsOf(eventID string) []network.Attachment {
	out := make([]network.Attachment, 0, len(s.byEvent[eventID]))
	for segmentID := range s.byEvent[eventID] {
		out = append(out, s.attachments[attachmentKey{segmentID, eventID}])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SegmentID < out[j].SegmentID })
	return out
}

// Attachments returns every attachment ordered by segment then event
func (s *Snapshot) Attachments() []network.Attachment {
	out := make([]network.Attachment, 0, len(s.attachments))
	for _, a := range s.attachments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SegmentID != out[j].SegmentID {
			return out[i].SegmentID < out[j].SegmentID
		}
		return out[i].EventID < out[j].EventID
	})
	return out
}

// SubRecord returns a stored comment or property
func (s *Snapshot) SubRecord(kind network.SubRecordKind, id string) (network.SubRecord, bool) {
	r, ok := s.subRecords[subRecordKey{kind, id}]
	return r, ok
}

// SubRecordsOf returns an event's comments and properties ordered by kind then identity
func (s *Snapshot) SubRecordsOf(eventID string) []network.SubRecord {
	var out []network.SubRecord
	for _, r := range s.subRecords {
		if r.EventID == eventID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Apply executes mutations in order. If any precondition fails, the snapshot is
// left unchanged and the error wraps ErrConflictRace.
func (s *Snapshot) Apply(set MutationSet) error {
	var undo []func()
	for i, m := range set.Mutations {
		revert, err := s.apply(m)
		if err != nil {
			for j := len(undo) - 1; j >= 0; j-- {
				undo[j]()
			}
			return errors.Wrapf(err, "mutation %d (%s %s)", i, m.Kind, m.Target())
		}
		undo = append(undo, revert)
	}
	return nil
}

// apply performs one mutation and returns its inverse
func (s *Snapshot) apply(m Mutation) (func(), error) {
	switch m.Kind {
	case EventCreate:
		e := *m.Event
		if _, ok := s.events[e.ID]; ok {
			return nil, errors.Wrap(ErrConflictRace, "event already exists")
		}
		s.events[e.ID] = e
		return func() { delete(s.events, e.ID) }, nil

	case EventUpdate:
		e := *m.Event
		prev, ok := s.events[e.ID]
		if !ok {
			return nil, errors.Wrap(ErrConflictRace, "event no longer exists")
		}
		s.events[e.ID] = e
		return func() { s.events[e.ID] = prev }, nil

	case EventRetire:
		id := m.Event.ID
		prev, ok := s.events[id]
		if !ok {
			return nil, errors.Wrap(ErrConflictRace, "event already retired")
		}
		attachments := s.AttachmentsOf(id)
		subRecords := s.SubRecordsOf(id)
		for _, a := range attachments {
			s.dropAttachment(a)
		}
		for _, r := range subRecords {
			delete(s.subRecords, subRecordKey{r.Kind, r.ID})
		}
		delete(s.events, id)
		return func() {
			s.events[id] = prev
			for _, a := range attachments {
				s.putAttachment(a)
			}
			for _, r := range subRecords {
				s.subRecords[subRecordKey{r.Kind, r.ID}] = r
			}
		}, nil

	case AttachmentCreate:
		a := *m.Attachment
		if _, ok := s.events[a.EventID]; !ok {
			return nil, errors.Wrap(ErrConflictRace, "attachment event does not exist")
		}
		if _, ok := s.attachments[attachmentKey{a.SegmentID, a.EventID}]; ok {
			return nil, errors.Wrap(ErrConflictRace, "attachment already exists")
		}
		s.putAttachment(a)
		return func() { s.dropAttachment(a) }, nil

	case AttachmentDelete:
		key := attachmentKey{m.Attachment.SegmentID, m.Attachment.EventID}
		prev, ok := s.attachments[key]
		if !ok {
			return nil, errors.Wrap(ErrConflictRace, "attachment already deleted")
		}
		s.dropAttachment(prev)
		return func() { s.putAttachment(prev) }, nil

	case SubRecordCreate:
		r := *m.SubRecord
		key := subRecordKey{r.Kind, r.ID}
		if _, ok := s.subRecords[key]; ok {
			return nil, errors.Wrap(ErrConflictRace, "sub-record already exists")
		}
		if _, ok := s.events[r.EventID]; !ok {
			return nil, errors.Wrap(ErrConflictRace, "sub-record event does not exist")
		}
		s.subRecords[key] = r
		return func() { delete(s.subRecords, key) }, nil

	case SubRecordUpdate:
		r := *m.SubRecord
		key := subRecordKey{r.Kind, r.ID}
		prev, ok := s.subRecords[key]
		if !ok {
			return nil, errors.Wrap(ErrConflictRace, "sub-record no longer exists")
		}
		s.subRecords[key] = r
		return func() { s.subRecords[key] = prev }, nil
	}
	return nil, errors.Errorf("unknown mutation kind %q", m.Kind)
}

func (s *Snapshot) putAttachment(a network.Attachment) {
	s.attachments[attachmentKey{a.SegmentID, a.EventID}] = a
	if s.bySegment[a.SegmentID] == nil {
		s.bySegment[a.SegmentID] = make(map[string]struct{})
	}
	s.bySegment[a.SegmentID][a.EventID] = struct{}{}
	if s.byEvent[a.EventID] == nil {
		s.byEvent[a.EventID] = make(map[string]struct{})
	}
	s.byEvent[a.EventID][a.SegmentID] = struct{}{}
}

func (s *Snapshot) dropAttachment(a network.Attachment) {
	delete(s.attachments, attachmentKey{a.SegmentID, a.EventID})
	delete(s.bySegment[a.SegmentID], a.EventID)
	if len(s.bySegment[a.SegmentID]) == 0 {
		delete(s.bySegment, a.SegmentID)
	}
	delete(s.byEvent[a.EventID], a.SegmentID)
	if len(s.byEvent[a.EventID]) == 0 {
		delete(s.byEvent, a.EventID)
	}
}

// Counts returns the number of stored events, attachments and sub-records
func (s *Snapshot) Counts() (events, attachments, subRecords int) {
	return len(s.events), len(s.attachments), len(s.subRecords)
}
