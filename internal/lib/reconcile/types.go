// Package reconcile resolves observed events against stored state.
//
// Planning is pure: it reads a StateReader and returns an ordered MutationSet.
// Within a set, creations always precede the detachments they supersede, so an
// adapter applying the set in order never exposes a key with zero active instances.
package reconcile

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/geo"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
)

// ErrConflictRace means stored state changed between planning and applying.
// The caller must re-read state and plan the event again.
var ErrConflictRace = errors.New("conflicting update detected")

// PersistenceError is a failed write, carrying the identity needed to reprocess it
type PersistenceError struct {
	DatasetID string
	EventID   string
	Err       error
}

func (e *PersistenceError) Error() string {
	if e.EventID == "" {
		return fmt.Sprintf("persist dataset %s: %v", e.DatasetID, e.Err)
	}
	return fmt.Sprintf("persist event %s in dataset %s: %v", e.EventID, e.DatasetID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// MutationKind enumerates the store operations a plan can request
type MutationKind string

const (
	EventCreate      MutationKind = "event_create"
	EventUpdate      MutationKind = "event_update"
	EventRetire      MutationKind = "event_retire"
	AttachmentCreate MutationKind = "attachment_create"
	AttachmentDelete MutationKind = "attachment_delete"
	SubRecordCreate  MutationKind = "subrecord_create"
	SubRecordUpdate  MutationKind = "subrecord_update"
)

// Mutation is one store operation. Exactly one payload is set, matching Kind.
type Mutation struct {
	Kind       MutationKind        `json:"kind"`
	Event      *network.Event      `json:"event,omitempty"`
	Attachment *network.Attachment `json:"attachment,omitempty"`
	SubRecord  *network.SubRecord  `json:"sub_record,omitempty"`
}

// Target returns a readable identity for logs
func (m Mutation) Target() string {
	switch {
	case m.Event != nil:
		return m.Event.ID
	case m.Attachment != nil:
		return m.Attachment.SegmentID + "/" + m.Attachment.EventID
	case m.SubRecord != nil:
		return string(m.SubRecord.Kind) + "/" + m.SubRecord.ID
	}
	return ""
}

// MutationSet is an ordered list of mutations for one dataset partition
type MutationSet struct {
	DatasetID string     `json:"dataset_id"`
	Mutations []Mutation `json:"mutations"`
}

// Empty reports whether the set has nothing to apply
func (s MutationSet) Empty() bool {
	return len(s.Mutations) == 0
}

// Count returns how many mutations of a kind the set holds
func (s MutationSet) Count(kind MutationKind) int {
	n := 0
	for _, m := range s.Mutations {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

// Append adds another set's mutations in order
func (s *MutationSet) Append(other MutationSet) {
	s.Mutations = append(s.Mutations, other.Mutations...)
}

func (s *MutationSet) createEvent(e network.Event) {
	s.Mutations = append(s.Mutations, Mutation{Kind: EventCreate, Event: &e})
}

func (s *MutationSet) updateEvent(e network.Event) {
	s.Mutations = append(s.Mutations, Mutation{Kind: EventUpdate, Event: &e})
}

func (s *MutationSet) retireEvent(e network.Event) {
	s.Mutations = append(s.Mutations, Mutation{Kind: EventRetire, Event: &e})
}

func (s *MutationSet) createAttachment(a network.Attachment) {
	s.Mutations = append(s.Mutations, Mutation{Kind: AttachmentCreate, Attachment: &a})
}

func (s *MutationSet) deleteAttachment(a network.Attachment) {
	s.Mutations = append(s.Mutations, Mutation{Kind: AttachmentDelete, Attachment: &a})
}

func (s *MutationSet) createSubRecord(r network.SubRecord) {
	s.Mutations = append(s.Mutations, Mutation{Kind: SubRecordCreate, SubRecord: &r})
}

func (s *MutationSet) updateSubRecord(r network.SubRecord) {
	s.Mutations = append(s.Mutations, Mutation{Kind: SubRecordUpdate, SubRecord: &r})
}

// StateReader exposes stored state for one dataset partition
type StateReader interface {
	// Event returns a stored event by identity
	Event(id string) (network.Event, bool)

	// Events returns every stored event ordered by identity
	Events() []network.Event

	// AttachmentsOn returns a segment's attachments, oldest first
	AttachmentsOn(segmentID string) []network.Attachment

	// AttachmentsOf returns an event's attachments ordered by segment identity
	AttachmentsOf(eventID string) []network.Attachment

	// SubRecord returns a stored comment or property
	SubRecord(kind network.SubRecordKind, id string) (network.SubRecord, bool)
}

// SegmentSource supplies candidate segments around a point
type SegmentSource interface {
	Nearby(point geo.Point, radiusFeet float64) []network.Segment
}

// Action summarizes what planning decided for one event
type Action string

const (
	ActionCreated    Action = "created"    // new event and attachments
	ActionReplaced   Action = "replaced"   // created and retired at least one older instance
	ActionUpdated    Action = "updated"    // recency fields refreshed
	ActionUnchanged  Action = "unchanged"  // re-observation with no newer recency
	ActionSuperseded Action = "superseded" // every target already holds a newer instance
	ActionDiscarded  Action = "discarded"  // too far from the network
	ActionUnattached Action = "unattached" // near the network but no target qualified
	ActionSkipped    Action = "skipped"    // malformed input
)

// Outcome is the per-event result of planning
type Outcome struct {
	EventID string `json:"event_id"`
	Action  Action `json:"action"`
	Targets int    `json:"targets"`
	Retired int    `json:"retired"`
	Err     error  `json:"-"`
}
