// Package network holds the pedestrian-network data model shared by the
// attachment, reconciliation and aggregation packages.
package network

import (
	"fmt"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/geo"
)

// SegmentClass distinguishes through-segments from crossing-segments
type SegmentClass string

const (
	Through  SegmentClass = "SIDEWALK"  // runs alongside the road
	Crossing SegmentClass = "CROSSWALK" // crosses the road
)

// Valid reports whether the class is one of the two known classes
func (c SegmentClass) Valid() bool {
	return c == Through || c == Crossing
}

// Segment is a network edge between two terminal nodes
type Segment struct {
	ID        string       `json:"id"`
	DatasetID string       `json:"dataset_id"`
	Class     SegmentClass `json:"class"`
	Start     geo.Point    `json:"start"`
	End       geo.Point    `json:"end"`
	FromNode  string       `json:"from_node"`
	ToNode    string       `json:"to_node"`
	Length    float64      `json:"length"` // feet

	// Attributes carries the segment's own variables for impedance rules
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Validate checks the fields every matching pass depends on
func (s Segment) Validate() error {
	if s.ID == "" {
		return &MalformedInputError{Kind: "segment", Reason: "missing id"}
	}
	if !s.Class.Valid() {
		return &MalformedInputError{Kind: "segment", ID: s.ID, Reason: fmt.Sprintf("unknown class %q", s.Class)}
	}
	if !s.Start.Valid() || !s.End.Valid() {
		return &MalformedInputError{Kind: "segment", ID: s.ID, Reason: "invalid terminal coordinates"}
	}
	return nil
}

// Attribute returns a segment attribute and whether it exists
func (s Segment) Attribute(name string) (string, bool) {
	v, ok := s.Attributes[name]
	return v, ok
}

// Source identifies which feed produced an event
type Source string

const (
	SourceAlert  Source = "WAZE-ALERT"      // crowd-sourced alert feed, recency by time window
	SourceAgency Source = "NAVIGATOR-EVENT" // transportation agency feed, recency by version
)

// TimeWindow is the alert feed's observation window
type TimeWindow struct {
	StartMillis int64  `json:"start_millis"`
	EndMillis   int64  `json:"end_millis"`
	Start       string `json:"start,omitempty"`
	End         string `json:"end,omitempty"`
}

// Event is an observed traffic event
type Event struct {
	ID          string    `json:"id"`
	Source      Source    `json:"source"`
	Category    string    `json:"category"`
	Subcategory string    `json:"subcategory,omitempty"`
	Severity    float64   `json:"severity,omitempty"`
	Scheduled   bool      `json:"scheduled,omitempty"`
	Location    geo.Point `json:"location"`
	DatasetID   string    `json:"dataset_id"`

	// Agency feed recency
	Version        int64 `json:"version,omitempty"`
	ModifiedMillis int64 `json:"modified_millis,omitempty"`

	// Alert feed recency
	Window TimeWindow `json:"window"`

	// Attributes are passed through verbatim from the feed
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Validate checks required event fields
func (e Event) Validate() error {
	if e.ID == "" {
		return &MalformedInputError{Kind: "event", Reason: "missing id"}
	}
	if e.Category == "" {
		return &MalformedInputError{Kind: "event", ID: e.ID, Reason: "missing category"}
	}
	if !e.Location.Valid() {
		return &MalformedInputError{Kind: "event", ID: e.ID, Reason: "invalid location"}
	}
	if e.Source != SourceAlert && e.Source != SourceAgency {
		return &MalformedInputError{Kind: "event", ID: e.ID, Reason: fmt.Sprintf("unknown source %q", e.Source)}
	}
	return nil
}

// Recency is the value compared when two observations of the same key disagree
func (e Event) Recency() int64 {
	if e.Source == SourceAgency {
		return e.Version
	}
	return e.Window.EndMillis
}

// LastSeenMillis is the instant the TTL sweep compares against the cutoff
func (e Event) LastSeenMillis() int64 {
	if e.Source == SourceAgency {
		return e.ModifiedMillis
	}
	return e.Window.EndMillis
}

// Key returns the category key used by the one-active-instance rule
func (e Event) Key() CategoryKey {
	return CategoryKey{Category: e.Category, Subcategory: e.Subcategory}
}

// CategoryKey identifies an event category for replacement decisions
type CategoryKey struct {
	Category    string
	Subcategory string
}

// Matches applies the replacement key rule: a non-empty subcategory matches on
// subcategory alone, an empty one matches on category with an empty subcategory.
func (k CategoryKey) Matches(other CategoryKey) bool {
	if k.Subcategory != "" {
		return other.Subcategory == k.Subcategory
	}
	return other.Subcategory == "" && other.Category == k.Category
}

func (k CategoryKey) String() string {
	if k.Subcategory == "" {
		return k.Category + "[NO_SUBTYPE]"
	}
	return k.Subcategory
}

// EffectKind says how an impedance factor combines with base cost
type EffectKind string

const (
	EffectMul  EffectKind = "MUL"
	EffectAdd  EffectKind = "ADD"
	EffectNone EffectKind = ""
)

// ParseEffectKind accepts MUL and ADD, case sensitive
func ParseEffectKind(s string) (EffectKind, error) {
	switch EffectKind(s) {
	case EffectMul, EffectAdd:
		return EffectKind(s), nil
	}
	return EffectNone, fmt.Errorf("unknown effect kind %q", s)
}

// Attachment links an event to a segment with its impedance contribution
type Attachment struct {
	SegmentID     string       `json:"segment_id"`
	EventID       string       `json:"event_id"`
	DatasetID     string       `json:"dataset_id"`
	Class         SegmentClass `json:"class"`
	Factor        float64      `json:"factor"`
	Effect        EffectKind   `json:"effect"`
	CreatedMillis int64        `json:"created_millis"`
}

// SubRecordKind enumerates the linked record types of agency events
type SubRecordKind string

const (
	SubRecordComment  SubRecordKind = "comment"
	SubRecordProperty SubRecordKind = "property"
)

// SubRecord is a comment or property linked to an agency event by foreign key
type SubRecord struct {
	Kind       SubRecordKind     `json:"kind"`
	ID         string            `json:"id"`
	EventID    string            `json:"event_id"`
	DatasetID  string            `json:"dataset_id"`
	Version    int64             `json:"version,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// AuxType is the type of an auxiliary attribute record attached to a segment
type AuxType string

const (
	AuxDefect   AuxType = "DEFECT"
	AuxRamp     AuxType = "RAMP"
	AuxCurb     AuxType = "CURB"
	AuxCurbCut  AuxType = "CUT"
	AuxCrossing AuxType = "CROSS"
	AuxBusStop  AuxType = "BUSS"
)

// AuxTypes lists every auxiliary type in evaluation order
var AuxTypes = []AuxType{AuxDefect, AuxRamp, AuxCurb, AuxCurbCut, AuxCrossing, AuxBusStop}

// ParseAuxType validates an auxiliary type name
func ParseAuxType(s string) (AuxType, error) {
	for _, t := range AuxTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown auxiliary type %q", s)
}

// AuxRecord is a typed sub-record (defect, ramp, curb...) carrying its own attributes
type AuxRecord struct {
	ID         string            `json:"id"`
	SegmentID  string            `json:"segment_id"`
	Type       AuxType           `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// MalformedInputError marks a single record that cannot be processed
type MalformedInputError struct {
	Kind   string
	ID     string
	Reason string
}

func (e *MalformedInputError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("malformed %s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("malformed %s %s: %s", e.Kind, e.ID, e.Reason)
}
