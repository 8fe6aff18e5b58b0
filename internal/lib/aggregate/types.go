package aggregate

import (
	"time"

	"github.com/pkg/errors"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
)

// ErrMalformedRuleTable is returned when the rule table cannot be used. Aggregation
// never proceeds on a partial table.
var ErrMalformedRuleTable = errors.New("malformed rule table")

// Mode is a travel mode column of the rule table, e.g. "WChairM-LowVision"
type Mode string

// Constraint selects how a rule compares its variable
type Constraint string

const (
	ConstraintEnum             Constraint = ""
	ConstraintInside           Constraint = "INB"
	ConstraintInsideInclusive  Constraint = "INBX"
	ConstraintOutside          Constraint = "OUTB"
	ConstraintOutsideInclusive Constraint = "OUTBX"
)

// Rule is one row of the rule table
type Rule struct {
	Row         int
	Variable    string
	Effect      network.EffectKind
	Branch      network.AuxType
	Constraint  Constraint
	Lower       float64
	Upper       float64
	Enumeration string
	Units       string
	Factors     map[Mode]float64
}

// Global reports whether the rule applies to segments rather than auxiliary records
func (r Rule) Global() bool {
	return r.Branch == ""
}

// RuleTable is the parsed rule table: the mode set, per-mode speeds and the rules
// in file order
type RuleTable struct {
	Modes  []Mode
	Speeds map[Mode]float64
	Rules  []Rule
}

// Direction of travel along a segment
type Direction int

const (
	Forward Direction = iota
	Reverse
)

// Options control one aggregation run
type Options struct {
	DatasetID string
	Now       time.Time

	// Directional recomputes the reverse row with direction-specific variables
	// instead of duplicating the forward values.
	Directional bool

	// IncludeCrossings aggregates crossing segments as well as through segments
	IncludeCrossings bool
}

// Input is the read-only snapshot an aggregation run works from
type Input struct {
	Segments    []network.Segment
	AuxRecords  []network.AuxRecord
	Attachments []network.Attachment
}

// Edge is one directed impedance row
type Edge struct {
	ID        string
	From      string
	To        string
	Label     string
	SegmentID string
	DatasetID string
	Length    float64
	Timestamp string
	Values    map[Mode]float64
}

// SkippedSegment records a segment left out of a run
type SkippedSegment struct {
	SegmentID string
	Reason    string
}

// Result is the output of one aggregation run
type Result struct {
	RunID       string
	Timestamp   string
	Modes       []Mode
	Edges       []Edge
	Skipped     []SkippedSegment
	Fingerprint string
}

// EdgeLabel is the label written on every aggregated edge
const EdgeLabel = "IMPEDANCE"

// TimestampLayout formats run timestamps
const TimestampLayout = "2006-01-02 15:04:05"
