package aggregate

import (
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
)

const testTable = `Variable Name,Impedance Effect Type,Constraints,Lower Bound,Upper Bound,Enumeration,Units,None,WChairM
Speed,,nan,nan,nan,nan,ft/h,3600,1800
Slope,MUL,INB,5,10,nan,pct,1.5,3
Surface,ADD,nan,nan,nan,gravel,,0.01,0.1
Width_A_B,ADD,OUTBX,3,100,nan,ft,0,1
Width_B_A,ADD,OUTBX,3,100,nan,ft,0,2
Height,ADD;CURB,INBX,0.5,1,nan,ft,,0.5
Severity,ADD;DEFECT,nan,nan,nan,high,,0.02,0.2
`

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func loadTestTable(t *testing.T) *RuleTable {
	t.Helper()
	table, err := ParseRuleTable(strings.NewReader(testTable))
	require.NoError(t, err)
	return table
}

func testSegment() network.Segment {
	return network.Segment{
		ID:        "link-1",
		DatasetID: "33.8N84.3W",
		Class:     network.Through,
		FromNode:  "n100",
		ToNode:    "n200",
		Length:    360,
		Attributes: map[string]string{
			"Slope":     "7",
			"Surface":   "gravel",
			"Width_A_B": "3",
			"Width_B_A": "50",
		},
	}
}

func TestParseRuleTable(t *testing.T) {
	table := loadTestTable(t)

	assert.Equal(t, []Mode{"None", "WChairM"}, table.Modes)
	assert.Equal(t, map[Mode]float64{"None": 3600, "WChairM": 1800}, table.Speeds)
	require.Len(t, table.Rules, 6)

	slope := table.Rules[0]
	assert.Equal(t, 3, slope.Row)
	assert.Equal(t, network.EffectMul, slope.Effect)
	assert.Equal(t, ConstraintInside, slope.Constraint)
	assert.True(t, slope.Global())

	height := table.Rules[4]
	assert.Equal(t, network.AuxCurb, height.Branch)
	assert.False(t, height.Global())
	assert.Equal(t, 0.0, height.Factors["None"], "blank ADD factor is zero")
}

func TestParseRuleTable_Malformed(t *testing.T) {
	header := "Variable Name,Impedance Effect Type,Constraints,Lower Bound,Upper Bound,Enumeration,Units,None\n"
	speed := "Speed,,nan,nan,nan,nan,,3600\n"

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"missing column", "Variable Name,Units,None\nSpeed,,1\n", "missing column"},
		{"header only", header, "speed row"},
		{"bad speed", header + "Speed,,nan,nan,nan,nan,,fast\n", "invalid speed"},
		{"zero speed", header + "Speed,,nan,nan,nan,nan,,0\n", "invalid speed"},
		{"unknown effect", header + speed + "Slope,POW,nan,nan,nan,1,,2\n", "row 3"},
		{"unknown branch", header + speed + "Slope,ADD;STAIRS,nan,nan,nan,1,,2\n", "STAIRS"},
		{"unknown constraint", header + speed + "Slope,ADD,BETWEEN,1,2,nan,,2\n", "BETWEEN"},
		{"bad bound", header + speed + "Slope,ADD,INB,low,2,nan,,2\n", "lower bound"},
		{"inverted bounds", header + speed + "Slope,ADD,INB,5,2,nan,,2\n", "above upper"},
		{"bad factor", header + speed + "Slope,ADD,nan,nan,nan,1,,lots\n", "invalid factor"},
		{"short row", header + speed + "Slope,ADD\n", "fields"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRuleTable(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedRuleTable))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRuleMatches(t *testing.T) {
	bound := func(c Constraint) Rule {
		return Rule{Variable: "v", Constraint: c, Lower: 5, Upper: 10}
	}
	tests := []struct {
		name  string
		rule  Rule
		value string
		want  bool
	}{
		{"inside strict interior", bound(ConstraintInside), "7", true},
		{"inside strict at lower", bound(ConstraintInside), "5", false},
		{"inside strict at upper", bound(ConstraintInside), "10", false},
		{"inside inclusive at lower", bound(ConstraintInsideInclusive), "5", true},
		{"inside inclusive at upper", bound(ConstraintInsideInclusive), "10", true},
		{"inside inclusive above", bound(ConstraintInsideInclusive), "10.01", false},
		{"outside strict below", bound(ConstraintOutside), "4.9", true},
		{"outside strict at lower", bound(ConstraintOutside), "5", false},
		{"outside strict above", bound(ConstraintOutside), "11", true},
		{"outside inclusive at lower", bound(ConstraintOutsideInclusive), "5", true},
		{"outside inclusive at upper", bound(ConstraintOutsideInclusive), "10", true},
		{"outside inclusive interior", bound(ConstraintOutsideInclusive), "7", false},
		{"bound on text", bound(ConstraintInside), "steep", false},
		{"enum equal", Rule{Variable: "v", Enumeration: "gravel"}, "gravel", true},
		{"enum different", Rule{Variable: "v", Enumeration: "gravel"}, "paved", false},
		{"enum numeric", Rule{Variable: "v", Enumeration: "1"}, "1.0", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rule.Matches(map[string]string{"v": tt.value}))
		})
	}

	t.Run("absent variable never matches", func(t *testing.T) {
		assert.False(t, bound(ConstraintOutside).Matches(map[string]string{"other": "1"}))
		assert.False(t, Rule{Variable: "v"}.Matches(nil))
	})
}

func TestComputeImpedance_SegmentRules(t *testing.T) {
	table := loadTestTable(t)

	result, err := ComputeImpedance(table, Input{Segments: []network.Segment{testSegment()}}, Options{Now: testNow})
	require.NoError(t, err)
	require.Len(t, result.Edges, 2)

	forward, reverse := result.Edges[0], result.Edges[1]
	assert.Equal(t, "in100-n200", forward.ID)
	assert.Equal(t, "in200-n100", reverse.ID)
	assert.Equal(t, "n200", reverse.From)
	assert.Equal(t, EdgeLabel, forward.Label)
	assert.Equal(t, "33.8N84.3W", forward.DatasetID)
	assert.Equal(t, "2024-05-01 12:00:00", forward.Timestamp)

	// base 0.1/0.2 hours, slope x1.5/x3, gravel +0.01/+0.1, narrow A->B +0/+1
	assert.InDelta(t, 0.16, forward.Values["None"], 1e-9)
	assert.InDelta(t, 1.7, forward.Values["WChairM"], 1e-9)
	assert.Equal(t, forward.Values, reverse.Values, "symmetric by default")
}

func TestComputeImpedance_Directional(t *testing.T) {
	table := loadTestTable(t)

	result, err := ComputeImpedance(table, Input{Segments: []network.Segment{testSegment()}}, Options{Now: testNow, Directional: true})
	require.NoError(t, err)
	require.Len(t, result.Edges, 2)

	assert.InDelta(t, 1.7, result.Edges[0].Values["WChairM"], 1e-9)
	// B->A ignores Width_A_B and Width_B_A=50 is inside the bound
	assert.InDelta(t, 0.7, result.Edges[1].Values["WChairM"], 1e-9)
	assert.InDelta(t, 0.16, result.Edges[1].Values["None"], 1e-9)
}

func TestComputeImpedance_AuxRecords(t *testing.T) {
	table := loadTestTable(t)
	input := Input{
		Segments: []network.Segment{testSegment()},
		AuxRecords: []network.AuxRecord{
			{ID: "c1", SegmentID: "link-1", Type: network.AuxCurb, Attributes: map[string]string{"Height": "1"}},
			{ID: "d1", SegmentID: "link-1", Type: network.AuxDefect, Attributes: map[string]string{"Severity": "high"}},
			{ID: "d2", SegmentID: "link-1", Type: network.AuxDefect, Attributes: map[string]string{"Severity": "low"}},
			// Branch rules only apply to their own record type
			{ID: "r1", SegmentID: "link-1", Type: network.AuxRamp, Attributes: map[string]string{"Height": "1"}},
			{ID: "x1", SegmentID: "other", Type: network.AuxCurb, Attributes: map[string]string{"Height": "1"}},
		},
	}

	result, err := ComputeImpedance(table, input, Options{Now: testNow})
	require.NoError(t, err)

	assert.InDelta(t, 0.16+0.02, result.Edges[0].Values["None"], 1e-9)
	assert.InDelta(t, 1.7+0.5+0.2, result.Edges[0].Values["WChairM"], 1e-9)
}

func TestComputeImpedance_Attachments(t *testing.T) {
	table := loadTestTable(t)
	input := Input{
		Segments: []network.Segment{testSegment()},
		Attachments: []network.Attachment{
			{SegmentID: "link-1", EventID: "a", Effect: network.EffectMul, Factor: 2},
			{SegmentID: "link-1", EventID: "b", Effect: network.EffectMul, Factor: 1.5},
			{SegmentID: "link-1", EventID: "c", Effect: network.EffectAdd, Factor: 0.05},
			{SegmentID: "link-1", EventID: "d", Effect: network.EffectAdd, Factor: 0.01},
			{SegmentID: "link-1", EventID: "e", Effect: network.EffectNone},
		},
	}

	result, err := ComputeImpedance(table, input, Options{Now: testNow})
	require.NoError(t, err)

	assert.InDelta(t, 0.16*3+0.06, result.Edges[0].Values["None"], 1e-9)
	assert.InDelta(t, 1.7*3+0.06, result.Edges[1].Values["WChairM"], 1e-9)
}

func TestComputeImpedance_Filters(t *testing.T) {
	table := loadTestTable(t)

	crossing := testSegment()
	crossing.ID = "link-2"
	crossing.Class = network.Crossing

	noEnd := testSegment()
	noEnd.ID = "link-3"
	noEnd.ToNode = "0"

	negative := testSegment()
	negative.ID = "link-4"
	negative.Length = -1

	input := Input{Segments: []network.Segment{negative, noEnd, crossing, testSegment()}}

	result, err := ComputeImpedance(table, input, Options{Now: testNow})
	require.NoError(t, err)
	require.Len(t, result.Edges, 2)
	assert.Equal(t, "link-1", result.Edges[0].SegmentID)
	require.Len(t, result.Skipped, 2)
	assert.Equal(t, "link-3", result.Skipped[0].SegmentID)
	assert.Equal(t, "missing endpoint node", result.Skipped[0].Reason)
	assert.Equal(t, "link-4", result.Skipped[1].SegmentID)

	result, err = ComputeImpedance(table, input, Options{Now: testNow, IncludeCrossings: true})
	require.NoError(t, err)
	require.Len(t, result.Edges, 4)
	assert.Equal(t, "link-2", result.Edges[2].SegmentID)
}

func TestComputeImpedance_Idempotent(t *testing.T) {
	table := loadTestTable(t)
	second := testSegment()
	second.ID = "link-0"
	second.FromNode, second.ToNode = "n300", "n100"
	input := Input{
		Segments:    []network.Segment{testSegment(), second},
		Attachments: []network.Attachment{{SegmentID: "link-1", EventID: "a", Effect: network.EffectMul, Factor: 2}},
	}

	first, err := ComputeImpedance(table, input, Options{Now: testNow})
	require.NoError(t, err)
	again, err := ComputeImpedance(table, input, Options{Now: testNow})
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, "link-0", first.Edges[0].SegmentID, "rows ordered by segment")
	assert.Len(t, first.Fingerprint, 64)

	later, err := ComputeImpedance(table, input, Options{Now: testNow.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint, later.Fingerprint, "timestamp does not affect the fingerprint")

	input.Attachments[0].Factor = 3
	changed, err := ComputeImpedance(table, input, Options{Now: testNow})
	require.NoError(t, err)
	assert.NotEqual(t, first.Fingerprint, changed.Fingerprint)
}

func TestComputeImpedance_RequiresSpeeds(t *testing.T) {
	_, err := ComputeImpedance(nil, Input{}, Options{})
	assert.True(t, errors.Is(err, ErrMalformedRuleTable))

	table := &RuleTable{Modes: []Mode{"None"}, Speeds: map[Mode]float64{}}
	_, err = ComputeImpedance(table, Input{}, Options{})
	assert.True(t, errors.Is(err, ErrMalformedRuleTable))
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "0.16", FormatValue(0.16))
	assert.Equal(t, "360", FormatValue(360))
}

func TestDefaultRuleTable(t *testing.T) {
	table, err := LoadRuleTable("")
	require.NoError(t, err)
	assert.Len(t, table.Modes, 8)
	assert.Equal(t, Mode("None"), table.Modes[0])
	assert.Equal(t, 9900.0, table.Speeds["WChairM"])
	assert.Len(t, table.Rules, 10)

	seg := testSegment()
	seg.Attributes = map[string]string{"surface": "gravel"}
	result, err := ComputeImpedance(table, Input{Segments: []network.Segment{seg}}, Options{Now: testNow})
	require.NoError(t, err)
	require.Len(t, result.Edges, 2)
	assert.InDelta(t, 360.0/9900+0.02, result.Edges[0].Values["WChairM"], 1e-9)
}
