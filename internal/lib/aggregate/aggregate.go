package aggregate

import (
	"crypto/sha256"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
)

// ComputeImpedance recomputes per-mode travel impedance for every segment in the
// snapshot and emits one row per direction. It is a full, deterministic recompute:
// identical inputs and options produce identical rows.
func ComputeImpedance(table *RuleTable, input Input, opts Options) (Result, error) {
	if err := table.check(); err != nil {
		return Result{}, err
	}

	result := Result{
		Timestamp: opts.Now.UTC().Format(TimestampLayout),
		Modes:     append([]Mode(nil), table.Modes...),
	}

	auxBySegment := groupAux(input.AuxRecords)
	linksBySegment := groupAttachments(input.Attachments)

	segments := append([]network.Segment(nil), input.Segments...)
	sort.SliceStable(segments, func(i, j int) bool { return segments[i].ID < segments[j].ID })

	for _, seg := range segments {
		if seg.Class == network.Crossing && !opts.IncludeCrossings {
			continue
		}
		if reason := unusable(seg); reason != "" {
			result.Skipped = append(result.Skipped, SkippedSegment{SegmentID: seg.ID, Reason: reason})
			continue
		}

		aux := auxBySegment[seg.ID]
		links := linksBySegment[seg.ID]
		forward := table.evaluate(seg, aux, links, Forward)
		reverse := forward
		if opts.Directional {
			reverse = table.evaluate(seg, aux, links, Reverse)
		}

		datasetID := seg.DatasetID
		if datasetID == "" {
			datasetID = opts.DatasetID
		}
		result.Edges = append(result.Edges,
			newEdge(seg, seg.FromNode, seg.ToNode, datasetID, result.Timestamp, forward),
			newEdge(seg, seg.ToNode, seg.FromNode, datasetID, result.Timestamp, reverse),
		)
	}

	result.Fingerprint = Fingerprint(result.Modes, result.Edges)
	return result, nil
}

// check verifies every mode has a usable speed
func (t *RuleTable) check() error {
	if t == nil || len(t.Modes) == 0 {
		return errors.Wrap(ErrMalformedRuleTable, "no travel modes")
	}
	for _, m := range t.Modes {
		if speed, ok := t.Speeds[m]; !ok || speed <= 0 {
			return errors.Wrapf(ErrMalformedRuleTable, "no speed for mode %s", m)
		}
	}
	return nil
}

// evaluate computes one direction: base time, segment rules, auxiliary records,
// then attached event contributions
func (t *RuleTable) evaluate(seg network.Segment, aux []network.AuxRecord, links []network.Attachment, dir Direction) map[Mode]float64 {
	values := make(map[Mode]float64, len(t.Modes))
	for _, m := range t.Modes {
		values[m] = seg.Length / t.Speeds[m]
	}
	t.applyRules(values, seg.Attributes, "", dir)

	// Auxiliary records start from zero, so only their additive rules contribute
	for _, rec := range aux {
		sub := make(map[Mode]float64, len(t.Modes))
		t.applyRules(sub, rec.Attributes, rec.Type, dir)
		for _, m := range t.Modes {
			values[m] += sub[m]
		}
	}

	mul, add := 1.0, 0.0
	for _, link := range links {
		switch link.Effect {
		case network.EffectMul:
			mul *= link.Factor
		case network.EffectAdd:
			add += link.Factor
		}
	}
	for _, m := range t.Modes {
		values[m] = values[m]*mul + add
	}
	return values
}

// applyRules folds matching rules of one branch into values: product of MUL
// factors, then sum of ADD factors
func (t *RuleTable) applyRules(values map[Mode]float64, attrs map[string]string, branch network.AuxType, dir Direction) {
	mul := make(map[Mode]float64, len(t.Modes))
	add := make(map[Mode]float64, len(t.Modes))
	for _, m := range t.Modes {
		mul[m] = 1
	}

	for _, rule := range t.Rules {
		if rule.Branch != branch || !rule.appliesTo(dir) || !rule.Matches(attrs) {
			continue
		}
		for _, m := range t.Modes {
			switch rule.Effect {
			case network.EffectMul:
				mul[m] *= rule.Factors[m]
			case network.EffectAdd:
				add[m] += rule.Factors[m]
			}
		}
	}

	for _, m := range t.Modes {
		values[m] = values[m]*mul[m] + add[m]
	}
}

// unusable returns why a segment cannot produce rows, or ""
func unusable(seg network.Segment) string {
	switch {
	case seg.ID == "":
		return "missing segment id"
	case missingNode(seg.FromNode) || missingNode(seg.ToNode):
		return "missing endpoint node"
	case math.IsNaN(seg.Length) || math.IsInf(seg.Length, 0) || seg.Length < 0:
		return fmt.Sprintf("invalid length %v", seg.Length)
	}
	return ""
}

func missingNode(id string) bool {
	id = strings.TrimSpace(id)
	return id == "" || id == "0"
}

func newEdge(seg network.Segment, from, to, datasetID, timestamp string, values map[Mode]float64) Edge {
	copied := make(map[Mode]float64, len(values))
	for m, v := range values {
		copied[m] = v
	}
	return Edge{
		ID:        EdgeID(from, to),
		From:      from,
		To:        to,
		Label:     EdgeLabel,
		SegmentID: seg.ID,
		DatasetID: datasetID,
		Length:    seg.Length,
		Timestamp: timestamp,
		Values:    copied,
	}
}

// EdgeID builds the identity of a directed impedance edge
func EdgeID(from, to string) string {
	return "i" + from + "-" + to
}

func groupAux(records []network.AuxRecord) map[string][]network.AuxRecord {
	order := make(map[network.AuxType]int, len(network.AuxTypes))
	for i, t := range network.AuxTypes {
		order[t] = i
	}
	out := make(map[string][]network.AuxRecord)
	for _, r := range records {
		out[r.SegmentID] = append(out[r.SegmentID], r)
	}
	for _, list := range out {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Type != list[j].Type {
				return order[list[i].Type] < order[list[j].Type]
			}
			return list[i].ID < list[j].ID
		})
	}
	return out
}

func groupAttachments(links []network.Attachment) map[string][]network.Attachment {
	out := make(map[string][]network.Attachment)
	for _, a := range links {
		out[a.SegmentID] = append(out[a.SegmentID], a)
	}
	for _, list := range out {
		sort.SliceStable(list, func(i, j int) bool { return list[i].EventID < list[j].EventID })
	}
	return out
}

// Fingerprint hashes the rows of a run, ignoring the timestamp, so two runs
// over the same state compare equal
func Fingerprint(modes []Mode, edges []Edge) string {
	h := sha256.New()
	for _, m := range modes {
		fmt.Fprintf(h, "%s,", m)
	}
	h.Write([]byte{'\n'})
	for _, e := range edges {
		fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s", e.ID, e.From, e.To, e.Label, e.SegmentID, FormatValue(e.Length))
		for _, m := range modes {
			h.Write([]byte{'|'})
			h.Write([]byte(FormatValue(e.Values[m])))
		}
		h.Write([]byte{'\n'})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// FormatValue renders a number with the shortest exact representation
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
