package ranking

import (
	"math"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/geo"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
)

// RankedSegment is a segment with its distance to the ranked point
type RankedSegment struct {
	Segment  network.Segment `json:"segment"`
	Distance float64         `json:"distance"` // feet
	Closest  geo.Point       `json:"closest"`  // nearest point on the segment
}

// SkippedSegment records a segment left out of a ranking and why
type SkippedSegment struct {
	SegmentID string `json:"segment_id"`
	Err       error  `json:"-"`
}

// Ranking holds both segment classes sorted ascending by distance
type Ranking struct {
	Point    geo.Point        `json:"point"`
	Through  []RankedSegment  `json:"through"`
	Crossing []RankedSegment  `json:"crossing"`
	Skipped  []SkippedSegment `json:"skipped,omitempty"`
}

// Of returns the ranked list for a class
func (r Ranking) Of(class network.SegmentClass) []RankedSegment {
	if class == network.Crossing {
		return r.Crossing
	}
	return r.Through
}

// NearestDistance is the distance to the nearest segment of a class, +Inf when there is none
func (r Ranking) NearestDistance(class network.SegmentClass) float64 {
	ranked := r.Of(class)
	if len(ranked) == 0 {
		return math.Inf(1)
	}
	return ranked[0].Distance
}

// Within returns the leading run of segments of a class no farther than radius feet
func (r Ranking) Within(class network.SegmentClass, radius float64) []RankedSegment {
	ranked := r.Of(class)
	n := 0
	for n < len(ranked) && ranked[n].Distance <= radius {
		n++
	}
	return ranked[:n]
}

// Ranker interface defines distance ranking of segments around a point
type Ranker interface {
	// Rank sorts through- and crossing-segments by distance to point.
	// Segments with unusable geometry are reported in Skipped, never ranked.
	Rank(point geo.Point, through, crossing []network.Segment) (Ranking, error)
}

// NewRanker is implemented in ranker.go

// SegmentList is an unindexed candidate source; Nearby returns every segment
type SegmentList []network.Segment

// Nearby returns the whole list regardless of point and radius
func (l SegmentList) Nearby(_ geo.Point, _ float64) []network.Segment {
	return l
}
