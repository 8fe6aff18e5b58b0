package ranking

import (
	"sort"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/geo"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
)

const (
	// DefaultIndexLevel gives cells roughly 150m on a side
	DefaultIndexLevel = 16

	earthRadiusMeters = 6371008.8

	// Spherical cells vs ellipsoidal distances; widen the query cap a little
	radiusMargin = 1.05
)

// Index is an s2 cell index over segments used to prefilter candidates before ranking.
// A prefilter radius at least as large as the widest decision radius leaves every
// attachment decision unchanged.
type Index struct {
	level    int
	coverer  *s2.RegionCoverer
	cells    map[s2.CellID][]int
	segments []network.Segment
}

// NewIndex covers every segment at a fixed cell level
func NewIndex(segments []network.Segment, level int) *Index {
	if level <= 0 || level > 30 {
		level = DefaultIndexLevel
	}
	idx := &Index{
		level:    level,
		coverer:  &s2.RegionCoverer{MinLevel: level, MaxLevel: level, MaxCells: 16},
		cells:    make(map[s2.CellID][]int),
		segments: segments,
	}

	for i, seg := range segments {
		if !seg.Start.Valid() || !seg.End.Valid() {
			continue
		}
		var covering s2.CellUnion
		if seg.Start == seg.End {
			covering = s2.CellUnion{s2.CellIDFromLatLng(latLng(seg.Start)).Parent(level)}
		} else {
			line := s2.PolylineFromLatLngs([]s2.LatLng{latLng(seg.Start), latLng(seg.End)})
			covering = idx.coverer.Covering(line)
		}
		for _, id := range covering {
			idx.cells[id] = append(idx.cells[id], i)
		}
	}
	return idx
}

// Len returns the number of indexed segments
func (idx *Index) Len() int {
	return len(idx.segments)
}

// Nearby returns the segments that may lie within radius feet of point, in input order
func (idx *Index) Nearby(point geo.Point, radiusFeet float64) []network.Segment {
	if !point.Valid() {
		return nil
	}
	meters := radiusFeet / geo.MetersToFeet
	angle := s1.Angle(meters / earthRadiusMeters * radiusMargin)
	region := s2.CapFromCenterAngle(s2.PointFromLatLng(latLng(point)), angle)

	seen := make(map[int]struct{})
	for _, id := range idx.coverer.Covering(region) {
		for _, i := range idx.cells[id] {
			seen[i] = struct{}{}
		}
	}

	positions := make([]int, 0, len(seen))
	for i := range seen {
		positions = append(positions, i)
	}
	sort.Ints(positions)

	out := make([]network.Segment, len(positions))
	for n, i := range positions {
		out[n] = idx.segments[i]
	}
	return out
}

// Split partitions segments by class, keeping order
func Split(segments []network.Segment) (through, crossing []network.Segment) {
	for _, seg := range segments {
		switch seg.Class {
		case network.Through:
			through = append(through, seg)
		case network.Crossing:
			crossing = append(crossing, seg)
		}
	}
	return through, crossing
}

func latLng(p geo.Point) s2.LatLng {
	return s2.LatLngFromDegrees(p.Latitude, p.Longitude)
}
