package ranking

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/geo"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
)

// ranker implements the Ranker interface
type ranker struct {
	geoUtils geo.GeoUtils
}

// NewRanker creates a new Ranker implementation
func NewRanker() Ranker {
	return &ranker{geoUtils: geo.NewGeoUtils()}
}

// Rank computes the distance from point to every segment and sorts each class ascending
func (r *ranker) Rank(point geo.Point, through, crossing []network.Segment) (Ranking, error) {
	if !point.Valid() {
		return Ranking{}, errors.Wrapf(geo.ErrInvalidCoordinate, "ranking point (%v, %v)", point.Latitude, point.Longitude)
	}

	ranking := Ranking{Point: point}
	ranking.Through = r.rankClass(point, through, &ranking.Skipped)
	ranking.Crossing = r.rankClass(point, crossing, &ranking.Skipped)
	return ranking, nil
}

// rankClass measures and stable-sorts one class; exact ties keep input order
func (r *ranker) rankClass(point geo.Point, segments []network.Segment, skipped *[]SkippedSegment) []RankedSegment {
	ranked := make([]RankedSegment, 0, len(segments))
	for _, seg := range segments {
		closest, distance, err := r.geoUtils.ClosestPointOnSegment(seg.Start, seg.End, point)
		if err != nil {
			*skipped = append(*skipped, SkippedSegment{
				SegmentID: seg.ID,
				Err:       &network.MalformedInputError{Kind: "segment", ID: seg.ID, Reason: err.Error()},
			})
			continue
		}
		ranked = append(ranked, RankedSegment{Segment: seg, Distance: distance, Closest: closest})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Distance < ranked[j].Distance
	})
	return ranked
}
