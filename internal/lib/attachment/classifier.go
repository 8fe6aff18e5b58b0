package attachment

import (
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/geo"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/ranking"
)

// classifier implements the Classifier interface
type classifier struct {
	thresholds Thresholds
}

// NewClassifier creates a Classifier with the given thresholds
func NewClassifier(thresholds Thresholds) (Classifier, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	return &classifier{thresholds: thresholds}, nil
}

// RuleFor selects weather for alert subtypes under the weather prefix, intersection for
// other alerts and the default rule for agency events
func (c *classifier) RuleFor(event network.Event) Rule {
	if event.Source == network.SourceAgency {
		return RuleDefault
	}
	if c.thresholds.WeatherPrefix != "" && strings.HasPrefix(event.Subcategory, c.thresholds.WeatherPrefix) {
		return RuleWeather
	}
	return RuleIntersection
}

// Classify applies the event's rule to a ranking
func (c *classifier) Classify(event network.Event, ranked ranking.Ranking) Decision {
	rule := c.RuleFor(event)

	// Too far from anything to be worth recording
	if ranked.NearestDistance(network.Through) > c.thresholds.HazardRadius &&
		ranked.NearestDistance(network.Crossing) > c.thresholds.HazardRadius {
		return Decision{Rule: rule, Discarded: true}
	}

	switch rule {
	case RuleWeather:
		return Decision{
			Rule:    rule,
			Targets: concat(ranked.Within(network.Through, c.thresholds.HazardRadius), ranked.Within(network.Crossing, c.thresholds.HazardRadius)),
		}
	case RuleIntersection:
		return c.classifyIntersection(event.Location, ranked)
	default:
		return Decision{
			Rule:    RuleDefault,
			Targets: concat(ranked.Within(network.Through, c.thresholds.DefaultRadius), ranked.Within(network.Crossing, c.thresholds.DefaultRadius)),
		}
	}
}

// classifyIntersection decides interior vs exterior placement around the nearest crossings
func (c *classifier) classifyIntersection(point geo.Point, ranked ranking.Ranking) Decision {
	crossings := ranked.Crossing

	if c.insideBox(point, crossings) {
		targets := ranked.Within(network.Crossing, c.thresholds.InteriorCrossingRadius)
		if len(targets) == 0 {
			targets = crossings[:1]
		}
		return Decision{Rule: RuleIntersection, Placement: PlacementInterior, Targets: concat(nil, targets)}
	}

	if len(crossings) > 0 && crossings[0].Distance <= c.thresholds.ExteriorCrossingRadius {
		return Decision{Rule: RuleIntersection, Placement: PlacementExterior, Targets: concat(nil, crossings[:1])}
	}
	return Decision{
		Rule:      RuleIntersection,
		Placement: PlacementExterior,
		Targets:   concat(ranked.Within(network.Through, c.thresholds.ExteriorThroughRadius), nil),
	}
}

// insideBox builds the quadrilateral from the terminals of the nearest and the
// Nth-nearest crossing and tests the point against it. The Nth crossing must be
// within the box radius.
func (c *classifier) insideBox(point geo.Point, crossings []ranking.RankedSegment) bool {
	n := c.thresholds.MinBoxCrossings
	corners, ok := IntersectionBox(crossings, n)
	if !ok || crossings[n-1].Distance > c.thresholds.BoxRadius {
		return false
	}

	ring := make(orb.Ring, 0, 5)
	for _, corner := range corners {
		ring = append(ring, orbPoint(corner))
	}
	ring = append(ring, ring[0])
	return planar.RingContains(ring, orbPoint(point))
}

// IntersectionBox returns the box corners used for a ranking, for diagnostics.
// ok is false when there are not enough crossings to build one.
func IntersectionBox(crossings []ranking.RankedSegment, minCrossings int) (corners [4]geo.Point, ok bool) {
	if minCrossings < 2 || len(crossings) < minCrossings {
		return corners, false
	}
	nearest, outer := crossings[0].Segment, crossings[minCrossings-1].Segment
	return [4]geo.Point{nearest.Start, nearest.End, outer.Start, outer.End}, true
}

// concat copies throughs then crossings into a fresh slice
func concat(through, crossing []ranking.RankedSegment) []ranking.RankedSegment {
	out := make([]ranking.RankedSegment, 0, len(through)+len(crossing))
	out = append(out, through...)
	return append(out, crossing...)
}

func orbPoint(p geo.Point) orb.Point {
	return orb.Point{p.Longitude, p.Latitude}
}
