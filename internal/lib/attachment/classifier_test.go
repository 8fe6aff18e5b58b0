package attachment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/geo"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/ranking"
)

// Square intersection, corners roughly 70ft apart
var (
	nw = geo.Point{Latitude: 33.8872, Longitude: -84.2527}
	ne = geo.Point{Latitude: 33.8872, Longitude: -84.2523}
	se = geo.Point{Latitude: 33.8868, Longitude: -84.2523}
	sw = geo.Point{Latitude: 33.8868, Longitude: -84.2527}

	center  = geo.Point{Latitude: 33.8870, Longitude: -84.2525}
	outside = geo.Point{Latitude: 33.8880, Longitude: -84.2525}

	north = network.Segment{ID: "cw-n", Class: network.Crossing, Start: nw, End: ne}
	east  = network.Segment{ID: "cw-e", Class: network.Crossing, Start: ne, End: se}
	south = network.Segment{ID: "cw-s", Class: network.Crossing, Start: se, End: sw}
	west  = network.Segment{ID: "cw-w", Class: network.Crossing, Start: sw, End: nw}
)

func ranked(seg network.Segment, distance float64) ranking.RankedSegment {
	return ranking.RankedSegment{Segment: seg, Distance: distance}
}

func through(id string, distance float64) ranking.RankedSegment {
	return ranked(network.Segment{ID: id, Class: network.Through}, distance)
}

func ids(targets []ranking.RankedSegment) []string {
	out := make([]string, len(targets))
	for i, t := range targets {
		out[i] = t.Segment.ID
	}
	return out
}

func newTestClassifier(t *testing.T) Classifier {
	c, err := NewClassifier(DefaultThresholds())
	require.NoError(t, err)
	return c
}

func alertAt(p geo.Point, subtype string) network.Event {
	return network.Event{ID: "a1", Source: network.SourceAlert, Category: "HAZARD", Subcategory: subtype, Location: p}
}

func TestClassifier_RuleFor(t *testing.T) {
	c := newTestClassifier(t)

	assert.Equal(t, RuleWeather, c.RuleFor(alertAt(center, "HAZARD_WEATHER_FOG")))
	assert.Equal(t, RuleIntersection, c.RuleFor(alertAt(center, "HAZARD_ON_ROAD")))
	assert.Equal(t, RuleIntersection, c.RuleFor(alertAt(center, "")))
	assert.Equal(t, RuleDefault, c.RuleFor(network.Event{Source: network.SourceAgency, Subcategory: "HAZARD_WEATHER_FOG"}))
}

func TestClassifier_IntersectionInterior(t *testing.T) {
	c := newTestClassifier(t)

	t.Run("crossings within interior radius", func(t *testing.T) {
		r := ranking.Ranking{
			Through:  []ranking.RankedSegment{through("sw-1", 5)},
			Crossing: []ranking.RankedSegment{ranked(north, 10), ranked(east, 15), ranked(west, 30), ranked(south, 40)},
		}
		d := c.Classify(alertAt(center, "HAZARD_ON_ROAD"), r)
		assert.Equal(t, RuleIntersection, d.Rule)
		assert.Equal(t, PlacementInterior, d.Placement)
		assert.Equal(t, []string{"cw-n", "cw-e"}, ids(d.Targets))
		assert.False(t, d.Discarded)
	})

	t.Run("falls back to nearest crossing", func(t *testing.T) {
		r := ranking.Ranking{
			Crossing: []ranking.RankedSegment{ranked(north, 25), ranked(east, 30), ranked(west, 35), ranked(south, 40)},
		}
		d := c.Classify(alertAt(center, "HAZARD_ON_ROAD"), r)
		assert.Equal(t, PlacementInterior, d.Placement)
		assert.Equal(t, []string{"cw-n"}, ids(d.Targets))
	})
}

func TestClassifier_IntersectionExterior(t *testing.T) {
	c := newTestClassifier(t)

	t.Run("fourth crossing beyond box radius", func(t *testing.T) {
		r := ranking.Ranking{
			Crossing: []ranking.RankedSegment{ranked(north, 10), ranked(east, 15), ranked(west, 30), ranked(south, 350)},
		}
		d := c.Classify(alertAt(center, "HAZARD_ON_ROAD"), r)
		assert.Equal(t, PlacementExterior, d.Placement)
		assert.Equal(t, []string{"cw-n"}, ids(d.Targets))
	})

	t.Run("outside the box attaches to near throughs", func(t *testing.T) {
		r := ranking.Ranking{
			Through:  []ranking.RankedSegment{through("sw-1", 20), through("sw-2", 50), through("sw-3", 50.5)},
			Crossing: []ranking.RankedSegment{ranked(north, 90), ranked(east, 95), ranked(west, 100), ranked(south, 110)},
		}
		d := c.Classify(alertAt(outside, "ACCIDENT_MINOR"), r)
		assert.Equal(t, PlacementExterior, d.Placement)
		assert.Equal(t, []string{"sw-1", "sw-2"}, ids(d.Targets))
	})

	t.Run("fewer than four crossings", func(t *testing.T) {
		r := ranking.Ranking{
			Through:  []ranking.RankedSegment{through("sw-1", 40)},
			Crossing: []ranking.RankedSegment{ranked(north, 30603), ranked(east, 30606), ranked(west, 31395)},
		}
		d := c.Classify(alertAt(center, "HAZARD_ON_ROAD"), r)
		assert.Equal(t, PlacementExterior, d.Placement)
		assert.Equal(t, []string{"sw-1"}, ids(d.Targets))
	})

	t.Run("exterior with nothing close enough", func(t *testing.T) {
		r := ranking.Ranking{
			Through: []ranking.RankedSegment{through("sw-1", 400)},
		}
		d := c.Classify(alertAt(center, "HAZARD_ON_ROAD"), r)
		assert.False(t, d.Discarded)
		assert.Empty(t, d.Targets)
	})
}

func TestClassifier_Weather(t *testing.T) {
	c := newTestClassifier(t)

	r := ranking.Ranking{
		Through:  []ranking.RankedSegment{through("sw-1", 500), through("sw-2", 1000), through("sw-3", 1200)},
		Crossing: []ranking.RankedSegment{ranked(north, 900)},
	}
	d := c.Classify(alertAt(center, "HAZARD_WEATHER_FLOOD"), r)
	assert.Equal(t, RuleWeather, d.Rule)
	assert.Equal(t, []string{"sw-1", "sw-2", "cw-n"}, ids(d.Targets))
}

func TestClassifier_Default(t *testing.T) {
	c := newTestClassifier(t)

	r := ranking.Ranking{
		Through:  []ranking.RankedSegment{through("sw-1", 30), through("sw-2", 50), through("sw-3", 51)},
		Crossing: []ranking.RankedSegment{ranked(north, 50), ranked(east, 70)},
	}
	agency := network.Event{ID: "n1", Source: network.SourceAgency, Category: "Crash", Location: center}
	d := c.Classify(agency, r)
	assert.Equal(t, RuleDefault, d.Rule)
	assert.Equal(t, PlacementNone, d.Placement)
	assert.Equal(t, []string{"sw-1", "sw-2", "cw-n"}, ids(d.Targets))
}

func TestClassifier_Discard(t *testing.T) {
	c := newTestClassifier(t)

	far := ranking.Ranking{
		Through:  []ranking.RankedSegment{through("sw-1", 1500)},
		Crossing: []ranking.RankedSegment{ranked(north, 1000.5)},
	}
	for _, subtype := range []string{"HAZARD_WEATHER_FOG", "HAZARD_ON_ROAD"} {
		d := c.Classify(alertAt(center, subtype), far)
		assert.True(t, d.Discarded, subtype)
		assert.Empty(t, d.Targets, subtype)
	}

	assert.True(t, c.Classify(alertAt(center, ""), ranking.Ranking{}).Discarded, "no segments at all")

	boundary := ranking.Ranking{Through: []ranking.RankedSegment{through("sw-1", 1000)}}
	d := c.Classify(alertAt(center, "HAZARD_WEATHER_FOG"), boundary)
	assert.False(t, d.Discarded)
	assert.Equal(t, []string{"sw-1"}, ids(d.Targets))
}

func TestClassifier_ConfigurableThresholds(t *testing.T) {
	thresholds := DefaultThresholds()
	thresholds.ExteriorThroughRadius = 100
	c, err := NewClassifier(thresholds)
	require.NoError(t, err)

	r := ranking.Ranking{Through: []ranking.RankedSegment{through("sw-1", 75)}}
	d := c.Classify(alertAt(outside, "ACCIDENT_MAJOR"), r)
	assert.Equal(t, []string{"sw-1"}, ids(d.Targets))

	thresholds.HazardRadius = -1
	_, err = NewClassifier(thresholds)
	assert.Error(t, err)

	assert.Equal(t, 1000.0, DefaultThresholds().SearchRadius())
}

func TestIntersectionBox(t *testing.T) {
	crossings := []ranking.RankedSegment{ranked(north, 1), ranked(east, 2), ranked(west, 3), ranked(south, 4)}
	corners, ok := IntersectionBox(crossings, 4)
	require.True(t, ok)
	assert.Equal(t, [4]geo.Point{nw, ne, se, sw}, corners)

	_, ok = IntersectionBox(crossings[:3], 4)
	assert.False(t, ok)
}
