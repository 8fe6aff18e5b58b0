package ranking

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/geo"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
)

// Fixtures around a midtown Atlanta block
var (
	eventPoint = geo.Point{Latitude: 33.887, Longitude: -84.2525}

	sidewalkNear = network.Segment{
		ID: "sw-near", Class: network.Through,
		Start: geo.Point{Latitude: 33.886, Longitude: -84.253},
		End:   geo.Point{Latitude: 33.888, Longitude: -84.253},
	}
	sidewalkFar = network.Segment{
		ID: "sw-far", Class: network.Through,
		Start: geo.Point{Latitude: 33.886, Longitude: -84.2535},
		End:   geo.Point{Latitude: 33.888, Longitude: -84.2535},
	}
	crosswalkThrough = network.Segment{
		ID: "cw-on", Class: network.Crossing,
		Start: geo.Point{Latitude: 33.887, Longitude: -84.2526},
		End:   geo.Point{Latitude: 33.887, Longitude: -84.2520},
	}
)

func TestRanker_Rank(t *testing.T) {
	ranker := NewRanker()

	ranking, err := ranker.Rank(eventPoint,
		[]network.Segment{sidewalkFar, sidewalkNear},
		[]network.Segment{crosswalkThrough})
	require.NoError(t, err)

	require.Len(t, ranking.Through, 2)
	assert.Equal(t, "sw-near", ranking.Through[0].Segment.ID)
	assert.Equal(t, "sw-far", ranking.Through[1].Segment.ID)
	assert.InDelta(t, 151.75, ranking.Through[0].Distance, 0.5)
	assert.InDelta(t, 303.5, ranking.Through[1].Distance, 1.0)

	require.Len(t, ranking.Crossing, 1)
	assert.InDelta(t, 0.0, ranking.Crossing[0].Distance, 1e-6)
	assert.Empty(t, ranking.Skipped)

	assert.InDelta(t, 151.75, ranking.NearestDistance(network.Through), 0.5)
	assert.Len(t, ranking.Within(network.Through, 200), 1)
	assert.Len(t, ranking.Within(network.Through, 1000), 2)
	assert.Empty(t, ranking.Within(network.Through, 100))
}

func TestRanker_StableTies(t *testing.T) {
	ranker := NewRanker()

	first := sidewalkNear
	first.ID = "first"
	second := sidewalkNear
	second.ID = "second"
	third := sidewalkNear
	third.ID = "third"

	ranking, err := ranker.Rank(eventPoint, []network.Segment{first, second, third}, nil)
	require.NoError(t, err)
	require.Len(t, ranking.Through, 3)
	assert.Equal(t, "first", ranking.Through[0].Segment.ID)
	assert.Equal(t, "second", ranking.Through[1].Segment.ID)
	assert.Equal(t, "third", ranking.Through[2].Segment.ID)
}

func TestRanker_SkipsBadGeometry(t *testing.T) {
	ranker := NewRanker()

	broken := network.Segment{
		ID: "broken", Class: network.Through,
		Start: geo.Point{Latitude: math.NaN(), Longitude: -84.25},
		End:   geo.Point{Latitude: 33.887, Longitude: -84.25},
	}
	ranking, err := ranker.Rank(eventPoint, []network.Segment{broken, sidewalkNear}, nil)
	require.NoError(t, err)

	require.Len(t, ranking.Through, 1)
	require.Len(t, ranking.Skipped, 1)
	assert.Equal(t, "broken", ranking.Skipped[0].SegmentID)
	var malformed *network.MalformedInputError
	assert.True(t, errors.As(ranking.Skipped[0].Err, &malformed))
}

func TestRanker_InvalidPoint(t *testing.T) {
	_, err := NewRanker().Rank(geo.Point{Latitude: math.NaN()}, nil, nil)
	assert.ErrorIs(t, err, geo.ErrInvalidCoordinate)
}

func TestRanking_EmptyClass(t *testing.T) {
	ranking := Ranking{}
	assert.True(t, math.IsInf(ranking.NearestDistance(network.Crossing), 1))
	assert.Empty(t, ranking.Within(network.Crossing, 1000))
}

func TestIndex_Nearby(t *testing.T) {
	distant := network.Segment{
		ID: "distant", Class: network.Through,
		Start: geo.Point{Latitude: 34.5, Longitude: -84.0},
		End:   geo.Point{Latitude: 34.501, Longitude: -84.0},
	}
	segments := []network.Segment{sidewalkFar, distant, crosswalkThrough, sidewalkNear}
	idx := NewIndex(segments, DefaultIndexLevel)
	assert.Equal(t, 4, idx.Len())

	nearby := idx.Nearby(eventPoint, 1000)
	ids := make([]string, len(nearby))
	for i, seg := range nearby {
		ids[i] = seg.ID
	}
	assert.Equal(t, []string{"sw-far", "cw-on", "sw-near"}, ids, "input order is preserved")

	through, crossing := Split(nearby)
	assert.Len(t, through, 2)
	assert.Len(t, crossing, 1)
}

func TestIndex_PrefilterKeepsRanking(t *testing.T) {
	segments := []network.Segment{sidewalkFar, crosswalkThrough, sidewalkNear}
	idx := NewIndex(segments, DefaultIndexLevel)
	ranker := NewRanker()

	fullThrough, fullCrossing := Split(segments)
	full, err := ranker.Rank(eventPoint, fullThrough, fullCrossing)
	require.NoError(t, err)

	nearThrough, nearCrossing := Split(idx.Nearby(eventPoint, 1000))
	filtered, err := ranker.Rank(eventPoint, nearThrough, nearCrossing)
	require.NoError(t, err)

	assert.Equal(t, full, filtered)
}
