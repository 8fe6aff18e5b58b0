package network

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/geo"
)

func TestCategoryKey_Matches(t *testing.T) {
	accidentMinor := CategoryKey{Category: "ACCIDENT", Subcategory: "ACCIDENT_MINOR"}
	accidentBare := CategoryKey{Category: "ACCIDENT"}
	hazardBare := CategoryKey{Category: "HAZARD"}

	assert.True(t, accidentMinor.Matches(CategoryKey{Category: "OTHER", Subcategory: "ACCIDENT_MINOR"}), "subcategory alone decides")
	assert.False(t, accidentMinor.Matches(accidentBare))
	assert.True(t, accidentBare.Matches(accidentBare))
	assert.False(t, accidentBare.Matches(accidentMinor), "empty subcategory only matches empty subcategory")
	assert.False(t, accidentBare.Matches(hazardBare))

	assert.Equal(t, "ACCIDENT[NO_SUBTYPE]", accidentBare.String())
	assert.Equal(t, "ACCIDENT_MINOR", accidentMinor.String())
}

func TestEvent_Recency(t *testing.T) {
	alert := Event{Source: SourceAlert, Version: 9, Window: TimeWindow{EndMillis: 1700000000000}}
	assert.Equal(t, int64(1700000000000), alert.Recency())
	assert.Equal(t, int64(1700000000000), alert.LastSeenMillis())

	agency := Event{Source: SourceAgency, Version: 3, ModifiedMillis: 1600000000000}
	assert.Equal(t, int64(3), agency.Recency())
	assert.Equal(t, int64(1600000000000), agency.LastSeenMillis())
}

func TestEvent_Validate(t *testing.T) {
	valid := Event{
		ID:       "ev-1",
		Source:   SourceAlert,
		Category: "ACCIDENT",
		Location: geo.Point{Latitude: 33.75, Longitude: -84.39},
	}
	assert.NoError(t, valid.Validate())

	missingCategory := valid
	missingCategory.Category = ""
	err := missingCategory.Validate()
	var malformed *MalformedInputError
	assert.True(t, errors.As(err, &malformed))
	assert.Equal(t, "ev-1", malformed.ID)
	assert.Equal(t, "malformed event ev-1: missing category", err.Error())

	badLocation := valid
	badLocation.Location = geo.Point{Latitude: 120}
	assert.Error(t, badLocation.Validate())
}

func TestSegment_Validate(t *testing.T) {
	seg := Segment{
		ID:    "s1",
		Class: Crossing,
		Start: geo.Point{Latitude: 33.75, Longitude: -84.39},
		End:   geo.Point{Latitude: 33.7501, Longitude: -84.39},
	}
	assert.NoError(t, seg.Validate())

	seg.Class = "ROAD"
	assert.Error(t, seg.Validate())
}

func TestParseKinds(t *testing.T) {
	kind, err := ParseEffectKind("ADD")
	assert.NoError(t, err)
	assert.Equal(t, EffectAdd, kind)

	_, err = ParseEffectKind("mul")
	assert.Error(t, err)

	aux, err := ParseAuxType("CUT")
	assert.NoError(t, err)
	assert.Equal(t, AuxCurbCut, aux)

	_, err = ParseAuxType("TREE")
	assert.Error(t, err)
}
