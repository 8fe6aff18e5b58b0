package osmload

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/grid"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
)

func TestFormatFor(t *testing.T) {
	tests := []struct {
		path    string
		want    Format
		wantErr bool
	}{
		{"atlanta.osm.pbf", FormatPBF, false},
		{"extract.PBF", FormatPBF, false},
		{"sample.osm", FormatXML, false},
		{"sample.xml", FormatXML, false},
		{"sample.geojson", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := FormatFor(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadFile_XML(t *testing.T) {
	result, err := LoadFile(context.Background(), "testdata/sample.osm", Options{})
	require.NoError(t, err)

	assert.Equal(t, 4, result.Ways)
	require.Len(t, result.Segments, 3)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, "30", result.Skipped[0].ID)
	assert.Contains(t, result.Skipped[0].Reason, "999")

	sidewalk := result.Segments[0]
	assert.Equal(t, "10", sidewalk.ID)
	assert.Equal(t, network.Through, sidewalk.Class)
	assert.Equal(t, "n100", sidewalk.FromNode)
	assert.Equal(t, "n102", sidewalk.ToNode)
	assert.Equal(t, "33.8N84.3W", sidewalk.DatasetID)
	assert.InDelta(t, 364.0, sidewalk.Length, 1.0)
	assert.Equal(t, "concrete", sidewalk.Attributes["surface"])
	assert.InDelta(t, 33.8880, sidewalk.End.Latitude, 1e-9)

	crossing := result.Segments[1]
	assert.Equal(t, "20", crossing.ID)
	assert.Equal(t, network.Crossing, crossing.Class)

	assert.Equal(t, "34.0N84.3W", result.Segments[2].DatasetID)
}

func TestLoad_CellFilter(t *testing.T) {
	f, err := os.Open("testdata/sample.osm")
	require.NoError(t, err)
	defer f.Close()

	cell := grid.MustParse("33.8N84.3W")
	result, err := Load(context.Background(), f, FormatXML, Options{Cell: &cell, DatasetID: cell.ID})
	require.NoError(t, err)

	require.Len(t, result.Segments, 2)
	for _, s := range result.Segments {
		assert.Equal(t, cell.ID, s.DatasetID)
	}
}

func TestReadLinks(t *testing.T) {
	input := strings.Join([]string{
		"id,from,to,class,start_lat,start_lon,end_lat,end_lon,length,Slope,Surface",
		"link-1,n100,n200,,33.8870,-84.2530,33.8875,-84.2530,360,7,gravel",
		"link-2,n200,n300,crosswalk,33.8875,-84.2530,33.8875,-84.2535,,,",
		"link-3,n300,n400,,not-a-number,-84.2530,33.8875,-84.2530,10,,",
		"link-4,n400,n500,ROAD,33.8875,-84.2530,33.8875,-84.2535,10,,",
	}, "\n")

	segments, skipped, err := ReadLinks(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, segments, 2)
	require.Len(t, skipped, 2)
	assert.Equal(t, "link-3", skipped[0].ID)
	assert.Equal(t, "link-4", skipped[1].ID)

	assert.Equal(t, network.Through, segments[0].Class)
	assert.Equal(t, 360.0, segments[0].Length)
	assert.Equal(t, map[string]string{"Slope": "7", "Surface": "gravel"}, segments[0].Attributes)
	assert.Equal(t, "33.8N84.3W", segments[0].DatasetID)

	assert.Equal(t, network.Crossing, segments[1].Class)
	assert.Greater(t, segments[1].Length, 100.0)
	assert.Empty(t, segments[1].Attributes)
}

func TestReadLinks_MissingColumn(t *testing.T) {
	_, _, err := ReadLinks(strings.NewReader("id,from,to\nlink-1,a,b\n"))
	assert.ErrorContains(t, err, "start_lat")
}

func TestReadAuxRecords(t *testing.T) {
	input := strings.Join([]string{
		"type,id,segment_id,Height,Severity",
		"curb,c1,link-1,0.75,",
		"DEFECT,d1,link-1,,high",
		"LAMP,x1,link-1,,",
		"RAMP,,link-2,,",
	}, "\n")

	records, skipped, err := ReadAuxRecords(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Len(t, skipped, 2)

	assert.Equal(t, network.AuxType("CURB"), records[0].Type)
	assert.Equal(t, map[string]string{"Height": "0.75"}, records[0].Attributes)
	assert.Equal(t, "high", records[1].Attributes["Severity"])
}
