// Package osmload builds pedestrian segments from OpenStreetMap extracts and
// from pre-built link and auxiliary record CSV files.
package osmload

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"
	"github.com/paulmach/osm/osmxml"
	"github.com/pkg/errors"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/geo"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/grid"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
)

// Format is the encoding of an OSM extract
type Format string

const (
	FormatXML Format = "xml"
	FormatPBF Format = "pbf"
)

// FormatFor guesses the extract format from its file name
func FormatFor(path string) (Format, error) {
	name := strings.ToLower(path)
	switch {
	case strings.HasSuffix(name, ".osm.pbf"), strings.HasSuffix(name, ".pbf"):
		return FormatPBF, nil
	case strings.HasSuffix(name, ".osm"), strings.HasSuffix(name, ".xml"):
		return FormatXML, nil
	}
	return "", errors.Errorf("unsupported OSM file extension %q", filepath.Ext(path))
}

// Options controls an import
type Options struct {
	// DatasetID stamps every segment. Empty assigns each segment the grid
	// cell of its start terminal.
	DatasetID string

	// Cell, when set, drops segments whose start terminal is outside it
	Cell *grid.Cell

	// Procs is the number of PBF decoder goroutines
	Procs int
}

// Skip records a way or row that could not be used
type Skip struct {
	ID     string
	Reason string
}

// Result is the outcome of an import
type Result struct {
	Segments []network.Segment
	Skipped  []Skip
	Ways     int // ways tagged sidewalk or crossing
}

type scanner interface {
	Scan() bool
	Close() error
	Err() error
	Object() osm.Object
}

// ClassFor maps a way's footway tag to a segment class
func ClassFor(tags osm.Tags) (network.SegmentClass, bool) {
	switch tags.Find("footway") {
	case "sidewalk":
		return network.Through, true
	case "crossing":
		return network.Crossing, true
	}
	return "", false
}

// LoadFile imports pedestrian segments from an OSM XML or PBF file
func LoadFile(ctx context.Context, path string, opts Options) (Result, error) {
	format, err := FormatFor(path)
	if err != nil {
		return Result{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Result{}, errors.Wrap(err, "open OSM file")
	}
	defer f.Close()
	return Load(ctx, f, format, opts)
}

// Load reads the extract twice: once for the pedestrian ways and once for the
// coordinates of the nodes they reference.
func Load(ctx context.Context, r io.ReadSeeker, format Format, opts Options) (Result, error) {
	var ways []*osm.Way
	nodesSeen := make(map[osm.NodeID]struct{})

	err := scan(ctx, r, format, opts.Procs, func(obj osm.Object) {
		way, ok := obj.(*osm.Way)
		if !ok {
			return
		}
		if _, ok := ClassFor(way.Tags); !ok {
			return
		}
		ways = append(ways, way)
		for _, n := range way.Nodes {
			nodesSeen[n.ID] = struct{}{}
		}
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "scanning ways")
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return Result{}, errors.Wrap(err, "rewind OSM file")
	}

	coords := make(map[osm.NodeID]geo.Point, len(nodesSeen))
	err = scan(ctx, r, format, opts.Procs, func(obj osm.Object) {
		node, ok := obj.(*osm.Node)
		if !ok {
			return
		}
		if _, ok := nodesSeen[node.ID]; ok {
			coords[node.ID] = geo.Point{Latitude: node.Lat, Longitude: node.Lon}
		}
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "scanning nodes")
	}

	result := Result{Ways: len(ways)}
	utils := geo.NewGeoUtils()
	for _, way := range ways {
		segment, reason := buildSegment(utils, way, coords, opts)
		if reason != "" {
			result.Skipped = append(result.Skipped, Skip{ID: wayID(way.ID), Reason: reason})
			continue
		}
		if segment.ID == "" {
			continue // outside the requested cell
		}
		result.Segments = append(result.Segments, segment)
	}
	return result, nil
}

func scan(ctx context.Context, r io.Reader, format Format, procs int, fn func(osm.Object)) error {
	var s scanner
	switch format {
	case FormatXML:
		s = osmxml.New(ctx, r)
	case FormatPBF:
		if procs <= 0 {
			procs = 4
		}
		s = osmpbf.New(ctx, r, procs)
	default:
		return errors.Errorf("unknown OSM format %q", format)
	}
	defer s.Close()

	for s.Scan() {
		fn(s.Object())
	}
	return s.Err()
}

// buildSegment returns the segment or a skip reason. A zero segment with no
// reason means the way fell outside opts.Cell.
func buildSegment(utils geo.GeoUtils, way *osm.Way, coords map[osm.NodeID]geo.Point, opts Options) (network.Segment, string) {
	class, _ := ClassFor(way.Tags)
	if len(way.Nodes) < 2 {
		return network.Segment{}, "fewer than two nodes"
	}

	points := make([]geo.Point, 0, len(way.Nodes))
	for _, n := range way.Nodes {
		p, ok := coords[n.ID]
		if !ok {
			return network.Segment{}, "missing coordinates for node " + strconv.FormatInt(int64(n.ID), 10)
		}
		points = append(points, p)
	}

	length, err := utils.PathLength(points)
	if err != nil {
		return network.Segment{}, err.Error()
	}

	first, last := way.Nodes[0], way.Nodes[len(way.Nodes)-1]
	segment := network.Segment{
		ID:         wayID(way.ID),
		DatasetID:  opts.DatasetID,
		Class:      class,
		Start:      points[0],
		End:        points[len(points)-1],
		FromNode:   nodeID(first.ID),
		ToNode:     nodeID(last.ID),
		Length:     length,
		Attributes: way.Tags.Map(),
	}

	if opts.Cell != nil && !opts.Cell.Contains(segment.Start) {
		return network.Segment{}, ""
	}
	if err := segment.Validate(); err != nil {
		return network.Segment{}, err.Error()
	}
	if segment.DatasetID == "" {
		segment.DatasetID = grid.CellFor(segment.Start).ID
	}
	return segment, ""
}

func wayID(id osm.WayID) string {
	return strconv.FormatInt(int64(id), 10)
}

// Node ids carry an "n" prefix so they never collide with way ids
func nodeID(id osm.NodeID) string {
	return "n" + strconv.FormatInt(int64(id), 10)
}
