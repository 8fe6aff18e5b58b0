// Package grid maps dataset ids such as "33.8N84.3W" to the 0.1 degree cells
// that partition the study area.
package grid

import (
	"fmt"
	"math"
	"regexp"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/geo"
)

// CellSize is the edge length of a cell in degrees
const CellSize = 0.1

// ErrInvalidCellID is returned for ids that do not name a cell
var ErrInvalidCellID = errors.New("invalid grid cell id")

var cellPattern = regexp.MustCompile(`^(\d{1,2}(?:\.\d)?)([NS])(\d{1,3}(?:\.\d)?)([EW])$`)

// Cell is one grid partition. The id names the signed south-west corner.
type Cell struct {
	ID    string
	Bound orb.Bound
}

// Parse reads a cell id like "34.0N84.4W", which covers latitudes 34.0 to 34.1
// and longitudes -84.4 to -84.3
func Parse(id string) (Cell, error) {
	m := cellPattern.FindStringSubmatch(id)
	if m == nil {
		return Cell{}, errors.Wrapf(ErrInvalidCellID, "%q", id)
	}
	lat, _ := strconv.ParseFloat(m[1], 64)
	lon, _ := strconv.ParseFloat(m[3], 64)
	if m[2] == "S" {
		lat = -lat
	}
	if m[4] == "W" {
		lon = -lon
	}
	if lat < -90 || lat+CellSize > 90 || lon < -180 || lon+CellSize > 180 {
		return Cell{}, errors.Wrapf(ErrInvalidCellID, "%q is out of range", id)
	}
	return newCell(lat, lon), nil
}

// MustParse is Parse for constant ids; it panics on error
func MustParse(id string) Cell {
	c, err := Parse(id)
	if err != nil {
		panic(err)
	}
	return c
}

// CellFor returns the cell containing p. Points on a shared edge belong to the
// cell to their north-east.
func CellFor(p geo.Point) Cell {
	return newCell(snap(p.Latitude), snap(p.Longitude))
}

// Contains reports whether p lies in the cell, edges included
func (c Cell) Contains(p geo.Point) bool {
	return c.Bound.Contains(orb.Point{p.Longitude, p.Latitude})
}

// Center returns the middle of the cell
func (c Cell) Center() geo.Point {
	center := c.Bound.Center()
	return geo.Point{Latitude: center.Lat(), Longitude: center.Lon()}
}

func (c Cell) String() string {
	return c.ID
}

func newCell(lat, lon float64) Cell {
	lat, lon = round1(lat), round1(lon)
	return Cell{
		ID: formatID(lat, lon),
		Bound: orb.Bound{
			Min: orb.Point{lon, lat},
			Max: orb.Point{round1(lon + CellSize), round1(lat + CellSize)},
		},
	}
}

func formatID(lat, lon float64) string {
	ns, ew := "N", "E"
	if lat < 0 {
		ns = "S"
	}
	if lon < 0 {
		ew = "W"
	}
	return fmt.Sprintf("%.1f%s%.1f%s", math.Abs(lat), ns, math.Abs(lon), ew)
}

// snap floors to the cell grid, tolerating float noise just under an edge
func snap(v float64) float64 {
	return math.Floor(v/CellSize+1e-9) * CellSize
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
