package geo

import (
	"errors"
)

// MetersToFeet converts geodesic results into the unit every threshold is expressed in
const MetersToFeet = 3.28084

// ErrInvalidCoordinate is returned for NaN or out-of-range coordinates
var ErrInvalidCoordinate = errors.New("invalid coordinate: latitude must be [-90, 90], longitude must be [-180, 180]")

// Point represents a geographic coordinate
type Point struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

// GeoUtils interface defines geographic calculation utilities on the WGS84 ellipsoid
type GeoUtils interface {
	// Ellipsoidal distance between two points in meters
	PointToPoint(p1, p2 Point) (float64, error)

	// Ellipsoidal distance between two points in feet
	Distance(p1, p2 Point) (float64, error)

	// Closest point on the segment start-end to point, and its distance in feet
	ClosestPointOnSegment(segmentStart, segmentEnd, point Point) (Point, float64, error)

	// Length of a point sequence in feet
	PathLength(points []Point) (float64, error)

	// Decode Google polyline string to point sequence
	DecodePolyline(encoded string) ([]Point, error)

	// Encode point sequence as a Google polyline string
	EncodePolyline(points []Point) (string, error)
}

// NewGeoUtils is implemented in geo.go
