package geo

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/twpayne/go-polyline"
)

// WGS84 ellipsoid parameters
const (
	wgs84A = 6378137.0
	wgs84F = 1 / 298.257223563
	wgs84B = wgs84A * (1 - wgs84F)

	// Vincenty iteration limits
	maxIterations = 200
	convergence   = 1e-12

	// IUGG mean radius, only used when Vincenty fails to converge (nearly antipodal points)
	meanEarthRadius = 6371008.8
)

// geoUtils implements the GeoUtils interface
type geoUtils struct{}

// NewGeoUtils creates a new GeoUtils implementation
func NewGeoUtils() GeoUtils {
	return &geoUtils{}
}

// PointToPoint calculates the ellipsoidal distance between two points using Vincenty's inverse formula
func (g *geoUtils) PointToPoint(p1, p2 Point) (float64, error) {
	if err := validate(p1); err != nil {
		return 0, err
	}
	if err := validate(p2); err != nil {
		return 0, err
	}

	if p1 == p2 {
		return 0, nil
	}

	// Canonical argument order keeps distance(a, b) bit-identical to distance(b, a)
	if p2.Latitude < p1.Latitude || (p2.Latitude == p1.Latitude && p2.Longitude < p1.Longitude) {
		p1, p2 = p2, p1
	}

	return vincentyInverse(p1, p2), nil
}

// Distance returns the ellipsoidal distance in feet
func (g *geoUtils) Distance(p1, p2 Point) (float64, error) {
	meters, err := g.PointToPoint(p1, p2)
	if err != nil {
		return 0, err
	}
	return meters * MetersToFeet, nil
}

// ClosestPointOnSegment projects point onto the segment and measures the geodesic distance to the projection.
// The projection is done in a local equirectangular frame centred on the point, which is linear in
// latitude/longitude, so the result always lies on the segment at some fraction 0 <= t <= 1.
func (g *geoUtils) ClosestPointOnSegment(segmentStart, segmentEnd, point Point) (Point, float64, error) {
	if err := validate(point); err != nil {
		return Point{}, 0, err
	}
	if err := validate(segmentStart); err != nil {
		return Point{}, 0, errors.Wrap(err, "segment start")
	}
	if err := validate(segmentEnd); err != nil {
		return Point{}, 0, errors.Wrap(err, "segment end")
	}

	var closest Point
	switch t := projectionFraction(segmentStart, segmentEnd, point); t {
	case 0:
		closest = segmentStart
	case 1:
		closest = segmentEnd
	default:
		closest = Point{
			Latitude:  segmentStart.Latitude + t*(segmentEnd.Latitude-segmentStart.Latitude),
			Longitude: segmentStart.Longitude + t*(segmentEnd.Longitude-segmentStart.Longitude),
		}
	}

	distance, err := g.Distance(point, closest)
	if err != nil {
		return Point{}, 0, err
	}
	return closest, distance, nil
}

// projectionFraction returns the clamped parameter of the point's orthogonal projection
func projectionFraction(a, b, p Point) float64 {
	scale := math.Cos(p.Latitude * math.Pi / 180)

	ax := (a.Longitude - p.Longitude) * scale
	ay := a.Latitude - p.Latitude
	bx := (b.Longitude - p.Longitude) * scale
	by := b.Latitude - p.Latitude

	dx := bx - ax
	dy := by - ay
	lengthSquared := dx*dx + dy*dy
	if lengthSquared == 0 {
		return 0
	}

	// Point sits at the origin of the local frame
	t := -(ax*dx + ay*dy) / lengthSquared
	return math.Max(0, math.Min(1, t))
}

// PathLength sums the geodesic length of consecutive point pairs in feet
func (g *geoUtils) PathLength(points []Point) (float64, error) {
	total := 0.0
	for i := 0; i < len(points)-1; i++ {
		d, err := g.Distance(points[i], points[i+1])
		if err != nil {
			return 0, errors.Wrapf(err, "path vertex %d", i)
		}
		total += d
	}
	return total, nil
}

// DecodePolyline decodes Google polyline string to point sequence
func (g *geoUtils) DecodePolyline(encoded string) ([]Point, error) {
	if encoded == "" {
		return nil, errors.New("encoded polyline string is empty")
	}

	coords, _, err := polyline.DecodeCoords([]byte(encoded))
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode polyline")
	}

	points := make([]Point, len(coords))
	for i, coord := range coords {
		points[i] = Point{
			Latitude:  coord[0],
			Longitude: coord[1],
		}

		if err := validate(points[i]); err != nil {
			return nil, errors.Wrap(err, "decoded polyline contains invalid coordinates")
		}
	}

	return points, nil
}

// EncodePolyline encodes a point sequence with the Google polyline algorithm
func (g *geoUtils) EncodePolyline(points []Point) (string, error) {
	coords := make([][]float64, len(points))
	for i, p := range points {
		if err := validate(p); err != nil {
			return "", err
		}
		coords[i] = []float64{p.Latitude, p.Longitude}
	}
	return string(polyline.EncodeCoords(coords)), nil
}

// NewPoint creates a Point from latitude and longitude values with validation
func NewPoint(latitude, longitude float64) (Point, error) {
	point := Point{Latitude: latitude, Longitude: longitude}
	if err := validate(point); err != nil {
		return Point{}, err
	}
	return point, nil
}

// Valid reports whether the point is a usable WGS84 coordinate
func (p Point) Valid() bool {
	return isValidCoordinate(p)
}

// String formats the point as "lat,lon"
func (p Point) String() string {
	return fmt.Sprintf("%.7f,%.7f", p.Latitude, p.Longitude)
}

// validate wraps ErrInvalidCoordinate with the offending values
func validate(p Point) error {
	if !isValidCoordinate(p) {
		return errors.Wrapf(ErrInvalidCoordinate, "got (%v, %v)", p.Latitude, p.Longitude)
	}
	return nil
}

// isValidCoordinate validates latitude and longitude values; NaN fails every comparison
func isValidCoordinate(point Point) bool {
	return point.Latitude >= -90 && point.Latitude <= 90 &&
		point.Longitude >= -180 && point.Longitude <= 180
}

// vincentyInverse solves the inverse geodesic problem on the WGS84 ellipsoid, in meters
func vincentyInverse(p1, p2 Point) float64 {
	phi1 := p1.Latitude * math.Pi / 180
	phi2 := p2.Latitude * math.Pi / 180
	L := (p2.Longitude - p1.Longitude) * math.Pi / 180

	U1 := math.Atan((1 - wgs84F) * math.Tan(phi1))
	U2 := math.Atan((1 - wgs84F) * math.Tan(phi2))
	sinU1, cosU1 := math.Sin(U1), math.Cos(U1)
	sinU2, cosU2 := math.Sin(U2), math.Cos(U2)

	lambda := L
	var sinSigma, cosSigma, sigma, cosSqAlpha, cos2SigmaM float64
	converged := false

	for i := 0; i < maxIterations; i++ {
		sinLambda, cosLambda := math.Sin(lambda), math.Cos(lambda)
		sinSigma = math.Sqrt((cosU2*sinLambda)*(cosU2*sinLambda) +
			(cosU1*sinU2-sinU1*cosU2*cosLambda)*(cosU1*sinU2-sinU1*cosU2*cosLambda))
		if sinSigma == 0 {
			return 0 // coincident
		}
		cosSigma = sinU1*sinU2 + cosU1*cosU2*cosLambda
		sigma = math.Atan2(sinSigma, cosSigma)
		sinAlpha := cosU1 * cosU2 * sinLambda / sinSigma
		cosSqAlpha = 1 - sinAlpha*sinAlpha
		if cosSqAlpha != 0 {
			cos2SigmaM = cosSigma - 2*sinU1*sinU2/cosSqAlpha
		} else {
			cos2SigmaM = 0 // equatorial line
		}
		C := wgs84F / 16 * cosSqAlpha * (4 + wgs84F*(4-3*cosSqAlpha))
		previous := lambda
		lambda = L + (1-C)*wgs84F*sinAlpha*
			(sigma+C*sinSigma*(cos2SigmaM+C*cosSigma*(-1+2*cos2SigmaM*cos2SigmaM)))
		if math.Abs(lambda-previous) <= convergence {
			converged = true
			break
		}
	}

	if !converged {
		return haversine(p1, p2)
	}

	uSq := cosSqAlpha * (wgs84A*wgs84A - wgs84B*wgs84B) / (wgs84B * wgs84B)
	A := 1 + uSq/16384*(4096+uSq*(-768+uSq*(320-175*uSq)))
	B := uSq / 1024 * (256 + uSq*(-128+uSq*(74-47*uSq)))
	deltaSigma := B * sinSigma * (cos2SigmaM + B/4*(cosSigma*(-1+2*cos2SigmaM*cos2SigmaM)-
		B/6*cos2SigmaM*(-3+4*sinSigma*sinSigma)*(-3+4*cos2SigmaM*cos2SigmaM)))

	return wgs84B * A * (sigma - deltaSigma)
}

// haversine is the spherical fallback for the handful of inputs Vincenty cannot resolve
func haversine(p1, p2 Point) float64 {
	lat1 := p1.Latitude * math.Pi / 180
	lat2 := p2.Latitude * math.Pi / 180
	dlat := lat2 - lat1
	dlon := (p2.Longitude - p1.Longitude) * math.Pi / 180

	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	return meanEarthRadius * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
