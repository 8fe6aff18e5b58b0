package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/geo"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	geoUtils := geo.NewGeoUtils()

	switch command {
	case "point-distance":
		handlePointDistance(geoUtils)
	case "closest-point":
		handleClosestPoint(geoUtils)
	case "path-length":
		handlePathLength(geoUtils)
	case "decode-polyline":
		handleDecodePolyline(geoUtils)
	case "help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func handlePointDistance(geoUtils geo.GeoUtils) {
	fs := flag.NewFlagSet("point-distance", flag.ExitOnError)
	lat1 := fs.Float64("lat1", 0, "Latitude of first point")
	lng1 := fs.Float64("lng1", 0, "Longitude of first point")
	lat2 := fs.Float64("lat2", 0, "Latitude of second point")
	lng2 := fs.Float64("lng2", 0, "Longitude of second point")

	fs.Parse(os.Args[2:])

	if *lat1 == 0 && *lng1 == 0 && *lat2 == 0 && *lng2 == 0 {
		fmt.Println("Example usage:")
		fmt.Println("  test-geo-utils point-distance --lat1 33.886 --lng1 -84.253 --lat2 33.888 --lng2 -84.253")
		os.Exit(1)
	}

	p1 := geo.Point{Latitude: *lat1, Longitude: *lng1}
	p2 := geo.Point{Latitude: *lat2, Longitude: *lng2}

	feet, err := geoUtils.Distance(p1, p2)
	if err != nil {
		log.Fatalf("Error calculating distance: %v", err)
	}
	meters, _ := geoUtils.PointToPoint(p1, p2)

	fmt.Printf("Distance between points:\n")
	fmt.Printf("  Point 1: %s\n", p1)
	fmt.Printf("  Point 2: %s\n", p2)
	fmt.Printf("  Distance: %.2f ft (%.2f m)\n", feet, meters)
}

func handleClosestPoint(geoUtils geo.GeoUtils) {
	fs := flag.NewFlagSet("closest-point", flag.ExitOnError)
	segment := fs.String("segment", "", "Segment endpoints as \"lat,lng;lat,lng\"")
	lat := fs.Float64("lat", 0, "Latitude of point")
	lng := fs.Float64("lng", 0, "Longitude of point")

	fs.Parse(os.Args[2:])

	if *segment == "" {
		fmt.Println("Example usage:")
		fmt.Println("  test-geo-utils closest-point --segment \"33.886,-84.253;33.888,-84.253\" --lat 33.887 --lng -84.25295")
		os.Exit(1)
	}

	ends, err := parseCoordinatePairs(*segment)
	if err != nil {
		log.Fatalf("Error parsing segment: %v", err)
	}
	if len(ends) != 2 {
		log.Fatalf("Segment needs exactly two points, got %d", len(ends))
	}

	point := geo.Point{Latitude: *lat, Longitude: *lng}
	closest, distance, err := geoUtils.ClosestPointOnSegment(ends[0], ends[1], point)
	if err != nil {
		log.Fatalf("Error projecting point: %v", err)
	}

	fmt.Printf("Closest point on segment:\n")
	fmt.Printf("  Point: %s\n", point)
	fmt.Printf("  Closest: %s\n", closest)
	fmt.Printf("  Distance: %.2f ft\n", distance)
}

func handlePathLength(geoUtils geo.GeoUtils) {
	fs := flag.NewFlagSet("path-length", flag.ExitOnError)
	points := fs.String("points", "", "Path as \"lat,lng;lat,lng;...\"")
	polylineStr := fs.String("polyline", "", "Path as an encoded polyline")

	fs.Parse(os.Args[2:])

	var path []geo.Point
	var err error
	switch {
	case *points != "":
		path, err = parseCoordinatePairs(*points)
	case *polylineStr != "":
		path, err = geoUtils.DecodePolyline(*polylineStr)
	default:
		fmt.Println("Example usage:")
		fmt.Println("  test-geo-utils path-length --points \"33.886,-84.253;33.887,-84.253;33.888,-84.252\"")
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("Error reading path: %v", err)
	}

	length, err := geoUtils.PathLength(path)
	if err != nil {
		log.Fatalf("Error calculating length: %v", err)
	}
	encoded, _ := geoUtils.EncodePolyline(path)

	fmt.Printf("Path length:\n")
	fmt.Printf("  Points: %d\n", len(path))
	fmt.Printf("  Length: %.2f ft\n", length)
	fmt.Printf("  Polyline: %s\n", encoded)
}

func handleDecodePolyline(geoUtils geo.GeoUtils) {
	fs := flag.NewFlagSet("decode-polyline", flag.ExitOnError)
	polylineStr := fs.String("polyline", "", "Encoded polyline string to decode")
	verbose := fs.Bool("verbose", false, "Show all decoded points")

	fs.Parse(os.Args[2:])

	if *polylineStr == "" {
		fmt.Println("Example usage:")
		fmt.Println("  test-geo-utils decode-polyline --polyline \"_p~iF~ps|U_ulLnnqC_mqNvxq`@\" --verbose")
		os.Exit(1)
	}

	points, err := geoUtils.DecodePolyline(*polylineStr)
	if err != nil {
		log.Fatalf("Error decoding polyline: %v", err)
	}

	fmt.Printf("Polyline decoded successfully:\n")
	fmt.Printf("  Points: %d\n", len(points))
	if len(points) > 0 {
		fmt.Printf("  Start: %s\n", points[0])
		fmt.Printf("  End: %s\n", points[len(points)-1])
	}
	if *verbose {
		for i, point := range points {
			fmt.Printf("    %d: %s\n", i+1, point)
		}
	}
}

func printUsage() {
	fmt.Printf(`test-geo-utils - geodesic utility testing tool

USAGE:
    test-geo-utils <command> [options]

COMMANDS:
    point-distance      Ellipsoidal distance between two points, in feet
    closest-point       Project a point onto a two-point segment
    path-length         Length of a point sequence or encoded polyline
    decode-polyline     Decode an encoded polyline to coordinates
    help                Show this help message
`)
}

// parseCoordinatePairs reads "lat,lng;lat,lng"
func parseCoordinatePairs(coordStr string) ([]geo.Point, error) {
	if coordStr == "" {
		return nil, fmt.Errorf("empty coordinate string")
	}

	pairs := strings.Split(coordStr, ";")
	points := make([]geo.Point, 0, len(pairs))

	for _, pair := range pairs {
		coords := strings.Split(strings.TrimSpace(pair), ",")
		if len(coords) != 2 {
			return nil, fmt.Errorf("invalid coordinate pair: %s", pair)
		}

		lat, err := strconv.ParseFloat(strings.TrimSpace(coords[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid latitude: %s", coords[0])
		}

		lng, err := strconv.ParseFloat(strings.TrimSpace(coords[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid longitude: %s", coords[1])
		}

		points = append(points, geo.Point{Latitude: lat, Longitude: lng})
	}

	return points, nil
}
