package export

import (
	"fmt"
	"io"

	"github.com/twpayne/go-kml"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/geo"
)

// WriteKML writes events and their attached segments for review in a map
// viewer. Each event gets a folder holding its point and segment lines.
func WriteKML(w io.Writer, view View) error {
	segments := view.segmentsByID()
	byEvent := make(map[string][]kml.Element)
	for _, a := range view.sortedAttachments() {
		seg, ok := segments[a.SegmentID]
		if !ok {
			continue
		}
		byEvent[a.EventID] = append(byEvent[a.EventID], kml.Placemark(
			kml.Name(a.SegmentID),
			kml.Description(fmt.Sprintf("%s %s %s, %.0f ft", a.Class, a.Effect, formatFactor(a.Factor), seg.Length)),
			kml.LineString(kml.Coordinates(coordinate(seg.Start), coordinate(seg.End))),
		))
	}

	folders := make([]kml.Element, 0, len(view.Events)+1)
	folders = append(folders, kml.Name(view.DatasetID))
	for _, e := range view.sortedEvents() {
		children := []kml.Element{
			kml.Name(e.ID),
			kml.Placemark(
				kml.Name(e.ID),
				kml.Description(describe(e.Category, e.Subcategory)),
				kml.Point(kml.Coordinates(coordinate(e.Location))),
			),
		}
		children = append(children, byEvent[e.ID]...)
		folders = append(folders, kml.Folder(children...))
	}

	return kml.KML(kml.Document(folders...)).WriteIndent(w, "", "  ")
}

func coordinate(p geo.Point) kml.Coordinate {
	return kml.Coordinate{Lon: p.Longitude, Lat: p.Latitude}
}

func describe(category, subcategory string) string {
	if subcategory == "" {
		return category
	}
	return category + " / " + subcategory
}

func formatFactor(f float64) string {
	return fmt.Sprintf("%g", f)
}
