package export

import (
	"io"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/geo"
)

// FeatureCollection builds point features for events and line features for
// every attached segment. Segment features carry the attachment's impedance.
func FeatureCollection(view View) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	for _, e := range view.sortedEvents() {
		f := geojson.NewFeature(orbPoint(e.Location))
		f.ID = e.ID
		f.Properties["kind"] = "event"
		f.Properties["source"] = string(e.Source)
		f.Properties["category"] = e.Category
		f.Properties["subcategory"] = e.Subcategory
		f.Properties["dataset_id"] = e.DatasetID
		if e.Version > 0 {
			f.Properties["version"] = e.Version
		}
		if e.Window.EndMillis > 0 {
			f.Properties["end_millis"] = e.Window.EndMillis
		}
		fc.Append(f)
	}

	segments := view.segmentsByID()
	for _, a := range view.sortedAttachments() {
		seg, ok := segments[a.SegmentID]
		if !ok {
			continue
		}
		f := geojson.NewFeature(orb.LineString{orbPoint(seg.Start), orbPoint(seg.End)})
		f.ID = a.SegmentID + "/" + a.EventID
		f.Properties["kind"] = "attachment"
		f.Properties["segment_id"] = a.SegmentID
		f.Properties["event_id"] = a.EventID
		f.Properties["class"] = string(a.Class)
		f.Properties["factor"] = a.Factor
		f.Properties["effect"] = string(a.Effect)
		f.Properties["length_ft"] = seg.Length
		fc.Append(f)
	}
	return fc
}

// WriteGeoJSON writes the view as a GeoJSON feature collection
func WriteGeoJSON(w io.Writer, view View) error {
	data, err := FeatureCollection(view).MarshalJSON()
	if err != nil {
		return errors.Wrap(err, "marshal geojson")
	}
	_, err = w.Write(data)
	return err
}

func orbPoint(p geo.Point) orb.Point {
	return orb.Point{p.Longitude, p.Latitude}
}
