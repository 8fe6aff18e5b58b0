// Package export writes aggregation results and attachment state in the
// formats downstream consumers load: graph bulk-load CSV, the public CSV,
// GeoJSON and KML.
package export

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/aggregate"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/geo"
)

// Bulk-load property columns are typed for the graph loader
const bulkType = ":String(single)"

// WriteBulkCSV writes the graph bulk-load layout: one row per directed edge.
func WriteBulkCSV(w io.Writer, result aggregate.Result) error {
	header := []string{"~id", "~from", "~to", "~label", "__datasetid" + bulkType, "Timestamp" + bulkType}
	for _, m := range result.Modes {
		header = append(header, string(m)+bulkType)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return errors.Wrap(err, "write bulk header")
	}
	for _, e := range result.Edges {
		row := []string{e.ID, e.From, e.To, e.Label, e.DatasetID, e.Timestamp}
		row = appendValues(row, result.Modes, e)
		if err := cw.Write(row); err != nil {
			return errors.Wrapf(err, "write edge %s", e.ID)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WritePublicCSV writes the published export. Node ids lose their "n" prefix.
func WritePublicCSV(w io.Writer, result aggregate.Result) error {
	header := []string{"Timestamp", "Upstream Node", "Downstream Node", "Way Id", "Link Length"}
	for _, m := range result.Modes {
		header = append(header, string(m))
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return errors.Wrap(err, "write public header")
	}
	for _, e := range result.Edges {
		row := []string{
			e.Timestamp,
			strings.TrimPrefix(e.From, "n"),
			strings.TrimPrefix(e.To, "n"),
			e.SegmentID,
			aggregate.FormatValue(e.Length),
		}
		row = appendValues(row, result.Modes, e)
		if err := cw.Write(row); err != nil {
			return errors.Wrapf(err, "write edge %s", e.ID)
		}
	}
	cw.Flush()
	return cw.Error()
}

func appendValues(row []string, modes []aggregate.Mode, e aggregate.Edge) []string {
	for _, m := range modes {
		row = append(row, aggregate.FormatValue(e.Values[m]))
	}
	return row
}

// WriteAttachmentCSV writes one row per attachment with the attached
// segment's geometry as an encoded polyline. Attachments whose segment is
// unknown get an empty geometry.
func WriteAttachmentCSV(w io.Writer, view View) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{
		"segment_id", "event_id", "dataset_id", "class", "factor", "effect", "created_millis", "category", "subcategory", "polyline",
	}); err != nil {
		return errors.Wrap(err, "write attachment header")
	}

	utils := geo.NewGeoUtils()
	events := view.eventsByID()
	segments := view.segmentsByID()
	for _, a := range view.sortedAttachments() {
		var line string
		if seg, ok := segments[a.SegmentID]; ok {
			encoded, err := utils.EncodePolyline([]geo.Point{seg.Start, seg.End})
			if err != nil {
				return errors.Wrapf(err, "segment %s geometry", seg.ID)
			}
			line = encoded
		}
		event := events[a.EventID]
		row := []string{
			a.SegmentID,
			a.EventID,
			a.DatasetID,
			string(a.Class),
			aggregate.FormatValue(a.Factor),
			string(a.Effect),
			strconv.FormatInt(a.CreatedMillis, 10),
			event.Category,
			event.Subcategory,
			line,
		}
		if err := cw.Write(row); err != nil {
			return errors.Wrapf(err, "write attachment %s/%s", a.SegmentID, a.EventID)
		}
	}
	cw.Flush()
	return cw.Error()
}
