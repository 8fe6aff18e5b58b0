package osmload

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/geo"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/grid"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
)

// Link CSV columns. Anything else becomes a segment attribute.
const (
	colID        = "id"
	colFrom      = "from"
	colTo        = "to"
	colClass     = "class"
	colDataset   = "dataset_id"
	colStartLat  = "start_lat"
	colStartLon  = "start_lon"
	colEndLat    = "end_lat"
	colEndLon    = "end_lon"
	colLength    = "length"
	colType      = "type"
	colSegmentID = "segment_id"
)

var linkColumns = map[string]bool{
	colID: true, colFrom: true, colTo: true, colClass: true, colDataset: true,
	colStartLat: true, colStartLon: true, colEndLat: true, colEndLon: true, colLength: true,
}

// ReadLinks parses pre-built pedestrian links. Class defaults to SIDEWALK,
// the dataset to the start terminal's grid cell, and a blank length is
// computed from the terminals. Bad rows are skipped, not fatal.
func ReadLinks(r io.Reader) ([]network.Segment, []Skip, error) {
	header, rows, err := readTable(r)
	if err != nil {
		return nil, nil, err
	}
	for _, required := range []string{colID, colFrom, colTo, colStartLat, colStartLon, colEndLat, colEndLon} {
		if _, ok := header[required]; !ok {
			return nil, nil, errors.Errorf("link file is missing column %q", required)
		}
	}

	utils := geo.NewGeoUtils()
	var segments []network.Segment
	var skipped []Skip
	for i, row := range rows {
		get := func(col string) string { return field(header, row, col) }
		id := get(colID)
		if id == "" {
			id = "row " + strconv.Itoa(i+2)
		}

		start, err := parsePoint(get(colStartLat), get(colStartLon))
		if err != nil {
			skipped = append(skipped, Skip{ID: id, Reason: "start: " + err.Error()})
			continue
		}
		end, err := parsePoint(get(colEndLat), get(colEndLon))
		if err != nil {
			skipped = append(skipped, Skip{ID: id, Reason: "end: " + err.Error()})
			continue
		}

		segment := network.Segment{
			ID:         get(colID),
			DatasetID:  get(colDataset),
			Class:      network.SegmentClass(strings.ToUpper(get(colClass))),
			Start:      start,
			End:        end,
			FromNode:   get(colFrom),
			ToNode:     get(colTo),
			Attributes: map[string]string{},
		}
		if segment.Class == "" {
			segment.Class = network.Through
		}
		if s := get(colLength); s != "" {
			if segment.Length, err = strconv.ParseFloat(s, 64); err != nil {
				skipped = append(skipped, Skip{ID: id, Reason: "bad length " + strconv.Quote(s)})
				continue
			}
		} else if segment.Length, err = utils.Distance(start, end); err != nil {
			skipped = append(skipped, Skip{ID: id, Reason: err.Error()})
			continue
		}
		if err := segment.Validate(); err != nil {
			skipped = append(skipped, Skip{ID: id, Reason: err.Error()})
			continue
		}
		if segment.DatasetID == "" {
			segment.DatasetID = grid.CellFor(start).ID
		}
		for col, idx := range header {
			if !linkColumns[col] && idx < len(row) && row[idx] != "" {
				segment.Attributes[col] = row[idx]
			}
		}
		segments = append(segments, segment)
	}
	return segments, skipped, nil
}

// ReadAuxRecords parses auxiliary records: type, id and segment_id columns,
// everything else is an attribute.
func ReadAuxRecords(r io.Reader) ([]network.AuxRecord, []Skip, error) {
	header, rows, err := readTable(r)
	if err != nil {
		return nil, nil, err
	}
	for _, required := range []string{colType, colID, colSegmentID} {
		if _, ok := header[required]; !ok {
			return nil, nil, errors.Errorf("auxiliary file is missing column %q", required)
		}
	}

	var records []network.AuxRecord
	var skipped []Skip
	for i, row := range rows {
		rec := network.AuxRecord{
			ID:         field(header, row, colID),
			SegmentID:  field(header, row, colSegmentID),
			Attributes: map[string]string{},
		}
		typ, err := network.ParseAuxType(strings.ToUpper(field(header, row, colType)))
		if err != nil {
			skipped = append(skipped, Skip{ID: "row " + strconv.Itoa(i+2), Reason: err.Error()})
			continue
		}
		if rec.ID == "" || rec.SegmentID == "" {
			skipped = append(skipped, Skip{ID: "row " + strconv.Itoa(i+2), Reason: "missing id or segment_id"})
			continue
		}
		rec.Type = typ
		for col, idx := range header {
			if col != colType && col != colID && col != colSegmentID && idx < len(row) && row[idx] != "" {
				rec.Attributes[col] = row[idx]
			}
		}
		records = append(records, rec)
	}
	return records, skipped, nil
}

func readTable(r io.Reader) (map[string]int, [][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, errors.Wrap(err, "read csv")
	}
	if len(records) == 0 {
		return nil, nil, errors.New("csv file is empty")
	}

	header := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		header[strings.TrimSpace(name)] = i
	}
	return header, records[1:], nil
}

func field(header map[string]int, row []string, col string) string {
	idx, ok := header[col]
	if !ok || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func parsePoint(lat, lon string) (geo.Point, error) {
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return geo.Point{}, errors.Errorf("bad latitude %q", lat)
	}
	lo, err := strconv.ParseFloat(lon, 64)
	if err != nil {
		return geo.Point{}, errors.Errorf("bad longitude %q", lon)
	}
	return geo.NewPoint(la, lo)
}
