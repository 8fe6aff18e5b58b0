package navigator

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // feed timestamps are US/Eastern

	"github.com/pkg/errors"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/geo"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
)

// ModifiedDateLayout is the layout of the modified_date column
const ModifiedDateLayout = "2006-01-02 15:04:05.999999"

// Header markers. A payload may repeat its header; each occurrence resets the columns.
const (
	eventHeader    = "event_id"
	commentHeader  = "comment_id"
	propertyHeader = "property_id"
)

var eastern = mustLoadLocation("America/New_York")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// Row is one data row keyed by header column
type Row map[string]string

// Skip records a row left out of ingestion and why
type Skip struct {
	ID     string
	Reason string
}

// readRows splits a delimited payload into rows keyed by the most recent header.
// Data rows start with an integer id; everything else is ignored. When strict is
// set, rows whose field count differs from the header are skipped.
func readRows(payload string, comma rune, marker string, strict bool) ([]Row, []Skip, error) {
	reader := csv.NewReader(strings.NewReader(payload))
	reader.Comma = comma
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var header []string
	var rows []Row
	var skipped []Skip
	for {
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to read payload")
		}
		if len(fields) == 0 {
			continue
		}
		first := strings.TrimSpace(fields[0])
		if first == marker {
			header = trimAll(fields)
			continue
		}
		if _, err := strconv.ParseInt(first, 10, 64); err != nil {
			continue
		}
		if header == nil {
			skipped = append(skipped, Skip{ID: first, Reason: "data row before header"})
			continue
		}
		if strict && len(fields) != len(header) {
			skipped = append(skipped, Skip{ID: first, Reason: "field count does not match header"})
			continue
		}

		row := make(Row, len(header))
		for i, name := range header {
			if i < len(fields) {
				row[name] = strings.TrimSpace(fields[i])
			} else {
				row[name] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows, skipped, nil
}

func trimAll(fields []string) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = strings.TrimSpace(f)
	}
	return out
}

// ParseEvents reads a scheduled or unscheduled events payload (comma separated)
func ParseEvents(payload string, scheduled bool) ([]network.Event, []Skip, error) {
	rows, skipped, err := readRows(payload, ',', eventHeader, false)
	if err != nil {
		return nil, nil, err
	}

	events := make([]network.Event, 0, len(rows))
	for _, row := range rows {
		event, err := row.event(scheduled)
		if err != nil {
			skipped = append(skipped, Skip{ID: row["event_id"], Reason: err.Error()})
			continue
		}
		events = append(events, event)
	}
	return events, skipped, nil
}

func (r Row) event(scheduled bool) (network.Event, error) {
	id := r["event_id"]
	malformed := func(reason string) error {
		return &network.MalformedInputError{Kind: "agency event", ID: id, Reason: reason}
	}

	version, err := strconv.ParseInt(r["version"], 10, 64)
	if err != nil {
		return network.Event{}, malformed("invalid version " + strconv.Quote(r["version"]))
	}
	lat, errLat := strconv.ParseFloat(r["latitude"], 64)
	lon, errLon := strconv.ParseFloat(r["longitude"], 64)
	if errLat != nil || errLon != nil {
		return network.Event{}, malformed("invalid coordinates")
	}
	modified, err := time.ParseInLocation(ModifiedDateLayout, r["modified_date"], eastern)
	if err != nil {
		return network.Event{}, malformed("invalid modified_date " + strconv.Quote(r["modified_date"]))
	}
	var severity float64
	if s := r["severity"]; s != "" {
		if severity, err = strconv.ParseFloat(s, 64); err != nil {
			return network.Event{}, malformed("invalid severity " + strconv.Quote(s))
		}
	}

	attrs := make(map[string]interface{}, len(r))
	for k, v := range r {
		attrs[k] = v
	}

	return network.Event{
		ID:             id,
		Source:         network.SourceAgency,
		Category:       r["type"],
		Subcategory:    r["subtype"],
		Severity:       severity,
		Scheduled:      scheduled,
		Location:       geo.Point{Latitude: lat, Longitude: lon},
		Version:        version,
		ModifiedMillis: modified.UnixMilli(),
		Attributes:     attrs,
	}, nil
}

// ParseComments reads the comments payload (pipe separated)
func ParseComments(payload string) ([]network.SubRecord, []Skip, error) {
	return parseSubRecords(payload, commentHeader, network.SubRecordComment)
}

// ParseProperties reads the properties payload (pipe separated)
func ParseProperties(payload string) ([]network.SubRecord, []Skip, error) {
	return parseSubRecords(payload, propertyHeader, network.SubRecordProperty)
}

func parseSubRecords(payload, marker string, kind network.SubRecordKind) ([]network.SubRecord, []Skip, error) {
	rows, skipped, err := readRows(payload, '|', marker, true)
	if err != nil {
		return nil, nil, err
	}

	records := make([]network.SubRecord, 0, len(rows))
	for _, row := range rows {
		record := network.SubRecord{
			Kind:       kind,
			ID:         row[marker],
			EventID:    row["event_id"],
			Attributes: map[string]string(row),
		}
		if v := row["version"]; v != "" {
			version, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				skipped = append(skipped, Skip{ID: record.ID, Reason: "invalid version " + strconv.Quote(v)})
				continue
			}
			record.Version = version
		}
		if record.EventID == "" {
			skipped = append(skipped, Skip{ID: record.ID, Reason: "missing event_id"})
			continue
		}
		records = append(records, record)
	}
	return records, skipped, nil
}
