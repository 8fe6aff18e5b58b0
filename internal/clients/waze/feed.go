package waze

import (
	"fmt"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/geo"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
)

// Alert types and road types the ingestion filters act on
const (
	TypeJam         = "JAM"
	RoadTypeFreeway = 3
)

// Feed is one alert feed document. The feed-level window applies to every alert.
type Feed struct {
	Alerts          []Alert `json:"alerts"`
	StartTimeMillis int64   `json:"startTimeMillis"`
	EndTimeMillis   int64   `json:"endTimeMillis"`
	StartTime       string  `json:"startTime"`
	EndTime         string  `json:"endTime"`
}

// Alert is a single feed alert. Fields are kept as a raw map so that absent keys
// can be told apart from empty ones and everything else passes through verbatim.
type Alert map[string]interface{}

// Skip records an alert left out of ingestion and why
type Skip struct {
	ID     string
	Reason string
}

// Window returns the feed's observation window
func (f *Feed) Window() network.TimeWindow {
	return network.TimeWindow{
		StartMillis: f.StartTimeMillis,
		EndMillis:   f.EndTimeMillis,
		Start:       f.StartTime,
		End:         f.EndTime,
	}
}

// Events converts the feed's alerts for a dataset, applying the ingestion filters.
// Output order follows the feed.
func (f *Feed) Events(datasetID string) ([]network.Event, []Skip) {
	var events []network.Event
	var skipped []Skip
	window := f.Window()

	for _, alert := range f.Alerts {
		event, reason := alert.event(datasetID, window)
		if reason != "" {
			skipped = append(skipped, Skip{ID: alert.UUID(), Reason: reason})
			continue
		}
		events = append(events, event)
	}
	return events, skipped
}

// UUID returns the alert identity, or "" if missing
func (a Alert) UUID() string {
	s, _ := a["uuid"].(string)
	return s
}

// event builds the network event, or returns the reason it is filtered out
func (a Alert) event(datasetID string, window network.TimeWindow) (network.Event, string) {
	alertType, hasType := a["type"].(string)
	subtype, hasSubtype := a["subtype"].(string)
	roadType, hasRoadType := a["roadType"].(float64)
	if !hasType || !hasSubtype || !hasRoadType {
		return network.Event{}, "missing type, subtype or roadType"
	}
	if alertType == TypeJam {
		return network.Event{}, "jam"
	}
	if int(roadType) == RoadTypeFreeway {
		return network.Event{}, "freeway"
	}

	id := a.UUID()
	if id == "" {
		return network.Event{}, (&network.MalformedInputError{Kind: "alert", Reason: "missing uuid"}).Error()
	}
	location, ok := a.location()
	if !ok {
		return network.Event{}, (&network.MalformedInputError{Kind: "alert", ID: id, Reason: "missing location"}).Error()
	}

	attrs := make(map[string]interface{}, len(a))
	for k, v := range a {
		if k == "location" {
			continue
		}
		attrs[k] = v
	}
	attrs["location-x"] = location.Longitude
	attrs["location-y"] = location.Latitude

	return network.Event{
		ID:          id,
		Source:      network.SourceAlert,
		Category:    alertType,
		Subcategory: subtype,
		Location:    location,
		DatasetID:   datasetID,
		Window:      window,
		Attributes:  attrs,
	}, ""
}

// location reads {"x": lon, "y": lat}
func (a Alert) location() (geo.Point, bool) {
	loc, ok := a["location"].(map[string]interface{})
	if !ok {
		return geo.Point{}, false
	}
	x, okX := loc["x"].(float64)
	y, okY := loc["y"].(float64)
	if !okX || !okY {
		return geo.Point{}, false
	}
	p := geo.Point{Latitude: y, Longitude: x}
	return p, p.Valid()
}

func (s Skip) String() string {
	return fmt.Sprintf("%s: %s", s.ID, s.Reason)
}
