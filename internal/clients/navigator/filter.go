package navigator

import (
	"github.com/dpup/impedance.ersn.net/server/internal/lib/grid"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/reconcile"
)

// Values of created_by, road_type and property type that are not ingested
const (
	excludedCreator  = "Waze"
	excludedRoadType = "Interstate"
	excludedProperty = "Waze"
)

// FilterEvents keeps events inside the cell that were not relayed from the alert
// feed and are not on interstates, then keeps the highest version for each
// (event_id, external_id). Order of first appearance is preserved.
func FilterEvents(events []network.Event, cell grid.Cell) ([]network.Event, []Skip) {
	var skipped []Skip
	type dedupeKey struct{ eventID, externalID string }
	index := make(map[dedupeKey]int)
	var out []network.Event

	for _, e := range events {
		switch {
		case !cell.Contains(e.Location):
			skipped = append(skipped, Skip{ID: e.ID, Reason: "outside dataset cell " + cell.ID})
			continue
		case attr(e, "created_by") == excludedCreator:
			skipped = append(skipped, Skip{ID: e.ID, Reason: "relayed from alert feed"})
			continue
		case attr(e, "road_type") == excludedRoadType:
			skipped = append(skipped, Skip{ID: e.ID, Reason: "interstate"})
			continue
		}

		e.DatasetID = cell.ID
		key := dedupeKey{e.ID, attr(e, "external_id")}
		if i, ok := index[key]; ok {
			if e.Version > out[i].Version {
				out[i] = e
			}
			continue
		}
		index[key] = len(out)
		out = append(out, e)
	}
	return out, skipped
}

// FilterProperties drops properties relayed from the alert feed and keeps the
// highest version of each property id
func FilterProperties(records []network.SubRecord) []network.SubRecord {
	index := make(map[string]int)
	var out []network.SubRecord
	for _, r := range records {
		if r.Attributes["type"] == excludedProperty {
			continue
		}
		if i, ok := index[r.ID]; ok {
			if r.Version > out[i].Version {
				out[i] = r
			}
			continue
		}
		index[r.ID] = len(out)
		out = append(out, r)
	}
	return out
}

// Observations assembles the filtered events of a snapshot with their comments
// and properties. Unscheduled events come first.
func Observations(snapshot *Snapshot, cell grid.Cell) ([]reconcile.Observation, []Skip) {
	events := append(append([]network.Event(nil), snapshot.Unscheduled...), snapshot.Scheduled...)
	events, skipped := FilterEvents(events, cell)

	linked := make(map[string][]network.SubRecord)
	for _, c := range snapshot.Comments {
		linked[c.EventID] = append(linked[c.EventID], c)
	}
	for _, p := range FilterProperties(snapshot.Properties) {
		linked[p.EventID] = append(linked[p.EventID], p)
	}

	out := make([]reconcile.Observation, 0, len(events))
	for _, e := range events {
		out = append(out, reconcile.Observation{Event: e, SubRecords: linked[e.ID]})
	}
	return out, skipped
}

func attr(e network.Event, name string) string {
	s, _ := e.Attributes[name].(string)
	return s
}
