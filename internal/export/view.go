package export

import (
	"sort"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
)

// View is the attachment state of one dataset together with the segments
// the attachments point at
type View struct {
	DatasetID   string
	Events      []network.Event
	Attachments []network.Attachment
	Segments    []network.Segment
}

func (v View) eventsByID() map[string]network.Event {
	out := make(map[string]network.Event, len(v.Events))
	for _, e := range v.Events {
		out[e.ID] = e
	}
	return out
}

func (v View) segmentsByID() map[string]network.Segment {
	out := make(map[string]network.Segment, len(v.Segments))
	for _, s := range v.Segments {
		out[s.ID] = s
	}
	return out
}

func (v View) sortedEvents() []network.Event {
	out := append([]network.Event(nil), v.Events...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v View) sortedAttachments() []network.Attachment {
	out := append([]network.Attachment(nil), v.Attachments...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].SegmentID != out[j].SegmentID {
			return out[i].SegmentID < out[j].SegmentID
		}
		return out[i].EventID < out[j].EventID
	})
	return out
}
