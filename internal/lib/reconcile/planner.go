package reconcile

import (
	"time"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/attachment"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/impedance"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/ranking"
)

// indexThreshold is the segment count above which a batch builds an s2 index
const indexThreshold = 256

// Planner turns observed events into mutation sets. It holds only read-only
// rule tables and is safe for concurrent use.
type Planner struct {
	ranker       ranking.Ranker
	classifier   attachment.Classifier
	engine       impedance.Engine
	searchRadius float64
}

// NewPlanner creates a Planner for the given thresholds and rule engine
func NewPlanner(thresholds attachment.Thresholds, engine impedance.Engine) (*Planner, error) {
	classifier, err := attachment.NewClassifier(thresholds)
	if err != nil {
		return nil, err
	}
	return &Planner{
		ranker:       ranking.NewRanker(),
		classifier:   classifier,
		engine:       engine,
		searchRadius: thresholds.SearchRadius(),
	}, nil
}

// SearchRadius is the prefilter radius segment sources must honor
func (p *Planner) SearchRadius() float64 {
	return p.searchRadius
}

// Observation is one event as seen in a feed, with any linked sub-records
type Observation struct {
	Event      network.Event
	SubRecords []network.SubRecord
}

// EventPlan is the planned outcome for one observation
type EventPlan struct {
	Outcome   Outcome
	Decision  attachment.Decision
	Mutations MutationSet
}

// PlanEvent resolves one observation against state. It never mutates state.
func (p *Planner) PlanEvent(state StateReader, obs Observation, segments SegmentSource, now time.Time) EventPlan {
	event := obs.Event
	plan := EventPlan{
		Outcome:   Outcome{EventID: event.ID},
		Mutations: MutationSet{DatasetID: event.DatasetID},
	}

	if err := event.Validate(); err != nil {
		plan.Outcome.Action = ActionSkipped
		plan.Outcome.Err = err
		return plan
	}

	if existing, ok := state.Event(event.ID); ok {
		p.refresh(&plan, existing, event)
	} else {
		p.attach(&plan, state, event, segments, now)
	}

	if event.Source == network.SourceAgency && eventExistsAfter(state, plan.Mutations, event.ID) {
		planSubRecords(&plan.Mutations, state, event, obs.SubRecords)
	}
	return plan
}

// refresh handles re-observation of a stored event: recency fields only
func (p *Planner) refresh(plan *EventPlan, existing, observed network.Event) {
	if observed.Recency() <= existing.Recency() {
		plan.Outcome.Action = ActionUnchanged
		return
	}

	updated := existing
	switch existing.Source {
	case network.SourceAgency:
		updated.Version = observed.Version
		updated.ModifiedMillis = observed.ModifiedMillis
	default:
		updated.Window.EndMillis = observed.Window.EndMillis
		updated.Window.End = observed.Window.End
	}
	plan.Mutations.updateEvent(updated)
	plan.Outcome.Action = ActionUpdated
}

// attach ranks, classifies and resolves a new event against each target segment
func (p *Planner) attach(plan *EventPlan, state StateReader, event network.Event, segments SegmentSource, now time.Time) {
	through, crossing := ranking.Split(segments.Nearby(event.Location, p.searchRadius))
	ranked, err := p.ranker.Rank(event.Location, through, crossing)
	if err != nil {
		plan.Outcome.Action = ActionSkipped
		plan.Outcome.Err = &network.MalformedInputError{Kind: "event", ID: event.ID, Reason: err.Error()}
		return
	}

	decision := p.classifier.Classify(event, ranked)
	plan.Decision = decision
	plan.Outcome.Targets = len(decision.Targets)
	switch {
	case decision.Discarded:
		plan.Outcome.Action = ActionDiscarded
		return
	case len(decision.Targets) == 0:
		plan.Outcome.Action = ActionUnattached
		return
	}

	created := false
	retired := make(map[string]bool)
	ensureCreated := func() {
		if !created {
			plan.Mutations.createEvent(event)
			created = true
		}
	}

	for _, target := range decision.Targets {
		seg := target.Segment
		contribution := p.engine.Lookup(event, seg.Class)
		link := network.Attachment{
			SegmentID:     seg.ID,
			EventID:       event.ID,
			DatasetID:     event.DatasetID,
			Class:         seg.Class,
			Factor:        contribution.Factor,
			Effect:        contribution.Effect,
			CreatedMillis: now.UnixMilli(),
		}

		if event.Source != network.SourceAlert {
			ensureCreated()
			plan.Mutations.createAttachment(link)
			continue
		}

		active, found := activeInstance(state, seg.ID, event.Key(), retired)
		if !found {
			ensureCreated()
			plan.Mutations.createAttachment(link)
			continue
		}
		if active.Recency() >= event.Recency() {
			continue
		}

		// Create before detach: the key is never left without an active instance
		ensureCreated()
		plan.Mutations.createAttachment(link)
		for _, old := range state.AttachmentsOf(active.ID) {
			plan.Mutations.deleteAttachment(old)
		}
		plan.Mutations.retireEvent(active)
		retired[active.ID] = true
	}

	plan.Outcome.Retired = len(retired)
	switch {
	case !created:
		plan.Outcome.Action = ActionSuperseded
	case len(retired) > 0:
		plan.Outcome.Action = ActionReplaced
	default:
		plan.Outcome.Action = ActionCreated
	}
}

// activeInstance finds the first stored event on a segment whose category key matches
func activeInstance(state StateReader, segmentID string, key network.CategoryKey, retired map[string]bool) (network.Event, bool) {
	for _, link := range state.AttachmentsOn(segmentID) {
		if retired[link.EventID] {
			continue
		}
		stored, ok := state.Event(link.EventID)
		if !ok || stored.Source != network.SourceAlert {
			continue
		}
		if key.Matches(stored.Key()) {
			return stored, true
		}
	}
	return network.Event{}, false
}

// eventExistsAfter reports whether the event is stored or being created by the plan
func eventExistsAfter(state StateReader, planned MutationSet, eventID string) bool {
	if _, ok := state.Event(eventID); ok {
		return true
	}
	for _, m := range planned.Mutations {
		if m.Kind == EventCreate && m.Event.ID == eventID {
			return true
		}
	}
	return false
}

// planSubRecords creates new comments and properties and updates newer versions in place
func planSubRecords(set *MutationSet, state StateReader, event network.Event, records []network.SubRecord) {
	seen := make(map[subRecordKey]int)
	for _, r := range records {
		if r.EventID != event.ID || r.ID == "" {
			continue
		}
		r.DatasetID = event.DatasetID
		key := subRecordKey{r.Kind, r.ID}

		// Duplicate within one observation: keep the highest version
		if i, ok := seen[key]; ok {
			if r.Version > set.Mutations[i].SubRecord.Version {
				set.Mutations[i].SubRecord = &r
			}
			continue
		}

		stored, ok := state.SubRecord(r.Kind, r.ID)
		switch {
		case !ok:
			set.createSubRecord(r)
		case r.Version > stored.Version:
			set.updateSubRecord(r)
		default:
			continue
		}
		seen[key] = len(set.Mutations) - 1
	}
}
