package reconcile

import (
	"time"

	"github.com/pkg/errors"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/ranking"
)

// Batch is a set of observations for one dataset partition
type Batch struct {
	DatasetID    string
	Observations []Observation
	Segments     []network.Segment
	Now          time.Time
}

// BatchResult is the combined plan for a batch, with one outcome per observation
type BatchResult struct {
	Mutations MutationSet
	Outcomes  []Outcome
}

// Count returns how many observations ended with an action
func (r BatchResult) Count(action Action) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Action == action {
			n++
		}
	}
	return n
}

// ProcessEventBatch plans every observation in order against a working copy of
// prior, so later observations see the effect of earlier ones. prior is not modified.
// The result is deterministic for identical inputs. A nil prior is empty state.
func (p *Planner) ProcessEventBatch(batch Batch, prior *Snapshot) BatchResult {
	if prior == nil {
		prior = NewSnapshot(batch.DatasetID, nil, nil, nil)
	}
	working := prior.Clone()
	result := BatchResult{Mutations: MutationSet{DatasetID: batch.DatasetID}}

	var segments SegmentSource = ranking.SegmentList(batch.Segments)
	if len(batch.Segments) > indexThreshold {
		segments = ranking.NewIndex(batch.Segments, ranking.DefaultIndexLevel)
	}

	for _, obs := range batch.Observations {
		if obs.Event.DatasetID == "" {
			obs.Event.DatasetID = batch.DatasetID
		}
		plan := p.PlanEvent(working, obs, segments, batch.Now)
		if err := working.Apply(plan.Mutations); err != nil {
			// The working copy is private, so this is a planner bug rather than a race
			plan.Outcome.Action = ActionSkipped
			plan.Outcome.Err = errors.Wrap(err, "plan does not apply to its own state")
			result.Outcomes = append(result.Outcomes, plan.Outcome)
			continue
		}
		result.Mutations.Append(plan.Mutations)
		result.Outcomes = append(result.Outcomes, plan.Outcome)
	}
	return result
}

// Sweep retires every event last seen before now minus hold. An event seen exactly
// at the cutoff is kept. Attachment deletions precede each retirement.
func Sweep(state StateReader, datasetID string, now time.Time, hold time.Duration) MutationSet {
	set := MutationSet{DatasetID: datasetID}
	for _, e := range state.Events() {
		if !Expired(e, now, hold) {
			continue
		}
		for _, a := range state.AttachmentsOf(e.ID) {
			set.deleteAttachment(a)
		}
		set.retireEvent(e)
	}
	return set
}

// Expired reports whether a single event is past the hold time
func Expired(e network.Event, now time.Time, hold time.Duration) bool {
	return e.LastSeenMillis() < now.Add(-hold).UnixMilli()
}
