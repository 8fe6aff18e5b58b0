package services

import (
	"context"
	"encoding/json"

	"github.com/dpup/prefab/logging"
	"github.com/pkg/errors"

	"github.com/dpup/impedance.ersn.net/server/internal/cache"
	"github.com/dpup/impedance.ersn.net/server/internal/clients/navigator"
	"github.com/dpup/impedance.ersn.net/server/internal/clients/waze"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/grid"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/reconcile"
)

// Feed sources, used for payload tracking and logs
const (
	SourceAlerts    = "alerts"
	SourceNavigator = "navigator"
)

// AlertFetcher is the part of the alert feed client the poller uses
type AlertFetcher interface {
	Datasets() []string
	FetchFeed(ctx context.Context, datasetID string) (*waze.Feed, error)
}

// SnapshotFetcher is the part of the agency feed client the poller uses
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context) (*navigator.Snapshot, error)
}

// Submitter queues batches for ingestion
type Submitter interface {
	Submit(job IngestJob) error
}

// FeedPoller fetches every configured feed and queues the resulting batches.
// An alert payload identical to the last one processed for its dataset is not
// queued. Agency snapshots are always queued: their events are swept by the
// source's modified time, so an unchanged snapshot still has to re-create
// events the sweep retired.
type FeedPoller struct {
	alerts    AlertFetcher
	agency    SnapshotFetcher
	agencyDS  []grid.Cell
	submitter Submitter
	payloads  *cache.PayloadTracker
}

// PollResult counts what one poll did
type PollResult struct {
	Queued    int `json:"queued"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// NewFeedPoller creates a poller. alerts or agency may be nil when that feed is
// not configured.
func NewFeedPoller(alerts AlertFetcher, agency SnapshotFetcher, agencyDatasets []string,
	submitter Submitter, payloads *cache.PayloadTracker) (*FeedPoller, error) {
	cells := make([]grid.Cell, 0, len(agencyDatasets))
	for _, ds := range agencyDatasets {
		cell, err := grid.Parse(ds)
		if err != nil {
			return nil, errors.Wrapf(err, "agency dataset %q", ds)
		}
		cells = append(cells, cell)
	}
	return &FeedPoller{
		alerts:    alerts,
		agency:    agency,
		agencyDS:  cells,
		submitter: submitter,
		payloads:  payloads,
	}, nil
}

// Poll fetches all feeds once. Failures are counted and logged; one failing
// feed does not stop the others.
func (p *FeedPoller) Poll(ctx context.Context) PollResult {
	var result PollResult
	if p.alerts != nil {
		for _, ds := range p.alerts.Datasets() {
			p.pollAlerts(ctx, ds, &result)
		}
	}
	if p.agency != nil && len(p.agencyDS) > 0 {
		p.pollAgency(ctx, &result)
	}
	return result
}

func (p *FeedPoller) pollAlerts(ctx context.Context, datasetID string, result *PollResult) {
	feed, err := p.alerts.FetchFeed(ctx, datasetID)
	if err != nil {
		logging.Errorw(ctx, "Alert feed fetch failed", "dataset_id", datasetID, "error", err)
		result.Errors++
		return
	}

	events, skipped := feed.Events(datasetID)
	for _, s := range skipped {
		logging.Infow(ctx, "Alert skipped", "dataset_id", datasetID, "alert_id", s.ID, "reason", s.Reason)
	}
	result.Skipped += len(skipped)

	observations := make([]reconcile.Observation, 0, len(events))
	for _, e := range events {
		observations = append(observations, reconcile.Observation{Event: e})
	}
	p.queue(ctx, SourceAlerts, datasetID, feed, observations, result)
}

func (p *FeedPoller) pollAgency(ctx context.Context, result *PollResult) {
	snapshot, err := p.agency.FetchSnapshot(ctx)
	if err != nil {
		logging.Errorw(ctx, "Agency feed fetch failed", "error", err)
		result.Errors++
		return
	}
	for _, s := range snapshot.Skipped {
		logging.Infow(ctx, "Agency row skipped", "row_id", s.ID, "reason", s.Reason)
	}
	result.Skipped += len(snapshot.Skipped)

	for _, cell := range p.agencyDS {
		observations, skipped := navigator.Observations(snapshot, cell)
		result.Skipped += len(skipped)
		p.queue(ctx, SourceNavigator, cell.ID, nil, observations, result)
	}
}

// Forget drops the recorded payloads of a dataset so its next poll is queued
// even when unchanged
func (p *FeedPoller) Forget(datasetID string) {
	if p.payloads == nil {
		return
	}
	p.payloads.Forget(SourceAlerts, datasetID)
}

// queue submits observations unless payload hashes the same as last time. A
// nil payload is never skipped.
func (p *FeedPoller) queue(ctx context.Context, source, datasetID string, payload interface{},
	observations []reconcile.Observation, result *PollResult) {
	hash := ""
	if p.payloads != nil && payload != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			hash = cache.ContentHash([]byte(source), []byte(datasetID), data)
			if p.payloads.Unchanged(source, datasetID, hash) {
				result.Unchanged++
				return
			}
		}
	}
	if len(observations) == 0 {
		return
	}

	err := p.submitter.Submit(IngestJob{
		DatasetID:    datasetID,
		Observations: observations,
		Source:       source,
		Done: func(report IngestReport, err error) {
			// Only a fully processed payload may be skipped next time
			if p.payloads == nil || hash == "" {
				return
			}
			if err != nil || report.Failed > 0 {
				p.payloads.Forget(source, datasetID)
				return
			}
			p.payloads.Record(source, datasetID, hash)
		},
	})
	if err != nil {
		logging.Errorw(ctx, "Failed to queue batch", "source", source, "dataset_id", datasetID, "error", err)
		result.Errors++
		return
	}
	result.Queued++
}
