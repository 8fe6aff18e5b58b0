package services

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dpup/prefab/logging"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/dpup/impedance.ersn.net/server/internal/cache"
	"github.com/dpup/impedance.ersn.net/server/internal/config"
	"github.com/dpup/impedance.ersn.net/server/internal/export"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/aggregate"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/reconcile"
	"github.com/dpup/impedance.ersn.net/server/internal/store"
)

// ImpedanceService owns every write to attachment state. Writes to a dataset
// are serialized by a keyed lock; stored state can still move underneath
// (another process sharing the store), which surfaces as ErrConflictRace and
// is retried.
type ImpedanceService struct {
	state   store.StateStore
	network *store.NetworkRepository
	planner *reconcile.Planner
	factors *aggregate.RuleTable
	runs    *cache.RunStore
	config  *config.Config
	locks   *reconcile.KeyedMutex
	now     func() time.Time

	statsMu sync.RWMutex
	stats   Stats
}

// Stats are cumulative processing counters
type Stats struct {
	Batches        int64                      `json:"batches"`
	Events         int64                      `json:"events"`
	Actions        map[reconcile.Action]int64 `json:"actions"`
	Failed         int64                      `json:"failed"`
	ConflictRetry  int64                      `json:"conflict_retries"`
	Swept          int64                      `json:"swept"`
	Aggregations   int64                      `json:"aggregations"`
	Emitted        int64                      `json:"emitted"`
	LastBatchAt    time.Time                  `json:"last_batch_at"`
	LastSweepAt    time.Time                  `json:"last_sweep_at"`
	LastAggregated time.Time                  `json:"last_aggregated_at"`
}

// IngestReport summarizes one batch
type IngestReport struct {
	DatasetID string              `json:"dataset_id"`
	Outcomes  []reconcile.Outcome `json:"outcomes"`
	Failed    int                 `json:"failed"`
	Mutations int                 `json:"mutations"`
}

// AggregateReport summarizes one aggregation run
type AggregateReport struct {
	Result  aggregate.Result
	Emitted bool
	Paths   []string
}

// NewImpedanceService wires the service. factors may be nil when the service
// only ingests.
func NewImpedanceService(state store.StateStore, network *store.NetworkRepository, planner *reconcile.Planner,
	factors *aggregate.RuleTable, runs *cache.RunStore, cfg *config.Config) *ImpedanceService {
	return &ImpedanceService{
		state:   state,
		network: network,
		planner: planner,
		factors: factors,
		runs:    runs,
		config:  cfg,
		locks:   reconcile.NewKeyedMutex(),
		now:     time.Now,
		stats:   Stats{Actions: make(map[reconcile.Action]int64)},
	}
}

// IngestBatch reconciles a batch of observations for one dataset. The batch is
// applied in one write; if that fails each observation is retried on its own
// so one bad event cannot sink the rest.
func (s *ImpedanceService) IngestBatch(ctx context.Context, datasetID string, observations []reconcile.Observation) (IngestReport, error) {
	unlock := s.locks.Lock(datasetID)
	defer unlock()

	report := IngestReport{DatasetID: datasetID}
	segments, err := s.network.Segments(ctx, datasetID, "")
	if err != nil {
		return report, errors.Wrapf(err, "load segments for %s", datasetID)
	}
	if len(segments) == 0 {
		logging.Warnw(ctx, "No segments loaded for dataset", "dataset_id", datasetID)
	}

	now := s.now()
	batch := reconcile.Batch{DatasetID: datasetID, Observations: observations, Segments: segments, Now: now}

	result, err := s.planAndApply(ctx, batch)
	if err == nil {
		report.Outcomes = result.Outcomes
		report.Mutations = len(result.Mutations.Mutations)
		s.record(report)
		return report, nil
	}
	logging.Warnw(ctx, "Batch write failed, applying events one at a time",
		"dataset_id", datasetID, "events", len(observations), "error", err)

	for _, obs := range observations {
		single := batch
		single.Observations = []reconcile.Observation{obs}
		result, err := s.planAndApply(ctx, single)
		if err != nil {
			logging.Errorw(ctx, "Event failed", "dataset_id", datasetID, "event_id", obs.Event.ID, "error", err)
			report.Failed++
			report.Outcomes = append(report.Outcomes, reconcile.Outcome{
				EventID: obs.Event.ID,
				Action:  reconcile.ActionSkipped,
				Err:     &reconcile.PersistenceError{DatasetID: datasetID, EventID: obs.Event.ID, Err: err},
			})
			continue
		}
		report.Outcomes = append(report.Outcomes, result.Outcomes...)
		report.Mutations += len(result.Mutations.Mutations)
	}
	s.record(report)
	return report, nil
}

// planAndApply loads state, plans the batch and writes it, re-planning on conflict
func (s *ImpedanceService) planAndApply(ctx context.Context, batch reconcile.Batch) (reconcile.BatchResult, error) {
	var lastErr error
	for attempt := 0; attempt < s.config.Ingest.RetryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return reconcile.BatchResult{}, err
		}
		prior, err := s.state.Load(ctx, batch.DatasetID)
		if err != nil {
			return reconcile.BatchResult{}, err
		}
		result := s.planner.ProcessEventBatch(batch, prior)
		for _, o := range result.Outcomes {
			if o.Err != nil {
				logging.Warnw(ctx, "Event skipped", "dataset_id", batch.DatasetID, "event_id", o.EventID, "error", o.Err)
			}
		}

		err = s.state.Apply(ctx, result.Mutations)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, reconcile.ErrConflictRace) {
			return reconcile.BatchResult{}, err
		}
		lastErr = err
		s.statsMu.Lock()
		s.stats.ConflictRetry++
		s.statsMu.Unlock()
		logging.Infow(ctx, "State changed during write, re-planning",
			"dataset_id", batch.DatasetID, "attempt", attempt+1, "error", err)
	}
	return reconcile.BatchResult{}, errors.Wrapf(lastErr, "gave up after %d attempts", s.config.Ingest.RetryAttempts)
}

func (s *ImpedanceService) record(report IngestReport) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.Batches++
	s.stats.Events += int64(len(report.Outcomes))
	s.stats.Failed += int64(report.Failed)
	for _, o := range report.Outcomes {
		s.stats.Actions[o.Action]++
	}
	s.stats.LastBatchAt = s.now()
}

// Sweep retires events of a dataset that have not been seen within the hold time
func (s *ImpedanceService) Sweep(ctx context.Context, datasetID string) (int, error) {
	unlock := s.locks.Lock(datasetID)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < s.config.Ingest.RetryAttempts; attempt++ {
		snapshot, err := s.state.Load(ctx, datasetID)
		if err != nil {
			return 0, err
		}
		set := reconcile.Sweep(snapshot, datasetID, s.now(), s.config.Sweep.HoldTime)
		retired := set.Count(reconcile.EventRetire)
		err = s.state.Apply(ctx, set)
		if err == nil {
			s.statsMu.Lock()
			s.stats.Swept += int64(retired)
			s.stats.LastSweepAt = s.now()
			s.statsMu.Unlock()
			if retired > 0 {
				logging.Infow(ctx, "Swept expired events", "dataset_id", datasetID, "retired", retired)
			}
			return retired, nil
		}
		if !errors.Is(err, reconcile.ErrConflictRace) {
			return 0, err
		}
		lastErr = err
	}
	return 0, errors.Wrapf(lastErr, "sweep gave up after %d attempts", s.config.Ingest.RetryAttempts)
}

// Aggregate recomputes a dataset's impedance from its segments, auxiliary
// records and current attachments. Output is written only when its
// fingerprint differs from the previous run.
func (s *ImpedanceService) Aggregate(ctx context.Context, datasetID string) (AggregateReport, error) {
	if s.factors == nil {
		return AggregateReport{}, errors.New("no factor table configured")
	}

	segments, err := s.network.Segments(ctx, datasetID, "")
	if err != nil {
		return AggregateReport{}, err
	}
	aux, err := s.network.AuxRecords(ctx, datasetID)
	if err != nil {
		return AggregateReport{}, err
	}
	snapshot, err := s.state.Load(ctx, datasetID)
	if err != nil {
		return AggregateReport{}, err
	}

	now := s.now()
	result, err := aggregate.ComputeImpedance(s.factors, aggregate.Input{
		Segments:    segments,
		AuxRecords:  aux,
		Attachments: s.aggregatedAttachments(snapshot),
	}, aggregate.Options{
		DatasetID:        datasetID,
		Now:              now,
		Directional:      s.config.Aggregation.Directional,
		IncludeCrossings: s.config.Aggregation.IncludeCrossings,
	})
	if err != nil {
		return AggregateReport{}, err
	}
	result.RunID = uuid.NewString()
	for _, skipped := range result.Skipped {
		logging.Warnw(ctx, "Segment left out of aggregation",
			"dataset_id", datasetID, "segment_id", skipped.SegmentID, "reason", skipped.Reason)
	}

	report := AggregateReport{Result: result}
	previous, found, err := s.network.LastRun(ctx, datasetID)
	if err != nil {
		return report, err
	}
	report.Emitted = !found || previous.Fingerprint != result.Fingerprint

	if report.Emitted {
		var public, bulk bytes.Buffer
		if err := export.WritePublicCSV(&public, result); err != nil {
			return report, err
		}
		if err := export.WriteBulkCSV(&bulk, result); err != nil {
			return report, err
		}
		if report.Paths, err = s.writeOutputs(datasetID, result.RunID, public.Bytes(), bulk.Bytes()); err != nil {
			return report, err
		}
		if s.runs != nil {
			if err := s.runs.Put(cache.LatestRun{
				RunID:       result.RunID,
				DatasetID:   datasetID,
				Fingerprint: result.Fingerprint,
				Timestamp:   result.Timestamp,
				Edges:       len(result.Edges),
				PublicCSV:   public.Bytes(),
				BulkCSV:     bulk.Bytes(),
				ComputedAt:  now,
			}); err != nil {
				logging.Warnw(ctx, "Failed to cache run", "dataset_id", datasetID, "error", err)
			}
		}
	}

	if err := s.network.RecordRun(ctx, store.RunRecord{
		RunID:         result.RunID,
		DatasetID:     datasetID,
		Fingerprint:   result.Fingerprint,
		Timestamp:     result.Timestamp,
		Edges:         len(result.Edges),
		Emitted:       report.Emitted,
		CreatedMillis: now.UnixMilli(),
	}); err != nil {
		return report, err
	}

	s.statsMu.Lock()
	s.stats.Aggregations++
	if report.Emitted {
		s.stats.Emitted++
	}
	s.stats.LastAggregated = now
	s.statsMu.Unlock()

	logging.Infow(ctx, "Aggregation complete", "dataset_id", datasetID, "run_id", result.RunID,
		"edges", len(result.Edges), "skipped", len(result.Skipped), "emitted", report.Emitted)
	return report, nil
}

// aggregatedAttachments returns the attachments that contribute to impedance
func (s *ImpedanceService) aggregatedAttachments(snapshot *reconcile.Snapshot) []network.Attachment {
	all := snapshot.Attachments()
	if s.config.Aggregation.IncludeAgency {
		return all
	}
	out := make([]network.Attachment, 0, len(all))
	for _, a := range all {
		if e, ok := snapshot.Event(a.EventID); ok && e.Source == network.SourceAlert {
			out = append(out, a)
		}
	}
	return out
}

func (s *ImpedanceService) writeOutputs(datasetID, runID string, public, bulk []byte) ([]string, error) {
	dir := s.config.Aggregation.OutputDir
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create output directory")
	}
	paths := []string{
		filepath.Join(dir, datasetID+"-impedance_export.csv"),
		filepath.Join(dir, datasetID+"-impedance_calculation-"+runID+".csv"),
	}
	for i, data := range [][]byte{public, bulk} {
		if err := os.WriteFile(paths[i], data, 0o644); err != nil {
			return nil, errors.Wrapf(err, "write %s", paths[i])
		}
	}
	return paths, nil
}

// View returns the attachment state of a dataset with its segments, for export
func (s *ImpedanceService) View(ctx context.Context, datasetID string) (export.View, error) {
	snapshot, err := s.state.Load(ctx, datasetID)
	if err != nil {
		return export.View{}, err
	}
	segments, err := s.network.Segments(ctx, datasetID, "")
	if err != nil {
		return export.View{}, err
	}
	return export.View{
		DatasetID:   datasetID,
		Events:      snapshot.Events(),
		Attachments: snapshot.Attachments(),
		Segments:    segments,
	}, nil
}

// LatestRun returns the cached output of the dataset's last emitted run
func (s *ImpedanceService) LatestRun(datasetID string) (cache.LatestRun, bool, error) {
	if s.runs == nil {
		return cache.LatestRun{}, false, nil
	}
	return s.runs.Get(datasetID)
}

// Stats returns a copy of the processing counters
func (s *ImpedanceService) Stats() Stats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	out := s.stats
	out.Actions = make(map[reconcile.Action]int64, len(s.stats.Actions))
	for k, v := range s.stats.Actions {
		out.Actions[k] = v
	}
	return out
}

// Datasets lists datasets known to either the network or the state store
func (s *ImpedanceService) Datasets(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	fromNetwork, err := s.network.Datasets(ctx)
	if err != nil {
		return nil, err
	}
	fromState, err := s.state.Datasets(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, ds := range append(fromNetwork, fromState...) {
		if !seen[ds] {
			seen[ds] = true
			out = append(out, ds)
		}
	}
	sort.Strings(out)
	return out, nil
}
