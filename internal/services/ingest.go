package services

import (
	"context"
	"hash/fnv"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dpup/prefab/errors"
	"github.com/dpup/prefab/logging"
	pkgerrors "github.com/pkg/errors"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/reconcile"
)

// ErrQueueFull is returned when a worker cannot accept another batch
var ErrQueueFull = pkgerrors.New("ingest queue is full")

// ErrPoolStopped is returned by Submit after Stop
var ErrPoolStopped = pkgerrors.New("ingest pool is stopped")

// BatchProcessor handles one dataset's observations
type BatchProcessor interface {
	IngestBatch(ctx context.Context, datasetID string, observations []reconcile.Observation) (IngestReport, error)
}

// IngestJob is a queued batch
type IngestJob struct {
	DatasetID    string
	Observations []reconcile.Observation
	Source       string
	// Done, when set, receives the report once the batch is processed
	Done func(IngestReport, error)
}

// IngestPool processes batches on a fixed set of workers. Every dataset hashes
// to one worker, so batches of a dataset run in submission order and never
// concurrently, while separate datasets proceed in parallel.
type IngestPool struct {
	processor BatchProcessor
	queues    []chan IngestJob
	timeout   time.Duration

	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	statsMu sync.Mutex
	stats   PoolStats
}

// PoolStats are queue counters
type PoolStats struct {
	Submitted int64 `json:"submitted"`
	Rejected  int64 `json:"rejected"`
	Processed int64 `json:"processed"`
	Errors    int64 `json:"errors"`
	Queued    int   `json:"queued"`
}

// NewIngestPool creates a pool of workers, each with its own bounded queue
func NewIngestPool(processor BatchProcessor, workers, queueSize int) *IngestPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	queues := make([]chan IngestJob, workers)
	for i := range queues {
		queues[i] = make(chan IngestJob, queueSize)
	}
	return &IngestPool{
		processor: processor,
		queues:    queues,
		timeout:   2 * time.Minute,
	}
}

// Start launches the workers. They stop when ctx is done or Stop is called.
func (p *IngestPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	ctx, p.cancel = context.WithCancel(ctx)
	for i, q := range p.queues {
		p.wg.Add(1)
		go p.worker(ctx, i, q)
	}
	logging.Infow(ctx, "Ingest pool started", "workers", len(p.queues))
}

// Stop stops accepting jobs, drains what is queued and waits for the workers
func (p *IngestPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.cancel()
}

// Submit queues a job without blocking
func (p *IngestPool) Submit(job IngestJob) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return ErrPoolStopped
	}

	select {
	case p.queues[p.shard(job.DatasetID)] <- job:
		p.statsMu.Lock()
		p.stats.Submitted++
		p.statsMu.Unlock()
		return nil
	default:
		p.statsMu.Lock()
		p.stats.Rejected++
		p.statsMu.Unlock()
		return pkgerrors.Wrapf(ErrQueueFull, "dataset %s", job.DatasetID)
	}
}

func (p *IngestPool) shard(datasetID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(datasetID))
	return int(h.Sum32() % uint32(len(p.queues)))
}

func (p *IngestPool) worker(ctx context.Context, id int, queue chan IngestJob) {
	defer p.wg.Done()
	for job := range queue {
		p.process(ctx, id, job)
	}
}

func (p *IngestPool) process(ctx context.Context, worker int, job IngestJob) {
	var (
		report IngestReport
		err    error
	)
	defer func() {
		if r := recover(); r != nil {
			stackErr, _ := errors.ParseStack(debug.Stack())
			skipFrames := 3
			numFrames := 5
			logging.Errorw(ctx, "Ingest worker: recovered from panic",
				"worker", worker, "dataset_id", job.DatasetID,
				"error", r, "error.stack_trace", stackErr.MinimalStack(skipFrames, numFrames))
			err = pkgerrors.Errorf("panic processing dataset %s: %v", job.DatasetID, r)
		}
		p.statsMu.Lock()
		p.stats.Processed++
		if err != nil {
			p.stats.Errors++
		}
		p.statsMu.Unlock()
		if job.Done != nil {
			job.Done(report, err)
		}
	}()

	jobCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	report, err = p.processor.IngestBatch(jobCtx, job.DatasetID, job.Observations)
	if err != nil {
		logging.Errorw(ctx, "Ingest batch failed", "dataset_id", job.DatasetID, "source", job.Source, "error", err)
		return
	}
	logging.Infow(ctx, "Ingest batch processed", "dataset_id", job.DatasetID, "source", job.Source,
		"events", len(report.Outcomes), "mutations", report.Mutations, "failed", report.Failed)
}

// Stats returns a copy of the pool counters
func (p *IngestPool) Stats() PoolStats {
	p.statsMu.Lock()
	out := p.stats
	p.statsMu.Unlock()
	for _, q := range p.queues {
		out.Queued += len(q)
	}
	return out
}
