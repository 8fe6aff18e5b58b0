package services

import (
	"context"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dpup/prefab/errors"
	"github.com/dpup/prefab/logging"
)

// Task is one unit of periodic work
type Task struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Run      func(ctx context.Context)
}

// PeriodicRefreshService runs feed polling, expiry sweeps and aggregation on
// their own tickers. Each task runs once immediately on start.
type PeriodicRefreshService struct {
	tasks []Task

	// Background refresh control
	mu       sync.Mutex
	stopChan chan struct{}
	running  bool
	wg       sync.WaitGroup
}

// NewPeriodicRefreshService creates a service for the given tasks. Tasks with
// no interval are ignored.
func NewPeriodicRefreshService(tasks ...Task) *PeriodicRefreshService {
	var enabled []Task
	for _, t := range tasks {
		if t.Interval > 0 && t.Run != nil {
			enabled = append(enabled, t)
		}
	}
	return &PeriodicRefreshService{
		tasks:    enabled,
		stopChan: make(chan struct{}),
	}
}

// ServiceTasks builds the standard poll, sweep and aggregate tasks
func ServiceTasks(svc *ImpedanceService, poller *FeedPoller, pollEvery, sweepEvery, aggregateEvery time.Duration) []Task {
	forEachDataset := func(op string, fn func(ctx context.Context, ds string) error) func(ctx context.Context) {
		return func(ctx context.Context) {
			datasets, err := svc.Datasets(ctx)
			if err != nil {
				logging.Errorw(ctx, "Failed to list datasets", "task", op, "error", err)
				return
			}
			for _, ds := range datasets {
				if err := fn(ctx, ds); err != nil {
					logging.Errorw(ctx, "Periodic task failed", "task", op, "dataset_id", ds, "error", err)
				}
			}
		}
	}

	tasks := []Task{
		{
			Name:     "sweep",
			Interval: sweepEvery,
			Timeout:  time.Minute,
			Run: forEachDataset("sweep", func(ctx context.Context, ds string) error {
				retired, err := svc.Sweep(ctx, ds)
				if retired > 0 && poller != nil {
					poller.Forget(ds)
				}
				return err
			}),
		},
		{
			Name:     "aggregate",
			Interval: aggregateEvery,
			Timeout:  5 * time.Minute,
			Run: forEachDataset("aggregate", func(ctx context.Context, ds string) error {
				_, err := svc.Aggregate(ctx, ds)
				return err
			}),
		},
	}
	if poller != nil {
		tasks = append(tasks, Task{
			Name:     "poll",
			Interval: pollEvery,
			Timeout:  2 * time.Minute,
			Run: func(ctx context.Context) {
				result := poller.Poll(ctx)
				logging.Infow(ctx, "Feed poll complete", "queued", result.Queued,
					"unchanged", result.Unchanged, "skipped", result.Skipped, "errors", result.Errors)
			},
		})
	}
	return tasks
}

// StartPeriodicRefresh starts one loop per task
func (p *PeriodicRefreshService) StartPeriodicRefresh(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil // Already running
	}
	p.running = true

	for _, task := range p.tasks {
		log.Printf("Starting periodic %s every %v", task.Name, task.Interval)
		p.wg.Add(1)
		go p.refreshLoop(ctx, task)
	}
	return nil
}

// Stop signals every loop and waits for in-flight runs to finish
func (p *PeriodicRefreshService) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()
	log.Printf("Stopped periodic refresh service")
}

func (p *PeriodicRefreshService) refreshLoop(ctx context.Context, task Task) {
	defer p.wg.Done()
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	// Do initial run immediately
	p.runOnce(ctx, task)

	for {
		select {
		case <-ctx.Done():
			log.Printf("Periodic %s stopping due to context cancellation", task.Name)
			return
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.runOnce(ctx, task)
		}
	}
}

// runOnce isolates a task run so a panic does not end its loop
func (p *PeriodicRefreshService) runOnce(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			err, _ := errors.ParseStack(debug.Stack())
			skipFrames := 3
			numFrames := 5
			logging.Errorw(ctx, "Periodic task: recovered from panic",
				"task", task.Name, "error", r, "error.stack_trace", err.MinimalStack(skipFrames, numFrames))
		}
	}()

	runCtx := ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}
	task.Run(runCtx)
}

// IsRunning returns whether periodic refresh is active
func (p *PeriodicRefreshService) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
