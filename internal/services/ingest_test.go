package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/reconcile"
)

type recordingProcessor struct {
	mu      sync.Mutex
	order   map[string][]int
	started chan string
	release chan struct{}
	fail    bool
}

func (p *recordingProcessor) IngestBatch(_ context.Context, ds string, obs []reconcile.Observation) (IngestReport, error) {
	if p.started != nil {
		p.started <- ds
	}
	if p.release != nil {
		<-p.release
	}
	p.mu.Lock()
	p.order[ds] = append(p.order[ds], len(obs))
	p.mu.Unlock()
	if p.fail {
		return IngestReport{}, errors.New("boom")
	}
	return IngestReport{DatasetID: ds}, nil
}

func TestIngestPool_PreservesOrderPerDataset(t *testing.T) {
	proc := &recordingProcessor{order: make(map[string][]int)}
	pool := NewIngestPool(proc, 3, 16)
	pool.Start(testContext())

	for i := 1; i <= 5; i++ {
		require.NoError(t, pool.Submit(IngestJob{DatasetID: "33.8N84.3W", Observations: make([]reconcile.Observation, i)}))
		require.NoError(t, pool.Submit(IngestJob{DatasetID: "34.0N84.4W", Observations: make([]reconcile.Observation, i)}))
	}
	pool.Stop()

	assert.Equal(t, []int{1, 2, 3, 4, 5}, proc.order["33.8N84.3W"])
	assert.Equal(t, []int{1, 2, 3, 4, 5}, proc.order["34.0N84.4W"])

	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(10), stats.Processed)
	assert.Equal(t, 0, stats.Queued)
}

func TestIngestPool_QueueFull(t *testing.T) {
	proc := &recordingProcessor{
		order:   make(map[string][]int),
		started: make(chan string, 4),
		release: make(chan struct{}),
	}
	pool := NewIngestPool(proc, 1, 1)
	pool.Start(testContext())

	require.NoError(t, pool.Submit(IngestJob{DatasetID: "33.8N84.3W"}))
	select {
	case <-proc.started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never picked up the first job")
	}

	require.NoError(t, pool.Submit(IngestJob{DatasetID: "33.8N84.3W"}))
	err := pool.Submit(IngestJob{DatasetID: "33.8N84.3W"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.Contains(t, err.Error(), "queue is full")

	close(proc.release)
	pool.Stop()
	assert.Equal(t, int64(1), pool.Stats().Rejected)

	assert.True(t, errors.Is(pool.Submit(IngestJob{DatasetID: "33.8N84.3W"}), ErrPoolStopped))
}

func TestIngestPool_ReportsToDone(t *testing.T) {
	proc := &recordingProcessor{order: make(map[string][]int), fail: true}
	pool := NewIngestPool(proc, 2, 4)
	pool.Start(testContext())

	var gotErr error
	done := make(chan struct{})
	require.NoError(t, pool.Submit(IngestJob{
		DatasetID: "33.8N84.3W",
		Done: func(_ IngestReport, err error) {
			gotErr = err
			close(done)
		},
	}))
	<-done
	pool.Stop()

	assert.EqualError(t, gotErr, "boom")
	assert.Equal(t, int64(1), pool.Stats().Errors)
}
