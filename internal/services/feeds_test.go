package services

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpup/impedance.ersn.net/server/internal/cache"
	"github.com/dpup/impedance.ersn.net/server/internal/clients/navigator"
	"github.com/dpup/impedance.ersn.net/server/internal/clients/waze"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
)

type fakeAlerts struct {
	feeds map[string]*waze.Feed
	err   error
}

func (f *fakeAlerts) Datasets() []string {
	out := make([]string, 0, len(f.feeds))
	for ds := range f.feeds {
		out = append(out, ds)
	}
	return out
}

func (f *fakeAlerts) FetchFeed(_ context.Context, ds string) (*waze.Feed, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.feeds[ds], nil
}

type fakeAgency struct {
	snapshot *navigator.Snapshot
}

func (f *fakeAgency) FetchSnapshot(context.Context) (*navigator.Snapshot, error) {
	return f.snapshot, nil
}

// inlineSubmitter completes every job immediately
type inlineSubmitter struct {
	jobs   []IngestJob
	failed bool
}

func (s *inlineSubmitter) Submit(job IngestJob) error {
	s.jobs = append(s.jobs, job)
	if job.Done != nil {
		report := IngestReport{DatasetID: job.DatasetID}
		if s.failed {
			report.Failed = 1
		}
		job.Done(report, nil)
	}
	return nil
}

// serviceSubmitter ingests every job synchronously through the service
type serviceSubmitter struct {
	svc *ImpedanceService
}

func (s serviceSubmitter) Submit(job IngestJob) error {
	report, err := s.svc.IngestBatch(testContext(), job.DatasetID, job.Observations)
	if job.Done != nil {
		job.Done(report, err)
	}
	return err
}

func testFeed() *waze.Feed {
	return &waze.Feed{
		StartTimeMillis: testNow.Add(-2 * time.Minute).UnixMilli(),
		EndTimeMillis:   testNow.UnixMilli(),
		Alerts: []waze.Alert{
			{
				"uuid": "u1", "type": "HAZARD", "subtype": "HAZARD_ON_ROAD", "roadType": float64(1),
				"location": map[string]interface{}{"x": nearSidewalk.Longitude, "y": nearSidewalk.Latitude},
			},
			{"uuid": "j1", "type": "JAM", "subtype": "JAM_HEAVY_TRAFFIC", "roadType": float64(1)},
		},
	}
}

func TestFeedPoller_QueuesAndSkipsUnchanged(t *testing.T) {
	ctx := testContext()
	alerts := &fakeAlerts{feeds: map[string]*waze.Feed{testDataset: testFeed()}}
	submitter := &inlineSubmitter{}
	tracker := cache.NewPayloadTracker(cache.NewCache(), time.Hour)

	poller, err := NewFeedPoller(alerts, nil, nil, submitter, tracker)
	require.NoError(t, err)

	result := poller.Poll(ctx)
	assert.Equal(t, 1, result.Queued)
	assert.Equal(t, 1, result.Skipped, "jam alerts are filtered")
	require.Len(t, submitter.jobs, 1)
	assert.Equal(t, testDataset, submitter.jobs[0].DatasetID)
	assert.Equal(t, SourceAlerts, submitter.jobs[0].Source)
	require.Len(t, submitter.jobs[0].Observations, 1)
	assert.Equal(t, "u1", submitter.jobs[0].Observations[0].Event.ID)

	result = poller.Poll(ctx)
	assert.Equal(t, 0, result.Queued)
	assert.Equal(t, 1, result.Unchanged)

	alerts.feeds[testDataset].EndTimeMillis += 60000
	result = poller.Poll(ctx)
	assert.Equal(t, 1, result.Queued, "a newer window is a new payload")
}

func TestFeedPoller_RetriesFailedPayload(t *testing.T) {
	ctx := testContext()
	alerts := &fakeAlerts{feeds: map[string]*waze.Feed{testDataset: testFeed()}}
	submitter := &inlineSubmitter{failed: true}
	poller, err := NewFeedPoller(alerts, nil, nil, submitter, cache.NewPayloadTracker(cache.NewCache(), time.Hour))
	require.NoError(t, err)

	poller.Poll(ctx)
	result := poller.Poll(ctx)
	assert.Equal(t, 1, result.Queued)
	assert.Len(t, submitter.jobs, 2)
}

func TestFeedPoller_FetchErrors(t *testing.T) {
	alerts := &fakeAlerts{feeds: map[string]*waze.Feed{testDataset: nil}, err: errors.New("timeout")}
	submitter := &inlineSubmitter{}
	poller, err := NewFeedPoller(alerts, nil, nil, submitter, nil)
	require.NoError(t, err)

	result := poller.Poll(testContext())
	assert.Equal(t, 1, result.Errors)
	assert.Empty(t, submitter.jobs)
}

func TestFeedPoller_AgencyPartitions(t *testing.T) {
	submitter := &inlineSubmitter{}
	poller, err := NewFeedPoller(nil, &fakeAgency{snapshot: &navigator.Snapshot{}}, []string{testDataset}, submitter, nil)
	require.NoError(t, err)

	result := poller.Poll(testContext())
	assert.Equal(t, 0, result.Errors)
	assert.Empty(t, submitter.jobs, "empty partitions are not queued")

	_, err = NewFeedPoller(nil, nil, []string{"nowhere"}, submitter, nil)
	require.Error(t, err)
}

func TestFeedPoller_AgencyEventsReturnAfterSweep(t *testing.T) {
	ctx := testContext()
	env := newTestEnv(t, nil)
	agency := &fakeAgency{snapshot: &navigator.Snapshot{
		Unscheduled: []network.Event{agencyEvent("a1", testNow.Add(-time.Hour))},
	}}
	poller, err := NewFeedPoller(nil, agency, []string{testDataset}, serviceSubmitter{env.svc},
		cache.NewPayloadTracker(cache.NewCache(), time.Hour))
	require.NoError(t, err)

	present := func() bool {
		snapshot, err := env.state.Load(ctx, testDataset)
		require.NoError(t, err)
		_, ok := snapshot.Event("a1")
		return ok
	}

	result := poller.Poll(ctx)
	assert.Equal(t, 1, result.Queued)
	assert.True(t, present())

	sweep := ServiceTasks(env.svc, poller, time.Minute, time.Minute, time.Minute)[0]
	require.Equal(t, "sweep", sweep.Name)
	sweep.Run(ctx)
	assert.False(t, present(), "modified time is past the hold time")

	result = poller.Poll(ctx)
	assert.Equal(t, 1, result.Queued)
	assert.Zero(t, result.Unchanged)
	assert.True(t, present(), "an event still in the feed is re-created")
}

func TestFeedPoller_SweepForgetsAlertPayload(t *testing.T) {
	ctx := testContext()
	env := newTestEnv(t, nil)
	feed := testFeed()
	feed.StartTimeMillis = testNow.Add(-time.Hour).UnixMilli()
	feed.EndTimeMillis = testNow.Add(-time.Hour + 2*time.Minute).UnixMilli()
	alerts := &fakeAlerts{feeds: map[string]*waze.Feed{testDataset: feed}}
	poller, err := NewFeedPoller(alerts, nil, nil, serviceSubmitter{env.svc},
		cache.NewPayloadTracker(cache.NewCache(), time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 1, poller.Poll(ctx).Queued)
	assert.Equal(t, 1, poller.Poll(ctx).Unchanged)

	ServiceTasks(env.svc, poller, time.Minute, time.Minute, time.Minute)[0].Run(ctx)
	assert.Equal(t, int64(1), env.svc.Stats().Swept)

	result := poller.Poll(ctx)
	assert.Equal(t, 1, result.Queued, "a sweep that retired events forces the next poll through")
	assert.Zero(t, result.Unchanged)
}
