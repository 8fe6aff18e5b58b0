package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCache() (*Cache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewCacheWithClock(clock.now), clock
}

func TestCache_SetGetExpire(t *testing.T) {
	c, clock := newTestCache()

	require.NoError(t, c.Set("k", map[string]int{"a": 1}, time.Minute, "test"))

	var got map[string]int
	found, err := c.Get("k", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, got["a"])

	clock.advance(2 * time.Minute)
	found, err = c.Get("k", &got)
	require.NoError(t, err)
	assert.False(t, found)
	assert.True(t, c.IsStale("k"))

	entry, ok := c.GetWithMetadata("k")
	require.True(t, ok, "stale entries stay until cleanup")
	assert.Equal(t, "test", entry.Source)

	stats := c.Stats()
	assert.Equal(t, 1, stats.StaleEntries)
	assert.Equal(t, 1, c.CleanupStale())
	assert.Equal(t, 0, c.Stats().TotalEntries)
}

func TestPayloadTracker(t *testing.T) {
	c, clock := newTestCache()
	tracker := NewPayloadTracker(c, 10*time.Minute)

	hash := ContentHash([]byte("alerts"), []byte("v1"))
	assert.Len(t, hash, 64)
	assert.NotEqual(t, hash, ContentHash([]byte("alert"), []byte("sv1")), "part boundaries matter")

	assert.False(t, tracker.Unchanged("waze", "33.8N84.3W", hash))
	tracker.Record("waze", "33.8N84.3W", hash)
	assert.True(t, tracker.Unchanged("waze", "33.8N84.3W", hash))
	assert.False(t, tracker.Unchanged("waze", "34.0N84.4W", hash))
	assert.False(t, tracker.Unchanged("waze", "33.8N84.3W", ContentHash([]byte("other"))))

	clock.advance(11 * time.Minute)
	assert.False(t, tracker.Unchanged("waze", "33.8N84.3W", hash))

	tracker.Record("navigator", "33.8N84.3W", hash)
	tracker.Forget("navigator", "33.8N84.3W")
	assert.False(t, tracker.Unchanged("navigator", "33.8N84.3W", hash))
}

func TestRunStore(t *testing.T) {
	c, clock := newTestCache()
	runs := NewRunStore(c, time.Hour)

	_, found, err := runs.Get("33.8N84.3W")
	require.NoError(t, err)
	assert.False(t, found)
	assert.True(t, runs.IsVeryStale("33.8N84.3W"))

	require.NoError(t, runs.Put(LatestRun{RunID: "run-1", DatasetID: "33.8N84.3W", Edges: 2, PublicCSV: []byte("a,b\n")}))
	run, found, err := runs.Get("33.8N84.3W")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "run-1", run.RunID)
	assert.Equal(t, []byte("a,b\n"), run.PublicCSV)

	clock.advance(90 * time.Minute)
	assert.False(t, runs.IsVeryStale("33.8N84.3W"))
	clock.advance(time.Hour)
	assert.True(t, runs.IsVeryStale("33.8N84.3W"))
}
