package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stageRecorder tracks which stages ran for which activity.
type stageRecorder struct {
	mu   sync.Mutex
	runs []string
}

func (r *stageRecorder) stage(name string, err error) func(ctx context.Context, activityID string) error {
	return func(ctx context.Context, activityID string) error {
		r.mu.Lock()
		r.runs = append(r.runs, name)
		r.mu.Unlock()
		return err
	}
}

func (r *stageRecorder) ran(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.runs {
		if n == name {
			return true
		}
	}
	return false
}

func (r *stageRecorder) order(a, b string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ia, ib := -1, -1
	for i, n := range r.runs {
		if n == a && ia == -1 {
			ia = i
		}
		if n == b && ib == -1 {
			ib = i
		}
	}
	return ia != -1 && ib != -1 && ia < ib
}

func newTestPipeline(rec *stageRecorder, weatherErr, federateErr, recordsErr error) *Pipeline {
	p := &Pipeline{pool: NewPool(2)}
	p.recordsStage = rec.stage("records", recordsErr)
	p.heatmapStage = rec.stage("heatmap", nil)
	p.weatherStage = rec.stage("weather", weatherErr)
	p.federateStage = rec.stage("federate", federateErr)
	return p
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestFanOutIsolationWeatherFailure(t *testing.T) {
	rec := &stageRecorder{}
	p := newTestPipeline(rec, errors.New("weather provider down"), nil, nil)

	p.EnqueueAsyncStages("a1", Options{})
	waitFor(t, func() bool { return rec.ran("federate") })
	p.Shutdown()

	assert.True(t, rec.ran("weather"))
	assert.True(t, rec.ran("federate"), "a weather failure must not block federation")
	assert.True(t, rec.ran("records"))
	assert.True(t, rec.ran("heatmap"))
}

func TestFanOutIsolationFederationFailure(t *testing.T) {
	rec := &stageRecorder{}
	p := newTestPipeline(rec, nil, errors.New("remote down"), nil)

	p.EnqueueAsyncStages("a1", Options{})
	p.Shutdown()

	assert.True(t, rec.ran("weather"))
	assert.True(t, rec.ran("federate"))
	assert.True(t, rec.ran("heatmap"), "a federation failure must not affect the heatmap")
}

func TestFanOutIsolationRecordsFailure(t *testing.T) {
	rec := &stageRecorder{}
	p := newTestPipeline(rec, nil, nil, errors.New("db hiccup"))

	p.EnqueueAsyncStages("a1", Options{})
	p.Shutdown()

	assert.True(t, rec.ran("heatmap"))
	assert.True(t, rec.ran("federate"))
}

func TestWeatherRunsBeforeFederation(t *testing.T) {
	rec := &stageRecorder{}
	p := newTestPipeline(rec, nil, nil, nil)

	p.EnqueueAsyncStages("a1", Options{})
	p.Shutdown()

	require.True(t, rec.ran("weather"))
	require.True(t, rec.ran("federate"))
	assert.True(t, rec.order("weather", "federate"), "weather completes before federation publish")
}

func TestSkipSideEffects(t *testing.T) {
	rec := &stageRecorder{}
	p := newTestPipeline(rec, nil, nil, nil)

	p.EnqueueAsyncStages("a1", Options{SkipSideEffects: true})
	p.Shutdown()

	assert.Empty(t, rec.runs, "batch mode disables every async stage")
}

func TestPoolDrainsOnShutdown(t *testing.T) {
	pool := NewPool(2)
	var mu sync.Mutex
	count := 0
	for i := 0; i < 20; i++ {
		pool.Submit(func() {
			mu.Lock()
			count++
			mu.Unlock()
		})
	}
	pool.Shutdown()
	assert.Equal(t, 20, count, "shutdown waits for queued jobs")
}
