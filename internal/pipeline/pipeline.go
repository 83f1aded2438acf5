// Package pipeline orchestrates the post-save fan-out: synchronous analytics
// sub-steps in the upload request, then async stages on a bounded worker
// pool. Every stage is a pure (activityID) call that re-loads its target in
// its own transaction; a failure in one stage never touches another.
package pipeline

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/klppl/fedtrack/internal/analytics"
	"github.com/klppl/fedtrack/internal/ap"
	"github.com/klppl/fedtrack/internal/db"
	"github.com/klppl/fedtrack/internal/weather"
)

// stageTimeout bounds each async stage's own context.
const stageTimeout = 2 * time.Minute

// Pool is a fixed-size worker pool consuming queued stage functions.
type Pool struct {
	jobs chan func()
	wg   sync.WaitGroup
	once sync.Once
}

// NewPool starts size workers (defaults to 2× CPU).
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU() * 2
	}
	p := &Pool{jobs: make(chan func(), 256)}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				job()
			}
		}()
	}
	return p
}

// Submit enqueues a job; blocks when the queue is full rather than dropping.
func (p *Pool) Submit(job func()) {
	p.jobs <- job
}

// Shutdown stops accepting jobs and drains the queue.
func (p *Pool) Shutdown() {
	p.once.Do(func() { close(p.jobs) })
	p.wg.Wait()
}

// Options controls side effects for one save. Batch import disables
// everything and rebuilds analytics once at the end.
type Options struct {
	SkipSideEffects bool
}

// Pipeline wires the stages to their collaborators.
type Pipeline struct {
	Store     *db.Store
	Analytics *analytics.Engine
	Weather   *weather.Client
	Outbox    *ap.Dispatcher
	BaseURL   string

	pool *Pool

	// Stage functions are fields so tests can inject failures into one
	// stage and observe that the others still run.
	recordsStage  func(ctx context.Context, activityID string) error
	heatmapStage  func(ctx context.Context, activityID string) error
	weatherStage  func(ctx context.Context, activityID string) error
	federateStage func(ctx context.Context, activityID string) error
}

// New builds the pipeline and its worker pool.
func New(store *db.Store, engine *analytics.Engine, wx *weather.Client, outbox *ap.Dispatcher, baseURL string, poolSize int) *Pipeline {
	p := &Pipeline{
		Store:     store,
		Analytics: engine,
		Weather:   wx,
		Outbox:    outbox,
		BaseURL:   baseURL,
		pool:      NewPool(poolSize),
	}
	p.recordsStage = engine.EvaluatePersonalRecords
	p.heatmapStage = store.ApplyHeatmapContribution
	p.weatherStage = p.fetchWeather
	p.federateStage = p.publishActivity
	return p
}

// SetStageFuncs overrides stages for tests. Nil arguments keep the current
// function.
func (p *Pipeline) SetStageFuncs(records, heatmap, wx, federate func(ctx context.Context, activityID string) error) {
	if records != nil {
		p.recordsStage = records
	}
	if heatmap != nil {
		p.heatmapStage = heatmap
	}
	if wx != nil {
		p.weatherStage = wx
	}
	if federate != nil {
		p.federateStage = federate
	}
}

// Shutdown drains the worker pool.
func (p *Pipeline) Shutdown() {
	p.pool.Shutdown()
}

// RunSyncStages executes the in-request sub-steps after the activity row has
// committed: achievements, training load, summaries. Each error is logged
// and never rolls back the write.
func (p *Pipeline) RunSyncStages(ctx context.Context, activityID string) {
	for _, step := range []struct {
		name string
		fn   func(ctx context.Context, activityID string) error
	}{
		{"achievements", p.Analytics.EvaluateAchievements},
		{"training_load", p.Analytics.UpdateTrainingLoad},
		{"summaries", p.Analytics.UpdateSummaries},
	} {
		if err := step.fn(ctx, activityID); err != nil {
			slog.Warn("sync stage failed", "stage", step.name, "activity_id", activityID, "error", err)
		}
	}
}

// EnqueueAsyncStages schedules the async fan-out. Personal records and the
// heatmap update are independent; weather runs before federation publish in
// one chained job — though a weather failure only skips the weather data,
// never the publish.
func (p *Pipeline) EnqueueAsyncStages(activityID string, opts Options) {
	if opts.SkipSideEffects {
		return
	}
	p.pool.Submit(func() { p.runStage("personal_records", activityID, p.recordsStage) })
	p.pool.Submit(func() { p.runStage("heatmap", activityID, p.heatmapStage) })
	p.pool.Submit(func() {
		p.runStage("weather", activityID, p.weatherStage)
		p.runStage("federation", activityID, p.federateStage)
	})
}

// AfterSave is the single entry the upload path calls once the activity row
// is visible.
func (p *Pipeline) AfterSave(ctx context.Context, activityID string, opts Options) {
	if opts.SkipSideEffects {
		return
	}
	p.RunSyncStages(ctx, activityID)
	p.EnqueueAsyncStages(activityID, opts)
}

// runStage executes one stage with its own context and swallows the error
// after logging it with activity context.
func (p *Pipeline) runStage(name, activityID string, fn func(ctx context.Context, activityID string) error) {
	ctx, cancel := context.WithTimeout(context.Background(), stageTimeout)
	defer cancel()
	if err := fn(ctx, activityID); err != nil {
		slog.Warn("pipeline stage failed", "stage", name, "activity_id", activityID, "error", err)
	}
}

// fetchWeather loads the activity, pulls conditions at its start point and
// time, and stores them. Activities without GPS or outside the provider's
// window are skipped without error.
func (p *Pipeline) fetchWeather(ctx context.Context, activityID string) error {
	a, err := p.Store.GetActivity(ctx, activityID)
	if err != nil {
		return err
	}
	track, err := db.DecodeTrack(a.TrackJSON)
	if err != nil {
		return err
	}
	if len(track) == 0 {
		return nil
	}
	obs, err := p.Weather.FetchHistorical(ctx, track[0].Lat, track[0].Lon, a.StartedAt)
	if err != nil {
		return err
	}
	if obs == nil {
		return nil
	}
	return p.Store.UpdateActivityWeather(ctx, activityID, obs.TempC, obs.Condition)
}

// publishActivity federates a Create/Note for the activity to every ACCEPTED
// follower. PRIVATE activities are never published.
func (p *Pipeline) publishActivity(ctx context.Context, activityID string) error {
	a, err := p.Store.GetActivity(ctx, activityID)
	if err != nil {
		return err
	}
	if a.Visibility == db.VisibilityPrivate {
		return nil
	}
	owner, err := p.Store.GetUser(ctx, a.UserID)
	if err != nil {
		return err
	}
	metrics, err := p.Store.GetActivityMetrics(ctx, activityID)
	if err != nil {
		return err
	}

	sender, err := ap.SenderForUser(p.BaseURL, owner)
	if err != nil {
		return err
	}
	create := ap.BuildCreateWorkout(p.BaseURL, sender.ActorURI, a, metrics, ap.WorkoutNoteOptions{})
	p.Outbox.Publish(ctx, create, sender)
	return nil
}
