// Package batchimport coordinates archive uploads: a parent job with one
// child result per file, processed sequentially on a dedicated worker, with
// a single analytics rebuild after the last file.
package batchimport

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/klppl/fedtrack/internal/analytics"
	"github.com/klppl/fedtrack/internal/apperr"
	"github.com/klppl/fedtrack/internal/db"
	"github.com/klppl/fedtrack/internal/pipeline"
	"github.com/klppl/fedtrack/internal/workout"
)

// Archive limits.
const (
	MaxArchiveBytes = 500 << 20
	MaxArchiveFiles = 1000
	MaxFileBytes    = 50 << 20
)

// Classified per-file error types.
const (
	ErrValidation  = "VALIDATION_ERROR"
	ErrParsing     = "PARSING_ERROR"
	ErrUnsupported = "UNSUPPORTED_FORMAT"
	ErrIO          = "IO_ERROR"
	ErrDatabase    = "DATABASE_ERROR"
	ErrUnknown     = "UNKNOWN_ERROR"
)

// jobTimeout bounds one whole import run.
const jobTimeout = 2 * time.Hour

// Coordinator accepts archives and runs import jobs. Each active job gets
// its own worker goroutine: serial within a job, parallel across users.
type Coordinator struct {
	Store     *db.Store
	Workouts  *workout.Service
	Analytics *analytics.Engine
	Progress  *Broadcaster

	wg       sync.WaitGroup
	mu       sync.Mutex
	draining bool
}

// New builds a coordinator.
func New(store *db.Store, workouts *workout.Service, engine *analytics.Engine) *Coordinator {
	return &Coordinator{
		Store:     store,
		Workouts:  workouts,
		Analytics: engine,
		Progress:  NewBroadcaster(),
	}
}

// Submit validates the archive, creates the job rows, and starts the worker.
// It returns as soon as the parent job exists; progress is polled (or
// streamed via the broadcaster).
func (c *Coordinator) Submit(ctx context.Context, userID string, archive []byte) (*db.BatchImportJob, error) {
	if len(archive) > MaxArchiveBytes {
		return nil, apperr.New(apperr.Validation, "archive exceeds 500 MB")
	}

	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, "not a readable zip archive", err)
	}

	var entries []*zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := strings.ToLower(f.Name)
		if strings.HasSuffix(name, ".fit") || strings.HasSuffix(name, ".gpx") {
			entries = append(entries, f)
		}
	}
	if len(entries) == 0 {
		return nil, apperr.New(apperr.Validation, "archive contains no .fit or .gpx files")
	}
	if len(entries) > MaxArchiveFiles {
		return nil, apperr.New(apperr.Validation, "archive exceeds 1000 files")
	}

	names := make([]string, len(entries))
	for i, f := range entries {
		names[i] = f.Name
	}
	job, err := c.Store.CreateBatchImportJob(ctx, userID, names)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return nil, apperr.New(apperr.Validation, "server is shutting down")
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		runCtx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		c.run(runCtx, job, entries)
	}()

	return job, nil
}

// Shutdown stops accepting jobs and waits for active imports to drain.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	c.draining = true
	c.mu.Unlock()
	c.wg.Wait()
}

// run processes a job's files in archive order, each in its own sub-step so
// one bad file fails only itself, then rebuilds analytics once.
func (c *Coordinator) run(ctx context.Context, job *db.BatchImportJob, entries []*zip.File) {
	slog.Info("batch import started", "job_id", job.ID, "files", len(entries))
	if err := c.Store.UpdateBatchImportJobStatus(ctx, job.ID, db.JobProcessing); err != nil {
		slog.Error("batch import: failed to mark processing", "job_id", job.ID, "error", err)
		return
	}

	_, results, err := c.Store.GetBatchImportJob(ctx, job.ID)
	if err != nil {
		slog.Error("batch import: failed to load job", "job_id", job.ID, "error", err)
		return
	}

	var success, failed int
	var importedIDs []string
	for i, entry := range entries {
		result := results[i]
		result.Status = db.FileResultProcessing
		_ = c.Store.UpdateBatchImportFileResult(ctx, result)

		activityID, errType, errMsg := c.importFile(ctx, job.UserID, entry)
		if errType == "" {
			result.Status = db.FileResultSuccess
			result.ActivityID = activityID
			importedIDs = append(importedIDs, activityID)
			success++
		} else {
			result.Status = db.FileResultFailed
			result.ErrorType = errType
			result.ErrorMessage = errMsg
			failed++
			slog.Warn("batch import: file failed",
				"job_id", job.ID, "file", entry.Name, "error_type", errType, "error", errMsg)
		}
		_ = c.Store.UpdateBatchImportFileResult(ctx, result)

		c.Progress.Publish(Event{
			JobID:    job.ID,
			FileName: entry.Name,
			Status:   result.Status,
			Done:     i + 1,
			Total:    len(entries),
		})
	}

	_ = c.Store.UpdateBatchImportCounts(ctx, job.ID, success, failed)

	// One analytics pass for the whole batch: full heatmap rebuild plus
	// per-activity rollup re-evaluation.
	c.rebuildAnalytics(ctx, job.UserID, importedIDs)

	// Per-file failures don't fail the job; only a wholesale inability to
	// process does.
	status := db.JobCompleted
	if success == 0 && failed > 0 {
		status = db.JobFailed
	}
	_ = c.Store.UpdateBatchImportJobStatus(ctx, job.ID, status)
	slog.Info("batch import finished", "job_id", job.ID, "success", success, "failed", failed)
}

// importFile reads one archive entry and runs the upload path with all side
// effects disabled. Returns a classified error type on failure.
func (c *Coordinator) importFile(ctx context.Context, userID string, entry *zip.File) (activityID, errType, errMsg string) {
	if entry.UncompressedSize64 > MaxFileBytes {
		return "", ErrValidation, "file exceeds 50 MB"
	}

	rc, err := entry.Open()
	if err != nil {
		return "", ErrIO, err.Error()
	}
	data, err := io.ReadAll(io.LimitReader(rc, MaxFileBytes+1))
	rc.Close()
	if err != nil {
		return "", ErrIO, err.Error()
	}
	if len(data) > MaxFileBytes {
		return "", ErrValidation, "file exceeds 50 MB"
	}

	a, err := c.Workouts.Upload(ctx, workout.UploadInput{
		UserID:   userID,
		FileName: entry.Name,
		Data:     data,
	}, pipeline.Options{SkipSideEffects: true})
	if err != nil {
		return "", classify(entry.Name, err), err.Error()
	}
	return a.ID, "", ""
}

// classify maps an import failure onto the stored error taxonomy.
func classify(fileName string, err error) string {
	name := strings.ToLower(fileName)
	if !strings.HasSuffix(name, ".fit") && !strings.HasSuffix(name, ".gpx") {
		return ErrUnsupported
	}
	switch apperr.KindOf(err) {
	case apperr.ParseError:
		return ErrParsing
	case apperr.Validation:
		return ErrValidation
	case apperr.Conflict, apperr.Internal:
		return ErrDatabase
	default:
		return ErrUnknown
	}
}

// rebuildAnalytics runs the single post-batch pass.
func (c *Coordinator) rebuildAnalytics(ctx context.Context, userID string, importedIDs []string) {
	if err := c.Store.RebuildHeatmap(ctx, userID); err != nil {
		slog.Warn("batch import: heatmap rebuild failed", "user", userID, "error", err)
	} else {
		_ = c.Store.SetKV("last_heatmap_rebuild_at", time.Now().UTC().Format(time.RFC3339))
	}

	for _, id := range importedIDs {
		for _, step := range []struct {
			name string
			fn   func(ctx context.Context, activityID string) error
		}{
			{"personal_records", c.Analytics.EvaluatePersonalRecords},
			{"achievements", c.Analytics.EvaluateAchievements},
			{"training_load", c.Analytics.UpdateTrainingLoad},
			{"summaries", c.Analytics.UpdateSummaries},
		} {
			if err := step.fn(ctx, id); err != nil {
				slog.Warn("batch import: analytics step failed",
					"step", step.name, "activity_id", id, "error", err)
			}
		}
	}
}
