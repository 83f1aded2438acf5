package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/klppl/fedtrack/internal/apperr"
)

// Batch import job statuses.
const (
	JobPending    = "PENDING"
	JobProcessing = "PROCESSING"
	JobCompleted  = "COMPLETED"
	JobFailed     = "FAILED"
)

// Per-file result statuses.
const (
	FileResultPending    = "PENDING"
	FileResultProcessing = "PROCESSING"
	FileResultSuccess    = "SUCCESS"
	FileResultFailed     = "FAILED"
)

// BatchImportJob is the parent record of one archive upload.
type BatchImportJob struct {
	ID           string
	UserID       string
	Status       string
	TotalFiles   int
	SuccessCount int
	FailedCount  int
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// BatchImportFileResult is one archive entry's outcome.
type BatchImportFileResult struct {
	ID           string
	JobID        string
	Position     int
	FileName     string
	Status       string
	ErrorType    string
	ErrorMessage string
	ActivityID   string
}

// CreateBatchImportJob inserts the parent job and one child row per file in
// a single transaction, all PENDING.
func (s *Store) CreateBatchImportJob(ctx context.Context, userID string, fileNames []string) (*BatchImportJob, error) {
	job := &BatchImportJob{
		ID:         uuid.NewString(),
		UserID:     userID,
		Status:     JobPending,
		TotalFiles: len(fileNames),
		CreatedAt:  time.Now().UTC(),
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO batch_import_jobs
			(id, user_id, status, total_files, created_at) VALUES (?, ?, ?, ?, ?)`),
			job.ID, userID, JobPending, len(fileNames), now()); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, s.q(`INSERT INTO batch_import_file_results
			(id, job_id, position, file_name, status) VALUES (?, ?, ?, ?, ?)`))
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, name := range fileNames {
			if _, err := stmt.ExecContext(ctx, uuid.NewString(), job.ID, i, name, FileResultPending); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// GetBatchImportJob returns a job with its per-file results.
func (s *Store) GetBatchImportJob(ctx context.Context, id string) (*BatchImportJob, []*BatchImportFileResult, error) {
	var job BatchImportJob
	var createdAt string
	var completedAt sql.NullString
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, user_id, status, total_files,
		success_count, failed_count, created_at, completed_at
		FROM batch_import_jobs WHERE id = ?`), id).Scan(
		&job.ID, &job.UserID, &job.Status, &job.TotalFiles,
		&job.SuccessCount, &job.FailedCount, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, apperr.New(apperr.NotFound, "import job not found")
	}
	if err != nil {
		return nil, nil, err
	}
	job.CreatedAt = parseTime(createdAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		job.CompletedAt = &t
	}

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, job_id, position, file_name, status,
		error_type, error_message, activity_id
		FROM batch_import_file_results WHERE job_id = ? ORDER BY position`), id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var results []*BatchImportFileResult
	for rows.Next() {
		var r BatchImportFileResult
		var activityID sql.NullString
		if err := rows.Scan(&r.ID, &r.JobID, &r.Position, &r.FileName, &r.Status,
			&r.ErrorType, &r.ErrorMessage, &activityID); err != nil {
			return nil, nil, err
		}
		r.ActivityID = activityID.String
		results = append(results, &r)
	}
	return &job, results, rows.Err()
}

// UpdateBatchImportJobStatus transitions the parent job.
func (s *Store) UpdateBatchImportJobStatus(ctx context.Context, id, status string) error {
	var completedAt any
	if status == JobCompleted || status == JobFailed {
		completedAt = now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE batch_import_jobs
		SET status = ?, completed_at = ? WHERE id = ?`), status, completedAt, id)
	return err
}

// UpdateBatchImportCounts writes the final success/failure tally.
func (s *Store) UpdateBatchImportCounts(ctx context.Context, id string, success, failed int) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE batch_import_jobs
		SET success_count = ?, failed_count = ? WHERE id = ?`), success, failed, id)
	return err
}

// UpdateBatchImportFileResult writes one file's outcome.
func (s *Store) UpdateBatchImportFileResult(ctx context.Context, r *BatchImportFileResult) error {
	var activityID any
	if r.ActivityID != "" {
		activityID = r.ActivityID
	}
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE batch_import_file_results
		SET status = ?, error_type = ?, error_message = ?, activity_id = ?
		WHERE id = ?`), r.Status, r.ErrorType, r.ErrorMessage, activityID, r.ID)
	return err
}

// CountActiveImportJobs returns jobs still PENDING or PROCESSING. The admin
// status surface uses this.
func (s *Store) CountActiveImportJobs(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM batch_import_jobs WHERE status IN ('PENDING', 'PROCESSING')`).Scan(&n)
	return n, err
}
