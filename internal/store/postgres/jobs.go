package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/mailvault/mailvault/internal/models"
)

type JobStore struct {
	db *sql.DB
}

func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

func (s *JobStore) EnqueueJob(ctx context.Context, payload []byte, maxAttempts int) (*models.QueueJob, error) {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	job := &models.QueueJob{}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO ingest_jobs (payload, max_attempts)
		 VALUES ($1, $2)
		 RETURNING id, payload, attempts, max_attempts, available_at, locked_at, last_error, created_at, updated_at`,
		payload, maxAttempts,
	).Scan(
		&job.ID, &job.Payload, &job.Attempts, &job.MaxAttempts,
		&job.AvailableAt, &job.LockedAt, &job.LastError, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ClaimNextJob picks the oldest claimable job under SKIP LOCKED so that
// concurrent workers never double-claim. A job stuck in processing past the
// visibility window is treated as abandoned and redelivered.
func (s *JobStore) ClaimNextJob(ctx context.Context, visibility time.Duration) (*models.QueueJob, error) {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	job := &models.QueueJob{}
	err = tx.QueryRowContext(ctx,
		`WITH next_job AS (
			SELECT id
			FROM ingest_jobs
			WHERE (status = 'queued' AND available_at <= NOW())
			   OR (status = 'processing' AND locked_at <= NOW() - make_interval(secs => $1))
			ORDER BY available_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE ingest_jobs j
		SET status = 'processing',
			attempts = j.attempts + 1,
			locked_at = NOW(),
			updated_at = NOW()
		FROM next_job
		WHERE j.id = next_job.id
		RETURNING j.id, j.payload, j.attempts, j.max_attempts, j.available_at, j.locked_at, j.last_error, j.created_at, j.updated_at`,
		visibility.Seconds(),
	).Scan(
		&job.ID, &job.Payload, &job.Attempts, &job.MaxAttempts,
		&job.AvailableAt, &job.LockedAt, &job.LastError, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			if commitErr := tx.Commit(); commitErr != nil {
				return nil, commitErr
			}
			return nil, nil
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *JobStore) AckJob(ctx context.Context, jobID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ingest_jobs WHERE id = $1`, jobID)
	return err
}

func (s *JobStore) NackJob(ctx context.Context, jobID int64, nextAvailableAt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ingest_jobs
		 SET status = 'queued',
		     available_at = $2,
		     last_error = $3,
		     locked_at = NULL,
		     updated_at = NOW()
		 WHERE id = $1`,
		jobID, nextAvailableAt, lastError,
	)
	return err
}
