package jobstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/audio-pipeline/internal/domain"
	"github.com/jmoiron/sqlx"
)

//go:embed schema.sql
var schemaSQL string

var _ Store = (*PostgresStore)(nil)

const jobColumns = `
	job_id, message_id, project_id, state, attempts_made, max_attempts,
	progress, worker_id, failed_reason, run_at, created_at, processed_at,
	finished_at, updated_at, lease_until
`

// jobRow mirrors a row of the audio_jobs table
type jobRow struct {
	JobID        string         `db:"job_id"`
	MessageID    string         `db:"message_id"`
	ProjectID    string         `db:"project_id"`
	State        string         `db:"state"`
	AttemptsMade int            `db:"attempts_made"`
	MaxAttempts  int            `db:"max_attempts"`
	Progress     int            `db:"progress"`
	WorkerID     sql.NullString `db:"worker_id"`
	FailedReason sql.NullString `db:"failed_reason"`
	RunAt        time.Time      `db:"run_at"`
	CreatedAt    time.Time      `db:"created_at"`
	ProcessedAt  sql.NullTime   `db:"processed_at"`
	FinishedAt   sql.NullTime   `db:"finished_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
	LeaseUntil   sql.NullTime   `db:"lease_until"`
}

func (r *jobRow) toDomain() *domain.Job {
	job := &domain.Job{
		ID: r.JobID,
		Payload: domain.Payload{
			MessageID: r.MessageID,
			ProjectID: r.ProjectID,
		},
		State:        domain.JobState(r.State),
		AttemptsMade: r.AttemptsMade,
		MaxAttempts:  r.MaxAttempts,
		Progress:     r.Progress,
		RunAt:        r.RunAt,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.WorkerID.Valid {
		job.WorkerID = r.WorkerID.String
	}
	if r.FailedReason.Valid {
		reason := r.FailedReason.String
		job.FailedReason = &reason
	}
	if r.ProcessedAt.Valid {
		t := r.ProcessedAt.Time
		job.ProcessedAt = &t
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		job.FinishedAt = &t
	}
	if r.LeaseUntil.Valid {
		t := r.LeaseUntil.Time
		job.LeaseUntil = &t
	}
	return job
}

// PostgresStore is the durable Store backed by the audio_jobs table
type PostgresStore struct {
	db     *sqlx.DB
	policy RetryPolicy
	logger *slog.Logger
	closed atomic.Bool
}

// NewPostgresStore creates a store on an open database handle
func NewPostgresStore(db *sqlx.DB, policy RetryPolicy, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		policy: policy.normalize(),
		logger: logger,
	}
}

// EnsureSchema creates the audio_jobs table and indexes if missing
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply job store schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, jobID string, payload domain.Payload) (*domain.Job, bool, error) {
	if err := s.checkOpen(); err != nil {
		return nil, false, err
	}
	if jobID == "" {
		return nil, false, fmt.Errorf("job id is required")
	}

	// A terminal row is recycled in place; a live row makes the upsert a no-op
	query := `
		INSERT INTO audio_jobs (
			job_id, message_id, project_id, state, attempts_made, max_attempts,
			progress, run_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, 0, $5,
			0, NOW(), NOW(), NOW()
		)
		ON CONFLICT (job_id) DO UPDATE
		SET message_id = EXCLUDED.message_id,
		    project_id = EXCLUDED.project_id,
		    state = EXCLUDED.state,
		    attempts_made = 0,
		    max_attempts = EXCLUDED.max_attempts,
		    progress = 0,
		    worker_id = NULL,
		    failed_reason = NULL,
		    run_at = NOW(),
		    created_at = NOW(),
		    processed_at = NULL,
		    finished_at = NULL,
		    updated_at = NOW(),
		    lease_until = NULL
		WHERE audio_jobs.state IN ($6, $7)
		RETURNING ` + jobColumns

	var row jobRow
	err := s.db.QueryRowxContext(ctx, query,
		jobID,
		payload.MessageID,
		payload.ProjectID,
		domain.JobStateWaiting,
		s.policy.MaxAttempts,
		domain.JobStateCompleted,
		domain.JobStateFailed,
	).StructScan(&row)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			existing, getErr := s.Get(ctx, jobID)
			if getErr != nil {
				return nil, false, getErr
			}
			s.logger.Info("Duplicate job submission ignored",
				slog.String("job_id", jobID),
				slog.String("state", string(existing.State)),
			)
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.logger.Info("Job enqueued",
		slog.String("job_id", jobID),
		slog.String("message_id", payload.MessageID),
	)

	return row.toDomain(), true, nil
}

func (s *PostgresStore) Claim(ctx context.Context, workerID string) (*domain.Job, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	if err := s.expireExhausted(ctx); err != nil {
		return nil, err
	}

	query := `
		UPDATE audio_jobs
		SET state = $1,
		    attempts_made = attempts_made + 1,
		    progress = 0,
		    worker_id = $2,
		    processed_at = NOW(),
		    finished_at = NULL,
		    updated_at = NOW(),
		    lease_until = NOW() + $3::bigint * INTERVAL '1 millisecond'
		WHERE job_id = (
			SELECT job_id
			FROM audio_jobs
			WHERE state = $4
			   OR (state = $5 AND run_at <= NOW())
			   OR (state = $1 AND lease_until <= NOW() AND attempts_made < max_attempts)
			ORDER BY run_at, created_at, job_id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	var row jobRow
	err := s.db.QueryRowxContext(ctx, query,
		domain.JobStateActive,
		workerID,
		s.policy.LeaseTimeout.Milliseconds(),
		domain.JobStateWaiting,
		domain.JobStateDelayed,
	).StructScan(&row)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNoJobAvailable
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Info("Job claimed successfully",
		slog.String("job_id", row.JobID),
		slog.String("worker_id", workerID),
		slog.Int("attempt", row.AttemptsMade),
	)

	return row.toDomain(), nil
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, jobID, workerID string, progress int) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	query := `
		UPDATE audio_jobs
		SET progress = GREATEST(progress, $1),
		    updated_at = NOW(),
		    lease_until = NOW() + $5::bigint * INTERVAL '1 millisecond'
		WHERE job_id = $2 AND worker_id = $3 AND state = $4
	`

	result, err := s.db.ExecContext(ctx, query,
		clampProgress(progress),
		jobID,
		workerID,
		domain.JobStateActive,
		s.policy.LeaseTimeout.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}

	return s.requireOwned(ctx, result, jobID)
}

func (s *PostgresStore) Complete(ctx context.Context, jobID, workerID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	query := `
		UPDATE audio_jobs
		SET state = $1,
		    progress = $5,
		    worker_id = NULL,
		    lease_until = NULL,
		    finished_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $2 AND worker_id = $3 AND state = $4
	`

	result, err := s.db.ExecContext(ctx, query,
		domain.JobStateCompleted,
		jobID,
		workerID,
		domain.JobStateActive,
		domain.ProgressFinalized,
	)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	return s.requireOwned(ctx, result, jobID)
}

func (s *PostgresStore) Fail(ctx context.Context, jobID, workerID, reason string, retryable bool) (*domain.Job, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	// Backoff is computed from attempts_made inside the statement so the
	// decision and the write are one atomic step
	query := `
		UPDATE audio_jobs
		SET state = CASE WHEN $1::boolean AND attempts_made < max_attempts THEN $2 ELSE $3 END,
		    run_at = CASE WHEN $1::boolean AND attempts_made < max_attempts
		        THEN NOW() + ($4::double precision * POWER($5::double precision, attempts_made - 1)) * INTERVAL '1 millisecond'
		        ELSE run_at END,
		    finished_at = CASE WHEN $1::boolean AND attempts_made < max_attempts THEN NULL ELSE NOW() END,
		    failed_reason = $6,
		    worker_id = NULL,
		    lease_until = NULL,
		    updated_at = NOW()
		WHERE job_id = $7 AND worker_id = $8 AND state = $9
		RETURNING ` + jobColumns

	var row jobRow
	err := s.db.QueryRowxContext(ctx, query,
		retryable,
		domain.JobStateDelayed,
		domain.JobStateFailed,
		float64(s.policy.BaseDelay.Milliseconds()),
		s.policy.BackoffMultiplier,
		reason,
		jobID,
		workerID,
		domain.JobStateActive,
	).StructScan(&row)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := s.Get(ctx, jobID); getErr != nil {
				return nil, getErr
			}
			return nil, domain.ErrJobNotOwned
		}
		return nil, fmt.Errorf("failed to record job failure: %w", err)
	}

	job := row.toDomain()
	s.logger.Info("Job failure recorded",
		slog.String("job_id", jobID),
		slog.String("state", string(job.State)),
		slog.Int("attempts_made", job.AttemptsMade),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	return job, nil
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT ` + jobColumns + ` FROM audio_jobs WHERE job_id = $1`

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return row.toDomain(), nil
}

func (s *PostgresStore) List(ctx context.Context, state domain.JobState, limit int) ([]*domain.Job, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT ` + jobColumns + `
		FROM audio_jobs
		WHERE state = $1
		ORDER BY updated_at DESC, job_id
		LIMIT $2
	`

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, state, limit); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*domain.Job, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toDomain()
	}
	return jobs, nil
}

func (s *PostgresStore) Counts(ctx context.Context) (map[domain.JobState]int64, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT state, COUNT(*) AS count FROM audio_jobs GROUP BY state`

	var rows []struct {
		State string `db:"state"`
		Count int64  `db:"count"`
	}
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	counts := make(map[domain.JobState]int64, len(domain.AllJobStates))
	for _, st := range domain.AllJobStates {
		counts[st] = 0
	}
	for _, r := range rows {
		counts[domain.JobState(r.State)] = r.Count
	}
	return counts, nil
}

func (s *PostgresStore) Retry(ctx context.Context, jobID string) (*domain.Job, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `
		UPDATE audio_jobs
		SET state = $1,
		    max_attempts = attempts_made + 1,
		    progress = 0,
		    run_at = NOW(),
		    finished_at = NULL,
		    updated_at = NOW()
		WHERE job_id = $2 AND state = $3
		RETURNING ` + jobColumns

	var row jobRow
	err := s.db.QueryRowxContext(ctx, query, domain.JobStateWaiting, jobID, domain.JobStateFailed).StructScan(&row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			existing, getErr := s.Get(ctx, jobID)
			if getErr != nil {
				return nil, getErr
			}
			return nil, fmt.Errorf("%w: job %s is %s", domain.ErrJobNotRetryable, jobID, existing.State)
		}
		return nil, fmt.Errorf("failed to retry job: %w", err)
	}

	s.logger.Info("Job re-armed for retry",
		slog.String("job_id", jobID),
		slog.Int("max_attempts", row.MaxAttempts),
	)

	return row.toDomain(), nil
}

func (s *PostgresStore) Prune(ctx context.Context, keepCompleted, keepFailed int) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	query := `
		DELETE FROM audio_jobs
		WHERE job_id IN (
			SELECT job_id
			FROM audio_jobs
			WHERE state = $1
			ORDER BY COALESCE(finished_at, updated_at) DESC
			OFFSET $2
		)
	`

	var total int64
	for state, keep := range map[domain.JobState]int{
		domain.JobStateCompleted: max(keepCompleted, 0),
		domain.JobStateFailed:    max(keepFailed, 0),
	} {
		result, err := s.db.ExecContext(ctx, query, state, keep)
		if err != nil {
			return total, fmt.Errorf("failed to prune %s jobs: %w", state, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to get rows affected: %w", err)
		}
		total += n
	}

	return total, nil
}

// Close marks the store closed; the database handle belongs to the caller
func (s *PostgresStore) Close() error {
	s.closed.Store(true)
	return nil
}

// expireExhausted fails ACTIVE jobs whose lease ran out on their last
// allowed attempt
func (s *PostgresStore) expireExhausted(ctx context.Context) error {
	query := `
		UPDATE audio_jobs
		SET state = $1,
		    failed_reason = $2,
		    worker_id = NULL,
		    lease_until = NULL,
		    finished_at = NOW(),
		    updated_at = NOW()
		WHERE state = $3 AND lease_until <= NOW() AND attempts_made >= max_attempts
		RETURNING job_id
	`

	var jobIDs []string
	if err := s.db.SelectContext(ctx, &jobIDs, query,
		domain.JobStateFailed,
		LeaseExpiredReason,
		domain.JobStateActive,
	); err != nil {
		return fmt.Errorf("failed to expire abandoned jobs: %w", err)
	}

	for _, id := range jobIDs {
		s.logger.Warn("Abandoned job exhausted its attempts",
			slog.String("job_id", id),
		)
	}
	return nil
}

func (s *PostgresStore) checkOpen() error {
	if s.closed.Load() {
		return domain.ErrStoreClosed
	}
	return nil
}

// requireOwned turns a zero-row ownership update into the matching error
func (s *PostgresStore) requireOwned(ctx context.Context, result sql.Result, jobID string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}
	if _, err := s.Get(ctx, jobID); err != nil {
		return err
	}
	return domain.ErrJobNotOwned
}
