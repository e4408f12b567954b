package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/audio-pipeline/internal/domain"
	"github.com/cuongbtq/audio-pipeline/internal/jobstore"
	"github.com/cuongbtq/audio-pipeline/internal/messages"
	"github.com/cuongbtq/audio-pipeline/internal/metrics"
)

// RetryOutcome tags the result of a manual retry request
type RetryOutcome string

const (
	RetryOutcomeRetried          RetryOutcome = "retried"
	RetryOutcomeAlreadyCompleted RetryOutcome = "already_completed"
	RetryOutcomeNotRetryable     RetryOutcome = "not_retryable"
	RetryOutcomeNotFound         RetryOutcome = "not_found"
)

// JobStatus is a read-only snapshot of a job
type JobStatus struct {
	ID           string
	MessageID    string
	ProjectID    string
	State        domain.JobState
	Progress     int
	AttemptsMade int
	MaxAttempts  int
	CreatedAt    time.Time
	ProcessedOn  *time.Time
	FinishedOn   *time.Time
	FailedReason *string
}

// QueueMetrics counts jobs per state
type QueueMetrics struct {
	Waiting   int64
	Active    int64
	Completed int64
	Failed    int64
	Delayed   int64
	Total     int64
}

// RetryResult is the answer to a manual retry request
type RetryResult struct {
	Outcome RetryOutcome
	JobID   string
	Message string
}

// Reporter answers status queries and manual retry requests
type Reporter struct {
	store    jobstore.Store
	messages messages.Repository
	gateway  *Gateway
	logger   *slog.Logger
}

// NewReporter creates a reporter. The message repository resolves retries
// of jobs that were already pruned from the store.
func NewReporter(store jobstore.Store, repo messages.Repository, gateway *Gateway, logger *slog.Logger) *Reporter {
	return &Reporter{
		store:    store,
		messages: repo,
		gateway:  gateway,
		logger:   logger,
	}
}

// GetJobStatus returns the job snapshot or domain.ErrJobNotFound
func (r *Reporter) GetJobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return toStatus(job), nil
}

// ListJobs returns jobs in a state, most recently updated first
func (r *Reporter) ListJobs(ctx context.Context, state domain.JobState, limit int) ([]*JobStatus, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("unknown job state %q", state)
	}
	jobs, err := r.store.List(ctx, state, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*JobStatus, len(jobs))
	for i, job := range jobs {
		out[i] = toStatus(job)
	}
	return out, nil
}

// GetQueueMetrics returns the number of jobs per state and their total
func (r *Reporter) GetQueueMetrics(ctx context.Context) (*QueueMetrics, error) {
	counts, err := r.store.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	m := &QueueMetrics{
		Waiting:   counts[domain.JobStateWaiting],
		Active:    counts[domain.JobStateActive],
		Completed: counts[domain.JobStateCompleted],
		Failed:    counts[domain.JobStateFailed],
		Delayed:   counts[domain.JobStateDelayed],
	}
	m.Total = m.Waiting + m.Active + m.Completed + m.Failed + m.Delayed
	return m, nil
}

// RetryJob re-arms the failed job of a message for one more attempt.
// Every request resolves to one of the RetryOutcome values.
func (r *Reporter) RetryJob(ctx context.Context, messageID string) (*RetryResult, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil, ErrInvalidSubmission
	}
	jobID := domain.JobIDForMessage(messageID)

	job, err := r.store.Get(ctx, jobID)
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		return r.retryFromMessage(ctx, messageID, jobID)
	case err != nil:
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var result *RetryResult
	switch job.State {
	case domain.JobStateFailed:
		result, err = r.rearm(ctx, jobID)
		if err != nil {
			return nil, err
		}
	case domain.JobStateCompleted:
		result = &RetryResult{Outcome: RetryOutcomeAlreadyCompleted, JobID: jobID, Message: "job already completed"}
	default:
		result = &RetryResult{Outcome: RetryOutcomeNotRetryable, JobID: jobID, Message: fmt.Sprintf("job is %s", job.State)}
	}

	r.logRetry(messageID, result)
	return result, nil
}

func (r *Reporter) rearm(ctx context.Context, jobID string) (*RetryResult, error) {
	job, err := r.store.Retry(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotRetryable) {
			return &RetryResult{Outcome: RetryOutcomeNotRetryable, JobID: jobID, Message: err.Error()}, nil
		}
		return nil, fmt.Errorf("failed to retry job: %w", err)
	}

	r.gateway.notify(ctx, jobID)
	return &RetryResult{
		Outcome: RetryOutcomeRetried,
		JobID:   jobID,
		Message: fmt.Sprintf("job re-queued for attempt %d", job.MaxAttempts),
	}, nil
}

// retryFromMessage handles a job that no longer exists in the store; the
// message record decides and supplies the project id
func (r *Reporter) retryFromMessage(ctx context.Context, messageID, jobID string) (*RetryResult, error) {
	notFound := &RetryResult{Outcome: RetryOutcomeNotFound, JobID: jobID, Message: "no job or message found"}
	if r.messages == nil {
		r.logRetry(messageID, notFound)
		return notFound, nil
	}

	msg, err := r.messages.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, domain.ErrMessageNotFound) {
			r.logRetry(messageID, notFound)
			return notFound, nil
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	var result *RetryResult
	switch msg.ProcessingStatus {
	case domain.ProcessingStatusFailed:
		submitted, err := r.gateway.Submit(ctx, messageID, msg.ProjectID)
		if err != nil {
			return nil, err
		}
		if submitted.Created {
			result = &RetryResult{Outcome: RetryOutcomeRetried, JobID: submitted.JobID, Message: "job re-created from message record"}
		} else {
			result = &RetryResult{Outcome: RetryOutcomeNotRetryable, JobID: submitted.JobID, Message: "job already in flight"}
		}
	case domain.ProcessingStatusCompleted:
		result = &RetryResult{Outcome: RetryOutcomeAlreadyCompleted, JobID: jobID, Message: "message already processed"}
	default:
		result = &RetryResult{Outcome: RetryOutcomeNotRetryable, JobID: jobID, Message: fmt.Sprintf("message is %s", msg.ProcessingStatus)}
	}

	r.logRetry(messageID, result)
	return result, nil
}

func (r *Reporter) logRetry(messageID string, result *RetryResult) {
	metrics.IncManualRetry(string(result.Outcome))
	r.logger.Info("Manual retry requested",
		slog.String("message_id", messageID),
		slog.String("job_id", result.JobID),
		slog.String("outcome", string(result.Outcome)),
	)
}

func toStatus(job *domain.Job) *JobStatus {
	return &JobStatus{
		ID:           job.ID,
		MessageID:    job.Payload.MessageID,
		ProjectID:    job.Payload.ProjectID,
		State:        job.State,
		Progress:     job.Progress,
		AttemptsMade: job.AttemptsMade,
		MaxAttempts:  job.MaxAttempts,
		CreatedAt:    job.CreatedAt,
		ProcessedOn:  job.ProcessedAt,
		FinishedOn:   job.FinishedAt,
		FailedReason: job.FailedReason,
	}
}
