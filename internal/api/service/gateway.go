// Package service holds the transport independent submission and status logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuongbtq/audio-pipeline/internal/domain"
	"github.com/cuongbtq/audio-pipeline/internal/jobstore"
	"github.com/cuongbtq/audio-pipeline/internal/metrics"
)

// ErrInvalidSubmission is returned when a submission lacks its message id
var ErrInvalidSubmission = errors.New("message_id is required")

// SubmitResult is the outcome of a submission
type SubmitResult struct {
	JobID   string
	Created bool
}

// Gateway turns processing requests into deduplicated jobs
type Gateway struct {
	store    jobstore.Store
	notifier Notifier
	logger   *slog.Logger
}

// NewGateway creates a gateway; notifier may be nil
func NewGateway(store jobstore.Store, notifier Notifier, logger *slog.Logger) *Gateway {
	return &Gateway{
		store:    store,
		notifier: notifier,
		logger:   logger,
	}
}

// Submit enqueues the message for processing and returns without waiting
// for the pipeline. Submitting a message whose job is still live returns
// that job with Created=false.
func (g *Gateway) Submit(ctx context.Context, messageID, projectID string) (*SubmitResult, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil, ErrInvalidSubmission
	}

	jobID := domain.JobIDForMessage(messageID)
	job, created, err := g.store.Enqueue(ctx, jobID, domain.Payload{
		MessageID: messageID,
		ProjectID: projectID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	metrics.IncSubmission(created)

	if created {
		g.notify(ctx, job.ID)
	} else {
		g.logger.Info("Job already in flight",
			slog.String("job_id", job.ID),
			slog.String("state", string(job.State)),
		)
	}

	return &SubmitResult{JobID: job.ID, Created: created}, nil
}

// notify is best effort; workers find the job by polling regardless
func (g *Gateway) notify(ctx context.Context, jobID string) {
	if g.notifier == nil {
		return
	}
	if err := g.notifier.NotifyJob(ctx, jobID); err != nil {
		g.logger.Warn("Failed to publish job notification",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}
