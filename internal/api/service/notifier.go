package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuongbtq/audio-pipeline/internal/domain"
)

// Notifier announces that a job became claimable
type Notifier interface {
	NotifyJob(ctx context.Context, jobID string) error
}

// Publisher publishes a message body to the job notification queue
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// QueueNotifier publishes {"job_id": ...} notifications through a Publisher
type QueueNotifier struct {
	publisher Publisher
}

// NewQueueNotifier creates a notifier on p
func NewQueueNotifier(p Publisher) *QueueNotifier {
	return &QueueNotifier{publisher: p}
}

func (n *QueueNotifier) NotifyJob(ctx context.Context, jobID string) error {
	body, err := json.Marshal(domain.JobMessage{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal job notification: %w", err)
	}
	if err := n.publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish job notification: %w", err)
	}
	return nil
}
