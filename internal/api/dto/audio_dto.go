package dto

import (
	"time"

	"github.com/cuongbtq/audio-pipeline/internal/api/service"
)

type SubmitJobRequest struct {
	MessageID string `json:"message_id" binding:"required"`
	ProjectID string `json:"project_id"`
}

type SubmitJobResponse struct {
	JobID   string `json:"job_id"`
	Created bool   `json:"created"`
}

type ListJobsRequest struct {
	State string `form:"state" binding:"required"`
	Limit int    `form:"limit"`
}

type ListJobsResponse struct {
	Jobs []JobStatusDTO `json:"jobs"`
}

type JobStatusDTO struct {
	ID           string  `json:"id"`
	MessageID    string  `json:"message_id"`
	ProjectID    string  `json:"project_id,omitempty"`
	State        string  `json:"state"`
	Progress     int     `json:"progress"`
	AttemptsMade int     `json:"attempts_made"`
	MaxAttempts  int     `json:"max_attempts"`
	CreatedAt    string  `json:"created_at"`
	ProcessedOn  *string `json:"processed_on"`
	FinishedOn   *string `json:"finished_on"`
	FailedReason *string `json:"failed_reason"`
}

type QueueMetricsDTO struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Total     int64 `json:"total"`
}

type RetryJobRequest struct {
	MessageID string `json:"message_id" binding:"required"`
}

type RetryJobResponse struct {
	Outcome string `json:"outcome"`
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

// FromJobStatus renders a status snapshot with RFC3339 timestamps
func FromJobStatus(s *service.JobStatus) JobStatusDTO {
	return JobStatusDTO{
		ID:           s.ID,
		MessageID:    s.MessageID,
		ProjectID:    s.ProjectID,
		State:        string(s.State),
		Progress:     s.Progress,
		AttemptsMade: s.AttemptsMade,
		MaxAttempts:  s.MaxAttempts,
		CreatedAt:    s.CreatedAt.Format(time.RFC3339),
		ProcessedOn:  formatTime(s.ProcessedOn),
		FinishedOn:   formatTime(s.FinishedOn),
		FailedReason: s.FailedReason,
	}
}

func FromQueueMetrics(m *service.QueueMetrics) QueueMetricsDTO {
	return QueueMetricsDTO{
		Waiting:   m.Waiting,
		Active:    m.Active,
		Completed: m.Completed,
		Failed:    m.Failed,
		Delayed:   m.Delayed,
		Total:     m.Total,
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
