package domain

import (
	"strings"
	"time"
)

// Payload binds a job to the message it processes
type Payload struct {
	MessageID string `json:"message_id"`
	ProjectID string `json:"project_id"`
}

// Job represents one unit of audio processing work
type Job struct {
	ID           string
	Payload      Payload
	State        JobState
	AttemptsMade int
	MaxAttempts  int
	Progress     int
	WorkerID     string
	FailedReason *string
	RunAt        time.Time
	CreatedAt    time.Time
	ProcessedAt  *time.Time
	FinishedAt   *time.Time
	UpdatedAt    time.Time
	// LeaseUntil bounds an ACTIVE attempt; past it the job can be reclaimed
	LeaseUntil *time.Time
}

// JobMessage is the notification published when a job becomes claimable
type JobMessage struct {
	JobID string `json:"job_id"`
}

// JobIDForMessage derives the deterministic job id of a message
func JobIDForMessage(messageID string) string {
	return JobIDPrefix + messageID
}

// MessageIDFromJobID recovers the message id from a job id
func MessageIDFromJobID(jobID string) (string, bool) {
	if !strings.HasPrefix(jobID, JobIDPrefix) || len(jobID) == len(JobIDPrefix) {
		return "", false
	}
	return strings.TrimPrefix(jobID, JobIDPrefix), true
}

// Clone returns a deep copy safe to hand out of a store
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.FailedReason != nil {
		reason := *j.FailedReason
		c.FailedReason = &reason
	}
	if j.ProcessedAt != nil {
		t := *j.ProcessedAt
		c.ProcessedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	if j.LeaseUntil != nil {
		t := *j.LeaseUntil
		c.LeaseUntil = &t
	}
	return &c
}
