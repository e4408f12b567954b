package jobstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/audio-pipeline/internal/domain"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store. A single mutex serializes every
// operation, which is what makes Claim exactly-once.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[string]*domain.Job
	policy RetryPolicy
	now    func() time.Time
	closed bool
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock overrides the store's time source
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(policy RetryPolicy, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		jobs:   make(map[string]*domain.Job),
		policy: policy.normalize(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Enqueue(ctx context.Context, jobID string, payload domain.Payload) (*domain.Job, bool, error) {
	if jobID == "" {
		return nil, false, fmt.Errorf("job id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, domain.ErrStoreClosed
	}

	if existing, ok := s.jobs[jobID]; ok && existing.State.IsLive() {
		return existing.Clone(), false, nil
	}

	now := s.now()
	job := &domain.Job{
		ID:          jobID,
		Payload:     payload,
		State:       domain.JobStateWaiting,
		MaxAttempts: s.policy.MaxAttempts,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[jobID] = job

	return job.Clone(), true, nil
}

func (s *MemoryStore) Claim(ctx context.Context, workerID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, domain.ErrStoreClosed
	}

	now := s.now()
	s.expireExhausted(now)

	var next *domain.Job
	for _, job := range s.jobs {
		if !claimable(job, now) {
			continue
		}
		if next == nil || claimsBefore(job, next) {
			next = job
		}
	}

	if next == nil {
		return nil, domain.ErrNoJobAvailable
	}

	lease := now.Add(s.policy.LeaseTimeout)
	next.State = domain.JobStateActive
	next.AttemptsMade++
	next.Progress = 0
	next.WorkerID = workerID
	next.ProcessedAt = &now
	next.FinishedAt = nil
	next.UpdatedAt = now
	next.LeaseUntil = &lease

	return next.Clone(), nil
}

func (s *MemoryStore) UpdateProgress(ctx context.Context, jobID, workerID string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.owned(jobID, workerID)
	if err != nil {
		return err
	}

	progress = clampProgress(progress)
	if progress > job.Progress {
		job.Progress = progress
	}
	now := s.now()
	lease := now.Add(s.policy.LeaseTimeout)
	job.UpdatedAt = now
	job.LeaseUntil = &lease

	return nil
}

func (s *MemoryStore) Complete(ctx context.Context, jobID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.owned(jobID, workerID)
	if err != nil {
		return err
	}

	now := s.now()
	job.State = domain.JobStateCompleted
	job.Progress = domain.ProgressFinalized
	job.FinishedAt = &now
	job.UpdatedAt = now
	job.WorkerID = ""
	job.LeaseUntil = nil

	return nil
}

func (s *MemoryStore) Fail(ctx context.Context, jobID, workerID, reason string, retryable bool) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.owned(jobID, workerID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	job.FailedReason = &reason
	job.WorkerID = ""
	job.UpdatedAt = now
	job.LeaseUntil = nil

	if retryable && job.AttemptsMade < job.MaxAttempts {
		job.State = domain.JobStateDelayed
		job.RunAt = now.Add(s.policy.Delay(job.AttemptsMade))
	} else {
		job.State = domain.JobStateFailed
		job.FinishedAt = &now
	}

	return job.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, domain.ErrStoreClosed
	}

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, state domain.JobState, limit int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, domain.ErrStoreClosed
	}

	var jobs []*domain.Job
	for _, job := range s.jobs {
		if job.State == state {
			jobs = append(jobs, job.Clone())
		}
	}

	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].UpdatedAt.Equal(jobs[j].UpdatedAt) {
			return jobs[i].UpdatedAt.After(jobs[j].UpdatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})

	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryStore) Counts(ctx context.Context) (map[domain.JobState]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, domain.ErrStoreClosed
	}

	counts := make(map[domain.JobState]int64, len(domain.AllJobStates))
	for _, st := range domain.AllJobStates {
		counts[st] = 0
	}
	for _, job := range s.jobs {
		counts[job.State]++
	}
	return counts, nil
}

func (s *MemoryStore) Retry(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, domain.ErrStoreClosed
	}

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.State != domain.JobStateFailed {
		return nil, fmt.Errorf("%w: job %s is %s", domain.ErrJobNotRetryable, jobID, job.State)
	}

	now := s.now()
	job.State = domain.JobStateWaiting
	job.MaxAttempts = job.AttemptsMade + 1
	job.Progress = 0
	job.RunAt = now
	job.FinishedAt = nil
	job.UpdatedAt = now

	return job.Clone(), nil
}

func (s *MemoryStore) Prune(ctx context.Context, keepCompleted, keepFailed int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, domain.ErrStoreClosed
	}

	var removed int64
	removed += s.pruneState(domain.JobStateCompleted, keepCompleted)
	removed += s.pruneState(domain.JobStateFailed, keepFailed)
	return removed, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// pruneState drops the oldest jobs of a state beyond keep; caller holds mu
func (s *MemoryStore) pruneState(state domain.JobState, keep int) int64 {
	if keep < 0 {
		keep = 0
	}

	var jobs []*domain.Job
	for _, job := range s.jobs {
		if job.State == state {
			jobs = append(jobs, job)
		}
	}
	if len(jobs) <= keep {
		return 0
	}

	sort.Slice(jobs, func(i, j int) bool {
		return finishedAt(jobs[i]).After(finishedAt(jobs[j]))
	})

	var removed int64
	for _, job := range jobs[keep:] {
		delete(s.jobs, job.ID)
		removed++
	}
	return removed
}

// expireExhausted fails every ACTIVE job whose lease ran out on its last
// allowed attempt; caller holds mu
func (s *MemoryStore) expireExhausted(now time.Time) {
	for _, job := range s.jobs {
		if !leaseExpired(job, now) || job.AttemptsMade < job.MaxAttempts {
			continue
		}
		reason := LeaseExpiredReason
		job.State = domain.JobStateFailed
		job.FailedReason = &reason
		job.WorkerID = ""
		job.LeaseUntil = nil
		job.FinishedAt = &now
		job.UpdatedAt = now
	}
}

// owned returns the live job if workerID holds its ACTIVE attempt; caller holds mu
func (s *MemoryStore) owned(jobID, workerID string) (*domain.Job, error) {
	if s.closed {
		return nil, domain.ErrStoreClosed
	}
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.State != domain.JobStateActive || job.WorkerID != workerID {
		return nil, domain.ErrJobNotOwned
	}
	return job, nil
}

func claimable(job *domain.Job, now time.Time) bool {
	switch job.State {
	case domain.JobStateWaiting:
		return true
	case domain.JobStateDelayed:
		return !job.RunAt.After(now)
	case domain.JobStateActive:
		return leaseExpired(job, now) && job.AttemptsMade < job.MaxAttempts
	default:
		return false
	}
}

func leaseExpired(job *domain.Job, now time.Time) bool {
	return job.State == domain.JobStateActive && job.LeaseUntil != nil && !job.LeaseUntil.After(now)
}

func claimsBefore(a, b *domain.Job) bool {
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func finishedAt(job *domain.Job) time.Time {
	if job.FinishedAt != nil {
		return *job.FinishedAt
	}
	return job.UpdatedAt
}
