package jobstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/audio-pipeline/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeHarness is a Store under test plus a way to move its clock forward
type storeHarness struct {
	store   Store
	advance func(t *testing.T, d time.Duration)
}

func payload(id string) domain.Payload {
	return domain.Payload{MessageID: id, ProjectID: "p1"}
}

// claimAndFail runs one retryable failed attempt of jobID and returns the
// backoff the store scheduled
func claimAndFail(t *testing.T, h *storeHarness, jobID string) (*domain.Job, time.Duration) {
	t.Helper()
	ctx := context.Background()

	_, err := h.store.Claim(ctx, "w1")
	require.NoError(t, err)
	job, err := h.store.Fail(ctx, jobID, "w1", "provider down", true)
	require.NoError(t, err)
	return job, job.RunAt.Sub(job.UpdatedAt)
}

// runStoreContract checks the behavior every Store backend must share.
// Each case gets a fresh, empty store from open.
func runStoreContract(t *testing.T, open func(t *testing.T) *storeHarness) {
	ctx := context.Background()
	lease := DefaultRetryPolicy().LeaseTimeout

	tests := []struct {
		name string
		run  func(t *testing.T, h *storeHarness)
	}{
		{
			name: "enqueue dedupes live jobs",
			run: func(t *testing.T, h *storeHarness) {
				s := h.store

				job, created, err := s.Enqueue(ctx, "audio-1", payload("1"))
				require.NoError(t, err)
				assert.True(t, created)
				assert.Equal(t, domain.JobStateWaiting, job.State)
				assert.Equal(t, 3, job.MaxAttempts)
				assert.Equal(t, "p1", job.Payload.ProjectID)

				again, created, err := s.Enqueue(ctx, "audio-1", payload("1"))
				require.NoError(t, err)
				assert.False(t, created)
				assert.Equal(t, job.ID, again.ID)

				_, err = s.Claim(ctx, "w1")
				require.NoError(t, err)
				_, created, err = s.Enqueue(ctx, "audio-1", payload("1"))
				require.NoError(t, err)
				assert.False(t, created, "ACTIVE is live")

				_, err = s.Fail(ctx, "audio-1", "w1", "quota", true)
				require.NoError(t, err)
				_, created, err = s.Enqueue(ctx, "audio-1", payload("1"))
				require.NoError(t, err)
				assert.False(t, created, "DELAYED is live")

				counts, err := s.Counts(ctx)
				require.NoError(t, err)
				assert.Equal(t, int64(1), counts[domain.JobStateDelayed])

				_, _, err = s.Enqueue(ctx, "", payload("1"))
				assert.Error(t, err)
			},
		},
		{
			name: "enqueue replaces a terminal job",
			run: func(t *testing.T, h *storeHarness) {
				s := h.store

				_, _, err := s.Enqueue(ctx, "audio-1", payload("1"))
				require.NoError(t, err)
				_, err = s.Claim(ctx, "w1")
				require.NoError(t, err)
				require.NoError(t, s.Complete(ctx, "audio-1", "w1"))

				job, created, err := s.Enqueue(ctx, "audio-1", domain.Payload{MessageID: "1", ProjectID: "p2"})
				require.NoError(t, err)
				assert.True(t, created)
				assert.Equal(t, domain.JobStateWaiting, job.State)
				assert.Equal(t, 0, job.AttemptsMade)
				assert.Equal(t, 0, job.Progress)
				assert.Equal(t, "p2", job.Payload.ProjectID)
				assert.Nil(t, job.FinishedAt)
				assert.Nil(t, job.LeaseUntil)
			},
		},
		{
			name: "claim takes the oldest job first",
			run: func(t *testing.T, h *storeHarness) {
				s := h.store

				for _, id := range []string{"a", "b", "c"} {
					_, _, err := s.Enqueue(ctx, "audio-"+id, payload(id))
					require.NoError(t, err)
					h.advance(t, time.Second)
				}

				for _, want := range []string{"audio-a", "audio-b", "audio-c"} {
					job, err := s.Claim(ctx, "w1")
					require.NoError(t, err)
					assert.Equal(t, want, job.ID)
					assert.Equal(t, domain.JobStateActive, job.State)
					assert.Equal(t, 1, job.AttemptsMade)
					assert.Equal(t, "w1", job.WorkerID)
					assert.NotNil(t, job.ProcessedAt)
					require.NotNil(t, job.LeaseUntil)
					assert.Equal(t, lease, job.LeaseUntil.Sub(*job.ProcessedAt))
				}

				_, err := s.Claim(ctx, "w1")
				assert.ErrorIs(t, err, domain.ErrNoJobAvailable)
			},
		},
		{
			name: "concurrent claims are exclusive",
			run: func(t *testing.T, h *storeHarness) {
				s := h.store

				const jobs = 50
				for i := 0; i < jobs; i++ {
					id := fmt.Sprintf("%d", i)
					_, _, err := s.Enqueue(ctx, domain.JobIDForMessage(id), payload(id))
					require.NoError(t, err)
				}

				var (
					mu      sync.Mutex
					claimed = make(map[string]int)
					wg      sync.WaitGroup
				)
				for w := 0; w < 10; w++ {
					wg.Add(1)
					go func(worker string) {
						defer wg.Done()
						for {
							job, err := s.Claim(ctx, worker)
							if err != nil {
								return
							}
							mu.Lock()
							claimed[job.ID]++
							mu.Unlock()
						}
					}(fmt.Sprintf("w%d", w))
				}
				wg.Wait()

				assert.Len(t, claimed, jobs)
				for id, n := range claimed {
					assert.Equal(t, 1, n, "job %s claimed more than once", id)
				}
			},
		},
		{
			name: "only the owner reports on an attempt",
			run: func(t *testing.T, h *storeHarness) {
				s := h.store

				_, _, err := s.Enqueue(ctx, "audio-1", payload("1"))
				require.NoError(t, err)

				assert.ErrorIs(t, s.UpdateProgress(ctx, "audio-1", "w1", 10), domain.ErrJobNotOwned)

				_, err = s.Claim(ctx, "w1")
				require.NoError(t, err)

				require.NoError(t, s.UpdateProgress(ctx, "audio-1", "w1", 30))
				require.NoError(t, s.UpdateProgress(ctx, "audio-1", "w1", 20))

				job, err := s.Get(ctx, "audio-1")
				require.NoError(t, err)
				assert.Equal(t, 30, job.Progress, "progress never goes back")

				require.NoError(t, s.UpdateProgress(ctx, "audio-1", "w1", 250))
				job, err = s.Get(ctx, "audio-1")
				require.NoError(t, err)
				assert.Equal(t, 100, job.Progress)

				assert.ErrorIs(t, s.UpdateProgress(ctx, "audio-1", "w2", 50), domain.ErrJobNotOwned)
				assert.ErrorIs(t, s.Complete(ctx, "audio-1", "w2"), domain.ErrJobNotOwned)
				_, err = s.Fail(ctx, "audio-1", "w2", "x", true)
				assert.ErrorIs(t, err, domain.ErrJobNotOwned)

				assert.ErrorIs(t, s.UpdateProgress(ctx, "audio-missing", "w1", 50), domain.ErrJobNotFound)
				assert.ErrorIs(t, s.Complete(ctx, "audio-missing", "w1"), domain.ErrJobNotFound)
				_, err = s.Get(ctx, "audio-missing")
				assert.ErrorIs(t, err, domain.ErrJobNotFound)
			},
		},
		{
			name: "complete finalizes the job",
			run: func(t *testing.T, h *storeHarness) {
				s := h.store

				_, _, err := s.Enqueue(ctx, "audio-1", payload("1"))
				require.NoError(t, err)
				_, err = s.Claim(ctx, "w1")
				require.NoError(t, err)
				require.NoError(t, s.Complete(ctx, "audio-1", "w1"))

				job, err := s.Get(ctx, "audio-1")
				require.NoError(t, err)
				assert.Equal(t, domain.JobStateCompleted, job.State)
				assert.Equal(t, domain.ProgressFinalized, job.Progress)
				assert.Empty(t, job.WorkerID)
				assert.Nil(t, job.LeaseUntil)
				assert.NotNil(t, job.FinishedAt)
			},
		},
		{
			name: "backoff grows until the attempt ceiling",
			run: func(t *testing.T, h *storeHarness) {
				s := h.store

				_, _, err := s.Enqueue(ctx, "audio-1", payload("1"))
				require.NoError(t, err)

				var delays []time.Duration
				for attempt := 1; attempt <= 2; attempt++ {
					failed, delay := claimAndFail(t, h, "audio-1")
					assert.Equal(t, attempt, failed.AttemptsMade)
					assert.Equal(t, domain.JobStateDelayed, failed.State)
					require.NotNil(t, failed.FailedReason)
					assert.Equal(t, "provider down", *failed.FailedReason)
					assert.Nil(t, failed.FinishedAt)
					delays = append(delays, delay)

					// not claimable before the backoff elapses
					_, err = s.Claim(ctx, "w1")
					assert.ErrorIs(t, err, domain.ErrNoJobAvailable)
					h.advance(t, delay)
				}

				assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, delays)

				_, err = s.Claim(ctx, "w1")
				require.NoError(t, err)
				failed, err := s.Fail(ctx, "audio-1", "w1", "provider down", true)
				require.NoError(t, err)
				assert.Equal(t, domain.JobStateFailed, failed.State)
				assert.Equal(t, 3, failed.AttemptsMade)
				assert.NotNil(t, failed.FinishedAt)

				h.advance(t, time.Hour)
				_, err = s.Claim(ctx, "w1")
				assert.ErrorIs(t, err, domain.ErrNoJobAvailable)
			},
		},
		{
			name: "non-retryable failure is terminal",
			run: func(t *testing.T, h *storeHarness) {
				s := h.store

				_, _, err := s.Enqueue(ctx, "audio-1", payload("1"))
				require.NoError(t, err)
				_, err = s.Claim(ctx, "w1")
				require.NoError(t, err)

				job, err := s.Fail(ctx, "audio-1", "w1", "missing audio", false)
				require.NoError(t, err)
				assert.Equal(t, domain.JobStateFailed, job.State)
				assert.Equal(t, 1, job.AttemptsMade)
				assert.Nil(t, job.LeaseUntil)
			},
		},
		{
			name: "retry grants exactly one more attempt",
			run: func(t *testing.T, h *storeHarness) {
				s := h.store

				_, _, err := s.Enqueue(ctx, "audio-1", payload("1"))
				require.NoError(t, err)

				_, err = s.Retry(ctx, "audio-1")
				assert.ErrorIs(t, err, domain.ErrJobNotRetryable)

				_, err = s.Retry(ctx, "audio-404")
				assert.ErrorIs(t, err, domain.ErrJobNotFound)

				_, err = s.Claim(ctx, "w1")
				require.NoError(t, err)
				_, err = s.Fail(ctx, "audio-1", "w1", "bad", false)
				require.NoError(t, err)

				job, err := s.Retry(ctx, "audio-1")
				require.NoError(t, err)
				assert.Equal(t, domain.JobStateWaiting, job.State)
				assert.Equal(t, 2, job.MaxAttempts)
				assert.Equal(t, 0, job.Progress)
				assert.Nil(t, job.FinishedAt)

				_, err = s.Claim(ctx, "w1")
				require.NoError(t, err)
				job, err = s.Fail(ctx, "audio-1", "w1", "still bad", true)
				require.NoError(t, err)
				assert.Equal(t, domain.JobStateFailed, job.State)
				assert.Equal(t, 2, job.AttemptsMade)
			},
		},
		{
			name: "list and counts",
			run: func(t *testing.T, h *storeHarness) {
				s := h.store

				for _, id := range []string{"1", "2", "3"} {
					_, _, err := s.Enqueue(ctx, domain.JobIDForMessage(id), payload(id))
					require.NoError(t, err)
					h.advance(t, time.Second)
				}
				_, err := s.Claim(ctx, "w1")
				require.NoError(t, err)

				counts, err := s.Counts(ctx)
				require.NoError(t, err)
				assert.Equal(t, int64(2), counts[domain.JobStateWaiting])
				assert.Equal(t, int64(1), counts[domain.JobStateActive])
				assert.Equal(t, int64(0), counts[domain.JobStateFailed])
				assert.Len(t, counts, len(domain.AllJobStates))

				waiting, err := s.List(ctx, domain.JobStateWaiting, 10)
				require.NoError(t, err)
				require.Len(t, waiting, 2)
				assert.Equal(t, "audio-3", waiting[0].ID)

				limited, err := s.List(ctx, domain.JobStateWaiting, 1)
				require.NoError(t, err)
				assert.Len(t, limited, 1)
			},
		},
		{
			name: "prune keeps the newest terminal jobs",
			run: func(t *testing.T, h *storeHarness) {
				s := h.store

				for i := 0; i < 5; i++ {
					id := fmt.Sprintf("%d", i)
					jobID := domain.JobIDForMessage(id)
					_, _, err := s.Enqueue(ctx, jobID, payload(id))
					require.NoError(t, err)
					_, err = s.Claim(ctx, "w1")
					require.NoError(t, err)
					if i%2 == 0 {
						require.NoError(t, s.Complete(ctx, jobID, "w1"))
					} else {
						_, err = s.Fail(ctx, jobID, "w1", "x", false)
						require.NoError(t, err)
					}
					h.advance(t, time.Second)
				}
				_, _, err := s.Enqueue(ctx, "audio-live", payload("live"))
				require.NoError(t, err)

				removed, err := s.Prune(ctx, 1, 1)
				require.NoError(t, err)
				assert.Equal(t, int64(3), removed)

				for _, kept := range []string{"audio-4", "audio-3", "audio-live"} {
					_, err = s.Get(ctx, kept)
					assert.NoError(t, err, kept)
				}
				for _, gone := range []string{"audio-0", "audio-1", "audio-2"} {
					_, err = s.Get(ctx, gone)
					assert.ErrorIs(t, err, domain.ErrJobNotFound, gone)
				}
			},
		},
		{
			name: "abandoned attempt is reclaimed after its lease",
			run: func(t *testing.T, h *storeHarness) {
				s := h.store

				_, _, err := s.Enqueue(ctx, "audio-m1", payload("m1"))
				require.NoError(t, err)
				_, err = s.Claim(ctx, "crashed-worker")
				require.NoError(t, err)

				// still held while the lease runs
				h.advance(t, lease-time.Minute)
				_, err = s.Claim(ctx, "w2")
				assert.ErrorIs(t, err, domain.ErrNoJobAvailable)

				h.advance(t, 30*24*time.Hour)
				job, err := s.Claim(ctx, "w2")
				require.NoError(t, err)
				assert.Equal(t, "audio-m1", job.ID)
				assert.Equal(t, "w2", job.WorkerID)
				assert.Equal(t, 2, job.AttemptsMade, "the abandoned attempt counts")

				assert.ErrorIs(t, s.Complete(ctx, "audio-m1", "crashed-worker"), domain.ErrJobNotOwned)
				require.NoError(t, s.Complete(ctx, "audio-m1", "w2"))

				job, err = s.Get(ctx, "audio-m1")
				require.NoError(t, err)
				assert.Equal(t, domain.JobStateCompleted, job.State)
			},
		},
		{
			name: "progress extends the lease",
			run: func(t *testing.T, h *storeHarness) {
				s := h.store

				_, _, err := s.Enqueue(ctx, "audio-1", payload("1"))
				require.NoError(t, err)
				_, err = s.Claim(ctx, "w1")
				require.NoError(t, err)

				h.advance(t, lease-time.Minute)
				require.NoError(t, s.UpdateProgress(ctx, "audio-1", "w1", 30))

				h.advance(t, lease-time.Minute)
				_, err = s.Claim(ctx, "w2")
				assert.ErrorIs(t, err, domain.ErrNoJobAvailable)

				h.advance(t, 2*time.Minute)
				job, err := s.Claim(ctx, "w2")
				require.NoError(t, err)
				assert.Equal(t, "audio-1", job.ID)
				assert.Equal(t, 0, job.Progress)
			},
		},
		{
			name: "abandoned last attempt fails the job",
			run: func(t *testing.T, h *storeHarness) {
				s := h.store

				_, _, err := s.Enqueue(ctx, "audio-1", payload("1"))
				require.NoError(t, err)
				for i := 0; i < 2; i++ {
					_, delay := claimAndFail(t, h, "audio-1")
					h.advance(t, delay)
				}
				_, err = s.Claim(ctx, "w1")
				require.NoError(t, err)

				h.advance(t, lease+time.Second)
				_, err = s.Claim(ctx, "w2")
				assert.ErrorIs(t, err, domain.ErrNoJobAvailable)

				job, err := s.Get(ctx, "audio-1")
				require.NoError(t, err)
				assert.Equal(t, domain.JobStateFailed, job.State)
				assert.Equal(t, 3, job.AttemptsMade)
				assert.Empty(t, job.WorkerID)
				assert.NotNil(t, job.FinishedAt)
				require.NotNil(t, job.FailedReason)
				assert.Equal(t, LeaseExpiredReason, *job.FailedReason)

				// a terminal job is recoverable again
				job, err = s.Retry(ctx, "audio-1")
				require.NoError(t, err)
				assert.Equal(t, domain.JobStateWaiting, job.State)
				assert.Equal(t, 4, job.MaxAttempts)
			},
		},
		{
			name: "closed store rejects calls",
			run: func(t *testing.T, h *storeHarness) {
				s := h.store
				require.NoError(t, s.Close())

				_, _, err := s.Enqueue(ctx, "audio-1", payload("1"))
				assert.ErrorIs(t, err, domain.ErrStoreClosed)
				_, err = s.Claim(ctx, "w1")
				assert.ErrorIs(t, err, domain.ErrStoreClosed)
				_, err = s.Counts(ctx)
				assert.ErrorIs(t, err, domain.ErrStoreClosed)
				_, err = s.Get(ctx, "audio-1")
				assert.ErrorIs(t, err, domain.ErrStoreClosed)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.run(t, open(t))
		})
	}
}
