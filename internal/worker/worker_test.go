package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/audio-pipeline/internal/api/service"
	"github.com/cuongbtq/audio-pipeline/internal/domain"
	"github.com/cuongbtq/audio-pipeline/internal/jobstore"
	"github.com/cuongbtq/audio-pipeline/internal/messages"
	"github.com/cuongbtq/audio-pipeline/internal/provider"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errProviderDown = errors.New("503 provider unavailable")

// --- fakes ---

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *memStorage) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrObjectNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memStorage) Put(ctx context.Context, name string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[name] = data
	return name, nil
}

type fakeTranscriber struct {
	calls    atomic.Int32
	failures atomic.Int32 // remaining calls that fail; negative fails forever
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	release  chan struct{}
	opts     provider.TranscribeOptions
	mu       sync.Mutex
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte, opts provider.TranscribeOptions) (*provider.TranscriptionResult, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.opts = opts
	f.mu.Unlock()

	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if remaining := f.failures.Load(); remaining != 0 {
		if remaining > 0 {
			f.failures.Add(-1)
		}
		return nil, &provider.Error{Provider: "fake", Op: "transcribe", Err: errProviderDown}
	}

	return provider.BuildTranscriptionResult([]provider.Segment{{
		Transcript: "the delivery was great",
		Confidence: 0.9,
		Words: []provider.Word{
			{Text: "the", SpeakerTag: "1", EndOffset: 0.2},
			{Text: "delivery", SpeakerTag: "1", EndOffset: 0.8},
			{Text: "was", SpeakerTag: "2", EndOffset: 1.0},
			{Text: "great", SpeakerTag: "1", EndOffset: 1.6},
		},
	}}, "op-123")
}

type fakeSentiment struct {
	calls atomic.Int32
	score float64
}

func (f *fakeSentiment) AnalyzeSentiment(ctx context.Context, text string) (*provider.SentimentResult, error) {
	f.calls.Add(1)
	return &provider.SentimentResult{Score: f.score, Magnitude: 0.5, Tone: provider.ToneFromScore(f.score)}, nil
}

// recordingRepo records every update applied to a message
type recordingRepo struct {
	*messages.MemoryRepository
	mu      sync.Mutex
	updates []domain.MessageUpdate
}

func (r *recordingRepo) UpdateMessage(ctx context.Context, id string, update domain.MessageUpdate) error {
	r.mu.Lock()
	r.updates = append(r.updates, update)
	r.mu.Unlock()
	return r.MemoryRepository.UpdateMessage(ctx, id, update)
}

// progressStore records progress checkpoints and can inject failures
type progressStore struct {
	jobstore.Store
	mu          sync.Mutex
	progress    []int
	progressErr error
}

func (s *progressStore) UpdateProgress(ctx context.Context, jobID, workerID string, progress int) error {
	s.mu.Lock()
	s.progress = append(s.progress, progress)
	err := s.progressErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.UpdateProgress(ctx, jobID, workerID, progress)
}

type fakeAcker struct {
	acks  atomic.Int32
	nacks atomic.Int32
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.acks.Add(1)
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.nacks.Add(1)
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	a.nacks.Add(1)
	return nil
}

// --- harness ---

type harness struct {
	t           *testing.T
	now         time.Time
	clockMu     sync.Mutex
	store       *progressStore
	repo        *recordingRepo
	storage     *memStorage
	transcriber *fakeTranscriber
	sentiment   *fakeSentiment
	worker      *Worker
}

func newHarness(t *testing.T, concurrency int) *harness {
	t.Helper()
	h := &harness{
		t:           t,
		now:         time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		repo:        &recordingRepo{MemoryRepository: messages.NewMemoryRepository()},
		storage:     &memStorage{objects: map[string][]byte{}},
		transcriber: &fakeTranscriber{},
		sentiment:   &fakeSentiment{score: 0.6},
	}
	mem := jobstore.NewMemoryStore(jobstore.DefaultRetryPolicy(), jobstore.WithClock(h.clock))
	h.store = &progressStore{Store: mem}

	w, err := NewProcessingWorker(&Config{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		WorkerID:     "test-worker",
		JobStore:     h.store,
		Messages:     h.repo,
		Storage:      h.storage,
		Transcriber:  h.transcriber,
		Sentiment:    h.sentiment,
		Concurrency:  concurrency,
		PollInterval: 5 * time.Millisecond,
		JobTimeout:   5 * time.Second,
		Pipeline: PipelineConfig{
			Language:      "en-US",
			Diarization:   true,
			MaxAudioBytes: 1024,
		},
	})
	require.NoError(t, err)
	h.worker = w
	return h
}

func (h *harness) clock() time.Time {
	h.clockMu.Lock()
	defer h.clockMu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.clockMu.Lock()
	defer h.clockMu.Unlock()
	h.now = h.now.Add(d)
}

func (h *harness) addMessage(id string, withAudio bool) {
	msg := &domain.Message{ID: id, ProjectID: "proj-1"}
	if withAudio {
		key := "audio/" + id + ".wav"
		h.storage.objects[key] = []byte("RIFF-fake-audio")
		msg.AudioKey = &key
	}
	h.repo.Put(msg)
}

func (h *harness) submit(messageID string) string {
	jobID := domain.JobIDForMessage(messageID)
	_, _, err := h.store.Enqueue(context.Background(), jobID, domain.Payload{MessageID: messageID, ProjectID: "proj-1"})
	require.NoError(h.t, err)
	return jobID
}

func (h *harness) job(jobID string) *domain.Job {
	job, err := h.store.Get(context.Background(), jobID)
	require.NoError(h.t, err)
	return job
}

func (h *harness) message(id string) *domain.Message {
	msg, err := h.repo.GetMessage(context.Background(), id)
	require.NoError(h.t, err)
	return msg
}

func (h *harness) runOnce() bool {
	ran, err := h.worker.RunOnce(context.Background())
	require.NoError(h.t, err)
	return ran
}

// --- tests ---

func TestNewProcessingWorker_RequiresCollaborators(t *testing.T) {
	_, err := NewProcessingWorker(&Config{})
	assert.Error(t, err)

	h := newHarness(t, 0)
	assert.Equal(t, defaultConcurrency, h.worker.concurrency)
	assert.Equal(t, jobstore.DefaultKeepCompleted, h.worker.janitor.KeepCompleted)
}

func TestWorker_HappyPath(t *testing.T) {
	h := newHarness(t, 1)
	h.addMessage("m1", true)
	jobID := h.submit("m1")

	require.True(t, h.runOnce())

	msg := h.message("m1")
	assert.Equal(t, domain.ProcessingStatusCompleted, msg.ProcessingStatus)
	require.NotNil(t, msg.TranscriptTxt)
	assert.Equal(t, "the delivery was great", *msg.TranscriptTxt)
	require.NotNil(t, msg.Speaker)
	assert.Equal(t, "1", *msg.Speaker)
	require.NotNil(t, msg.Duration)
	assert.InDelta(t, 1.6, *msg.Duration, 1e-9)
	require.NotNil(t, msg.Tone)
	assert.Equal(t, domain.TonePositive, *msg.Tone)
	assert.NotNil(t, msg.ProcessedAt)
	require.NotNil(t, msg.ProviderJobID)
	assert.Equal(t, "op-123", *msg.ProviderJobID)
	require.NotNil(t, msg.ProviderDuration)
	assert.GreaterOrEqual(t, *msg.ProviderDuration, 0.0)
	assert.Nil(t, msg.ProcessingError)

	job := h.job(jobID)
	assert.Equal(t, domain.JobStateCompleted, job.State)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, 1, job.AttemptsMade)

	assert.Equal(t, "en-US", h.transcriber.opts.Language)
	assert.True(t, h.transcriber.opts.Diarization)

	assert.False(t, h.runOnce(), "queue should be empty")
}

func TestWorker_ProgressIsMonotonic(t *testing.T) {
	h := newHarness(t, 1)
	h.addMessage("m1", true)
	h.submit("m1")

	require.True(t, h.runOnce())

	assert.Equal(t, []int{10, 20, 30, 60, 80}, h.store.progress)
	for i := 1; i < len(h.store.progress); i++ {
		assert.GreaterOrEqual(t, h.store.progress[i], h.store.progress[i-1])
	}
}

func TestWorker_StepOrdering(t *testing.T) {
	h := newHarness(t, 1)
	h.addMessage("m1", true)
	h.submit("m1")

	require.True(t, h.runOnce())

	require.NotEmpty(t, h.repo.updates)
	first := h.repo.updates[0]
	require.NotNil(t, first.ProcessingStatus)
	assert.Equal(t, domain.ProcessingStatusProcessing, *first.ProcessingStatus)

	transcriptAt, toneAt := -1, -1
	for i, u := range h.repo.updates {
		if u.TranscriptTxt != nil && transcriptAt < 0 {
			transcriptAt = i
			assert.NotEmpty(t, *u.TranscriptTxt)
		}
		if u.Tone != nil && toneAt < 0 {
			toneAt = i
		}
	}
	require.GreaterOrEqual(t, transcriptAt, 0)
	require.GreaterOrEqual(t, toneAt, 0)
	assert.Less(t, transcriptAt, toneAt)
}

func TestWorker_MissingAudio(t *testing.T) {
	h := newHarness(t, 1)
	h.addMessage("m1", false)
	jobID := h.submit("m1")

	require.True(t, h.runOnce())

	job := h.job(jobID)
	assert.Equal(t, domain.JobStateFailed, job.State)
	assert.Equal(t, 1, job.AttemptsMade)

	msg := h.message("m1")
	assert.Equal(t, domain.ProcessingStatusFailed, msg.ProcessingStatus)
	require.NotNil(t, msg.ProcessingError)
	assert.Contains(t, *msg.ProcessingError, "no audio")
	assert.Equal(t, 1, msg.RetryCount)

	assert.Zero(t, h.transcriber.calls.Load())
	assert.Zero(t, h.sentiment.calls.Load())
}

func TestWorker_InputErrorsAreTerminal(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{
			name:  "message not found",
			setup: func(h *harness) {},
		},
		{
			name: "audio object missing",
			setup: func(h *harness) {
				h.repo.Put(&domain.Message{ID: "m1", AudioKey: domain.Ptr("audio/gone.wav")})
			},
		},
		{
			name: "audio too large",
			setup: func(h *harness) {
				h.storage.objects["audio/big.wav"] = make([]byte, 2048)
				h.repo.Put(&domain.Message{ID: "m1", AudioKey: domain.Ptr("audio/big.wav")})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 1)
			tt.setup(h)
			jobID := h.submit("m1")

			require.True(t, h.runOnce())

			job := h.job(jobID)
			assert.Equal(t, domain.JobStateFailed, job.State)
			require.NotNil(t, job.FailedReason)
			assert.Contains(t, *job.FailedReason, "input error")
			assert.Zero(t, h.transcriber.calls.Load())
		})
	}
}

func TestWorker_RetryCeiling(t *testing.T) {
	h := newHarness(t, 1)
	h.addMessage("m1", true)
	jobID := h.submit("m1")
	h.transcriber.failures.Store(-1)

	for attempt := 1; attempt <= 3; attempt++ {
		require.True(t, h.runOnce(), "attempt %d", attempt)

		job := h.job(jobID)
		if attempt < 3 {
			assert.Equal(t, domain.JobStateDelayed, job.State)
			// not runnable until the backoff elapses
			assert.False(t, h.runOnce())
			h.advance(time.Minute)
		} else {
			assert.Equal(t, domain.JobStateFailed, job.State)
		}
		assert.Equal(t, attempt, job.AttemptsMade)
	}

	h.advance(time.Hour)
	assert.False(t, h.runOnce(), "no automatic attempts after the ceiling")
	assert.Equal(t, int32(3), h.transcriber.calls.Load())
	assert.Zero(t, h.sentiment.calls.Load())

	msg := h.message("m1")
	assert.Equal(t, domain.ProcessingStatusFailed, msg.ProcessingStatus)
	assert.Equal(t, 3, msg.RetryCount)
	require.NotNil(t, msg.ProcessingError)
	assert.Contains(t, *msg.ProcessingError, "503 provider unavailable")
	assert.Nil(t, msg.Tone)
}

func TestWorker_ManualRetryAfterExhaustion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	h.addMessage("m1", true)
	jobID := h.submit("m1")
	h.transcriber.failures.Store(3)

	for i := 0; i < 3; i++ {
		require.True(t, h.runOnce())
		h.advance(time.Minute)
	}
	require.Equal(t, domain.JobStateFailed, h.job(jobID).State)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reporter := service.NewReporter(h.store, h.repo, service.NewGateway(h.store, nil, logger), logger)

	result, err := reporter.RetryJob(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, service.RetryOutcomeRetried, result.Outcome)
	assert.Equal(t, jobID, result.JobID)
	assert.Equal(t, domain.JobStateWaiting, h.job(jobID).State)
	assert.Equal(t, 4, h.job(jobID).MaxAttempts)

	require.True(t, h.runOnce())

	assert.Equal(t, domain.JobStateCompleted, h.job(jobID).State)
	msg := h.message("m1")
	assert.Equal(t, domain.ProcessingStatusCompleted, msg.ProcessingStatus)
	assert.Nil(t, msg.ProcessingError)
	assert.NotNil(t, msg.Tone)

	result, err = reporter.RetryJob(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, service.RetryOutcomeAlreadyCompleted, result.Outcome)
}

func TestWorker_PersistenceErrorIsRetryable(t *testing.T) {
	h := newHarness(t, 1)
	h.addMessage("m1", true)
	jobID := h.submit("m1")
	h.store.progressErr = errors.New("connection refused")

	require.True(t, h.runOnce())

	job := h.job(jobID)
	assert.Equal(t, domain.JobStateDelayed, job.State)
	assert.Equal(t, domain.ProcessingStatusFailed, h.message("m1").ProcessingStatus)
	assert.Zero(t, h.transcriber.calls.Load())
}

func TestWorker_ConcurrencyCap(t *testing.T) {
	const (
		concurrency = 3
		jobs        = 8
	)
	h := newHarness(t, concurrency)
	h.transcriber.release = make(chan struct{})

	var ids []string
	for i := 0; i < jobs; i++ {
		id := fmt.Sprintf("m%d", i)
		h.addMessage(id, true)
		ids = append(ids, h.submit(id))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.worker.Start(ctx) }()

	require.Eventually(t, func() bool {
		return h.transcriber.inFlight.Load() == concurrency
	}, 2*time.Second, 5*time.Millisecond)

	// extra ready jobs wait for a free slot
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(concurrency), h.transcriber.inFlight.Load())

	close(h.transcriber.release)

	require.Eventually(t, func() bool {
		counts, err := h.store.Counts(context.Background())
		return err == nil && counts[domain.JobStateCompleted] == jobs
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	h.worker.Stop()

	assert.LessOrEqual(t, h.transcriber.maxSeen.Load(), int32(concurrency))
	for _, id := range ids {
		assert.Equal(t, 1, h.job(id).AttemptsMade)
	}
}

func TestWorker_StopWaitsForRunningJob(t *testing.T) {
	h := newHarness(t, 1)
	h.transcriber.release = make(chan struct{})
	h.addMessage("m1", true)
	jobID := h.submit("m1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.worker.Start(ctx) }()

	require.Eventually(t, func() bool {
		return h.transcriber.inFlight.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// cancellation does not cut the running attempt short
	cancel()
	stopped := make(chan struct{})
	go func() {
		h.worker.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was running")
	case <-time.After(30 * time.Millisecond):
	}

	close(h.transcriber.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	assert.Equal(t, domain.JobStateCompleted, h.job(jobID).State)
}

func TestWorker_HandleDelivery(t *testing.T) {
	h := newHarness(t, 2)

	tests := []struct {
		name     string
		body     string
		wantAck  int32
		wantNack int32
		wantPoke bool
	}{
		{name: "valid", body: `{"job_id":"audio-42"}`, wantAck: 1, wantPoke: true},
		{name: "malformed", body: `{not json`, wantNack: 1},
		{name: "missing id", body: `{}`, wantNack: 1},
		{name: "foreign id", body: `{"job_id":"video-1"}`, wantNack: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for len(h.worker.wake) > 0 {
				<-h.worker.wake
			}
			acker := &fakeAcker{}
			h.worker.handleDelivery(amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: []byte(tt.body)})

			assert.Equal(t, tt.wantAck, acker.acks.Load())
			assert.Equal(t, tt.wantNack, acker.nacks.Load())
			assert.Equal(t, tt.wantPoke, len(h.worker.wake) == 1)
		})
	}
}

func TestWorker_PokeNeverBlocks(t *testing.T) {
	h := newHarness(t, 2)
	for i := 0; i < 10; i++ {
		h.worker.Poke()
	}
	assert.Equal(t, 2, len(h.worker.wake))
}

func TestWorker_Housekeep(t *testing.T) {
	h := newHarness(t, 1)
	h.worker.janitor.KeepCompleted = 1

	for _, id := range []string{"a", "b", "c"} {
		h.addMessage(id, true)
		h.submit(id)
		require.True(t, h.runOnce())
		h.advance(time.Second)
	}

	h.worker.housekeep(context.Background())

	counts, err := h.store.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[domain.JobStateCompleted])
}
