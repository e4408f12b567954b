package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/audio-pipeline/internal/jobstore"
	"github.com/cuongbtq/audio-pipeline/internal/messages"
	"github.com/cuongbtq/audio-pipeline/internal/objectstore"
	"github.com/cuongbtq/audio-pipeline/internal/provider"
	"github.com/google/uuid"
)

const (
	defaultConcurrency  = 5
	defaultPollInterval = time.Second
	defaultJobTimeout   = 10 * time.Minute
)

// PipelineConfig tunes the per-job pipeline
type PipelineConfig struct {
	Language          string
	Diarization       bool
	MaxAudioBytes     int64
	TranscribeTimeout time.Duration
	SentimentTimeout  time.Duration
}

// JanitorConfig tunes retention housekeeping; a zero Interval disables it
type JanitorConfig struct {
	Interval      time.Duration
	KeepCompleted int
	KeepFailed    int
}

// Config holds worker configuration
type Config struct {
	Logger       *slog.Logger
	WorkerID     string
	JobStore     jobstore.Store
	Messages     messages.Repository
	Storage      objectstore.Storage
	Transcriber  provider.Transcriber
	Sentiment    provider.SentimentAnalyzer
	Concurrency  int
	PollInterval time.Duration
	JobTimeout   time.Duration
	Pipeline     PipelineConfig
	Janitor      JanitorConfig

	// Wakeups is optional; without it workers rely on polling alone
	Wakeups       Consumer
	PrefetchCount int
}

// Worker is the processing worker pool
type Worker struct {
	logger        *slog.Logger
	workerID      string
	store         jobstore.Store
	messages      messages.Repository
	storage       objectstore.Storage
	transcriber   provider.Transcriber
	sentiment     provider.SentimentAnalyzer
	concurrency   int
	pollInterval  time.Duration
	jobTimeout    time.Duration
	pipeline      PipelineConfig
	janitor       JanitorConfig
	wakeups       Consumer
	prefetchCount int
	now           func() time.Time

	wake     chan struct{}
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewProcessingWorker creates a new worker pool
func NewProcessingWorker(cfg *Config) (*Worker, error) {
	switch {
	case cfg.Logger == nil:
		return nil, errors.New("worker: logger is required")
	case cfg.JobStore == nil:
		return nil, errors.New("worker: job store is required")
	case cfg.Messages == nil:
		return nil, errors.New("worker: message repository is required")
	case cfg.Storage == nil:
		return nil, errors.New("worker: object storage is required")
	case cfg.Transcriber == nil:
		return nil, errors.New("worker: transcriber is required")
	case cfg.Sentiment == nil:
		return nil, errors.New("worker: sentiment analyzer is required")
	}

	w := &Worker{
		logger:        cfg.Logger,
		workerID:      cfg.WorkerID,
		store:         cfg.JobStore,
		messages:      cfg.Messages,
		storage:       cfg.Storage,
		transcriber:   cfg.Transcriber,
		sentiment:     cfg.Sentiment,
		concurrency:   cfg.Concurrency,
		pollInterval:  cfg.PollInterval,
		jobTimeout:    cfg.JobTimeout,
		pipeline:      cfg.Pipeline,
		janitor:       cfg.Janitor,
		wakeups:       cfg.Wakeups,
		prefetchCount: cfg.PrefetchCount,
		now:           time.Now,
		stopChan:      make(chan struct{}),
	}

	if w.workerID == "" {
		w.workerID = fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	}
	if w.concurrency <= 0 {
		w.concurrency = defaultConcurrency
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.jobTimeout <= 0 {
		w.jobTimeout = defaultJobTimeout
	}
	if w.janitor.KeepCompleted <= 0 {
		w.janitor.KeepCompleted = jobstore.DefaultKeepCompleted
	}
	if w.janitor.KeepFailed <= 0 {
		w.janitor.KeepFailed = jobstore.DefaultKeepFailed
	}
	if w.prefetchCount <= 0 {
		w.prefetchCount = w.concurrency
	}
	w.wake = make(chan struct{}, w.concurrency)

	return w, nil
}

// ID returns the worker instance id
func (w *Worker) ID() string {
	return w.workerID
}

// Start runs the pool until ctx is canceled or Stop is called
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("poll_interval", w.pollInterval),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	if w.wakeups != nil {
		deliveries, err := w.setupConsumer()
		if err != nil {
			return fmt.Errorf("failed to setup consumer: %w", err)
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.startWakeupDispatcher(ctx, deliveries)
		}()
	}

	if w.janitor.Interval > 0 {
		w.wg.Add(1)
		go w.runJanitor(ctx)
	}

	w.spawnWorkerPool(ctx)

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
	case <-w.stopChan:
	}

	return nil
}

// Stop signals every goroutine to exit and waits for running jobs to finish
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// Poke wakes one idle worker goroutine without blocking
func (w *Worker) Poke() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}
