package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/audio-pipeline/internal/domain"
	"github.com/cuongbtq/audio-pipeline/internal/metrics"
	"github.com/cuongbtq/audio-pipeline/internal/objectstore"
	"github.com/cuongbtq/audio-pipeline/internal/provider"
)

// failureRecordTimeout bounds the writes that record a failed attempt
const failureRecordTimeout = 30 * time.Second

// attempt carries the state of one job attempt through the pipeline steps
type attempt struct {
	job          *domain.Job
	logger       *slog.Logger
	providerTime time.Duration
}

// processJob runs one claimed attempt to success or recorded failure.
// The attempt is detached from pool cancellation and bounded by jobTimeout.
func (w *Worker) processJob(ctx context.Context, job *domain.Job) {
	started := w.now()

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.jobTimeout)
	defer cancel()

	a := &attempt{
		job: job,
		logger: w.logger.With(
			slog.String("job_id", job.ID),
			slog.String("message_id", job.Payload.MessageID),
			slog.String("worker_id", job.WorkerID),
			slog.Int("attempt", job.AttemptsMade),
		),
	}

	a.logger.Info("Processing job")

	err := w.runPipeline(jobCtx, a)
	if err == nil {
		metrics.ObserveJobAttempt("completed", w.now().Sub(started))
		a.logger.Info("Job completed successfully",
			slog.Duration("provider_time", a.providerTime),
		)
		return
	}

	outcome := w.recordFailure(ctx, a, err)
	metrics.ObserveJobAttempt(outcome, w.now().Sub(started))
}

// runPipeline executes the steps in order, committing each checkpoint
// before the next step starts
func (w *Worker) runPipeline(ctx context.Context, a *attempt) error {
	messageID := a.job.Payload.MessageID

	// Step 1: mark processing
	err := w.messages.UpdateMessage(ctx, messageID, domain.MessageUpdate{
		ProcessingStatus: domain.Ptr(domain.ProcessingStatusProcessing),
		ClearError:       true,
	})
	if err != nil {
		return messageError("failed to mark message processing", err)
	}
	if err := w.checkpoint(ctx, a, domain.ProgressMarkedProcessing); err != nil {
		return err
	}

	// Step 2: fetch inputs
	msg, err := w.messages.GetMessage(ctx, messageID)
	if err != nil {
		return messageError("failed to load message", err)
	}
	if msg.AudioKey == nil || *msg.AudioKey == "" {
		return domain.NewInputError(domain.ErrMissingAudio)
	}
	if err := w.checkpoint(ctx, a, domain.ProgressInputsLoaded); err != nil {
		return err
	}

	// Step 3: transcribe
	audio, err := w.loadAudio(ctx, *msg.AudioKey)
	if err != nil {
		return err
	}
	if err := w.checkpoint(ctx, a, domain.ProgressTranscribing); err != nil {
		return err
	}

	transcript, err := w.transcribe(ctx, a, audio)
	if err != nil {
		return err
	}

	err = w.messages.UpdateMessage(ctx, messageID, domain.MessageUpdate{
		TranscriptTxt: domain.Ptr(transcript.Text),
		Speaker:       domain.Ptr(transcript.PrimarySpeaker),
		Duration:      domain.Ptr(transcript.Duration),
	})
	if err != nil {
		return fmt.Errorf("failed to save transcript: %w", err)
	}
	if err := w.checkpoint(ctx, a, domain.ProgressTranscribed); err != nil {
		return err
	}

	// Step 4: sentiment
	sentiment, err := w.analyzeSentiment(ctx, a, transcript.Text)
	if err != nil {
		return err
	}
	if err := w.checkpoint(ctx, a, domain.ProgressSentiment); err != nil {
		return err
	}

	// Step 5: finalize
	processedAt := w.now()
	err = w.messages.UpdateMessage(ctx, messageID, domain.MessageUpdate{
		ProcessingStatus: domain.Ptr(domain.ProcessingStatusCompleted),
		Tone:             domain.Ptr(sentiment.Tone),
		ProcessedAt:      &processedAt,
		ProviderJobID:    domain.Ptr(transcript.ProviderJobID),
		ProviderDuration: domain.Ptr(a.providerTime.Seconds()),
	})
	if err != nil {
		return fmt.Errorf("failed to finalize message: %w", err)
	}

	if err := w.store.Complete(ctx, a.job.ID, a.job.WorkerID); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	return nil
}

func (w *Worker) checkpoint(ctx context.Context, a *attempt, progress int) error {
	if err := w.store.UpdateProgress(ctx, a.job.ID, a.job.WorkerID, progress); err != nil {
		return fmt.Errorf("failed to update progress to %d: %w", progress, err)
	}
	a.logger.Debug("Job progress updated", slog.Int("progress", progress))
	return nil
}

// loadAudio reads the audio object with the configured size cap
func (w *Worker) loadAudio(ctx context.Context, key string) ([]byte, error) {
	stream, err := w.storage.GetStream(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrObjectNotFound) {
			return nil, domain.NewInputError(err)
		}
		return nil, fmt.Errorf("failed to open audio: %w", err)
	}
	defer stream.Close()

	audio, err := objectstore.ReadAll(stream, w.pipeline.MaxAudioBytes)
	if err != nil {
		if errors.Is(err, domain.ErrAudioTooLarge) {
			return nil, domain.NewInputError(err)
		}
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}
	return audio, nil
}

func (w *Worker) transcribe(ctx context.Context, a *attempt, audio []byte) (*provider.TranscriptionResult, error) {
	callCtx, cancel := withOptionalTimeout(ctx, w.pipeline.TranscribeTimeout)
	defer cancel()

	start := w.now()
	result, err := w.transcriber.Transcribe(callCtx, audio, provider.TranscribeOptions{
		Language:    w.pipeline.Language,
		Diarization: w.pipeline.Diarization,
	})
	elapsed := w.now().Sub(start)
	a.providerTime += elapsed
	metrics.ObserveProviderCall("transcribe", elapsed, err == nil)

	if err != nil {
		return nil, fmt.Errorf("transcription failed: %w", err)
	}

	a.logger.Info("Audio transcribed",
		slog.String("speaker", result.PrimarySpeaker),
		slog.Int("speakers", len(result.Speakers)),
		slog.Float64("duration", result.Duration),
		slog.Duration("elapsed", elapsed),
	)
	return result, nil
}

func (w *Worker) analyzeSentiment(ctx context.Context, a *attempt, text string) (*provider.SentimentResult, error) {
	callCtx, cancel := withOptionalTimeout(ctx, w.pipeline.SentimentTimeout)
	defer cancel()

	start := w.now()
	result, err := w.sentiment.AnalyzeSentiment(callCtx, text)
	elapsed := w.now().Sub(start)
	a.providerTime += elapsed
	metrics.ObserveProviderCall("sentiment", elapsed, err == nil)

	if err != nil {
		return nil, fmt.Errorf("sentiment analysis failed: %w", err)
	}

	a.logger.Info("Sentiment analyzed",
		slog.Float64("score", result.Score),
		slog.String("tone", string(result.Tone)),
		slog.Duration("elapsed", elapsed),
	)
	return result, nil
}

// recordFailure marks the message FAILED and hands the failure to the job
// store, which decides between backoff and terminal failure. Returns the
// attempt outcome label.
func (w *Worker) recordFailure(ctx context.Context, a *attempt, cause error) string {
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureRecordTimeout)
	defer cancel()

	retryable := !domain.IsInputError(cause)
	reason := cause.Error()

	a.logger.Error("Job execution failed",
		slog.String("error", reason),
		slog.Bool("retryable", retryable),
	)

	err := w.messages.UpdateMessage(recordCtx, a.job.Payload.MessageID, domain.MessageUpdate{
		ProcessingStatus: domain.Ptr(domain.ProcessingStatusFailed),
		ProcessingError:  domain.Ptr(reason),
		RetryCount:       domain.Ptr(a.job.AttemptsMade),
	})
	if err != nil && !errors.Is(err, domain.ErrMessageNotFound) {
		a.logger.Error("Failed to record failure on message",
			slog.String("error", err.Error()),
		)
	}

	job, err := w.store.Fail(recordCtx, a.job.ID, a.job.WorkerID, reason, retryable)
	if err != nil {
		a.logger.Error("Failed to record failure on job",
			slog.String("error", err.Error()),
		)
		return "failed"
	}

	if job.State == domain.JobStateDelayed {
		a.logger.Info("Job will be retried",
			slog.Int("attempts_made", job.AttemptsMade),
			slog.Int("max_attempts", job.MaxAttempts),
			slog.Time("run_at", job.RunAt),
		)
		return "retrying"
	}

	a.logger.Warn("Job failed terminally",
		slog.Int("attempts_made", job.AttemptsMade),
		slog.Int("max_attempts", job.MaxAttempts),
	)
	return "failed"
}

// messageError classifies a message repository failure
func messageError(op string, err error) error {
	if errors.Is(err, domain.ErrMessageNotFound) {
		return domain.NewInputError(err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
