package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/audio-pipeline/internal/api/dto"
	"github.com/cuongbtq/audio-pipeline/internal/api/service"
	"github.com/cuongbtq/audio-pipeline/internal/domain"
	"github.com/gin-gonic/gin"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// SubmitJob handles POST /api/v1/audio/jobs
// Enqueues a message for transcription and sentiment analysis
func (h *AudioJobHandler) SubmitJob(c *gin.Context) {
	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	result, err := h.gateway.Submit(c.Request.Context(), req.MessageID, req.ProjectID)
	if err != nil {
		if errors.Is(err, service.ErrInvalidSubmission) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
		h.logger.Error("Failed to submit job",
			slog.String("message_id", req.MessageID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to submit job",
		})
		return
	}

	c.JSON(http.StatusAccepted, dto.SubmitJobResponse{
		JobID:   result.JobID,
		Created: result.Created,
	})
}

// GetJob handles GET /api/v1/audio/jobs/:job_id
func (h *AudioJobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id is required",
		})
		return
	}

	status, err := h.reporter.GetJobStatus(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, dto.FromJobStatus(status))
}

// ListJobs handles GET /api/v1/audio/jobs?state=FAILED&limit=20
func (h *AudioJobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	state := domain.JobState(req.State)
	if !state.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unknown job state",
		})
		return
	}

	if req.Limit <= 0 {
		req.Limit = defaultListLimit
	}
	if req.Limit > maxListLimit {
		req.Limit = maxListLimit
	}

	jobs, err := h.reporter.ListJobs(c.Request.Context(), state, req.Limit)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobStatusDTO, len(jobs))}
	for i, job := range jobs {
		resp.Jobs[i] = dto.FromJobStatus(job)
	}
	c.JSON(http.StatusOK, resp)
}

// GetQueueMetrics handles GET /api/v1/audio/metrics/queue
func (h *AudioJobHandler) GetQueueMetrics(c *gin.Context) {
	m, err := h.reporter.GetQueueMetrics(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get queue metrics", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get queue metrics",
		})
		return
	}

	c.JSON(http.StatusOK, dto.FromQueueMetrics(m))
}

// RetryJob handles POST /api/v1/audio/retry
// Re-arms the failed job of a message for one more attempt
func (h *AudioJobHandler) RetryJob(c *gin.Context) {
	var req dto.RetryJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	result, err := h.reporter.RetryJob(c.Request.Context(), req.MessageID)
	if err != nil {
		if errors.Is(err, service.ErrInvalidSubmission) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
		h.logger.Error("Failed to retry job",
			slog.String("message_id", req.MessageID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retry job",
		})
		return
	}

	status := http.StatusOK
	if result.Outcome == service.RetryOutcomeNotFound {
		status = http.StatusNotFound
	}

	c.JSON(status, dto.RetryJobResponse{
		Outcome: string(result.Outcome),
		JobID:   result.JobID,
		Message: result.Message,
	})
}
