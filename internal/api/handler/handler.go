package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/audio-pipeline/internal/api/service"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger   *slog.Logger
	Gateway  *service.Gateway
	Reporter *service.Reporter

	// HealthCheck is optional; when set it gates /health
	HealthCheck func(ctx context.Context) error
}

// AudioJobHandler handles audio job HTTP requests
type AudioJobHandler struct {
	logger   *slog.Logger
	gateway  *service.Gateway
	reporter *service.Reporter
}

// NewAudioJobHandler creates a new AudioJobHandler instance
func NewAudioJobHandler(deps *Dependencies) *AudioJobHandler {
	return &AudioJobHandler{
		logger:   deps.Logger,
		gateway:  deps.Gateway,
		reporter: deps.Reporter,
	}
}
