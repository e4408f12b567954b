// Package messages reads and updates the processing fields of message records.
package messages

import (
	"context"

	"github.com/cuongbtq/audio-pipeline/internal/domain"
)

// Repository is the persistence collaborator used by the pipeline
type Repository interface {
	// GetMessage returns the record or domain.ErrMessageNotFound
	GetMessage(ctx context.Context, id string) (*domain.Message, error)

	// UpdateMessage applies a partial update to the record
	UpdateMessage(ctx context.Context, id string, update domain.MessageUpdate) error
}
