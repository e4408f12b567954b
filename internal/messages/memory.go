package messages

import (
	"context"
	"sync"

	"github.com/cuongbtq/audio-pipeline/internal/domain"
)

var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository keeps message records in process
type MemoryRepository struct {
	mu       sync.RWMutex
	messages map[string]*domain.Message
}

// NewMemoryRepository creates a repository seeded with msgs
func NewMemoryRepository(msgs ...*domain.Message) *MemoryRepository {
	r := &MemoryRepository{messages: make(map[string]*domain.Message)}
	for _, m := range msgs {
		r.Put(m)
	}
	return r
}

// Put stores a copy of m, replacing any record with the same id
func (r *MemoryRepository) Put(m *domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := copyMessage(m)
	r.messages[c.ID] = c
}

func (r *MemoryRepository) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.messages[id]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	return copyMessage(m), nil
}

func (r *MemoryRepository) UpdateMessage(ctx context.Context, id string, update domain.MessageUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok {
		return domain.ErrMessageNotFound
	}
	update.Apply(m)
	return nil
}

func copyMessage(m *domain.Message) *domain.Message {
	c := &domain.Message{
		ID:               m.ID,
		ProjectID:        m.ProjectID,
		ProcessingStatus: m.ProcessingStatus,
		RetryCount:       m.RetryCount,
	}
	if c.ProcessingStatus == "" {
		c.ProcessingStatus = domain.ProcessingStatusPending
	}
	// Apply deep-copies every pointer field it sets
	domain.MessageUpdate{
		ProcessingError:  m.ProcessingError,
		TranscriptTxt:    m.TranscriptTxt,
		Speaker:          m.Speaker,
		Duration:         m.Duration,
		Tone:             m.Tone,
		ProcessedAt:      m.ProcessedAt,
		ProviderJobID:    m.ProviderJobID,
		ProviderDuration: m.ProviderDuration,
	}.Apply(c)
	if m.AudioKey != nil {
		key := *m.AudioKey
		c.AudioKey = &key
	}
	return c
}
