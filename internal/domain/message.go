package domain

import "time"

// Message is the slice of the externally owned message record the pipeline
// reads and writes. Only the worker holding the message's job writes the
// processing fields.
type Message struct {
	ID               string
	ProjectID        string
	AudioKey         *string
	ProcessingStatus ProcessingStatus
	ProcessingError  *string
	RetryCount       int
	TranscriptTxt    *string
	Speaker          *string
	// Duration is the audio length in seconds
	Duration *float64
	Tone     *Tone
	// ProcessedAt is set when the pipeline completes
	ProcessedAt   *time.Time
	ProviderJobID *string
	// ProviderDuration is wall-clock seconds spent inside provider calls
	ProviderDuration *float64
}

// MessageUpdate is a partial update of a message's processing fields.
// A nil field is left untouched.
type MessageUpdate struct {
	ProcessingStatus *ProcessingStatus
	ProcessingError  *string
	ClearError       bool
	RetryCount       *int
	TranscriptTxt    *string
	Speaker          *string
	Duration         *float64
	Tone             *Tone
	ProcessedAt      *time.Time
	ProviderJobID    *string
	ProviderDuration *float64
}

// IsEmpty reports whether the update changes nothing
func (u MessageUpdate) IsEmpty() bool {
	return u.ProcessingStatus == nil &&
		u.ProcessingError == nil &&
		!u.ClearError &&
		u.RetryCount == nil &&
		u.TranscriptTxt == nil &&
		u.Speaker == nil &&
		u.Duration == nil &&
		u.Tone == nil &&
		u.ProcessedAt == nil &&
		u.ProviderJobID == nil &&
		u.ProviderDuration == nil
}

// Apply merges the update into m
func (u MessageUpdate) Apply(m *Message) {
	if u.ProcessingStatus != nil {
		m.ProcessingStatus = *u.ProcessingStatus
	}
	if u.ClearError {
		m.ProcessingError = nil
	}
	if u.ProcessingError != nil {
		v := *u.ProcessingError
		m.ProcessingError = &v
	}
	if u.RetryCount != nil {
		m.RetryCount = *u.RetryCount
	}
	if u.TranscriptTxt != nil {
		v := *u.TranscriptTxt
		m.TranscriptTxt = &v
	}
	if u.Speaker != nil {
		v := *u.Speaker
		m.Speaker = &v
	}
	if u.Duration != nil {
		v := *u.Duration
		m.Duration = &v
	}
	if u.Tone != nil {
		v := *u.Tone
		m.Tone = &v
	}
	if u.ProcessedAt != nil {
		v := *u.ProcessedAt
		m.ProcessedAt = &v
	}
	if u.ProviderJobID != nil {
		v := *u.ProviderJobID
		m.ProviderJobID = &v
	}
	if u.ProviderDuration != nil {
		v := *u.ProviderDuration
		m.ProviderDuration = &v
	}
}

// Ptr returns a pointer to v
func Ptr[T any](v T) *T {
	return &v
}
