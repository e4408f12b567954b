package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrNoJobAvailable is returned by Claim when nothing is ready to run
	ErrNoJobAvailable = errors.New("no job available")

	// ErrJobNotOwned is returned when a worker touches a job it does not hold
	ErrJobNotOwned = errors.New("job not active or owned by another worker")

	// ErrJobNotRetryable is returned when a manual retry targets a non-failed job
	ErrJobNotRetryable = errors.New("job is not in FAILED state")

	// ErrStoreClosed is returned by a job store after Close
	ErrStoreClosed = errors.New("job store closed")

	// ErrMessageNotFound is returned when the message record does not exist
	ErrMessageNotFound = errors.New("message not found")

	// ErrMissingAudio is returned when the message has no audio attached
	ErrMissingAudio = errors.New("message has no audio attached")

	// ErrAudioTooLarge is returned when the audio stream exceeds the read limit
	ErrAudioTooLarge = errors.New("audio exceeds size limit")

	// ErrObjectNotFound is returned by object storage for an unknown key
	ErrObjectNotFound = errors.New("object not found")
)

// InputError wraps failures caused by the job's input rather than by a
// collaborator. They are terminal: retrying cannot fix them.
type InputError struct {
	Err error
}

func (e *InputError) Error() string {
	return "input error: " + e.Err.Error()
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// NewInputError creates a new non-retryable input error
func NewInputError(err error) error {
	return &InputError{Err: err}
}

// IsInputError reports whether err (or anything it wraps) is an InputError
func IsInputError(err error) bool {
	var inputErr *InputError
	return errors.As(err, &inputErr)
}
