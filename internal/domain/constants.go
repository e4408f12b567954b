package domain

// JobState is the queue-internal lifecycle state of a Job
type JobState string

// Job state constants
const (
	JobStateWaiting   JobState = "WAITING"
	JobStateActive    JobState = "ACTIVE"
	JobStateCompleted JobState = "COMPLETED"
	JobStateFailed    JobState = "FAILED"
	JobStateDelayed   JobState = "DELAYED"
)

// AllJobStates lists every state in reporting order
var AllJobStates = []JobState{
	JobStateWaiting,
	JobStateActive,
	JobStateCompleted,
	JobStateFailed,
	JobStateDelayed,
}

// IsTerminal reports whether no further automatic transition will happen
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// IsLive reports whether the job still occupies its message's single live slot
func (s JobState) IsLive() bool {
	return s == JobStateWaiting || s == JobStateActive || s == JobStateDelayed
}

// Valid reports whether s is a known state
func (s JobState) Valid() bool {
	for _, st := range AllJobStates {
		if s == st {
			return true
		}
	}
	return false
}

// ProcessingStatus is the durable status consumers read from the message record
type ProcessingStatus string

// Message processing status constants
const (
	ProcessingStatusPending    ProcessingStatus = "PENDING"
	ProcessingStatusQueued     ProcessingStatus = "QUEUED"
	ProcessingStatusProcessing ProcessingStatus = "PROCESSING"
	ProcessingStatusCompleted  ProcessingStatus = "COMPLETED"
	ProcessingStatusFailed     ProcessingStatus = "FAILED"
)

// Tone is the discretized sentiment of a transcript
type Tone string

// Tone constants
const (
	TonePositive Tone = "POSITIVE"
	ToneNegative Tone = "NEGATIVE"
	ToneNeutral  Tone = "NEUTRAL"
)

// Pipeline progress checkpoints, in execution order
const (
	ProgressMarkedProcessing = 10
	ProgressInputsLoaded     = 20
	ProgressTranscribing     = 30
	ProgressTranscribed      = 60
	ProgressSentiment        = 80
	ProgressFinalized        = 100
)

// UnknownSpeaker is used when diarization yields no speaker tags
const UnknownSpeaker = "Unknown"

// JobIDPrefix prefixes every audio job id
const JobIDPrefix = "audio-"
