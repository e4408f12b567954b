// Package provider defines the transcription and sentiment adapter contracts
// and the provider independent logic that turns raw results into pipeline data.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cuongbtq/audio-pipeline/internal/domain"
)

const (
	// NegativeThreshold is the score below which a text is NEGATIVE
	NegativeThreshold = -0.25
	// PositiveThreshold is the score above which a text is POSITIVE
	PositiveThreshold = 0.25
)

// ErrNoResult is returned when the provider answered but recognized nothing
var ErrNoResult = errors.New("provider returned no result")

// Error is a transport, quota, timeout or decoding failure of a provider call
type Error struct {
	Provider string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// TranscribeOptions configures a transcription request
type TranscribeOptions struct {
	Language    string
	Diarization bool
	// MIMEType of the audio; detected from the bytes when empty
	MIMEType string
}

// Word is a recognized word with its speaker and offsets in seconds
type Word struct {
	Text        string
	SpeakerTag  string
	StartOffset float64
	EndOffset   float64
}

// Segment is one recognition result of a diarized transcription
type Segment struct {
	Transcript string
	Confidence float64
	Words      []Word
}

// TranscriptionResult is the structured result of a transcription
type TranscriptionResult struct {
	Text           string
	PrimarySpeaker string
	Speakers       []string
	// Duration is the audio length in seconds
	Duration      float64
	Confidence    float64
	ProviderJobID string
}

// SentimentResult is the structured result of a sentiment analysis
type SentimentResult struct {
	Score     float64
	Magnitude float64
	Tone      domain.Tone
}

// Transcriber converts audio bytes into a speaker-attributed transcript
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, opts TranscribeOptions) (*TranscriptionResult, error)
}

// SentimentAnalyzer scores the polarity of a text
type SentimentAnalyzer interface {
	AnalyzeSentiment(ctx context.Context, text string) (*SentimentResult, error)
}

// ToneFromScore discretizes a polarity score. Both thresholds are exclusive.
func ToneFromScore(score float64) domain.Tone {
	switch {
	case score < NegativeThreshold:
		return domain.ToneNegative
	case score > PositiveThreshold:
		return domain.TonePositive
	default:
		return domain.ToneNeutral
	}
}

// SelectPrimarySpeaker returns the speaker tag with the most words. Ties go
// to the tag seen first; no tagged words yields domain.UnknownSpeaker.
func SelectPrimarySpeaker(words []Word) string {
	speakers, counts := countSpeakers(words)

	primary := domain.UnknownSpeaker
	best := 0
	for _, tag := range speakers {
		if counts[tag] > best {
			primary = tag
			best = counts[tag]
		}
	}
	return primary
}

// BuildTranscriptionResult folds diarized segments into a single result
func BuildTranscriptionResult(segments []Segment, providerJobID string) (*TranscriptionResult, error) {
	var (
		texts      []string
		words      []Word
		confidence float64
	)

	for _, seg := range segments {
		if text := strings.TrimSpace(seg.Transcript); text != "" {
			texts = append(texts, text)
		}
		words = append(words, seg.Words...)
		confidence += seg.Confidence
	}

	if len(texts) == 0 {
		return nil, ErrNoResult
	}

	speakers, _ := countSpeakers(words)

	var duration float64
	if last := segments[len(segments)-1]; len(last.Words) > 0 {
		duration = last.Words[len(last.Words)-1].EndOffset
	}

	return &TranscriptionResult{
		Text:           strings.Join(texts, " "),
		PrimarySpeaker: SelectPrimarySpeaker(words),
		Speakers:       speakers,
		Duration:       duration,
		Confidence:     confidence / float64(len(segments)),
		ProviderJobID:  providerJobID,
	}, nil
}

// TruncateText cuts text to at most maxRunes runes. maxRunes <= 0 disables it.
func TruncateText(text string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxRunes])
}

// countSpeakers returns tags in encounter order and their word counts
func countSpeakers(words []Word) ([]string, map[string]int) {
	var order []string
	counts := make(map[string]int)
	for _, w := range words {
		if w.SpeakerTag == "" {
			continue
		}
		if _, seen := counts[w.SpeakerTag]; !seen {
			order = append(order, w.SpeakerTag)
		}
		counts[w.SpeakerTag]++
	}
	return order, counts
}
