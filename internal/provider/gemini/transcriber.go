package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuongbtq/audio-pipeline/internal/domain"
	"github.com/cuongbtq/audio-pipeline/internal/provider"
	"github.com/gabriel-vasile/mimetype"
	"google.golang.org/genai"
)

// ErrUnsupportedAudio is returned when the bytes are not a recognizable audio container
var ErrUnsupportedAudio = errors.New("unsupported audio format")

var _ provider.Transcriber = (*Transcriber)(nil)

// Transcriber asks Gemini for a diarized, word-timed transcript
type Transcriber struct {
	client *Client
}

// NewTranscriber creates a transcription adapter on c
func NewTranscriber(c *Client) *Transcriber {
	return &Transcriber{client: c}
}

type transcriptWord struct {
	Word    string  `json:"word"`
	Speaker string  `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

type transcriptSegment struct {
	Text       string           `json:"text"`
	Confidence float64          `json:"confidence"`
	Words      []transcriptWord `json:"words"`
}

type transcriptResponse struct {
	Segments []transcriptSegment `json:"segments"`
}

var transcriptSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"segments": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"text":       {Type: genai.TypeString},
					"confidence": {Type: genai.TypeNumber},
					"words": {
						Type: genai.TypeArray,
						Items: &genai.Schema{
							Type: genai.TypeObject,
							Properties: map[string]*genai.Schema{
								"word":    {Type: genai.TypeString},
								"speaker": {Type: genai.TypeString},
								"start":   {Type: genai.TypeNumber},
								"end":     {Type: genai.TypeNumber},
							},
							Required: []string{"word", "start", "end"},
						},
					},
				},
				Required: []string{"text", "words"},
			},
		},
	},
	Required: []string{"segments"},
}

func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, opts provider.TranscribeOptions) (*provider.TranscriptionResult, error) {
	if len(audio) == 0 {
		return nil, domain.NewInputError(domain.ErrMissingAudio)
	}

	mimeType, err := audioMIMEType(audio, opts.MIMEType)
	if err != nil {
		return nil, err
	}

	parts := []*genai.Part{
		genai.NewPartFromText(transcribePrompt(opts)),
		genai.NewPartFromBytes(audio, mimeType),
	}

	text, responseID, err := t.client.generateJSON(ctx, "transcribe", parts, transcriptSchema)
	if err != nil {
		return nil, err
	}

	result, err := parseTranscript(text, responseID)
	if err != nil {
		return nil, err
	}

	t.client.logger.Debug("Transcription received",
		slog.String("response_id", responseID),
		slog.String("mime_type", mimeType),
		slog.Int("speakers", len(result.Speakers)),
		slog.Float64("duration", result.Duration),
	)

	return result, nil
}

// parseTranscript decodes the JSON answer into a transcription result
func parseTranscript(text, responseID string) (*provider.TranscriptionResult, error) {
	var resp transcriptResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, &provider.Error{Provider: ProviderName, Op: "transcribe", Err: fmt.Errorf("malformed response: %w", err)}
	}

	segments := make([]provider.Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		seg := provider.Segment{
			Transcript: s.Text,
			Confidence: s.Confidence,
			Words:      make([]provider.Word, 0, len(s.Words)),
		}
		for _, w := range s.Words {
			seg.Words = append(seg.Words, provider.Word{
				Text:        w.Word,
				SpeakerTag:  strings.TrimSpace(w.Speaker),
				StartOffset: w.Start,
				EndOffset:   w.End,
			})
		}
		segments = append(segments, seg)
	}

	return provider.BuildTranscriptionResult(segments, responseID)
}

// audioMIMEType returns the declared type or sniffs one from the bytes
func audioMIMEType(audio []byte, declared string) (string, error) {
	if declared != "" {
		return declared, nil
	}
	detected := mimetype.Detect(audio)
	for m := detected; m != nil; m = m.Parent() {
		name := m.String()
		if strings.HasPrefix(name, "audio/") || strings.HasPrefix(name, "video/") {
			return name, nil
		}
	}
	return "", domain.NewInputError(fmt.Errorf("%w: %s", ErrUnsupportedAudio, detected.String()))
}

func transcribePrompt(opts provider.TranscribeOptions) string {
	var b strings.Builder
	b.WriteString("Transcribe this audio recording verbatim.")
	if opts.Language != "" {
		fmt.Fprintf(&b, " The spoken language is %s.", opts.Language)
	}
	if opts.Diarization {
		b.WriteString(" Identify distinct speakers and label every word with a speaker tag such as \"1\", \"2\".")
	}
	b.WriteString(" Return segments with their text, a confidence between 0 and 1, and every word with start and end offsets in seconds.")
	return b.String()
}
