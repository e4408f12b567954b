package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/cuongbtq/audio-pipeline/internal/provider"
	"google.golang.org/genai"
)

var _ provider.SentimentAnalyzer = (*SentimentAnalyzer)(nil)

// SentimentAnalyzer asks Gemini for a polarity score and magnitude
type SentimentAnalyzer struct {
	client   *Client
	maxChars int
}

// NewSentimentAnalyzer creates a sentiment adapter; text beyond maxChars runes is dropped
func NewSentimentAnalyzer(c *Client, maxChars int) *SentimentAnalyzer {
	return &SentimentAnalyzer{client: c, maxChars: maxChars}
}

type sentimentResponse struct {
	Score     *float64 `json:"score"`
	Magnitude float64  `json:"magnitude"`
}

var sentimentSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"score":     {Type: genai.TypeNumber},
		"magnitude": {Type: genai.TypeNumber},
	},
	Required: []string{"score", "magnitude"},
}

const sentimentPrompt = "Analyze the overall sentiment of the following text. " +
	"Return score between -1.0 (very negative) and 1.0 (very positive) and " +
	"magnitude, a non-negative strength of emotion.\n\nText:\n"

func (s *SentimentAnalyzer) AnalyzeSentiment(ctx context.Context, text string) (*provider.SentimentResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, provider.ErrNoResult
	}

	parts := []*genai.Part{
		genai.NewPartFromText(sentimentPrompt + provider.TruncateText(text, s.maxChars)),
	}

	answer, _, err := s.client.generateJSON(ctx, "sentiment", parts, sentimentSchema)
	if err != nil {
		return nil, err
	}

	return parseSentiment(answer)
}

// parseSentiment decodes the JSON answer and discretizes the score
func parseSentiment(text string) (*provider.SentimentResult, error) {
	var resp sentimentResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, &provider.Error{Provider: ProviderName, Op: "sentiment", Err: fmt.Errorf("malformed response: %w", err)}
	}
	if resp.Score == nil {
		return nil, provider.ErrNoResult
	}

	score := math.Max(-1, math.Min(1, *resp.Score))
	return &provider.SentimentResult{
		Score:     score,
		Magnitude: math.Max(0, resp.Magnitude),
		Tone:      provider.ToneFromScore(score),
	}, nil
}
