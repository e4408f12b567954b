// Package gemini implements the transcription and sentiment adapters on the
// Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuongbtq/audio-pipeline/internal/provider"
	"google.golang.org/genai"
)

// ProviderName tags errors raised by this package
const ProviderName = "gemini"

// Config holds the connection settings shared by both adapters
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// generator is the slice of genai.Models the adapters call
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client is a Gemini API client shared by the adapters
type Client struct {
	models generator
	model  string
	logger *slog.Logger
}

// NewClient creates a Gemini client
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("gemini: model is required")
	}

	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: cfg.BaseURL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &Client{models: c.Models, model: cfg.Model, logger: logger}, nil
}

// generateJSON sends parts as one user turn and returns the JSON text of the
// first candidate along with the response id
func (c *Client) generateJSON(ctx context.Context, op string, parts []*genai.Part, schema *genai.Schema) (string, string, error) {
	contents := []*genai.Content{{
		Role:  genai.RoleUser,
		Parts: parts,
	}}

	resp, err := c.models.GenerateContent(ctx, c.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   schema,
	})
	if err != nil {
		return "", "", &provider.Error{Provider: ProviderName, Op: op, Err: err}
	}

	text := ""
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil && len(resp.Candidates[0].Content.Parts) > 0 {
		text = resp.Candidates[0].Content.Parts[0].Text
	}
	if strings.TrimSpace(text) == "" {
		return "", "", &provider.Error{Provider: ProviderName, Op: op, Err: errors.New("empty response")}
	}

	return text, resp.ResponseID, nil
}
