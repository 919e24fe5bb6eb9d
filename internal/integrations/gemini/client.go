// Package gemini adapts the Google Gen AI SDK to the reasoning and embedding
// ports used by the agent and the knowledge index.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"cale-agent/internal/domain"
)

const (
	DefaultModel          = "gemini-2.5-flash"
	DefaultEmbeddingModel = "text-embedding-004"
)

// modelsAPI is the subset of *genai.Models used here.
type modelsAPI interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

type Client struct {
	models         modelsAPI
	model          string
	embeddingModel string
	temperature    float32
}

type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.model = m
		}
	}
}

func WithEmbeddingModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.embeddingModel = m
		}
	}
}

func WithTemperature(t float32) Option {
	return func(c *Client) {
		c.temperature = t
	}
}

// New builds a Gemini API client authenticated with apiKey.
func New(ctx context.Context, apiKey string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini: api key must not be empty")
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return newWithModels(gc.Models, opts...)
}

func newWithModels(models modelsAPI, opts ...Option) (*Client, error) {
	if models == nil {
		return nil, errors.New("gemini: models must not be nil")
	}
	c := &Client{
		models:         models,
		model:          DefaultModel,
		embeddingModel: DefaultEmbeddingModel,
		temperature:    0.3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Complete runs one generation over prompt and returns the concatenated text
// parts of the first candidate.
func (c *Client) Complete(ctx context.Context, prompt string, stop []string) (string, error) {
	temp := c.temperature
	resp, err := c.models.GenerateContent(ctx, c.model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature:   &temp,
		StopSequences: stop,
	})
	if err != nil {
		return "", classify("gemini_generate", err)
	}
	text, ok := firstCandidateText(resp)
	if !ok {
		return "", domain.NewError(domain.ErrorPermanentUpstream, "gemini_empty_response", errors.New("gemini: no candidates in response"))
	}
	return text, nil
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.models.EmbedContent(ctx, c.embeddingModel, genai.Text(text), nil)
	if err != nil {
		return nil, classify("gemini_embed", err)
	}
	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil || len(resp.Embeddings[0].Values) == 0 {
		return nil, domain.NewError(domain.ErrorPermanentUpstream, "gemini_empty_embedding", errors.New("gemini: no embedding in response"))
	}
	return resp.Embeddings[0].Values, nil
}

func firstCandidateText(resp *genai.GenerateContentResponse) (string, bool) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil {
		return "", false
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && !part.Thought {
			b.WriteString(part.Text)
		}
	}
	return b.String(), true
}

// classify maps SDK failures onto the shared error codes. Rate limiting,
// server errors and "overloaded" responses are retryable.
func classify(reason string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	}
	if domain.StatusIsTransient(code) || strings.Contains(strings.ToLower(err.Error()), "overloaded") {
		return domain.NewError(domain.ErrorTransientUpstream, reason, err)
	}
	return domain.NewError(domain.ErrorPermanentUpstream, reason, err)
}
