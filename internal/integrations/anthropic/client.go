// Package anthropic exposes Claude as a plain text completion backend.
package anthropic

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"cale-agent/internal/domain"
)

const (
	DefaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 1024
	statusOverloaded = 529
)

// messagesAPI is the subset of the SDK message service used here.
// *sdk.MessageService satisfies it.
type messagesAPI interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

type Client struct {
	messages    messagesAPI
	model       string
	maxTokens   int64
	temperature float64
}

type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.model = m
		}
	}
}

func WithMaxTokens(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// New creates a Claude client authenticated with apiKey.
func New(apiKey string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("anthropic: api key must not be empty")
	}
	sc := sdk.NewClient(option.WithAPIKey(apiKey))
	return newWithMessages(&sc.Messages, opts...)
}

func newWithMessages(messages messagesAPI, opts ...Option) (*Client, error) {
	if messages == nil {
		return nil, errors.New("anthropic: messages must not be nil")
	}
	c := &Client{
		messages:    messages,
		model:       DefaultModel,
		maxTokens:   defaultMaxTokens,
		temperature: 0.3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Complete sends prompt as a single user turn and joins the text blocks of
// the reply.
func (c *Client) Complete(ctx context.Context, prompt string, stop []string) (string, error) {
	msg, err := c.messages.New(ctx, sdk.MessageNewParams{
		Model:         sdk.Model(c.model),
		MaxTokens:     c.maxTokens,
		Messages:      []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
		StopSequences: stop,
		Temperature:   sdk.Float(c.temperature),
	})
	if err != nil {
		return "", classify(err)
	}
	if msg == nil {
		return "", domain.NewError(domain.ErrorPermanentUpstream, "anthropic_empty_response", errors.New("anthropic: nil message"))
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == statusOverloaded || domain.StatusIsTransient(apiErr.StatusCode) {
			return domain.NewError(domain.ErrorTransientUpstream, "anthropic_overloaded", err)
		}
		return domain.NewError(domain.ErrorPermanentUpstream, "anthropic_request", err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "overloaded") {
		return domain.NewError(domain.ErrorTransientUpstream, "anthropic_overloaded", err)
	}
	return domain.NewError(domain.ErrorPermanentUpstream, "anthropic_request", err)
}
