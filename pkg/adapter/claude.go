package adapter

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m-mizutani/goerr/v2"
)

// ClaudeClient sends single-turn prompts to the Anthropic Messages API
type ClaudeClient struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

type ClaudeOption func(*ClaudeClient)

func WithClaudeModel(model string) ClaudeOption {
	return func(c *ClaudeClient) {
		c.model = model
	}
}

func WithClaudeMaxTokens(n int64) ClaudeOption {
	return func(c *ClaudeClient) {
		c.maxTokens = n
	}
}

// NewClaude creates a new Claude API client
func NewClaude(apiKey string, opts ...ClaudeOption) *ClaudeClient {
	c := &ClaudeClient{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     "claude-sonnet-4-20250514",
		maxTokens: 64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete sends prompt as one user message and returns the concatenated text blocks of the reply
func (c *ClaudeClient) Complete(ctx context.Context, prompt string) (string, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", goerr.Wrap(err, "failed to call claude", goerr.V("model", c.model))
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", goerr.New("no text in claude response",
			goerr.V("model", c.model),
			goerr.V("stop_reason", msg.StopReason))
	}
	return b.String(), nil
}
