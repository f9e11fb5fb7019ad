// Package anthropic adapts the official Anthropic SDK to the Generator
// interface.
package anthropic

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/draftforge/draftforge/client"
)

// DefaultModel is used when neither the adapter nor the request names one.
const DefaultModel = "claude-sonnet-4-20250514"

const defaultMaxTokens = 4096

// Client calls the Anthropic Messages API. Safe for concurrent use.
type Client struct {
	api   *anthropic.Client
	model string
}

// New creates an adapter with the given key and default model.
func New(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: API key cannot be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	api := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Client{api: &api, model: model}, nil
}

// Name returns "anthropic".
func (c *Client) Name() string { return "anthropic" }

// Generate performs one Messages call.
func (c *Client) Generate(ctx context.Context, req client.Request) (client.Response, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	message, err := c.api.Messages.New(ctx, params)
	if err != nil {
		return client.Response{}, client.Classify(c.Name(), err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return client.Response{
		Text:      client.StripFences(text.String()),
		Model:     model,
		Provider:  c.Name(),
		TokensIn:  int(message.Usage.InputTokens),
		TokensOut: int(message.Usage.OutputTokens),
		Duration:  time.Since(start),
	}, nil
}
