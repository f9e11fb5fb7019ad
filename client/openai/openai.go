// Package openai adapts the official OpenAI SDK to the Generator
// interface.
package openai

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/draftforge/draftforge/client"
)

// DefaultModel is used when neither the adapter nor the request names one.
const DefaultModel = "gpt-4o-mini"

// Client calls the OpenAI Chat Completions API. Safe for concurrent use.
type Client struct {
	api   *openai.Client
	model string
}

// New creates an adapter with the given key and default model.
func New(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: API key cannot be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	api := openai.NewClient(option.WithAPIKey(apiKey))
	return &Client{api: &api, model: model}, nil
}

// Name returns "openai".
func (c *Client) Name() string { return "openai" }

// Generate performs one chat completion.
func (c *Client) Generate(ctx context.Context, req client.Request) (client.Response, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = c.model
	}

	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessageParamUnion{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: openai.String(req.System),
				},
			},
		})
	}
	messages = append(messages, openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{
				OfString: openai.String(req.Prompt),
			},
		},
	})

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	completion, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return client.Response{}, client.Classify(c.Name(), err)
	}
	if len(completion.Choices) == 0 {
		return client.Response{}, &client.Error{
			Provider: c.Name(), Code: client.CodeParse,
			Message: "empty choices in completion", Retryable: false,
		}
	}

	return client.Response{
		Text:      client.StripFences(completion.Choices[0].Message.Content),
		Model:     model,
		Provider:  c.Name(),
		TokensIn:  int(completion.Usage.PromptTokens),
		TokensOut: int(completion.Usage.CompletionTokens),
		Duration:  time.Since(start),
	}, nil
}
