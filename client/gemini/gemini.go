// Package gemini adapts Google's generative-ai SDK to the Generator
// interface.
package gemini

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/draftforge/draftforge/client"
)

// DefaultModel is used when neither the adapter nor the request names one.
const DefaultModel = "gemini-1.5-flash"

// Client calls the Gemini API. Safe for concurrent use. Close releases
// the underlying connection.
type Client struct {
	api   *genai.Client
	model string
}

// New creates an adapter with the given key and default model.
func New(ctx context.Context, apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: API key cannot be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	api, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, client.Classify("gemini", err)
	}
	return &Client{api: api, model: model}, nil
}

// Name returns "gemini".
func (c *Client) Name() string { return "gemini" }

// Close releases the underlying client connection.
func (c *Client) Close() error {
	if c.api != nil {
		return c.api.Close()
	}
	return nil
}

// Generate performs one content generation call.
func (c *Client) Generate(ctx context.Context, req client.Request) (client.Response, error) {
	start := time.Now()

	name := req.Model
	if name == "" {
		name = c.model
	}

	model := c.api.GenerativeModel(name)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}
	if req.MaxTokens > 0 {
		v := int32(req.MaxTokens)
		model.MaxOutputTokens = &v
	}
	if req.Temperature > 0 {
		v := float32(req.Temperature)
		model.Temperature = &v
	}

	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return client.Response{}, client.Classify(c.Name(), err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return client.Response{}, &client.Error{
			Provider: c.Name(), Code: client.CodeParse,
			Message: "empty candidates in response", Retryable: false,
		}
	}

	var text strings.Builder
	candidate := resp.Candidates[0]
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text.WriteString(string(t))
			}
		}
	}

	out := client.Response{
		Text:     client.StripFences(text.String()),
		Model:    name,
		Provider: c.Name(),
		Duration: time.Since(start),
	}
	if resp.UsageMetadata != nil {
		out.TokensIn = int(resp.UsageMetadata.PromptTokenCount)
		out.TokensOut = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}
