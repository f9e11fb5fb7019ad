// Package client defines the generation-service client family.
//
// A Generator turns one prompt into one completion. Provider adapters
// (openai, anthropic, gemini subpackages) implement it over the official
// SDKs; Resilient adds rate-limit admission, circuit breaking and retry;
// Cached adds response memoization. The wrappers compose:
//
//	gen := client.NewCached(
//	    client.NewResilient(anthropic.New(key, model), rcfg),
//	    ccfg)
//
// All errors surface as *Error with a stable Code and a Retryable flag,
// regardless of provider.
package client

import (
	"context"
	"time"
)

// Request is one generation call.
type Request struct {
	// Model overrides the adapter's default model when non-empty.
	Model string

	// System is the optional system prompt.
	System string

	// Prompt is the user prompt. Required.
	Prompt string

	// MaxTokens caps the completion length. Adapters apply a provider
	// default when zero.
	MaxTokens int

	// Temperature in [0, 2]. Zero means provider default.
	Temperature float64
}

// Response is one completed generation.
type Response struct {
	// Text is the completion with any markdown fences stripped by the
	// adapter.
	Text string

	// Model and Provider identify what actually served the request.
	Model    string
	Provider string

	// TokensIn / TokensOut are the prompt and completion token counts as
	// reported by the provider. Zero when the provider omits usage.
	TokensIn  int
	TokensOut int

	// Cached is true when the response was served from the cache wrapper.
	Cached bool

	// Duration is the provider round-trip time. Zero for cached responses.
	Duration time.Duration
}

// Generator produces completions. Implementations must be safe for
// concurrent use.
type Generator interface {
	// Generate performs one completion, honoring ctx cancellation.
	Generate(ctx context.Context, req Request) (Response, error)

	// Name identifies the provider ("openai", "anthropic", "gemini",
	// "mock").
	Name() string
}

// Closer is implemented by generators holding connections.
type Closer interface {
	Close() error
}
