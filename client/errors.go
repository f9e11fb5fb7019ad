package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Code classifies a provider failure. The set is closed; workers branch on
// it to decide between retrying, failing the task, and failing the
// workflow.
type Code string

const (
	// CodeRateLimited: the provider refused the request for pacing
	// reasons. Retryable after backoff.
	CodeRateLimited Code = "rate_limited"

	// CodeInvalidAPIKey: authentication failed. Never retryable; the
	// workflow fails fast.
	CodeInvalidAPIKey Code = "invalid_api_key"

	// CodeQuotaExceeded: billing or hard quota. Not retryable.
	CodeQuotaExceeded Code = "quota_exceeded"

	// CodeTimeout: the request or its context timed out. Retryable.
	CodeTimeout Code = "timeout"

	// CodeServerError: 5xx from the provider. Retryable.
	CodeServerError Code = "server_error"

	// CodeNetwork: connection-level failure. Retryable.
	CodeNetwork Code = "network_error"

	// CodeCircuitOpen: the local circuit breaker refused the call.
	// Retryable once the breaker half-opens.
	CodeCircuitOpen Code = "circuit_open"

	// CodeParse: the provider answered but the response was unusable.
	// Not retryable; same prompt gets the same malformed answer.
	CodeParse Code = "parse_error"

	// CodeAPI: anything else the provider rejected. Not retryable.
	CodeAPI Code = "api_error"
)

// Error is the typed failure every adapter and wrapper returns.
type Error struct {
	Provider  string
	Code      Code
	Message   string
	Retryable bool

	// Err is the underlying SDK error, when one exists.
	Err error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err represents a transient condition worth
// retrying. Context cancellation is never retryable; unknown error types
// default to not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// Classify maps a raw SDK error onto the closed Code set.
//
// The official SDKs expose status mostly through error strings, so
// classification is substring-based; adapters with structured errors can
// construct *Error directly instead.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var ce *Error
	if errors.As(err, &ce) {
		return err
	}

	msg := strings.ToLower(err.Error())

	if errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline") {
		return &Error{Provider: provider, Code: CodeTimeout,
			Message: "request timed out", Retryable: true, Err: err}
	}
	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") || strings.Contains(msg, "resource_exhausted") {
		return &Error{Provider: provider, Code: CodeRateLimited,
			Message: "rate limit exceeded", Retryable: true, Err: err}
	}
	if strings.Contains(msg, "invalid api key") || strings.Contains(msg, "incorrect api key") ||
		strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") || strings.Contains(msg, "authentication") {
		return &Error{Provider: provider, Code: CodeInvalidAPIKey,
			Message: "API key is invalid or expired", Retryable: false, Err: err}
	}
	if strings.Contains(msg, "quota") || strings.Contains(msg, "billing") {
		return &Error{Provider: provider, Code: CodeQuotaExceeded,
			Message: "quota exceeded", Retryable: false, Err: err}
	}
	if strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "504") ||
		strings.Contains(msg, "internal server error") || strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") || strings.Contains(msg, "overloaded") {
		return &Error{Provider: provider, Code: CodeServerError,
			Message: fmt.Sprintf("server error: %v", err), Retryable: true, Err: err}
	}
	if strings.Contains(msg, "connection") || strings.Contains(msg, "network") ||
		strings.Contains(msg, "no such host") || strings.Contains(msg, "broken pipe") {
		return &Error{Provider: provider, Code: CodeNetwork,
			Message: fmt.Sprintf("network error: %v", err), Retryable: true, Err: err}
	}

	return &Error{Provider: provider, Code: CodeAPI,
		Message: fmt.Sprintf("API error: %v", err), Retryable: false, Err: err}
}
