package client

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  Code
		retryable bool
	}{
		{"timeout", errors.New("request timeout exceeded"), CodeTimeout, true},
		{"deadline word", errors.New("context deadline reached"), CodeTimeout, true},
		{"rate limit", errors.New("429 Too Many Requests"), CodeRateLimited, true},
		{"resource exhausted", errors.New("RESOURCE_EXHAUSTED: try later"), CodeRateLimited, true},
		{"bad key", errors.New("Incorrect API key provided"), CodeInvalidAPIKey, false},
		{"unauthorized", errors.New("401 unauthorized"), CodeInvalidAPIKey, false},
		{"quota", errors.New("you have exceeded your quota"), CodeQuotaExceeded, false},
		{"server 500", errors.New("500 internal server error"), CodeServerError, true},
		{"overloaded", errors.New("overloaded_error: try again"), CodeServerError, true},
		{"network", errors.New("dial tcp: no such host"), CodeNetwork, true},
		{"unknown", errors.New("model not found"), CodeAPI, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify("test", tt.err)
			var ce *Error
			if !errors.As(got, &ce) {
				t.Fatalf("Classify() = %T, want *Error", got)
			}
			if ce.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", ce.Code, tt.wantCode)
			}
			if ce.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", ce.Retryable, tt.retryable)
			}
			if ce.Provider != "test" {
				t.Errorf("Provider = %q, want %q", ce.Provider, "test")
			}
			if !errors.Is(got, tt.err) {
				t.Error("classified error should wrap the original")
			}
		})
	}
}

func TestClassifyPassthrough(t *testing.T) {
	if got := Classify("test", nil); got != nil {
		t.Errorf("Classify(nil) = %v, want nil", got)
	}

	if got := Classify("test", context.Canceled); !errors.Is(got, context.Canceled) {
		t.Errorf("cancellation should pass through, got %v", got)
	}

	orig := &Error{Provider: "other", Code: CodeParse, Message: "bad json"}
	if got := Classify("test", orig); got != orig {
		t.Errorf("already-classified error should pass through unchanged")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"retryable typed", &Error{Code: CodeServerError, Retryable: true}, true},
		{"permanent typed", &Error{Code: CodeInvalidAPIKey, Retryable: false}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorString(t *testing.T) {
	e := &Error{Provider: "openai", Code: CodeRateLimited, Message: "slow down"}
	want := "openai: rate_limited: slow down"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}

	e = &Error{Code: CodeParse, Message: "empty body"}
	want = "parse_error: empty body"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	for attempt := 0; attempt < 10; attempt++ {
		d := backoffDelay(attempt, base, max)
		lo := base * (1 << attempt)
		if lo > max {
			lo = max
		}
		if d < lo || d > lo+base {
			t.Errorf("attempt %d: delay %v outside [%v, %v]", attempt, d, lo, lo+base)
		}
	}
}
