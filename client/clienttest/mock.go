// Package clienttest provides a scriptable Generator for tests.
package clienttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/draftforge/draftforge/client"
)

// Mock implements client.Generator with scripted behavior. Safe for
// concurrent use; calls are recorded in order.
type Mock struct {
	mu    sync.Mutex
	name  string
	calls []client.Request

	// script entries are consumed first-in first-out. When the script is
	// empty the mock echoes a deterministic completion.
	script []scripted

	// GenerateFunc, when set, replaces all other behavior.
	GenerateFunc func(ctx context.Context, req client.Request) (client.Response, error)
}

type scripted struct {
	resp client.Response
	err  error
}

// NewMock creates a mock named provider ("mock" when empty).
func NewMock(name string) *Mock {
	if name == "" {
		name = "mock"
	}
	return &Mock{name: name}
}

// Name returns the mock's provider name.
func (m *Mock) Name() string { return m.name }

// EnqueueResponse schedules one successful completion.
func (m *Mock) EnqueueResponse(resp client.Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, scripted{resp: resp})
}

// EnqueueText schedules one successful completion with the given text.
func (m *Mock) EnqueueText(text string) {
	m.EnqueueResponse(client.Response{Text: text, Provider: m.name, TokensIn: 10, TokensOut: 20})
}

// EnqueueError schedules one failure.
func (m *Mock) EnqueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, scripted{err: err})
}

// FailTimes schedules n consecutive failures with err.
func (m *Mock) FailTimes(n int, err error) {
	for i := 0; i < n; i++ {
		m.EnqueueError(err)
	}
}

// Generate records the call and replays the script. With an empty script
// it returns a deterministic echo of the prompt.
func (m *Mock) Generate(ctx context.Context, req client.Request) (client.Response, error) {
	if err := ctx.Err(); err != nil {
		return client.Response{}, err
	}

	if m.GenerateFunc != nil {
		m.mu.Lock()
		m.calls = append(m.calls, req)
		m.mu.Unlock()
		return m.GenerateFunc(ctx, req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)

	if len(m.script) > 0 {
		next := m.script[0]
		m.script = m.script[1:]
		if next.err != nil {
			return client.Response{}, next.err
		}
		resp := next.resp
		if resp.Provider == "" {
			resp.Provider = m.name
		}
		return resp, nil
	}

	return client.Response{
		Text:      fmt.Sprintf("generated: %.64s", req.Prompt),
		Model:     req.Model,
		Provider:  m.name,
		TokensIn:  len(req.Prompt) / 4,
		TokensOut: 16,
	}, nil
}

// Calls returns a copy of the recorded requests.
func (m *Mock) Calls() []client.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]client.Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times Generate was invoked.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// RetryableError builds a retryable provider error for tests.
func RetryableError(provider string) error {
	return &client.Error{Provider: provider, Code: client.CodeServerError,
		Message: "simulated server error", Retryable: true}
}

// PermanentError builds a non-retryable provider error for tests.
func PermanentError(provider string) error {
	return &client.Error{Provider: provider, Code: client.CodeInvalidAPIKey,
		Message: "simulated auth failure", Retryable: false}
}
