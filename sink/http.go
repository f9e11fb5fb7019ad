package sink

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/draftforge/draftforge/client"
)

const defaultHTTPTimeout = 30 * time.Second

// httpDoer lets tests swap the transport.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// HTTPObjectStore uploads blobs with PUT {base}/{key} and serves them
// back from the same URL. Any S3-compatible or plain WebDAV-ish endpoint
// satisfies this shape.
type HTTPObjectStore struct {
	base    string
	token   string
	http    httpDoer
	retries int
}

// HTTPObjectStoreConfig configures an HTTPObjectStore.
type HTTPObjectStoreConfig struct {
	// BaseURL is the endpoint root, without a trailing slash.
	BaseURL string

	// Token, when set, is sent as a bearer Authorization header.
	Token string

	// Timeout bounds each attempt. Zero uses 30s.
	Timeout time.Duration

	// MaxRetries is how many additional attempts follow a transient
	// failure. Zero means no retry.
	MaxRetries int
}

// NewHTTPObjectStore creates an object store client.
func NewHTTPObjectStore(cfg HTTPObjectStoreConfig) (*HTTPObjectStore, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("object store: base URL cannot be empty")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("object store: invalid base URL: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPObjectStore{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		retries: cfg.MaxRetries,
	}, nil
}

// Upload PUTs data under key and returns the object URL.
func (s *HTTPObjectStore) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("object store: key cannot be empty")
	}
	target := s.base + "/" + strings.TrimLeft(key, "/")

	err := doWithRetry(ctx, "object_store", s.retries, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
		if err != nil {
			return err
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		setCommonHeaders(req, s.token)

		resp, err := s.http.Do(req)
		if err != nil {
			return client.Classify("object_store", err)
		}
		defer resp.Body.Close()
		return statusError("object_store", resp)
	})
	if err != nil {
		return "", err
	}
	return target, nil
}

// HTTPVCS pushes files through a contents-style HTTP API:
// PUT {base}/contents/{path} with a JSON body carrying the base64
// content, target branch and commit message.
type HTTPVCS struct {
	base    string
	token   string
	http    httpDoer
	retries int
}

// HTTPVCSConfig configures an HTTPVCS.
type HTTPVCSConfig struct {
	// BaseURL is the repository API root (e.g. ".../repos/org/name").
	BaseURL string

	// Token is sent as a bearer Authorization header.
	Token string

	// Timeout bounds each attempt. Zero uses 30s.
	Timeout time.Duration

	// MaxRetries is how many additional attempts follow a transient
	// failure.
	MaxRetries int
}

// NewHTTPVCS creates a version-control gateway client.
func NewHTTPVCS(cfg HTTPVCSConfig) (*HTTPVCS, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("vcs: base URL cannot be empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPVCS{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		retries: cfg.MaxRetries,
	}, nil
}

type vcsPutRequest struct {
	Content string `json:"content"`
	Branch  string `json:"branch,omitempty"`
	Message string `json:"message,omitempty"`
}

// PutFile creates or updates path on branch.
func (v *HTTPVCS) PutFile(ctx context.Context, path string, content []byte, branch, message string) error {
	if path == "" {
		return fmt.Errorf("vcs: path cannot be empty")
	}
	body, err := json.Marshal(vcsPutRequest{
		Content: base64.StdEncoding.EncodeToString(content),
		Branch:  branch,
		Message: message,
	})
	if err != nil {
		return err
	}
	target := v.base + "/contents/" + strings.TrimLeft(path, "/")

	return doWithRetry(ctx, "vcs", v.retries, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		setCommonHeaders(req, v.token)

		resp, err := v.http.Do(req)
		if err != nil {
			return client.Classify("vcs", err)
		}
		defer resp.Body.Close()
		return statusError("vcs", resp)
	})
}

func setCommonHeaders(req *http.Request, token string) {
	req.Header.Set("User-Agent", "draftforge/1.0")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// statusError maps a non-2xx response to a typed error. The body is
// truncated into the message so operators see what the endpoint said.
func statusError(provider string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &client.Error{Provider: provider, Code: client.CodeRateLimited,
			Message: msg, Retryable: true}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &client.Error{Provider: provider, Code: client.CodeInvalidAPIKey,
			Message: msg, Retryable: false}
	case resp.StatusCode >= 500:
		return &client.Error{Provider: provider, Code: client.CodeServerError,
			Message: msg, Retryable: true}
	default:
		return &client.Error{Provider: provider, Code: client.CodeAPI,
			Message: msg, Retryable: false}
	}
}

// doWithRetry retries fn on retryable failures with jittered exponential
// backoff starting at 500ms.
func doWithRetry(ctx context.Context, provider string, retries int, fn func() error) error {
	const base = 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := base*(1<<(attempt-1)) + time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry jitter, not security
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
		lastErr = fn()
		if lastErr == nil || !client.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("%s: retries exhausted: %w", provider, lastErr)
}
