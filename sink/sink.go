// Package sink defines the contracts for the pipeline's external
// collaborators and ships ready-made implementations: an HTTP object
// store, an HTTP version-control gateway, a Slack notifier and a Redis
// key/value store, plus in-memory fakes for tests.
//
// Delivery to a sink is at-least-once. Callers key writes by
// deterministic artifact ids so a retried step overwrites its own
// previous attempt instead of duplicating it.
package sink

import (
	"context"
	"time"
)

// ObjectStore uploads opaque blobs and returns a public URL for each.
type ObjectStore interface {
	// Upload stores data under key and returns the URL the artifact is
	// reachable at. Uploading the same key twice replaces the object.
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// VCS pushes files into a version-controlled tree.
type VCS interface {
	// PutFile creates or updates path on branch with content.
	PutFile(ctx context.Context, path string, content []byte, branch, message string) error
}

// Chat posts human-readable notifications.
type Chat interface {
	// Post sends text to the named channel.
	Post(ctx context.Context, channel, text string) error
}

// KV is a minimal key/value contract backing the optional persistent
// state layers.
type KV interface {
	Put(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error

	// Expire sets a TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining lifetime of key, or zero when the key has
	// no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// List returns the keys matching a glob-style pattern.
	List(ctx context.Context, pattern string) ([]string, error)

	// HSet writes one field of a hash.
	HSet(ctx context.Context, key, field, value string) error

	// HGetAll reads every field of a hash. Missing keys return an empty
	// map, not an error.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	Close() error
}
