package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/draftforge/draftforge/cache"
)

// Cached memoizes completions by a digest of the full request, so
// replayed events and duplicated fan-out tasks do not re-spend tokens.
type Cached struct {
	inner Generator
	cache *cache.Cache[string, Response]
}

// CacheConfig sizes the response cache.
type CacheConfig struct {
	// MaxEntries caps the cache. Zero uses 1024.
	MaxEntries int

	// TTL expires entries. Zero means no expiry.
	TTL time.Duration
}

// NewCached wraps inner with a response cache.
func NewCached(inner Generator, cfg CacheConfig) *Cached {
	max := cfg.MaxEntries
	if max <= 0 {
		max = 1024
	}
	var opts []cache.Option[string, Response]
	if cfg.TTL > 0 {
		opts = append(opts, cache.WithTTL[string, Response](cfg.TTL))
	}
	return &Cached{
		inner: inner,
		cache: cache.New[string, Response](max, opts...),
	}
}

// CacheKey digests every request field that affects the completion.
func CacheKey(req Request) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|%.3f", req.Model, req.System, req.Prompt, req.MaxTokens, req.Temperature)
	return hex.EncodeToString(h.Sum(nil))
}

// Name returns the wrapped provider's name.
func (c *Cached) Name() string { return c.inner.Name() }

// Generate serves from cache when possible; otherwise calls through and
// stores the response. Errors are never cached.
func (c *Cached) Generate(ctx context.Context, req Request) (Response, error) {
	key := CacheKey(req)
	if resp, ok := c.cache.Get(key); ok {
		resp.Cached = true
		resp.Duration = 0
		return resp, nil
	}

	resp, err := c.inner.Generate(ctx, req)
	if err != nil {
		return Response{}, err
	}
	c.cache.Set(key, resp)
	return resp, nil
}

// CacheStats snapshots the underlying cache counters.
func (c *Cached) CacheStats() cache.Stats { return c.cache.Stats() }

// Close closes the wrapped generator when it holds connections.
func (c *Cached) Close() error {
	if cl, ok := c.inner.(Closer); ok {
		return cl.Close()
	}
	return nil
}
