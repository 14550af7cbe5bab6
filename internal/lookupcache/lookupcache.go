// Copyright Identity Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package lookupcache provides a memoizing read cache for expensive resource
// lookups. Entries never age out; invalidation is push-based: the watch
// pipeline clears a kind's cache whenever any event for that kind arrives,
// and the stream's full-state replay refills it on first access.
package lookupcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/auroraml/identity-gateway/internal/metrics"
)

// Cache memoizes fetches by string key. Concurrent callers for the same key
// coalesce onto a single in-flight fetch; a failed fetch stores nothing, so
// the next caller retries cleanly. Safe for concurrent use.
type Cache[V any] struct {
	name    string
	metrics *metrics.Metrics

	mu      sync.RWMutex
	gen     uint64
	entries map[string]V

	group singleflight.Group
}

// New creates an empty cache. name labels the cache in metrics; m may be nil.
func New[V any](name string, m *metrics.Metrics) *Cache[V] {
	return &Cache[V]{
		name:    name,
		metrics: m,
		entries: map[string]V{},
	}
}

// Get returns the cached value for key, fetching it with fetch on a miss.
// Only the first of N concurrent callers invokes fetch; the rest share its
// result, success or failure.
func (c *Cache[V]) Get(ctx context.Context, key string, fetch func(ctx context.Context) (V, error)) (V, error) {
	c.mu.RLock()
	v, ok := c.entries[key]
	gen := c.gen
	c.mu.RUnlock()
	if ok {
		c.count("hit")
		return v, nil
	}

	res, err, _ := c.group.Do(key, func() (any, error) {
		// Another coalesced caller may have already stored the value.
		c.mu.RLock()
		v, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			return v, nil
		}
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		// A Clear between the fetch and now means the stored value could
		// already be stale; drop it rather than resurrect it.
		if c.gen == gen {
			c.entries[key] = v
		}
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		c.count("error")
		var zero V
		return zero, err
	}
	c.count("miss")
	return res.(V), nil
}

// Peek reports whether key is currently cached, without fetching.
func (c *Cache[V]) Peek(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

// Clear drops every entry. Called by the watch pipeline on any event for the
// cache's resource kind.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	c.gen++
	c.entries = map[string]V{}
	c.mu.Unlock()
}

// Len returns the number of cached entries.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache[V]) count(outcome string) {
	if c.metrics != nil {
		c.metrics.CacheLookups.WithLabelValues(c.name, outcome).Inc()
	}
}

// KeyOf canonicalizes an argument list into a cache key. A single string
// argument is used verbatim; anything else becomes the hex digest of the
// JSON-encoded argument list, so the same arguments always map to the same
// key regardless of caller.
func KeyOf(args ...any) string {
	if len(args) == 1 {
		if s, ok := args[0].(string); ok {
			return s
		}
	}
	b, err := json.Marshal(args)
	if err != nil {
		// Arguments of the accessors we memoize are plain data; an
		// unencodable argument is a programming error.
		panic("lookupcache: unencodable cache key arguments: " + err.Error())
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
