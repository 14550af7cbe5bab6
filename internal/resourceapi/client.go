// Copyright Identity Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package resourceapi

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"

	"github.com/auroraml/identity-gateway/internal/lookupcache"
)

// Getter fetches one resource by name. The gateway hands callers either a
// live Getter or a cache-backed one depending on the resolved principal.
type Getter interface {
	Get(ctx context.Context, name string) (*unstructured.Unstructured, error)
}

// Client provides CRUD and watch access for one resource kind in one
// namespace.
type Client struct {
	kind Kind
	res  dynamic.ResourceInterface
}

// NewClient creates a client for the given kind.
func NewClient(dyn dynamic.Interface, kind Kind) *Client {
	return &Client{
		kind: kind,
		res:  dyn.Resource(kind.GVR()).Namespace(kind.Namespace),
	}
}

// Kind returns the kind this client serves.
func (c *Client) Kind() Kind { return c.kind }

// Get fetches one resource by name.
func (c *Client) Get(ctx context.Context, name string) (*unstructured.Unstructured, error) {
	obj, err := c.res.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("resourceapi: get %s %q: %w", c.kind.Plural, name, err)
	}
	return obj, nil
}

// List returns all resources of the kind in the namespace.
func (c *Client) List(ctx context.Context) ([]unstructured.Unstructured, error) {
	list, err := c.res.List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("resourceapi: list %s: %w", c.kind.Plural, err)
	}
	return list.Items, nil
}

// Create creates a resource with the given name and spec.
func (c *Client) Create(ctx context.Context, name string, spec map[string]any) (*unstructured.Unstructured, error) {
	obj := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": c.kind.Group + "/" + c.kind.Version,
		"kind":       c.kind.Kind,
		"metadata":   map[string]any{"name": name, "namespace": c.kind.Namespace},
		"spec":       spec,
	}}
	created, err := c.res.Create(ctx, obj, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("resourceapi: create %s %q: %w", c.kind.Plural, name, err)
	}
	return created, nil
}

// Patch merge-patches a resource's spec.
func (c *Client) Patch(ctx context.Context, name string, patch []byte) (*unstructured.Unstructured, error) {
	obj, err := c.res.Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return nil, fmt.Errorf("resourceapi: patch %s %q: %w", c.kind.Plural, name, err)
	}
	return obj, nil
}

// Delete removes a resource by name.
func (c *Client) Delete(ctx context.Context, name string) error {
	if err := c.res.Delete(ctx, name, metav1.DeleteOptions{}); err != nil {
		return fmt.Errorf("resourceapi: delete %s %q: %w", c.kind.Plural, name, err)
	}
	return nil
}

// Watch opens a watch stream over the kind. The stream replays the full
// current state as ADDED events on (re)establishment.
func (c *Client) Watch(ctx context.Context) (watch.Interface, error) {
	w, err := c.res.Watch(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("resourceapi: watch %s: %w", c.kind.Plural, err)
	}
	return w, nil
}

// CachedGetter is a Getter memoized through a lookup cache. The watch
// pipeline clears the cache on every event for the kind, and the stream's
// replay refills it on first access.
type CachedGetter struct {
	client *Client
	cache  *lookupcache.Cache[*unstructured.Unstructured]
}

// NewCachedGetter wraps client with the given cache.
func NewCachedGetter(client *Client, cache *lookupcache.Cache[*unstructured.Unstructured]) *CachedGetter {
	return &CachedGetter{client: client, cache: cache}
}

// Get implements Getter.
func (g *CachedGetter) Get(ctx context.Context, name string) (*unstructured.Unstructured, error) {
	return g.cache.Get(ctx, lookupcache.KeyOf(name), func(ctx context.Context) (*unstructured.Unstructured, error) {
		return g.client.Get(ctx, name)
	})
}
