// Copyright Identity Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package resourceapi

import (
	"testing"

	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"

	"github.com/auroraml/identity-gateway/internal/lookupcache"
)

func testKind(t *testing.T) Kind {
	t.Helper()
	kinds, err := BuiltinKinds("hub")
	require.NoError(t, err)
	return kinds[0] // datasets
}

func fakeDynamic(t *testing.T, kinds ...Kind) *dynamicfake.FakeDynamicClient {
	t.Helper()
	listKinds := map[schema.GroupVersionResource]string{}
	for _, k := range kinds {
		listKinds[k.GVR()] = k.Kind + "List"
	}
	return dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(), listKinds)
}

func TestBuiltinKinds(t *testing.T) {
	kinds, err := BuiltinKinds("hub")
	require.NoError(t, err)
	require.Len(t, kinds, 4)

	byPlural := map[string]Kind{}
	for _, k := range kinds {
		require.Equal(t, "hub", k.Namespace)
		require.Equal(t, "platform.auroraml.dev", k.Group)
		require.NotNil(t, k.DefaultCreateData)
		byPlural[k.Plural] = k
	}
	require.Equal(t, "ds:ds-abc", byPlural["datasets"].RoleName("ds-abc"))
	require.Equal(t, "img:base", byPlural["images"].RoleName("base"))
	require.Equal(t, "it:cpu-small", byPlural["instancetypes"].RoleName("cpu-small"))
	require.Equal(t, "ann:maint", byPlural["announcements"].RoleName("maint"))
}

func TestDefaultCreateData(t *testing.T) {
	obj := &unstructured.Unstructured{Object: map[string]any{
		"spec": map[string]any{"displayName": "My Dataset", "global": true},
	}}
	data := defaultCreateData(obj)
	require.True(t, data.Global)
	require.Equal(t, []string{"My Dataset"}, data.Attributes["displayName"])

	data = defaultCreateData(&unstructured.Unstructured{Object: map[string]any{}})
	require.False(t, data.Global)
	require.Empty(t, data.Attributes)
}

func TestClientCRUD(t *testing.T) {
	kind := testKind(t)
	c := NewClient(fakeDynamic(t, kind), kind)
	ctx := t.Context()

	created, err := c.Create(ctx, "ds-abc", map[string]any{"displayName": "abc"})
	require.NoError(t, err)
	require.Equal(t, "ds-abc", created.GetName())

	got, err := c.Get(ctx, "ds-abc")
	require.NoError(t, err)
	name, _, err := unstructured.NestedString(got.Object, "spec", "displayName")
	require.NoError(t, err)
	require.Equal(t, "abc", name)

	items, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)

	patched, err := c.Patch(ctx, "ds-abc", []byte(`{"spec":{"displayName":"xyz"}}`))
	require.NoError(t, err)
	name, _, err = unstructured.NestedString(patched.Object, "spec", "displayName")
	require.NoError(t, err)
	require.Equal(t, "xyz", name)

	require.NoError(t, c.Delete(ctx, "ds-abc"))
	_, err = c.Get(ctx, "ds-abc")
	require.Error(t, err)
}

func TestCachedGetter(t *testing.T) {
	kind := testKind(t)
	dyn := fakeDynamic(t, kind)
	c := NewClient(dyn, kind)
	ctx := t.Context()

	_, err := c.Create(ctx, "ds-abc", map[string]any{"displayName": "v1"})
	require.NoError(t, err)

	cache := lookupcache.New[*unstructured.Unstructured](kind.Plural, nil)
	getter := NewCachedGetter(c, cache)

	got, err := getter.Get(ctx, "ds-abc")
	require.NoError(t, err)
	require.Equal(t, "ds-abc", got.GetName())

	// Mutate behind the cache; the stale value is served until invalidation.
	_, err = c.Patch(ctx, "ds-abc", []byte(`{"spec":{"displayName":"v2"}}`))
	require.NoError(t, err)

	got, err = getter.Get(ctx, "ds-abc")
	require.NoError(t, err)
	name, _, err := unstructured.NestedString(got.Object, "spec", "displayName")
	require.NoError(t, err)
	require.Equal(t, "v1", name)

	cache.Clear()
	got, err = getter.Get(ctx, "ds-abc")
	require.NoError(t, err)
	name, _, err = unstructured.NestedString(got.Object, "spec", "displayName")
	require.NoError(t, err)
	require.Equal(t, "v2", name)
}
