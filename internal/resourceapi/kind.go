// Copyright Identity Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package resourceapi accesses the platform's custom resources through the
// cluster API and defines the static per-kind configuration the watch/sync
// pipeline is built from.
package resourceapi

import (
	"embed"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/yaml"

	"github.com/auroraml/identity-gateway/internal/iam"
)

//go:embed definitions/*.yaml
var definitionFS embed.FS

// Definition is the declarative half of a watched kind, loaded from YAML.
type Definition struct {
	Group      string `json:"group"`
	Version    string `json:"version"`
	Kind       string `json:"kind"`
	Plural     string `json:"plural"`
	RolePrefix string `json:"rolePrefix"`
}

// Kind is the full static configuration for one watched resource type:
// where it lives in the cluster API, how its IAM roles are named, and the
// default role attributes for a newly observed resource. Immutable after
// process start.
type Kind struct {
	Definition
	Namespace string
	// DefaultCreateData computes the IAM role attributes for a resource the
	// watcher has just observed.
	DefaultCreateData func(obj *unstructured.Unstructured) iam.RoleCreateData
}

// GVR returns the kind's group-version-resource for the dynamic client.
func (k Kind) GVR() schema.GroupVersionResource {
	return schema.GroupVersionResource{Group: k.Group, Version: k.Version, Resource: k.Plural}
}

// RoleName returns the IAM role name mirroring the named resource.
func (k Kind) RoleName(resourceName string) string {
	return k.RolePrefix + resourceName
}

func loadDefinition(name string) (Definition, error) {
	var def Definition
	b, err := definitionFS.ReadFile("definitions/" + name + ".yaml")
	if err != nil {
		return def, fmt.Errorf("resourceapi: read definition %q: %w", name, err)
	}
	if err := yaml.Unmarshal(b, &def); err != nil {
		return def, fmt.Errorf("resourceapi: parse definition %q: %w", name, err)
	}
	if def.Group == "" || def.Version == "" || def.Plural == "" || def.RolePrefix == "" {
		return def, fmt.Errorf("resourceapi: definition %q is incomplete", name)
	}
	return def, nil
}

// BuiltinKinds returns the watched kinds in the given namespace: datasets,
// images, instance types and announcements.
func BuiltinKinds(namespace string) ([]Kind, error) {
	names := []string{"dataset", "image", "instance-type", "announcement"}
	kinds := make([]Kind, 0, len(names))
	for _, name := range names {
		def, err := loadDefinition(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, Kind{
			Definition:        def,
			Namespace:         namespace,
			DefaultCreateData: defaultCreateData,
		})
	}
	return kinds, nil
}

// defaultCreateData mirrors the resource's display name onto the role and
// marks globally shared resources so their role is granted to the everyone
// group.
func defaultCreateData(obj *unstructured.Unstructured) iam.RoleCreateData {
	data := iam.RoleCreateData{Attributes: map[string][]string{}}
	if displayName, ok, _ := unstructured.NestedString(obj.Object, "spec", "displayName"); ok && displayName != "" {
		data.Attributes["displayName"] = []string{displayName}
	}
	if global, ok, _ := unstructured.NestedBool(obj.Object, "spec", "global"); ok {
		data.Global = global
	}
	return data
}
