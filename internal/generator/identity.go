package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"kportal/internal/kube"
)

// Identity is where a resource type lives in the API.
type Identity struct {
	Group      string
	Version    string
	Kind       string
	Plural     string
	Namespaced bool
}

func (i Identity) Key() kube.ResourceKey {
	return kube.NewResourceKey(i.Group, i.Version, i.Plural)
}

func (i Identity) GVK() schema.GroupVersionKind {
	return schema.GroupVersionKind{Group: i.Group, Version: i.Version, Kind: i.Kind}
}

// Discovery lists the resources served under a group/version.
type Discovery interface {
	APIResources(ctx context.Context, group, version string) (*metav1.APIResourceList, error)
}

// GVKOf reads the first x-kubernetes-group-version-kind of a definition.
func GVKOf(def json.RawMessage) (schema.GroupVersionKind, error) {
	v := gjson.GetBytes(def, "x-kubernetes-group-version-kind.0")
	if !v.Exists() {
		return schema.GroupVersionKind{}, fmt.Errorf("definition has no x-kubernetes-group-version-kind")
	}
	gvk := schema.GroupVersionKind{
		Group:   v.Get("group").String(),
		Version: v.Get("version").String(),
		Kind:    v.Get("kind").String(),
	}
	if gvk.Version == "" || gvk.Kind == "" {
		return schema.GroupVersionKind{}, fmt.Errorf("incomplete group-version-kind %q", v.Raw)
	}
	return gvk, nil
}

// ResolveIdentity looks up the plural name of gvk through discovery, matching
// by kind and ignoring subresources.
func ResolveIdentity(ctx context.Context, d Discovery, gvk schema.GroupVersionKind) (Identity, error) {
	list, err := d.APIResources(ctx, gvk.Group, gvk.Version)
	if err != nil {
		return Identity{}, fmt.Errorf("discover %s: %w", gvk.GroupVersion(), err)
	}
	for _, r := range list.APIResources {
		if strings.Contains(r.Name, "/") || r.Kind != gvk.Kind {
			continue
		}
		return Identity{
			Group:      gvk.Group,
			Version:    gvk.Version,
			Kind:       gvk.Kind,
			Plural:     r.Name,
			Namespaced: r.Namespaced,
		}, nil
	}
	return Identity{}, fmt.Errorf("kind %s is not served by %s", gvk.Kind, gvk.GroupVersion())
}
