package kube

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

// CoreGroup is the URL alias for the unnamed core API group.
const CoreGroup = "core"

// DefaultNamespace is used for objects that carry no namespace.
const DefaultNamespace = "default"

// ErrInvalidName marks a namespace or object name that cannot be placed in an
// API path.
var ErrInvalidName = errors.New("invalid object name")

// ResourceKey identifies a resource type by its API location. It is the join
// key between the registry, the resource cache and the viewer resolver.
type ResourceKey struct {
	Group   string
	Version string
	Plural  string
}

// NewResourceKey builds a key; "core" and "" both denote the core group.
func NewResourceKey(group, version, plural string) ResourceKey {
	if group == CoreGroup {
		group = ""
	}
	return ResourceKey{Group: group, Version: version, Plural: plural}
}

// ParseResourceKey parses "<group-or-core>/<version>/<plural>".
func ParseResourceKey(s string) (ResourceKey, error) {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) != 3 {
		return ResourceKey{}, fmt.Errorf("invalid resource key %q: want <group>/<version>/<plural>", s)
	}
	k := NewResourceKey(parts[0], parts[1], parts[2])
	if err := k.Validate(); err != nil {
		return ResourceKey{}, err
	}
	return k, nil
}

func (k ResourceKey) IsCore() bool {
	return k.Group == "" || k.Group == CoreGroup
}

// URLGroup returns the group as it appears in portal URLs and on disk.
func (k ResourceKey) URLGroup() string {
	if k.IsCore() {
		return CoreGroup
	}
	return k.Group
}

func (k ResourceKey) String() string {
	return k.URLGroup() + "/" + k.Version + "/" + k.Plural
}

func (k ResourceKey) Validate() error {
	if k.Version == "" || k.Plural == "" {
		return fmt.Errorf("invalid resource key %q: version and plural are required", k.String())
	}
	for _, p := range []string{k.Group, k.Version, k.Plural} {
		if strings.ContainsAny(p, "/\\") || p == "." || p == ".." {
			return fmt.Errorf("invalid resource key %q: bad segment %q", k.String(), p)
		}
	}
	return nil
}

func (k ResourceKey) GVR() schema.GroupVersionResource {
	g := k.Group
	if k.IsCore() {
		g = ""
	}
	return schema.GroupVersionResource{Group: g, Version: k.Version, Resource: k.Plural}
}

// apiPrefix returns "api/<version>" for the core group, else "apis/<group>/<version>".
func (k ResourceKey) apiPrefix() string {
	if k.IsCore() {
		return path.Join("api", k.Version)
	}
	return path.Join("apis", k.Group, k.Version)
}

// ValidateNamespace accepts "" (all namespaces, or cluster scope) or a single
// path segment.
func ValidateNamespace(namespace string) error {
	if namespace == "" {
		return nil
	}
	return validateSegment("namespace", namespace)
}

// ValidateObjectName checks the namespace and name of a single object before
// they are joined into an API path.
func ValidateObjectName(namespace, name string) error {
	if err := ValidateNamespace(namespace); err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	return validateSegment("name", name)
}

func validateSegment(what, s string) error {
	if s == "." || s == ".." || strings.ContainsAny(s, "/\\") {
		return fmt.Errorf("%w: bad %s %q", ErrInvalidName, what, s)
	}
	return nil
}

// GroupVersionPath is the discovery path for the key's group/version.
func GroupVersionPath(group, version string) string {
	return NewResourceKey(group, version, "-").apiPrefix()
}

// ListPath returns the API path listing key's objects, across all namespaces
// when namespace is empty.
func ListPath(k ResourceKey, namespace string) string {
	if namespace == "" {
		return path.Join(k.apiPrefix(), k.Plural)
	}
	return path.Join(k.apiPrefix(), "namespaces", namespace, k.Plural)
}

// ObjectPath returns the API path of a single object. An empty namespace
// addresses a cluster-scoped object.
func ObjectPath(k ResourceKey, namespace, name string) string {
	if namespace == "" {
		return path.Join(k.apiPrefix(), k.Plural, name)
	}
	return path.Join(k.apiPrefix(), "namespaces", namespace, k.Plural, name)
}
