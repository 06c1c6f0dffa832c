package resourcecache

import (
	"sort"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"kportal/internal/kube"
)

// Index maps "<namespace>/<name>" to the object. It is built fresh from every
// successful list and never patched.
type Index map[string]*unstructured.Unstructured

// IndexKey returns the index key of an object, defaulting the namespace.
func IndexKey(namespace, name string) string {
	if namespace == "" {
		namespace = kube.DefaultNamespace
	}
	return namespace + "/" + name
}

// BuildIndex indexes items in order; a later duplicate replaces an earlier one.
func BuildIndex(items []unstructured.Unstructured) Index {
	idx := make(Index, len(items))
	for i := range items {
		obj := &items[i]
		idx[IndexKey(obj.GetNamespace(), obj.GetName())] = obj
	}
	return idx
}

// Keys returns the index keys sorted.
func (idx Index) Keys() []string {
	keys := make([]string, 0, len(idx))
	for k := range idx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lookup finds an object by namespace and name.
func (idx Index) Lookup(namespace, name string) (*unstructured.Unstructured, bool) {
	obj, ok := idx[IndexKey(namespace, name)]
	return obj, ok
}

// Items returns the objects ordered by index key.
func (idx Index) Items() []*unstructured.Unstructured {
	out := make([]*unstructured.Unstructured, 0, len(idx))
	for _, k := range idx.Keys() {
		out = append(out, idx[k])
	}
	return out
}
