// Package registry holds the catalog of known resource types and their
// presentation metadata. The catalog file is rebuilt wholesale by the
// generation pipeline and loaded read-only by the portal.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"kportal/internal/kube"
)

// Entry is the metadata of one resource type.
type Entry struct {
	Group       string `json:"group"`
	Plural      string `json:"plural"`
	Version     string `json:"version"`
	Icon        string `json:"icon"`
	Description string `json:"description,omitempty"`
	Kind        string `json:"kind,omitempty"`
}

func (e Entry) Key() kube.ResourceKey {
	return kube.NewResourceKey(e.Group, e.Version, e.Plural)
}

// Label is the human label of the entry.
func (e Entry) Label() string {
	if e.Kind != "" {
		return e.Kind
	}
	return e.Plural
}

// Registry is an immutable snapshot of entries.
type Registry struct {
	entries []Entry
	byKey   map[string]int
}

// New builds a snapshot. When two entries share a key the later one wins the
// lookup; order is preserved as given.
func New(entries []Entry) *Registry {
	r := &Registry{
		entries: append([]Entry(nil), entries...),
		byKey:   make(map[string]int, len(entries)),
	}
	for i, e := range r.entries {
		r.byKey[e.Key().String()] = i
	}
	return r
}

// Load reads the registry file at path. A missing file yields an empty registry.
func Load(path string) (*Registry, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return New(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("decode registry %s: %w", path, err)
	}
	return New(entries), nil
}

// Entries returns a copy of the entries in file order.
func (r *Registry) Entries() []Entry {
	return append([]Entry(nil), r.entries...)
}

func (r *Registry) Lookup(key kube.ResourceKey) (Entry, bool) {
	i, ok := r.byKey[key.String()]
	if !ok {
		return Entry{}, false
	}
	return r.entries[i], true
}

func (r *Registry) Len() int {
	return len(r.entries)
}
