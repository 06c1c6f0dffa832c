package generator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

const definitionsRef = "#/definitions/"

// Model is an OpenAPI v2 document reduced to its definitions.
type Model struct {
	defs map[string]json.RawMessage
}

// ParseModel decodes the cluster's openapi/v2 document.
func ParseModel(data []byte) (*Model, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("openapi model is not valid JSON")
	}
	raw := gjson.GetBytes(data, "definitions")
	if !raw.IsObject() {
		return nil, fmt.Errorf("openapi model has no definitions")
	}

	var defs map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw.Raw), &defs); err != nil {
		return nil, fmt.Errorf("decode definitions: %w", err)
	}
	return &Model{defs: defs}, nil
}

func (m *Model) Definition(name string) (json.RawMessage, bool) {
	d, ok := m.defs[name]
	return d, ok
}

// Len is the number of definitions.
func (m *Model) Len() int {
	return len(m.defs)
}

// FindDefinition resolves a user-supplied name to a definition name. An exact
// definition name wins; otherwise the name must match the kind of exactly one
// definition.
func (m *Model) FindDefinition(name string) (string, error) {
	if _, ok := m.defs[name]; ok {
		return name, nil
	}

	var matches []string
	for defName, def := range m.defs {
		for _, gvk := range gjson.GetBytes(def, "x-kubernetes-group-version-kind").Array() {
			if gvk.Get("kind").String() == name {
				matches = append(matches, defName)
				break
			}
		}
	}
	sort.Strings(matches)

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("definition %s not found", name)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("kind %s is ambiguous, use one of: %s", name, strings.Join(matches, ", "))
	}
}

// Bundle is a closed set of definitions: every $ref inside it points at a
// definition it contains.
type Bundle struct {
	Root        string                     `json:"-"`
	Definitions map[string]json.RawMessage `json:"definitions"`
}

func (b *Bundle) Names() []string {
	names := make([]string, 0, len(b.Definitions))
	for n := range b.Definitions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RootDefinition returns the definition the bundle was expanded from.
func (b *Bundle) RootDefinition() json.RawMessage {
	return b.Definitions[b.Root]
}

// Expand collects name and every definition it references transitively. Each
// definition is added once; reference cycles terminate.
func Expand(m *Model, name string) (*Bundle, error) {
	b := &Bundle{Root: name, Definitions: map[string]json.RawMessage{}}

	var add func(string) error
	add = func(n string) error {
		if _, seen := b.Definitions[n]; seen {
			return nil
		}
		def, ok := m.defs[n]
		if !ok {
			return fmt.Errorf("definition %s not found", n)
		}
		// Mark before descending so a cycle back to n stops here.
		b.Definitions[n] = def

		for _, ref := range refs(def) {
			child, ok := strings.CutPrefix(ref, definitionsRef)
			if !ok {
				continue
			}
			if err := add(child); err != nil {
				return fmt.Errorf("%s: %w", n, err)
			}
		}
		return nil
	}

	if err := add(name); err != nil {
		return nil, err
	}
	return b, nil
}

// refs returns every $ref value in def, in document order.
func refs(def json.RawMessage) []string {
	var out []string
	var walk func(gjson.Result)
	walk = func(v gjson.Result) {
		if !v.IsObject() && !v.IsArray() {
			return
		}
		v.ForEach(func(key, val gjson.Result) bool {
			if key.Type == gjson.String && key.Str == "$ref" && val.Type == gjson.String {
				out = append(out, val.Str)
				return true
			}
			walk(val)
			return true
		})
	}
	walk(gjson.ParseBytes(def))
	return out
}
