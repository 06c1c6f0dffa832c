package viewer

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"os"
	"sort"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

//go:embed primitives/*.gohtml
var primitivesFS embed.FS

var primitives = template.Must(
	template.New("primitives").Funcs(FuncMap()).ParseFS(primitivesFS, "primitives/*.gohtml"),
)

// Primitive is one building block a renderer template can invoke with
// {{ template "<name>" ... }}.
type Primitive struct {
	Name  string
	Usage string
}

var primitiveUsage = map[string]string{
	"card-start":    `{{ template "card-start" (dict "title" "Spec" "subtitle" "optional") }} ... {{ template "card-end" }}`,
	"card-end":      `closes card-start`,
	"section-start": `{{ template "section-start" (dict "title" "Volumes" "collapsed" true) }} ... {{ template "section-end" }}`,
	"section-end":   `closes section-start`,
	"field":         `{{ template "field" (dict "label" "Replicas" "value" (get . "spec.replicas")) }}`,
	"badge":         `{{ template "badge" (dict "text" "Ready" "tone" "ok|warn|bad|unknown") }}`,
	"status":        `{{ template "status" (get . "status.phase") }}`,
	"progress":      `{{ template "progress" (dict "label" "Ready" "value" (get . "status.readyReplicas") "max" (get . "spec.replicas")) }}`,
	"kv":            `{{ template "kv" (dict "title" "Selector" "map" (get . "spec.selector")) }}`,
	"labels":        `{{ template "labels" (get . "metadata.labels") }}`,
	"table":         `{{ template "table" (dict "title" "Ports" "columns" (list "name" "port" "protocol") "rows" (get . "spec.ports")) }}`,
	"conditions":    `{{ template "conditions" (get . "status.conditions") }}`,
	"metadata":      `{{ template "metadata" . }}`,
	"yaml":          `{{ template "yaml" (get . "spec") }}`,
}

// Primitives lists the building blocks available to renderer templates,
// sorted by name.
func Primitives() []Primitive {
	out := make([]Primitive, 0, len(primitiveUsage))
	for name, usage := range primitiveUsage {
		out = append(out, Primitive{Name: name, Usage: usage})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TemplateRenderer renders an object through an html/template that has the
// primitives and FuncMap available. The template's dot is the object map.
type TemplateRenderer struct {
	name string
	tmpl *template.Template
}

// NewTemplateRenderer parses src. Parse errors are returned with name
// attached so generated sources can be traced back to their file.
func NewTemplateRenderer(name, src string) (*TemplateRenderer, error) {
	base, err := primitives.Clone()
	if err != nil {
		return nil, err
	}
	t, err := base.New(name).Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse viewer %s: %w", name, err)
	}
	return &TemplateRenderer{name: name, tmpl: t}, nil
}

// MustTemplate is NewTemplateRenderer for sources compiled into the binary.
func MustTemplate(name, src string) *TemplateRenderer {
	r, err := NewTemplateRenderer(name, src)
	if err != nil {
		panic(err)
	}
	return r
}

// LoadTemplateFile reads and parses a renderer source from disk.
func LoadTemplateFile(path string) (Renderer, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewTemplateRenderer(path, string(src))
}

func (t *TemplateRenderer) Render(w io.Writer, obj *unstructured.Unstructured) error {
	if obj == nil {
		return fmt.Errorf("render %s: nil object", t.name)
	}
	return t.tmpl.ExecuteTemplate(w, t.name, obj.Object)
}

// Validate parses src without keeping it.
func Validate(src string) error {
	_, err := NewTemplateRenderer("candidate", src)
	return err
}
