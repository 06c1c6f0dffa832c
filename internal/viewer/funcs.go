package viewer

import (
	"encoding/base64"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/Masterminds/sprig/v3"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/duration"
	"sigs.k8s.io/yaml"
)

// FuncMap is the function set available to every renderer template: sprig's
// hermetic HTML helpers plus object accessors. Generated templates are
// untrusted, so nothing reading the environment, the network or a random
// source is exposed.
func FuncMap() template.FuncMap {
	fm := sprig.HermeticHtmlFuncMap()
	fm["get"] = get
	fm["age"] = age
	fm["toYaml"] = toYAML
	fm["b64len"] = b64len
	fm["tone"] = tone
	fm["percent"] = percent
	fm["cell"] = cell
	return fm
}

// get reads a dotted path ("status.phase") from an object map.
func get(obj interface{}, path string) interface{} {
	m, ok := obj.(map[string]interface{})
	if !ok || path == "" {
		return nil
	}
	v, found, err := unstructured.NestedFieldNoCopy(m, strings.Split(path, ".")...)
	if err != nil || !found {
		return nil
	}
	return v
}

// age formats an RFC3339 timestamp as a short duration ("3d4h").
func age(ts interface{}) string {
	s, ok := ts.(string)
	if !ok || s == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return s
	}
	return duration.HumanDuration(time.Since(t))
}

func toYAML(v interface{}) string {
	if v == nil {
		return ""
	}
	b, err := yaml.Marshal(v)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(string(b), "\n")
}

// b64len returns the decoded size of base64 data, or -1 when it is not valid.
func b64len(v interface{}) int {
	s, ok := v.(string)
	if !ok {
		return -1
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return -1
	}
	return len(b)
}

// tone maps a status-like value to ok, warn, bad or unknown.
func tone(v interface{}) string {
	s := strings.ToLower(fmt.Sprint(v))
	switch s {
	case "running", "ready", "true", "active", "succeeded", "bound", "available", "healthy", "established", "complete":
		return "ok"
	case "pending", "progressing", "unknown", "terminating", "containercreating":
		return "warn"
	case "failed", "false", "error", "crashloopbackoff", "lost", "degraded", "unhealthy":
		return "bad"
	default:
		return "unknown"
	}
}

// percent returns value/max as an integer percentage clamped to 0..100.
func percent(value, max interface{}) int {
	v, vok := toFloat(value)
	m, mok := toFloat(max)
	if !vok || !mok || m <= 0 {
		return 0
	}
	p := int(v / m * 100)
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// cell formats a table value; maps and lists are rendered compactly.
func cell(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, cell(e))
		}
		return strings.Join(parts, ", ")
	case map[string]interface{}:
		return strings.ReplaceAll(toYAML(t), "\n", "; ")
	default:
		return fmt.Sprint(t)
	}
}
