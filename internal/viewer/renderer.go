package viewer

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"kportal/internal/kube"
)

// Renderer turns one object into HTML.
type Renderer interface {
	Render(w io.Writer, obj *unstructured.Unstructured) error
}

type RendererFunc func(w io.Writer, obj *unstructured.Unstructured) error

func (f RendererFunc) Render(w io.Writer, obj *unstructured.Unstructured) error {
	return f(w, obj)
}

// ErrNoRenderer marks a resource type without any viewer. It is a
// configuration problem; callers should not retry.
var ErrNoRenderer = errors.New("no viewer available")

type MissingRendererError struct {
	Key  kube.ResourceKey
	Path string
}

func (e *MissingRendererError) Error() string {
	return fmt.Sprintf("no viewer available for %s (looked for %s)", e.Key, e.Path)
}

func (e *MissingRendererError) Is(target error) bool {
	return target == ErrNoRenderer
}

var (
	staticMu sync.RWMutex
	static   = map[string]Renderer{}
)

// Register adds a renderer compiled into the binary. It is meant to be called
// from init functions and panics on a duplicate key.
func Register(key kube.ResourceKey, r Renderer) {
	staticMu.Lock()
	defer staticMu.Unlock()

	k := key.String()
	if _, ok := static[k]; ok {
		panic("viewer: duplicate registration for " + k)
	}
	static[k] = r
}

func lookupStatic(key kube.ResourceKey) (Renderer, bool) {
	staticMu.RLock()
	defer staticMu.RUnlock()
	r, ok := static[key.String()]
	return r, ok
}

// Registered lists the keys of compiled-in renderers, sorted.
func Registered() []kube.ResourceKey {
	staticMu.RLock()
	defer staticMu.RUnlock()

	names := make([]string, 0, len(static))
	for k := range static {
		names = append(names, k)
	}
	sort.Strings(names)

	out := make([]kube.ResourceKey, 0, len(names))
	for _, n := range names {
		k, err := kube.ParseResourceKey(n)
		if err == nil {
			out = append(out, k)
		}
	}
	return out
}
