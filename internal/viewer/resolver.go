package viewer

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/singleflight"

	"kportal/internal/kube"
	"kportal/internal/metrics"
	"kportal/internal/registry"
)

// Resolver finds the renderer for a resource type. A generated template under
// root takes precedence over a compiled-in registration. Successful loads are
// cached for the life of the resolver; missing renderers are not, so a view
// generated later is picked up without a restart.
type Resolver struct {
	root     string
	logger   *slog.Logger
	loadFile func(path string) (Renderer, error)
	static   func(kube.ResourceKey) (Renderer, bool)

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]Renderer
}

type ResolverOption func(*Resolver)

func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

// WithFileLoader replaces the loader used for generated templates.
func WithFileLoader(load func(path string) (Renderer, error)) ResolverOption {
	return func(r *Resolver) { r.loadFile = load }
}

// WithStaticLookup replaces the compiled-in registry.
func WithStaticLookup(lookup func(kube.ResourceKey) (Renderer, bool)) ResolverOption {
	return func(r *Resolver) { r.static = lookup }
}

// NewResolver returns a resolver reading generated templates below root. An
// empty root disables generated templates.
func NewResolver(root string, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		root:     root,
		logger:   slog.Default(),
		loadFile: LoadTemplateFile,
		static:   lookupStatic,
		cache:    map[string]Renderer{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the renderer for key. Concurrent calls for the same key share
// one load. A type with no renderer yields a *MissingRendererError.
func (r *Resolver) Resolve(ctx context.Context, key kube.ResourceKey) (Renderer, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	k := key.String()
	r.mu.RLock()
	cached, ok := r.cache[k]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	ch := r.group.DoChan(k, func() (interface{}, error) {
		rend, err := r.load(key)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[k] = rend
		r.mu.Unlock()
		return rend, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Renderer), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Forget drops a cached renderer so the next Resolve loads it again.
func (r *Resolver) Forget(key kube.ResourceKey) {
	r.mu.Lock()
	delete(r.cache, key.String())
	r.mu.Unlock()
}

func (r *Resolver) load(key kube.ResourceKey) (Renderer, error) {
	path := ""
	if r.root != "" {
		path = registry.RendererPath(r.root, key)
		_, err := os.Stat(path)
		switch {
		case err == nil:
			rend, err := r.loadFile(path)
			if err != nil {
				r.logger.Error("viewer load failed", "resource", key.String(), "path", path, "error", err)
				return nil, err
			}
			metrics.ViewerLoadsTotal.WithLabelValues(metrics.SourceGenerated).Inc()
			r.logger.Debug("viewer loaded", "resource", key.String(), "path", path)
			return rend, nil
		case !errors.Is(err, fs.ErrNotExist):
			return nil, err
		}
	}

	if rend, ok := r.static(key); ok {
		metrics.ViewerLoadsTotal.WithLabelValues(metrics.SourceBuiltin).Inc()
		return rend, nil
	}

	metrics.ViewerLoadsTotal.WithLabelValues(metrics.SourceMissing).Inc()
	return nil, &MissingRendererError{Key: key, Path: path}
}
