package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kportal/internal/cluster"
	"kportal/internal/kube"
	"kportal/internal/registry"
	"kportal/internal/resourcecache"
	"kportal/internal/stream"
	"kportal/internal/viewer"
)

const tokenCookie = "kportal_token"

type Options struct {
	Token          string
	Registry       *registry.Registry
	Cache          *resourcecache.Cache
	Resolver       *viewer.Resolver
	Logger         *slog.Logger
	AllowedOrigins []string
	// PageWait bounds how long a page waits for an index before rendering
	// the loading state.
	PageWait time.Duration
}

type Server struct {
	mgr      *cluster.Manager
	token    string
	registry *registry.Registry
	cache    *resourcecache.Cache
	resolver *viewer.Resolver
	logger   *slog.Logger
	origins  []string
	pageWait time.Duration
}

func New(mgr *cluster.Manager, opts Options) *Server {
	s := &Server{
		mgr:      mgr,
		token:    opts.Token,
		registry: opts.Registry,
		cache:    opts.Cache,
		resolver: opts.Resolver,
		logger:   opts.Logger,
		origins:  opts.AllowedOrigins,
		pageWait: opts.PageWait,
	}
	if s.registry == nil {
		s.registry = registry.New(nil)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if len(s.origins) == 0 {
		s.origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	if s.pageWait <= 0 {
		s.pageWait = 3 * time.Second
	}
	if s.cache == nil {
		s.cache = resourcecache.New(mgr.ListResources, resourcecache.WithLogger(s.logger))
	}
	if s.resolver == nil {
		s.resolver = viewer.NewResolver("", viewer.WithResolverLogger(s.logger))
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())

	// Protected API
	r.Route("/api", func(api chi.Router) {
		api.Use(s.authMiddleware)

		api.Get("/{group}/{version}/{plural}/-/watch", (&stream.IndexWatch{Cache: s.cache, Logger: s.logger, ErrorText: pageError}).ServeHTTP)

		api.Group(func(api chi.Router) {
			api.Use(gzip)

			api.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, map[string]any{
					"ok":            true,
					"activeContext": s.mgr.ActiveContext(),
				})
			})

			api.Get("/contexts", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, map[string]any{
					"active":   s.mgr.ActiveContext(),
					"contexts": s.mgr.ListContexts(),
				})
			})

			api.Post("/context/select", s.handleSelectContext)
			api.Get("/namespaces", s.handleNamespaces)
			api.Get("/registry", s.handleRegistry)

			api.Get("/{group}/{version}/{plural}", s.handleList)
			api.Get("/{group}/{version}/{plural}/-/index", s.handleIndex)
			api.Post("/{group}/{version}/{plural}/-/revalidate", s.handleRevalidate)
			api.Get("/{group}/{version}/{plural}/{namespace}/{name}", s.handleGet)
			api.Get("/{group}/{version}/{plural}/{namespace}/{name}/yaml", s.handleYAML)
		})
	})

	// Pages
	r.Group(func(pages chi.Router) {
		pages.Use(s.pageAuthMiddleware)
		pages.Use(gzip)

		pages.Get("/", s.handleHome)
		pages.Get("/static/*", serveStatic)
		pages.Get("/{group}/{version}/{plural}", s.handleListPage)
		pages.Get("/{group}/{version}/{plural}/{namespace}/{name}", s.handleDetailPage)
	})

	return r
}

func gzip(next http.Handler) http.Handler {
	return gzhttp.GzipHandler(next)
}

func (s *Server) handleSelectContext(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid body"})
		return
	}
	if err := s.mgr.SetActiveContext(body.Name); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	// Indexes of the previous cluster must not be served for the new one.
	s.cache.Purge()
	s.logger.InfoContext(r.Context(), "context switched", "context", body.Name)
	writeJSON(w, http.StatusOK, map[string]any{"active": s.mgr.ActiveContext()})
}

func (s *Server) handleNamespaces(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	gw, err := s.mgr.Gateway(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	nss, err := gw.ListNamespaces(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"namespaces": nss})
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	entries := s.registry.Entries()
	if entries == nil {
		entries = []registry.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	key, ok := resourceKey(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	gw, err := s.mgr.Gateway(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items, err := gw.List(ctx, key, r.URL.Query().Get("namespace"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]map[string]interface{}, 0, len(items))
	for _, it := range items {
		out = append(out, it.Object)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key, ok := resourceKey(w, r)
	if !ok {
		return
	}
	ns, name, ok := objectName(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	gw, err := s.mgr.Gateway(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	obj, err := gw.Get(ctx, key, ns, name)
	if kube.IsNotFound(err) {
		writeNotFound(w, r)
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, obj.Object)
}

func (s *Server) handleYAML(w http.ResponseWriter, r *http.Request) {
	key, ok := resourceKey(w, r)
	if !ok {
		return
	}
	ns, name, ok := objectName(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	gw, err := s.mgr.Gateway(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	obj, err := gw.Get(ctx, key, ns, name)
	if kube.IsNotFound(err) {
		writeNotFound(w, r)
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := kube.ObjectYAML(obj)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	key, ok := resourceKey(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.pageWait)
	defer cancel()

	writeJSON(w, http.StatusOK, stream.NewIndexPayload(key, s.cache.Get(ctx, key), pageError))
}

func (s *Server) handleRevalidate(w http.ResponseWriter, r *http.Request) {
	key, ok := resourceKey(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.pageWait)
	defer cancel()

	writeJSON(w, http.StatusOK, stream.NewIndexPayload(key, s.cache.Revalidate(ctx, key), pageError))
}

// resourceKey reads the resource type from the route. Bad keys are answered
// with 400.
func resourceKey(w http.ResponseWriter, r *http.Request) (kube.ResourceKey, bool) {
	key := kube.NewResourceKey(chi.URLParam(r, "group"), chi.URLParam(r, "version"), chi.URLParam(r, "plural"))
	if err := key.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return kube.ResourceKey{}, false
	}
	return key, true
}

// objectName reads the namespace and name route parameters and rejects
// values that would escape the object's API path.
func objectName(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	ns, name := chi.URLParam(r, "namespace"), chi.URLParam(r, "name")
	if ns == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "namespace is required"})
		return "", "", false
	}
	if err := kube.ValidateObjectName(ns, name); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return "", "", false
	}
	return ns, name, true
}

// writeNotFound answers a missing object in plain text, naming it as the
// client addressed it.
func writeNotFound(w http.ResponseWriter, r *http.Request) {
	ref := strings.Join([]string{
		chi.URLParam(r, "group"),
		chi.URLParam(r, "version"),
		chi.URLParam(r, "plural"),
		chi.URLParam(r, "namespace"),
		chi.URLParam(r, "name"),
	}, "/")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte("Resource " + ref + " not found"))
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	s.logger.WarnContext(r.Context(), "request failed", "path", r.URL.Path, "status", status, "error", err)
	writeJSON(w, status, map[string]any{"error": err.Error(), "active": s.mgr.ActiveContext()})
}

func errorStatus(err error) int {
	switch code := kube.StatusCode(err); {
	case errors.Is(err, kube.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, kube.ErrNoServerConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusNotFound, code == http.StatusTooManyRequests:
		return code
	case code != 0:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) tokenFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if c, err := r.Cookie(tokenCookie); err == nil {
		return c.Value
	}
	return ""
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenFrom(r) != s.token {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// pageAuthMiddleware accepts the token like the API does and remembers a
// token passed in the query string in a cookie, so links keep working.
func (s *Server) pageAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenFrom(r) != s.token {
			http.Error(w, "unauthorized: open the URL printed at startup", http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("token") != "" {
			http.SetCookie(w, &http.Cookie{
				Name:     tokenCookie,
				Value:    s.token,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteStrictMode,
			})
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	if status >= http.StatusBadRequest {
		if payload, ok := v.(map[string]any); ok {
			if msg, ok := payload["error"].(string); ok && strings.TrimSpace(msg) != "" {
				payload["error"] = sanitizeErrorMessage(status)
				v = payload
			}
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sanitizeErrorMessage(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "too many requests"
	case http.StatusServiceUnavailable:
		return "no cluster configured"
	case http.StatusGatewayTimeout:
		return "cluster did not answer in time"
	case http.StatusBadGateway:
		return "cluster request failed"
	default:
		return "request failed"
	}
}
