package server

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/duration"

	"kportal/internal/kube"
	"kportal/internal/registry"
	"kportal/internal/resourcecache"
	"kportal/internal/viewer"
)

//go:embed templates static
var assets embed.FS

var pageTemplates = map[string]*template.Template{}

func init() {
	for _, name := range []string{"home", "list", "detail"} {
		pageTemplates[name] = template.Must(template.New(name).
			Funcs(viewer.FuncMap()).
			ParseFS(assets, "templates/layout.gohtml", "templates/"+name+".gohtml"))
	}
}

// navSection is one registry entry in the sidebar.
type navSection struct {
	Entry   registry.Entry
	Href    string
	Active  bool
	Loading bool
	Error   string
	Objects []objectLink
}

type objectLink struct {
	Namespace string
	Name      string
	Href      string
	Age       string
	Active    bool
}

type groupSection struct {
	Group   string
	Entries []registry.Entry
}

type pageData struct {
	Title string
	Nav   []navSection

	// home
	Groups []groupSection

	// list and detail
	Resource string
	Entry    registry.Entry
	Loading  bool
	Error    string
	Objects  []objectLink

	// detail
	Namespace string
	Name      string
	NotFound  bool
	NoViewer  bool
	Body      template.HTML
}

func entryHref(e registry.Entry) string {
	k := e.Key()
	return "/" + path.Join(k.URLGroup(), k.Version, k.Plural)
}

func objectHref(key kube.ResourceKey, obj *unstructured.Unstructured) string {
	ns := obj.GetNamespace()
	if ns == "" {
		ns = kube.DefaultNamespace
	}
	return "/" + path.Join(key.URLGroup(), key.Version, key.Plural, ns, obj.GetName())
}

func objectLinks(key kube.ResourceKey, idx resourcecache.Index, active string) []objectLink {
	out := make([]objectLink, 0, len(idx))
	for _, k := range idx.Keys() {
		obj := idx[k]
		ns, _, _ := strings.Cut(k, "/")
		out = append(out, objectLink{
			Namespace: ns,
			Name:      obj.GetName(),
			Href:      objectHref(key, obj),
			Age:       objectAge(obj),
			Active:    k == active,
		})
	}
	return out
}

func objectAge(obj *unstructured.Unstructured) string {
	ts := obj.GetCreationTimestamp()
	if ts.IsZero() {
		return ""
	}
	return duration.HumanDuration(time.Since(ts.Time))
}

// nav builds the sidebar from the registry. It never blocks: sections whose
// index has not settled show a loading indicator.
func (s *Server) nav(current kube.ResourceKey, activeObject string) []navSection {
	entries := s.registry.Entries()
	out := make([]navSection, 0, len(entries))
	for _, e := range entries {
		key := e.Key()
		sec := navSection{
			Entry:  e,
			Href:   entryHref(e),
			Active: key == current,
		}
		res := s.cache.Peek(key)
		switch {
		case res.Loading:
			sec.Loading = true
		case res.Err != nil:
			sec.Error = pageError(res.Err)
		default:
			obj := ""
			if sec.Active {
				obj = activeObject
			}
			sec.Objects = objectLinks(key, res.Index, obj)
		}
		out = append(out, sec)
	}
	return out
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	byGroup := map[string][]registry.Entry{}
	for _, e := range s.registry.Entries() {
		g := e.Key().URLGroup()
		byGroup[g] = append(byGroup[g], e)
	}
	groups := make([]groupSection, 0, len(byGroup))
	for g, entries := range byGroup {
		groups = append(groups, groupSection{Group: g, Entries: entries})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Group < groups[j].Group })

	s.renderPage(w, r, http.StatusOK, "home", pageData{
		Title:  "Resources",
		Nav:    s.nav(kube.ResourceKey{}, ""),
		Groups: groups,
	})
}

func (s *Server) handleListPage(w http.ResponseWriter, r *http.Request) {
	key, ok := s.pageKey(w, r)
	if !ok {
		return
	}
	entry := s.entryFor(key)

	ctx, cancel := context.WithTimeout(r.Context(), s.pageWait)
	defer cancel()
	res := s.cache.Get(ctx, key)

	data := pageData{
		Title:    entry.Label(),
		Nav:      s.nav(key, ""),
		Resource: key.String(),
		Entry:    entry,
		Loading:  res.Loading,
	}
	if res.Err != nil {
		s.logger.WarnContext(r.Context(), "index fetch failed", "resource", key.String(), "error", res.Err)
		data.Error = pageError(res.Err)
	} else if res.Index != nil {
		data.Objects = objectLinks(key, res.Index, "")
	}
	s.renderPage(w, r, http.StatusOK, "list", data)
}

func (s *Server) handleDetailPage(w http.ResponseWriter, r *http.Request) {
	key, ok := s.pageKey(w, r)
	if !ok {
		return
	}
	ns, name := chi.URLParam(r, "namespace"), chi.URLParam(r, "name")
	if err := kube.ValidateObjectName(ns, name); err != nil || ns == "" {
		http.Error(w, "bad object name", http.StatusBadRequest)
		return
	}
	entry := s.entryFor(key)
	indexKey := resourcecache.IndexKey(ns, name)

	ctx, cancel := context.WithTimeout(r.Context(), s.pageWait)
	defer cancel()
	res := s.cache.Get(ctx, key)

	data := pageData{
		Title:     name,
		Nav:       s.nav(key, indexKey),
		Resource:  key.String(),
		Entry:     entry,
		Namespace: ns,
		Name:      name,
		Loading:   res.Loading,
	}
	status := http.StatusOK

	switch {
	case res.Loading:
	case res.Err != nil:
		s.logger.WarnContext(r.Context(), "index fetch failed", "resource", key.String(), "error", res.Err)
		data.Error = pageError(res.Err)
	default:
		obj, found := res.Index.Lookup(ns, name)
		if !found {
			data.NotFound = true
			status = http.StatusNotFound
			break
		}
		body, err := s.renderObject(ctx, key, obj)
		switch {
		case errors.Is(err, viewer.ErrNoRenderer):
			data.NoViewer = true
		case err != nil:
			s.logger.WarnContext(r.Context(), "render failed", "resource", key.String(), "object", indexKey, "error", err)
			data.Error = "the viewer failed to render this object"
		default:
			data.Body = body
		}
	}
	s.renderPage(w, r, status, "detail", data)
}

// renderObject resolves the renderer for key and renders obj into a buffer,
// so a failing template never produces half a page.
func (s *Server) renderObject(ctx context.Context, key kube.ResourceKey, obj *unstructured.Unstructured) (template.HTML, error) {
	rnd, err := s.resolver.Resolve(ctx, key)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := rnd.Render(&buf, obj); err != nil {
		return "", err
	}
	// Renderers are html/template output and already escaped.
	return template.HTML(buf.String()), nil
}

// pageError is the browser-facing text of a fetch error; the cause is logged.
func pageError(err error) string {
	return sanitizeErrorMessage(errorStatus(err))
}

func (s *Server) pageKey(w http.ResponseWriter, r *http.Request) (kube.ResourceKey, bool) {
	key := kube.NewResourceKey(chi.URLParam(r, "group"), chi.URLParam(r, "version"), chi.URLParam(r, "plural"))
	if err := key.Validate(); err != nil {
		http.Error(w, "bad resource", http.StatusBadRequest)
		return kube.ResourceKey{}, false
	}
	return key, true
}

// entryFor returns the registry entry of key, or a bare entry for types the
// registry does not list.
func (s *Server) entryFor(key kube.ResourceKey) registry.Entry {
	if e, ok := s.registry.Lookup(key); ok {
		return e
	}
	return registry.Entry{Group: key.URLGroup(), Version: key.Version, Plural: key.Plural}
}

func (s *Server) renderPage(w http.ResponseWriter, r *http.Request, status int, name string, data pageData) {
	var buf bytes.Buffer
	if err := pageTemplates[name].ExecuteTemplate(&buf, "layout", data); err != nil {
		s.logger.ErrorContext(r.Context(), "page render failed", "page", name, "error", err)
		http.Error(w, "page render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func serveStatic(w http.ResponseWriter, r *http.Request) {
	p := "static/" + chi.URLParam(r, "*")
	b, err := assets.ReadFile(p)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", contentTypeByPath(p))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func contentTypeByPath(p string) string {
	switch {
	case strings.HasSuffix(p, ".html"):
		return "text/html; charset=utf-8"
	case strings.HasSuffix(p, ".js"):
		return "application/javascript; charset=utf-8"
	case strings.HasSuffix(p, ".css"):
		return "text/css; charset=utf-8"
	case strings.HasSuffix(p, ".svg"):
		return "image/svg+xml"
	default:
		return "application/octet-stream"
	}
}
