package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/rest"

	"kportal/internal/cluster"
	"kportal/internal/kube"
	"kportal/internal/registry"
	"kportal/internal/viewer"
)

const testToken = "tok"

const podA = `{"apiVersion":"v1","kind":"Pod","metadata":{"name":"a","namespace":"ns1","creationTimestamp":"2024-01-01T00:00:00Z"},"spec":{"nodeName":"node-7"}}`
const podB = `{"apiVersion":"v1","kind":"Pod","metadata":{"name":"b"}}`

// fakeAPIServer answers the handful of cluster paths the tests use.
func fakeAPIServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/pods":
			_, _ = io.WriteString(w, `{"kind":"PodList","items":[`+podA+`,`+podB+`]}`)
		case "/api/v1/namespaces/ns1/pods":
			_, _ = io.WriteString(w, `{"kind":"PodList","items":[`+podA+`]}`)
		case "/api/v1/namespaces/ns1/pods/a":
			_, _ = io.WriteString(w, podA)
		case "/api/v1/namespaces":
			_, _ = io.WriteString(w, `{"items":[{"metadata":{"name":"default"}},{"metadata":{"name":"ns1"}}]}`)
		case "/apis/acme.com/v1/workloads":
			w.WriteHeader(http.StatusForbidden)
		case "/apis/broken.io/v1/things":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func staticResolver(r viewer.Renderer) *viewer.Resolver {
	return viewer.NewResolver("", viewer.WithStaticLookup(func(key kube.ResourceKey) (viewer.Renderer, bool) {
		if r == nil {
			return nil, false
		}
		return r, true
	}))
}

func newTestServer(t *testing.T, mgr *cluster.Manager, resolver *viewer.Resolver) *httptest.Server {
	t.Helper()
	reg := registry.New([]registry.Entry{
		{Group: "core", Version: "v1", Plural: "pods", Icon: "box", Kind: "Pod", Description: "Running containers"},
	})
	if resolver == nil {
		resolver = staticResolver(viewer.MustTemplate("test-pod", `<p class="node">{{ get . "spec.nodeName" }}</p>`))
	}
	s := New(mgr, Options{
		Token:    testToken,
		Registry: reg,
		Resolver: resolver,
		Logger:   discardLogger(),
		PageWait: 5 * time.Second,
	})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv
}

func newDefaultServer(t *testing.T) *httptest.Server {
	backend := fakeAPIServer(t)
	return newTestServer(t, cluster.NewStaticManager("test", &rest.Config{Host: backend.URL}), nil)
}

type response struct {
	status int
	header http.Header
	body   string
}

func do(t *testing.T, srv *httptest.Server, method, path string, mutate func(*http.Request)) response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, nil)
	require.NoError(t, err)
	if mutate != nil {
		mutate(req)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return response{status: resp.StatusCode, header: resp.Header, body: string(b)}
}

func bearer(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+testToken)
}

func TestAPI_GetNotFound(t *testing.T) {
	srv := newDefaultServer(t)

	resp := do(t, srv, http.MethodGet, "/api/acme.com/v1/workloads/default/my-workload", bearer)
	assert.Equal(t, http.StatusNotFound, resp.status)
	assert.Equal(t, "Resource acme.com/v1/workloads/default/my-workload not found", resp.body)
	assert.Contains(t, resp.header.Get("Content-Type"), "text/plain")
}

func TestAPI_Get(t *testing.T) {
	srv := newDefaultServer(t)

	resp := do(t, srv, http.MethodGet, "/api/core/v1/pods/ns1/a", bearer)
	require.Equal(t, http.StatusOK, resp.status)

	var obj map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(resp.body), &obj))
	assert.Equal(t, "Pod", obj["kind"])

	resp = do(t, srv, http.MethodGet, "/api/core/v1/pods/ns1/a/yaml", bearer)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Contains(t, resp.header.Get("Content-Type"), "application/yaml")
	assert.Contains(t, resp.body, "nodeName: node-7")
}

func TestAPI_Auth(t *testing.T) {
	srv := newDefaultServer(t)

	tests := []struct {
		name   string
		mutate func(*http.Request)
		want   int
	}{
		{"none", nil, http.StatusUnauthorized},
		{"wrong bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized},
		{"bearer", bearer, http.StatusOK},
		{"query", func(r *http.Request) {
			q := r.URL.Query()
			q.Set("token", testToken)
			r.URL.RawQuery = q.Encode()
		}, http.StatusOK},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: tokenCookie, Value: testToken}) }, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, srv, http.MethodGet, "/api/healthz", tt.mutate)
			assert.Equal(t, tt.want, resp.status)
			if tt.want == http.StatusUnauthorized {
				assert.JSONEq(t, `{"error":"unauthorized"}`, resp.body)
			}
		})
	}
}

func TestAPI_ListAndNamespaces(t *testing.T) {
	srv := newDefaultServer(t)

	resp := do(t, srv, http.MethodGet, "/api/core/v1/pods", bearer)
	require.Equal(t, http.StatusOK, resp.status)
	var all []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(resp.body), &all))
	assert.Len(t, all, 2)

	resp = do(t, srv, http.MethodGet, "/api/core/v1/pods?namespace=ns1", bearer)
	require.Equal(t, http.StatusOK, resp.status)
	var scoped []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(resp.body), &scoped))
	assert.Len(t, scoped, 1)

	resp = do(t, srv, http.MethodGet, "/api/namespaces", bearer)
	require.Equal(t, http.StatusOK, resp.status)
	assert.JSONEq(t, `{"namespaces":["default","ns1"]}`, resp.body)

	resp = do(t, srv, http.MethodGet, "/api/registry", bearer)
	require.Equal(t, http.StatusOK, resp.status)
	assert.JSONEq(t, `[{"group":"core","version":"v1","plural":"pods","icon":"box","kind":"Pod","description":"Running containers"}]`, resp.body)
}

func TestAPI_RejectsEscapingNames(t *testing.T) {
	var hits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, `{"apiVersion":"v1","kind":"Namespace","metadata":{"name":"ns1"}}`)
	}))
	t.Cleanup(backend.Close)

	s := New(cluster.NewStaticManager("test", &rest.Config{Host: backend.URL}), Options{
		Token:  testToken,
		Logger: discardLogger(),
	})

	for _, path := range []string{
		"/api/core/v1/pods/ns1/..",
		"/api/core/v1/pods/ns1/.",
		"/api/core/v1/pods/../a",
		"/api/core/v1/pods/./a",
		"/api/core/v1/pods/ns1/../yaml",
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		bearer(req)
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.JSONEq(t, `{"error":"bad request"}`, rec.Body.String(), path)
	}
	assert.Zero(t, hits.Load(), "no request may reach the cluster")

	req := httptest.NewRequest(http.MethodGet, "/core/v1/pods/ns1/..", nil)
	withCookie(req)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, hits.Load())
}

func TestAPI_ErrorStatus(t *testing.T) {
	srv := newDefaultServer(t)

	resp := do(t, srv, http.MethodGet, "/api/acme.com/v1/workloads", bearer)
	assert.Equal(t, http.StatusForbidden, resp.status)
	assert.Contains(t, resp.body, `"error":"forbidden"`)

	resp = do(t, srv, http.MethodGet, "/api/broken.io/v1/things", bearer)
	assert.Equal(t, http.StatusBadGateway, resp.status)
	assert.Contains(t, resp.body, `"error":"cluster request failed"`)
}

func TestAPI_NoServerConfigured(t *testing.T) {
	srv := newTestServer(t, cluster.NewStaticManager("none", nil), nil)

	resp := do(t, srv, http.MethodGet, "/api/namespaces", bearer)
	assert.Equal(t, http.StatusServiceUnavailable, resp.status)
	assert.JSONEq(t, `{"error":"no cluster configured","active":"none"}`, resp.body)
}

func TestAPI_Index(t *testing.T) {
	srv := newDefaultServer(t)

	resp := do(t, srv, http.MethodGet, "/api/core/v1/pods/-/index", bearer)
	require.Equal(t, http.StatusOK, resp.status)

	var p struct {
		Resource string                            `json:"resource"`
		Items    map[string]map[string]interface{} `json:"items"`
		Error    string                            `json:"error"`
		Loading  bool                              `json:"loading"`
	}
	require.NoError(t, json.Unmarshal([]byte(resp.body), &p))
	assert.Equal(t, "core/v1/pods", p.Resource)
	assert.False(t, p.Loading)
	assert.Empty(t, p.Error)
	assert.Contains(t, p.Items, "ns1/a")
	assert.Contains(t, p.Items, "default/b")

	resp = do(t, srv, http.MethodGet, "/api/broken.io/v1/things/-/index", bearer)
	require.Equal(t, http.StatusOK, resp.status)
	require.NoError(t, json.Unmarshal([]byte(resp.body), &p))
	assert.Equal(t, "cluster request failed", p.Error)
	assert.NotContains(t, resp.body, "apis/broken.io")
	assert.Nil(t, p.Items)

	resp = do(t, srv, http.MethodPost, "/api/core/v1/pods/-/revalidate", bearer)
	assert.Equal(t, http.StatusOK, resp.status)
}

func TestMetrics_Public(t *testing.T) {
	srv := newDefaultServer(t)

	resp := do(t, srv, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.status)
}

func TestPages_Auth(t *testing.T) {
	srv := newDefaultServer(t)

	resp := do(t, srv, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.status)

	resp = do(t, srv, http.MethodGet, "/?token="+testToken, nil)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Contains(t, resp.header.Get("Set-Cookie"), tokenCookie+"="+testToken)
	assert.Contains(t, resp.body, `data-icon="box"`)
	assert.Contains(t, resp.body, `href="/core/v1/pods"`)
	assert.Contains(t, resp.body, "Running containers")
}

func withCookie(r *http.Request) {
	r.AddCookie(&http.Cookie{Name: tokenCookie, Value: testToken})
}

func TestPages_List(t *testing.T) {
	srv := newDefaultServer(t)

	resp := do(t, srv, http.MethodGet, "/core/v1/pods", withCookie)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Contains(t, resp.body, `href="/core/v1/pods/ns1/a"`)
	assert.Contains(t, resp.body, `href="/core/v1/pods/default/b"`)

	resp = do(t, srv, http.MethodGet, "/broken.io/v1/things", withCookie)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Contains(t, resp.body, "Could not load broken.io/v1/things")
	assert.Contains(t, resp.body, "cluster request failed")
	assert.NotContains(t, resp.body, "apis/broken.io")
	assert.NotContains(t, resp.body, "Internal Server Error")
}

func TestPages_DetailStates(t *testing.T) {
	t.Run("rendered", func(t *testing.T) {
		srv := newDefaultServer(t)
		resp := do(t, srv, http.MethodGet, "/core/v1/pods/ns1/a", withCookie)
		require.Equal(t, http.StatusOK, resp.status)
		assert.Contains(t, resp.body, `<p class="node">node-7</p>`)
	})

	t.Run("not found", func(t *testing.T) {
		srv := newDefaultServer(t)
		resp := do(t, srv, http.MethodGet, "/core/v1/pods/ns1/zzz", withCookie)
		assert.Equal(t, http.StatusNotFound, resp.status)
		assert.Contains(t, resp.body, "Resource core/v1/pods/ns1/zzz not found")
	})

	t.Run("no viewer", func(t *testing.T) {
		backend := fakeAPIServer(t)
		srv := newTestServer(t, cluster.NewStaticManager("test", &rest.Config{Host: backend.URL}), staticResolver(nil))
		resp := do(t, srv, http.MethodGet, "/core/v1/pods/default/b", withCookie)
		require.Equal(t, http.StatusOK, resp.status)
		assert.Contains(t, resp.body, "No viewer available for core/v1/pods.")
	})

	t.Run("render error", func(t *testing.T) {
		backend := fakeAPIServer(t)
		failing := viewer.RendererFunc(func(w io.Writer, obj *unstructured.Unstructured) error {
			return assert.AnError
		})
		srv := newTestServer(t, cluster.NewStaticManager("test", &rest.Config{Host: backend.URL}), staticResolver(failing))
		resp := do(t, srv, http.MethodGet, "/core/v1/pods/ns1/a", withCookie)
		require.Equal(t, http.StatusOK, resp.status)
		assert.Contains(t, resp.body, "Could not show ns1/a")
		assert.Contains(t, resp.body, "the viewer failed to render this object")
		assert.NotContains(t, resp.body, assert.AnError.Error())
		assert.NotContains(t, resp.body, `class="viewer"`)
	})

	t.Run("fetch error", func(t *testing.T) {
		srv := newDefaultServer(t)
		resp := do(t, srv, http.MethodGet, "/broken.io/v1/things/default/x", withCookie)
		require.Equal(t, http.StatusOK, resp.status)
		assert.Contains(t, resp.body, "Could not show default/x")
		assert.Contains(t, resp.body, "cluster request failed")
		assert.NotContains(t, resp.body, "apis/broken.io")
	})

	t.Run("loading", func(t *testing.T) {
		release := make(chan struct{})
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
			_, _ = io.WriteString(w, `{"items":[]}`)
		}))
		t.Cleanup(backend.Close)
		t.Cleanup(func() { close(release) })

		mgr := cluster.NewStaticManager("slow", &rest.Config{Host: backend.URL})
		s := New(mgr, Options{Token: testToken, Logger: discardLogger(), PageWait: 10 * time.Millisecond})
		srv := httptest.NewServer(s.Router())
		t.Cleanup(srv.Close)

		resp := do(t, srv, http.MethodGet, "/core/v1/pods/ns1/a", withCookie)
		require.Equal(t, http.StatusOK, resp.status)
		assert.Contains(t, resp.body, `http-equiv="refresh"`)
		assert.True(t, strings.Contains(resp.body, "Loading core/v1/pods"))
	})
}
