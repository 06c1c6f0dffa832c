package generator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/rest"

	"kportal/internal/kube"
	"kportal/internal/registry"
)

const openAPIModel = `{
  "swagger": "2.0",
  "definitions": {
    "com.acme.v1.Workload": {
      "type": "object",
      "properties": {
        "metadata": {"$ref": "#/definitions/io.k8s.apimachinery.pkg.apis.meta.v1.ObjectMeta"},
        "spec": {"$ref": "#/definitions/com.acme.v1.WorkloadSpec"}
      },
      "x-kubernetes-group-version-kind": [{"group": "acme.com", "version": "v1", "kind": "Workload"}]
    },
    "com.acme.v1.WorkloadSpec": {
      "type": "object",
      "properties": {
        "replicas": {"type": "integer"},
        "template": {"$ref": "#/definitions/com.acme.v1.Workload"},
        "owners": {"type": "array", "items": {"$ref": "#/definitions/io.k8s.apimachinery.pkg.apis.meta.v1.ObjectMeta"}}
      }
    },
    "io.k8s.apimachinery.pkg.apis.meta.v1.ObjectMeta": {
      "type": "object",
      "properties": {
        "name": {"type": "string"},
        "ownerOf": {"$ref": "#/definitions/com.acme.v1.WorkloadSpec"}
      }
    },
    "io.k8s.api.core.v1.Service": {
      "type": "object",
      "properties": {
        "metadata": {"$ref": "#/definitions/io.k8s.apimachinery.pkg.apis.meta.v1.ObjectMeta"}
      },
      "x-kubernetes-group-version-kind": [{"group": "", "version": "v1", "kind": "Service"}]
    },
    "io.k8s.api.core.v1.Event": {
      "type": "object",
      "x-kubernetes-group-version-kind": [{"group": "", "version": "v1", "kind": "Event"}]
    },
    "io.k8s.api.events.v1.Event": {
      "type": "object",
      "x-kubernetes-group-version-kind": [{"group": "events.k8s.io", "version": "v1", "kind": "Event"}]
    },
    "com.acme.v1.Dangling": {
      "type": "object",
      "properties": {"x": {"$ref": "#/definitions/com.acme.v1.Missing"}}
    }
  }
}`

func mustModel(t *testing.T) *Model {
	t.Helper()
	m, err := ParseModel([]byte(openAPIModel))
	require.NoError(t, err)
	return m
}

func discoveryList(groupVersion string, resources ...metav1.APIResource) []byte {
	b, _ := json.Marshal(metav1.APIResourceList{GroupVersion: groupVersion, APIResources: resources})
	return b
}

// fakeCluster serves the model and discovery documents.
func fakeCluster(t *testing.T) *kube.Gateway {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/openapi/v2", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(openAPIModel))
	})
	mux.HandleFunc("/apis/acme.com/v1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(discoveryList("acme.com/v1",
			metav1.APIResource{Name: "workloads/status", Kind: "Workload"},
			metav1.APIResource{Name: "workloads", Kind: "Workload", Namespaced: true},
		))
	})
	mux.HandleFunc("/api/v1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(discoveryList("v1",
			metav1.APIResource{Name: "pods", Kind: "Pod", Namespaced: true},
			metav1.APIResource{Name: "services", Kind: "Service", Namespaced: true},
		))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	g, err := kube.NewGateway(&rest.Config{Host: srv.URL})
	require.NoError(t, err)
	return g
}

type fakeSynth struct {
	calls atomic.Int32
	fail  map[string]error
}

func (f *fakeSynth) Synthesize(ctx context.Context, req Request) (Output, error) {
	f.calls.Add(1)
	if err := f.fail[req.Identity.Kind]; err != nil {
		return Output{}, err
	}
	return Output{
		RendererSource: `<h1>{{ get . "metadata.name" }}</h1>`,
		IconName:       "box",
		Description:    req.Identity.Kind + " objects",
	}, nil
}

func (f *fakeSynth) Messages(req Request) (string, string, error) {
	user, err := UserPrompt(req)
	return SystemPrompt(false), user, err
}

func TestExpand_TransitiveAndCyclic(t *testing.T) {
	m := mustModel(t)

	b, err := Expand(m, "com.acme.v1.Workload")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"com.acme.v1.Workload",
		"com.acme.v1.WorkloadSpec",
		"io.k8s.apimachinery.pkg.apis.meta.v1.ObjectMeta",
	}, b.Names())
	assert.Equal(t, "com.acme.v1.Workload", b.Root)

	// Every reference inside the bundle resolves inside the bundle.
	for name, def := range b.Definitions {
		for _, ref := range refs(def) {
			_, ok := b.Definitions[ref[len(definitionsRef):]]
			assert.True(t, ok, "%s references %s outside the bundle", name, ref)
		}
	}

	raw, err := json.Marshal(b)
	require.NoError(t, err)
	assert.True(t, gjson.GetBytes(raw, `definitions.com\.acme\.v1\.WorkloadSpec`).Exists())
}

func TestExpand_MissingReference(t *testing.T) {
	_, err := Expand(mustModel(t), "com.acme.v1.Dangling")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "com.acme.v1.Missing")
}

func TestFindDefinition(t *testing.T) {
	m := mustModel(t)

	name, err := m.FindDefinition("io.k8s.api.core.v1.Service")
	require.NoError(t, err)
	assert.Equal(t, "io.k8s.api.core.v1.Service", name)

	name, err = m.FindDefinition("Workload")
	require.NoError(t, err)
	assert.Equal(t, "com.acme.v1.Workload", name)

	_, err = m.FindDefinition("Event")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")

	_, err = m.FindDefinition("BrokenCRD")
	assert.Error(t, err)
}

func TestParseModel_Invalid(t *testing.T) {
	_, err := ParseModel([]byte(`{"swagger": "2.0"}`))
	assert.Error(t, err)
	_, err = ParseModel([]byte(`not json`))
	assert.Error(t, err)
}

func TestGVKOf(t *testing.T) {
	def, _ := mustModel(t).Definition("io.k8s.api.core.v1.Service")
	gvk, err := GVKOf(def)
	require.NoError(t, err)
	assert.Equal(t, "", gvk.Group)
	assert.Equal(t, "v1", gvk.Version)
	assert.Equal(t, "Service", gvk.Kind)

	_, err = GVKOf(json.RawMessage(`{"type":"object"}`))
	assert.Error(t, err)
}

func TestResolveIdentity_SkipsSubresources(t *testing.T) {
	g := fakeCluster(t)

	id, err := ResolveIdentity(t.Context(), g, mustGVK(t, "com.acme.v1.Workload"))
	require.NoError(t, err)
	assert.Equal(t, "workloads", id.Plural)
	assert.True(t, id.Namespaced)
	assert.Equal(t, kube.NewResourceKey("acme.com", "v1", "workloads"), id.Key())
}

func mustGVK(t *testing.T, name string) schema.GroupVersionKind {
	t.Helper()
	def, ok := mustModel(t).Definition(name)
	require.True(t, ok)
	gvk, err := GVKOf(def)
	require.NoError(t, err)
	return gvk
}

func TestParseOutput(t *testing.T) {
	out, err := ParseOutput(`{"rendererSource":"<p>x</p>","iconName":"server","description":"A thing."}`, false)
	require.NoError(t, err)
	assert.Equal(t, Output{RendererSource: "<p>x</p>", IconName: "server", Description: "A thing."}, out)

	out, err = ParseOutput("```json\n{\"rendererSource\":\"<p>x</p>\"}\n```", false)
	require.NoError(t, err)
	assert.Equal(t, DefaultIcon, out.IconName)

	for _, bad := range []string{``, `[]`, `{"iconName":"box"}`, `{"rendererSource": 5}`, `plain text`} {
		_, err := ParseOutput(bad, false)
		assert.ErrorIs(t, err, ErrGenerationContract, "input %q", bad)
	}

	out, err = ParseOutput("```\n<p>legacy</p>\n```", true)
	require.NoError(t, err)
	assert.Equal(t, "<p>legacy</p>", out.RendererSource)

	_, err = ParseOutput("   ", true)
	assert.ErrorIs(t, err, ErrGenerationContract)
}

func TestChatClient(t *testing.T) {
	var got map[string]interface{}
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"finish_reason":"stop","message":{"role":"assistant","content":"{\"rendererSource\":\"<p/>\",\"iconName\":\"box\",\"description\":\"d\"}"}}]}`))
	}))
	defer srv.Close()

	c := NewChatClient(ChatConfig{BaseURL: srv.URL + "/v1/", APIKey: "sk-test", Model: "gpt-4o", MaxTokens: 4096}, nil)
	out, err := c.Synthesize(t.Context(), Request{
		Identity: Identity{Group: "acme.com", Version: "v1", Kind: "Workload", Plural: "workloads"},
		Schema:   &Bundle{Root: "x", Definitions: map[string]json.RawMessage{"x": json.RawMessage(`{"type":"object"}`)}},
	})
	require.NoError(t, err)
	assert.Equal(t, "<p/>", out.RendererSource)

	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, "gpt-4o", got["model"])
	assert.EqualValues(t, 4096, got["max_tokens"])
	assert.Equal(t, map[string]interface{}{"type": "json_object"}, got["response_format"])

	msgs := got["messages"].([]interface{})
	require.Len(t, msgs, 2)
	system := msgs[0].(map[string]interface{})["content"].(string)
	user := msgs[1].(map[string]interface{})["content"].(string)
	assert.Contains(t, system, `template "conditions"`)
	assert.Contains(t, system, "rendererSource")
	assert.Contains(t, user, `Schema: {"definitions":{"x":{"type":"object"}}}`)
	assert.Contains(t, user, "acme.com/v1")
}

func TestChatClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	c := NewChatClient(ChatConfig{BaseURL: srv.URL, Model: "m"}, nil)
	_, err := c.Synthesize(t.Context(), Request{Schema: &Bundle{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
	assert.NotErrorIs(t, err, ErrGenerationContract)
}

func TestChatClient_LegacyAndTruncated(t *testing.T) {
	reply := `{"choices":[{"finish_reason":"stop","message":{"content":"<p>raw</p>"}}]}`
	var format interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		format = body["response_format"]
		_, _ = w.Write([]byte(reply))
	}))
	defer srv.Close()

	c := NewChatClient(ChatConfig{BaseURL: srv.URL, Model: "m", Legacy: true}, nil)
	out, err := c.Synthesize(t.Context(), Request{Schema: &Bundle{}})
	require.NoError(t, err)
	assert.Equal(t, "<p>raw</p>", out.RendererSource)
	assert.Nil(t, format)

	reply = `{"choices":[{"finish_reason":"length","message":{"content":"{\"rendererSource\":"}}]}`
	c = NewChatClient(ChatConfig{BaseURL: srv.URL, Model: "m"}, nil)
	_, err = c.Synthesize(t.Context(), Request{Schema: &Bundle{}})
	assert.ErrorIs(t, err, ErrGenerationContract)
}

func TestCachedSynthesizer(t *testing.T) {
	cache, err := OpenCache(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer cache.Close()

	next := &fakeSynth{}
	s := Cached(next, cache, "gpt-4o", nil)
	req := Request{
		Identity: Identity{Version: "v1", Kind: "Service", Plural: "services"},
		Schema:   &Bundle{Definitions: map[string]json.RawMessage{"s": json.RawMessage(`{}`)}},
	}

	first, err := s.Synthesize(t.Context(), req)
	require.NoError(t, err)
	second, err := s.Synthesize(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), next.calls.Load())

	_, err = Cached(next, cache, "other-model", nil).Synthesize(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(2), next.calls.Load())

	// Failures are not cached.
	next.fail = map[string]error{"Pod": errors.New("boom")}
	podReq := req
	podReq.Identity.Kind = "Pod"
	_, err = s.Synthesize(t.Context(), podReq)
	require.Error(t, err)
	_, err = s.Synthesize(t.Context(), podReq)
	require.Error(t, err)
	assert.Equal(t, int32(4), next.calls.Load())
}

func TestPersist_WritesPair(t *testing.T) {
	root := t.TempDir()
	entry := registry.Entry{Group: "acme.com", Plural: "workloads", Version: "v1", Icon: "box", Description: "d", Kind: "Workload"}

	require.NoError(t, Persist(root, Artifact{Entry: entry, Source: "<p/>"}))

	src, err := os.ReadFile(filepath.Join(root, "acme.com", "v1", "workloads.gohtml"))
	require.NoError(t, err)
	assert.Equal(t, "<p/>", string(src))

	got, err := registry.ReadMetadata(filepath.Join(root, "acme.com", "v1", "workloads.metadata.json"))
	require.NoError(t, err)
	assert.Equal(t, entry, got)

	leftovers, _ := filepath.Glob(filepath.Join(root, "acme.com", "v1", ".*"))
	assert.Empty(t, leftovers)
}

func TestPersist_RestoresRendererWhenMetadataFails(t *testing.T) {
	root := t.TempDir()
	entry := registry.Entry{Group: "acme.com", Plural: "workloads", Version: "v1", Icon: "box", Kind: "Workload"}
	key := entry.Key()

	require.NoError(t, os.MkdirAll(filepath.Dir(registry.RendererPath(root, key)), 0o755))
	require.NoError(t, os.WriteFile(registry.RendererPath(root, key), []byte("old"), 0o644))
	// A directory where the metadata file belongs makes the final rename fail.
	require.NoError(t, os.MkdirAll(filepath.Join(registry.MetadataPath(root, key), "blocker"), 0o755))

	err := Persist(root, Artifact{Entry: entry, Source: "new"})
	require.Error(t, err)

	src, err := os.ReadFile(registry.RendererPath(root, key))
	require.NoError(t, err)
	assert.Equal(t, "old", string(src))
}

func TestFromCRD(t *testing.T) {
	crd := testCRD()
	sub, err := FromCRD("workloads.acme.com", crd)
	require.NoError(t, err)

	assert.Equal(t, Identity{Group: "acme.com", Version: "v1", Kind: "Workload", Plural: "workloads", Namespaced: true}, sub.Identity)
	assert.Equal(t, []string{"acme.com.v1.Workload"}, sub.Schema.Names())
	assert.Equal(t, "object", gjson.GetBytes(sub.Schema.RootDefinition(), "type").String())
	assert.Contains(t, sub.Context, "kind: Workload")
	assert.NotContains(t, sub.Context, "managedFields")
}

func TestReadCRDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`apiVersion: apiextensions.k8s.io/v1
kind: CustomResourceDefinition
metadata:
  name: workloads.acme.com
spec:
  group: acme.com
  scope: Namespaced
  names:
    kind: Workload
    plural: workloads
  versions:
  - name: v1
    served: true
    storage: true
    schema:
      openAPIV3Schema:
        type: object
        properties:
          spec:
            type: object
`), 0o644))

	sub, err := FileSource{}.Discover(t.Context(), path)
	require.NoError(t, err)
	assert.Equal(t, kube.NewResourceKey("acme.com", "v1", "workloads"), sub.Identity.Key())

	bad := filepath.Join(t.TempDir(), "svc.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("apiVersion: v1\nkind: Service\nmetadata:\n  name: x\n"), 0o644))
	_, err = FileSource{}.Discover(t.Context(), bad)
	assert.Error(t, err)
}

func testCRD() *apiextensionsv1.CustomResourceDefinition {
	return &apiextensionsv1.CustomResourceDefinition{
		ObjectMeta: metav1.ObjectMeta{
			Name:          "workloads.acme.com",
			ManagedFields: []metav1.ManagedFieldsEntry{{Manager: "kubectl"}},
		},
		Spec: apiextensionsv1.CustomResourceDefinitionSpec{
			Group: "acme.com",
			Scope: apiextensionsv1.NamespaceScoped,
			Names: apiextensionsv1.CustomResourceDefinitionNames{Kind: "Workload", Plural: "workloads"},
			Versions: []apiextensionsv1.CustomResourceDefinitionVersion{
				{Name: "v1beta1", Served: true},
				{
					Name: "v1", Served: true, Storage: true,
					Schema: &apiextensionsv1.CustomResourceValidation{
						OpenAPIV3Schema: &apiextensionsv1.JSONSchemaProps{Type: "object"},
					},
				},
			},
		},
	}
}

func TestPipeline_IsolatesFailures(t *testing.T) {
	root := t.TempDir()
	regPath := registry.DefaultRegistryFile(root)
	synth := &fakeSynth{}

	p := &Pipeline{
		Source:       NewModelSource(fakeCluster(t)),
		Synthesizer:  synth,
		Root:         root,
		RegistryPath: regPath,
	}

	report, err := p.Run(t.Context(), []string{"Workload", "BrokenCRD", "Service"})
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(root, "acme.com", "v1", "workloads.gohtml"))
	assert.FileExists(t, filepath.Join(root, "acme.com", "v1", "workloads.metadata.json"))
	assert.FileExists(t, filepath.Join(root, "core", "v1", "services.gohtml"))
	assert.FileExists(t, filepath.Join(root, "core", "v1", "services.metadata.json"))

	require.Len(t, report.Failed, 1)
	assert.Equal(t, "BrokenCRD", report.Failed[0].Name)
	assert.Equal(t, StepDiscover, report.Failed[0].Step)
	assert.Len(t, report.Succeeded, 2)
	assert.Equal(t, int32(2), synth.calls.Load())

	reg, err := registry.Load(regPath)
	require.NoError(t, err)
	require.Equal(t, 2, reg.Len())

	workload, ok := reg.Lookup(kube.NewResourceKey("acme.com", "v1", "workloads"))
	require.True(t, ok)
	assert.Equal(t, registry.Entry{Group: "acme.com", Plural: "workloads", Version: "v1", Icon: "box", Description: "Workload objects", Kind: "Workload"}, workload)

	service, ok := reg.Lookup(kube.NewResourceKey("core", "v1", "services"))
	require.True(t, ok)
	assert.Equal(t, "core", service.Group)
	assert.Equal(t, report.Registry, reg.Entries())
}

func TestPipeline_GenerationFailureIsIsolated(t *testing.T) {
	root := t.TempDir()
	synth := &fakeSynth{fail: map[string]error{"Workload": ErrGenerationContract}}

	p := &Pipeline{
		Source:       NewModelSourceFrom(mustModel(t), fakeCluster(t)),
		Synthesizer:  synth,
		Root:         root,
		RegistryPath: registry.DefaultRegistryFile(root),
	}

	report, err := p.Run(t.Context(), []string{"Workload", "Service"})
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, StepGenerate, report.Failed[0].Step)
	assert.ErrorIs(t, report.Failed[0], ErrGenerationContract)
	assert.NoFileExists(t, filepath.Join(root, "acme.com", "v1", "workloads.gohtml"))
	assert.Len(t, report.Registry, 1)
}

func TestPipeline_ModelFetchFailureFailsEachItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	g, err := kube.NewGateway(&rest.Config{Host: srv.URL})
	require.NoError(t, err)

	root := t.TempDir()
	p := &Pipeline{Source: NewModelSource(g), Synthesizer: &fakeSynth{}, Root: root, RegistryPath: registry.DefaultRegistryFile(root)}

	report, err := p.Run(t.Context(), []string{"Workload", "Service"})
	require.NoError(t, err)
	assert.Len(t, report.Failed, 2)
	assert.Empty(t, report.Registry)
	assert.FileExists(t, registry.DefaultRegistryFile(root))
}

func TestPipeline_CRDSource(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/apis/apiextensions.k8s.io/v1/customresourcedefinitions/workloads.acme.com", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(testCRD())
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	g, err := kube.NewGateway(&rest.Config{Host: srv.URL})
	require.NoError(t, err)

	root := t.TempDir()
	p := &Pipeline{Source: CRDSource{API: g}, Synthesizer: &fakeSynth{}, Root: root, RegistryPath: registry.DefaultRegistryFile(root)}

	report, err := p.Run(t.Context(), []string{"workloads.acme.com", "missing.acme.com"})
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
	assert.True(t, kube.IsNotFound(report.Failed[0].Err))
	assert.FileExists(t, filepath.Join(root, "acme.com", "v1", "workloads.gohtml"))
}

func TestRegistryDiff(t *testing.T) {
	a := []registry.Entry{{Group: "core", Plural: "pods", Version: "v1", Icon: "box"}}
	b := append(a, registry.Entry{Group: "core", Plural: "services", Version: "v1", Icon: "box"})

	assert.Empty(t, registryDiff(a, a))
	assert.Contains(t, registryDiff(a, b), `+    "plural": "services",`)
	assert.Empty(t, registryDiff(nil, []registry.Entry{}))
}
