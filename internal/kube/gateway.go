package kube

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	utiljson "k8s.io/apimachinery/pkg/util/json"
	"k8s.io/client-go/rest"

	"kportal/internal/metrics"
)

// Gateway issues authenticated GET requests against the API server. It does
// not retry; retry policy belongs to callers.
type Gateway struct {
	server string
	client *http.Client
}

// NewGateway resolves the server URL and auth transport from cfg.
func NewGateway(cfg *rest.Config) (*Gateway, error) {
	if cfg == nil || strings.TrimSpace(cfg.Host) == "" {
		return nil, ErrNoServerConfigured
	}

	client, err := rest.HTTPClientFor(cfg)
	if err != nil {
		return nil, fmt.Errorf("build http client: %w", err)
	}

	server := strings.TrimRight(cfg.Host, "/")
	if !strings.Contains(server, "://") {
		if cfg.TLSClientConfig.Insecure || rest.IsConfigTransportTLS(*cfg) {
			server = "https://" + server
		} else {
			server = "http://" + server
		}
	}

	return &Gateway{server: server, client: client}, nil
}

// Server returns the API server base URL.
func (g *Gateway) Server() string {
	return g.server
}

type requestOptions struct {
	query     url.Values
	accept    string
	operation string
}

type RequestOption func(*requestOptions)

func WithQuery(q url.Values) RequestOption {
	return func(o *requestOptions) { o.query = q }
}

func WithAccept(accept string) RequestOption {
	return func(o *requestOptions) { o.accept = accept }
}

// WithOperation labels the request in metrics.
func WithOperation(op string) RequestOption {
	return func(o *requestOptions) { o.operation = op }
}

// Request GETs path relative to the server and returns the raw body. Any
// status other than 200 is returned as *RequestError.
func (g *Gateway) Request(ctx context.Context, path string, opts ...RequestOption) ([]byte, error) {
	o := requestOptions{accept: "application/json", operation: "request"}
	for _, opt := range opts {
		opt(&o)
	}

	parts := []string{g.server}
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	u := strings.Join(parts, "/")
	if len(o.query) > 0 {
		u += "?" + o.query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Accept", o.accept)

	resp, err := g.client.Do(req)
	if err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues(o.operation, "error").Inc()
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	metrics.GatewayRequestsTotal.WithLabelValues(o.operation, strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Status:     statusText(resp),
			Path:       path,
		}
	}
	return body, nil
}

func statusText(resp *http.Response) string {
	// resp.Status is "404 Not Found"; keep the reason phrase only.
	if _, reason, ok := strings.Cut(resp.Status, " "); ok && reason != "" {
		return reason
	}
	return http.StatusText(resp.StatusCode)
}

// List returns all objects of key, across all namespaces when namespace is
// empty. Items are returned in response order.
func (g *Gateway) List(ctx context.Context, key ResourceKey, namespace string) ([]unstructured.Unstructured, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	body, err := g.Request(ctx, ListPath(key, namespace), WithOperation("list"))
	if err != nil {
		return nil, err
	}

	var list map[string]interface{}
	if err := utiljson.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("decode %s list: %w", key, err)
	}

	items, _ := list["items"].([]interface{})
	out := make([]unstructured.Unstructured, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, unstructured.Unstructured{Object: obj})
	}
	return out, nil
}

// Get returns a single object. A 404 is reported as *NotFoundError.
func (g *Gateway) Get(ctx context.Context, key ResourceKey, namespace, name string) (*unstructured.Unstructured, error) {
	if err := ValidateObjectName(namespace, name); err != nil {
		return nil, err
	}
	p := ObjectPath(key, namespace, name)
	body, err := g.Request(ctx, p, WithOperation("get"))
	if err != nil {
		if StatusCode(err) == http.StatusNotFound {
			return nil, &NotFoundError{Path: p}
		}
		return nil, err
	}

	obj := map[string]interface{}{}
	if err := utiljson.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("decode %s: %w", p, err)
	}
	return &unstructured.Unstructured{Object: obj}, nil
}

// ListNamespaces returns namespace names in response order.
func (g *Gateway) ListNamespaces(ctx context.Context) ([]string, error) {
	body, err := g.Request(ctx, "api/v1/namespaces", WithOperation("namespaces"))
	if err != nil {
		return nil, err
	}

	var list corev1.NamespaceList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("decode namespaces: %w", err)
	}

	out := make([]string, 0, len(list.Items))
	for _, ns := range list.Items {
		out = append(out, ns.Name)
	}
	return out, nil
}

// GetCRD fetches a CustomResourceDefinition by its full name (<plural>.<group>).
func (g *Gateway) GetCRD(ctx context.Context, name string) (*apiextensionsv1.CustomResourceDefinition, error) {
	p := "apis/apiextensions.k8s.io/v1/customresourcedefinitions/" + name
	body, err := g.Request(ctx, p, WithOperation("crd"))
	if err != nil {
		if StatusCode(err) == http.StatusNotFound {
			return nil, &NotFoundError{Path: p}
		}
		return nil, err
	}

	crd := &apiextensionsv1.CustomResourceDefinition{}
	if err := json.Unmarshal(body, crd); err != nil {
		return nil, fmt.Errorf("decode crd %s: %w", name, err)
	}
	return crd, nil
}

// OpenAPIModel returns the raw OpenAPI v2 document of the cluster.
func (g *Gateway) OpenAPIModel(ctx context.Context) ([]byte, error) {
	return g.Request(ctx, "openapi/v2", WithOperation("openapi"))
}

// APIResources returns the discovery document for group/version.
func (g *Gateway) APIResources(ctx context.Context, group, version string) (*metav1.APIResourceList, error) {
	body, err := g.Request(ctx, GroupVersionPath(group, version), WithOperation("discovery"))
	if err != nil {
		return nil, err
	}

	list := &metav1.APIResourceList{}
	if err := json.Unmarshal(body, list); err != nil {
		return nil, fmt.Errorf("decode discovery %s/%s: %w", group, version, err)
	}
	return list, nil
}
