package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/clientcmd/api"

	"kportal/internal/kube"
)

// InClusterContext names the context used when running inside a pod.
const InClusterContext = "in-cluster"

type ContextInfo struct {
	Name      string `json:"name"`
	Cluster   string `json:"cluster"`
	AuthInfo  string `json:"authInfo"`
	Namespace string `json:"namespace,omitempty"`
}

// Manager resolves the ambient cluster configuration and keeps one Gateway per
// kubeconfig context.
type Manager struct {
	mu sync.RWMutex

	kubeconfigPath string
	rawConfig      api.Config

	activeContext string

	// static is set when the manager serves a single fixed rest.Config.
	static *rest.Config

	clients map[string]*Clients
}

type Clients struct {
	RestConfig *rest.Config
	Gateway    *kube.Gateway
}

func defaultKubeconfigPath() string {
	if v := os.Getenv("KUBECONFIG"); v != "" {
		// clientcmd accepts a path list; only the first entry is used here.
		if list := filepath.SplitList(v); len(list) > 0 {
			return list[0]
		}
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".kube", "config")
}

// NewManager loads the kubeconfig at path (or the default location). When no
// kubeconfig exists it falls back to the in-cluster service account; when
// neither is available the manager is still returned and every GetClients call
// reports kube.ErrNoServerConfigured.
func NewManager(path, contextOverride string) (*Manager, error) {
	if path == "" {
		path = defaultKubeconfigPath()
	}

	m := &Manager{
		kubeconfigPath: path,
		clients:        map[string]*Clients{},
	}

	loadingRules := &clientcmd.ClientConfigLoadingRules{ExplicitPath: path}
	cfg, err := loadingRules.Load()
	switch {
	case err == nil:
		m.rawConfig = *cfg
		m.activeContext = cfg.CurrentContext
	case errors.Is(err, os.ErrNotExist):
		if inCluster, icErr := rest.InClusterConfig(); icErr == nil {
			m.static = inCluster
			m.activeContext = InClusterContext
		}
	default:
		return nil, fmt.Errorf("load kubeconfig: %w", err)
	}

	if contextOverride != "" {
		if err := m.SetActiveContext(contextOverride); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NewStaticManager serves a single fixed configuration under name.
func NewStaticManager(name string, cfg *rest.Config) *Manager {
	return &Manager{
		static:        cfg,
		activeContext: name,
		clients:       map[string]*Clients{},
	}
}

func (m *Manager) ListContexts() []ContextInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.static != nil {
		return []ContextInfo{{Name: m.activeContext, Cluster: m.static.Host}}
	}

	out := make([]ContextInfo, 0, len(m.rawConfig.Contexts))
	for name, ctx := range m.rawConfig.Contexts {
		out = append(out, ContextInfo{
			Name:      name,
			Cluster:   ctx.Cluster,
			AuthInfo:  ctx.AuthInfo,
			Namespace: ctx.Namespace,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) ActiveContext() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeContext
}

func (m *Manager) SetActiveContext(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.static != nil {
		if name != m.activeContext {
			return fmt.Errorf("unknown context: %s", name)
		}
		return nil
	}
	if _, ok := m.rawConfig.Contexts[name]; !ok {
		return fmt.Errorf("unknown context: %s", name)
	}
	m.activeContext = name
	return nil
}

// GetClients returns the cached clients of the active context, building them
// on first use.
func (m *Manager) GetClients(ctx context.Context) (*Clients, string, error) {
	m.mu.RLock()
	active := m.activeContext
	if c, ok := m.clients[active]; ok {
		m.mu.RUnlock()
		return c, active, nil
	}
	m.mu.RUnlock()

	restCfg, err := m.restConfig(active)
	if err != nil {
		return nil, active, err
	}

	gw, err := kube.NewGateway(restCfg)
	if err != nil {
		return nil, active, err
	}

	clients := &Clients{
		RestConfig: restCfg,
		Gateway:    gw,
	}

	m.mu.Lock()
	m.clients[active] = clients
	m.mu.Unlock()

	return clients, active, nil
}

// Gateway is a shortcut for GetClients(ctx).Gateway.
func (m *Manager) Gateway(ctx context.Context) (*kube.Gateway, error) {
	c, _, err := m.GetClients(ctx)
	if err != nil {
		return nil, err
	}
	return c.Gateway, nil
}

// ListResources lists every object of key in the active context. It is the
// fetcher behind the resource cache.
func (m *Manager) ListResources(ctx context.Context, key kube.ResourceKey) ([]unstructured.Unstructured, error) {
	gw, err := m.Gateway(ctx)
	if err != nil {
		return nil, err
	}
	return gw.List(ctx, key, "")
}

func (m *Manager) restConfig(active string) (*rest.Config, error) {
	if m.static != nil {
		return rest.CopyConfig(m.static), nil
	}
	if active == "" || len(m.rawConfig.Contexts) == 0 {
		return nil, kube.ErrNoServerConfigured
	}

	// Exec plugins are supported, so OIDC logins work unchanged.
	overrides := &clientcmd.ConfigOverrides{CurrentContext: active}
	loadingRules := &clientcmd.ClientConfigLoadingRules{ExplicitPath: m.kubeconfigPath}
	cc := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides)

	restCfg, err := cc.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("build rest config: %w", err)
	}
	if restCfg.Host == "" {
		return nil, kube.ErrNoServerConfigured
	}
	return restCfg, nil
}
