// Package config holds the settings of both binaries after flag and
// environment parsing.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"kportal/internal/logging"
	"kportal/internal/registry"
)

const (
	DefaultListen         = "127.0.0.1:10443"
	DefaultViewsDir       = "views"
	DefaultDedupeInterval = 2 * time.Second
	DefaultFetchTimeout   = 30 * time.Second
	DefaultAPIBase        = "https://api.openai.com/v1"
	DefaultModel          = "gpt-4o"
	DefaultMaxTokens      = 4096
)

type Logging struct {
	Format string
	Level  string
}

func (l Logging) Validate() error {
	if _, err := logging.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch strings.ToLower(l.Format) {
	case "", logging.FormatText, logging.FormatJSON:
		return nil
	default:
		return fmt.Errorf("config: log format must be text or json, got %q", l.Format)
	}
}

// Cluster selects the ambient cluster configuration.
type Cluster struct {
	Kubeconfig string
	Context    string
}

// Server configures the portal.
type Server struct {
	Listen         string
	Open           bool
	Token          string
	ViewsDir       string
	RegistryFile   string
	PollInterval   time.Duration
	DedupeInterval time.Duration
	FetchTimeout   time.Duration
	AllowedOrigins []string

	Cluster Cluster
	Logging Logging
}

// DefaultServer returns the server settings used when no flags are given.
func DefaultServer() Server {
	return Server{
		Listen:         DefaultListen,
		Open:           true,
		ViewsDir:       DefaultViewsDir,
		DedupeInterval: DefaultDedupeInterval,
		FetchTimeout:   DefaultFetchTimeout,
		Logging:        Logging{Format: logging.FormatText, Level: "info"},
	}
}

// RegistryPath is RegistryFile, defaulting to registry.json in the views dir.
func (s Server) RegistryPath() string {
	return registryPath(s.RegistryFile, s.ViewsDir)
}

func (s Server) Validate() error {
	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		return fmt.Errorf("config: listen address %q: %w", s.Listen, err)
	}
	if s.ViewsDir == "" {
		return fmt.Errorf("config: views directory is required")
	}
	if s.PollInterval < 0 {
		return fmt.Errorf("config: poll interval must be >= 0, got %v", s.PollInterval)
	}
	if s.PollInterval > 0 && s.PollInterval < time.Second {
		return fmt.Errorf("config: poll interval must be >= 1s, got %v", s.PollInterval)
	}
	if s.DedupeInterval < 0 {
		return fmt.Errorf("config: dedupe interval must be >= 0, got %v", s.DedupeInterval)
	}
	if s.FetchTimeout <= 0 {
		return fmt.Errorf("config: fetch timeout must be > 0, got %v", s.FetchTimeout)
	}
	return s.Logging.Validate()
}

// Source selects where the generator reads schemas from.
type Source string

const (
	SourceModel Source = "model"
	SourceCRD   Source = "crd"
	SourceFile  Source = "file"
)

// Generator configures kportal-gen.
type Generator struct {
	Names        []string
	Source       Source
	ViewsDir     string
	RegistryFile string
	ReindexOnly  bool
	Show         bool

	APIBase   string
	APIKey    string
	Model     string
	MaxTokens int
	Legacy    bool
	Timeout   time.Duration

	// CacheFile enables the completion cache when set.
	CacheFile string

	Cluster Cluster
	Logging Logging
}

func DefaultGenerator() Generator {
	return Generator{
		Source:    SourceModel,
		ViewsDir:  DefaultViewsDir,
		APIBase:   DefaultAPIBase,
		Model:     DefaultModel,
		MaxTokens: DefaultMaxTokens,
		Timeout:   5 * time.Minute,
		Logging:   Logging{Format: logging.FormatText, Level: "info"},
	}
}

func (g Generator) RegistryPath() string {
	return registryPath(g.RegistryFile, g.ViewsDir)
}

// NeedsCluster reports whether the run talks to the API server.
func (g Generator) NeedsCluster() bool {
	return !g.ReindexOnly && g.Source != SourceFile
}

func (g Generator) Validate() error {
	if g.ViewsDir == "" {
		return fmt.Errorf("config: views directory is required")
	}
	if err := g.Logging.Validate(); err != nil {
		return err
	}
	if g.ReindexOnly {
		return nil
	}
	if len(g.Names) == 0 {
		return fmt.Errorf("config: at least one resource type is required")
	}
	switch g.Source {
	case SourceModel, SourceCRD, SourceFile:
	default:
		return fmt.Errorf("config: unknown schema source %q", g.Source)
	}
	u, err := url.Parse(g.APIBase)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: api base must be an http(s) URL, got %q", g.APIBase)
	}
	if g.Model == "" {
		return fmt.Errorf("config: model is required")
	}
	if g.MaxTokens < 0 {
		return fmt.Errorf("config: max tokens must be >= 0, got %d", g.MaxTokens)
	}
	return nil
}

func registryPath(file, views string) string {
	if file != "" {
		return file
	}
	return registry.DefaultRegistryFile(views)
}
