package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/urfave/cli/v2"

	"kportal/internal/cluster"
	"kportal/internal/config"
	"kportal/internal/generator"
	"kportal/internal/logging"
	"kportal/internal/registry"
)

func main() {
	def := config.DefaultGenerator()

	app := &cli.App{
		Name:      "kportal-gen",
		Usage:     "generate resource viewers from cluster schemas",
		ArgsUsage: "<resourceType> [<resourceType>...]",
		Description: "Each argument names a definition of the cluster API model (a kind such as Deployment\n" +
			"or a full name such as io.k8s.api.apps.v1.Deployment). With --crd arguments are CRD\n" +
			"names (<plural>.<group>); with --schema-file they are paths to CRD manifests.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "kubeconfig", Usage: "kubeconfig path", EnvVars: []string{"KUBECONFIG"}},
			&cli.StringFlag{Name: "context", Usage: "kubeconfig context", EnvVars: []string{"KPORTAL_CONTEXT"}},
			&cli.StringFlag{Name: "views", Value: def.ViewsDir, Usage: "output directory of generated viewers", EnvVars: []string{"KPORTAL_VIEWS"}},
			&cli.StringFlag{Name: "registry", Usage: "registry file (default <views>/registry.json)", EnvVars: []string{"KPORTAL_REGISTRY"}},
			&cli.BoolFlag{Name: "crd", Usage: "arguments are CustomResourceDefinition names"},
			&cli.BoolFlag{Name: "schema-file", Usage: "arguments are CRD manifest files; no cluster is needed"},
			&cli.StringFlag{Name: "model", Value: def.Model, Usage: "completion model", EnvVars: []string{"KPORTAL_MODEL"}},
			&cli.StringFlag{Name: "api-base", Value: def.APIBase, Usage: "OpenAI-compatible API base URL", EnvVars: []string{"OPENAI_BASE_URL"}},
			&cli.StringFlag{Name: "api-key", Usage: "API key", EnvVars: []string{"OPENAI_API_KEY"}},
			&cli.IntFlag{Name: "max-tokens", Value: def.MaxTokens, Usage: "completion token limit, 0 for the backend default"},
			&cli.DurationFlag{Name: "timeout", Value: def.Timeout, Usage: "timeout of one completion request"},
			&cli.BoolFlag{Name: "legacy-output", Usage: "ask for raw template text instead of a JSON object"},
			&cli.StringFlag{Name: "cache", Value: ".kportal-gen.db", Usage: "completion cache file", EnvVars: []string{"KPORTAL_GEN_CACHE"}},
			&cli.BoolFlag{Name: "no-cache", Usage: "disable the completion cache"},
			&cli.BoolFlag{Name: "show", Usage: "print generated templates with syntax highlighting"},
			&cli.BoolFlag{Name: "reindex-only", Usage: "only rebuild the registry from existing metadata"},
			&cli.StringFlag{Name: "log-level", Value: def.Logging.Level, Usage: "debug, info, warn or error", EnvVars: []string{"KPORTAL_LOG_LEVEL"}},
			&cli.StringFlag{Name: "log-format", Value: def.Logging.Format, Usage: "text or json", EnvVars: []string{"KPORTAL_LOG_FORMAT"}},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 && !c.Bool("reindex-only") {
				_ = cli.ShowAppHelp(c)
				return cli.Exit("", 1)
			}

			cfg := config.Generator{
				Names:        c.Args().Slice(),
				Source:       config.SourceModel,
				ViewsDir:     c.String("views"),
				RegistryFile: c.String("registry"),
				ReindexOnly:  c.Bool("reindex-only"),
				Show:         c.Bool("show"),
				APIBase:      c.String("api-base"),
				APIKey:       c.String("api-key"),
				Model:        c.String("model"),
				MaxTokens:    c.Int("max-tokens"),
				Legacy:       c.Bool("legacy-output"),
				Timeout:      c.Duration("timeout"),
				Cluster:      config.Cluster{Kubeconfig: c.String("kubeconfig"), Context: c.String("context")},
				Logging:      config.Logging{Format: c.String("log-format"), Level: c.String("log-level")},
			}
			switch {
			case c.Bool("schema-file"):
				cfg.Source = config.SourceFile
			case c.Bool("crd"):
				cfg.Source = config.SourceCRD
			}
			if !c.Bool("no-cache") {
				cfg.CacheFile = c.String("cache")
			}
			if err := cfg.Validate(); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return run(cfg)
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("kportal-gen failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Generator) error {
	logger, err := logging.New(cfg.Logging.Format, cfg.Logging.Level, os.Stderr)
	if err != nil {
		return err
	}
	logging.Install(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := &generator.Pipeline{
		Root:         cfg.ViewsDir,
		RegistryPath: cfg.RegistryPath(),
		Logger:       logger,
	}

	if cfg.ReindexOnly {
		entries, err := p.Reindex(logger)
		if err != nil {
			return cli.Exit(fmt.Sprintf("reindex: %v", err), 1)
		}
		logger.Info("registry rebuilt", "path", p.RegistryPath, "entries", len(entries))
		return nil
	}

	src, err := source(ctx, cfg)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	p.Source = src

	chat := generator.NewChatClient(generator.ChatConfig{
		BaseURL:   cfg.APIBase,
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		MaxTokens: cfg.MaxTokens,
		Legacy:    cfg.Legacy,
		Timeout:   cfg.Timeout,
	}, logger)
	p.Synthesizer = chat

	if cfg.CacheFile != "" {
		cache, err := generator.OpenCache(cfg.CacheFile)
		if err != nil {
			logger.Warn("completion cache disabled", "path", cfg.CacheFile, "error", err)
		} else {
			defer cache.Close()
			p.Synthesizer = generator.Cached(chat, cache, cfg.Model, logger)
		}
	}

	report, err := p.Run(ctx, cfg.Names)
	if err != nil {
		return cli.Exit(fmt.Sprintf("reindex: %v", err), 1)
	}

	for _, f := range report.Failed {
		fmt.Fprintf(os.Stderr, "FAILED %s\n", f.Error())
	}
	fmt.Fprintf(os.Stderr, "generated %d of %d, registry has %d entries\n",
		len(report.Succeeded), len(cfg.Names), len(report.Registry))

	if cfg.Show {
		for _, e := range report.Succeeded {
			show(logger, cfg.ViewsDir, e)
		}
	}
	return nil
}

// source builds the schema source; every mode but --schema-file needs a
// reachable cluster.
func source(ctx context.Context, cfg config.Generator) (generator.Source, error) {
	if !cfg.NeedsCluster() {
		return generator.FileSource{}, nil
	}

	mgr, err := cluster.NewManager(cfg.Cluster.Kubeconfig, cfg.Cluster.Context)
	if err != nil {
		return nil, err
	}
	gw, err := mgr.Gateway(ctx)
	if err != nil {
		return nil, fmt.Errorf("cluster %q: %w", mgr.ActiveContext(), err)
	}

	if cfg.Source == config.SourceCRD {
		return generator.CRDSource{API: gw}, nil
	}
	return generator.NewModelSource(gw), nil
}

func show(logger *slog.Logger, root string, e registry.Entry) {
	path := registry.RendererPath(root, e.Key())
	src, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("cannot show template", "path", path, "error", err)
		return
	}
	fmt.Fprintf(os.Stdout, "==> %s\n", path)
	if err := quick.Highlight(os.Stdout, string(src), "go-html-template", "terminal256", "monokai"); err != nil {
		_, _ = os.Stdout.Write(src)
	}
	fmt.Fprintln(os.Stdout)
}
