package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"

	"kportal/internal/cluster"
	"kportal/internal/config"
	"kportal/internal/logging"
	"kportal/internal/registry"
	"kportal/internal/resourcecache"
	"kportal/internal/server"
	"kportal/internal/viewer"
	_ "kportal/internal/viewer/builtin"
)

func main() {
	def := config.DefaultServer()

	app := &cli.App{
		Name:  "kportal",
		Usage: "browse a Kubernetes cluster through generated resource viewers",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Value: def.Listen, Usage: "listen address", EnvVars: []string{"KPORTAL_LISTEN"}},
			&cli.BoolFlag{Name: "open", Value: def.Open, Usage: "open the portal in a browser", EnvVars: []string{"KPORTAL_OPEN"}},
			&cli.StringFlag{Name: "token", Usage: "access token (random when empty)", EnvVars: []string{"KPORTAL_TOKEN"}},
			&cli.StringFlag{Name: "views", Value: def.ViewsDir, Usage: "directory of generated viewers", EnvVars: []string{"KPORTAL_VIEWS"}},
			&cli.StringFlag{Name: "registry", Usage: "registry file (default <views>/registry.json)", EnvVars: []string{"KPORTAL_REGISTRY"}},
			&cli.DurationFlag{Name: "poll", Value: def.PollInterval, Usage: "background revalidation interval, 0 disables", EnvVars: []string{"KPORTAL_POLL"}},
			&cli.DurationFlag{Name: "dedupe", Value: def.DedupeInterval, Usage: "how long a fetched index is served without revalidating", EnvVars: []string{"KPORTAL_DEDUPE"}},
			&cli.DurationFlag{Name: "fetch-timeout", Value: def.FetchTimeout, Usage: "timeout of a single list fetch", EnvVars: []string{"KPORTAL_FETCH_TIMEOUT"}},
			&cli.StringSliceFlag{Name: "allowed-origin", Usage: "CORS origin, repeatable", EnvVars: []string{"KPORTAL_ALLOWED_ORIGINS"}},
			&cli.StringFlag{Name: "kubeconfig", Usage: "kubeconfig path", EnvVars: []string{"KUBECONFIG"}},
			&cli.StringFlag{Name: "context", Usage: "kubeconfig context", EnvVars: []string{"KPORTAL_CONTEXT"}},
			&cli.StringFlag{Name: "log-level", Value: def.Logging.Level, Usage: "debug, info, warn or error", EnvVars: []string{"KPORTAL_LOG_LEVEL"}},
			&cli.StringFlag{Name: "log-format", Value: def.Logging.Format, Usage: "text or json", EnvVars: []string{"KPORTAL_LOG_FORMAT"}},
		},
		Action: func(c *cli.Context) error {
			cfg := config.Server{
				Listen:         c.String("listen"),
				Open:           c.Bool("open"),
				Token:          c.String("token"),
				ViewsDir:       c.String("views"),
				RegistryFile:   c.String("registry"),
				PollInterval:   c.Duration("poll"),
				DedupeInterval: c.Duration("dedupe"),
				FetchTimeout:   c.Duration("fetch-timeout"),
				AllowedOrigins: c.StringSlice("allowed-origin"),
				Cluster:        config.Cluster{Kubeconfig: c.String("kubeconfig"), Context: c.String("context")},
				Logging:        config.Logging{Format: c.String("log-format"), Level: c.String("log-level")},
			}
			if err := cfg.Validate(); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return run(cfg)
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("kportal failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Server) error {
	logger, err := logging.New(cfg.Logging.Format, cfg.Logging.Level, os.Stderr)
	if err != nil {
		return err
	}
	logging.Install(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr, err := cluster.NewManager(cfg.Cluster.Kubeconfig, cfg.Cluster.Context)
	if err != nil {
		return fmt.Errorf("init cluster manager: %w", err)
	}
	if _, err := mgr.Gateway(ctx); err != nil {
		// The portal still starts; pages show the error until a context is selected.
		logger.Warn("cluster not reachable", "context", mgr.ActiveContext(), "error", err)
	}

	reg, err := registry.Load(cfg.RegistryPath())
	if err != nil {
		return err
	}
	logger.Info("registry loaded", "path", cfg.RegistryPath(), "entries", reg.Len(), "builtin", len(viewer.Registered()))

	cache := resourcecache.New(mgr.ListResources,
		resourcecache.WithLogger(logger),
		resourcecache.WithDedupeInterval(cfg.DedupeInterval),
		resourcecache.WithFetchTimeout(cfg.FetchTimeout),
	)
	go cache.Run(ctx, cfg.PollInterval)

	token := cfg.Token
	if token == "" {
		token = randomToken(24)
	}
	srv := server.New(mgr, server.Options{
		Token:          token,
		Registry:       reg,
		Cache:          cache,
		Resolver:       viewer.NewResolver(cfg.ViewsDir, viewer.WithResolverLogger(logger)),
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	url := fmt.Sprintf("http://%s/?token=%s", cfg.Listen, token)
	logger.Info("kportal listening", "addr", "http://"+cfg.Listen, "context", mgr.ActiveContext())
	fmt.Fprintf(os.Stderr, "open: %s\n", url)

	if cfg.Open {
		_ = openBrowser(url)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func randomToken(nbytes int) string {
	b := make([]byte, nbytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return nil
	}
	return cmd.Start()
}
