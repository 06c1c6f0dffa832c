// Package generator turns cluster schemas into viewer templates: it extracts a
// closed schema for each requested type, asks a synthesizer for a template,
// persists the result next to its metadata and finally rebuilds the registry.
package generator

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/kylelemons/godebug/diff"

	"kportal/internal/metrics"
	"kportal/internal/registry"
	"kportal/internal/viewer"
)

type Pipeline struct {
	Source       Source
	Synthesizer  Synthesizer
	Root         string
	RegistryPath string
	Logger       *slog.Logger
}

// Report summarizes a run. Registry is the rebuilt catalog; it is nil only
// when the reindex itself failed.
type Report struct {
	RunID     string
	Succeeded []registry.Entry
	Failed    []*ItemError
	Registry  []registry.Entry
}

// Run processes names one after another. A failing item is recorded and the
// batch continues; the registry is rebuilt once after all items. The returned
// error is only the reindex failure.
func (p *Pipeline) Run(ctx context.Context, names []string) (*Report, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	report := &Report{RunID: uuid.NewString()}
	logger = logger.With("run", report.RunID)

	for _, name := range names {
		ilog := logger.With("resource", name)
		entry, err := p.generate(ctx, ilog, name)
		if err != nil {
			metrics.GeneratorItemsTotal.WithLabelValues(metrics.ResultError).Inc()
			ilog.Error("generation failed", "step", err.Step, "error", err.Err)
			report.Failed = append(report.Failed, err)
			continue
		}
		metrics.GeneratorItemsTotal.WithLabelValues(metrics.ResultSuccess).Inc()
		ilog.Info("done", "key", entry.Key().String())
		report.Succeeded = append(report.Succeeded, entry)
	}

	entries, err := p.Reindex(logger)
	if err != nil {
		return report, err
	}
	report.Registry = entries

	logger.Info("run finished",
		"succeeded", len(report.Succeeded),
		"failed", len(report.Failed),
		"registry_entries", len(entries),
	)
	return report, nil
}

func (p *Pipeline) generate(ctx context.Context, logger *slog.Logger, name string) (registry.Entry, *ItemError) {
	fail := func(step string, err error) *ItemError {
		return &ItemError{Name: name, Step: stepOf(err, step), Err: err}
	}

	logger.Info("discovering schema")
	subject, err := p.Source.Discover(ctx, name)
	if err != nil {
		return registry.Entry{}, fail(StepDiscover, err)
	}
	id := subject.Identity
	logger.Info("resolved identity",
		"group", id.Group,
		"version", id.Version,
		"kind", id.Kind,
		"plural", id.Plural,
		"definitions", len(subject.Schema.Definitions),
	)

	logger.Info("generating viewer")
	out, err := p.Synthesizer.Synthesize(ctx, Request{
		Identity: id,
		Schema:   subject.Schema,
		Context:  subject.Context,
	})
	if err != nil {
		return registry.Entry{}, fail(StepGenerate, err)
	}
	if err := viewer.Validate(out.RendererSource); err != nil {
		logger.Warn("generated template does not parse, writing it for review", "error", err)
	}

	entry := registry.Entry{
		Group:       id.Key().URLGroup(),
		Plural:      id.Plural,
		Version:     id.Version,
		Icon:        out.IconName,
		Description: out.Description,
		Kind:        id.Kind,
	}
	logger.Info("writing viewer and metadata")
	if err := Persist(p.Root, Artifact{Entry: entry, Source: out.RendererSource}); err != nil {
		return registry.Entry{}, fail(StepPersist, err)
	}
	return entry, nil
}

// Reindex rebuilds the registry file from every persisted metadata file and
// logs how the catalog changed.
func (p *Pipeline) Reindex(logger *slog.Logger) ([]registry.Entry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	before, err := registry.Load(p.RegistryPath)
	if err != nil {
		logger.Warn("previous registry unreadable", "error", err)
		before = registry.New(nil)
	}

	entries, err := registry.Rebuild(p.Root, p.RegistryPath)
	if err != nil {
		logger.Error("reindex failed", "error", err)
		return nil, err
	}

	if d := registryDiff(before.Entries(), entries); d != "" {
		logger.Info("registry updated", "path", p.RegistryPath, "entries", len(entries), "diff", d)
	} else {
		logger.Info("registry unchanged", "path", p.RegistryPath, "entries", len(entries))
	}
	return entries, nil
}

func registryDiff(before, after []registry.Entry) string {
	a, _ := registry.Marshal(before)
	b, _ := registry.Marshal(after)

	var lines []string
	for _, c := range diff.DiffChunks(strings.Split(string(a), "\n"), strings.Split(string(b), "\n")) {
		for _, l := range c.Added {
			lines = append(lines, "+"+l)
		}
		for _, l := range c.Deleted {
			lines = append(lines, "-"+l)
		}
	}
	return strings.Join(lines, "\n")
}
