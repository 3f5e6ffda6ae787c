package cli

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/thruflo/bulkwatch/internal/api"
	"github.com/thruflo/bulkwatch/internal/config"
	"github.com/thruflo/bulkwatch/internal/job"
	"github.com/thruflo/bulkwatch/internal/logging"
	"github.com/thruflo/bulkwatch/internal/metrics"
	"github.com/thruflo/bulkwatch/internal/state"
	"github.com/thruflo/bulkwatch/internal/storage"
	"github.com/thruflo/bulkwatch/internal/stream"
)

// app holds everything a command needs, built from .bulkwatch/.
type app struct {
	dir      string
	cfg      *config.Config
	apiKey   string
	logger   *logging.Logger
	backend  storage.Backend
	store    *state.Store
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	client   *api.Client
	out      io.Writer
	printer  *printer
}

func projectDir(cmd *cobra.Command) (string, error) {
	dir, _ := cmd.Flags().GetString("dir")
	if dir != "" {
		return dir, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	return cwd, nil
}

func loadApp(cmd *cobra.Command) (*app, error) {
	dir, err := projectDir(cmd)
	if err != nil {
		return nil, err
	}

	cfg, err := config.LoadConfig(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	env, err := config.LoadEnvFile(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	levelName := cfg.LogLevel
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		levelName = v
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	logger := logging.New()
	logger.SetOutput(log.New(cmd.ErrOrStderr(), "", log.LstdFlags))
	logger.SetLevel(level)

	backend, err := storage.Open(cfg.Store.Backend, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state backend: %w", err)
	}
	store, err := state.NewStore(backend,
		state.WithNamespace(cfg.Store.Namespace),
		state.WithLogger(logger),
	)
	if err != nil {
		storage.Close(backend)
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	if err := state.SeedDefaults(store); err != nil {
		logger.Warn("Failed to seed default state", "error", err)
	}

	apiKey := config.APIKey(env)
	registry := prometheus.NewRegistry()
	return &app{
		dir:      dir,
		cfg:      cfg,
		apiKey:   apiKey,
		logger:   logger,
		backend:  backend,
		store:    store,
		registry: registry,
		metrics:  metrics.New(registry),
		client: api.NewClient(cfg.Server.BaseURL,
			api.WithAPIKey(apiKey),
			api.WithRateLimit(cfg.Server.RequestsPerSecond, cfg.Server.Burst),
			api.WithLogger(logger),
		),
		out:     cmd.OutOrStdout(),
		printer: newPrinter(cmd.OutOrStdout()),
	}, nil
}

func (a *app) Close() error {
	return storage.Close(a.backend)
}

// startExporter serves metrics until ctx is done when metrics_addr is set.
func (a *app) startExporter(ctx context.Context) {
	if a.cfg.MetricsAddr == "" {
		return
	}
	exp := metrics.NewExporter(a.cfg.MetricsAddr, a.registry)
	go func() {
		if err := exp.Start(ctx); err != nil {
			a.logger.Warn("Metrics exporter stopped", "error", err)
		}
	}()
}

// eventSource returns the configured push channel, or nil for polling.
func (a *app) eventSource() (job.EventSource, error) {
	opts := []stream.Option{
		stream.WithAPIKey(a.apiKey),
		stream.WithLogger(a.logger),
		stream.WithConnectionState(func(connected bool) {
			if err := state.SetPushConnected(a.store, connected); err != nil {
				a.logger.Warn("Failed to record push connection state", "error", err)
			}
		}),
	}
	base := a.cfg.Server.BaseURL
	if a.cfg.Server.PushURL != "" {
		base = a.cfg.Server.PushURL
	}

	switch a.cfg.Server.Push {
	case config.PushSSE:
		return stream.NewSSESource(base, opts...), nil
	case config.PushWebSocket:
		src, err := stream.NewWebSocketSource(base, opts...)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	return nil, nil
}

func (a *app) trackerOptions() ([]job.TrackerOption, error) {
	opts := []job.TrackerOption{
		job.WithLogger(a.logger),
		job.WithMetrics(a.metrics),
		job.WithValidator(job.DefaultValidator(a.cfg.Jobs.MaxUnits)),
		job.WithPollInterval(a.cfg.Jobs.PollInterval),
		job.WithMaxPollErrors(a.cfg.Jobs.MaxPollErrors),
	}
	src, err := a.eventSource()
	if err != nil {
		return nil, err
	}
	if src != nil {
		opts = append(opts, job.WithEventSource(src))
	}
	return opts, nil
}
