package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/relaylabs/relay/internal/cache"
	"github.com/relaylabs/relay/internal/config"
	"github.com/relaylabs/relay/internal/engine"
	"github.com/relaylabs/relay/internal/observability"
	"github.com/relaylabs/relay/internal/state"
	"github.com/relaylabs/relay/internal/toolserver"
)

const defaultConfigPath = "relay.yaml"

// buildModelClient is the integration seam for the model provider. The
// engine consumes the engine.ModelClient interface only; a deployment
// links its provider in by replacing this function before Execute.
var buildModelClient = func(cfg *config.Config) (engine.ModelClient, error) {
	return nil, errors.New("no model client is configured for this build")
}

// connectedServerCount is the number of enabled servers that connected;
// disabled servers are neither attempted nor counted.
func connectedServerCount(configs []*toolserver.ServerConfig, failed []string) int {
	enabled := 0
	for _, sc := range configs {
		if sc.Enabled {
			enabled++
		}
	}
	return enabled - len(failed)
}

func openStore(cfg *config.Config) (state.Store, error) {
	switch cfg.State.Driver {
	case "sqlite":
		return state.NewSQLiteStore(state.SQLiteConfig{Path: cfg.State.Path})
	default:
		return state.NewMemoryStore(), nil
	}
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay engine",
		Long: `Start the relay engine with all configured tool servers.

The engine will:
1. Load configuration from the specified file
2. Open the thread-state store (memory or sqlite)
3. Connect all enabled tool servers concurrently
4. Expose Prometheus metrics when enabled

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  relay serve

  # Start with custom config
  relay serve --config /etc/relay/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := cfg.NewLogger(os.Stderr)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}

	// A missing model client is fatal at startup; the engine never runs
	// degraded without one.
	model, err := buildModelClient(cfg)
	if err != nil {
		return fmt.Errorf("model client: %w", err)
	}

	eng, err := engine.New(model, store, engine.Config{
		SystemPrompt:      cfg.Engine.SystemPrompt,
		Model:             cfg.Engine.Model,
		MaxTokens:         cfg.Engine.MaxTokens,
		Temperature:       cfg.Engine.Temperature,
		CheckpointEvery:   cfg.Engine.CheckpointEvery,
		LockTimeout:       cfg.Engine.LockTimeout,
		TurnTimeout:       cfg.Engine.TurnTimeout,
		MaxToolIterations: cfg.Engine.MaxToolIterations,
		FallbackMessage:   cfg.Engine.FallbackMessage,
		OwnsStore:         true,
	})
	if err != nil {
		return err
	}
	eng.SetLogger(logger)

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.New(prometheus.DefaultRegisterer)
		eng.SetMetrics(metrics)
	}

	if cfg.Cache.Enabled {
		eng.SetCache(cache.New(cache.Options{
			ShortTTL:        cfg.Cache.ShortTTL,
			MediumTTL:       cfg.Cache.MediumTTL,
			LongTTL:         cfg.Cache.LongTTL,
			VeryLongTTL:     cfg.Cache.VeryLongTTL,
			JanitorSchedule: cfg.Cache.JanitorSchedule,
		}, logger))
	}

	orch := toolserver.NewOrchestrator(logger)
	tools, failed, err := orch.Initialize(ctx, cfg.ServerConfigs())
	if err != nil {
		return fmt.Errorf("tool servers: %w", err)
	}
	eng.SetOrchestrator(orch)
	logger.Info("tool servers initialized",
		"tools", len(tools),
		"failed", failed)
	if metrics != nil {
		metrics.SetConnectedServers(connectedServerCount(cfg.ServerConfigs(), failed))
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics endpoint listening", "addr", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	logger.Info("relay engine started",
		"model", cfg.Engine.Model,
		"state_driver", cfg.State.Driver)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("shutting down", "reason", ctx.Err())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err)
		}
	}
	return eng.CleanupResources(shutdownCtx)
}

func buildValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration OK\n")
			fmt.Fprintf(out, "  tool servers: %d\n", len(cfg.ToolServers))
			fmt.Fprintf(out, "  state driver: %s\n", cfg.State.Driver)
			fmt.Fprintf(out, "  cache: %v, metrics: %v\n", cfg.Cache.Enabled, cfg.Metrics.Enabled)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

func buildToolsCmd() *cobra.Command {
	var (
		configPath string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Connect the configured tool servers and list their tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := cfg.NewLogger(os.Stderr)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			orch := toolserver.NewOrchestrator(logger)
			tools, failed, err := orch.Initialize(ctx, cfg.ServerConfigs())
			if err != nil {
				return err
			}
			defer orch.Cleanup()

			out := cmd.OutOrStdout()
			for _, tool := range tools {
				fmt.Fprintf(out, "%s\t%s\t%s\n", tool.ServerID, tool.Name, firstLine(tool.Description))
			}
			if len(failed) > 0 {
				fmt.Fprintf(out, "\nFailed servers: %v\n", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall connection timeout")
	return cmd
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
