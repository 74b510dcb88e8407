// Command agentbridge runs the server-authoritative agent runtime: a
// WebSocket façade over a session orchestrator, tool registry, and
// pluggable LLM provider/session-store backends.
//
// Build with version metadata embedded:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentbridge/internal/agent"
	"github.com/haasonsaas/agentbridge/internal/agent/providers"
	"github.com/haasonsaas/agentbridge/internal/config"
	"github.com/haasonsaas/agentbridge/internal/observability"
	"github.com/haasonsaas/agentbridge/internal/server"
	"github.com/haasonsaas/agentbridge/internal/sessions"
)

var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentbridge",
		Short: "agentbridge - server-authoritative bidirectional agent runtime",
		Long: `agentbridge runs a session orchestrator over a WebSocket connection,
dispatching LLM tool calls either to server-side handlers or, via a
client/tool_invocation round trip, to executors owned by the connected
client.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd(), buildVersionCmd())
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "agentbridge %s (commit: %s, built: %s)\n", version, commit, date)
			return nil
		},
	}
}

// buildServeCmd creates the "serve" command that starts the WebSocket server.
func buildServeCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agentbridge server",
		Long: `Start the agentbridge WebSocket server.

The server will:
1. Load configuration from the specified file (or agentbridge.yaml)
2. Connect the configured session store (memory or postgres)
3. Build the tool registry and register the implicit get_current_context tool
4. Construct the configured LLM provider (openai or anthropic)
5. Listen for WebSocket connections, one Orchestrator per connection

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  agentbridge serve

  # Start with a custom config file
  agentbridge serve --config /etc/agentbridge/production.yaml

  # Start with debug logging
  agentbridge serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "agentbridge.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	obsLogger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
		Output:    os.Stderr,
	})
	logger := obsLogger.SLog()
	logger.Info("starting agentbridge", "version", version, "commit", commit, "config", configPath)

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build session store: %w", err)
	}
	defer closeStore()

	provider, err := buildProvider(cfg)
	if err != nil {
		return fmt.Errorf("build provider: %w", err)
	}

	registry := agent.NewToolRegistry(logger)

	srv := server.New(server.Config{
		Registry:   registry,
		Store:      store,
		ToolEvents: sessions.NewMemoryToolEventStore(),
		ProviderFactory: func(sessionID string) agent.Provider {
			return provider
		},
		Logger:   logger,
		MaxTurns: cfg.Server.MaxTurns,
	})

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: srv,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
		}
	}()

	shutdownCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	select {
	case <-shutdownCtx.Done():
		logger.Info("shutdown signal received, draining connections")
	case err := <-serveErrCh:
		return fmt.Errorf("serve: %w", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	if err := httpServer.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("agentbridge stopped gracefully")
	return nil
}

func buildStore(ctx context.Context, cfg *config.Config) (sessions.Store, func(), error) {
	switch cfg.Storage.Kind {
	case "postgres":
		pool := sessions.DefaultCockroachConfig()
		if cfg.Storage.MaxOpenConns > 0 {
			pool.MaxOpenConns = cfg.Storage.MaxOpenConns
		}
		if cfg.Storage.ConnMaxLifetime > 0 {
			pool.ConnMaxLifetime = cfg.Storage.ConnMaxLifetime
		}
		store, err := sessions.NewCockroachStoreFromDSN(cfg.Storage.DSN(), pool)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return sessions.NewMemoryStore(), func() {}, nil
	}
}

func buildProvider(cfg *config.Config) (agent.Provider, error) {
	switch cfg.Provider.Kind {
	case "openai":
		return providers.NewOpenAIProvider(cfg.Provider.APIKey(), cfg.Provider.Model), nil
	default:
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:     cfg.Provider.APIKey(),
			BaseURL:    cfg.Provider.BaseURL,
			Model:      cfg.Provider.Model,
			MaxTokens:  cfg.Provider.MaxTokens,
			MaxRetries: cfg.Provider.MaxRetries,
			RetryDelay: cfg.Provider.RetryDelay,
		})
	}
}
