package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BadgerOps/packshare/internal/client"
	"github.com/BadgerOps/packshare/internal/config"
	"github.com/BadgerOps/packshare/internal/store"
	"github.com/BadgerOps/packshare/internal/tunnel"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	// Global flags
	cfgPath   string
	dataDir   string
	logLevel  string
	logFormat string
	quiet     bool
	apiURL    string
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore *store.Store
)

// openStore opens the sqlite store under the data dir.
func openStore() (*store.Store, error) {
	if globalStore != nil {
		return globalStore, nil
	}
	if err := os.MkdirAll(globalCfg.Server.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	st, err := store.New(globalCfg.DatabasePath(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st
	return st, nil
}

// closeStore closes the global store connection
func closeStore() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
}

// newAPIClient returns a client for the backend named by --api or
// server.api_url.
func newAPIClient() (*client.Client, error) {
	base := apiURL
	if base == "" {
		base = globalCfg.Server.APIURL
	}
	if base == "" {
		base = "http://" + globalCfg.Server.Listen
	}
	return client.New(base, logger)
}

// buildTunnels creates every provider the config can support. A relay
// without a URL is left out; StartSeed then reports it as unavailable.
func buildTunnels(cfg *config.Config, log *slog.Logger) (*tunnel.Set, error) {
	var providers []tunnel.Provider
	if cfg.Tunnel.Relay.URL != "" {
		relay, err := tunnel.NewRelayProvider(cfg.Tunnel.Relay.URL, log)
		if err != nil {
			return nil, fmt.Errorf("relay provider: %w", err)
		}
		providers = append(providers, relay)
	}
	edge, err := tunnel.NewEdgeProvider(tunnel.EdgeOptions{
		Binary:     cfg.Tunnel.Edge.Binary,
		Args:       cfg.Tunnel.Edge.Args,
		URLPattern: cfg.Tunnel.Edge.URLPattern,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("edge provider: %w", err)
	}
	providers = append(providers, edge)
	return tunnel.NewSet(log, providers...), nil
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "packshare",
		Short: "Share game instances with friends through public tunnels",
		Long: `packshare packages a game instance (mods, configs, resource packs,
shader packs and worlds), seeds the package to peers through a relay or an
edge-network tunnel, and pulls and imports packages shared by others.

Run "packshare serve" once to start the backend; the export, seed, unseed,
shares and watch commands talk to it over its local API. "packshare pull"
downloads and imports on its own.`,
		Example: `  packshare serve
  packshare export --instance sky-block --mods --include-config --world Spawn
  packshare seed --export-id 4f1c9a2e --provider edge
  packshare pull https://quiet-fog.trycloudflare.com --instance sky-block
  packshare shares`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Initialize logging
			setupLogging()

			// Skip config loading for commands that don't need it
			if shouldSkipConfig(cmd.Name()) {
				return nil
			}
			return loadConfig()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeStore()
		},
	}

	// Add persistent flags
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override data directory")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")
	cmd.PersistentFlags().StringVar(&apiURL, "api", "", "backend API url (default server.api_url)")

	// Add subcommands
	cmd.AddCommand(
		newServeCmd(),
		newExportCmd(),
		newSeedCmd(),
		newUnseedCmd(),
		newSharesCmd(),
		newPullCmd(),
		newWatchCmd(),
		newConfigCmd(),
	)

	return cmd
}

// loadConfig finds, loads and validates the config, then applies flag
// overrides.
func loadConfig() error {
	if cfgPath == "" {
		var err error
		cfgPath, err = config.FindConfigFile()
		if err != nil {
			logger.Debug("config file not found, using defaults", "error", err)
		}
	}

	if cfgPath != "" {
		var err error
		globalCfg, err = config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	} else {
		globalCfg = config.DefaultConfig()
	}

	// Override with command-line flags if provided
	if dataDir != "" {
		globalCfg.Server.DataDir = dataDir
	}

	if err := globalCfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger.Debug("config loaded", "path", cfgPath, "data_dir", globalCfg.Server.DataDir)
	return nil
}

// setupLogging installs the process logger from the global flags.
func setupLogging() {
	logger = newLogger(os.Stderr, logLevel, logFormat, quiet)
	slog.SetDefault(logger)
}

// newLogger builds a text or json logger tagged with the app name and pid.
// quiet raises the level to error.
func newLogger(w io.Writer, level, format string, quiet bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if quiet {
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With(
		slog.String("app", "packshare"),
		slog.Int("pid", os.Getpid()),
	)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":       true,
		"version":    true,
		"completion": true,
	}
	return skipConfigCmds[cmdName]
}

// printf writes user-facing output unless --quiet is set.
func printf(format string, args ...any) {
	if quiet {
		return
	}
	fmt.Printf(format, args...)
}

// shortTime formats t for tables.
func shortTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
