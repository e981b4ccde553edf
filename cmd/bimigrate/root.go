package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/bimigrate/internal/artifact"
	"github.com/BadgerOps/bimigrate/internal/config"
	"github.com/BadgerOps/bimigrate/internal/engine"
	"github.com/BadgerOps/bimigrate/internal/progress"
	"github.com/BadgerOps/bimigrate/internal/store"
)

var (
	// Global flags
	cfgPath   string
	dataDir   string
	logLevel  string
	logFormat string
	quiet     bool
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore    *store.Store
	globalProgress *progress.Store
	globalMirror   *progress.RedisMirror
	globalManager  *engine.Manager
)

// initializeComponents opens the run history, staging area and progress
// store and wires them into the migration manager.
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	if err := os.MkdirAll(globalCfg.Server.DataDir, 0o750); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	st, err := store.New(globalCfg.DatabasePath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st

	staging, err := artifact.New(globalCfg.StagingDir(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize staging: %w", err)
	}

	globalProgress = progress.NewStore(logger)
	if p := globalCfg.Progress; p.RedisURL != "" {
		mirror, err := progress.NewRedisMirror(p.RedisURL, p.RedisPrefix, p.RedisTTL)
		if err != nil {
			return fmt.Errorf("failed to configure progress mirror: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := mirror.Ping(ctx); err != nil {
			logger.Warn("progress mirror unreachable, updates will be retried per task", "error", err)
		}
		cancel()
		globalMirror = mirror
		globalProgress.SetMirror(mirror)
		logger.Info("mirroring progress to redis", "prefix", p.RedisPrefix, "ttl", p.RedisTTL)
	}

	globalManager = engine.NewManager(
		globalCfg,
		engine.TableauDialer(globalCfg, logger),
		staging,
		globalProgress,
		globalStore,
		logger,
	)

	logger.Debug("components initialized", "db", globalCfg.DatabasePath(), "staging", staging.Root())
	return nil
}

// shouldSkipComponentInit checks if a command should skip component
// initialization. Subcommands of list and config only need the config.
func shouldSkipComponentInit(cmd *cobra.Command) bool {
	skipInitCmds := map[string]bool{
		"help":    true,
		"version": true,
		"config":  true,
		"list":    true,
		"rewrite": true,
	}
	if parent := cmd.Parent(); parent != nil && skipInitCmds[parent.Name()] {
		return true
	}
	return skipInitCmds[cmd.Name()]
}

// closeComponents releases the store and progress mirror.
func closeComponents() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
	if globalMirror != nil {
		if err := globalMirror.Close(); err != nil {
			logger.Error("failed to close progress mirror", "error", err)
		}
		globalMirror = nil
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bimigrate",
		Short: "Promote BI datasources and workbooks between environments",
		Long: `bimigrate moves published datasources and the workbook that uses them from
one content server environment to another. Datasources are republished first
and pointed at the target database, then the workbook's datasource references
are rewritten to the republished keys before it is published.`,
		Example: `  bimigrate migrate --request request.yaml
  bimigrate serve --listen 0.0.0.0:8080
  bimigrate list datasources --env dev
  bimigrate runs --limit 10
  bimigrate rewrite Sales.twbx --map Orders_dev=Orders --site analytics`,
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

			// Load config
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

			if !quiet {
				logger.Debug("config loaded", "path", cfgPath, "data_dir", globalCfg.Server.DataDir)
			}

			// Initialize components after config is loaded
			if !shouldSkipComponentInit(cmd) {
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeComponents()
		},
	}

	// Add persistent flags
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override data directory")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	// Add subcommands
	cmd.AddCommand(
		newMigrateCmd(),
		newServeCmd(),
		newRunsCmd(),
		newListCmd(),
		newRewriteCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet && level < slog.LevelError {
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}
