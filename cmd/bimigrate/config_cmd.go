package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/bimigrate/internal/config"
)

var (
	configInitPath  string
	configInitForce bool
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage bimigrate configuration. Subcommands allow viewing the effective
configuration and writing a starter file.`,
		Example: `  bimigrate config show
  bimigrate config init --output bimigrate.yaml`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigInitCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the current configuration in YAML format. If a config file
is loaded, shows the loaded configuration with any command-line overrides
applied. Secrets are masked.`,
		Example: `  bimigrate config show
  bimigrate config show --config /etc/bimigrate/bimigrate.yaml`,
		RunE: configShowRun,
	}

	return cmd
}

func configShowRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	log.Debug("showing configuration", "path", cfgPath)
	return writeConfig(os.Stdout, maskSecrets(globalCfg))
}

// maskSecrets returns a copy of cfg safe to print.
func maskSecrets(cfg *config.Config) *config.Config {
	out := *cfg
	out.Environments = make(map[string]config.EnvironmentConfig, len(cfg.Environments))
	for name, env := range cfg.Environments {
		if env.PATSecret != "" {
			env.PATSecret = "********"
		}
		out.Environments[name] = env
	}
	return &out
}

func writeConfig(w io.Writer, cfg *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return enc.Close()
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		Long: `Write a configuration file with the default settings and empty dev and prod
environments. PAT secrets are best supplied through DEV_TABLEAU_PAT_SECRET and
PROD_TABLEAU_PAT_SECRET rather than stored in the file.`,
		Example: `  bimigrate config init
  bimigrate config init --output /etc/bimigrate/bimigrate.yaml --force`,
		RunE: configInitRun,
	}

	cmd.Flags().StringVar(&configInitPath, "output", "bimigrate.yaml", "file to write")
	cmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")

	return cmd
}

func configInitRun(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configInitPath); err == nil && !configInitForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configInitPath)
	}

	cfg := starterConfig()
	f, err := os.OpenFile(configInitPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	if err := writeConfig(f, cfg); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("Wrote %s\n", configInitPath)
	return nil
}

func starterConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Environments = map[string]config.EnvironmentConfig{
		"dev": {
			ServerURL:       "https://tableau-dev.example.com",
			APIVersion:      config.DefaultAPIVersion,
			Timeout:         config.DefaultTimeout,
			MaxArtifactSize: config.DefaultMaxArtifactSize,
		},
		"prod": {
			ServerURL:       "https://tableau.example.com",
			APIVersion:      config.DefaultAPIVersion,
			Timeout:         config.DefaultTimeout,
			MaxArtifactSize: config.DefaultMaxArtifactSize,
		},
	}
	return cfg
}
