package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration
type Config struct {
	Server       ServerConfig                 `yaml:"server"`
	Environments map[string]EnvironmentConfig `yaml:"environments"`
	Migration    MigrationConfig              `yaml:"migration"`
	Progress     ProgressConfig               `yaml:"progress"`
}

// ServerConfig holds server settings
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	DataDir         string        `yaml:"data_dir"`
	DBPath          string        `yaml:"db_path"`
	ProgressTimeout time.Duration `yaml:"progress_timeout"`
	TaskWait        time.Duration `yaml:"task_wait"`
}

// EnvironmentConfig describes one content server and the credentials used to
// sign in to it.
type EnvironmentConfig struct {
	ServerURL       string        `yaml:"server_url"`
	APIVersion      string        `yaml:"api_version"`
	PATName         string        `yaml:"pat_name"`
	PATSecret       string        `yaml:"pat_secret"`
	SiteContentURL  string        `yaml:"site_content_url"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxArtifactSize string        `yaml:"max_artifact_size"`
}

// MigrationConfig holds migration pipeline settings
type MigrationConfig struct {
	Source      string        `yaml:"source"`
	Target      string        `yaml:"target"`
	StagingDir  string        `yaml:"staging_dir"`
	KeepStaging bool          `yaml:"keep_staging"`
	Archive     ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig controls bundling of staged artifacts after a run.
type ArchiveConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Dir         string `yaml:"dir"`
	Compression string `yaml:"compression"`
}

// ProgressConfig holds settings for the optional redis progress mirror.
type ProgressConfig struct {
	RedisURL    string        `yaml:"redis_url"`
	RedisPrefix string        `yaml:"redis_prefix"`
	RedisTTL    time.Duration `yaml:"redis_ttl"`
}

const (
	DefaultAPIVersion      = "3.23"
	DefaultTimeout         = 60 * time.Second
	DefaultMaxArtifactSize = "1GB"
)

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          "0.0.0.0:8080",
			DataDir:         "/var/lib/bimigrate",
			DBPath:          "",
			ProgressTimeout: 10 * time.Minute,
			TaskWait:        30 * time.Second,
		},
		Environments: make(map[string]EnvironmentConfig),
		Migration: MigrationConfig{
			Source: "dev",
			Target: "prod",
			Archive: ArchiveConfig{
				Enabled:     false,
				Compression: "zstd",
			},
		},
		Progress: ProgressConfig{
			RedisPrefix: "bimigrate:progress:",
			RedisTTL:    time.Hour,
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if cfg.Environments == nil {
		cfg.Environments = make(map[string]EnvironmentConfig)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that do not depend on the environment.
func (c *Config) Validate() error {
	switch c.Migration.Archive.Compression {
	case "", "zstd", "xz":
	default:
		return fmt.Errorf("unsupported archive compression %q (zstd or xz)", c.Migration.Archive.Compression)
	}
	if c.Server.ProgressTimeout <= 0 {
		return fmt.Errorf("server.progress_timeout must be positive, got %s", c.Server.ProgressTimeout)
	}
	if c.Server.TaskWait <= 0 {
		return fmt.Errorf("server.task_wait must be positive, got %s", c.Server.TaskWait)
	}
	if c.Migration.Source != "" && c.Migration.Source == c.Migration.Target {
		return fmt.Errorf("migration source and target are both %q", c.Migration.Source)
	}
	return nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"bimigrate.yaml",
		"/etc/bimigrate/bimigrate.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "bimigrate", "bimigrate.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Environment returns the named environment with environment-variable
// overrides and defaults applied. Variables are prefixed with the upper-cased
// environment name, e.g. PROD_TABLEAU_SERVER or DEV_TABLEAU_PAT_SECRET.
func (c *Config) Environment(name string) (EnvironmentConfig, error) {
	if name == "" {
		return EnvironmentConfig{}, fmt.Errorf("environment name is empty")
	}
	env := c.Environments[name]

	prefix := strings.ToUpper(name) + "_TABLEAU_"
	overrides := []struct {
		key string
		dst *string
	}{
		{"SERVER", &env.ServerURL},
		{"API_VERSION", &env.APIVersion},
		{"PAT_NAME", &env.PATName},
		{"PAT_SECRET", &env.PATSecret},
		{"SITE_CONTENT_URL", &env.SiteContentURL},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(prefix + o.key); ok {
			*o.dst = v
		}
	}

	if env.APIVersion == "" {
		env.APIVersion = DefaultAPIVersion
	}
	if env.Timeout <= 0 {
		env.Timeout = DefaultTimeout
	}
	if env.MaxArtifactSize == "" {
		env.MaxArtifactSize = DefaultMaxArtifactSize
	}

	var missing []string
	if env.ServerURL == "" {
		missing = append(missing, prefix+"SERVER")
	}
	if env.PATName == "" {
		missing = append(missing, prefix+"PAT_NAME")
	}
	if env.PATSecret == "" {
		missing = append(missing, prefix+"PAT_SECRET")
	}
	if len(missing) > 0 {
		if _, ok := c.Environments[name]; !ok {
			return env, fmt.Errorf("environment %q is not configured (have: %s) and %s are not set",
				name, strings.Join(c.EnvironmentNames(), ", "), strings.Join(missing, ", "))
		}
		return env, fmt.Errorf("environment %q is incomplete, set server_url/pat_name/pat_secret or %s", name, strings.Join(missing, ", "))
	}
	if _, err := env.MaxArtifactBytes(); err != nil {
		return env, err
	}
	return env, nil
}

// EnvironmentNames returns the configured environment names in sorted order.
func (c *Config) EnvironmentNames() []string {
	names := make([]string, 0, len(c.Environments))
	for name := range c.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MaxArtifactBytes parses MaxArtifactSize ("1GB", "512 MiB").
func (e EnvironmentConfig) MaxArtifactBytes() (int64, error) {
	size := e.MaxArtifactSize
	if size == "" {
		size = DefaultMaxArtifactSize
	}
	n, err := humanize.ParseBytes(size)
	if err != nil {
		return 0, fmt.Errorf("parsing max_artifact_size %q: %w", size, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("max_artifact_size must be positive")
	}
	return int64(n), nil
}

// DatabasePath returns the run history database path.
func (c *Config) DatabasePath() string {
	if c.Server.DBPath != "" {
		return c.Server.DBPath
	}
	return filepath.Join(c.Server.DataDir, "bimigrate.db")
}

// StagingDir returns the root of the artifact staging area.
func (c *Config) StagingDir() string {
	if c.Migration.StagingDir != "" {
		return c.Migration.StagingDir
	}
	return filepath.Join(c.Server.DataDir, "staging")
}

// ArchiveDir returns where staged artifact bundles are written.
func (c *Config) ArchiveDir() string {
	if c.Migration.Archive.Dir != "" {
		return c.Migration.Archive.Dir
	}
	return filepath.Join(c.Server.DataDir, "archive")
}
