// Package config provides centralized configuration management for the application.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danielolaszy/taskflow/pkg/models"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all configuration parameters for the application.
type Config struct {
	GitHub  GitHubConfig
	Jira    JiraConfig
	DataDir string
	Storage StorageConfig
	Sync    SyncConfig
	Log     LogConfig

	// File is the config file that was read, empty if none.
	File string
}

// GitHubConfig holds GitHub specific configuration.
type GitHubConfig struct {
	Token  string
	Domain string
}

// JiraConfig holds JIRA specific configuration.
type JiraConfig struct {
	URL      string
	Username string
	Token    string
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string
}

// SyncConfig tunes the reconciler.
type SyncConfig struct {
	Concurrency  int
	MaxAttempts  int
	PageSize     int
	ImportClosed bool
	Timeout      time.Duration
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string
	File  bool
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"data-dir":  "data_dir",
	"log-level": "log.level",
	"storage":   "storage.driver",
}

// DefaultDataDir returns the per-user directory holding tasks and repositories.
func DefaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".taskflow"
	}
	return filepath.Join(dir, "taskflow")
}

// LoadConfig initializes and loads configuration from defaults, an optional
// config file, environment variables and flags, later sources winning.
// When configFile is empty, taskflow.{yaml,toml,json} in the data directory
// is read if present.
func LoadConfig(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TASKFLOW")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("github.domain", "github.com")
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("sync.concurrency", 4)
	v.SetDefault("sync.max_attempts", 3)
	v.SetDefault("sync.page_size", 100)
	v.SetDefault("sync.import_closed", false)
	v.SetDefault("sync.timeout", 5*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", false)

	// Map specific environment variables
	v.BindEnv("github.token", "GITHUB_TOKEN")
	v.BindEnv("github.domain", "GITHUB_DOMAIN")
	v.BindEnv("jira.url", "JIRA_URL")
	v.BindEnv("jira.username", "JIRA_USERNAME")
	v.BindEnv("jira.token", "JIRA_TOKEN")
	v.BindEnv("data_dir", "TASKFLOW_DATA_DIR")
	v.BindEnv("log.level", "LOG_LEVEL")

	if flags != nil {
		for flag, key := range flagKeys {
			if f := flags.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", flag, err)
				}
			}
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("taskflow")
		v.AddConfigPath(v.GetString("data_dir"))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Create config structure
	config := &Config{
		GitHub: GitHubConfig{
			Token:  v.GetString("github.token"),
			Domain: v.GetString("github.domain"),
		},
		Jira: JiraConfig{
			URL:      v.GetString("jira.url"),
			Username: v.GetString("jira.username"),
			Token:    v.GetString("jira.token"),
		},
		DataDir: v.GetString("data_dir"),
		Storage: StorageConfig{
			Driver: v.GetString("storage.driver"),
		},
		Sync: SyncConfig{
			Concurrency:  v.GetInt("sync.concurrency"),
			MaxAttempts:  v.GetInt("sync.max_attempts"),
			PageSize:     v.GetInt("sync.page_size"),
			ImportClosed: v.GetBool("sync.import_closed"),
			Timeout:      v.GetDuration("sync.timeout"),
		},
		Log: LogConfig{
			Level: v.GetString("log.level"),
			File:  v.GetBool("log.file"),
		},
		File: v.ConfigFileUsed(),
	}
	if config.GitHub.Domain == "" {
		config.GitHub.Domain = "github.com"
	}

	// Validate configuration
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return config, nil
}

// validateConfig ensures that configuration values are usable.
func validateConfig(config *Config) error {
	var problems []string

	if config.DataDir == "" {
		problems = append(problems, "data_dir must not be empty")
	}
	switch config.Storage.Driver {
	case "sqlite", "json":
	default:
		problems = append(problems, fmt.Sprintf("storage.driver must be sqlite or json, got %q", config.Storage.Driver))
	}
	if config.Sync.Concurrency < 1 {
		problems = append(problems, "sync.concurrency must be at least 1")
	}
	if config.Sync.MaxAttempts < 1 {
		problems = append(problems, "sync.max_attempts must be at least 1")
	}
	if config.Sync.PageSize < 1 || config.Sync.PageSize > 100 {
		problems = append(problems, "sync.page_size must be between 1 and 100")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ValidateJiraConfig validates JIRA-specific configuration.
func ValidateJiraConfig(config *Config) error {
	var missingVars []string

	// JIRA validation
	if config.Jira.URL == "" {
		missingVars = append(missingVars, "JIRA_URL")
	}
	if config.Jira.Username == "" {
		missingVars = append(missingVars, "JIRA_USERNAME")
	}
	if config.Jira.Token == "" {
		missingVars = append(missingVars, "JIRA_TOKEN")
	}

	if len(missingVars) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missingVars)
	}

	return nil
}

// ResolveCredential turns a repository credential reference into a token.
// An empty reference falls back to the provider token from configuration,
// "env:NAME" reads the named environment variable, anything else is taken
// as the token itself.
func (c *Config) ResolveCredential(provider, ref string) (string, error) {
	if name, ok := strings.CutPrefix(ref, "env:"); ok {
		token := os.Getenv(name)
		if token == "" {
			return "", fmt.Errorf("environment variable %s is not set", name)
		}
		return token, nil
	}
	if ref != "" {
		return ref, nil
	}

	switch provider {
	case models.ProviderGitHub, "":
		if c.GitHub.Token == "" {
			return "", fmt.Errorf("no github token configured, set GITHUB_TOKEN or register the repository with --token")
		}
		return c.GitHub.Token, nil
	case models.ProviderJira:
		if c.Jira.Token == "" {
			return "", fmt.Errorf("no jira token configured, set JIRA_TOKEN or register the repository with --token")
		}
		return c.Jira.Token, nil
	default:
		return "", fmt.Errorf("unknown provider %q", provider)
	}
}
