package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/fenhl/github-timeline/internal/models"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes the environment variables that override config keys,
	// e.g. TIMELINE_GITHUB_TOKEN or TIMELINE_WORKERS
	EnvPrefix = "TIMELINE"

	// EnvGithubToken is the fallback environment variable for the GitHub API token
	EnvGithubToken = "GITHUB_TOKEN"

	DefaultAPIURL       = "https://api.github.com/"
	DefaultDataDir      = "data"
	DefaultDatabasePath = "timeline.db"
	DefaultWorkers      = 5
	DefaultLogLevel     = "info"
)

// Config represents the application configuration
type Config struct {
	// GitHub API token for authentication (optional, can be set via TIMELINE_GITHUB_TOKEN or GITHUB_TOKEN)
	GitHubToken string `json:"github_token" mapstructure:"github_token"`

	// Base URL of the REST API, for GitHub Enterprise installations
	APIURL string `json:"api_url,omitempty" mapstructure:"api_url"`

	// Directory the per-repository reports are written below
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Path to the SQLite sync ledger
	DatabasePath string `json:"database_path" mapstructure:"database_path"`

	// Optional YAML file with per-repository label normalization tables
	LabelTables string `json:"label_tables,omitempty" mapstructure:"label_tables"`

	// List of repositories to sync in the format "owner/name"
	Repositories []string `json:"repositories" mapstructure:"repositories"`

	// Concurrent issue history fetches per repository
	Workers int `json:"workers,omitempty" mapstructure:"workers"`

	// Repositories processed at the same time
	ParallelRepos int `json:"parallel_repos,omitempty" mapstructure:"parallel_repos"`

	LogLevel string `json:"log_level,omitempty" mapstructure:"log_level"`
}

// LoadConfig loads the configuration from a JSON file, applying TIMELINE_*
// environment overrides. Relative paths are resolved against the directory
// of the config file.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	// Registering every key lets AutomaticEnv reach keys missing from the file
	for key, value := range map[string]any{
		"github_token":   "",
		"api_url":        "",
		"data_dir":       "",
		"database_path":  "",
		"label_tables":   "",
		"repositories":   []string{},
		"workers":        0,
		"parallel_repos": 0,
		"log_level":      "",
	} {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if config.GitHubToken == "" {
		config.GitHubToken = os.Getenv(EnvGithubToken)
	}

	applyDefaults(&config)
	config.resolvePaths(filepath.Dir(path))

	return &config, nil
}

// applyDefaults sets default values for unset fields
func applyDefaults(config *Config) {
	if config.APIURL == "" {
		config.APIURL = DefaultAPIURL
	}
	if !strings.HasSuffix(config.APIURL, "/") {
		config.APIURL += "/"
	}
	if config.DataDir == "" {
		config.DataDir = DefaultDataDir
	}
	if config.DatabasePath == "" {
		config.DatabasePath = DefaultDatabasePath
	}
	if config.Workers == 0 {
		config.Workers = DefaultWorkers
	}
	if config.ParallelRepos == 0 {
		config.ParallelRepos = 1
	}
	if config.LogLevel == "" {
		config.LogLevel = DefaultLogLevel
	}
}

func (c *Config) resolvePaths(configDir string) {
	for _, p := range []*string{&c.DataDir, &c.DatabasePath, &c.LabelTables} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(configDir, *p)
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil {
		return fmt.Errorf("invalid api_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid api_url: %s (must be http or https)", c.APIURL)
	}

	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.ParallelRepos < 1 {
		return fmt.Errorf("parallel_repos must be at least 1, got %d", c.ParallelRepos)
	}

	if _, err := c.ParsedRepositories(); err != nil {
		return err
	}

	return nil
}

// ParsedRepositories returns the configured repositories in order
func (c *Config) ParsedRepositories() ([]models.Repository, error) {
	repos := make([]models.Repository, 0, len(c.Repositories))
	for _, repoStr := range c.Repositories {
		repo, err := models.ParseRepository(repoStr)
		if err != nil {
			return nil, fmt.Errorf("invalid repository in config: %w", err)
		}
		repos = append(repos, repo)
	}
	return repos, nil
}

// SaveConfig saves the configuration to a JSON file
func SaveConfig(config *Config, path string) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// CreateDefaultConfig creates a default configuration file if it doesn't exist.
// It reports whether a new file was written.
func CreateDefaultConfig(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil // File exists, don't overwrite
	}

	config := &Config{
		DataDir:      DefaultDataDir,
		DatabasePath: DefaultDatabasePath,
		Repositories: []string{"example/repo"},
		Workers:      DefaultWorkers,
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := SaveConfig(config, path); err != nil {
		return false, err
	}
	return true, nil
}

// AddRepository appends a repository to the config file unless it is
// already listed. The file is rewritten as stored, without environment
// overrides or resolved paths. It reports whether the file changed.
func AddRepository(path string, repo models.Repository) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return false, fmt.Errorf("failed to parse config file: %w", err)
	}

	if slices.Contains(config.Repositories, repo.FullName()) {
		return false, nil
	}
	config.Repositories = append(config.Repositories, repo.FullName())

	if err := SaveConfig(&config, path); err != nil {
		return false, err
	}
	return true, nil
}
