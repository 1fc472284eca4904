package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted by default
const (
	EnvUpstreamURL = "LANGGRAPH_API_URL"
	EnvAPIKey      = "LANGCHAIN_API_KEY"
	EnvBackendURL  = "BACKEND_BASE_URL"
	EnvPublicURL   = "APP_URL"
	EnvDatabaseDSN = "DATABASE_DSN"
)

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config represents the chatbridge server configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Backend  BackendConfig  `yaml:"backend"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Persist  PersistConfig  `yaml:"persist"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	PublicURL       string        `yaml:"public_url,omitempty"`
	PublicURLEnv    string        `yaml:"public_url_env,omitempty"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// UpstreamConfig points at the agent service
type UpstreamConfig struct {
	URL        string `yaml:"url,omitempty"`
	URLEnv     string `yaml:"url_env,omitempty"`
	APIKey     string `yaml:"api_key,omitempty"`
	APIKeyEnv  string `yaml:"api_key_env,omitempty"`
	APIKeyFile string `yaml:"api_key_file,omitempty"`
	// IdleTimeout abandons a stream that sends nothing for this long; 0 disables it
	IdleTimeout *time.Duration `yaml:"idle_timeout,omitempty"`
}

// BackendConfig points at the document and image service
type BackendConfig struct {
	URL    string `yaml:"url,omitempty"`
	URLEnv string `yaml:"url_env,omitempty"`
}

// DatabaseConfig selects the conversation store
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	DSNEnv string `yaml:"dsn_env,omitempty"`
}

// StorageConfig holds local upload storage settings
type StorageConfig struct {
	UploadDir string `yaml:"upload_dir"`
	URLPrefix string `yaml:"url_prefix"`
}

// PersistConfig tunes the background persistence queue
type PersistConfig struct {
	Workers    int `yaml:"workers"`
	QueueSize  int `yaml:"queue_size"`
	MaxRetries int `yaml:"max_retries"`
}

// LoggingConfig selects the log encoder and verbosity
type LoggingConfig struct {
	Development bool `yaml:"development"`
	Verbosity   int  `yaml:"verbosity"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.SetDefaults(); err != nil {
		return nil, err
	}
	config.ResolveEnv()

	return &config, nil
}

// LoadOrCreate loads the file at filePath, writing the defaults there first when it does not exist
func LoadOrCreate(filePath string) (*Config, error) {
	if _, err := os.Stat(filePath); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := SaveConfig(DefaultConfig(), filePath); err != nil {
			return nil, err
		}
	}
	return LoadConfig(filePath)
}

// ResolveEnv replaces values with the environment variables their *_env keys name
func (c *Config) ResolveEnv() {
	resolve := func(target *string, envName string) {
		if envName == "" {
			return
		}
		if v := os.Getenv(envName); v != "" {
			*target = v
		}
	}

	resolve(&c.Server.PublicURL, c.Server.PublicURLEnv)
	resolve(&c.Upstream.URL, c.Upstream.URLEnv)
	resolve(&c.Upstream.APIKey, c.Upstream.APIKeyEnv)
	resolve(&c.Backend.URL, c.Backend.URLEnv)
	resolve(&c.Database.DSN, c.Database.DSNEnv)
}

// SetDefaults fills every unset value from DefaultConfig
func (c *Config) SetDefaults() error {
	// an explicit zero idle timeout disables the watchdog and must survive the merge
	var idle *time.Duration
	if c.Upstream.IdleTimeout != nil {
		v := *c.Upstream.IdleTimeout
		idle = &v
	}

	if err := mergo.Merge(c, DefaultConfig()); err != nil {
		return fmt.Errorf("failed to apply config defaults: %w", err)
	}

	if idle != nil {
		c.Upstream.IdleTimeout = idle
	}
	return nil
}

// UpstreamIdleTimeout returns the effective idle timeout; 0 means disabled
func (c *Config) UpstreamIdleTimeout() time.Duration {
	if c.Upstream.IdleTimeout == nil {
		return DefaultIdleTimeout
	}
	return *c.Upstream.IdleTimeout
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		result = multierror.Append(result, fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver))
	}
	if c.Database.DSN == "" {
		result = multierror.Append(result, errors.New("database.dsn is required"))
	}
	if c.Storage.UploadDir == "" {
		result = multierror.Append(result, errors.New("storage.upload_dir is required"))
	}
	if c.Persist.Workers <= 0 {
		result = multierror.Append(result, errors.New("persist.workers must be positive"))
	}
	if c.Persist.MaxRetries <= 0 {
		result = multierror.Append(result, errors.New("persist.max_retries must be positive"))
	}
	if c.Upstream.IdleTimeout != nil && *c.Upstream.IdleTimeout < 0 {
		result = multierror.Append(result, errors.New("upstream.idle_timeout must not be negative"))
	}

	return result.ErrorOrNil()
}

const (
	DefaultIdleTimeout = 5 * time.Minute
	DefaultPublicURL   = "http://localhost:3000"
)

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	idle := DefaultIdleTimeout
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3000,
			PublicURL:       DefaultPublicURL,
			PublicURLEnv:    EnvPublicURL,
			ShutdownTimeout: 10 * time.Second,
		},
		Upstream: UpstreamConfig{
			URLEnv:      EnvUpstreamURL,
			APIKeyEnv:   EnvAPIKey,
			IdleTimeout: &idle,
		},
		Backend: BackendConfig{
			URLEnv: EnvBackendURL,
		},
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			DSN:    "chatbridge.db",
			DSNEnv: EnvDatabaseDSN,
		},
		Storage: StorageConfig{
			UploadDir: "uploads",
			URLPrefix: "/uploads",
		},
		Persist: PersistConfig{
			Workers:    2,
			QueueSize:  256,
			MaxRetries: 5,
		},
	}
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(config *Config, filePath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
