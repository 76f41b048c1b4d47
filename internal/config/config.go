// Package config provides configuration loading and management for courier-sync.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/courier-sync/internal/telemetry"
)

const (
	// EnvPrefix is the prefix for environment variables read through viper
	EnvPrefix = "COURIER_SYNC"

	// StorageTypeFile stores all keys in a single JSON document
	StorageTypeFile = "file"

	// StorageTypeSQLite stores keys in a SQLite database
	StorageTypeSQLite = "sqlite"

	// StorageTypeMemory keeps keys in memory only
	StorageTypeMemory = "memory"

	// ConnectivityProviderProbe detects reachability by probing an HTTP endpoint
	ConnectivityProviderProbe = "probe"

	// ConnectivityProviderManual lets the embedding shell report reachability
	ConnectivityProviderManual = "manual"
)

const (
	defaultDataDir          = "./data"
	defaultBackendTimeout   = 15 * time.Second
	defaultProbeInterval    = 15 * time.Second
	defaultProbeMaxBackoff  = 2 * time.Minute
	defaultCacheTTL         = 30 * time.Minute
	defaultAPIAddress       = "127.0.0.1:8787"
	defaultFileStoreName    = "courier-sync.json"
	defaultSQLiteStoreName  = "courier-sync.db"
	backendTokenEnvVariable = "COURIER_SYNC_BACKEND_TOKEN"
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) && !filepath.IsLocal(realPath) {
			return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// DataDir is the directory holding the persisted store.
	// Defaults to "./data" if not specified
	DataDir string `yaml:"dataDir,omitempty"`

	Storage      *StorageConfig                `yaml:"storage,omitempty"`
	Backend      BackendConfig                 `yaml:"backend"`
	Connectivity *ConnectivityConfig           `yaml:"connectivity,omitempty"`
	Sync         *SyncConfig                   `yaml:"sync,omitempty"`
	Actions      map[string]ActionPolicyConfig `yaml:"actions,omitempty"`
	Cache        *CacheConfig                  `yaml:"cache,omitempty"`
	API          *APIConfig                    `yaml:"api,omitempty"`
	Telemetry    *telemetry.Config             `yaml:"telemetry,omitempty"`
}

// StorageConfig selects the persistence backend
type StorageConfig struct {
	// Type is one of file, sqlite or memory. Defaults to file
	Type string `yaml:"type,omitempty"`

	// Path is the store location. Defaults to a file inside DataDir
	Path string `yaml:"path,omitempty"`
}

// BackendConfig defines how actions reach the courier backend
type BackendConfig struct {
	// BaseURL is the REST API root, e.g. "https://api.example.com/v1"
	BaseURL string `yaml:"baseURL"`

	// Timeout bounds each backend request (e.g., "15s")
	Timeout string `yaml:"timeout,omitempty"`

	// TokenFile is the path to a file containing a bearer token
	TokenFile string `yaml:"tokenFile,omitempty"`
}

// ConnectivityConfig defines how reachability is detected
type ConnectivityConfig struct {
	// Provider is probe or manual. Defaults to probe
	Provider string `yaml:"provider,omitempty"`

	// ProbeURL is requested to decide reachability. Defaults to the backend base URL
	ProbeURL string `yaml:"probeURL,omitempty"`

	// Interval between probes while online (e.g., "15s")
	Interval string `yaml:"interval,omitempty"`

	// MaxBackoff caps the probe interval while offline (e.g., "2m")
	MaxBackoff string `yaml:"maxBackoff,omitempty"`
}

// SyncConfig defines sync pass scheduling
type SyncConfig struct {
	// Interval enables periodic sync passes while online. Empty disables them
	Interval string `yaml:"interval,omitempty"`

	// PassTimeout bounds a whole sync pass. Empty means no bound
	PassTimeout string `yaml:"passTimeout,omitempty"`
}

// ActionPolicyConfig overrides the retry policy of one action type
type ActionPolicyConfig struct {
	MaxRetries int `yaml:"maxRetries"`
}

// CacheConfig defines read cache defaults
type CacheConfig struct {
	// DefaultTTL is used when callers do not pass a TTL (e.g., "30m")
	DefaultTTL string `yaml:"defaultTTL,omitempty"`
}

// APIConfig defines the local HTTP interface
type APIConfig struct {
	// Address to listen on. Defaults to "127.0.0.1:8787"
	Address string `yaml:"address,omitempty"`
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	var errs []error

	if c.Backend.BaseURL == "" {
		errs = append(errs, fmt.Errorf("backend.baseURL is required"))
	} else if err := validateHTTPURL(c.Backend.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("backend.baseURL: %w", err))
	}
	if err := validateDuration(c.Backend.Timeout); err != nil {
		errs = append(errs, fmt.Errorf("backend.timeout: %w", err))
	}

	if c.Storage != nil {
		switch c.Storage.Type {
		case "", StorageTypeFile, StorageTypeSQLite, StorageTypeMemory:
		default:
			errs = append(errs, fmt.Errorf("storage.type must be one of %s, %s or %s, got %s",
				StorageTypeFile, StorageTypeSQLite, StorageTypeMemory, c.Storage.Type))
		}
	}

	if c.Connectivity != nil {
		errs = append(errs, c.Connectivity.validate()...)
	}

	if c.Sync != nil {
		if err := validateDuration(c.Sync.Interval); err != nil {
			errs = append(errs, fmt.Errorf("sync.interval: %w", err))
		}
		if err := validateDuration(c.Sync.PassTimeout); err != nil {
			errs = append(errs, fmt.Errorf("sync.passTimeout: %w", err))
		}
	}

	for name, policy := range c.Actions {
		if policy.MaxRetries <= 0 {
			errs = append(errs, fmt.Errorf("actions[%s]: maxRetries must be greater than 0", name))
		}
	}

	if c.Cache != nil {
		if err := validateDuration(c.Cache.DefaultTTL); err != nil {
			errs = append(errs, fmt.Errorf("cache.defaultTTL: %w", err))
		}
	}

	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	return errors.Join(errs...)
}

func (c *ConnectivityConfig) validate() []error {
	var errs []error
	switch c.Provider {
	case "", ConnectivityProviderProbe, ConnectivityProviderManual:
	default:
		errs = append(errs, fmt.Errorf("connectivity.provider must be either %s or %s, got %s",
			ConnectivityProviderProbe, ConnectivityProviderManual, c.Provider))
	}
	if c.ProbeURL != "" {
		if err := validateHTTPURL(c.ProbeURL); err != nil {
			errs = append(errs, fmt.Errorf("connectivity.probeURL: %w", err))
		}
	}
	if err := validateDuration(c.Interval); err != nil {
		errs = append(errs, fmt.Errorf("connectivity.interval: %w", err))
	}
	if err := validateDuration(c.MaxBackoff); err != nil {
		errs = append(errs, fmt.Errorf("connectivity.maxBackoff: %w", err))
	}
	return errs
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

// validateDuration accepts an empty value (meaning "use the default") or a
// positive duration such as "30s" or "5m".
func validateDuration(value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("must be a valid duration (e.g., '30s', '5m'): %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("must be positive, got %s", value)
	}
	return nil
}

// parseDurationOr parses value, returning fallback when it is empty or invalid.
func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetDataDir returns the data directory, using "./data" if not specified
func (c *Config) GetDataDir() string {
	if c.DataDir == "" {
		return defaultDataDir
	}
	return c.DataDir
}

// GetStorageType returns the storage backend type, defaulting to file
func (c *Config) GetStorageType() string {
	if c.Storage == nil || c.Storage.Type == "" {
		return StorageTypeFile
	}
	return c.Storage.Type
}

// GetStoragePath returns the store location for the configured backend
func (c *Config) GetStoragePath() string {
	if c.Storage != nil && c.Storage.Path != "" {
		return c.Storage.Path
	}
	if c.GetStorageType() == StorageTypeSQLite {
		return filepath.Join(c.GetDataDir(), defaultSQLiteStoreName)
	}
	return filepath.Join(c.GetDataDir(), defaultFileStoreName)
}

// GetTimeout returns the backend request timeout
func (b *BackendConfig) GetTimeout() time.Duration {
	return parseDurationOr(b.Timeout, defaultBackendTimeout)
}

// GetToken returns the bearer token using the following priority:
// 1. Read from TokenFile if specified
// 2. Read from COURIER_SYNC_BACKEND_TOKEN environment variable
//
// An empty token means requests are sent without an Authorization header.
func (b *BackendConfig) GetToken() (string, error) {
	if b.TokenFile != "" {
		data, err := os.ReadFile(filepath.Clean(b.TokenFile))
		if err != nil {
			return "", fmt.Errorf("failed to read token from file %s: %w", b.TokenFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return os.Getenv(backendTokenEnvVariable), nil
}

// GetConnectivityProvider returns the reachability provider, defaulting to probe
func (c *Config) GetConnectivityProvider() string {
	if c.Connectivity == nil || c.Connectivity.Provider == "" {
		return ConnectivityProviderProbe
	}
	return c.Connectivity.Provider
}

// GetProbeURL returns the URL probed for reachability
func (c *Config) GetProbeURL() string {
	if c.Connectivity != nil && c.Connectivity.ProbeURL != "" {
		return c.Connectivity.ProbeURL
	}
	return c.Backend.BaseURL
}

// GetProbeInterval returns the probe interval while online
func (c *Config) GetProbeInterval() time.Duration {
	if c.Connectivity == nil {
		return defaultProbeInterval
	}
	return parseDurationOr(c.Connectivity.Interval, defaultProbeInterval)
}

// GetProbeMaxBackoff returns the longest probe interval while offline
func (c *Config) GetProbeMaxBackoff() time.Duration {
	if c.Connectivity == nil {
		return defaultProbeMaxBackoff
	}
	return parseDurationOr(c.Connectivity.MaxBackoff, defaultProbeMaxBackoff)
}

// GetSyncInterval returns the periodic sync interval, or 0 when disabled
func (c *Config) GetSyncInterval() time.Duration {
	if c.Sync == nil {
		return 0
	}
	return parseDurationOr(c.Sync.Interval, 0)
}

// GetSyncPassTimeout returns the sync pass bound, or 0 when unbounded
func (c *Config) GetSyncPassTimeout() time.Duration {
	if c.Sync == nil {
		return 0
	}
	return parseDurationOr(c.Sync.PassTimeout, 0)
}

// GetMaxRetries returns the configured retry bound for an action type, or 0
// when the type uses its built-in default
func (c *Config) GetMaxRetries(actionType string) int {
	if policy, ok := c.Actions[actionType]; ok {
		return policy.MaxRetries
	}
	return 0
}

// GetCacheTTL returns the default cache TTL
func (c *Config) GetCacheTTL() time.Duration {
	if c.Cache == nil {
		return defaultCacheTTL
	}
	return parseDurationOr(c.Cache.DefaultTTL, defaultCacheTTL)
}

// GetAPIAddress returns the local API listen address
func (c *Config) GetAPIAddress() string {
	if c.API == nil || c.API.Address == "" {
		return defaultAPIAddress
	}
	return c.API.Address
}
