package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/highbeam/versionfs/internal/logging"
	"github.com/highbeam/versionfs/internal/pathfilter"
	"github.com/highbeam/versionfs/internal/store"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all daemon configuration.
type Config struct {
	RootDir       string `json:"root_dir" toml:"root_dir" yaml:"root_dir"`
	DataDir       string `json:"data_dir" toml:"data_dir" yaml:"data_dir"`
	SocketPath    string `json:"socket_path" toml:"socket_path" yaml:"socket_path"`
	DBPath        string `json:"db_path" toml:"db_path" yaml:"db_path"`
	StorageDriver string `json:"storage_driver" toml:"storage_driver" yaml:"storage_driver"`

	ExcludedDirectories []string `json:"excluded_directories" toml:"excluded_directories" yaml:"excluded_directories"`
	ExcludedFiles       []string `json:"excluded_files" toml:"excluded_files" yaml:"excluded_files"`
	IncludedFiles       []string `json:"included_files" toml:"included_files" yaml:"included_files"`

	ImportBatchBytes   int64 `json:"import_batch_bytes" toml:"import_batch_bytes" yaml:"import_batch_bytes"`
	RecordOfflineEdits bool  `json:"record_offline_edits" toml:"record_offline_edits" yaml:"record_offline_edits"`
	CommitTimeoutMs    int   `json:"commit_timeout_ms" toml:"commit_timeout_ms" yaml:"commit_timeout_ms"`
	SweepIntervalMs    int   `json:"sweep_interval_ms" toml:"sweep_interval_ms" yaml:"sweep_interval_ms"`
	DebounceMs         int   `json:"debounce_ms" toml:"debounce_ms" yaml:"debounce_ms"`
	ResetDatabase      bool  `json:"reset_database" toml:"reset_database" yaml:"reset_database"`
	Watch              bool  `json:"watch" toml:"watch" yaml:"watch"`

	// MetricsAddr enables the Prometheus endpoint when set, e.g. "127.0.0.1:9477".
	MetricsAddr string `json:"metrics_addr" toml:"metrics_addr" yaml:"metrics_addr"`
	LogLevel    string `json:"log_level" toml:"log_level" yaml:"log_level"`
	LogFormat   string `json:"log_format" toml:"log_format" yaml:"log_format"`
	// LogFile, when set, receives the logs instead of stderr.
	LogFile string `json:"log_file" toml:"log_file" yaml:"log_file"`
}

// DefaultDataDir returns the default data directory (~/.versionfs).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".versionfs")
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	dataDir := DefaultDataDir()
	filter := pathfilter.Defaults()
	return &Config{
		DataDir:             dataDir,
		SocketPath:          filepath.Join(dataDir, "versionfs.sock"),
		DBPath:              filepath.Join(dataDir, "versionfs.db"),
		StorageDriver:       store.DriverSQLite,
		ExcludedDirectories: filter.ExcludedDirectories,
		ExcludedFiles:       filter.ExcludedFiles,
		ImportBatchBytes:    64 << 20,
		CommitTimeoutMs:     60000,
		SweepIntervalMs:     1000,
		DebounceMs:          100,
		Watch:               true,
		LogLevel:            "info",
		LogFormat:           string(logging.FormatText),
	}
}

// Load reads configuration from path, falling back to defaults for any
// unset fields. The format follows the extension: .json, .toml, .yaml or
// .yml; anything else is tried as JSON. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file is fine, use defaults.
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	}

	// Re-derive paths if DataDir was overridden but socket/db paths were not.
	if cfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(cfg.DataDir, "versionfs.sock")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "versionfs.db")
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// ApplyEnvOverrides applies VERSIONFS_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("VERSIONFS_ROOT"); v != "" {
		c.RootDir = v
	}
	if v := os.Getenv("VERSIONFS_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("VERSIONFS_SOCKET_PATH"); v != "" {
		c.SocketPath = v
	}
	if v := os.Getenv("VERSIONFS_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks the configuration for errors. Every returned error
// wraps ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	if c.RootDir == "" {
		errs = append(errs, errors.New("root_dir is required"))
	}
	switch c.StorageDriver {
	case store.DriverSQLite, store.DriverSQLite3:
		if c.DBPath == "" {
			errs = append(errs, errors.New("db_path is required"))
		}
	case store.DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage_driver %q", c.StorageDriver))
	}
	if c.SocketPath == "" {
		errs = append(errs, errors.New("socket_path is required"))
	}
	if c.ImportBatchBytes <= 0 {
		errs = append(errs, errors.New("import_batch_bytes must be positive"))
	}
	if c.CommitTimeoutMs <= 0 {
		errs = append(errs, errors.New("commit_timeout_ms must be positive"))
	}
	if c.SweepIntervalMs <= 0 {
		errs = append(errs, errors.New("sweep_interval_ms must be positive"))
	}
	if c.DebounceMs < 0 {
		errs = append(errs, errors.New("debounce_ms must not be negative"))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch logging.Format(c.LogFormat) {
	case logging.FormatText, logging.FormatJSON, "":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q", c.LogFormat))
	}
	if _, err := pathfilter.New(c.Filter()); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// EnsureDataDir creates the data directory if it does not exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0755)
}

// Filter returns the path filter options.
func (c *Config) Filter() pathfilter.Options {
	return pathfilter.Options{
		ExcludedDirectories: c.ExcludedDirectories,
		ExcludedFiles:       c.ExcludedFiles,
		IncludedFiles:       c.IncludedFiles,
	}
}

// Store returns the storage backend options.
func (c *Config) Store() store.Options {
	return store.Options{Driver: c.StorageDriver, Path: c.DBPath}
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	out := "stderr"
	if c.LogFile != "" {
		out = c.LogFile
	}
	return logging.Config{Level: c.LogLevel, Format: logging.Format(c.LogFormat), Output: out}
}

func (c *Config) CommitTimeout() time.Duration {
	return time.Duration(c.CommitTimeoutMs) * time.Millisecond
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}

func (c *Config) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// ConfigPath returns the default path to the config file.
func ConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.json")
}
