package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListen       = "127.0.0.1:8080"
	DefaultTimezone     = "UTC"
	DefaultCacheTTL     = 10 * time.Minute
	DefaultSweepCron    = "*/5 * * * *"
	DefaultVersionStore = "memory"
	DefaultStorage      = "memory"
	DefaultMaxOccurs    = 366
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// StorageConfig selects the event store.
type StorageConfig struct {
	// Driver is "memory" or "postgres".
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the PostgreSQL connection string, used when Driver is "postgres".
	DSN string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

// CacheConfig controls the per-user query cache.
type CacheConfig struct {
	// TTL bounds how long a cached window lives regardless of invalidation.
	TTL time.Duration `yaml:"ttl" json:"ttl"`
	// SweepCron is the cron schedule of the expired-entry sweeper.
	SweepCron string `yaml:"sweep_cron" json:"sweep_cron"`
	// VersionStore is "memory" or "sqlite".
	VersionStore string `yaml:"version_store" json:"version_store"`
	// VersionPath is the SQLite file holding the version counters.
	VersionPath string `yaml:"version_path,omitempty" json:"version_path,omitempty"`
}

// RecurrenceConfig tunes expansion and series edits.
type RecurrenceConfig struct {
	// MaxOccurrences caps the instants one master yields per query.
	MaxOccurrences int `yaml:"max_occurrences" json:"max_occurrences"`
	// PreserveSplitTermination keeps the old UNTIL/COUNT on the new master
	// of a "this and future" edit when no new rule is given.
	PreserveSplitTermination bool `yaml:"preserve_split_termination" json:"preserve_split_termination"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address of the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used when a request names none.
	Timezone string `yaml:"timezone" json:"timezone"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`
	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log_format" json:"log_format"`

	Storage    StorageConfig    `yaml:"storage" json:"storage"`
	Cache      CacheConfig      `yaml:"cache" json:"cache"`
	Recurrence RecurrenceConfig `yaml:"recurrence" json:"recurrence"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:    DefaultListen,
		Timezone:  DefaultTimezone,
		LogLevel:  "info",
		LogFormat: "text",
		Storage:   StorageConfig{Driver: DefaultStorage},
		Cache: CacheConfig{
			TTL:          DefaultCacheTTL,
			SweepCron:    DefaultSweepCron,
			VersionStore: DefaultVersionStore,
		},
		Recurrence: RecurrenceConfig{MaxOccurrences: DefaultMaxOccurs},
	}
}

// Normalize fills in missing or unknown values so that partially-filled
// configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		c.LogLevel = "info"
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		c.LogFormat = "text"
	}

	switch c.Storage.Driver {
	case "memory", "postgres":
	default:
		c.Storage.Driver = DefaultStorage
	}

	if c.Cache.TTL <= 0 {
		c.Cache.TTL = DefaultCacheTTL
	}
	if c.Cache.SweepCron == "" {
		c.Cache.SweepCron = DefaultSweepCron
	}
	switch c.Cache.VersionStore {
	case "memory":
	case "sqlite":
		if c.Cache.VersionPath == "" {
			c.Cache.VersionPath = "cache-versions.db"
		}
	default:
		c.Cache.VersionStore = DefaultVersionStore
	}

	if c.Recurrence.MaxOccurrences <= 0 {
		c.Recurrence.MaxOccurrences = DefaultMaxOccurs
	}
}

// Validate reports settings Normalize cannot repair.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return errors.New("config: storage.dsn is required for the postgres driver")
	}
	if c.BasicAuth != nil && (c.BasicAuth.Username == "" || c.BasicAuth.Password == "") {
		return errors.New("config: basic_auth needs both username and password")
	}
	return nil
}

// Location resolves Timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms (creating the parent directory) and returned.
//   - Otherwise the YAML is unmarshalled, normalized and validated.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory with 0700.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".famcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method delegating to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
