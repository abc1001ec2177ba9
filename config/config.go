// Package config loads the plugintrust service configuration from a YAML
// file, an optional .env file and PLUGINTRUST_* environment variables, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/reglet-dev/reglet-trust/capability/gatekeeper"
	"github.com/reglet-dev/reglet-trust/policy"
	"github.com/reglet-dev/reglet-trust/sandbox"
	"github.com/reglet-dev/reglet-trust/validation"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PLUGINTRUST_"

// Backend names.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Config is the service configuration.
type Config struct {
	SecurityLevel   string        `yaml:"security_level"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	GracePeriod     time.Duration `yaml:"grace_period"`
	BlockOnCritical bool          `yaml:"block_on_critical"`

	Ceilings struct {
		MaxMemoryBytes    int64         `yaml:"max_memory_bytes"`
		MaxCPUPerInvoke   time.Duration `yaml:"max_cpu_per_invoke"`
		MaxCallsPerSecond int           `yaml:"max_calls_per_second"`
	} `yaml:"ceilings"`

	// Limits bound every sandbox regardless of what a manifest asks for.
	Limits struct {
		MaxMemoryBytes    int64         `yaml:"max_memory_bytes"`
		MaxCPUPerInvoke   time.Duration `yaml:"max_cpu_per_invoke"`
		MaxCPUTotal       time.Duration `yaml:"max_cpu_total"`
		MaxWallPerInvoke  time.Duration `yaml:"max_wall_per_invoke"`
		MaxCallsPerSecond int           `yaml:"max_calls_per_second"`
	} `yaml:"limits"`

	Storage struct {
		// Grants is memory, file or postgres.
		Grants    string `yaml:"grants"`
		GrantFile string `yaml:"grant_file"`
		// Audit is memory or postgres.
		Audit      string `yaml:"audit"`
		KeyFile    string `yaml:"key_file"`
		PackageDir string `yaml:"package_dir"`
		Postgres   struct {
			DSN            string        `yaml:"dsn"`
			MaxConns       int32         `yaml:"max_conns"`
			ConnectTimeout time.Duration `yaml:"connect_timeout"`
		} `yaml:"postgres"`
	} `yaml:"storage"`

	Revocation struct {
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Channel  string `yaml:"channel"`
		} `yaml:"redis"`
	} `yaml:"revocation"`

	Scanner struct {
		RuleFiles []string `yaml:"rule_files"`
		Workers   int      `yaml:"workers"`
	} `yaml:"scanner"`

	Admin struct {
		Addr           string        `yaml:"addr"`
		ReapInterval   time.Duration `yaml:"reap_interval"`
		MaxHostMemory  float64       `yaml:"max_host_memory_percent"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"admin"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	c := &Config{
		SecurityLevel:   string(gatekeeper.SecurityStandard),
		CacheTTL:        policy.DefaultCacheTTL,
		GracePeriod:     2 * time.Second,
		BlockOnCritical: true,
	}
	ceil := validation.DefaultCeilings()
	c.Ceilings.MaxMemoryBytes = ceil.MaxMemoryBytes
	c.Ceilings.MaxCPUPerInvoke = ceil.MaxCPUPerInvoke
	c.Ceilings.MaxCallsPerSecond = ceil.MaxCallsPerSecond
	c.Storage.Grants = BackendMemory
	c.Storage.Audit = BackendMemory
	c.Storage.Postgres.MaxConns = 8
	c.Storage.Postgres.ConnectTimeout = 30 * time.Second
	c.Scanner.Workers = 4
	c.Admin.Addr = "127.0.0.1:9470"
	c.Admin.ReapInterval = time.Minute
	c.Admin.MaxHostMemory = 95
	c.Admin.ShutdownTimeout = 10 * time.Second
	c.Log.Level = "info"
	c.Log.Format = "text"
	return c
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := c.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadDotEnv loads .env style files into the process environment without
// overriding variables already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := gatekeeper.ParseSecurityLevel(c.SecurityLevel); err != nil {
		errs = append(errs, err)
	}
	if c.CacheTTL < 0 || c.CacheTTL > policy.MaxCacheTTL {
		errs = append(errs, fmt.Errorf("cache_ttl must be between 0 and %s", policy.MaxCacheTTL))
	}
	if c.GracePeriod < 0 {
		errs = append(errs, errors.New("grace_period must not be negative"))
	}
	switch c.Storage.Grants {
	case BackendMemory:
	case BackendFile:
		if c.Storage.GrantFile == "" {
			errs = append(errs, errors.New("storage.grant_file is required for the file grant backend"))
		}
	case BackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown grant backend %q", c.Storage.Grants))
	}
	switch c.Storage.Audit {
	case BackendMemory, BackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown audit backend %q", c.Storage.Audit))
	}
	if c.UsesPostgres() && c.Storage.Postgres.DSN == "" {
		errs = append(errs, errors.New("storage.postgres.dsn is required for the postgres backend"))
	}
	if c.Admin.ReapInterval <= 0 {
		errs = append(errs, errors.New("admin.reap_interval must be positive"))
	}
	if c.Scanner.Workers < 1 {
		errs = append(errs, errors.New("scanner.workers must be at least 1"))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if f := c.Log.Format; f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", f))
	}
	return errors.Join(errs...)
}

// UsesPostgres reports whether any backend needs a database.
func (c *Config) UsesPostgres() bool {
	return c.Storage.Grants == BackendPostgres || c.Storage.Audit == BackendPostgres
}

// LogLevel parses the configured level.
func (c *Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return l, nil
}

// ValidationCeilings converts the manifest ceilings.
func (c *Config) ValidationCeilings() validation.Ceilings {
	return validation.Ceilings{
		MaxMemoryBytes:    c.Ceilings.MaxMemoryBytes,
		MaxCPUPerInvoke:   c.Ceilings.MaxCPUPerInvoke,
		MaxCallsPerSecond: c.Ceilings.MaxCallsPerSecond,
	}
}

// SandboxCeiling converts the runtime limit ceiling.
func (c *Config) SandboxCeiling() sandbox.Limits {
	return sandbox.Limits{
		MaxMemoryBytes:    c.Limits.MaxMemoryBytes,
		MaxCPUPerInvoke:   c.Limits.MaxCPUPerInvoke,
		MaxCPUTotal:       c.Limits.MaxCPUTotal,
		MaxWallPerInvoke:  c.Limits.MaxWallPerInvoke,
		MaxCallsPerSecond: c.Limits.MaxCallsPerSecond,
	}
}

// NewLogger builds the service logger.
func (c *Config) NewLogger() *slog.Logger {
	level, _ := c.LogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
