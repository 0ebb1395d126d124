// Package scaffoldconfig loads and validates the Core's TOML
// configuration, the way cortex's internal/config loads Cortex's: read
// file, toml.Decode, apply defaults for zero-valued fields, normalize
// paths, validate.
package scaffoldconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like
// "60s" or "1h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the Core's full TOML configuration.
type Config struct {
	AppHome          string     `toml:"app_home"`
	DBFile           string     `toml:"db_file"`
	LockFile         string     `toml:"lock_file"`
	MaxWorkersPerGoal int       `toml:"max_workers_per_goal"`
	StalenessGrace   Duration   `toml:"staleness_grace"`
	ReapInterval     Duration   `toml:"reap_interval"`
	ReapCron         string     `toml:"reap_cron"`
	MetricsBind      string     `toml:"metrics_bind"`
	PromptsDir       string     `toml:"prompts_dir"`
	Dispatch         Dispatch   `toml:"dispatch"`
	Logging          Logging    `toml:"logging"`
}

// Dispatch configures the worker-dispatch backend.
type Dispatch struct {
	Backend string `toml:"backend"` // "pid" (default) or "docker"
	Image   string `toml:"image"`   // docker backend only
}

// Logging configures the structured log handler.
type Logging struct {
	Format string `toml:"format"` // "text" (default) or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// Load reads and validates a Core TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scaffoldconfig: reading %s: %w", path, err)
	}

	var cfg Config
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("scaffoldconfig: parsing %s: %w", path, err)
	}

	applyDefaults(&cfg, md)
	if err := normalizePaths(&cfg); err != nil {
		return nil, fmt.Errorf("scaffoldconfig: normalizing paths: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("scaffoldconfig: validating: %w", err)
	}

	return &cfg, nil
}

// Reload re-reads path; named distinctly from Load to mark runtime
// refresh call sites.
func Reload(path string) (*Config, error) {
	return Load(path)
}

func applyDefaults(cfg *Config, md toml.MetaData) {
	if cfg.AppHome == "" {
		cfg.AppHome = "~/.scaffold"
	}
	if cfg.DBFile == "" {
		cfg.DBFile = "scaffold.db"
	}
	if cfg.LockFile == "" {
		cfg.LockFile = "scaffold.lock"
	}
	if cfg.MetricsBind == "" {
		cfg.MetricsBind = "127.0.0.1:8791"
	}
	if cfg.MaxWorkersPerGoal == 0 {
		cfg.MaxWorkersPerGoal = 3
	}
	if cfg.StalenessGrace.Duration == 0 {
		cfg.StalenessGrace.Duration = time.Hour
	}
	if cfg.ReapInterval.Duration == 0 {
		cfg.ReapInterval.Duration = 30 * time.Second
	}
	if cfg.ReapCron == "" {
		cfg.ReapCron = "@every 30s"
	}
	if cfg.PromptsDir == "" {
		cfg.PromptsDir = "prompts"
	}
	if cfg.Dispatch.Backend == "" {
		cfg.Dispatch.Backend = "pid"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func normalizePaths(cfg *Config) error {
	expanded, err := expandHome(cfg.AppHome)
	if err != nil {
		return err
	}
	cfg.AppHome = expanded

	if !filepath.IsAbs(cfg.DBFile) {
		cfg.DBFile = filepath.Join(cfg.AppHome, cfg.DBFile)
	}
	if !filepath.IsAbs(cfg.LockFile) {
		cfg.LockFile = filepath.Join(cfg.AppHome, cfg.LockFile)
	}
	if !filepath.IsAbs(cfg.PromptsDir) {
		cfg.PromptsDir = filepath.Join(cfg.AppHome, cfg.PromptsDir)
	}
	return nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}

func validate(cfg *Config) error {
	if cfg.MaxWorkersPerGoal <= 0 {
		return fmt.Errorf("max_workers_per_goal must be positive, got %d", cfg.MaxWorkersPerGoal)
	}
	switch cfg.Dispatch.Backend {
	case "pid", "docker":
	default:
		return fmt.Errorf("dispatch.backend must be \"pid\" or \"docker\", got %q", cfg.Dispatch.Backend)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", cfg.Logging.Format)
	}
	return nil
}
