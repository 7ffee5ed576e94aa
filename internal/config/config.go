package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/basket/agentcore/internal/otel"
)

const (
	DefaultTickSpec            = "@every 1m"
	DefaultGoalSweepSpec       = "@every 15m"
	DefaultMaxConcurrentStores = 4
	DefaultRunTimeoutSeconds   = 600
)

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// CatalogPath points at the agents.yaml catalog. Relative paths resolve
	// against HomeDir.
	CatalogPath string `yaml:"catalog_path"`

	// TickSpec drives the due-binding scan; GoalSweepSpec drives the
	// overdue-goal sweep. Both accept standard cron syntax or @every.
	TickSpec      string `yaml:"tick_spec"`
	GoalSweepSpec string `yaml:"goal_sweep_spec"`

	// MaxConcurrentStores bounds how many tenants a single tick processes
	// in parallel. Bindings of one store always run sequentially.
	MaxConcurrentStores int `yaml:"max_concurrent_stores"`

	RunTimeoutSeconds int `yaml:"run_timeout_seconds"`

	OTel otel.Config `yaml:"otel"`

	// NeedsInit is set when config.yaml did not exist.
	NeedsInit bool `yaml:"-"`
}

// RunTimeout returns the per-run deadline.
func (c Config) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the settings that affect scheduling.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "tick=%s|sweep=%s|stores=%d|timeout=%d|log=%s|catalog=%s",
		c.TickSpec, c.GoalSweepSpec, c.MaxConcurrentStores, c.RunTimeoutSeconds, c.LogLevel, c.CatalogPath)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel:            "info",
		TickSpec:            DefaultTickSpec,
		GoalSweepSpec:       DefaultGoalSweepSpec,
		MaxConcurrentStores: DefaultMaxConcurrentStores,
		RunTimeoutSeconds:   DefaultRunTimeoutSeconds,
	}
}

func HomeDir() string {
	if override := os.Getenv("AGENTCORE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentcore")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from homeDir, applies env overrides and
// defaults, and validates the result.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agentcore home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "agentcore.db")
	} else if !filepath.IsAbs(cfg.DBPath) {
		cfg.DBPath = filepath.Join(cfg.HomeDir, cfg.DBPath)
	}
	if strings.TrimSpace(cfg.CatalogPath) == "" {
		cfg.CatalogPath = filepath.Join(cfg.HomeDir, "agents.yaml")
	} else if !filepath.IsAbs(cfg.CatalogPath) {
		cfg.CatalogPath = filepath.Join(cfg.HomeDir, cfg.CatalogPath)
	}
	if strings.TrimSpace(cfg.TickSpec) == "" {
		cfg.TickSpec = DefaultTickSpec
	}
	if strings.TrimSpace(cfg.GoalSweepSpec) == "" {
		cfg.GoalSweepSpec = DefaultGoalSweepSpec
	}
	if cfg.MaxConcurrentStores <= 0 {
		cfg.MaxConcurrentStores = DefaultMaxConcurrentStores
	}
	if cfg.RunTimeoutSeconds <= 0 {
		cfg.RunTimeoutSeconds = DefaultRunTimeoutSeconds
	}
}

func validate(cfg Config) error {
	if _, err := cronlib.ParseStandard(cfg.TickSpec); err != nil {
		return fmt.Errorf("invalid tick_spec %q: %w", cfg.TickSpec, err)
	}
	if _, err := cronlib.ParseStandard(cfg.GoalSweepSpec); err != nil {
		return fmt.Errorf("invalid goal_sweep_spec %q: %w", cfg.GoalSweepSpec, err)
	}
	if err := cfg.OTel.Validate(); err != nil {
		return err
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AGENTCORE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGENTCORE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("AGENTCORE_TICK_SPEC"); raw != "" {
		cfg.TickSpec = raw
	}
	if raw := os.Getenv("AGENTCORE_MAX_CONCURRENT_STORES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxConcurrentStores = v
		}
	}
	if raw := os.Getenv("AGENTCORE_RUN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RunTimeoutSeconds = v
		}
	}
}
