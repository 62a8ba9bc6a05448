package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

type LedgerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Config is everything a Runner needs for one invocation. It is built once at
// startup and not mutated after Validate.
type Config struct {
	Slug         string        `yaml:"slug"`
	Worker       string        `yaml:"worker"`
	Instance     int           `yaml:"instance"`
	Shell        bool          `yaml:"shell"`
	Env          []string      `yaml:"env"`
	DelayedBind  int           `yaml:"delayed_bind"`
	Ping         string        `yaml:"ping"`
	PingInterval int           `yaml:"ping_interval"`
	StopTimeout  time.Duration `yaml:"stop_timeout"`
	LogFormat    string        `yaml:"log_format"`
	LogLevel     string        `yaml:"log_level"`
	MetricsAddr  string        `yaml:"metrics_addr"`
	Ledger       LedgerConfig  `yaml:"ledger"`
}

// DefaultPath is the config file read when --config is not given.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "slugrunner", "config.yaml")
}

// DefaultLedgerPath is where run history lives when no path is configured.
func DefaultLedgerPath() string {
	return filepath.Join(xdg.StateHome, "slugrunner", "runs.db")
}

func Default() *Config {
	return &Config{
		Worker:       "web",
		Instance:     1,
		PingInterval: 30,
		StopTimeout:  30 * time.Second,
		LogFormat:    "text",
		LogLevel:     "info",
		Ledger: LedgerConfig{
			Enabled: false,
			Path:    DefaultLedgerPath(),
		},
	}
}

// Load returns defaults overlaid with the YAML file at yamlPath (if any) and
// SLUGRUNNER_* environment overrides. A missing file is not an error.
func Load(yamlPath string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SLUGRUNNER_SLUG"); v != "" {
		cfg.Slug = v
	}
	if v := os.Getenv("SLUGRUNNER_WORKER"); v != "" {
		cfg.Worker = v
	}
	if v := os.Getenv("SLUGRUNNER_INSTANCE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Instance = n
		}
	}
	if v := os.Getenv("SLUGRUNNER_DELAYED_BIND"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DelayedBind = n
		}
	}
	if v := os.Getenv("SLUGRUNNER_PING"); v != "" {
		cfg.Ping = v
	}
	if v := os.Getenv("SLUGRUNNER_PING_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PingInterval = n
		}
	}
	if v := os.Getenv("SLUGRUNNER_STOP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.StopTimeout = d
		}
	}
	if v := os.Getenv("SLUGRUNNER_LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	if v := os.Getenv("SLUGRUNNER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("SLUGRUNNER_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("SLUGRUNNER_LEDGER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Ledger.Enabled = b
		}
	}
	if v := os.Getenv("SLUGRUNNER_LEDGER_PATH"); v != "" {
		cfg.Ledger.Path = v
	}
}

// Hostname is the synthetic identity of the supervised process.
func (c *Config) Hostname() string {
	return fmt.Sprintf("%s.%d", c.Worker, c.Instance)
}

// HeartbeatEnabled reports whether lifecycle pings should be sent.
func (c *Config) HeartbeatEnabled() bool {
	return c.Ping != "" && c.PingInterval > 0
}

// BindDelay is the readiness grace period.
func (c *Config) BindDelay() time.Duration {
	return time.Duration(c.DelayedBind) * time.Second
}

// HeartbeatInterval is the period between update pings.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.PingInterval) * time.Second
}

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration and returns every problem joined.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Slug == "" {
		errs = append(errs, ValidationError{Field: "slug", Message: "must be present"})
	}
	if cfg.Worker == "" {
		errs = append(errs, ValidationError{Field: "worker", Message: "must be present"})
	}
	if cfg.Instance < 1 {
		errs = append(errs, ValidationError{Field: "instance", Message: "must be at least 1"})
	}
	if cfg.DelayedBind < 0 {
		errs = append(errs, ValidationError{Field: "delayed_bind", Message: "must not be negative"})
	}
	if cfg.PingInterval < 0 {
		errs = append(errs, ValidationError{Field: "ping_interval", Message: "must not be negative"})
	}
	if cfg.StopTimeout < 0 {
		errs = append(errs, ValidationError{Field: "stop_timeout", Message: "must not be negative"})
	}
	if cfg.Ping != "" {
		if err := validateURL(cfg.Ping); err != nil {
			errs = append(errs, ValidationError{Field: "ping", Message: err.Error()})
		}
	}
	switch cfg.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}
	if cfg.Ledger.Enabled && cfg.Ledger.Path == "" {
		errs = append(errs, ValidationError{Field: "ledger.path", Message: "required when ledger is enabled"})
	}

	return errors.Join(errs...)
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https (got %q)", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("URL must have a host")
	}
	return nil
}
