// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/qiwenli/mpcrawl/internal/crawler"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Accounts []string       `mapstructure:"accounts"`
	Range    RangeConfig    `mapstructure:"range"`
	Keywords []string       `mapstructure:"keywords"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Store    StoreConfig    `mapstructure:"store"`
	Export   ExportConfig   `mapstructure:"export"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// RangeConfig bounds the publish time of collected articles.
type RangeConfig struct {
	Start string `mapstructure:"start"`
	End   string `mapstructure:"end"`
}

// CrawlerConfig governs scheduling and the worker pool.
type CrawlerConfig struct {
	Concurrency    int     `mapstructure:"concurrency"`
	MaxAttempts    int     `mapstructure:"max_attempts"`
	PerHostRPS     float64 `mapstructure:"per_host_rps"`
	PerHostBurst   int     `mapstructure:"per_host_burst"`
	UserAgent      string  `mapstructure:"user_agent"`
	PageSize       int     `mapstructure:"page_size"`
	MaxPages       int     `mapstructure:"max_pages"`
	DefaultDeferMs int     `mapstructure:"default_defer_ms"`
}

// HTTPConfig configures the HTTP client and retry backoff.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// AuthConfig holds the platform session credentials. The login flow that
// produces them is external; the core only consumes and refreshes them.
type AuthConfig struct {
	Token           string `mapstructure:"token"`
	Cookie          string `mapstructure:"cookie"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// StoreConfig selects and configures the checkpoint backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	DSN     string `mapstructure:"dsn"`
}

// ExportConfig sets the CSV export destination.
type ExportConfig struct {
	Dir string `mapstructure:"dir"`
}

// MetricsConfig toggles the optional observability listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MPCRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, &crawler.ConfigError{Field: "file", Err: err}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, &crawler.ConfigError{Field: "unmarshal", Err: err}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawler.concurrency", 2)
	v.SetDefault("crawler.max_attempts", 3)
	v.SetDefault("crawler.per_host_rps", 0.5)
	v.SetDefault("crawler.per_host_burst", 1)
	v.SetDefault("crawler.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) mpcrawl/2.0")
	v.SetDefault("crawler.page_size", 5)
	v.SetDefault("crawler.max_pages", 40)
	v.SetDefault("crawler.default_defer_ms", 30000)
	v.SetDefault("http.timeout_seconds", 20)
	v.SetDefault("http.backoff_initial_ms", 500)
	v.SetDefault("http.backoff_max_ms", 60000)
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.path", "mpcrawl.db")
	v.SetDefault("export.dir", "export")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", "127.0.0.1:9190")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits. Failures are
// fatal: the run aborts before any worker starts.
func (c Config) Validate() error {
	if c.Crawler.Concurrency <= 0 {
		return &crawler.ConfigError{Field: "crawler.concurrency", Err: errors.New("must be > 0")}
	}
	if c.Crawler.MaxAttempts <= 0 {
		return &crawler.ConfigError{Field: "crawler.max_attempts", Err: errors.New("must be > 0")}
	}
	if c.Crawler.PageSize <= 0 {
		return &crawler.ConfigError{Field: "crawler.page_size", Err: errors.New("must be > 0")}
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return &crawler.ConfigError{Field: "http.timeout_seconds", Err: errors.New("must be > 0")}
	}
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.Path == "" {
			return &crawler.ConfigError{Field: "store.path", Err: errors.New("required for sqlite backend")}
		}
	case "postgres":
		if c.Store.DSN == "" {
			return &crawler.ConfigError{Field: "store.dsn", Err: errors.New("required for postgres backend")}
		}
	case "memory":
	default:
		return &crawler.ConfigError{Field: "store.backend", Err: fmt.Errorf("unknown backend %q", c.Store.Backend)}
	}
	if _, _, err := c.Range.Window(); err != nil {
		return err
	}
	return nil
}

// Window parses the configured time range. Empty bounds are open.
func (r RangeConfig) Window() (start, end time.Time, err error) {
	const layout = "2006-01-02"
	if r.Start != "" {
		start, err = time.Parse(layout, r.Start)
		if err != nil {
			return time.Time{}, time.Time{}, &crawler.ConfigError{Field: "range.start", Err: err}
		}
	}
	if r.End != "" {
		end, err = time.Parse(layout, r.End)
		if err != nil {
			return time.Time{}, time.Time{}, &crawler.ConfigError{Field: "range.end", Err: err}
		}
		// End date is inclusive.
		end = end.Add(24*time.Hour - time.Nanosecond)
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return time.Time{}, time.Time{}, &crawler.ConfigError{Field: "range", Err: errors.New("end before start")}
	}
	return start, end, nil
}

// Timeout converts the HTTP timeout into a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
