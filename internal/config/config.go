// Package config loads the pool configuration from a YAML file with
// environment variable overrides, in that precedence order: defaults, then
// file, then environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/dshills/lspool/internal/lsp"
)

// envPrefix is the prefix for all override variables, e.g. LSPOOL_MAX_SESSIONS.
const envPrefix = "LSPOOL_"

// Config is the full on-disk configuration.
type Config struct {
	Root string `yaml:"root"`

	MaxSessions       int           `yaml:"max_sessions"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	IdleCheckInterval time.Duration `yaml:"idle_check_interval"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
	SettleDelay       time.Duration `yaml:"settle_delay"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	MaxRSSMB          int           `yaml:"max_rss_mb"`
	ResourceInterval  time.Duration `yaml:"resource_interval"`
	Workers           int           `yaml:"workers"`

	Cache CacheConfig `yaml:"cache"`

	// Servers overrides or extends the builtin registry, keyed by language.
	Servers map[string]lsp.ServerConfig `yaml:"servers"`

	LogLevel string `yaml:"log_level"`
}

// CacheConfig tunes the response cache.
type CacheConfig struct {
	Capacity      int           `yaml:"capacity"`
	DiagnosticTTL time.Duration `yaml:"diagnostic_ttl"`
	HoverTTL      time.Duration `yaml:"hover_ttl"`
	CompletionTTL time.Duration `yaml:"completion_ttl"`
	SymbolTTL     time.Duration `yaml:"symbol_ttl"`
	DefaultTTL    time.Duration `yaml:"default_ttl"`
}

// Default returns the stock configuration rooted at the working directory.
func Default() *Config {
	pool := lsp.DefaultPoolConfig()
	return &Config{
		Root:              ".",
		MaxSessions:       pool.MaxSessions,
		RequestTimeout:    pool.RequestTimeout,
		HandshakeTimeout:  pool.HandshakeTimeout,
		IdleTimeout:       pool.IdleTimeout,
		IdleCheckInterval: pool.IdleCheckInterval,
		ShutdownGrace:     pool.ShutdownGrace,
		SettleDelay:       pool.SettleDelay,
		BackoffBase:       pool.BackoffBase,
		BackoffMax:        pool.BackoffMax,
		MaxRSSMB:          int(pool.MaxRSSBytes >> 20),
		ResourceInterval:  pool.ResourceInterval,
		Workers:           pool.Workers,
		Cache: CacheConfig{
			Capacity:      pool.CacheCapacity,
			DiagnosticTTL: pool.CacheTTLs.Diagnostics,
			HoverTTL:      pool.CacheTTLs.Hover,
			CompletionTTL: pool.CacheTTLs.Completion,
			SymbolTTL:     pool.CacheTTLs.Symbols,
			DefaultTTL:    pool.CacheTTLs.Default,
		},
		LogLevel: "info",
	}
}

// Load reads path (if non-empty), applies environment overrides, and
// validates. A missing file at an explicitly given path is an error; path
// "" means defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers LSPOOL_* variables over the current values. Unparseable
// values are ignored rather than fatal.
func (c *Config) applyEnv() {
	envStr(&c.Root, "ROOT")
	envStr(&c.LogLevel, "LOG_LEVEL")
	envInt(&c.MaxSessions, "MAX_SESSIONS")
	envInt(&c.MaxRSSMB, "MAX_RSS_MB")
	envInt(&c.Workers, "WORKERS")
	envInt(&c.Cache.Capacity, "CACHE_CAPACITY")
	envDur(&c.RequestTimeout, "REQUEST_TIMEOUT")
	envDur(&c.HandshakeTimeout, "HANDSHAKE_TIMEOUT")
	envDur(&c.IdleTimeout, "IDLE_TIMEOUT")
	envDur(&c.IdleCheckInterval, "IDLE_CHECK_INTERVAL")
	envDur(&c.ShutdownGrace, "SHUTDOWN_GRACE")
	envDur(&c.SettleDelay, "SETTLE_DELAY")
	envDur(&c.BackoffBase, "BACKOFF_BASE")
	envDur(&c.BackoffMax, "BACKOFF_MAX")
	envDur(&c.ResourceInterval, "RESOURCE_INTERVAL")
}

func envStr(dst *string, name string) {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		*dst = v
	}
}

func envInt(dst *int, name string) {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDur(dst *time.Duration, name string) {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// Validate rejects values the pool cannot run with.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root must not be empty")
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", c.MaxSessions)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("backoff_max %s is below backoff_base %s", c.BackoffMax, c.BackoffBase)
	}
	for lang, srv := range c.Servers {
		if srv.Command == "" {
			return fmt.Errorf("server %q has no command", lang)
		}
	}
	return nil
}

// PoolConfig converts to the pool's tuning struct.
func (c *Config) PoolConfig() lsp.PoolConfig {
	return lsp.PoolConfig{
		MaxSessions:       c.MaxSessions,
		RequestTimeout:    c.RequestTimeout,
		HandshakeTimeout:  c.HandshakeTimeout,
		IdleTimeout:       c.IdleTimeout,
		IdleCheckInterval: c.IdleCheckInterval,
		ShutdownGrace:     c.ShutdownGrace,
		SettleDelay:       c.SettleDelay,
		BackoffBase:       c.BackoffBase,
		BackoffMax:        c.BackoffMax,
		MaxRSSBytes:       uint64(c.MaxRSSMB) << 20,
		ResourceInterval:  c.ResourceInterval,
		Workers:           c.Workers,
		CacheCapacity:     c.Cache.Capacity,
		CacheTTLs: lsp.CacheTTLs{
			Diagnostics: c.Cache.DiagnosticTTL,
			Hover:       c.Cache.HoverTTL,
			Completion:  c.Cache.CompletionTTL,
			Symbols:     c.Cache.SymbolTTL,
			Default:     c.Cache.DefaultTTL,
		},
	}
}

// Registry merges configured servers over the autodetected builtin set.
// A configured language wins; its Language field defaults to the map key.
func (c *Config) Registry() map[string]lsp.ServerConfig {
	reg := lsp.AutoDetectServers()
	for lang, srv := range c.Servers {
		if srv.Language == "" {
			srv.Language = lang
		}
		reg[lang] = srv
	}
	return reg
}
