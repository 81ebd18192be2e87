package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/l0p7/scorecache/internal/runtime/scoring"
)

// MinFallbackWaitSeconds is the shortest pause allowed between page fetches.
const MinFallbackWaitSeconds = 2

// Config holds every option for one scorecache process.
type Config struct {
	Cache    CacheConfig    `koanf:"cache"`
	Primary  PrimaryConfig  `koanf:"primary"`
	Fallback FallbackConfig `koanf:"fallback"`
	Server   ServerConfig   `koanf:"server"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// CacheConfig selects the entity kind, the store and the validity window.
type CacheConfig struct {
	Kind            string       `koanf:"kind"`
	Dir             string       `koanf:"dir"`
	TTLDays         int          `koanf:"ttlDays"`
	FlushInterval   int          `koanf:"flushInterval"`
	CacheUnresolved bool         `koanf:"cacheUnresolved"`
	Backend         string       `koanf:"backend"`
	Valkey          ValkeyConfig `koanf:"valkey"`
}

type ValkeyConfig struct {
	Address   string          `koanf:"address"`
	Username  string          `koanf:"username"`
	Password  string          `koanf:"password"`
	DB        int             `koanf:"db"`
	KeyPrefix string          `koanf:"keyPrefix"`
	TLS       ValkeyTLSConfig `koanf:"tls"`
}

type ValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// PrimaryConfig points at the JSON scoring API.
type PrimaryConfig struct {
	BaseURL           string        `koanf:"baseURL"`
	RequestDelay      time.Duration `koanf:"requestDelay"`
	RequestsPerMinute int           `koanf:"requestsPerMinute"`
	Timeout           time.Duration `koanf:"timeout"`
	UserAgent         string        `koanf:"userAgent"`
}

// FallbackConfig describes how entity pages are located and scraped.
type FallbackConfig struct {
	PageTemplate      string        `koanf:"pageTemplate"`
	ScoreSelector     string        `koanf:"scoreSelector"`
	UnavailableMarker string        `koanf:"unavailableMarker"`
	WaitSeconds       float64       `koanf:"waitSeconds"`
	RetryMax          int           `koanf:"retryMax"`
	Timeout           time.Duration `koanf:"timeout"`
	UserAgent         string        `koanf:"userAgent"`
}

// ServerConfig configures the optional HTTP surface.
type ServerConfig struct {
	Listen ListenConfig `koanf:"listen"`
	// ShutdownTimeout bounds draining in-flight requests and, separately,
	// the final cache flush that follows.
	ShutdownTimeout time.Duration `koanf:"shutdownTimeout"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// EntityKind parses Kind. Call Validate first.
func (c CacheConfig) EntityKind() scoring.EntityKind {
	kind, err := scoring.ParseEntityKind(c.Kind)
	if err != nil {
		return scoring.KindAnime
	}
	return kind
}

// TTL converts TTLDays to a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLDays) * 24 * time.Hour
}

// FilePath is the JSON cache file for the configured kind.
func (c CacheConfig) FilePath() string {
	dir := c.Dir
	if strings.TrimSpace(dir) == "" {
		dir = "."
	}
	return filepath.Join(dir, c.EntityKind().CacheFileName())
}

// ValkeyKey is the key holding the snapshot for the configured kind.
func (c CacheConfig) ValkeyKey() string {
	return c.Valkey.KeyPrefix + c.EntityKind().String()
}

// NormalizedBackend folds the accepted backend aliases.
func (c CacheConfig) NormalizedBackend() string {
	backend := strings.TrimSpace(strings.ToLower(c.Backend))
	switch backend {
	case "", "file":
		return "file"
	case "redis", "valkey":
		return "valkey"
	default:
		return backend
	}
}

// Wait converts WaitSeconds to a duration.
func (c FallbackConfig) Wait() time.Duration {
	return time.Duration(c.WaitSeconds * float64(time.Second))
}

// Validate enforces invariants that keep the runtime predictable before any lookup runs.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if _, err := scoring.ParseEntityKind(c.Cache.Kind); err != nil {
		return fmt.Errorf("config: cache.kind invalid: %w", err)
	}
	if c.Cache.TTLDays <= 0 {
		return fmt.Errorf("config: cache.ttlDays invalid: %d", c.Cache.TTLDays)
	}
	if c.Cache.FlushInterval <= 0 {
		return fmt.Errorf("config: cache.flushInterval invalid: %d", c.Cache.FlushInterval)
	}
	switch c.Cache.NormalizedBackend() {
	case "file", "memory":
	case "valkey":
		if strings.TrimSpace(c.Cache.Valkey.Address) == "" {
			return errors.New("config: cache.valkey.address required for valkey backend")
		}
	default:
		return fmt.Errorf("config: cache.backend unsupported: %s", c.Cache.Backend)
	}
	if strings.TrimSpace(c.Primary.BaseURL) == "" {
		return errors.New("config: primary.baseURL required")
	}
	if c.Primary.RequestsPerMinute <= 0 {
		return fmt.Errorf("config: primary.requestsPerMinute invalid: %d", c.Primary.RequestsPerMinute)
	}
	if c.Primary.RequestDelay < 0 {
		return fmt.Errorf("config: primary.requestDelay invalid: %s", c.Primary.RequestDelay)
	}
	if c.Primary.Timeout <= 0 {
		return fmt.Errorf("config: primary.timeout invalid: %s", c.Primary.Timeout)
	}
	if strings.TrimSpace(c.Fallback.PageTemplate) == "" {
		return errors.New("config: fallback.pageTemplate required")
	}
	if strings.TrimSpace(c.Fallback.ScoreSelector) == "" {
		return errors.New("config: fallback.scoreSelector required")
	}
	if c.Fallback.WaitSeconds < MinFallbackWaitSeconds {
		return fmt.Errorf("config: fallback.waitSeconds must be at least %d, got %v", MinFallbackWaitSeconds, c.Fallback.WaitSeconds)
	}
	if c.Fallback.RetryMax <= 0 {
		return fmt.Errorf("config: fallback.retryMax invalid: %d", c.Fallback.RetryMax)
	}
	if c.Fallback.Timeout <= 0 {
		return fmt.Errorf("config: fallback.timeout invalid: %s", c.Fallback.Timeout)
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: server.listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("config: server.shutdownTimeout invalid: %s", c.Server.ShutdownTimeout)
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: logging.level unsupported: %s", c.Logging.Level)
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: logging.format unsupported: %s", c.Logging.Format)
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Cache: CacheConfig{
			Kind:          "anime",
			Dir:           ".",
			TTLDays:       14,
			FlushInterval: 25,
			Backend:       "file",
			Valkey: ValkeyConfig{
				KeyPrefix: "scorecache:",
			},
		},
		Primary: PrimaryConfig{
			BaseURL:           "https://api.jikan.moe/v4",
			RequestDelay:      2750 * time.Millisecond,
			RequestsPerMinute: 30,
			Timeout:           10 * time.Second,
		},
		Fallback: FallbackConfig{
			PageTemplate:      "https://myanimelist.net/{{ .Kind }}/{{ .ID }}",
			ScoreSelector:     `div[data-title="score"]`,
			UnavailableMarker: "N/A",
			WaitSeconds:       5,
			RetryMax:          3,
			Timeout:           15 * time.Second,
		},
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "127.0.0.1",
				Port:    8080,
			},
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:             "info",
			Format:            "text",
			CorrelationHeader: "X-Request-ID",
		},
	}
}
