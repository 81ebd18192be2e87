package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultEnvPrefix scopes environment overrides, e.g. SCORECACHE_CACHE__TTLDAYS.
const DefaultEnvPrefix = "SCORECACHE"

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	kept := make([]string, 0, len(files))
	for _, path := range files {
		if strings.TrimSpace(path) != "" {
			kept = append(kept, path)
		}
	}
	return &Loader{
		envPrefix: envPrefix,
		files:     kept,
	}
}

// Files lists the config documents the loader reads, in merge order.
func (l *Loader) Files() []string {
	return append([]string(nil), l.files...)
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}
	// Env keys arrive lowercased; map them back onto the camelCase keys the
	// defaults introduced so both land on the same koanf path.
	canonical := make(map[string]string)
	for _, key := range k.Keys() {
		canonical[strings.ToLower(key)] = key
	}

	for _, path := range l.files {
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (CACHE__TTLDAYS -> cache.ttlDays).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			// Single underscores are removed so REQUESTS_PER_MINUTE collapses into requestsperminute.
			key = strings.ToLower(strings.ReplaceAll(key, "_", ""))
			if mapped, ok := canonical[key]; ok {
				return mapped
			}
			return key
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file type %q", path)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"cache": map[string]any{
			"kind":            cfg.Cache.Kind,
			"dir":             cfg.Cache.Dir,
			"ttlDays":         cfg.Cache.TTLDays,
			"flushInterval":   cfg.Cache.FlushInterval,
			"cacheUnresolved": cfg.Cache.CacheUnresolved,
			"backend":         cfg.Cache.Backend,
			"valkey": map[string]any{
				"address":   cfg.Cache.Valkey.Address,
				"username":  cfg.Cache.Valkey.Username,
				"password":  cfg.Cache.Valkey.Password,
				"db":        cfg.Cache.Valkey.DB,
				"keyPrefix": cfg.Cache.Valkey.KeyPrefix,
				"tls": map[string]any{
					"enabled": cfg.Cache.Valkey.TLS.Enabled,
					"caFile":  cfg.Cache.Valkey.TLS.CAFile,
				},
			},
		},
		"primary": map[string]any{
			"baseURL":           cfg.Primary.BaseURL,
			"requestDelay":      cfg.Primary.RequestDelay.String(),
			"requestsPerMinute": cfg.Primary.RequestsPerMinute,
			"timeout":           cfg.Primary.Timeout.String(),
			"userAgent":         cfg.Primary.UserAgent,
		},
		"fallback": map[string]any{
			"pageTemplate":      cfg.Fallback.PageTemplate,
			"scoreSelector":     cfg.Fallback.ScoreSelector,
			"unavailableMarker": cfg.Fallback.UnavailableMarker,
			"waitSeconds":       cfg.Fallback.WaitSeconds,
			"retryMax":          cfg.Fallback.RetryMax,
			"timeout":           cfg.Fallback.Timeout.String(),
			"userAgent":         cfg.Fallback.UserAgent,
		},
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"shutdownTimeout": cfg.Server.ShutdownTimeout.String(),
		},
		"logging": map[string]any{
			"level":             cfg.Logging.Level,
			"format":            cfg.Logging.Format,
			"correlationHeader": cfg.Logging.CorrelationHeader,
		},
	}
}
