package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/scorecache/internal/config"
	"github.com/l0p7/scorecache/internal/logging"
	"github.com/l0p7/scorecache/internal/metrics"
	"github.com/l0p7/scorecache/internal/runtime"
	"github.com/l0p7/scorecache/internal/runtime/cache"
	"github.com/l0p7/scorecache/internal/runtime/fallback"
	"github.com/l0p7/scorecache/internal/runtime/primary"
	"github.com/l0p7/scorecache/internal/runtime/resolver"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

type globalOptions struct {
	configFile string
	envPrefix  string
	kind       string
}

// app carries the loaded configuration and shared collaborators for one command.
type app struct {
	cfg     config.Config
	loader  *config.Loader
	logger  *slog.Logger
	metrics *metrics.Recorder
}

func loadApp(ctx context.Context, opts *globalOptions, logOutput io.Writer) (*app, error) {
	loader := config.NewLoader(opts.envPrefix, opts.configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if kind := strings.TrimSpace(opts.kind); kind != "" {
		cfg.Cache.Kind = kind
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	logger, err := logging.New(cfg.Logging, logOutput)
	if err != nil {
		return nil, fmt.Errorf("failed to configure logger: %w", err)
	}

	return &app{
		cfg:     cfg,
		loader:  loader,
		logger:  logger,
		metrics: metrics.NewRecorder(prometheus.NewRegistry()),
	}, nil
}

// openCache builds the configured store and loads the cache from it.
func (a *app) openCache(ctx context.Context) (*cache.Cache, error) {
	store, err := buildStore(a.logger.With(slog.String("agent", "cache_factory")), a.cfg.Cache)
	if err != nil {
		return nil, err
	}
	c, err := cache.Open(ctx, store, cache.Options{
		Kind:          a.cfg.Cache.EntityKind().String(),
		TTL:           a.cfg.Cache.TTL(),
		FlushInterval: a.cfg.Cache.FlushInterval,
		Logger:        a.logger,
		Metrics:       a.metrics,
	})
	if err != nil {
		_ = store.Close(ctx)
		return nil, err
	}
	return c, nil
}

// buildEngine wires the cache and both sources into an Engine.
func (a *app) buildEngine(ctx context.Context) (*runtime.Engine, error) {
	kind := a.cfg.Cache.EntityKind()
	api, err := primary.New(primary.Options{
		BaseURL:           a.cfg.Primary.BaseURL,
		Kind:              kind,
		RequestDelay:      a.cfg.Primary.RequestDelay,
		RequestsPerMinute: a.cfg.Primary.RequestsPerMinute,
		Timeout:           a.cfg.Primary.Timeout,
		UserAgent:         a.cfg.Primary.UserAgent,
		Logger:            a.logger,
		Metrics:           a.metrics,
	})
	if err != nil {
		return nil, err
	}
	site, err := fallback.New(fallback.Options{
		Kind:              kind,
		PageTemplate:      a.cfg.Fallback.PageTemplate,
		ScoreSelector:     a.cfg.Fallback.ScoreSelector,
		UnavailableMarker: a.cfg.Fallback.UnavailableMarker,
		Wait:              a.cfg.Fallback.Wait(),
		RetryMax:          a.cfg.Fallback.RetryMax,
		Timeout:           a.cfg.Fallback.Timeout,
		UserAgent:         a.cfg.Fallback.UserAgent,
		Logger:            a.logger,
		Metrics:           a.metrics,
	})
	if err != nil {
		return nil, err
	}
	chain, err := resolver.New(api, site, a.logger)
	if err != nil {
		return nil, err
	}

	c, err := a.openCache(ctx)
	if err != nil {
		return nil, err
	}
	engine, err := runtime.NewEngine(a.logger, runtime.EngineOptions{
		Cache:           c,
		Resolver:        chain,
		CacheUnresolved: a.cfg.Cache.CacheUnresolved,
	})
	if err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	return engine, nil
}

func buildStore(logger *slog.Logger, cfg config.CacheConfig) (cache.Store, error) {
	switch cfg.NormalizedBackend() {
	case "memory":
		if logger != nil {
			logger.Info("using memory score cache; nothing is persisted")
		}
		return cache.NewMemoryStore(nil), nil
	case "valkey":
		store, err := cache.NewRedisStore(cache.RedisConfig{
			Address:  cfg.Valkey.Address,
			Username: cfg.Valkey.Username,
			Password: cfg.Valkey.Password,
			DB:       cfg.Valkey.DB,
			Key:      cfg.ValkeyKey(),
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Valkey.TLS.Enabled,
				CAFile:  cfg.Valkey.TLS.CAFile,
			},
		})
		if err == nil {
			if logger != nil {
				logger.Info("using valkey score cache",
					slog.String("address", cfg.Valkey.Address),
					slog.String("key", cfg.ValkeyKey()),
				)
			}
			return store, nil
		}
		if logger != nil {
			logger.Error("valkey cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to file cache", slog.String("path", cfg.FilePath()))
		}
		return openFileStore(logger, cfg)
	default:
		return openFileStore(logger, cfg)
	}
}

func openFileStore(logger *slog.Logger, cfg config.CacheConfig) (cache.Store, error) {
	store, err := cache.NewFileStore(cfg.FilePath())
	if err != nil {
		if errors.Is(err, cache.ErrLocked) {
			return nil, fmt.Errorf("%w; is another scorecache process running?", err)
		}
		return nil, err
	}
	if logger != nil {
		logger.Info("using file score cache", slog.String("path", cfg.FilePath()))
	}
	return store, nil
}
