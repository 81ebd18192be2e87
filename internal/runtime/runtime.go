package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/l0p7/scorecache/internal/runtime/cache"
	"github.com/l0p7/scorecache/internal/runtime/resolver"
	"github.com/l0p7/scorecache/internal/runtime/scoring"
	"github.com/l0p7/scorecache/internal/runtime/warmer"
)

// SourceCache is reported in Lookup.Source for cache hits.
const SourceCache = "cache"

// DefaultResolveTimeout bounds one shared resolution, covering the primary
// call and every fallback attempt.
const DefaultResolveTimeout = 2 * time.Minute

var (
	// ErrEmptyID is returned for blank entity ids.
	ErrEmptyID = errors.New("runtime: entity id required")
	// ErrClosed is returned for lookups that need a resolution after Shutdown.
	ErrClosed = errors.New("runtime: engine shut down")
)

type Resolver interface {
	Resolve(ctx context.Context, id string) (resolver.Result, error)
}

type EngineOptions struct {
	Cache    *cache.Cache
	Resolver Resolver
	// CacheUnresolved stores the unknown sentinel for ids both sources report
	// missing, so the next warm retries them.
	CacheUnresolved bool
	// ResolveTimeout bounds a resolution shared by coalesced callers. Zero
	// means DefaultResolveTimeout.
	ResolveTimeout time.Duration
}

// Lookup describes how a score was obtained.
type Lookup struct {
	ID        string
	Score     float64
	FromCache bool
	Source    string
	Miss      cache.MissReason
	Shared    bool
	Latency   time.Duration
}

// Engine answers score lookups from the cache and resolves misses through the
// source chain, storing what it finds.
type Engine struct {
	logger          *slog.Logger
	cache           *cache.Cache
	resolver        Resolver
	warmer          *warmer.Warmer
	cacheUnresolved bool
	resolveTimeout  time.Duration

	group    singleflight.Group
	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	shutdown sync.Once
	closeErr error
}

func NewEngine(logger *slog.Logger, opts EngineOptions) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Cache == nil {
		return nil, errors.New("runtime: cache required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("runtime: resolver required")
	}
	timeout := opts.ResolveTimeout
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}
	return &Engine{
		logger:          logger.With(slog.String("agent", "engine")),
		resolveTimeout:  timeout,
		cache:           opts.Cache,
		resolver:        opts.Resolver,
		warmer:          warmer.New(opts.Cache, opts.Resolver, logger),
		cacheUnresolved: opts.CacheUnresolved,
	}, nil
}

// Cache exposes the engine's cache for listing and live reconfiguration.
func (e *Engine) Cache() *cache.Cache { return e.cache }

// Warm refreshes every stale entry. Call it once before serving lookups.
func (e *Engine) Warm(ctx context.Context) warmer.Report {
	return e.warmer.RefreshStale(ctx)
}

// ResolveAndCache returns the cached score for id or resolves and stores it.
// Concurrent calls for one id share a single resolution.
func (e *Engine) ResolveAndCache(ctx context.Context, id string) (Lookup, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Lookup{}, ErrEmptyID
	}
	start := time.Now()

	score, err := e.cache.Get(id)
	if err == nil {
		lookup := Lookup{ID: id, Score: score, FromCache: true, Source: SourceCache, Latency: time.Since(start)}
		e.observe(ctx, lookup, nil)
		return lookup, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		return Lookup{}, fmt.Errorf("runtime: cache get %s: %w", id, err)
	}
	miss := cache.MissReasonOf(err)

	// The shared resolution outlives any one caller; each caller stops
	// waiting when its own context ends.
	ch := e.group.DoChan(id, func() (any, error) {
		return e.resolveDetached(ctx, id)
	})
	lookup := Lookup{ID: id, Miss: miss}
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		lookup.Latency = time.Since(start)
		e.observe(ctx, lookup, ctx.Err())
		return lookup, ctx.Err()
	}
	lookup.Shared = res.Shared
	lookup.Latency = time.Since(start)
	if res.Err != nil {
		e.observe(ctx, lookup, res.Err)
		return lookup, res.Err
	}
	result := res.Val.(resolver.Result)
	lookup.Score = result.Score
	lookup.Source = result.Source
	e.observe(ctx, lookup, nil)
	return lookup, nil
}

// resolveDetached runs one resolution on a context that keeps ctx's values
// but not its cancellation, bounded by the resolve timeout. Shutdown waits for
// it before the final flush.
func (e *Engine) resolveDetached(ctx context.Context, id string) (resolver.Result, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return resolver.Result{}, ErrClosed
	}
	e.inflight.Add(1)
	e.mu.Unlock()
	defer e.inflight.Done()

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.resolveTimeout)
	defer cancel()
	return e.resolveAndStore(rctx, id)
}

func (e *Engine) resolveAndStore(ctx context.Context, id string) (resolver.Result, error) {
	res, err := e.resolver.Resolve(ctx, id)
	if err != nil {
		var resErr *scoring.ResolutionError
		if e.cacheUnresolved && errors.As(err, &resErr) && resErr.NotFound() {
			e.cache.Put(ctx, id, scoring.Unknown)
		}
		return resolver.Result{}, err
	}
	e.cache.Put(ctx, id, res.Score)
	return res, nil
}

// Shutdown stops new resolutions, waits for running ones until ctx ends,
// writes the final snapshot and releases the store. Later calls return the
// first result.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdown.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		drained := make(chan struct{})
		go func() {
			e.inflight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			e.logger.Warn("shutdown proceeding with resolutions still running")
		}

		flushErr := e.cache.FlushNow(ctx)
		if flushErr != nil {
			e.logger.Error("final cache flush failed",
				slog.String("location", e.cache.Location()),
				slog.String("error", flushErr.Error()),
			)
		}
		closeErr := e.cache.Close(ctx)
		e.closeErr = errors.Join(flushErr, closeErr)
	})
	return e.closeErr
}
