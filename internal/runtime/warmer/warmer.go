// Package warmer refreshes stale cache entries before lookups start.
package warmer

import (
	"context"
	"log/slog"
	"time"

	"github.com/l0p7/scorecache/internal/runtime/resolver"
)

// Cache is the subset of *cache.Cache the warmer needs.
type Cache interface {
	IDs() []string
	Valid(id string) bool
	Put(ctx context.Context, id string, score float64)
}

type Resolver interface {
	Resolve(ctx context.Context, id string) (resolver.Result, error)
}

// Report summarizes one warming pass.
type Report struct {
	Refreshed int
	Failed    int
	Skipped   int
	FailedIDs []string
	// Interrupted is set when the context ended before every id was visited.
	Interrupted bool
}

type Warmer struct {
	cache    Cache
	resolver Resolver
	logger   *slog.Logger
}

func New(c Cache, r Resolver, logger *slog.Logger) *Warmer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Warmer{cache: c, resolver: r, logger: logger.With(slog.String("agent", "warmer"))}
}

// RefreshStale resolves every invalid entry in id order and overwrites it.
// Failures are logged and leave the entry untouched.
func (w *Warmer) RefreshStale(ctx context.Context) Report {
	start := time.Now()
	var report Report
	for _, id := range w.cache.IDs() {
		if ctx.Err() != nil {
			report.Interrupted = true
			break
		}
		if w.cache.Valid(id) {
			report.Skipped++
			continue
		}
		res, err := w.resolver.Resolve(ctx, id)
		if err != nil {
			report.Failed++
			report.FailedIDs = append(report.FailedIDs, id)
			w.logger.Warn("refresh failed, keeping stale entry",
				slog.String("id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		w.cache.Put(ctx, id, res.Score)
		report.Refreshed++
		w.logger.Info("entry refreshed",
			slog.String("id", id),
			slog.String("source", res.Source),
			slog.Float64("score", res.Score),
		)
	}
	w.logger.Info("cache warm complete",
		slog.Int("refreshed", report.Refreshed),
		slog.Int("failed", report.Failed),
		slog.Int("skipped", report.Skipped),
		slog.Bool("interrupted", report.Interrupted),
		slog.Duration("elapsed", time.Since(start)),
	)
	return report
}
