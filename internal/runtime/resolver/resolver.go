// Package resolver chains the primary and fallback score sources.
package resolver

import (
	"context"
	"errors"
	"log/slog"

	"github.com/l0p7/scorecache/internal/runtime/scoring"
)

// Result carries a resolved score and the name of the source that produced it.
type Result struct {
	Score  float64
	Source string
}

// Resolver tries Primary first and consults Fallback only when the primary
// failure is recoverable. It makes no caching decisions.
type Resolver struct {
	primary  scoring.Source
	fallback scoring.Source
	logger   *slog.Logger
}

func New(primary, fallback scoring.Source, logger *slog.Logger) (*Resolver, error) {
	if primary == nil || fallback == nil {
		return nil, errors.New("resolver: primary and fallback sources required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		primary:  primary,
		fallback: fallback,
		logger:   logger.With(slog.String("agent", "resolver")),
	}, nil
}

// Resolve returns the first score either source produces. A primary zero score
// is returned as-is. Fatal primary errors and errors that are not
// *scoring.SourceError propagate without fallback.
func (r *Resolver) Resolve(ctx context.Context, id string) (Result, error) {
	score, primaryErr := r.primary.FetchScore(ctx, id)
	if primaryErr == nil {
		return Result{Score: score, Source: r.primary.Name()}, nil
	}

	var srcErr *scoring.SourceError
	if !errors.As(primaryErr, &srcErr) || !srcErr.Recoverable() {
		return Result{}, primaryErr
	}

	r.logger.Info("primary source failed, trying fallback",
		slog.String("id", id),
		slog.String("failure", string(srcErr.Kind)),
	)
	score, fallbackErr := r.fallback.FetchScore(ctx, id)
	if fallbackErr == nil {
		return Result{Score: score, Source: r.fallback.Name()}, nil
	}
	return Result{}, &scoring.ResolutionError{ID: id, Primary: primaryErr, Fallback: fallbackErr}
}
