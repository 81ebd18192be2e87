package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/l0p7/scorecache/internal/runtime/scoring"
)

func (e *Engine) observe(ctx context.Context, lookup Lookup, err error) {
	attrs := []slog.Attr{
		slog.String("id", lookup.ID),
		slog.Float64("latency_ms", float64(lookup.Latency)/float64(time.Millisecond)),
	}
	if lookup.Miss != "" {
		attrs = append(attrs, slog.String("miss", string(lookup.Miss)))
	}
	if lookup.Shared {
		attrs = append(attrs, slog.Bool("shared", true))
	}
	if correlationID := CorrelationID(ctx); correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		e.logger.LogAttrs(ctx, slog.LevelWarn, "lookup unresolved", attrs...)
		return
	}

	attrs = append(attrs,
		slog.String("source", lookup.Source),
		slog.Float64("score", lookup.Score),
	)
	if scoring.IsUnknown(lookup.Score) {
		e.logger.LogAttrs(ctx, slog.LevelInfo, "lookup has no score", attrs...)
		return
	}
	level := slog.LevelInfo
	if lookup.FromCache {
		level = slog.LevelDebug
	}
	e.logger.LogAttrs(ctx, level, "lookup resolved", attrs...)
}

type correlationKey struct{}

// WithCorrelationID tags ctx so engine logs can be tied to the request that
// caused them.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
