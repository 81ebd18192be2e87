package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/l0p7/scorecache/internal/runtime"
	"github.com/l0p7/scorecache/internal/runtime/scoring"
)

// ScoreService is the engine surface the HTTP handler needs.
type ScoreService interface {
	ResolveAndCache(ctx context.Context, id string) (runtime.Lookup, error)
}

type HandlerOptions struct {
	// Metrics is mounted at /metrics when set.
	Metrics           http.Handler
	CorrelationHeader string
	Logger            *slog.Logger
}

type scoreResponse struct {
	ID        string  `json:"id"`
	Score     float64 `json:"score"`
	Source    string  `json:"source"`
	FromCache bool    `json:"fromCache"`
	Miss      string  `json:"miss,omitempty"`
}

type errorResponse struct {
	ID     string `json:"id,omitempty"`
	Source string `json:"source,omitempty"`
	Error  string `json:"error"`
}

// NewHandler routes score lookups, health checks and metrics.
func NewHandler(svc ScoreService, opts HandlerOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("agent", "http"))
	header := strings.TrimSpace(opts.CorrelationHeader)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	mux.HandleFunc("GET /scores/{id}", func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "engine unavailable"})
			return
		}
		id := r.PathValue("id")
		lookup, err := svc.ResolveAndCache(r.Context(), id)
		if err != nil {
			status := statusFor(err)
			if status >= http.StatusInternalServerError {
				logger.Warn("score lookup failed",
					slog.String("id", id),
					slog.String("correlation_id", runtime.CorrelationID(r.Context())),
					slog.String("error", err.Error()),
				)
			}
			writeJSON(w, status, errorResponse{ID: id, Error: err.Error()})
			return
		}
		if scoring.IsUnknown(lookup.Score) {
			writeJSON(w, http.StatusNotFound, errorResponse{ID: lookup.ID, Source: lookup.Source, Error: "score unknown"})
			return
		}
		writeJSON(w, http.StatusOK, scoreResponse{
			ID:        lookup.ID,
			Score:     lookup.Score,
			Source:    lookup.Source,
			FromCache: lookup.FromCache,
			Miss:      string(lookup.Miss),
		})
	})

	return withCorrelation(header, mux)
}

// withCorrelation echoes the caller's correlation id, minting one when absent.
func withCorrelation(header string, next http.Handler) http.Handler {
	if header == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(header))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(header, id)
		next.ServeHTTP(w, r.WithContext(runtime.WithCorrelationID(r.Context(), id)))
	})
}

func statusFor(err error) int {
	var resErr *scoring.ResolutionError
	switch {
	case errors.Is(err, runtime.ErrEmptyID):
		return http.StatusBadRequest
	case errors.As(err, &resErr) && resErr.NotFound():
		return http.StatusNotFound
	case errors.Is(err, scoring.ErrResolutionFailed):
		return http.StatusBadGateway
	case errors.Is(err, runtime.ErrClosed),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, scoring.ErrFatal):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
