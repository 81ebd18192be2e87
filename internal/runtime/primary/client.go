// Package primary fetches scores from a Jikan-compatible JSON API.
package primary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/l0p7/scorecache/internal/metrics"
	"github.com/l0p7/scorecache/internal/runtime/scoring"
)

// Name identifies this source in errors, logs and metrics.
const Name = "primary"

const (
	DefaultBaseURL           = "https://api.jikan.moe/v4"
	DefaultRequestDelay      = 2750 * time.Millisecond
	DefaultRequestsPerMinute = 30
	DefaultTimeout           = 10 * time.Second
)

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

type Options struct {
	BaseURL string
	Kind    scoring.EntityKind
	// RequestDelay is paid after every request, successful or not.
	RequestDelay      time.Duration
	RequestsPerMinute int
	Timeout           time.Duration
	UserAgent         string
	Client            httpDoer
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
	// Sleep replaces the post-request pause in tests. The pause is not
	// interrupted by cancellation.
	Sleep func(d time.Duration)
}

// Client is a rate-limited scoring.Source backed by the API.
type Client struct {
	baseURL   string
	kind      scoring.EntityKind
	delay     time.Duration
	userAgent string
	client    httpDoer
	limiter   *rate.Limiter
	logger    *slog.Logger
	metrics   *metrics.Recorder
	sleep     func(d time.Duration)
}

var _ scoring.Source = (*Client)(nil)

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("primary: base url: %w", err)
	}
	kind := opts.Kind
	if kind == "" {
		kind = scoring.KindAnime
	}
	delay := opts.RequestDelay
	if delay < 0 {
		delay = 0
	}
	rpm := opts.RequestsPerMinute
	if rpm <= 0 {
		rpm = DefaultRequestsPerMinute
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	return &Client{
		baseURL:   base,
		kind:      kind,
		delay:     delay,
		userAgent: strings.TrimSpace(opts.UserAgent),
		client:    client,
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
		logger:    logger.With(slog.String("agent", Name)),
		metrics:   opts.Metrics,
		sleep:     sleep,
	}, nil
}

func (c *Client) Name() string { return Name }

// FetchScore requests the entity and returns its score. A null or zero score
// is returned as scoring.Unknown without error.
func (c *Client) FetchScore(ctx context.Context, id string) (float64, error) {
	start := time.Now()
	score, err := c.fetch(ctx, id)
	outcome := "success"
	if err != nil {
		outcome = string(scoring.KindOf(err))
	}
	c.metrics.ObserveSourceRequest(Name, outcome, time.Since(start))
	return score, err
}

func (c *Client) fetch(ctx context.Context, id string) (float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return scoring.Unknown, c.fail(id, scoring.FailureFatal, 0, fmt.Errorf("rate limiter: %w", err))
	}

	endpoint := c.baseURL + "/" + c.kind.String() + "/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return scoring.Unknown, c.fail(id, scoring.FailureFatal, 0, fmt.Errorf("request build: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	defer c.sleep(c.delay)
	if err != nil {
		if ctx.Err() != nil {
			return scoring.Unknown, c.fail(id, scoring.FailureFatal, 0, err)
		}
		return scoring.Unknown, c.fail(id, scoring.FailureTransient, 0, err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	closeErr := resp.Body.Close()
	if err != nil {
		return scoring.Unknown, c.fail(id, scoring.FailureTransient, resp.StatusCode, fmt.Errorf("read body: %w", err))
	}
	if closeErr != nil {
		c.logger.Debug("response close failed", slog.String("error", closeErr.Error()))
	}

	if kind, failed := classifyStatus(resp.StatusCode); failed {
		return scoring.Unknown, c.fail(id, kind, resp.StatusCode, nil)
	}

	score, err := decodeScore(body)
	if err != nil {
		return scoring.Unknown, c.fail(id, scoring.FailureTransient, resp.StatusCode, err)
	}
	c.logger.Debug("score fetched", slog.String("id", id), slog.Float64("score", score))
	return score, nil
}

func (c *Client) fail(id string, kind scoring.FailureKind, status int, err error) error {
	srcErr := scoring.NewSourceError(Name, id, kind, status, err)
	c.logger.Debug("score fetch failed",
		slog.String("id", id),
		slog.String("failure", string(srcErr.Kind)),
		slog.Int("status", status),
	)
	return srcErr
}

func classifyStatus(status int) (scoring.FailureKind, bool) {
	switch {
	case status == http.StatusTooManyRequests:
		return scoring.FailureRateLimited, true
	case status == http.StatusNotFound:
		return scoring.FailureNotFound, true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return scoring.FailureFatal, true
	case status >= http.StatusBadRequest:
		return scoring.FailureTransient, true
	default:
		return "", false
	}
}

var errNoScore = errors.New("response has no score field")

// decodeScore reads "score" from the top level (v3) or from "data" (v4).
func decodeScore(body []byte) (float64, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var payload map[string]any
	if err := decoder.Decode(&payload); err != nil {
		return scoring.Unknown, fmt.Errorf("json decode: %w", err)
	}
	if raw, ok := payload["score"]; ok {
		return scoreValue(raw)
	}
	if data, ok := payload["data"].(map[string]any); ok {
		if raw, ok := data["score"]; ok {
			return scoreValue(raw)
		}
	}
	return scoring.Unknown, errNoScore
}

func scoreValue(raw any) (float64, error) {
	switch v := raw.(type) {
	case nil:
		return scoring.Unknown, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return scoring.Unknown, fmt.Errorf("score %q: %w", v, err)
		}
		return f, nil
	default:
		return scoring.Unknown, fmt.Errorf("score has type %T", raw)
	}
}
