// Package fallback scrapes scores from the canonical site's HTML pages.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/l0p7/scorecache/internal/metrics"
	"github.com/l0p7/scorecache/internal/runtime/scoring"
	"github.com/l0p7/scorecache/internal/templates"
)

// Name identifies this source in errors, logs and metrics.
const Name = "fallback"

const (
	DefaultPageTemplate      = "https://myanimelist.net/{{ .Kind }}/{{ .ID }}"
	DefaultScoreSelector     = `div[data-title="score"]`
	DefaultUnavailableMarker = "N/A"
	DefaultWait              = 5 * time.Second
	DefaultRetryMax          = 3
	DefaultTimeout           = 15 * time.Second
)

var errNoScoreElement = errors.New("score element not found")

type Options struct {
	Kind              scoring.EntityKind
	PageTemplate      string
	ScoreSelector     string
	UnavailableMarker string
	// Wait is held after every request before the next one may start.
	Wait      time.Duration
	RetryMax  int
	Timeout   time.Duration
	UserAgent string
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

// Scraper is a scoring.Source that reads the score element from an entity page.
type Scraper struct {
	kind     scoring.EntityKind
	page     *templates.Template
	selector string
	marker   string
	retryMax int
	base     *colly.Collector
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

var _ scoring.Source = (*Scraper)(nil)

type pageData struct {
	ID   string
	Kind string
}

func New(opts Options) (*Scraper, error) {
	kind := opts.Kind
	if kind == "" {
		kind = scoring.KindAnime
	}
	source := opts.PageTemplate
	if strings.TrimSpace(source) == "" {
		source = DefaultPageTemplate
	}
	page, err := templates.NewRenderer().CompileInline("fallback-page", source)
	if err != nil {
		return nil, fmt.Errorf("fallback: page template: %w", err)
	}
	selector := strings.TrimSpace(opts.ScoreSelector)
	if selector == "" {
		selector = DefaultScoreSelector
	}
	marker := strings.TrimSpace(opts.UnavailableMarker)
	if marker == "" {
		marker = DefaultUnavailableMarker
	}
	wait := opts.Wait
	if wait < 0 {
		wait = 0
	}
	retryMax := opts.RetryMax
	if retryMax <= 0 {
		retryMax = DefaultRetryMax
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	collectorOpts := []colly.CollectorOption{colly.AllowURLRevisit()}
	if ua := strings.TrimSpace(opts.UserAgent); ua != "" {
		collectorOpts = append(collectorOpts, colly.UserAgent(ua))
	}
	base := colly.NewCollector(collectorOpts...)
	base.SetRequestTimeout(timeout)
	// Clones share the backend, so the rule spans calls and retries alike.
	if err := base.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
		Delay:       wait,
	}); err != nil {
		return nil, fmt.Errorf("fallback: limit rule: %w", err)
	}

	return &Scraper{
		kind:     kind,
		page:     page,
		selector: selector,
		marker:   marker,
		retryMax: retryMax,
		base:     base,
		logger:   logger.With(slog.String("agent", Name)),
		metrics:  opts.Metrics,
	}, nil
}

func (s *Scraper) Name() string { return Name }

// FetchScore scrapes the entity page, retrying up to RetryMax times. A 404 is
// not retried.
func (s *Scraper) FetchScore(ctx context.Context, id string) (float64, error) {
	start := time.Now()
	score, err := s.fetch(ctx, id)
	outcome := "success"
	if err != nil {
		outcome = string(scoring.KindOf(err))
	}
	s.metrics.ObserveSourceRequest(Name, outcome, time.Since(start))
	return score, err
}

func (s *Scraper) fetch(ctx context.Context, id string) (float64, error) {
	target, err := s.page.Render(pageData{ID: id, Kind: s.kind.String()})
	if err != nil {
		return scoring.Unknown, scoring.NewSourceError(Name, id, scoring.FailureFatal, 0, err)
	}
	target = strings.TrimSpace(target)

	var last *scoring.SourceError
	for attempt := 1; attempt <= s.retryMax; attempt++ {
		score, status, err := s.scrape(ctx, target)
		if err == nil {
			s.logger.Debug("score scraped",
				slog.String("id", id),
				slog.Float64("score", score),
				slog.Int("attempt", attempt),
			)
			return score, nil
		}
		if ctx.Err() != nil {
			return scoring.Unknown, scoring.NewSourceError(Name, id, scoring.FailureFatal, status, ctx.Err())
		}
		if status == http.StatusNotFound {
			return scoring.Unknown, scoring.NewSourceError(Name, id, scoring.FailureNotFound, status, err)
		}
		last = scoring.NewSourceError(Name, id, scoring.FailureTransient, status, err)
		s.logger.Debug("scrape attempt failed",
			slog.String("id", id),
			slog.String("url", target),
			slog.Int("attempt", attempt),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}
	return scoring.Unknown, last
}

// scrape performs one page fetch and returns the parsed score and HTTP status.
func (s *Scraper) scrape(ctx context.Context, target string) (float64, int, error) {
	c := s.base.Clone()
	c.Context = ctx

	var (
		found   bool
		text    string
		status  int
		failure error
	)
	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})
	c.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
	})
	c.OnHTML(s.selector, func(e *colly.HTMLElement) {
		if found {
			return
		}
		found = true
		text = strings.TrimSpace(e.Text)
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		failure = err
	})

	visitErr := c.Visit(target)
	switch {
	case failure != nil:
		return scoring.Unknown, status, failure
	case visitErr != nil:
		return scoring.Unknown, status, visitErr
	case ctx.Err() != nil:
		return scoring.Unknown, status, ctx.Err()
	case !found:
		return scoring.Unknown, status, errNoScoreElement
	}

	if text == s.marker {
		return scoring.Unknown, status, nil
	}
	score, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return scoring.Unknown, status, fmt.Errorf("parse score %q: %w", text, err)
	}
	return score, status, nil
}
