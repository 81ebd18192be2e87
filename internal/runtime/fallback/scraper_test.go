package fallback

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/scorecache/internal/runtime/scoring"
)

const scorePage = `<html><body><div class="stats"><div data-title="score" class="score"> %s </div></div></body></html>`

func newScraper(t *testing.T, srv *httptest.Server, opts Options) *Scraper {
	t.Helper()
	if opts.PageTemplate == "" {
		opts.PageTemplate = srv.URL + "/{{ .Kind }}/{{ .ID }}"
	}
	scraper, err := New(opts)
	require.NoError(t, err)
	return scraper
}

func htmlHandler(hits *atomic.Int32, status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func TestFetchScoreReadsSelectedElement(t *testing.T) {
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, scorePage, "7.2")
	}))
	defer srv.Close()

	score, err := newScraper(t, srv, Options{Kind: scoring.KindManga}).FetchScore(context.Background(), "2")
	require.NoError(t, err)
	require.Equal(t, 7.2, score)
	require.Equal(t, "/manga/2", path.Load())
}

func TestFetchScoreUnavailableMarkerIsUnknown(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(htmlHandler(&hits, http.StatusOK, fmt.Sprintf(scorePage, "N/A")))
	defer srv.Close()

	score, err := newScraper(t, srv, Options{}).FetchScore(context.Background(), "5")
	require.NoError(t, err)
	require.True(t, scoring.IsUnknown(score))
	require.EqualValues(t, 1, hits.Load())
}

func TestFetchScoreNotFoundIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(htmlHandler(&hits, http.StatusNotFound, "<html>missing</html>"))
	defer srv.Close()

	_, err := newScraper(t, srv, Options{RetryMax: 3}).FetchScore(context.Background(), "404")
	require.ErrorIs(t, err, scoring.ErrNotFound)
	require.EqualValues(t, 1, hits.Load())

	var srcErr *scoring.SourceError
	require.ErrorAs(t, err, &srcErr)
	assert.Equal(t, Name, srcErr.Source)
	assert.Equal(t, http.StatusNotFound, srcErr.Status)
}

func TestFetchScoreRetriesTransientFailures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		},
		"missing element": func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html><body><p>nothing</p></body></html>"))
		},
		"unparseable score": func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			_, _ = fmt.Fprintf(w, scorePage, "soon")
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				handler(w, r)
			}))
			defer srv.Close()

			_, err := newScraper(t, srv, Options{RetryMax: 3}).FetchScore(context.Background(), "8")
			require.ErrorIs(t, err, scoring.ErrTransient)
			require.EqualValues(t, 3, hits.Load())
		})
	}
}

func TestFetchScoreSucceedsAfterRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprintf(w, scorePage, "8.91")
	}))
	defer srv.Close()

	score, err := newScraper(t, srv, Options{}).FetchScore(context.Background(), "11")
	require.NoError(t, err)
	require.Equal(t, 8.91, score)
	require.EqualValues(t, 2, hits.Load())
}

func TestFetchScoreTemplateFailureIsFatal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(htmlHandler(&hits, http.StatusOK, fmt.Sprintf(scorePage, "9.0")))
	defer srv.Close()

	scraper := newScraper(t, srv, Options{PageTemplate: srv.URL + "/{{ .Title }}"})
	_, err := scraper.FetchScore(context.Background(), "1")
	require.ErrorIs(t, err, scoring.ErrFatal)
	require.Zero(t, hits.Load())
}

func TestFetchScoreCancelledContextIsFatal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(htmlHandler(&hits, http.StatusOK, fmt.Sprintf(scorePage, "9.0")))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newScraper(t, srv, Options{}).FetchScore(ctx, "1")
	require.ErrorIs(t, err, scoring.ErrFatal)
	require.Zero(t, hits.Load())
}

func TestNewRejectsBadTemplate(t *testing.T) {
	_, err := New(Options{PageTemplate: "{{ .ID "})
	require.Error(t, err)
}
