package primary

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/scorecache/internal/runtime/scoring"
)

type sleepRecorder struct {
	mu     sync.Mutex
	pauses []time.Duration
}

func (s *sleepRecorder) sleep(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauses = append(s.pauses, d)
}

func (s *sleepRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pauses)
}

func newTestClient(t *testing.T, baseURL string, kind scoring.EntityKind, sleeper *sleepRecorder) *Client {
	t.Helper()
	client, err := New(Options{
		BaseURL:           baseURL,
		Kind:              kind,
		RequestDelay:      DefaultRequestDelay,
		RequestsPerMinute: 600000,
		Sleep:             sleeper.sleep,
	})
	require.NoError(t, err)
	return client
}

func TestFetchScoreParsesBodies(t *testing.T) {
	cases := []struct {
		name string
		body string
		want float64
	}{
		{name: "v4", body: `{"data":{"mal_id":1,"score":8.5}}`, want: 8.5},
		{name: "v3", body: `{"mal_id":1,"score":7.2}`, want: 7.2},
		{name: "null score", body: `{"data":{"score":null}}`, want: 0},
		{name: "zero score", body: `{"score":0}`, want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/anime/1", r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			sleeper := &sleepRecorder{}
			score, err := newTestClient(t, srv.URL, scoring.KindAnime, sleeper).FetchScore(context.Background(), "1")
			require.NoError(t, err)
			require.Equal(t, tc.want, score)
			require.Equal(t, []time.Duration{DefaultRequestDelay}, sleeper.pauses)
		})
	}
}

func TestFetchScoreUsesKindPath(t *testing.T) {
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		_, _ = w.Write([]byte(`{"data":{"score":6.1}}`))
	}))
	defer srv.Close()

	score, err := newTestClient(t, srv.URL+"/", scoring.KindManga, &sleepRecorder{}).FetchScore(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, 6.1, score)
	require.Equal(t, "/manga/42", path.Load())
}

func TestFetchScoreStatusMapping(t *testing.T) {
	cases := map[int]scoring.FailureKind{
		http.StatusTooManyRequests:     scoring.FailureRateLimited,
		http.StatusNotFound:            scoring.FailureNotFound,
		http.StatusUnauthorized:        scoring.FailureFatal,
		http.StatusForbidden:           scoring.FailureFatal,
		http.StatusBadRequest:          scoring.FailureTransient,
		http.StatusInternalServerError: scoring.FailureTransient,
		http.StatusServiceUnavailable:  scoring.FailureTransient,
	}
	for status, want := range cases {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(status)
			}))
			defer srv.Close()

			sleeper := &sleepRecorder{}
			_, err := newTestClient(t, srv.URL, scoring.KindAnime, sleeper).FetchScore(context.Background(), "9")
			require.Error(t, err)
			require.Equal(t, want, scoring.KindOf(err))

			var srcErr *scoring.SourceError
			require.ErrorAs(t, err, &srcErr)
			require.Equal(t, status, srcErr.Status)
			require.Equal(t, Name, srcErr.Source)
			require.Equal(t, 1, sleeper.count(), "delay is paid on failure too")
		})
	}
}

func TestFetchScoreMalformedBodiesAreTransient(t *testing.T) {
	for name, body := range map[string]string{
		"not json":      `<html>`,
		"missing score": `{"data":{"title":"x"}}`,
		"string score":  `{"score":"8.1"}`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL, scoring.KindAnime, &sleepRecorder{}).FetchScore(context.Background(), "3")
			require.ErrorIs(t, err, scoring.ErrTransient)
		})
	}
}

func TestFetchScoreNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestClient(t, url, scoring.KindAnime, &sleepRecorder{}).FetchScore(context.Background(), "3")
	require.ErrorIs(t, err, scoring.ErrTransient)
}

func TestFetchScoreCancelledContextIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"score":1}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestClient(t, srv.URL, scoring.KindAnime, &sleepRecorder{}).FetchScore(ctx, "3")
	require.ErrorIs(t, err, scoring.ErrFatal)
}

func TestFetchScorePaysDelayWhenCancelledInFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		cancel()
		_, _ = w.Write([]byte(`{"score":6.1}`))
	}))
	defer srv.Close()

	sleeper := &sleepRecorder{}
	_, _ = newTestClient(t, srv.URL, scoring.KindAnime, sleeper).FetchScore(ctx, "4")
	require.Equal(t, []time.Duration{DefaultRequestDelay}, sleeper.pauses)
}

func TestFetchScoreRespectsRateLimit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"score":5.5}`))
	}))
	defer srv.Close()

	client, err := New(Options{BaseURL: srv.URL, RequestsPerMinute: 1, Sleep: (&sleepRecorder{}).sleep})
	require.NoError(t, err)

	_, err = client.FetchScore(context.Background(), "1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.FetchScore(ctx, "2")
	require.ErrorIs(t, err, scoring.ErrFatal)
	require.EqualValues(t, 1, hits.Load())
}
