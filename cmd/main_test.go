package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/scorecache/internal/config"
	"github.com/l0p7/scorecache/internal/runtime/cache"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestBuildStore(t *testing.T) {
	tests := []struct {
		name   string
		cfg    func(t *testing.T) config.CacheConfig
		verify func(t *testing.T, cfg config.CacheConfig, store cache.Store)
	}{
		{
			name: "defaults to file",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{Kind: "anime", Dir: t.TempDir()}
			},
			verify: func(t *testing.T, cfg config.CacheConfig, store cache.Store) {
				require.Equal(t, cfg.FilePath(), store.Location())
				require.FileExists(t, cfg.FilePath()+".lock")
			},
		},
		{
			name: "constructs memory store",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{Kind: "manga", Backend: "memory"}
			},
			verify: func(t *testing.T, _ config.CacheConfig, store cache.Store) {
				require.Equal(t, "memory", store.Location())
			},
		},
		{
			name: "constructs valkey store",
			cfg: func(t *testing.T) config.CacheConfig {
				server, err := miniredis.Run()
				if err != nil {
					if strings.Contains(err.Error(), "operation not permitted") {
						t.Skip("miniredis unavailable in sandbox")
					}
					require.NoError(t, err)
				}
				t.Cleanup(server.Close)
				return config.CacheConfig{
					Kind:    "manga",
					Backend: "redis",
					Valkey: config.ValkeyConfig{
						Address:   server.Addr(),
						KeyPrefix: "scores:",
					},
				}
			},
			verify: func(t *testing.T, _ config.CacheConfig, store cache.Store) {
				require.Equal(t, "valkey:scores:manga", store.Location())
				ctx := context.Background()
				require.NoError(t, store.Save(ctx, cache.Snapshot{"2": {Unix: "1", Score: "7.0"}}))
				snapshot, err := store.Load(ctx)
				require.NoError(t, err)
				require.Equal(t, "7.0", snapshot["2"].Score)
			},
		},
		{
			name: "falls back to file when valkey is unreachable",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{
					Kind:    "anime",
					Dir:     t.TempDir(),
					Backend: "valkey",
					Valkey:  config.ValkeyConfig{Address: "127.0.0.1:1"},
				}
			},
			verify: func(t *testing.T, cfg config.CacheConfig, store cache.Store) {
				require.Equal(t, cfg.FilePath(), store.Location())
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg(t)
			store, err := buildStore(newTestLogger(), cfg)
			require.NoError(t, err)
			t.Cleanup(func() {
				require.NoError(t, store.Close(context.Background()))
			})
			tc.verify(t, cfg, store)
		})
	}
}

func TestBuildStoreRejectsSecondFileOwner(t *testing.T) {
	cfg := config.CacheConfig{Kind: "anime", Dir: t.TempDir()}
	first, err := buildStore(newTestLogger(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Close(context.Background()) })

	_, err = buildStore(newTestLogger(), cfg)
	require.ErrorIs(t, err, cache.ErrLocked)
}

func TestCollectIDs(t *testing.T) {
	ids, err := collectIDs([]string{" 1 ", "", "20"}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "20"}, ids)

	ids, err = collectIDs([]string{"-"}, strings.NewReader("5\n 6\t7\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"5", "6", "7"}, ids)
}

type upstreams struct {
	primaryHits  atomic.Int32
	fallbackHits atomic.Int32
	dir          string
	configPath   string
}

// newUpstreams starts an API that scores id 1 and has no score for id 3, and
// a site that knows nothing,
// then writes a config pointing at both.
func newUpstreams(t *testing.T) *upstreams {
	t.Helper()
	u := &upstreams{dir: t.TempDir()}

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.primaryHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/anime/1":
			_, _ = io.WriteString(w, `{"data":{"mal_id":1,"score":8.5}}`)
		case "/anime/3":
			_, _ = io.WriteString(w, `{"data":{"mal_id":3,"score":null}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(api.Close)

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.fallbackHits.Add(1)
		http.NotFound(w, r)
	}))
	t.Cleanup(site.Close)

	u.configPath = filepath.Join(u.dir, "scorecache.yaml")
	body := fmt.Sprintf(`cache:
  kind: anime
  dir: %q
primary:
  baseURL: %q
  requestDelay: 0s
  requestsPerMinute: 6000
fallback:
  pageTemplate: "%s/{{ .Kind }}/{{ .ID }}"
  retryMax: 1
  waitSeconds: 2
logging:
  level: error
`, u.dir, api.URL, site.URL)
	require.NoError(t, os.WriteFile(u.configPath, []byte(body), 0o600))
	return u
}

func (u *upstreams) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append([]string{"--config", u.configPath, "--env-prefix", "SCORECACHE_CMD_TEST"}, args...))
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestLookupCommandResolvesAndPersists(t *testing.T) {
	u := newUpstreams(t)

	out, _, err := u.run(t, "lookup", "1")
	require.NoError(t, err)
	require.Contains(t, out, "8.5")
	require.Contains(t, out, "primary")
	require.EqualValues(t, 1, u.primaryHits.Load())

	data, err := os.ReadFile(filepath.Join(u.dir, "anime_cache.json"))
	require.NoError(t, err)
	require.Contains(t, string(data), `"score":"8.5"`)

	out, _, err = u.run(t, "lookup", "1")
	require.NoError(t, err)
	require.Contains(t, out, "cache")
	require.EqualValues(t, 1, u.primaryHits.Load(), "second run should be served from the snapshot")

	out, _, err = u.run(t, "list")
	require.NoError(t, err)
	require.Contains(t, out, "8.5")
	require.Contains(t, out, "true")
	require.Contains(t, out, "1 entries in")
	require.Contains(t, out, "(ttl 336h0m0s)")
	require.EqualValues(t, 1, u.primaryHits.Load(), "list must not contact sources")
}

func TestLookupCommandReportsPartialFailure(t *testing.T) {
	u := newUpstreams(t)

	out, errOut, err := u.run(t, "lookup", "1", "404404")
	require.NoError(t, err)
	require.Contains(t, out, "8.5")
	require.Contains(t, errOut, "unresolved: 404404")
	require.EqualValues(t, 1, u.fallbackHits.Load())
}

func TestLookupCommandFailsWhenNothingResolves(t *testing.T) {
	u := newUpstreams(t)

	_, errOut, err := u.run(t, "lookup", "404404")
	require.Error(t, err)
	require.Contains(t, errOut, "404404")
}

func TestLookupCommandTreatsUnknownScoreAsUnresolved(t *testing.T) {
	u := newUpstreams(t)

	out, errOut, err := u.run(t, "lookup", "1", "3")
	require.NoError(t, err)
	require.Contains(t, out, "8.5")
	require.NotContains(t, out, "0.0")
	require.Contains(t, errOut, "3: score unknown")
	require.Contains(t, errOut, "unresolved: 3")
	require.EqualValues(t, 0, u.fallbackHits.Load())

	_, errOut, err = u.run(t, "lookup", "3")
	require.Error(t, err)
	require.Contains(t, errOut, "unresolved: 3")
}

func TestWarmCommandRefreshesStaleEntries(t *testing.T) {
	u := newUpstreams(t)
	snapshot := `{"1":{"unix":"1000","score":"6.0"}}`
	require.NoError(t, os.WriteFile(filepath.Join(u.dir, "anime_cache.json"), []byte(snapshot), 0o600))

	out, _, err := u.run(t, "warm")
	require.NoError(t, err)
	require.Contains(t, out, "REFRESHED")
	require.EqualValues(t, 1, u.primaryHits.Load())

	data, err := os.ReadFile(filepath.Join(u.dir, "anime_cache.json"))
	require.NoError(t, err)
	require.Contains(t, string(data), `"score":"8.5"`)
}

func TestRootRejectsInvalidKind(t *testing.T) {
	u := newUpstreams(t)
	_, _, err := u.run(t, "--kind", "novel", "list")
	require.Error(t, err)
}
