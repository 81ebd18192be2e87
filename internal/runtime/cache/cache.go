package cache

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/scorecache/internal/metrics"
)

const (
	DefaultTTL           = 14 * 24 * time.Hour
	DefaultFlushInterval = 25
)

// MissReason distinguishes the two ways a lookup can fail.
type MissReason string

const (
	MissNotPresent MissReason = "not_present"
	MissStale      MissReason = "stale"
)

// ErrMiss is matched by every MissError.
var ErrMiss = errors.New("cache: miss")

// MissError reports that no valid score is cached for ID.
type MissError struct {
	ID     string
	Reason MissReason
}

func (e *MissError) Error() string {
	return fmt.Sprintf("cache: %s: %s", e.ID, e.Reason)
}

func (e *MissError) Is(target error) bool { return target == ErrMiss }

// MissReasonOf returns the reason carried by err, or "" when err is not a miss.
func MissReasonOf(err error) MissReason {
	var miss *MissError
	if errors.As(err, &miss) {
		return miss.Reason
	}
	return ""
}

// Entry is a decoded view of one cached record.
type Entry struct {
	ID       string
	Unix     string
	Score    string
	StoredAt time.Time
	Value    float64
	Valid    bool
}

type Options struct {
	// Kind labels logs and metrics, e.g. "anime".
	Kind          string
	TTL           time.Duration
	FlushInterval int
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
	Now           func() time.Time
}

// Cache maps entity ids to timestamped scores and writes the full mapping to
// its Store every FlushInterval puts.
type Cache struct {
	store   Store
	kind    string
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	mu            sync.Mutex
	entries       Snapshot
	ttl           time.Duration
	flushInterval int
	flushCounter  int
}

// Open loads the snapshot from store. Missing or corrupt storage yields an
// empty cache; any other load error is returned so a healthy snapshot is never
// overwritten by mistake.
func Open(ctx context.Context, store Store, opts Options) (*Cache, error) {
	if store == nil {
		return nil, errors.New("cache: store required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	interval := opts.FlushInterval
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	c := &Cache{
		store:         store,
		kind:          opts.Kind,
		logger:        logger.With(slog.String("agent", "cache"), slog.String("kind", opts.Kind)),
		metrics:       opts.Metrics,
		now:           now,
		ttl:           ttl,
		flushInterval: interval,
		flushCounter:  interval,
	}

	snapshot, err := store.Load(ctx)
	switch {
	case errors.Is(err, ErrCorrupt):
		c.logger.Warn("cache snapshot corrupt, starting empty",
			slog.String("location", store.Location()),
			slog.String("error", err.Error()),
		)
		snapshot = Snapshot{}
	case err != nil:
		return nil, fmt.Errorf("cache: load %s: %w", store.Location(), err)
	}
	c.entries = snapshot
	c.logger.Debug("cache loaded",
		slog.String("location", store.Location()),
		slog.Int("entries", len(snapshot)),
	)
	c.metrics.SetCacheEntries(c.kind, len(snapshot))
	return c, nil
}

// Contains reports whether id has an entry, valid or not.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// Get returns the cached score for id or a *MissError.
func (c *Cache) Get(id string) (float64, error) {
	c.mu.Lock()
	rec, ok := c.entries[id]
	ttl := c.ttl
	c.mu.Unlock()

	if !ok {
		c.metrics.ObserveCacheLookup(c.kind, metrics.CacheLookupNotPresent)
		return 0, &MissError{ID: id, Reason: MissNotPresent}
	}
	entry := c.decode(id, rec, ttl)
	if !entry.Valid {
		c.metrics.ObserveCacheLookup(c.kind, metrics.CacheLookupStale)
		return 0, &MissError{ID: id, Reason: MissStale}
	}
	c.metrics.ObserveCacheLookup(c.kind, metrics.CacheLookupHit)
	return entry.Value, nil
}

// Valid reports whether id holds a fresh score in (0, MaxScore]. It does not
// count as a lookup.
func (c *Cache) Valid(id string) bool {
	c.mu.Lock()
	rec, ok := c.entries[id]
	ttl := c.ttl
	c.mu.Unlock()
	return ok && c.decode(id, rec, ttl).Valid
}

// Put stores score for id stamped with the current time, then flushes when the
// put counter runs out. Flush failures are logged, never returned.
func (c *Cache) Put(ctx context.Context, id string, score float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = Record{
		Unix:  FormatUnix(c.now()),
		Score: FormatScore(score),
	}
	c.metrics.SetCacheEntries(c.kind, len(c.entries))
	c.flushIfDueLocked(ctx)
}

// flushIfDueLocked counts one put against the flush interval and writes the
// snapshot when the interval is exhausted. The write ignores cancellation of
// ctx. A failed write is retried on the next put.
func (c *Cache) flushIfDueLocked(ctx context.Context) {
	c.flushCounter--
	if c.flushCounter > 0 {
		return
	}
	if err := c.saveLocked(context.WithoutCancel(ctx), metrics.FlushPeriodic); err != nil {
		c.flushCounter = 1
		c.logger.Error("periodic cache flush failed",
			slog.String("location", c.store.Location()),
			slog.String("error", err.Error()),
		)
		return
	}
	c.flushCounter = c.flushInterval
}

// FlushNow writes the snapshot unconditionally.
func (c *Cache) FlushNow(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked(ctx, metrics.FlushFinal)
}

func (c *Cache) saveLocked(ctx context.Context, trigger metrics.FlushTrigger) error {
	if err := c.store.Save(ctx, cloneSnapshot(c.entries)); err != nil {
		c.metrics.ObserveFlush(trigger, metrics.FlushError)
		return err
	}
	c.metrics.ObserveFlush(trigger, metrics.FlushOK)
	c.logger.Debug("cache flushed",
		slog.String("trigger", string(trigger)),
		slog.Int("entries", len(c.entries)),
	)
	return nil
}

// IDs returns every cached id. Numeric ids sort by value, ahead of the rest.
func (c *Cache) IDs() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	slices.SortFunc(ids, compareIDs)
	return ids
}

// Entries returns decoded copies of every entry in IDs order.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	snapshot := cloneSnapshot(c.entries)
	ttl := c.ttl
	c.mu.Unlock()

	out := make([]Entry, 0, len(snapshot))
	for id, rec := range snapshot {
		out = append(out, c.decode(id, rec, ttl))
	}
	slices.SortFunc(out, func(a, b Entry) int { return compareIDs(a.ID, b.ID) })
	return out
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// TTL returns the current maximum entry age.
func (c *Cache) TTL() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttl
}

// SetTTL changes the maximum entry age for subsequent validity checks.
func (c *Cache) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ttl != ttl {
		c.logger.Info("cache ttl updated", slog.Duration("ttl", ttl))
	}
	c.ttl = ttl
}

// Location describes the backing store.
func (c *Cache) Location() string { return c.store.Location() }

// Close releases the store. It does not flush.
func (c *Cache) Close(ctx context.Context) error {
	return c.store.Close(ctx)
}

func (c *Cache) decode(id string, rec Record, ttl time.Duration) Entry {
	entry := Entry{ID: id, Unix: rec.Unix, Score: rec.Score}
	unix, errUnix := strconv.ParseFloat(strings.TrimSpace(rec.Unix), 64)
	score, errScore := strconv.ParseFloat(strings.TrimSpace(rec.Score), 64)
	if errUnix != nil || errScore != nil || math.IsNaN(unix) || math.IsInf(unix, 0) {
		return entry
	}
	sec, frac := math.Modf(unix)
	entry.StoredAt = time.Unix(int64(sec), int64(frac*1e9))
	entry.Value = score
	age := c.now().Sub(entry.StoredAt)
	entry.Valid = age <= ttl && validScore(score)
	return entry
}

// MaxScore is the top of the consensus scale.
const MaxScore = 10.0

// validScore rejects the unknown sentinel and anything off the scale.
func validScore(score float64) bool {
	return !math.IsNaN(score) && score > 0 && score <= MaxScore
}

// FormatUnix renders t as fractional unix seconds.
func FormatUnix(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', -1, 64)
}

// FormatScore renders score with at least one fractional digit: 7 becomes "7.0".
func FormatScore(score float64) string {
	s := strconv.FormatFloat(score, 'f', -1, 64)
	if math.IsInf(score, 0) || math.IsNaN(score) || strings.Contains(s, ".") {
		return s
	}
	return s + ".0"
}

func compareIDs(a, b string) int {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		return cmp.Compare(na, nb)
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	default:
		return strings.Compare(a, b)
	}
}
