package scoring

import (
	"fmt"
	"strings"
)

// EntityKind selects which catalog an id belongs to. It determines both the
// API path segment and the cache file name.
type EntityKind string

const (
	KindAnime EntityKind = "anime"
	KindManga EntityKind = "manga"
)

// ParseEntityKind normalizes a configured kind string.
func ParseEntityKind(value string) (EntityKind, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "", string(KindAnime):
		return KindAnime, nil
	case string(KindManga):
		return KindManga, nil
	default:
		return "", fmt.Errorf("scoring: unsupported entity kind %q", value)
	}
}

func (k EntityKind) String() string { return string(k) }

// CacheFileName returns the per-kind snapshot file name.
func (k EntityKind) CacheFileName() string {
	return string(k) + "_cache.json"
}
