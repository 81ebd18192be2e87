package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrCorrupt marks a stored snapshot that could not be decoded. Callers recover
// by starting from an empty cache.
var ErrCorrupt = errors.New("cache: corrupt snapshot")

// Record is the persisted form of one entry. Both fields are strings so files
// written by earlier versions round-trip byte-for-byte.
type Record struct {
	Unix  string `json:"unix"`
	Score string `json:"score"`
}

// UnmarshalJSON accepts string or numeric field values; numbers keep their
// literal text.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	unix, err := scalarText(raw["unix"])
	if err != nil {
		return fmt.Errorf("unix: %w", err)
	}
	score, err := scalarText(raw["score"])
	if err != nil {
		return fmt.Errorf("score: %w", err)
	}
	r.Unix = unix
	r.Score = score
	return nil
}

func scalarText(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

// Snapshot is the complete persisted state, keyed by entity id.
type Snapshot map[string]Record

// Store persists whole snapshots. Implementations must never leave a partially
// written snapshot behind.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snapshot Snapshot) error
	// Location describes where snapshots live, for logs.
	Location() string
	Close(ctx context.Context) error
}

func decodeSnapshot(data []byte) (Snapshot, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Snapshot{}, nil
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if snapshot == nil {
		return Snapshot{}, nil
	}
	for id := range snapshot {
		if strings.TrimSpace(id) == "" {
			delete(snapshot, id)
		}
	}
	return snapshot, nil
}

func encodeSnapshot(snapshot Snapshot) ([]byte, error) {
	if snapshot == nil {
		snapshot = Snapshot{}
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("cache: marshal snapshot: %w", err)
	}
	return data, nil
}

func cloneSnapshot(in Snapshot) Snapshot {
	out := make(Snapshot, len(in))
	for id, rec := range in {
		out[id] = rec
	}
	return out
}
