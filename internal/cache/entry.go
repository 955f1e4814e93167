package cache

import (
	"context"
	"strings"
	"time"
)

// Clock returns the current time. Tests inject a controllable clock so
// freshness can be stepped deterministically.
type Clock func() time.Time

// Entry is one cached value. Entries are replaced on refresh, never mutated.
type Entry struct {
	Key       string        `json:"key"`
	Value     []byte        `json:"value"`
	CreatedAt time.Time     `json:"createdAt"`
	TTL       time.Duration `json:"ttl"`
}

// Fresh reports whether the entry is still inside its TTL at now.
func (e Entry) Fresh(now time.Time) bool {
	return now.Sub(e.CreatedAt) < e.TTL
}

// Age is the time elapsed since the entry was written.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// Lookup is the result of a stale-tolerant read.
type Lookup struct {
	Value     []byte
	Fresh     bool
	Age       time.Duration
	CreatedAt time.Time
}

// Backing persists entries across process restarts. Implementations are
// best-effort: the store logs their failures and keeps serving from memory.
type Backing interface {
	Load(ctx context.Context, key string) (Entry, bool, error)
	Save(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key starting with prefix. An empty prefix
	// removes everything the backing owns.
	DeletePrefix(ctx context.Context, prefix string) error
	// Cleanup removes entries created before cutoff and reports how many
	// were dropped. Backends with native expiry may return zero.
	Cleanup(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// namespaceOf extracts the metrics label for a key ("content:ipfs://x" -> "content").
func namespaceOf(key string) string {
	if idx := strings.IndexByte(key, ':'); idx > 0 {
		return key[:idx]
	}
	return "default"
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
