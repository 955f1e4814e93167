// Package ledger is the read handle onto the external append-only record
// ledger.
package ledger

import (
	"context"
	"errors"
)

// ErrNotFound means the index is past the end of the ledger. Records are
// assigned contiguous indices starting at 1, so the first missing index is
// the end.
var ErrNotFound = errors.New("ledger: record not found")

// Record is one ledger entry as read.
type Record struct {
	Index  uint64         `json:"index"`
	Fields map[string]any `json:"fields"`
}

// Ledger reads records. Implementations must be safe for concurrent use.
type Ledger interface {
	// RecordCount returns the current upper bound on record indices. It may
	// lag behind appends.
	RecordCount(ctx context.Context) (uint64, error)
	// RecordAt returns ErrNotFound for indices past the end.
	RecordAt(ctx context.Context, index uint64) (Record, error)
}
