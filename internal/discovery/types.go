// Package discovery scans the ledger in fixed-size batches for records that
// match a CEL predicate and caches the results with stale-while-revalidate
// semantics.
package discovery

import (
	"errors"
	"fmt"
	"time"

	"github.com/l0p7/ledgerlens/internal/content"
	"github.com/l0p7/ledgerlens/internal/normalize"
)

var (
	// ErrLedgerCheckFailed wraps a ledger read that failed for a reason other
	// than the record not existing.
	ErrLedgerCheckFailed = errors.New("discovery: ledger check failed")
	// ErrScanAborted is returned by Result.Err for aborted scans.
	ErrScanAborted = errors.New("discovery: scan aborted")
	// ErrInvalidQuery wraps predicate and stat compile errors.
	ErrInvalidQuery = errors.New("discovery: invalid query")
)

// StateKind classifies a record check.
type StateKind string

const (
	NotChecked   StateKind = "not_checked"
	Exists       StateKind = "exists"
	DoesNotExist StateKind = "does_not_exist"
	CheckFailed  StateKind = "check_failed"
)

// RecordState is the outcome of checking one ledger index.
type RecordState struct {
	Index  uint64
	Kind   StateKind
	Record normalize.RecordPayload
	Err    error
}

// ScanState is the lifecycle of a Scanner.
type ScanState string

const (
	StateIdle      ScanState = "idle"
	StateScanning  ScanState = "scanning"
	StateCompleted ScanState = "completed"
	StateAborted   ScanState = "aborted"
)

// Status is the terminal state recorded on a Result.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

// Reason explains why a scan stopped.
type Reason string

const (
	ReasonEndOfLedger     Reason = "end_of_ledger"
	ReasonWindowExhausted Reason = "window_exhausted"
	ReasonCircuitOpen     Reason = "circuit_open"
	ReasonCancelled       Reason = "cancelled"
)

// Query selects records. Stat is an optional value expression whose numeric
// result per match feeds Result.Stats.
type Query struct {
	Predicate string `json:"predicate" yaml:"predicate"`
	Stat      string `json:"stat,omitempty" yaml:"stat,omitempty"`
}

// Options tune a single Discover call.
type Options struct {
	// ForceRefresh skips the result cache and scans synchronously.
	ForceRefresh bool
}

// ScanWindow is the inclusive index range a scan covers.
type ScanWindow struct {
	Start uint64 `json:"start" yaml:"start"`
	End   uint64 `json:"end" yaml:"end"`
	// Bound is the ledger size the window was derived from; BoundSource is
	// "ledger", "cache" or "default".
	Bound       uint64 `json:"bound" yaml:"bound"`
	BoundSource string `json:"boundSource" yaml:"boundSource"`
}

// Match is one record that satisfied the predicate.
type Match struct {
	Index   uint64                  `json:"index" yaml:"index"`
	Record  normalize.RecordPayload `json:"record" yaml:"record"`
	Content *content.Payload        `json:"content,omitempty" yaml:"content,omitempty"`
	Stat    *float64                `json:"stat,omitempty" yaml:"stat,omitempty"`
}

// Result is the outcome of one scan.
type Result struct {
	ScanID      string     `json:"scanId" yaml:"scanId"`
	Query       Query      `json:"query" yaml:"query"`
	Status      Status     `json:"status" yaml:"status"`
	Reason      Reason     `json:"reason" yaml:"reason"`
	Window      ScanWindow `json:"window" yaml:"window"`
	Matches     []Match    `json:"matches" yaml:"matches"`
	Checked     int        `json:"checked" yaml:"checked"`
	Batches     int        `json:"batches" yaml:"batches"`
	LastIndex   uint64     `json:"lastIndex" yaml:"lastIndex"`
	StartedAt   time.Time  `json:"startedAt" yaml:"startedAt"`
	CompletedAt time.Time  `json:"completedAt" yaml:"completedAt"`
	// Cached and Stale describe how the result was served, not the scan.
	Cached bool `json:"cached" yaml:"cached"`
	Stale  bool `json:"stale,omitempty" yaml:"stale,omitempty"`
}

// Err reports aborted scans as ErrScanAborted.
func (r Result) Err() error {
	if r.Status != StatusAborted {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrScanAborted, r.Reason)
}

// Stats summarises a result.
type Stats struct {
	Matches   int     `json:"matches" yaml:"matches"`
	Checked   int     `json:"checked" yaml:"checked"`
	StatCount int     `json:"statCount" yaml:"statCount"`
	Min       float64 `json:"min" yaml:"min"`
	Max       float64 `json:"max" yaml:"max"`
	Mean      float64 `json:"mean" yaml:"mean"`
}

// Stats derives extrema from the matches that carry a stat value.
func (r Result) Stats() Stats {
	stats := Stats{Matches: len(r.Matches), Checked: r.Checked}
	var sum float64
	for _, m := range r.Matches {
		if m.Stat == nil {
			continue
		}
		v := *m.Stat
		if stats.StatCount == 0 || v < stats.Min {
			stats.Min = v
		}
		if stats.StatCount == 0 || v > stats.Max {
			stats.Max = v
		}
		sum += v
		stats.StatCount++
	}
	if stats.StatCount > 0 {
		stats.Mean = sum / float64(stats.StatCount)
	}
	return stats
}

// cachedRecord is what the record-state namespace stores. Failed checks are
// never cached.
type cachedRecord struct {
	Exists bool           `json:"exists"`
	Fields map[string]any `json:"fields,omitempty"`
}
