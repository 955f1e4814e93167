package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/ledgerlens/internal/cache"
	"github.com/l0p7/ledgerlens/internal/content"
	"github.com/l0p7/ledgerlens/internal/ledger"
	"github.com/l0p7/ledgerlens/internal/metrics"
	"github.com/l0p7/ledgerlens/internal/scheduler"
)

var errBoom = errors.New("indexer unavailable")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubContent struct {
	mu    sync.Mutex
	calls []string
}

func (s *stubContent) Resolve(_ context.Context, identifier string, _ content.Payload) content.Payload {
	s.mu.Lock()
	s.calls = append(s.calls, identifier)
	s.mu.Unlock()
	return content.Payload{
		Identifier: identifier,
		Kind:       content.KindStructured,
		Document:   map[string]any{"edition": int64(3)},
		Source:     "stub",
	}
}

// countingLedger counts RecordCount calls and can hold them on a gate.
type countingLedger struct {
	*ledger.Memory
	counts atomic.Int32
	gate   chan struct{}
}

func (l *countingLedger) RecordCount(ctx context.Context) (uint64, error) {
	l.counts.Add(1)
	if l.gate != nil {
		select {
		case <-l.gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return l.Memory.RecordCount(ctx)
}

// blockingLedger holds every RecordAt until released.
type blockingLedger struct {
	*ledger.Memory
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (l *blockingLedger) RecordAt(ctx context.Context, index uint64) (ledger.Record, error) {
	l.once.Do(func() { close(l.entered) })
	select {
	case <-l.release:
	case <-ctx.Done():
		return ledger.Record{}, ctx.Err()
	}
	return l.Memory.RecordAt(ctx, index)
}

// gatedLedger counts RecordAt calls and holds those above open until release
// is closed.
type gatedLedger struct {
	*ledger.Memory
	open    uint64
	calls   atomic.Int32
	held    chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedLedger(m *ledger.Memory, open uint64) *gatedLedger {
	return &gatedLedger{Memory: m, open: open, held: make(chan struct{}), release: make(chan struct{})}
}

func (l *gatedLedger) RecordAt(ctx context.Context, index uint64) (ledger.Record, error) {
	l.calls.Add(1)
	if index > l.open {
		l.once.Do(func() { close(l.held) })
		select {
		case <-l.release:
		case <-ctx.Done():
			return ledger.Record{}, ctx.Err()
		}
	}
	return l.Memory.RecordAt(ctx, index)
}

func newLedger(n int, fields func(i int) map[string]any) *ledger.Memory {
	records := make([]map[string]any, n)
	for i := range n {
		if fields != nil {
			records[i] = fields(i + 1)
		} else {
			records[i] = map[string]any{"name": fmt.Sprintf("record-%d", i+1)}
		}
	}
	return ledger.NewMemory(records...)
}

type fixture struct {
	discoverer *Discoverer
	clock      *testClock
	scheduler  *scheduler.Scheduler
	content    *stubContent
}

func newFixture(t *testing.T, l ledger.Ledger, mutate func(*Config)) fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	recorder := metrics.NewRecorder(nil)
	store := cache.NewStore(cache.Options{HardMaxAge: time.Hour, Clock: clock.Now, Metrics: recorder})
	sched := scheduler.New(scheduler.Options{Kind: "discovery", Metrics: recorder})
	stub := &stubContent{}
	cfg := DefaultConfig()
	cfg.CheckTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := New(Deps{Store: store, Ledger: l, Content: stub, Scheduler: sched, Metrics: recorder}, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, d.Close(context.Background()))
		require.NoError(t, sched.Close(context.Background()))
	})
	return fixture{discoverer: d, clock: clock, scheduler: sched, content: stub}
}

func matchIndices(r Result) []uint64 {
	out := make([]uint64, 0, len(r.Matches))
	for _, m := range r.Matches {
		out = append(out, m.Index)
	}
	return out
}

func TestScanFindsEvenRecordsAndStopsAtSentinel(t *testing.T) {
	f := newFixture(t, newLedger(37, nil), nil)

	result, err := f.discoverer.Discover(context.Background(), Query{Predicate: "index % 2 == 0"}, Options{})
	require.NoError(t, err)

	want := make([]uint64, 0, 18)
	for i := uint64(2); i <= 36; i += 2 {
		want = append(want, i)
	}
	require.Equal(t, want, matchIndices(result))
	require.Equal(t, StatusCompleted, result.Status)
	require.Equal(t, ReasonEndOfLedger, result.Reason)
	require.Equal(t, 4, result.Batches)
	require.Equal(t, 38, result.Checked)
	require.Equal(t, uint64(38), result.LastIndex)
	require.Equal(t, ScanWindow{Start: 1, End: 87, Bound: 37, BoundSource: "ledger"}, result.Window)
	require.NotEmpty(t, result.ScanID)
	require.False(t, result.Cached)
	require.NoError(t, result.Err())
}

func TestCircuitBreakerAbortsAndKeepsEarlierMatches(t *testing.T) {
	l := newLedger(20, nil)
	for i := uint64(5); i <= 9; i++ {
		l.FailAt(i, errBoom)
	}
	f := newFixture(t, l, nil)

	result, err := f.discoverer.Discover(context.Background(), Query{Predicate: "true"}, Options{})
	require.NoError(t, err)
	require.Equal(t, StatusAborted, result.Status)
	require.Equal(t, ReasonCircuitOpen, result.Reason)
	require.Equal(t, []uint64{1, 2, 3, 4}, matchIndices(result))
	require.Equal(t, 9, result.Checked)
	require.ErrorIs(t, result.Err(), ErrScanAborted)

	cached, err := f.discoverer.Discover(context.Background(), Query{Predicate: "true"}, Options{})
	require.NoError(t, err)
	require.True(t, cached.Cached)
	require.Equal(t, result.ScanID, cached.ScanID)

	f.clock.Advance(DefaultConfig().AbortedFreshness + time.Second)
	stale, err := f.discoverer.Discover(context.Background(), Query{Predicate: "true"}, Options{})
	require.NoError(t, err)
	require.True(t, stale.Stale, "aborted results expire after the shorter freshness")
	f.scheduler.Wait()
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	l := newLedger(10, nil)
	for _, i := range []uint64{3, 4, 6, 7} {
		l.FailAt(i, errBoom)
	}
	f := newFixture(t, l, func(c *Config) { c.FailureThreshold = 3 })

	result, err := f.discoverer.Discover(context.Background(), Query{Predicate: "true"}, Options{})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	require.Equal(t, ReasonEndOfLedger, result.Reason)
	require.Equal(t, []uint64{1, 2, 5, 8, 9, 10}, matchIndices(result))
}

func TestFailedChecksAreNotCached(t *testing.T) {
	l := newLedger(3, nil)
	l.FailAt(2, errBoom)
	f := newFixture(t, l, nil)

	_, err := f.discoverer.Discover(context.Background(), Query{Predicate: "true"}, Options{})
	require.NoError(t, err)
	l.FailAt(2, nil)

	result, err := f.discoverer.Discover(context.Background(), Query{Predicate: "true"}, Options{ForceRefresh: true})
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3}, matchIndices(result))
	require.Equal(t, 1, l.Calls(1), "existing records come from the record cache")
	require.Equal(t, 2, l.Calls(2), "failed checks are retried")
	require.Equal(t, 1, l.Calls(4), "the sentinel is cached for the missing ttl")
}

func TestWindowExhaustedWithDefaultBound(t *testing.T) {
	l := newLedger(20, nil)
	l.FailCount(errBoom)
	f := newFixture(t, l, func(c *Config) {
		c.DefaultBound = 5
		c.SafetyMargin = 0
	})

	result, err := f.discoverer.Discover(context.Background(), Query{Predicate: "true"}, Options{})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	require.Equal(t, ReasonWindowExhausted, result.Reason)
	require.Equal(t, ScanWindow{Start: 1, End: 5, Bound: 5, BoundSource: "default"}, result.Window)
	require.Len(t, result.Matches, 5)
}

func TestWindowFallsBackToRememberedBound(t *testing.T) {
	l := newLedger(3, nil)
	f := newFixture(t, l, func(c *Config) { c.SafetyMargin = 2 })

	first, err := f.discoverer.Discover(context.Background(), Query{Predicate: "true"}, Options{})
	require.NoError(t, err)
	require.Equal(t, ReasonEndOfLedger, first.Reason)

	for range 7 {
		l.Append(map[string]any{"name": "late"})
	}
	l.FailCount(errBoom)
	f.clock.Advance(2 * time.Minute)

	result, err := f.discoverer.Discover(context.Background(), Query{Predicate: "true"}, Options{ForceRefresh: true})
	require.NoError(t, err)
	require.Equal(t, "cache", result.Window.BoundSource)
	require.Equal(t, uint64(3), result.Window.Bound)
	require.Equal(t, uint64(5), result.Window.End)
	require.Equal(t, ReasonWindowExhausted, result.Reason)
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, matchIndices(result))
}

func TestSafetyMarginIsCapped(t *testing.T) {
	f := newFixture(t, newLedger(2, nil), func(c *Config) {
		c.SafetyMargin = 500
		c.MaxSafetyMargin = 20
	})
	result, err := f.discoverer.Discover(context.Background(), Query{Predicate: "false"}, Options{})
	require.NoError(t, err)
	require.Equal(t, uint64(22), result.Window.End)
	require.Empty(t, result.Matches)
	require.NotNil(t, result.Matches)
}

func TestStaleResultTriggersSingleBackgroundRescan(t *testing.T) {
	l := newLedger(4, nil)
	f := newFixture(t, l, nil)
	ctx := context.Background()
	query := Query{Predicate: "true"}

	first, err := f.discoverer.Discover(ctx, query, Options{})
	require.NoError(t, err)
	require.Len(t, first.Matches, 4)

	again, err := f.discoverer.Discover(ctx, query, Options{})
	require.NoError(t, err)
	require.True(t, again.Cached)
	require.False(t, again.Stale)
	require.Equal(t, 1, l.Calls(1))

	l.Append(map[string]any{"name": "fresh"})
	f.clock.Advance(6 * time.Minute)

	stale, err := f.discoverer.Discover(ctx, query, Options{})
	require.NoError(t, err)
	require.True(t, stale.Stale)
	require.Len(t, stale.Matches, 4)
	f.scheduler.Wait()

	refreshed, err := f.discoverer.Discover(ctx, query, Options{})
	require.NoError(t, err)
	require.False(t, refreshed.Stale)
	require.Len(t, refreshed.Matches, 5)
	require.NotEqual(t, first.ScanID, refreshed.ScanID)
}

func TestConcurrentDiscoversShareOneScan(t *testing.T) {
	l := &countingLedger{Memory: newLedger(12, nil), gate: make(chan struct{})}
	f := newFixture(t, l, nil)

	var wg sync.WaitGroup
	results := make([]Result, 6)
	errs := make([]error, 6)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.discoverer.Discover(context.Background(), Query{Predicate: "index > 6"}, Options{})
		}()
	}
	require.Eventually(t, func() bool { return l.counts.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(l.gate)
	wg.Wait()

	require.Equal(t, int32(1), l.counts.Load())
	for i, res := range results {
		require.NoError(t, errs[i])
		require.Equal(t, []uint64{7, 8, 9, 10, 11, 12}, matchIndices(res))
		require.Equal(t, results[0].ScanID, res.ScanID)
	}
}

func TestCancelledScanIsAbortedAndNotCached(t *testing.T) {
	l := &blockingLedger{Memory: newLedger(5, nil), entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, l, nil)
	scanner, err := f.discoverer.NewScanner(Query{Predicate: "true"})
	require.NoError(t, err)
	require.Equal(t, StateIdle, scanner.State())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	key := QueryKey(Query{Predicate: "true"})
	go func() { done <- f.discoverer.runScan(ctx, key, scanner) }()

	<-l.entered
	require.Equal(t, StateScanning, scanner.State())
	cancel()

	var result Result
	select {
	case result = <-done:
	case <-time.After(time.Second):
		t.Fatal("scan did not stop after cancellation")
	}
	close(l.release)

	require.Equal(t, StatusAborted, result.Status)
	require.Equal(t, ReasonCancelled, result.Reason)
	require.Empty(t, result.Matches)
	require.Equal(t, StateAborted, scanner.State())
	_, ok := f.discoverer.results.Get(context.Background(), key)
	require.False(t, ok, "cancelled scans are not cached")
}

func TestSoleCallerCancellationStopsScan(t *testing.T) {
	l := newGatedLedger(newLedger(100, nil), 0)
	f := newFixture(t, l, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() {
		result, _ := f.discoverer.Discover(ctx, Query{Predicate: "true"}, Options{})
		done <- result
	}()

	<-l.held
	cancel()
	var result Result
	select {
	case result = <-done:
	case <-time.After(time.Second):
		t.Fatal("discover did not return after cancellation")
	}
	require.Equal(t, ReasonCancelled, result.Reason)

	close(l.release)
	require.Eventually(t, func() bool { return f.discoverer.ScansInFlight() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.LessOrEqual(t, l.calls.Load(), int32(DefaultConfig().BatchSize), "abandoned scan kept dispatching batches")
	_, ok := f.discoverer.results.Get(context.Background(), QueryKey(Query{Predicate: "true"}))
	require.False(t, ok)
}

func TestInvalidationDuringScanDropsStaleResult(t *testing.T) {
	mem := newLedger(15, func(int) map[string]any { return map[string]any{"listed": false} })
	l := newGatedLedger(mem, uint64(DefaultConfig().BatchSize))
	f := newFixture(t, l, nil)
	ctx := context.Background()
	q := Query{Predicate: "record.listed"}

	done := make(chan Result, 1)
	go func() {
		result, _ := f.discoverer.Discover(ctx, q, Options{})
		done <- result
	}()

	<-l.held
	mem.Set(3, map[string]any{"listed": true})
	f.discoverer.InvalidateRecord(ctx, 3)
	f.discoverer.InvalidateResults(ctx)
	close(l.release)

	first := <-done
	require.Equal(t, StatusCompleted, first.Status)
	require.Empty(t, first.Matches)

	next, err := f.discoverer.Discover(ctx, q, Options{})
	require.NoError(t, err)
	require.False(t, next.Cached, "result from before the invalidation was cached")
	require.Equal(t, []uint64{3}, matchIndices(next))
}

func TestScannerRunsOnce(t *testing.T) {
	f := newFixture(t, newLedger(2, nil), nil)
	scanner, err := f.discoverer.NewScanner(Query{Predicate: "true"})
	require.NoError(t, err)

	first := scanner.Run(context.Background())
	second := scanner.Run(context.Background())
	require.Equal(t, StateCompleted, scanner.State())
	require.Equal(t, first.ScanID, second.ScanID)
	require.Equal(t, scanner.ID(), first.ScanID)
}

func TestMatchesResolveContent(t *testing.T) {
	l := newLedger(4, func(i int) map[string]any {
		if i == 3 {
			return map[string]any{"name": "no-uri"}
		}
		return map[string]any{"tokenURI": fmt.Sprintf("ipfs://QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbd%d", i)}
	})
	f := newFixture(t, l, nil)

	result, err := f.discoverer.Discover(context.Background(), Query{Predicate: "true"}, Options{})
	require.NoError(t, err)
	require.Len(t, result.Matches, 4)
	for _, m := range result.Matches {
		if m.Index == 3 {
			require.Nil(t, m.Content)
			continue
		}
		require.NotNil(t, m.Content)
		require.Equal(t, "stub", m.Content.Source)
		require.Equal(t, m.Record.URI, m.Content.Identifier)
	}
	require.Len(t, f.content.calls, 3)
}

func TestCachedResultKeepsIntegerTypes(t *testing.T) {
	l := newLedger(1, func(int) map[string]any {
		return map[string]any{"rank": int64(7), "uri": "ipfs://QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"}
	})
	f := newFixture(t, l, nil)
	ctx := context.Background()

	_, err := f.discoverer.Discover(ctx, Query{Predicate: "true"}, Options{})
	require.NoError(t, err)
	cached, err := f.discoverer.Discover(ctx, Query{Predicate: "true"}, Options{})
	require.NoError(t, err)
	require.True(t, cached.Cached)
	require.Equal(t, int64(7), cached.Matches[0].Record.Fields["rank"])
	require.Equal(t, map[string]any{"edition": int64(3)}, cached.Matches[0].Content.Document)
}

func TestRecordsFromCacheFeedPredicates(t *testing.T) {
	l := newLedger(3, func(i int) map[string]any { return map[string]any{"rank": int64(i)} })
	f := newFixture(t, l, nil)
	ctx := context.Background()

	_, err := f.discoverer.Discover(ctx, Query{Predicate: "true"}, Options{})
	require.NoError(t, err)
	result, err := f.discoverer.Discover(ctx, Query{Predicate: `record.rank == 2`}, Options{})
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, matchIndices(result))
	require.Equal(t, 1, l.Calls(2))
}

func TestStatsFromStatExpression(t *testing.T) {
	prices := map[int]any{1: 2.5, 2: "1.25", 3: nil, 4: int64(4)}
	l := newLedger(4, func(i int) map[string]any {
		fields := map[string]any{"listed": i != 3}
		if prices[i] != nil {
			fields["price"] = prices[i]
		}
		return fields
	})
	f := newFixture(t, l, nil)

	result, err := f.discoverer.Discover(context.Background(), Query{Predicate: "record.listed", Stat: "record.price"}, Options{})
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 4}, matchIndices(result))

	stats := result.Stats()
	require.Equal(t, 3, stats.Matches)
	require.Equal(t, 3, stats.StatCount)
	require.Equal(t, 1.25, stats.Min)
	require.Equal(t, 4.0, stats.Max)
	require.InDelta(t, 7.75/3, stats.Mean, 1e-9)
}

func TestPredicateErrorsAreNonMatches(t *testing.T) {
	l := newLedger(3, func(i int) map[string]any {
		if i == 2 {
			return map[string]any{"price": "n/a"}
		}
		return map[string]any{"price": int64(i)}
	})
	f := newFixture(t, l, nil)

	result, err := f.discoverer.Discover(context.Background(), Query{Predicate: `num(record.price) >= 1.0`}, Options{})
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 3}, matchIndices(result))
}

func TestInvalidQueries(t *testing.T) {
	f := newFixture(t, newLedger(1, nil), nil)

	_, err := f.discoverer.Discover(context.Background(), Query{Predicate: "index +"}, Options{})
	require.ErrorIs(t, err, ErrInvalidQuery)
	_, err = f.discoverer.Discover(context.Background(), Query{Predicate: "index + 1"}, Options{})
	require.ErrorIs(t, err, ErrInvalidQuery)
	_, err = f.discoverer.Discover(context.Background(), Query{Predicate: "true", Stat: "record."}, Options{})
	require.ErrorIs(t, err, ErrInvalidQuery)
}

func TestQueryKeyIgnoresWhitespace(t *testing.T) {
	require.Equal(t, QueryKey(Query{Predicate: "true"}), QueryKey(Query{Predicate: "  true \n"}))
	require.NotEqual(t, QueryKey(Query{Predicate: "true"}), QueryKey(Query{Predicate: "true", Stat: "index"}))
}

func TestInvalidateResultsForcesRescan(t *testing.T) {
	l := &countingLedger{Memory: newLedger(2, nil)}
	f := newFixture(t, l, nil)
	ctx := context.Background()

	_, err := f.discoverer.Discover(ctx, Query{Predicate: "true"}, Options{})
	require.NoError(t, err)
	f.discoverer.InvalidateResults(ctx)
	f.discoverer.InvalidateRecord(ctx, 1)

	result, err := f.discoverer.Discover(ctx, Query{Predicate: "true"}, Options{})
	require.NoError(t, err)
	require.False(t, result.Cached)
	require.Equal(t, int32(2), l.counts.Load())
	require.Equal(t, 2, l.Calls(1))
	require.Equal(t, 1, l.Calls(2))

	f.discoverer.InvalidateRecords(ctx)
	_, ok := f.discoverer.bound.GetStale(ctx, boundKey)
	require.False(t, ok)
}

func TestNewValidatesConfig(t *testing.T) {
	store := cache.NewStore(cache.Options{})
	l := newLedger(1, nil)

	_, err := New(Deps{Ledger: l}, DefaultConfig())
	require.Error(t, err)

	cfg := DefaultConfig()
	cfg.BatchSize = 0
	_, err = New(Deps{Store: store, Ledger: l}, cfg)
	require.Error(t, err)

	cfg = DefaultConfig()
	cfg.AbortedFreshness = cfg.Freshness + time.Second
	_, err = New(Deps{Store: store, Ledger: l}, cfg)
	require.Error(t, err)
}

func TestResultStats(t *testing.T) {
	one, two := 3.0, -1.0
	r := Result{Checked: 9, Matches: []Match{{Index: 1, Stat: &one}, {Index: 2}, {Index: 3, Stat: &two}}}
	stats := r.Stats()
	require.Equal(t, Stats{Matches: 3, Checked: 9, StatCount: 2, Min: -1, Max: 3, Mean: 1}, stats)
	require.Equal(t, Stats{}, Result{}.Stats())
}

func TestStatsEncodeZeroExtrema(t *testing.T) {
	zero, five := 0.0, 5.0
	stats := Result{Checked: 2, Matches: []Match{{Index: 1, Stat: &zero}, {Index: 2, Stat: &five}}}.Stats()
	require.Zero(t, stats.Min)

	raw, err := json.Marshal(stats)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Contains(t, decoded, "min")
	require.Contains(t, decoded, "mean")
	require.Equal(t, 0.0, decoded["min"])
	require.Equal(t, 5.0, decoded["max"])
}
