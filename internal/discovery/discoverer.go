package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/l0p7/ledgerlens/internal/cache"
	"github.com/l0p7/ledgerlens/internal/coalesce"
	"github.com/l0p7/ledgerlens/internal/content"
	"github.com/l0p7/ledgerlens/internal/expr"
	"github.com/l0p7/ledgerlens/internal/fetch"
	"github.com/l0p7/ledgerlens/internal/ledger"
	"github.com/l0p7/ledgerlens/internal/logging"
	"github.com/l0p7/ledgerlens/internal/metrics"
	"github.com/l0p7/ledgerlens/internal/normalize"
	"github.com/l0p7/ledgerlens/internal/scheduler"
)

// Cache namespaces owned by discovery.
const (
	ResultNamespace = "discovery:"
	RecordNamespace = "record:"
	BoundNamespace  = "ledger:"

	boundKey = "bound"
)

// ContentResolver resolves the metadata identifier of a matching record.
type ContentResolver interface {
	Resolve(ctx context.Context, identifier string, def content.Payload) content.Payload
}

// Config holds the scan tunables.
type Config struct {
	BatchSize        int
	FailureThreshold int
	StartIndex       uint64
	SafetyMargin     uint64
	// MaxSafetyMargin caps SafetyMargin; zero means no cap.
	MaxSafetyMargin  uint64
	DefaultBound     uint64
	CheckTimeout     time.Duration
	Freshness        time.Duration
	AbortedFreshness time.Duration
	RecordTTL        time.Duration
	MissingTTL       time.Duration
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:        10,
		FailureThreshold: 5,
		StartIndex:       1,
		SafetyMargin:     50,
		MaxSafetyMargin:  200,
		DefaultBound:     100,
		CheckTimeout:     10 * time.Second,
		Freshness:        5 * time.Minute,
		AbortedFreshness: 30 * time.Second,
		RecordTTL:        10 * time.Minute,
		MissingTTL:       time.Minute,
	}
}

// Deps wires a Discoverer to the rest of the system. Content may be nil, in
// which case matches carry no resolved metadata.
type Deps struct {
	Store       *cache.Store
	Ledger      ledger.Ledger
	Content     ContentResolver
	Environment *expr.Environment
	Scheduler   *scheduler.Scheduler
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
}

// Discoverer answers discovery queries from its result cache or by scanning.
type Discoverer struct {
	cfg       Config
	store     *cache.Store
	ledger    ledger.Ledger
	content   ContentResolver
	env       *expr.Environment
	scheduler *scheduler.Scheduler
	ownsSched bool
	logger    *slog.Logger
	metrics   *metrics.Recorder

	results *cache.Namespace[Result]
	records *cache.Namespace[cachedRecord]
	bound   *cache.Namespace[uint64]

	scans  *coalesce.Group[Result]
	checks *coalesce.Group[cachedRecord]

	// Bumped by invalidation; work started under an older generation does
	// not write back.
	resultGen atomic.Uint64
	recordGen atomic.Uint64

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// New validates cfg and builds a Discoverer.
func New(deps Deps, cfg Config) (*Discoverer, error) {
	if deps.Store == nil {
		return nil, errors.New("discovery: cache store required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("discovery: ledger required")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("discovery: batch size %d invalid", cfg.BatchSize)
	}
	if cfg.FailureThreshold <= 0 {
		return nil, fmt.Errorf("discovery: failure threshold %d invalid", cfg.FailureThreshold)
	}
	if cfg.StartIndex == 0 {
		cfg.StartIndex = 1
	}
	if cfg.CheckTimeout <= 0 {
		return nil, fmt.Errorf("discovery: check timeout %s invalid", cfg.CheckTimeout)
	}
	if cfg.Freshness <= 0 || cfg.AbortedFreshness <= 0 || cfg.AbortedFreshness > cfg.Freshness {
		return nil, fmt.Errorf("discovery: aborted freshness %s must be positive and within freshness %s", cfg.AbortedFreshness, cfg.Freshness)
	}

	env := deps.Environment
	if env == nil {
		var err error
		if env, err = expr.NewEnvironment(); err != nil {
			return nil, err
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	sched, owns := deps.Scheduler, false
	if sched == nil {
		sched = scheduler.New(scheduler.Options{Kind: "discovery", Logger: logger, Metrics: deps.Metrics})
		owns = true
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Discoverer{
		cfg:        cfg,
		store:      deps.Store,
		ledger:     deps.Ledger,
		content:    deps.Content,
		env:        env,
		scheduler:  sched,
		ownsSched:  owns,
		logger:     logger.With(slog.String("agent", "discovery")),
		metrics:    deps.Metrics,
		results:    cache.NewNamespace[Result](deps.Store, ResultNamespace),
		records:    cache.NewNamespace[cachedRecord](deps.Store, RecordNamespace),
		bound:      cache.NewNamespace[uint64](deps.Store, BoundNamespace),
		scans:      coalesce.New[Result](),
		checks:     coalesce.New[cachedRecord](),
		baseCtx:    ctx,
		baseCancel: cancel,
	}, nil
}

// QueryKey is the cache key of a query.
func QueryKey(q Query) string {
	q = q.normalized()
	return cache.HashKey(q.Predicate, q.Stat)
}

func (q Query) normalized() Query {
	return Query{Predicate: strings.TrimSpace(q.Predicate), Stat: strings.TrimSpace(q.Stat)}
}

// Discover answers q. A fresh cached result is returned as is; a stale one is
// returned immediately while one background rescan replaces it. Misses and
// forced refreshes scan synchronously, coalesced per query. The error is
// non-nil only for queries that do not compile.
func (d *Discoverer) Discover(ctx context.Context, q Query, opts Options) (Result, error) {
	q = q.normalized()
	compiled, err := d.compile(q)
	if err != nil {
		return Result{}, err
	}
	key := QueryKey(q)

	if !opts.ForceRefresh {
		if cached, ok := d.results.GetStale(ctx, key); ok {
			result := restoreResult(cached.Value)
			result.Cached = true
			if cached.Fresh {
				return result, nil
			}
			result.Stale = true
			d.scheduleRescan(key, compiled)
			return result, nil
		}
	}

	result, _, err := d.scans.Do(ctx, key, func(ctx context.Context) (Result, error) {
		return d.runScan(ctx, key, d.newScanner(compiled)), nil
	})
	if err != nil {
		d.logger.Debug("discover abandoned", slog.String("query", key), slog.Any("error", err))
		now := d.store.Now()
		return Result{Query: q, Status: StatusAborted, Reason: ReasonCancelled, Matches: []Match{}, StartedAt: now, CompletedAt: now}, nil
	}
	return result, nil
}

// NewScanner prepares a single scan for q without touching the result cache.
func (d *Discoverer) NewScanner(q Query) (*Scanner, error) {
	compiled, err := d.compile(q.normalized())
	if err != nil {
		return nil, err
	}
	return d.newScanner(compiled), nil
}

// InvalidateResults drops every cached discovery result. Scans already
// running finish for their callers but no longer cache what they find, and
// the next Discover starts a fresh scan.
func (d *Discoverer) InvalidateResults(ctx context.Context) {
	d.resultGen.Add(1)
	d.scans.ForgetAll()
	d.results.InvalidateAll(ctx)
}

// InvalidateRecords drops every cached record state and the remembered bound.
func (d *Discoverer) InvalidateRecords(ctx context.Context) {
	d.recordGen.Add(1)
	d.checks.ForgetAll()
	d.records.InvalidateAll(ctx)
	d.bound.InvalidateAll(ctx)
}

// InvalidateRecord drops the cached state of one index.
func (d *Discoverer) InvalidateRecord(ctx context.Context, index uint64) {
	id := strconv.FormatUint(index, 10)
	d.recordGen.Add(1)
	d.checks.Forget(id)
	d.records.Invalidate(ctx, id)
}

// ScansInFlight reports the number of scans currently running.
func (d *Discoverer) ScansInFlight() int {
	return d.scans.InFlight()
}

// Close cancels running scans and, when the Discoverer created its own
// scheduler, drains it.
func (d *Discoverer) Close(ctx context.Context) error {
	d.baseCancel()
	if d.ownsSched {
		return d.scheduler.Close(ctx)
	}
	return nil
}

type compiledQuery struct {
	query     Query
	predicate expr.Program
	stat      expr.Program
}

func (d *Discoverer) compile(q Query) (compiledQuery, error) {
	predicate, err := d.env.Compile(q.Predicate)
	if err != nil {
		return compiledQuery{}, fmt.Errorf("%w: predicate: %w", ErrInvalidQuery, err)
	}
	out := compiledQuery{query: q, predicate: predicate}
	if q.Stat != "" {
		if out.stat, err = d.env.CompileValue(q.Stat); err != nil {
			return compiledQuery{}, fmt.Errorf("%w: stat: %w", ErrInvalidQuery, err)
		}
	}
	return out, nil
}

func (d *Discoverer) scheduleRescan(key string, compiled compiledQuery) {
	d.scheduler.Schedule(ResultNamespace+key, func(ctx context.Context) error {
		result, _, err := d.scans.Do(ctx, key, func(ctx context.Context) (Result, error) {
			return d.runScan(ctx, key, d.newScanner(compiled)), nil
		})
		if err != nil {
			return err
		}
		return result.Err()
	})
}

// runScan executes s until it finishes or the Discoverer closes, then caches
// the result.
func (d *Discoverer) runScan(ctx context.Context, key string, s *Scanner) Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(d.baseCtx, cancel)
	defer stop()

	gen := d.resultGen.Load()
	result := s.Run(ctx)
	var ttl time.Duration
	switch {
	case result.Status == StatusCompleted:
		ttl = d.cfg.Freshness
	case result.Reason == ReasonCancelled:
		return result
	default:
		ttl = d.cfg.AbortedFreshness
	}
	if d.resultGen.Load() != gen {
		d.logger.Debug("discovery result invalidated during scan, not cached", slog.String("scan_id", result.ScanID))
		return result
	}
	if err := d.results.Set(context.WithoutCancel(ctx), key, result, ttl); err != nil {
		d.logger.Warn("discovery cache write failed", slog.String("scan_id", result.ScanID), slog.Any("error", err))
	}
	return result
}

// check resolves the state of one index from the record cache or the ledger.
// ctx is detached from the scan; writes are skipped once scanCtx is done or
// the records were invalidated while the ledger read was in flight.
func (d *Discoverer) check(ctx, scanCtx context.Context, index uint64) RecordState {
	id := strconv.FormatUint(index, 10)
	gen := d.recordGen.Load()
	if cached, ok := d.records.Get(ctx, id); ok {
		return cached.state(index)
	}
	rec, _, err := d.checks.Do(ctx, id, func(ctx context.Context) (cachedRecord, error) {
		ctx, cancel := context.WithTimeout(ctx, d.cfg.CheckTimeout)
		defer cancel()
		record, err := d.ledger.RecordAt(ctx, index)
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			return cachedRecord{}, nil
		case err != nil:
			return cachedRecord{}, err
		}
		return cachedRecord{Exists: true, Fields: record.Fields}, nil
	})
	if err != nil {
		return RecordState{Index: index, Kind: CheckFailed, Err: fmt.Errorf("%w: index %d: %w", ErrLedgerCheckFailed, index, err)}
	}
	if scanCtx.Err() == nil && d.recordGen.Load() == gen {
		ttl := d.cfg.RecordTTL
		if !rec.Exists {
			ttl = d.cfg.MissingTTL
		}
		if err := d.records.Set(ctx, id, rec, ttl); err != nil {
			d.logger.Warn("record cache write failed", slog.Uint64("index", index), slog.Any("error", err))
		}
	}
	return rec.state(index)
}

func (r cachedRecord) state(index uint64) RecordState {
	if !r.Exists {
		return RecordState{Index: index, Kind: DoesNotExist}
	}
	return RecordState{Index: index, Kind: Exists, Record: normalize.RecordFrom(index, normalizeFields(r.Fields))}
}

// window derives the scan range from the ledger size, falling back to the
// last remembered bound and then to DefaultBound.
func (d *Discoverer) window(ctx context.Context) ScanWindow {
	w := ScanWindow{Start: d.cfg.StartIndex}
	countCtx, cancel := context.WithTimeout(ctx, d.cfg.CheckTimeout)
	count, err := d.ledger.RecordCount(countCtx)
	cancel()
	switch {
	case err == nil:
		w.Bound, w.BoundSource = count, "ledger"
		d.rememberBound(ctx, count)
	default:
		if cached, ok := d.bound.GetStale(ctx, boundKey); ok {
			w.Bound, w.BoundSource = cached.Value, "cache"
		} else {
			w.Bound, w.BoundSource = d.cfg.DefaultBound, "default"
		}
		d.logger.Debug("ledger count unavailable", slog.String("bound_source", w.BoundSource), slog.Any("error", err))
	}
	margin := d.cfg.SafetyMargin
	if d.cfg.MaxSafetyMargin > 0 {
		margin = min(margin, d.cfg.MaxSafetyMargin)
	}
	w.End = max(w.Bound+margin, w.Start)
	return w
}

func (d *Discoverer) rememberBound(ctx context.Context, bound uint64) {
	if err := d.bound.Set(ctx, boundKey, bound, d.store.HardMaxAge()); err != nil {
		d.logger.Warn("ledger bound cache write failed", slog.Any("error", err))
	}
}

func normalizeFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out, _ := fetch.NormalizeJSONNumbers(fields).(map[string]any)
	return out
}

// restoreResult undoes the number widening of a cache round trip.
func restoreResult(r Result) Result {
	matches := make([]Match, len(r.Matches))
	for i, m := range r.Matches {
		m.Record.Fields = normalizeFields(m.Record.Fields)
		if m.Content != nil {
			payload := content.RestoreNumbers(*m.Content)
			m.Content = &payload
		}
		matches[i] = m
	}
	r.Matches = matches
	return r
}
