package discovery

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/l0p7/ledgerlens/internal/content"
	"github.com/l0p7/ledgerlens/internal/expr"
)

// Scanner runs one scan. It moves from idle to scanning to completed or
// aborted and never runs twice: later Run calls return the first result.
type Scanner struct {
	d        *Discoverer
	compiled compiledQuery
	id       string
	logger   *slog.Logger

	state  atomic.Value
	once   sync.Once
	result Result
}

func (d *Discoverer) newScanner(compiled compiledQuery) *Scanner {
	id := uuid.NewString()
	s := &Scanner{
		d:        d,
		compiled: compiled,
		id:       id,
		logger:   d.logger.With(slog.String("scan_id", id)),
	}
	s.state.Store(StateIdle)
	return s
}

// ID returns the scan identifier used in logs and results.
func (s *Scanner) ID() string { return s.id }

// State reports where the scanner is in its lifecycle.
func (s *Scanner) State() ScanState {
	return s.state.Load().(ScanState)
}

// Run scans the window batch by batch.
func (s *Scanner) Run(ctx context.Context) Result {
	s.once.Do(func() {
		s.state.Store(StateScanning)
		s.result = s.scan(ctx)
		if s.result.Status == StatusCompleted {
			s.state.Store(StateCompleted)
		} else {
			s.state.Store(StateAborted)
		}
	})
	return s.result
}

func (s *Scanner) scan(ctx context.Context) Result {
	d := s.d
	began := time.Now()
	result := Result{
		ScanID:    s.id,
		Query:     s.compiled.query,
		Matches:   []Match{},
		StartedAt: d.store.Now(),
	}
	finish := func(status Status, reason Reason) Result {
		result.Status = status
		result.Reason = reason
		result.CompletedAt = d.store.Now()
		d.metrics.ObserveScan(string(status), string(reason), time.Since(began))
		s.logger.Info("scan finished",
			slog.String("status", string(status)),
			slog.String("reason", string(reason)),
			slog.Int("matches", len(result.Matches)),
			slog.Int("checked", result.Checked),
			slog.Int("batches", result.Batches),
		)
		return result
	}

	if ctx.Err() != nil {
		return finish(StatusAborted, ReasonCancelled)
	}
	result.Window = d.window(ctx)
	s.logger.Debug("scan started",
		slog.String("predicate", s.compiled.query.Predicate),
		slog.Uint64("start", result.Window.Start),
		slog.Uint64("end", result.Window.End),
		slog.String("bound_source", result.Window.BoundSource),
	)

	batchSize := uint64(d.cfg.BatchSize)
	failures := 0
	for start := result.Window.Start; ; {
		if ctx.Err() != nil {
			return finish(StatusAborted, ReasonCancelled)
		}
		end := min(start+batchSize-1, result.Window.End)
		states, err := s.checkBatch(ctx, start, end)
		if err != nil {
			return finish(StatusAborted, ReasonCancelled)
		}
		result.Batches++
		d.metrics.ObserveScanBatch()

		var matched []Match
		var stop Reason
		for _, st := range states {
			result.Checked++
			result.LastIndex = st.Index
			switch st.Kind {
			case DoesNotExist:
				stop = ReasonEndOfLedger
				d.rememberBound(ctx, st.Index-1)
			case CheckFailed:
				failures++
				s.logger.Debug("record check failed", slog.Uint64("index", st.Index), slog.Int("consecutive", failures), slog.Any("error", st.Err))
				if failures >= d.cfg.FailureThreshold {
					stop = ReasonCircuitOpen
				}
			case Exists:
				failures = 0
				if m, ok := s.evaluate(st); ok {
					matched = append(matched, m)
				}
			}
			if stop != "" {
				break
			}
		}

		s.resolveContent(ctx, matched)
		if ctx.Err() != nil {
			return finish(StatusAborted, ReasonCancelled)
		}
		result.Matches = append(result.Matches, matched...)

		switch stop {
		case ReasonEndOfLedger:
			return finish(StatusCompleted, stop)
		case ReasonCircuitOpen:
			s.logger.Warn("ledger circuit open", slog.Uint64("index", result.LastIndex), slog.Int("threshold", d.cfg.FailureThreshold))
			return finish(StatusAborted, stop)
		}
		if end >= result.Window.End {
			return finish(StatusCompleted, ReasonWindowExhausted)
		}
		start = end + 1
	}
}

// checkBatch checks [start, end] concurrently and returns once every check
// settles. The checks run detached with their own timeout; if ctx ends first
// their results are discarded.
func (s *Scanner) checkBatch(ctx context.Context, start, end uint64) ([]RecordState, error) {
	states := make([]RecordState, end-start+1)
	detached := context.WithoutCancel(ctx)
	var g errgroup.Group
	for i := range states {
		index := start + uint64(i)
		g.Go(func() error {
			states[i] = s.d.check(detached, ctx, index)
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
		return states, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// evaluate applies the predicate and stat expressions. Evaluation errors count
// as a non-match.
func (s *Scanner) evaluate(st RecordState) (Match, bool) {
	vars := expr.Activation(st.Index, st.Record.Activation())
	ok, err := s.compiled.predicate.EvalBool(vars)
	if err != nil {
		s.logger.Debug("predicate evaluation failed", slog.Uint64("index", st.Index), slog.Any("error", err))
		return Match{}, false
	}
	if !ok {
		return Match{}, false
	}
	m := Match{Index: st.Index, Record: st.Record}
	if s.compiled.stat.Valid() {
		value, ok, err := s.compiled.stat.EvalFloat(vars)
		switch {
		case err != nil:
			s.logger.Debug("stat evaluation failed", slog.Uint64("index", st.Index), slog.Any("error", err))
		case ok:
			m.Stat = &value
		}
	}
	return m, true
}

// resolveContent fetches the metadata of every match concurrently.
func (s *Scanner) resolveContent(ctx context.Context, matches []Match) {
	if s.d.content == nil {
		return
	}
	var g errgroup.Group
	for i := range matches {
		uri := matches[i].Record.URI
		if uri == "" {
			continue
		}
		g.Go(func() error {
			payload := s.d.content.Resolve(ctx, uri, content.Payload{})
			matches[i].Content = &payload
			return nil
		})
	}
	_ = g.Wait()
}
