// Package content resolves identifiers to documents through the ranked
// gateway list, with caching, request coalescing and background refresh.
package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/l0p7/ledgerlens/internal/cache"
	"github.com/l0p7/ledgerlens/internal/coalesce"
	"github.com/l0p7/ledgerlens/internal/fetch"
	"github.com/l0p7/ledgerlens/internal/gateway"
	"github.com/l0p7/ledgerlens/internal/logging"
	"github.com/l0p7/ledgerlens/internal/metrics"
	"github.com/l0p7/ledgerlens/internal/normalize"
	"github.com/l0p7/ledgerlens/internal/scheduler"
)

// ErrGatewayExhausted means every candidate for an identifier failed.
var ErrGatewayExhausted = errors.New("content: all gateways failed")

// Namespace is the cache key prefix for resolved content.
const Namespace = "content:"

// Options wires a Service.
type Options struct {
	Store     *cache.Store
	Resolver  *gateway.Resolver
	Fetcher   fetch.Fetcher
	Policy    cache.TTLPolicy
	Scheduler *scheduler.Scheduler
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

// Service resolves content identifiers. It never returns errors to callers:
// any failure yields the caller's default payload.
type Service struct {
	entries   *cache.Namespace[cachedPayload]
	resolver  atomic.Pointer[gateway.Resolver]
	fetcher   fetch.Fetcher
	policy    cache.TTLPolicy
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
	metrics   *metrics.Recorder
	now       func() time.Time

	chains   *coalesce.Group[cachedPayload]
	attempts *coalesce.Group[fetch.Document]
	// generation is bumped on invalidation so chains started earlier do not
	// write their outcome back.
	generation atomic.Uint64
}

// New validates opts and builds a Service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("content: cache store required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("content: gateway resolver required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("content: fetcher required")
	}
	if opts.Policy.Failure <= 0 || opts.Policy.Failure >= opts.Policy.Success {
		return nil, fmt.Errorf("content: failure ttl %s must be positive and below success ttl %s", opts.Policy.Failure, opts.Policy.Success)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	sched := opts.Scheduler
	if sched == nil {
		sched = scheduler.New(scheduler.Options{Kind: "content", Logger: logger, Metrics: opts.Metrics})
	}
	s := &Service{
		entries:   cache.NewNamespace[cachedPayload](opts.Store, Namespace),
		fetcher:   opts.Fetcher,
		policy:    opts.Policy,
		scheduler: sched,
		logger:    logger.With(slog.String("agent", "content")),
		metrics:   opts.Metrics,
		now:       opts.Store.Now,
		chains:    coalesce.New[cachedPayload](),
		attempts:  coalesce.New[fetch.Document](),
	}
	s.resolver.Store(opts.Resolver)
	return s, nil
}

// SetResolver swaps the gateway list. In-flight chains finish on the
// resolver they started with.
func (s *Service) SetResolver(r *gateway.Resolver) {
	if r != nil {
		s.resolver.Store(r)
	}
}

// Resolve returns the content for identifier, or def tagged as a fallback.
func (s *Service) Resolve(ctx context.Context, identifier string, def Payload) Payload {
	id, err := gateway.Parse(identifier)
	if err != nil {
		s.logger.Debug("identifier rejected", slog.String("identifier", identifier), slog.Any("error", err))
		s.metrics.ObserveContentResolution("malformed")
		return fallback(identifier, def)
	}

	if id.Kind == gateway.KindInline {
		payload, err := decodeDataURI(id.Raw)
		if err != nil {
			s.logger.Debug("inline content rejected", slog.Any("error", err))
			s.metrics.ObserveContentResolution("malformed")
			return fallback(identifier, def)
		}
		payload.ResolvedAt = s.now()
		s.metrics.ObserveContentResolution("inline")
		return payload
	}

	key := id.Key()
	// An expired failure marker counts as a miss: the chain is retried
	// synchronously rather than serving the default again.
	if cached, ok := s.entries.GetStale(ctx, key); ok && (cached.Fresh || !cached.Value.Failed) {
		if cached.Value.Failed {
			s.metrics.ObserveContentResolution("cached_failure")
			return fallback(identifier, def)
		}
		payload := RestoreNumbers(cached.Value.Payload)
		payload.Identifier = identifier
		if cached.Fresh {
			s.metrics.ObserveContentResolution("cache")
			return payload
		}
		s.scheduleRefresh(id)
		payload.Stale = true
		s.metrics.ObserveContentResolution("stale")
		return payload
	}

	result, _, err := s.chains.Do(ctx, key, func(ctx context.Context) (cachedPayload, error) {
		return s.resolveChain(ctx, id, false)
	})
	if err != nil || result.Failed {
		s.metrics.ObserveContentResolution("fallback")
		return fallback(identifier, def)
	}
	s.metrics.ObserveContentResolution("gateway")
	payload := result.Payload
	payload.Identifier = identifier
	return payload
}

// Invalidate drops the cached entry for identifier.
func (s *Service) Invalidate(ctx context.Context, identifier string) error {
	id, err := gateway.Parse(identifier)
	if err != nil {
		return err
	}
	key := id.Key()
	s.generation.Add(1)
	s.chains.Forget(key)
	s.attempts.ForgetAll()
	s.entries.Invalidate(ctx, key)
	return nil
}

// InvalidateAll drops every cached content entry. Chains still running
// answer their callers but do not repopulate the cache.
func (s *Service) InvalidateAll(ctx context.Context) {
	s.generation.Add(1)
	s.chains.ForgetAll()
	s.attempts.ForgetAll()
	s.entries.InvalidateAll(ctx)
}

// ChainsInFlight reports the number of gateway chains currently running.
func (s *Service) ChainsInFlight() int {
	return s.chains.InFlight()
}

// scheduleRefresh starts at most one background refresh per identifier.
func (s *Service) scheduleRefresh(id gateway.Identifier) {
	key := id.Key()
	s.scheduler.Schedule(Namespace+key, func(ctx context.Context) error {
		result, _, err := s.chains.Do(ctx, key, func(ctx context.Context) (cachedPayload, error) {
			return s.resolveChain(ctx, id, true)
		})
		if err != nil {
			return err
		}
		if result.Failed {
			return fmt.Errorf("refresh %s: %w", key, ErrGatewayExhausted)
		}
		return nil
	})
}

// resolveChain walks the candidates in priority order and caches the outcome.
// A refresh that exhausts every gateway keeps the stale success it was meant
// to replace instead of overwriting it with a failure marker.
func (s *Service) resolveChain(ctx context.Context, id gateway.Identifier, refresh bool) (cachedPayload, error) {
	key := id.Key()
	gen := s.generation.Load()
	cursor, err := s.resolver.Load().Cursor(id)
	if err != nil {
		s.logger.Debug("no candidates", slog.String("identifier", key), slog.Any("error", err))
		return cachedPayload{Failed: true}, nil
	}

	var lastErr error
	for {
		cand, ok := cursor.Next()
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			return cachedPayload{}, err
		}
		start := time.Now()
		doc, err := s.attempt(ctx, id, cand)
		s.metrics.ObserveGatewayAttempt(cand.Gateway, attemptOutcome(err), time.Since(start))
		if err != nil {
			lastErr = err
			s.logger.Debug("gateway attempt failed",
				slog.String("identifier", key),
				slog.String("gateway", cand.Gateway),
				slog.Int("index", cand.Index),
				slog.Any("error", err),
			)
			continue
		}

		payload := payloadFromDocument(key, cand.Gateway, doc, s.now())
		result := cachedPayload{Payload: payload}
		s.cacheOutcome(ctx, gen, key, result, s.policy.Effective(cache.OutcomeSuccess, doc.Headers))
		return result, nil
	}

	if err := ctx.Err(); err != nil {
		return cachedPayload{}, err
	}
	s.logger.Warn("content resolution exhausted",
		slog.String("identifier", key),
		slog.Int("attempts", cursor.Attempts()),
		slog.Any("error", fmt.Errorf("%w: last error: %v", ErrGatewayExhausted, lastErr)),
	)

	if refresh {
		if existing, ok := s.entries.GetStale(ctx, key); ok && !existing.Value.Failed {
			return cachedPayload{Failed: true}, nil
		}
	}
	s.cacheOutcome(ctx, gen, key, cachedPayload{Failed: true}, s.policy.Effective(cache.OutcomeFailure, nil))
	return cachedPayload{Failed: true}, nil
}

// cacheOutcome caches a chain outcome unless the cache was invalidated after the
// chain started at gen.
func (s *Service) cacheOutcome(ctx context.Context, gen uint64, key string, result cachedPayload, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if s.generation.Load() != gen {
		s.logger.Debug("content invalidated during resolution, not cached", slog.String("identifier", key))
		return
	}
	if err := s.entries.Set(ctx, key, result, ttl); err != nil {
		s.logger.Warn("content cache write failed", slog.String("identifier", key), slog.Any("error", err))
	}
}

// attempt runs one candidate, coalesced with concurrent attempts on the same
// identifier and gateway index.
func (s *Service) attempt(ctx context.Context, id gateway.Identifier, cand gateway.Candidate) (fetch.Document, error) {
	key := id.Key() + "#" + strconv.Itoa(cand.Index) + "@" + cand.URL
	doc, _, err := s.attempts.Do(ctx, key, func(ctx context.Context) (fetch.Document, error) {
		if cand.Probe {
			if err := s.fetcher.Probe(ctx, cand.URL); err != nil {
				return fetch.Document{}, fmt.Errorf("probe: %w", err)
			}
		}
		return s.fetcher.Fetch(ctx, cand.URL)
	})
	return doc, err
}

func payloadFromDocument(identifier, source string, doc fetch.Document, now time.Time) Payload {
	payload := Payload{
		Identifier:  identifier,
		ContentType: doc.ContentType,
		Source:      source,
		ResolvedAt:  now,
	}
	if doc.Structured {
		payload.Kind = KindStructured
		payload.Document = doc.JSON
		if meta, ok := normalize.MetadataFrom(doc.JSON); ok {
			payload.Metadata = &meta
		}
		return payload
	}
	payload.Kind = KindBinary
	payload.Data = doc.Body
	return payload
}

func attemptOutcome(err error) string {
	var statusErr *fetch.StatusError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, fetch.ErrGatewayTimeout):
		return "timeout"
	case errors.Is(err, fetch.ErrGatewayUnreachable):
		return "unreachable"
	case errors.As(err, &statusErr):
		return "status"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return "error"
}
