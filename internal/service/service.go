// Package service assembles the cache, gateway resolver, content service and
// discoverer behind the single surface used by the HTTP server and the CLI.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/ledgerlens/internal/cache"
	"github.com/l0p7/ledgerlens/internal/config"
	"github.com/l0p7/ledgerlens/internal/content"
	"github.com/l0p7/ledgerlens/internal/discovery"
	"github.com/l0p7/ledgerlens/internal/expr"
	"github.com/l0p7/ledgerlens/internal/fetch"
	"github.com/l0p7/ledgerlens/internal/gateway"
	"github.com/l0p7/ledgerlens/internal/ledger"
	"github.com/l0p7/ledgerlens/internal/metrics"
	"github.com/l0p7/ledgerlens/internal/scheduler"
	"github.com/l0p7/ledgerlens/internal/templates"
)

// ErrUnknownScope is returned by Invalidate for scopes it does not recognise.
var ErrUnknownScope = errors.New("service: unknown invalidation scope")

// Invalidation scopes. ScopeRecord and ScopeContent take a suffix: the
// record index or the content identifier.
const (
	ScopeAll       = "all"
	ScopeDiscovery = "discovery"
	ScopeRecords   = "records"
	ScopeContents  = "contents"
	ScopeRecord    = "record:"
	ScopeContent   = "content:"
)

// Deps are the collaborators built outside the service. Fetcher defaults to
// a fetch.Client configured from Config.Gateways.
type Deps struct {
	Store   *cache.Store
	Ledger  ledger.Ledger
	Fetcher fetch.Fetcher
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Service is the facade over content resolution and discovery.
type Service struct {
	cfg      config.Config
	store    *cache.Store
	renderer *templates.Renderer
	logger   *slog.Logger

	content    *content.Service
	discoverer *discovery.Discoverer

	contentTasks   *scheduler.Scheduler
	discoveryTasks *scheduler.Scheduler

	mu             sync.RWMutex
	gateways       []string
	gatewaySources []string
	skipped        []config.DefinitionSkip

	closeOnce sync.Once
	closeErr  error
}

// New builds every component from cfg.
func New(cfg config.Config, deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("service: cache store required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("service: ledger required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fetcher := deps.Fetcher
	if fetcher == nil {
		fetcher = fetch.NewClient(fetch.Config{
			AttemptTimeout: cfg.Gateways.AttemptTimeout,
			RateLimit:      cfg.Gateways.RateLimit,
			RateBurst:      cfg.Gateways.RateBurst,
			MaxBodyBytes:   cfg.Gateways.MaxBodyBytes,
			UserAgent:      cfg.Gateways.UserAgent,
		})
	}

	s := &Service{
		cfg:            cfg,
		store:          deps.Store,
		renderer:       templates.NewRenderer(),
		logger:         logger.With(slog.String("agent", "service")),
		gatewaySources: slices.Clone(cfg.GatewaySources),
		skipped:        slices.Clone(cfg.SkippedGateways),
	}
	resolver, err := s.buildResolver(cfg.Gateways.Endpoints, logger)
	if err != nil {
		return nil, err
	}
	s.gateways = resolver.Endpoints()

	tasks := cfg.Discovery.BackgroundTasks
	s.contentTasks = scheduler.New(scheduler.Options{
		Kind:          "content",
		MaxConcurrent: tasks,
		Timeout:       cfg.Content.RefreshTimeout,
		Logger:        logger,
		Metrics:       deps.Metrics,
	})
	s.discoveryTasks = scheduler.New(scheduler.Options{
		Kind:          "discovery",
		MaxConcurrent: tasks,
		Timeout:       cfg.Discovery.RefreshTimeout,
		Logger:        logger,
		Metrics:       deps.Metrics,
	})

	s.content, err = content.New(content.Options{
		Store:    deps.Store,
		Resolver: resolver,
		Fetcher:  fetcher,
		Policy: cache.TTLPolicy{
			Success:            cfg.Content.SuccessTTL,
			Failure:            cfg.Content.FailureTTL,
			Ceiling:            cfg.Content.MaxTTL,
			FollowCacheControl: cfg.Content.FollowCacheControl,
		},
		Scheduler: s.contentTasks,
		Logger:    logger,
		Metrics:   deps.Metrics,
	})
	if err != nil {
		return nil, err
	}

	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}
	s.discoverer, err = discovery.New(discovery.Deps{
		Store:       deps.Store,
		Ledger:      deps.Ledger,
		Content:     s.content,
		Environment: env,
		Scheduler:   s.discoveryTasks,
		Logger:      logger,
		Metrics:     deps.Metrics,
	}, discoveryConfig(cfg.Discovery))
	if err != nil {
		return nil, err
	}
	return s, nil
}

func discoveryConfig(c config.DiscoveryConfig) discovery.Config {
	return discovery.Config{
		BatchSize:        c.BatchSize,
		FailureThreshold: c.FailureThreshold,
		StartIndex:       c.StartIndex,
		SafetyMargin:     c.SafetyMargin,
		MaxSafetyMargin:  c.MaxSafetyMargin,
		DefaultBound:     c.DefaultBound,
		CheckTimeout:     c.CheckTimeout,
		Freshness:        c.Freshness,
		AbortedFreshness: c.AbortedFreshness,
		RecordTTL:        c.RecordTTL,
		MissingTTL:       c.MissingTTL,
	}
}

func (s *Service) buildResolver(endpoints []config.GatewayEndpointConfig, logger *slog.Logger) (*gateway.Resolver, error) {
	converted := make([]gateway.Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		converted = append(converted, gateway.Endpoint{Name: ep.Name, Template: ep.Template, Schemes: ep.Schemes})
	}
	return gateway.NewResolver(gateway.Options{
		Endpoints:   converted,
		Renderer:    s.renderer,
		ProbeDirect: s.cfg.Gateways.ProbeDirect,
		Logger:      logger,
	})
}

// ResolveContent returns the content behind identifier or def as a fallback.
func (s *Service) ResolveContent(ctx context.Context, identifier string, def content.Payload) content.Payload {
	return s.content.Resolve(ctx, identifier, def)
}

// Discover runs or serves a discovery query.
func (s *Service) Discover(ctx context.Context, q discovery.Query, opts discovery.Options) (discovery.Result, error) {
	return s.discoverer.Discover(ctx, q, opts)
}

// Invalidate drops cached state for scope: all, discovery, records, contents,
// record:<index> or content:<identifier>.
func (s *Service) Invalidate(ctx context.Context, scope string) error {
	scope = strings.TrimSpace(scope)
	switch {
	case scope == ScopeAll || scope == "":
		s.store.Clear(ctx)
	case scope == ScopeDiscovery:
		s.discoverer.InvalidateResults(ctx)
	case scope == ScopeRecords:
		s.discoverer.InvalidateRecords(ctx)
		s.discoverer.InvalidateResults(ctx)
	case scope == ScopeContents:
		s.content.InvalidateAll(ctx)
	case strings.HasPrefix(scope, ScopeRecord):
		index, err := strconv.ParseUint(strings.TrimPrefix(scope, ScopeRecord), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %q: %w", ErrUnknownScope, scope, err)
		}
		s.discoverer.InvalidateRecord(ctx, index)
	case strings.HasPrefix(scope, ScopeContent):
		if err := s.content.Invalidate(ctx, strings.TrimPrefix(scope, ScopeContent)); err != nil {
			return fmt.Errorf("%w: %q: %w", ErrUnknownScope, scope, err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownScope, scope)
	}
	s.logger.Info("cache invalidated", slog.String("scope", scope))
	return nil
}

// RecordChanged is called after a write to the ledger record at index: it drops
// the record state and every cached discovery result.
func (s *Service) RecordChanged(ctx context.Context, index uint64) {
	s.discoverer.InvalidateRecord(ctx, index)
	s.discoverer.InvalidateResults(ctx)
	s.logger.Debug("record change invalidated", slog.Uint64("index", index))
}

// UpdateGateways swaps the gateway list. A bundle that fails to compile
// leaves the current list in place.
func (s *Service) UpdateGateways(bundle config.GatewayBundle) error {
	resolver, err := s.buildResolver(bundle.Endpoints, s.logger)
	if err != nil {
		s.logger.Warn("gateway reload rejected", slog.Any("error", err))
		return err
	}
	s.content.SetResolver(resolver)

	s.mu.Lock()
	s.gateways = resolver.Endpoints()
	s.gatewaySources = slices.Clone(bundle.Sources)
	s.skipped = slices.Clone(bundle.Skipped)
	s.mu.Unlock()

	s.logger.Info("gateways reloaded",
		slog.String("event", "gateways_reload"),
		slog.Any("gateways", resolver.Endpoints()),
		slog.Int("skipped", len(bundle.Skipped)),
	)
	return nil
}

// Health is the snapshot served by /healthz.
type Health struct {
	Status          string                  `json:"status"`
	CacheEntries    int                     `json:"cacheEntries"`
	Gateways        []string                `json:"gateways"`
	GatewaySources  []string                `json:"gatewaySources,omitempty"`
	SkippedGateways []config.DefinitionSkip `json:"skippedGateways,omitempty"`
	ScansInFlight   int                     `json:"scansInFlight"`
	ChainsInFlight  int                     `json:"chainsInFlight"`
	ObservedAt      time.Time               `json:"observedAt"`
}

// Health reports "degraded" when no gateway is configured or some were
// skipped at load time.
func (s *Service) Health() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status := "ok"
	if len(s.gateways) == 0 || len(s.skipped) > 0 {
		status = "degraded"
	}
	return Health{
		Status:          status,
		CacheEntries:    s.store.Len(),
		Gateways:        slices.Clone(s.gateways),
		GatewaySources:  slices.Clone(s.gatewaySources),
		SkippedGateways: slices.Clone(s.skipped),
		ScansInFlight:   s.discoverer.ScansInFlight(),
		ChainsInFlight:  s.content.ChainsInFlight(),
		ObservedAt:      time.Now().UTC(),
	}
}

// Close stops background work and closes the cache store.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = errors.Join(
			s.discoverer.Close(ctx),
			s.discoveryTasks.Close(ctx),
			s.contentTasks.Close(ctx),
			s.store.Close(ctx),
		)
	})
	return s.closeErr
}
