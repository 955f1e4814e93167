package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/l0p7/ledgerlens/internal/cache"
	"github.com/l0p7/ledgerlens/internal/config"
	"github.com/l0p7/ledgerlens/internal/ledger"
	"github.com/l0p7/ledgerlens/internal/logging"
	"github.com/l0p7/ledgerlens/internal/metrics"
	"github.com/l0p7/ledgerlens/internal/service"
)

var newConfigLoader = func(envPrefix, configFile string) configLoader {
	return loaderAdapter{config.NewLoader(envPrefix, configFile)}
}

type loaderAdapter struct {
	*config.Loader
}

func (l loaderAdapter) WatchGateways(ctx context.Context, cfg config.Config, onChange func(config.GatewayBundle), onError func(error)) (gatewayWatcher, error) {
	w, err := l.Loader.WatchGateways(ctx, cfg, onChange, onError)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// app is the wired process: configuration, logger, cache store and facade.
type app struct {
	cfg      config.Config
	loader   configLoader
	logger   *slog.Logger
	recorder *metrics.Recorder
	store    *cache.Store
	svc      *service.Service
}

func bootstrap(ctx context.Context, opts *rootOptions, logOut io.Writer) (*app, error) {
	loader := newConfigLoader(opts.envPrefix, opts.configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	logger, err := logging.NewWithWriter(cfg.Server.Logging, logOut)
	if err != nil {
		return nil, fmt.Errorf("configure logger: %w", err)
	}
	for _, skip := range cfg.SkippedGateways {
		logger.Warn("gateway endpoint skipped", slog.String("name", skip.Name), slog.String("reason", skip.Reason))
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	store := cache.NewStore(cache.Options{
		Backing:    buildBacking(logger.With(slog.String("agent", "cache_factory")), cfg.Cache),
		HardMaxAge: cfg.Cache.HardMaxAge,
		Logger:     logger,
		Metrics:    recorder,
	})

	l, err := buildLedger(logger, cfg.Ledger)
	if err != nil {
		_ = store.Close(ctx)
		return nil, fmt.Errorf("configure ledger: %w", err)
	}
	svc, err := service.New(cfg, service.Deps{Store: store, Ledger: l, Logger: logger, Metrics: recorder})
	if err != nil {
		_ = store.Close(ctx)
		return nil, fmt.Errorf("build service: %w", err)
	}
	return &app{cfg: cfg, loader: loader, logger: logger, recorder: recorder, store: store, svc: svc}, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.svc.Close(ctx); err != nil {
		a.logger.Error("shutdown failed", slog.Any("error", err))
	}
}

// buildBacking opens the configured durable backing. A nil result leaves the
// store memory-only, which is also the fallback when the backing cannot be
// opened.
func buildBacking(logger *slog.Logger, cfg config.CacheConfig) cache.Backing {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	var (
		backing cache.Backing
		target  string
		err     error
	)
	switch backend {
	case "", "memory":
		logger.Info("using memory cache", slog.Duration("hard_max_age", cfg.HardMaxAge))
		return nil
	case "leveldb":
		target = cfg.LevelDB.Path
		backing, err = cache.NewLevelDB(cfg.LevelDB.Path)
	case "sqlite":
		target = cfg.SQLite.Path
		backing, err = cache.NewSQLite(cfg.SQLite.Path)
	case "redis":
		target = cfg.Redis.Address
		backing, err = cache.NewRedis(cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
			Retention: cfg.HardMaxAge,
		})
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return nil
	}
	if err != nil {
		logger.Error("cache backing initialization failed", slog.String("backend", backend), slog.Any("error", err))
		logger.Info("falling back to memory cache")
		return nil
	}
	logger.Info("using durable cache backing", slog.String("backend", backend), slog.String("target", target))
	return backing
}

func buildLedger(logger *slog.Logger, cfg config.LedgerConfig) (ledger.Ledger, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		logger.Warn("no ledger endpoint configured, discovery runs against an empty ledger")
		return ledger.NewMemory(), nil
	}
	h, err := ledger.NewHTTP(ledger.HTTPConfig{Endpoint: cfg.Endpoint, Timeout: cfg.Timeout})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func checkFormat(format string) error {
	switch format {
	case "json", "yaml":
		return nil
	}
	return fmt.Errorf("unsupported output format %q (want json or yaml)", format)
}

func writeOutput(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return checkFormat(format)
}
