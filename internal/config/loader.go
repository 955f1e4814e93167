package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence rules
// and merges the optional gateways file behind the inline endpoints.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}
	canonical := make(map[string]string)
	for _, key := range k.Keys() {
		canonical[strings.ToLower(key)] = key
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (CACHE__REDIS__ADDRESS -> cache.redis.address).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(lower, "_", "")
			if mapped, ok := canonical[key]; ok {
				return mapped
			}
			return key
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlineGateways = cloneGateways(cfg.Gateways.Endpoints)

	bundle, err := buildGatewayBundle(ctx, cfg.InlineGateways, cfg.Gateways.File)
	if err != nil {
		return Config{}, err
	}
	cfg.Gateways.Endpoints = bundle.Endpoints
	cfg.GatewaySources = bundle.Sources
	cfg.SkippedGateways = bundle.Skipped
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	endpoints := make([]any, 0, len(cfg.Gateways.Endpoints))
	for _, gw := range cfg.Gateways.Endpoints {
		schemes := make([]any, 0, len(gw.Schemes))
		for _, s := range gw.Schemes {
			schemes = append(schemes, s)
		}
		endpoints = append(endpoints, map[string]any{
			"name":     gw.Name,
			"template": gw.Template,
			"schemes":  schemes,
		})
	}
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
		},
		"cache": map[string]any{
			"backend":       cfg.Cache.Backend,
			"hardMaxAge":    cfg.Cache.HardMaxAge,
			"sweepInterval": cfg.Cache.SweepInterval,
			"leveldb": map[string]any{
				"path": cfg.Cache.LevelDB.Path,
			},
			"sqlite": map[string]any{
				"path": cfg.Cache.SQLite.Path,
			},
			"redis": map[string]any{
				"address":  cfg.Cache.Redis.Address,
				"username": cfg.Cache.Redis.Username,
				"password": cfg.Cache.Redis.Password,
				"db":       cfg.Cache.Redis.DB,
				"tls": map[string]any{
					"enabled": cfg.Cache.Redis.TLS.Enabled,
					"caFile":  cfg.Cache.Redis.TLS.CAFile,
				},
			},
		},
		"gateways": map[string]any{
			"file":           cfg.Gateways.File,
			"endpoints":      endpoints,
			"attemptTimeout": cfg.Gateways.AttemptTimeout,
			"rateLimit":      cfg.Gateways.RateLimit,
			"rateBurst":      cfg.Gateways.RateBurst,
			"maxBodyBytes":   cfg.Gateways.MaxBodyBytes,
			"userAgent":      cfg.Gateways.UserAgent,
			"probeDirect":    cfg.Gateways.ProbeDirect,
		},
		"content": map[string]any{
			"successTTL":         cfg.Content.SuccessTTL,
			"failureTTL":         cfg.Content.FailureTTL,
			"maxTTL":             cfg.Content.MaxTTL,
			"followCacheControl": cfg.Content.FollowCacheControl,
			"refreshTimeout":     cfg.Content.RefreshTimeout,
		},
		"discovery": map[string]any{
			"batchSize":        cfg.Discovery.BatchSize,
			"failureThreshold": cfg.Discovery.FailureThreshold,
			"startIndex":       cfg.Discovery.StartIndex,
			"safetyMargin":     cfg.Discovery.SafetyMargin,
			"maxSafetyMargin":  cfg.Discovery.MaxSafetyMargin,
			"defaultBound":     cfg.Discovery.DefaultBound,
			"checkTimeout":     cfg.Discovery.CheckTimeout,
			"freshness":        cfg.Discovery.Freshness,
			"abortedFreshness": cfg.Discovery.AbortedFreshness,
			"recordTTL":        cfg.Discovery.RecordTTL,
			"missingTTL":       cfg.Discovery.MissingTTL,
			"refreshTimeout":   cfg.Discovery.RefreshTimeout,
			"backgroundTasks":  cfg.Discovery.BackgroundTasks,
		},
		"ledger": map[string]any{
			"endpoint": cfg.Ledger.Endpoint,
			"timeout":  cfg.Ledger.Timeout,
		},
	}
}
