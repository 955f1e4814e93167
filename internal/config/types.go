package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every process-level option plus the gateway list once the
// optional gateways file has been merged in.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Cache     CacheConfig     `koanf:"cache"`
	Gateways  GatewaysConfig  `koanf:"gateways"`
	Content   ContentConfig   `koanf:"content"`
	Discovery DiscoveryConfig `koanf:"discovery"`
	Ledger    LedgerConfig    `koanf:"ledger"`

	// InlineGateways keeps the endpoints declared directly in the config
	// document so a gateways file reload can re-merge them.
	InlineGateways []GatewayEndpointConfig `koanf:"-"`
	// GatewaySources records which documents contributed gateway endpoints.
	GatewaySources []string `koanf:"-"`
	// SkippedGateways captures endpoints the loader quarantined (duplicates,
	// empty templates).
	SkippedGateways []DefinitionSkip `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs of the HTTP surface.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CacheConfig selects the durable backing for the TTL cache store.
type CacheConfig struct {
	Backend       string        `koanf:"backend"`
	HardMaxAge    time.Duration `koanf:"hardMaxAge"`
	SweepInterval time.Duration `koanf:"sweepInterval"`
	LevelDB       LevelDBConfig `koanf:"leveldb"`
	SQLite        SQLiteConfig  `koanf:"sqlite"`
	Redis         RedisConfig   `koanf:"redis"`
}

type LevelDBConfig struct {
	Path string `koanf:"path"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type RedisConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// GatewaysConfig lists the ranked mirror templates and the per-attempt
// transport limits shared by every gateway request.
type GatewaysConfig struct {
	File           string                  `koanf:"file"`
	Endpoints      []GatewayEndpointConfig `koanf:"endpoints"`
	AttemptTimeout time.Duration           `koanf:"attemptTimeout"`
	RateLimit      float64                 `koanf:"rateLimit"`
	RateBurst      int                     `koanf:"rateBurst"`
	MaxBodyBytes   int64                   `koanf:"maxBodyBytes"`
	UserAgent      string                  `koanf:"userAgent"`
	ProbeDirect    bool                    `koanf:"probeDirect"`
}

// GatewayEndpointConfig describes one mirror. Priority is the list position.
type GatewayEndpointConfig struct {
	Name     string   `koanf:"name"`
	Template string   `koanf:"template"`
	Schemes  []string `koanf:"schemes"`
}

// ContentConfig drives the content resolution TTLs.
type ContentConfig struct {
	SuccessTTL         time.Duration `koanf:"successTTL"`
	FailureTTL         time.Duration `koanf:"failureTTL"`
	MaxTTL             time.Duration `koanf:"maxTTL"`
	FollowCacheControl bool          `koanf:"followCacheControl"`
	RefreshTimeout     time.Duration `koanf:"refreshTimeout"`
}

// DiscoveryConfig drives the batch scanner and its result cache.
type DiscoveryConfig struct {
	BatchSize        int           `koanf:"batchSize"`
	FailureThreshold int           `koanf:"failureThreshold"`
	StartIndex       uint64        `koanf:"startIndex"`
	SafetyMargin     uint64        `koanf:"safetyMargin"`
	MaxSafetyMargin  uint64        `koanf:"maxSafetyMargin"`
	DefaultBound     uint64        `koanf:"defaultBound"`
	CheckTimeout     time.Duration `koanf:"checkTimeout"`
	Freshness        time.Duration `koanf:"freshness"`
	AbortedFreshness time.Duration `koanf:"abortedFreshness"`
	RecordTTL        time.Duration `koanf:"recordTTL"`
	MissingTTL       time.Duration `koanf:"missingTTL"`
	RefreshTimeout   time.Duration `koanf:"refreshTimeout"`
	BackgroundTasks  int           `koanf:"backgroundTasks"`
}

// LedgerConfig points at the indexer exposing the append-only ledger.
type LedgerConfig struct {
	Endpoint string        `koanf:"endpoint"`
	Timeout  time.Duration `koanf:"timeout"`
}

// DefinitionSkip describes a gateway endpoint the loader intentionally ignored
// because it violated invariants (for example duplicate names across
// documents).
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if err := c.Cache.validate(); err != nil {
		return err
	}
	if c.Gateways.AttemptTimeout <= 0 {
		return fmt.Errorf("config: gateways.attemptTimeout invalid: %s", c.Gateways.AttemptTimeout)
	}
	if c.Gateways.RateLimit < 0 || c.Gateways.RateBurst < 0 {
		return errors.New("config: gateways rate limit must not be negative")
	}
	for i, gw := range c.Gateways.Endpoints {
		if strings.TrimSpace(gw.Template) == "" {
			return fmt.Errorf("config: gateways.endpoints[%d] template required", i)
		}
	}
	if c.Content.SuccessTTL <= 0 {
		return fmt.Errorf("config: content.successTTL invalid: %s", c.Content.SuccessTTL)
	}
	if c.Content.FailureTTL <= 0 || c.Content.FailureTTL >= c.Content.SuccessTTL {
		return fmt.Errorf("config: content.failureTTL must be positive and shorter than successTTL (%s >= %s)", c.Content.FailureTTL, c.Content.SuccessTTL)
	}
	if err := c.Discovery.validate(); err != nil {
		return err
	}
	return nil
}

func (c CacheConfig) validate() error {
	if c.HardMaxAge <= 0 {
		return fmt.Errorf("config: cache.hardMaxAge invalid: %s", c.HardMaxAge)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("config: cache.sweepInterval invalid: %s", c.SweepInterval)
	}
	switch strings.TrimSpace(strings.ToLower(c.Backend)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Redis.Address) == "" {
			return errors.New("config: cache.redis.address required for redis backend")
		}
	case "leveldb":
		if strings.TrimSpace(c.LevelDB.Path) == "" {
			return errors.New("config: cache.leveldb.path required for leveldb backend")
		}
	case "sqlite":
		if strings.TrimSpace(c.SQLite.Path) == "" {
			return errors.New("config: cache.sqlite.path required for sqlite backend")
		}
	default:
		return fmt.Errorf("config: cache.backend unsupported: %s", c.Backend)
	}
	return nil
}

func (d DiscoveryConfig) validate() error {
	if d.BatchSize <= 0 {
		return fmt.Errorf("config: discovery.batchSize invalid: %d", d.BatchSize)
	}
	if d.FailureThreshold <= 0 {
		return fmt.Errorf("config: discovery.failureThreshold invalid: %d", d.FailureThreshold)
	}
	if d.StartIndex == 0 {
		return errors.New("config: discovery.startIndex must be at least 1")
	}
	if d.MaxSafetyMargin > 0 && d.SafetyMargin > d.MaxSafetyMargin {
		return fmt.Errorf("config: discovery.safetyMargin %d exceeds maxSafetyMargin %d", d.SafetyMargin, d.MaxSafetyMargin)
	}
	if d.Freshness <= 0 {
		return fmt.Errorf("config: discovery.freshness invalid: %s", d.Freshness)
	}
	if d.AbortedFreshness <= 0 || d.AbortedFreshness > d.Freshness {
		return fmt.Errorf("config: discovery.abortedFreshness must be positive and no longer than freshness")
	}
	if d.CheckTimeout <= 0 {
		return fmt.Errorf("config: discovery.checkTimeout invalid: %s", d.CheckTimeout)
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
		Cache: CacheConfig{
			Backend:       "memory",
			HardMaxAge:    24 * time.Hour,
			SweepInterval: 10 * time.Minute,
		},
		Gateways: GatewaysConfig{
			Endpoints: []GatewayEndpointConfig{
				{Name: "ipfs.io", Template: "https://ipfs.io/ipfs/{{ .Hash }}{{ .Path }}", Schemes: []string{"ipfs"}},
				{Name: "dweb", Template: "https://dweb.link/ipfs/{{ .Hash }}{{ .Path }}", Schemes: []string{"ipfs"}},
				{Name: "arweave", Template: "https://arweave.net/{{ .Hash }}{{ .Path }}", Schemes: []string{"ar"}},
			},
			AttemptTimeout: 5 * time.Second,
			RateLimit:      20,
			RateBurst:      10,
			MaxBodyBytes:   4 << 20,
			UserAgent:      "ledgerlens/1.0",
			ProbeDirect:    true,
		},
		Content: ContentConfig{
			SuccessTTL:         time.Hour,
			FailureTTL:         2 * time.Minute,
			FollowCacheControl: false,
			RefreshTimeout:     30 * time.Second,
		},
		Discovery: DiscoveryConfig{
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
			RefreshTimeout:   2 * time.Minute,
			BackgroundTasks:  8,
		},
		Ledger: LedgerConfig{
			Timeout: 10 * time.Second,
		},
	}
}
