package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig
	// KeyPrefix scopes every key so prefix deletes never touch foreign data.
	KeyPrefix string
	// Retention is the redis expiry applied to each entry, normally the
	// store's hard max age so stale values survive until the sweep horizon.
	Retention time.Duration
}

type redisBacking struct {
	client    valkey.Client
	keyPrefix string
	retention time.Duration
	now       Clock
}

// NewRedis connects to a redis/valkey server and verifies it with PING.
func NewRedis(cfg RedisConfig) (Backing, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "ledgerlens:"
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	return &redisBacking{client: client, keyPrefix: cfg.KeyPrefix, retention: cfg.Retention, now: time.Now}, nil
}

func (b *redisBacking) Load(ctx context.Context, key string) (Entry, bool, error) {
	resp := b.client.Do(ctx, b.client.B().Get().Key(b.keyPrefix+key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis get bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis unmarshal: %w", err)
	}
	return entry, true, nil
}

func (b *redisBacking) Save(ctx context.Context, entry Entry) error {
	expiry := entry.CreatedAt.Add(b.retention).Sub(b.now())
	if expiry <= 0 {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: redis marshal: %w", err)
	}
	cmd := b.client.B().Set().Key(b.keyPrefix + entry.Key).Value(string(payload)).Px(expiry).Build()
	if err := b.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

func (b *redisBacking) Delete(ctx context.Context, key string) error {
	if err := b.client.Do(ctx, b.client.B().Del().Key(b.keyPrefix+key).Build()).Error(); err != nil {
		return fmt.Errorf("cache: redis del: %w", err)
	}
	return nil
}

func (b *redisBacking) DeletePrefix(ctx context.Context, prefix string) error {
	pattern := escapeGlob(b.keyPrefix+prefix) + "*"
	var cursor uint64
	for {
		entry, err := b.client.Do(ctx, b.client.B().Scan().Cursor(cursor).Match(pattern).Count(200).Build()).AsScanEntry()
		if err != nil {
			return fmt.Errorf("cache: redis scan: %w", err)
		}
		if len(entry.Elements) > 0 {
			if err := b.client.Do(ctx, b.client.B().Del().Key(entry.Elements...).Build()).Error(); err != nil {
				return fmt.Errorf("cache: redis del: %w", err)
			}
		}
		cursor = entry.Cursor
		if cursor == 0 {
			return nil
		}
	}
}

// Cleanup is a no-op: redis expires entries itself via PX.
func (b *redisBacking) Cleanup(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (b *redisBacking) Close() error {
	b.client.Close()
	return nil
}

func escapeGlob(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
