package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadExampleConfig(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	projectRoot := filepath.Join(wd, "..", "..")

	t.Setenv("LEDGERLENS_GATEWAYS__FILE", filepath.Join(projectRoot, "examples", "gateways.yaml"))

	loader := NewLoader("LEDGERLENS", filepath.Join(projectRoot, "examples", "ledgerlens.yaml"))
	cfg, err := loader.Load(context.Background())
	require.NoError(t, err)

	require.Equal(t, 8090, cfg.Server.Listen.Port)
	require.Equal(t, "leveldb", cfg.Cache.Backend)
	require.Equal(t, 48*time.Hour, cfg.Cache.HardMaxAge)
	require.Equal(t, 4*time.Second, cfg.Gateways.AttemptTimeout)
	require.Equal(t, 20, cfg.Discovery.BatchSize)
	require.Equal(t, uint64(250), cfg.Discovery.DefaultBound)
	require.True(t, cfg.Content.FollowCacheControl)

	names := make([]string, 0, len(cfg.Gateways.Endpoints))
	for _, gw := range cfg.Gateways.Endpoints {
		names = append(names, gw.Name)
	}
	require.Equal(t, []string{"cloudflare", "ipfs.io", "pinata", "arweave"}, names)
	require.Len(t, cfg.GatewaySources, 2)
	require.Empty(t, cfg.SkippedGateways)
}
