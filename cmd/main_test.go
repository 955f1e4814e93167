package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/l0p7/ledgerlens/internal/cache"
	"github.com/l0p7/ledgerlens/internal/config"
	"github.com/l0p7/ledgerlens/internal/ledger"
	"github.com/l0p7/ledgerlens/internal/service"
)

const (
	testCID       = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"
	testEnvPrefix = "LEDGERLENS_CMD_TEST"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestBuildBacking(t *testing.T) {
	tests := []struct {
		name    string
		cfg     func(t *testing.T) config.CacheConfig
		durable bool
	}{
		{
			name: "defaults to memory",
			cfg: func(*testing.T) config.CacheConfig {
				return config.CacheConfig{HardMaxAge: time.Hour}
			},
		},
		{
			name: "unsupported backend falls back to memory",
			cfg: func(*testing.T) config.CacheConfig {
				return config.CacheConfig{Backend: "memcached", HardMaxAge: time.Hour}
			},
		},
		{
			name: "constructs leveldb backing",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{Backend: "leveldb", HardMaxAge: time.Hour, LevelDB: config.LevelDBConfig{Path: filepath.Join(t.TempDir(), "cache.ldb")}}
			},
			durable: true,
		},
		{
			name: "constructs sqlite backing",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{Backend: "SQLite", HardMaxAge: time.Hour, SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "cache.db")}}
			},
			durable: true,
		},
		{
			name: "constructs redis backing",
			cfg: func(t *testing.T) config.CacheConfig {
				server, err := miniredis.Run()
				if err != nil {
					if strings.Contains(err.Error(), "operation not permitted") {
						t.Skip("miniredis unavailable in sandbox")
					}
					require.NoError(t, err)
				}
				t.Cleanup(server.Close)
				return config.CacheConfig{Backend: "redis", HardMaxAge: time.Hour, Redis: config.RedisConfig{Address: server.Addr()}}
			},
			durable: true,
		},
		{
			name: "unreachable redis falls back to memory",
			cfg: func(*testing.T) config.CacheConfig {
				return config.CacheConfig{Backend: "redis", HardMaxAge: time.Hour, Redis: config.RedisConfig{Address: "127.0.0.1:1"}}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			backing := buildBacking(newTestLogger(), tc.cfg(t))
			if !tc.durable {
				require.Nil(t, backing)
				return
			}
			require.NotNil(t, backing)

			store := cache.NewStore(cache.Options{Backing: backing, HardMaxAge: time.Hour})
			t.Cleanup(func() { require.NoError(t, store.Close(context.Background())) })
			ctx := context.Background()
			store.Set(ctx, "record:7", []byte(`{"exists":true}`), time.Minute)
			value, ok := store.Get(ctx, "record:7")
			require.True(t, ok)
			require.JSONEq(t, `{"exists":true}`, string(value))
		})
	}
}

func TestBuildLedger(t *testing.T) {
	l, err := buildLedger(newTestLogger(), config.LedgerConfig{})
	require.NoError(t, err)
	require.IsType(t, &ledger.Memory{}, l)

	l, err = buildLedger(newTestLogger(), config.LedgerConfig{Endpoint: "http://ledger.local/v1", Timeout: time.Second})
	require.NoError(t, err)
	require.IsType(t, &ledger.HTTP{}, l)
}

func TestWriteOutput(t *testing.T) {
	value := map[string]any{"status": "completed", "checked": 5}

	var buf bytes.Buffer
	require.NoError(t, writeOutput(&buf, "json", value))
	require.JSONEq(t, `{"status":"completed","checked":5}`, buf.String())

	buf.Reset()
	require.NoError(t, writeOutput(&buf, "yaml", value))
	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, "completed", decoded["status"])
	require.Equal(t, 5, decoded["checked"])

	require.ErrorContains(t, writeOutput(&buf, "xml", value), "unsupported output format")
}

func TestRunServeLoaderError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{loadErr: errors.New("boom")}
	})

	err := runServe(context.Background(), &rootOptions{envPrefix: testEnvPrefix}, io.Discard)
	require.Error(t, err)
	require.Contains(t, err.Error(), "load configuration")
}

func TestRunServeServerConstructorError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: config.DefaultConfig()}
	})
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return nil, errors.New("construct failed")
	})

	err := runServe(context.Background(), &rootOptions{envPrefix: testEnvPrefix}, io.Discard)
	require.Error(t, err)
	require.Contains(t, err.Error(), "construct failed")
}

func TestRunServeServerRunError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: config.DefaultConfig()}
	})
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{err: errors.New("run failed")}, nil
	})

	err := runServe(context.Background(), &rootOptions{envPrefix: testEnvPrefix}, io.Discard)
	require.Error(t, err)
	require.Contains(t, err.Error(), "run failed")
}

func TestRunServeWatchesGatewaysFile(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Gateways.File = "gateways.yaml"
	stopped := false
	loader := &fakeLoader{cfg: cfg, stopped: &stopped}
	overrideConfigLoader(t, func(_, _ string) configLoader { return loader })
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{err: context.Canceled}, nil
	})

	require.NoError(t, runServe(context.Background(), &rootOptions{envPrefix: testEnvPrefix}, io.Discard))
	require.True(t, loader.watchSeen)
	require.True(t, stopped, "watcher must be stopped on shutdown")
}

func TestRunServeSurvivesWatcherFailure(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Gateways.File = "gateways.yaml"
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: cfg, watchErr: errors.New("inotify exhausted")}
	})
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{}, nil
	})

	require.NoError(t, runServe(context.Background(), &rootOptions{envPrefix: testEnvPrefix}, io.Discard))
}

func TestResolveCommand(t *testing.T) {
	gw := newGatewayServer(t, "Token")
	path := writeConfig(t, testConfig{Gateway: gw.URL})

	out, err := execute(t, "--config", path, "resolve", "ipfs://"+testCID)
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	require.Equal(t, "local", payload["source"])
	require.Equal(t, false, payload["fallback"])
	require.Equal(t, "Token", payload["metadata"].(map[string]any)["name"])

	out, err = execute(t, "--config", path, "resolve", "ipfs://"+testCID, "-o", "yaml")
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &decoded))
	require.Equal(t, "local", decoded["source"])
	require.Equal(t, "structured", decoded["kind"])
}

func TestResolveCommandReportsFallback(t *testing.T) {
	path := writeConfig(t, testConfig{})

	out, err := execute(t, "--config", path, "resolve", "not an identifier")
	require.ErrorIs(t, err, errContentUnavailable)
	require.Contains(t, out, `"fallback": true`)

	_, err = execute(t, "--config", path, "resolve", "ipfs://"+testCID, "-o", "toml")
	require.ErrorContains(t, err, "unsupported output format")
}

func TestDiscoverCommand(t *testing.T) {
	gw := newGatewayServer(t, "Token")
	records := testRecords(6)
	led := newLedgerServer(t, records)
	path := writeConfig(t, testConfig{Gateway: gw.URL, Ledger: led.URL})

	out, err := execute(t, "--config", path, "discover", "--predicate", "record.listed", "--stat", "record.price")
	require.NoError(t, err)
	var result struct {
		Status  string           `json:"status"`
		Reason  string           `json:"reason"`
		Matches []map[string]any `json:"matches"`
		Stats   struct {
			Matches int     `json:"matches"`
			Min     float64 `json:"min"`
			Max     float64 `json:"max"`
		} `json:"stats"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Equal(t, "completed", result.Status)
	require.Equal(t, "end_of_ledger", result.Reason)
	require.Len(t, result.Matches, 3)
	require.Equal(t, 3, result.Stats.Matches)
	require.Equal(t, 2.0, result.Stats.Min)
	require.Equal(t, 6.0, result.Stats.Max)
	require.Equal(t, "Token", result.Matches[0]["content"].(map[string]any)["metadata"].(map[string]any)["name"])

	out, err = execute(t, "--config", path, "discover", "--predicate", "index > 4", "-o", "yaml")
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &decoded))
	require.Equal(t, "completed", decoded["status"])
	require.Len(t, decoded["matches"], 2)
}

func TestDiscoverCommandRejectsInvalidQueries(t *testing.T) {
	path := writeConfig(t, testConfig{})

	_, err := execute(t, "--config", path, "discover")
	require.ErrorContains(t, err, "predicate")

	_, err = execute(t, "--config", path, "discover", "--predicate", "record.listed &&")
	require.Error(t, err)
}

func TestDurableCacheAcrossCommands(t *testing.T) {
	led := newLedgerServer(t, testRecords(4))
	path := writeConfig(t, testConfig{Ledger: led.URL, SQLite: filepath.Join(t.TempDir(), "cache.db")})
	args := []string{"--config", path, "discover", "--predicate", "record.listed"}

	out, err := execute(t, args...)
	require.NoError(t, err)
	require.Contains(t, out, `"cached": false`)

	out, err = execute(t, args...)
	require.NoError(t, err)
	require.Contains(t, out, `"cached": true`)

	out, err = execute(t, "--config", path, "invalidate", "discovery")
	require.NoError(t, err)
	require.Equal(t, "invalidated discovery\n", out)

	out, err = execute(t, args...)
	require.NoError(t, err)
	require.Contains(t, out, `"cached": false`)

	_, err = execute(t, "--config", path, "invalidate", "bogus")
	require.ErrorIs(t, err, service.ErrUnknownScope)
}

// execute runs the root command in-process and returns what it wrote to stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append([]string{"--env-prefix", testEnvPrefix}, args...))
	err := root.ExecuteContext(context.Background())
	return stdout.String(), err
}

type testConfig struct {
	Gateway      string
	GatewaysFile string
	Ledger       string
	SQLite       string
	Port         int
}

func writeConfig(t *testing.T, tc testConfig) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("server:\n  logging:\n    level: error\n")
	if tc.Port != 0 {
		fmt.Fprintf(&b, "  listen:\n    address: 127.0.0.1\n    port: %d\n", tc.Port)
	}
	b.WriteString("gateways:\n  rateLimit: 0\n  attemptTimeout: 2s\n")
	if tc.GatewaysFile != "" {
		fmt.Fprintf(&b, "  file: %s\n", tc.GatewaysFile)
	}
	if tc.Gateway != "" {
		fmt.Fprintf(&b, "  endpoints:\n    - name: local\n      template: %q\n      schemes: [ipfs]\n", tc.Gateway+"/ipfs/{{ .Hash }}{{ .Path }}")
	} else {
		b.WriteString("  endpoints: []\n")
	}
	if tc.Ledger != "" {
		fmt.Fprintf(&b, "ledger:\n  endpoint: %s\n  timeout: 2s\n", tc.Ledger)
	}
	if tc.SQLite != "" {
		fmt.Fprintf(&b, "cache:\n  backend: sqlite\n  sqlite:\n    path: %s\n", tc.SQLite)
	}

	path := filepath.Join(t.TempDir(), "ledgerlens.yaml")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
	return path
}

func testRecords(n int) []map[string]any {
	records := make([]map[string]any, n)
	for i := range records {
		records[i] = map[string]any{
			"tokenURI": "ipfs://" + testCID,
			"listed":   (i+1)%2 == 0,
			"price":    i + 1,
		}
	}
	return records
}

// newLedgerServer serves records over the JSON layout ledger.HTTP reads.
func newLedgerServer(t *testing.T, records []map[string]any) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /count", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"count":%d}`, len(records))
	})
	mux.HandleFunc("GET /records/{index}", func(w http.ResponseWriter, r *http.Request) {
		index, err := strconv.Atoi(r.PathValue("index"))
		if err != nil || index < 1 || index > len(records) {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(records[index-1])
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newGatewayServer(t *testing.T, name string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/ipfs/"+testCID) {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"name":%q,"description":"served by %s"}`, name, name)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func overrideConfigLoader(t *testing.T, fn func(string, string) configLoader) {
	original := newConfigLoader
	newConfigLoader = fn
	t.Cleanup(func() { newConfigLoader = original })
}

func overrideHTTPServer(t *testing.T, fn func(config.Config, *slog.Logger, http.Handler) (runnableServer, error)) {
	original := newHTTPServer
	newHTTPServer = fn
	t.Cleanup(func() { newHTTPServer = original })
}

type fakeLoader struct {
	cfg       config.Config
	loadErr   error
	watchErr  error
	stopped   *bool
	watchSeen bool
}

func (f *fakeLoader) Load(context.Context) (config.Config, error) {
	if f.loadErr != nil {
		return config.Config{}, f.loadErr
	}
	return f.cfg, nil
}

func (f *fakeLoader) WatchGateways(_ context.Context, cfg config.Config, onChange func(config.GatewayBundle), _ func(error)) (gatewayWatcher, error) {
	f.watchSeen = true
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	onChange(config.GatewayBundle{Endpoints: cfg.Gateways.Endpoints, Sources: []string{cfg.Gateways.File}})
	return &noOpWatcher{stopped: f.stopped}, nil
}

type noOpWatcher struct {
	stopped *bool
}

func (n *noOpWatcher) Stop() {
	if n.stopped != nil {
		*n.stopped = true
	}
}

type stubServer struct {
	err error
}

func (s *stubServer) Run(context.Context) error {
	return s.err
}
