package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/unkn0wn-root/syncache/provider/bigcache"
	"github.com/unkn0wn-root/syncache/provider/memory"
	"github.com/unkn0wn-root/syncache/provider/ristretto"
)

const yamlDoc = `
store:
  namespace: app:tasks
  default_ttl: 2m
  sweep_interval: 30s
  provider:
    kind: ristretto
    ristretto:
      num_counters: 10000
      max_cost: 1048576
      buffer_items: 64
query:
  ttl: 1m
  stale_while_revalidate: false
  retry_on_error: true
  max_retries: 4
  base_delay: 250ms
  max_delay: 5s
  fetch_timeout: 3s
  poll_interval: 15s
optimistic:
  confirm_timeout: 2s
  rollback_grace: 5s
log:
  level: debug
  format: console
`

const tomlDoc = `
[store]
namespace = "app:tasks"
default_ttl = "2m"
sweep_interval = "30s"

[store.provider]
kind = "ristretto"

[store.provider.ristretto]
num_counters = 10000
max_cost = 1048576
buffer_items = 64

[query]
ttl = "1m"
stale_while_revalidate = false
retry_on_error = true
max_retries = 4
base_delay = "250ms"
max_delay = "5s"
fetch_timeout = "3s"
poll_interval = "15s"

[optimistic]
confirm_timeout = "2s"
rollback_grace = "5s"

[log]
level = "debug"
format = "console"
`

func wantConfig() Config {
	off := false
	return Config{
		Store: StoreConfig{
			Namespace:     "app:tasks",
			DefaultTTL:    Duration(2 * time.Minute),
			SweepInterval: Duration(30 * time.Second),
			Provider: ProviderConfig{
				Kind:      ProviderRistretto,
				Ristretto: RistrettoConfig{NumCounters: 10000, MaxCost: 1 << 20, BufferItems: 64},
			},
		},
		Query: QueryConfig{
			TTL:                  Duration(time.Minute),
			StaleWhileRevalidate: &off,
			RetryOnError:         true,
			MaxRetries:           4,
			BaseDelay:            Duration(250 * time.Millisecond),
			MaxDelay:             Duration(5 * time.Second),
			FetchTimeout:         Duration(3 * time.Second),
			PollInterval:         Duration(15 * time.Second),
		},
		Optimistic: OptimisticConfig{
			ConfirmTimeout: Duration(2 * time.Second),
			RollbackGrace:  Duration(5 * time.Second),
		},
		Log: LogConfig{Level: "debug", Format: "console"},
	}
}

func TestParse_YAMLAndTOMLAgree(t *testing.T) {
	for _, tc := range []struct {
		format Format
		doc    string
	}{
		{FormatYAML, yamlDoc},
		{FormatTOML, tomlDoc},
	} {
		t.Run(string(tc.format), func(t *testing.T) {
			got, err := Parse([]byte(tc.doc), tc.format)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if diff := cmp.Diff(wantConfig(), got); diff != "" {
				t.Fatalf("config (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoad_ByExtension(t *testing.T) {
	dir := t.TempDir()
	for name, doc := range map[string]string{"c.yml": yamlDoc, "c.toml": tomlDoc} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		got, err := Load(path)
		if err != nil {
			t.Fatalf("Load %s: %v", name, err)
		}
		if got.Store.Namespace != "app:tasks" {
			t.Fatalf("%s: namespace=%q", name, got.Store.Namespace)
		}
	}

	if _, err := Load(filepath.Join(dir, "c.json")); err == nil || !strings.Contains(err.Error(), "extension") {
		t.Fatalf("json err=%v", err)
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected read error")
	}
}

func TestParse_Rejects(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown key", "store:\n  namespace: x\n  ttl: 1m\n", "ttl"},
		{"bad duration", "store:\n  namespace: x\n  default_ttl: soon\n", "duration"},
		{"missing namespace", "query:\n  ttl: 1m\n", "store.namespace is required"},
		{"negative", "store:\n  namespace: x\nquery:\n  max_retries: -1\n", "max_retries"},
		{"delay order", "store:\n  namespace: x\nquery:\n  base_delay: 2s\n  max_delay: 1s\n", "max_delay"},
		{"bigcache window", "store:\n  namespace: x\n  provider:\n    kind: bigcache\n", "life_window"},
		{"redis addr", "store:\n  namespace: x\n  provider:\n    kind: redis\n", "addr"},
		{"kind", "store:\n  namespace: x\n  provider:\n    kind: etcd\n", "etcd"},
		{"log level", "store:\n  namespace: x\nlog:\n  level: loud\n", "log.level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc), FormatYAML)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestStoreOptions_Providers(t *testing.T) {
	ctx := context.Background()

	cfg := Config{Store: StoreConfig{Namespace: "n", DefaultTTL: Duration(time.Minute)}}
	opts, err := cfg.StoreOptions(ctx)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := opts.Provider.(*memory.Provider); !ok || opts.GenStore != nil || opts.DefaultTTL != time.Minute {
		t.Fatalf("memory opts=%+v", opts)
	}

	cfg.Store.Provider = ProviderConfig{Kind: ProviderRistretto, Ristretto: RistrettoConfig{NumCounters: 100, MaxCost: 1000, BufferItems: 64}}
	opts, err = cfg.StoreOptions(ctx)
	if err != nil {
		t.Fatalf("ristretto: %v", err)
	}
	if _, ok := opts.Provider.(*ristretto.Provider); !ok {
		t.Fatalf("provider=%T", opts.Provider)
	}
	_ = opts.Provider.Close(ctx)

	cfg.Store.Provider = ProviderConfig{Kind: ProviderBigCache, BigCache: BigCacheConfig{LifeWindow: Duration(time.Minute)}}
	opts, err = cfg.StoreOptions(ctx)
	if err != nil {
		t.Fatalf("bigcache: %v", err)
	}
	if _, ok := opts.Provider.(*bigcache.Provider); !ok {
		t.Fatalf("provider=%T", opts.Provider)
	}
	_ = opts.Provider.Close(ctx)
}

func TestQueryAndOptimisticOptions(t *testing.T) {
	c := wantConfig()
	q := QueryOptionsFor[string](c.Query)
	if !q.DisableStaleWhileRevalidate || !q.RetryOnError || q.MaxRetries != 4 || q.BaseDelay != 250*time.Millisecond {
		t.Fatalf("query opts=%+v", q)
	}
	if QueryOptionsFor[string](QueryConfig{}).DisableStaleWhileRevalidate {
		t.Fatal("stale-while-revalidate should default on")
	}

	o := OptimisticOptionsFor[string](c.Optimistic, func(s string) string { return s }, nil)
	if o.RollbackGrace != 5*time.Second || o.ConfirmTimeout != 2*time.Second || o.ID == nil {
		t.Fatalf("optimistic opts=%+v", o)
	}
}
