// Package config loads syncache settings from YAML or TOML files and turns
// them into store, query and optimistic-manager options.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Format selects the file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// ProviderKind names a byte store under the cache.
type ProviderKind string

const (
	ProviderMemory    ProviderKind = "memory"
	ProviderRistretto ProviderKind = "ristretto"
	ProviderBigCache  ProviderKind = "bigcache"
	ProviderRedis     ProviderKind = "redis"
)

// Duration is a time.Duration written as "1m30s" in config files.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

type RistrettoConfig struct {
	NumCounters int64 `yaml:"num_counters" toml:"num_counters"`
	MaxCost     int64 `yaml:"max_cost" toml:"max_cost"`
	BufferItems int64 `yaml:"buffer_items" toml:"buffer_items"`
	Metrics     bool  `yaml:"metrics" toml:"metrics"`
}

type BigCacheConfig struct {
	LifeWindow         Duration `yaml:"life_window" toml:"life_window"`
	CleanWindow        Duration `yaml:"clean_window" toml:"clean_window"`
	MaxEntriesInWindow int      `yaml:"max_entries_in_window" toml:"max_entries_in_window"`
	MaxEntrySize       int      `yaml:"max_entry_size" toml:"max_entry_size"`
	HardMaxCacheSizeMB int      `yaml:"hard_max_cache_size_mb" toml:"hard_max_cache_size_mb"`
}

// RedisConfig is shared by the redis provider and the redis generation store.
type RedisConfig struct {
	Addr     string   `yaml:"addr" toml:"addr"`
	Username string   `yaml:"username" toml:"username"`
	Password string   `yaml:"password" toml:"password"`
	DB       int      `yaml:"db" toml:"db"`
	GenTTL   Duration `yaml:"gen_ttl" toml:"gen_ttl"` // generation key lifetime; 0 = no expiry
}

type ProviderConfig struct {
	Kind      ProviderKind    `yaml:"kind" toml:"kind"`
	Ristretto RistrettoConfig `yaml:"ristretto" toml:"ristretto"`
	BigCache  BigCacheConfig  `yaml:"bigcache" toml:"bigcache"`
	Redis     RedisConfig     `yaml:"redis" toml:"redis"`
}

type StoreConfig struct {
	Namespace     string         `yaml:"namespace" toml:"namespace"`
	DefaultTTL    Duration       `yaml:"default_ttl" toml:"default_ttl"`
	SweepInterval Duration       `yaml:"sweep_interval" toml:"sweep_interval"`
	GenRetention  Duration       `yaml:"gen_retention" toml:"gen_retention"`
	Provider      ProviderConfig `yaml:"provider" toml:"provider"`
}

type QueryConfig struct {
	TTL                  Duration `yaml:"ttl" toml:"ttl"`
	StaleWhileRevalidate *bool    `yaml:"stale_while_revalidate" toml:"stale_while_revalidate"` // nil = on
	RetryOnError         bool     `yaml:"retry_on_error" toml:"retry_on_error"`
	MaxRetries           int      `yaml:"max_retries" toml:"max_retries"`
	BaseDelay            Duration `yaml:"base_delay" toml:"base_delay"`
	MaxDelay             Duration `yaml:"max_delay" toml:"max_delay"`
	FetchTimeout         Duration `yaml:"fetch_timeout" toml:"fetch_timeout"`
	PollInterval         Duration `yaml:"poll_interval" toml:"poll_interval"`
}

type OptimisticConfig struct {
	ConfirmTimeout Duration `yaml:"confirm_timeout" toml:"confirm_timeout"`
	RollbackGrace  Duration `yaml:"rollback_grace" toml:"rollback_grace"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug, info, warn, error
	Format string `yaml:"format" toml:"format"` // json or console
}

// Config mirrors the expected file schema.
type Config struct {
	Store      StoreConfig      `yaml:"store" toml:"store"`
	Query      QueryConfig      `yaml:"query" toml:"query"`
	Optimistic OptimisticConfig `yaml:"optimistic" toml:"optimistic"`
	Log        LogConfig        `yaml:"log" toml:"log"`
}

// Load reads and validates a config file. The format follows the extension:
// .yaml/.yml or .toml.
func Load(path string) (Config, error) {
	format, err := formatOf(path)
	if err != nil {
		return Config{}, err
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	cfg, err := Parse(data, format)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data in the given format. Unknown keys are rejected.
func Parse(data []byte, format Format) (Config, error) {
	var cfg Config
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, err
		}
	case FormatTOML:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, err
		}
	default:
		return Config{}, fmt.Errorf("unsupported format %q", format)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func formatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("%s: unknown config extension (want .yaml, .yml or .toml)", path)
	}
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	if c.Store.Namespace == "" {
		errs = append(errs, errors.New("store.namespace is required"))
	}
	for _, f := range []struct {
		name string
		d    Duration
	}{
		{"store.default_ttl", c.Store.DefaultTTL},
		{"store.gen_retention", c.Store.GenRetention},
		{"query.ttl", c.Query.TTL},
		{"query.base_delay", c.Query.BaseDelay},
		{"query.max_delay", c.Query.MaxDelay},
		{"query.fetch_timeout", c.Query.FetchTimeout},
		{"query.poll_interval", c.Query.PollInterval},
		{"optimistic.confirm_timeout", c.Optimistic.ConfirmTimeout},
		{"optimistic.rollback_grace", c.Optimistic.RollbackGrace},
	} {
		if f.d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", f.name))
		}
	}
	if c.Query.MaxRetries < 0 {
		errs = append(errs, errors.New("query.max_retries must not be negative"))
	}
	if c.Query.BaseDelay > 0 && c.Query.MaxDelay > 0 && c.Query.MaxDelay < c.Query.BaseDelay {
		errs = append(errs, errors.New("query.max_delay must be >= query.base_delay"))
	}

	p := c.Store.Provider
	switch p.Kind {
	case "", ProviderMemory:
	case ProviderRistretto:
		r := p.Ristretto
		if r.NumCounters <= 0 || r.MaxCost <= 0 || r.BufferItems <= 0 {
			errs = append(errs, errors.New("provider.ristretto: num_counters, max_cost and buffer_items must be positive"))
		}
	case ProviderBigCache:
		if p.BigCache.LifeWindow <= 0 {
			errs = append(errs, errors.New("provider.bigcache.life_window is required"))
		}
	case ProviderRedis:
		if p.Redis.Addr == "" {
			errs = append(errs, errors.New("provider.redis.addr is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("provider.kind %q is not one of memory, ristretto, bigcache, redis", p.Kind))
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is invalid", c.Log.Level))
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is invalid", c.Log.Format))
	}
	return errors.Join(errs...)
}
