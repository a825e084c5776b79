package config

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/syncache"
	gen "github.com/unkn0wn-root/syncache/genstore"
	pr "github.com/unkn0wn-root/syncache/provider"
	"github.com/unkn0wn-root/syncache/provider/bigcache"
	"github.com/unkn0wn-root/syncache/provider/memory"
	"github.com/unkn0wn-root/syncache/provider/ristretto"
	rp "github.com/unkn0wn-root/syncache/provider/redis"
)

// StoreOptions builds store options with the configured provider. With the
// redis provider the generation store lives in the same Redis, so every
// process sharing the namespace sees invalidations. Logger and Hooks are left
// for the caller.
func (c Config) StoreOptions(ctx context.Context) (syncache.StoreOptions, error) {
	opts := syncache.StoreOptions{
		Namespace:     c.Store.Namespace,
		DefaultTTL:    c.Store.DefaultTTL.D(),
		SweepInterval: c.Store.SweepInterval.D(),
		GenRetention:  c.Store.GenRetention.D(),
	}
	p, g, err := c.Store.Provider.build(ctx, c.Store.Namespace)
	if err != nil {
		return syncache.StoreOptions{}, err
	}
	opts.Provider, opts.GenStore = p, g
	return opts, nil
}

func (p ProviderConfig) build(ctx context.Context, ns string) (pr.Provider, gen.GenStore, error) {
	switch p.Kind {
	case "", ProviderMemory:
		return memory.New(nil), nil, nil
	case ProviderRistretto:
		rc, err := ristretto.New(ristretto.Config{
			NumCounters: p.Ristretto.NumCounters,
			MaxCost:     p.Ristretto.MaxCost,
			BufferItems: p.Ristretto.BufferItems,
			Metrics:     p.Ristretto.Metrics,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("provider: %w", err)
		}
		return rc, nil, nil
	case ProviderBigCache:
		bc, err := bigcache.New(ctx, bigcache.Config{
			LifeWindow:         p.BigCache.LifeWindow.D(),
			CleanWindow:        p.BigCache.CleanWindow.D(),
			MaxEntriesInWindow: p.BigCache.MaxEntriesInWindow,
			MaxEntrySize:       p.BigCache.MaxEntrySize,
			HardMaxCacheSizeMB: p.BigCache.HardMaxCacheSizeMB,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("provider: %w", err)
		}
		return bc, nil, nil
	case ProviderRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     p.Redis.Addr,
			Username: p.Redis.Username,
			Password: p.Redis.Password,
			DB:       p.Redis.DB,
		})
		rd, err := rp.New(rp.Config{Client: client, CloseClient: true})
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("provider: %w", err)
		}
		return rd, gen.NewRedisGenStore(client, ns, p.Redis.GenTTL.D()), nil
	default:
		return nil, nil, fmt.Errorf("provider: unknown kind %q", p.Kind)
	}
}

// QueryOptionsFor converts q; codec and logger are left for the caller.
func QueryOptionsFor[V any](q QueryConfig) syncache.QueryOptions[V] {
	return syncache.QueryOptions[V]{
		TTL:                         q.TTL.D(),
		DisableStaleWhileRevalidate: q.StaleWhileRevalidate != nil && !*q.StaleWhileRevalidate,
		RetryOnError:                q.RetryOnError,
		MaxRetries:                  q.MaxRetries,
		BaseDelay:                   q.BaseDelay.D(),
		MaxDelay:                    q.MaxDelay.D(),
		FetchTimeout:                q.FetchTimeout.D(),
		PollInterval:                q.PollInterval.D(),
	}
}

// OptimisticOptionsFor converts o and attaches the entity id func and mutator.
func OptimisticOptionsFor[E any](o OptimisticConfig, id func(E) string, mutate syncache.MutateFunc[E]) syncache.OptimisticOptions[E] {
	return syncache.OptimisticOptions[E]{
		ID:             id,
		Mutate:         mutate,
		ConfirmTimeout: o.ConfirmTimeout.D(),
		RollbackGrace:  o.RollbackGrace.D(),
	}
}
