// Package memory is the default in-process provider: a mutex-guarded map.
package memory

import (
	"context"
	"sync"
	"time"

	pr "github.com/unkn0wn-root/syncache/provider"
)

type item struct {
	v   []byte
	exp time.Time // zero => no TTL
}

// Provider keeps values in a map. Expired items are dropped on read.
type Provider struct {
	mu  sync.RWMutex
	m   map[string]item
	now func() time.Time
}

var _ pr.Provider = (*Provider)(nil)

// New returns an empty provider. now may be nil (time.Now).
func New(now func() time.Time) *Provider {
	if now == nil {
		now = time.Now
	}
	return &Provider{m: make(map[string]item), now: now}
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.RLock()
	it, ok := p.m[key]
	p.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !it.exp.IsZero() && !p.now().Before(it.exp) {
		p.mu.Lock()
		if cur, ok := p.m[key]; ok && cur.exp.Equal(it.exp) {
			delete(p.m, key)
		}
		p.mu.Unlock()
		return nil, false, nil
	}
	return it.v, true, nil
}

func (p *Provider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	var exp time.Time
	if ttl > 0 {
		exp = p.now().Add(ttl)
	}
	p.mu.Lock()
	p.m[key] = item{v: value, exp: exp}
	p.mu.Unlock()
	return true, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	delete(p.m, key)
	p.mu.Unlock()
	return nil
}

// Len reports stored items, expired ones included.
func (p *Provider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.m)
}

func (p *Provider) Close(_ context.Context) error {
	p.mu.Lock()
	p.m = make(map[string]item)
	p.mu.Unlock()
	return nil
}
