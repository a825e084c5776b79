// Package keylock serializes work on the same key while letting different
// keys proceed in parallel. Keys hash onto a fixed set of mutexes, so two keys
// may occasionally share one.
package keylock

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultStripes = 256

type Striped struct {
	mask  uint64
	locks []sync.Mutex
}

// New returns n stripes, rounded up to a power of two. n <= 0 uses 256.
func New(n int) *Striped {
	if n <= 0 {
		n = defaultStripes
	}
	size := 1
	for size < n {
		size <<= 1
	}
	return &Striped{mask: uint64(size - 1), locks: make([]sync.Mutex, size)}
}

// Lock locks key's stripe and returns the matching unlock.
func (s *Striped) Lock(key string) (unlock func()) {
	m := &s.locks[xxhash.Sum64String(key)&s.mask]
	m.Lock()
	return m.Unlock
}
