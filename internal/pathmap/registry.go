package pathmap

import (
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultRegistrySize = 64

// HostPair identifies a (local side, remote host) combination. Local is
// the local host name or, for per-project mappings, the project root.
type HostPair struct {
	Local  string
	Remote string
}

func (k HostPair) String() string {
	return k.Local + "->" + k.Remote
}

// Registry caches one Mapper per host pair. Mappers are created on first use
// and dropped explicitly (or when the cache overflows).
type Registry struct {
	cache *lru.Cache[HostPair, *Mapper]
	mu    sync.Mutex
}

func NewRegistry() *Registry {
	cache, err := lru.NewWithEvict(defaultRegistrySize, func(key HostPair, _ *Mapper) {
		slog.Debug("pathmap evicted", "hosts", key.String())
	})
	if err != nil {
		// only fails for a non-positive size
		panic(err)
	}
	return &Registry{cache: cache}
}

// GetOrCreate returns the cached mapper for key or builds one from rules.
func (r *Registry) GetOrCreate(key HostPair, rules []Rule) (*Mapper, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.cache.Get(key); ok {
		return m, nil
	}

	m, err := NewMapper(rules...)
	if err != nil {
		return nil, fmt.Errorf("mapper for %s: %w", key, err)
	}
	r.cache.Add(key, m)
	return m, nil
}

// Drop removes the mapper for key, if any.
func (r *Registry) Drop(key HostPair) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Remove(key)
}

// DropLocal removes every mapper whose local side is local.
func (r *Registry) DropLocal(local string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for _, key := range r.cache.Keys() {
		if key.Local == local {
			r.cache.Remove(key)
			dropped++
		}
	}
	return dropped
}

func (r *Registry) Len() int {
	return r.cache.Len()
}
