package filestate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Key identifies one Store: the project's private storage directory and the
// remote host it tracks.
type Key struct {
	StorageDir string
	Host       string
}

func (k Key) String() string {
	return k.Host + "@" + k.StorageDir
}

// Registry owns the open stores. Stores are created and loaded on first use
// and closed when evicted.
type Registry struct {
	mu     sync.Mutex
	stores map[Key]*Store
}

func NewRegistry() *Registry {
	return &Registry{stores: make(map[Key]*Store)}
}

// Get returns the store for key, opening and loading its journal on first use.
func (r *Registry) Get(ctx context.Context, key Key) (*Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.stores[key]; ok {
		return s, nil
	}

	journal, err := OpenJournal(JournalPath(key.StorageDir, key.Host))
	if err != nil {
		return nil, fmt.Errorf("file state for %s: %w", key, err)
	}
	s := NewStore(journal)
	if err := s.Load(ctx); err != nil {
		journal.Close()
		return nil, fmt.Errorf("file state for %s: %w", key, err)
	}

	r.stores[key] = s
	slog.Debug("filestate open", "key", key.String(), "entries", s.Len())
	return s, nil
}

// Evict closes and drops the store for key.
func (r *Registry) Evict(key Key) error {
	r.mu.Lock()
	s, ok := r.stores[key]
	delete(r.stores, key)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return s.Close()
}

// EvictStorage drops every store kept under storageDir, for every host.
func (r *Registry) EvictStorage(storageDir string) error {
	r.mu.Lock()
	var evicted []*Store
	for k, s := range r.stores {
		if k.StorageDir == storageDir {
			evicted = append(evicted, s)
			delete(r.stores, k)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range evicted {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// Forget evicts the store and deletes its journal.
func (r *Registry) Forget(key Key) error {
	if err := r.Evict(key); err != nil {
		slog.Warn("filestate close", "key", key.String(), "error", err)
	}
	return RemoveJournal(JournalPath(key.StorageDir, key.Host))
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stores)
}

// Close evicts everything.
func (r *Registry) Close() error {
	r.mu.Lock()
	stores := r.stores
	r.stores = make(map[Key]*Store)
	r.mu.Unlock()

	var errs []error
	for _, s := range stores {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
