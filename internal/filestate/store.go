package filestate

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Entry is the stored belief about one file. Timestamp is the local
// modification time, in Unix milliseconds, at the moment the state was set.
type Entry struct {
	State     State `yaml:"state"`
	Timestamp int64 `yaml:"timestamp"`
}

// Canonical returns the key a local path is stored under.
func Canonical(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// Store maps canonical local paths to their Entry. One Store exists per
// (storage dir, host) pair. The session goroutine writes to it while
// protocol handlers read and write concurrently, so every access locks.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
	journal *Journal
	// gen counts mutations; saved is the gen last written to the journal.
	gen   uint64
	saved uint64
	// afterSnapshot runs between copying the entries and the journal write.
	afterSnapshot func()
}

// NewStore creates an empty store. A nil journal keeps the store in memory.
func NewStore(journal *Journal) *Store {
	return &Store{
		entries: make(map[string]Entry),
		journal: journal,
	}
}

// Load replaces the in-memory entries with the journal contents.
func (s *Store) Load(ctx context.Context) error {
	if s.journal == nil {
		return nil
	}
	entries, err := s.journal.Load(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entries = entries
	s.gen++
	s.saved = s.gen
	s.mu.Unlock()
	return nil
}

// Persist writes every entry to the journal in one transaction.
func (s *Store) Persist(ctx context.Context) error {
	if s.journal == nil {
		return nil
	}
	s.mu.RLock()
	if s.gen == s.saved {
		s.mu.RUnlock()
		return nil
	}
	gen := s.gen
	snapshot := make(map[string]Entry, len(s.entries))
	for k, v := range s.entries {
		snapshot[k] = v
	}
	s.mu.RUnlock()
	if s.afterSnapshot != nil {
		s.afterSnapshot()
	}

	if err := s.journal.Replace(ctx, snapshot); err != nil {
		return fmt.Errorf("persist file state: %w", err)
	}

	// Mutations made during the write keep the store dirty.
	s.mu.Lock()
	if gen > s.saved {
		s.saved = gen
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) Get(path string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[Canonical(path)]
	return e, ok
}

// State returns the stored state, Initial for unknown files.
func (s *Store) State(path string) State {
	e, _ := s.Get(path)
	return e.State
}

// Set records state for path. For Copied, timestamp must be the local mtime.
func (s *Store) Set(path string, state State, timestamp int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := Canonical(path)
	next := Entry{State: state, Timestamp: timestamp}
	if cur, ok := s.entries[key]; ok && cur == next {
		return
	}
	s.entries[key] = next
	s.gen++
}

// SetState changes the state and keeps the stored timestamp.
func (s *Store) SetState(path string, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := Canonical(path)
	cur, ok := s.entries[key]
	if ok && cur.State == state {
		return
	}
	cur.State = state
	s.entries[key] = cur
	s.gen++
}

// MarkPresent records that path exists locally. An Inexistent belief is
// dropped back to Initial so the file is offered again; other states stay.
func (s *Store) MarkPresent(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := Canonical(path)
	if cur, ok := s.entries[key]; ok && cur.State == Inexistent {
		s.entries[key] = Entry{State: Initial}
		s.gen++
	}
}

func (s *Store) MarkCopied(path string, mtime time.Time) {
	s.Set(path, Copied, mtime.UnixMilli())
}

func (s *Store) Forget(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := Canonical(path)
	if _, ok := s.entries[key]; ok {
		delete(s.entries, key)
		s.gen++
	}
}

// NeedsCopying reports whether a file with the given local mtime must be
// transferred. Copied files are stale once the mtime moved; Inexistent and
// Uncontrolled files are never pushed.
func (s *Store) NeedsCopying(path string, mtime time.Time) bool {
	e, _ := s.Get(path)
	return NeedsCopying(e, mtime)
}

func NeedsCopying(e Entry, mtime time.Time) bool {
	switch e.State {
	case Initial, Touched, Error:
		return true
	case Copied:
		return e.Timestamp != mtime.UnixMilli()
	case Inexistent, Uncontrolled:
		return false
	default:
		return true
	}
}

// Snapshot returns a copy of all entries.
func (s *Store) Snapshot() map[string]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Paths returns the tracked paths in sorted order.
func (s *Store) Paths() []string {
	s.mu.RLock()
	paths := make([]string, 0, len(s.entries))
	for k := range s.entries {
		paths = append(paths, k)
	}
	s.mu.RUnlock()
	sort.Strings(paths)
	return paths
}

// CountByState is used for session summaries.
func (s *Store) CountByState() map[State]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[State]int)
	for _, e := range s.entries {
		counts[e.State]++
	}
	return counts
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close closes the backing journal.
func (s *Store) Close() error {
	if s.journal == nil {
		return nil
	}
	return s.journal.Close()
}
