package filestate

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNeedsCopying_Transitions(t *testing.T) {
	mtime := time.UnixMilli(1_700_000_000_123)
	later := mtime.Add(2 * time.Second)

	cases := []struct {
		name  string
		entry Entry
		mtime time.Time
		want  bool
	}{
		{"copied unchanged", Entry{State: Copied, Timestamp: mtime.UnixMilli()}, mtime, false},
		{"copied changed", Entry{State: Copied, Timestamp: mtime.UnixMilli()}, later, true},
		{"initial", Entry{State: Initial}, mtime, true},
		{"touched", Entry{State: Touched, Timestamp: mtime.UnixMilli()}, mtime, true},
		{"error", Entry{State: Error}, mtime, true},
		{"inexistent", Entry{State: Inexistent}, mtime, false},
		{"uncontrolled", Entry{State: Uncontrolled, Timestamp: 1}, later, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NeedsCopying(tc.entry, tc.mtime))
		})
	}
}

func TestStore_UnknownFileIsInitial(t *testing.T) {
	s := NewStore(nil)
	assert.Equal(t, Initial, s.State("/nowhere/x.c"))
	assert.True(t, s.NeedsCopying("/nowhere/x.c", time.Now()))
}

func TestStore_CanonicalKeys(t *testing.T) {
	s := NewStore(nil)
	dir := t.TempDir()
	mtime := time.UnixMilli(42_000)

	s.MarkCopied(filepath.Join(dir, "a", "..", "b.c"), mtime)
	e, ok := s.Get(filepath.Join(dir, "b.c"))
	require.True(t, ok)
	assert.Equal(t, Entry{State: Copied, Timestamp: 42_000}, e)
	assert.Equal(t, []string{filepath.Join(dir, "b.c")}, s.Paths())
}

func TestStore_SetStateKeepsTimestamp(t *testing.T) {
	s := NewStore(nil)
	s.Set("/p/a.c", Copied, 99)
	s.SetState("/p/a.c", Uncontrolled)

	e, _ := s.Get("/p/a.c")
	assert.Equal(t, Entry{State: Uncontrolled, Timestamp: 99}, e)
	assert.Equal(t, map[State]int{Uncontrolled: 1}, s.CountByState())
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := NewStore(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				p := filepath.Join("/p", string(rune('a'+i)), "f.c")
				s.Set(p, Touched, int64(j))
				_ = s.NeedsCopying(p, time.Now())
				_ = s.Snapshot()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 8, s.Len())
}

func TestStore_PersistAndReload(t *testing.T) {
	ctx := context.Background()
	path := JournalPath(t.TempDir(), "build@host:22")

	j, err := OpenJournal(path)
	require.NoError(t, err)
	s := NewStore(j)
	s.Set("/p/a.c", Copied, 1000)
	s.Set("/p/b.c", Error, 0)
	s.Set("/p/gen.h", Uncontrolled, 5)
	require.NoError(t, s.Persist(ctx))

	s.Forget("/p/b.c")
	require.NoError(t, s.Persist(ctx))
	require.NoError(t, s.Close())

	j2, err := OpenJournal(path)
	require.NoError(t, err)
	reloaded := NewStore(j2)
	require.NoError(t, reloaded.Load(ctx))
	defer reloaded.Close()

	assert.Equal(t, map[string]Entry{
		"/p/a.c":   {State: Copied, Timestamp: 1000},
		"/p/gen.h": {State: Uncontrolled, Timestamp: 5},
	}, reloaded.Snapshot())
}

func TestStateChars_RoundTrip(t *testing.T) {
	seen := map[byte]bool{}
	for s := Initial; s <= Inexistent; s++ {
		c := s.Char()
		assert.False(t, seen[c], "duplicate char %q", c)
		seen[c] = true

		back, err := ParseChar(c)
		require.NoError(t, err)
		assert.Equal(t, s, back)
	}
	_, err := ParseChar('x')
	assert.Error(t, err)
}

func TestJournalPath_SanitizesHost(t *testing.T) {
	assert.Equal(t, filepath.Join("/s", "rfs-me_build.example.com_22.db"), JournalPath("/s", "me@build.example.com:22"))
}

func TestStore_PersistKeepsConcurrentChangeDirty(t *testing.T) {
	ctx := context.Background()
	path := JournalPath(t.TempDir(), "build@host:22")

	j, err := OpenJournal(path)
	require.NoError(t, err)
	s := NewStore(j)
	s.Set("/p/a.c", Copied, 1000)
	s.afterSnapshot = func() {
		s.afterSnapshot = nil
		s.Set("/p/late.c", Touched, 2000)
	}
	require.NoError(t, s.Persist(ctx))

	// the entry set during the first write is still pending
	require.NoError(t, s.Persist(ctx))
	require.NoError(t, s.Close())

	j2, err := OpenJournal(path)
	require.NoError(t, err)
	reloaded := NewStore(j2)
	require.NoError(t, reloaded.Load(ctx))
	defer reloaded.Close()

	assert.Equal(t, map[string]Entry{
		"/p/a.c":    {State: Copied, Timestamp: 1000},
		"/p/late.c": {State: Touched, Timestamp: 2000},
	}, reloaded.Snapshot())
}
