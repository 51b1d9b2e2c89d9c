package pathmap

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMapper(t *testing.T) (*Mapper, string) {
	t.Helper()
	root := t.TempDir()
	m, err := NewMapper(
		Rule{Local: filepath.Join(root, "proj"), Remote: "/home/build/proj"},
		Rule{Local: filepath.Join(root, "proj", "vendor"), Remote: "/opt/vendor"},
	)
	require.NoError(t, err)
	return m, root
}

func TestMapper_RoundTrip(t *testing.T) {
	m, root := testMapper(t)

	paths := []string{
		filepath.Join(root, "proj"),
		filepath.Join(root, "proj", "src", "main.c"),
		filepath.Join(root, "proj", "src", "..", "include", "a.h"),
		filepath.Join(root, "proj", "vendor", "lib", "x.c"),
		filepath.Join(root, "proj", "vendor"),
	}
	for _, p := range paths {
		remote, err := m.ToRemote(p)
		require.NoError(t, err, p)
		back, err := m.ToLocal(remote)
		require.NoError(t, err, remote)
		assert.Equal(t, filepath.Clean(p), back)
	}
}

func TestMapper_LongestRootWins(t *testing.T) {
	m, root := testMapper(t)

	remote, err := m.ToRemote(filepath.Join(root, "proj", "vendor", "x.c"))
	require.NoError(t, err)
	assert.Equal(t, "/opt/vendor/x.c", remote)

	remote, err = m.ToRemote(filepath.Join(root, "proj", "vendorx", "x.c"))
	require.NoError(t, err)
	assert.Equal(t, "/home/build/proj/vendorx/x.c", remote)
}

func TestMapper_Unmapped(t *testing.T) {
	m, root := testMapper(t)

	_, err := m.ToRemote(filepath.Join(root, "other", "file.c"))
	assert.True(t, errors.Is(err, ErrUnmapped))

	_, err = m.ToRemote("relative/file.c")
	assert.True(t, errors.Is(err, ErrUnmapped))

	_, err = m.ToLocal("/home/build/projects/a.c")
	assert.True(t, errors.Is(err, ErrUnmapped))

	_, err = m.ToLocal("home/build/proj/a.c")
	assert.True(t, errors.Is(err, ErrUnmapped))
}

func TestNewMapper_RejectsAmbiguousRules(t *testing.T) {
	root := t.TempDir()

	_, err := NewMapper(
		Rule{Local: root, Remote: "/a"},
		Rule{Local: root, Remote: "/b"},
	)
	assert.ErrorIs(t, err, ErrInvalidRule)

	_, err = NewMapper(
		Rule{Local: filepath.Join(root, "a"), Remote: "/a"},
		Rule{Local: filepath.Join(root, "b"), Remote: "/a/"},
	)
	assert.ErrorIs(t, err, ErrInvalidRule)

	_, err = NewMapper(Rule{Local: root, Remote: "relative"})
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestParseRule(t *testing.T) {
	r, err := ParseRule("/home/me/src = /export/src")
	require.NoError(t, err)
	assert.Equal(t, Rule{Local: "/home/me/src", Remote: "/export/src"}, r)

	_, err = ParseRule("/home/me/src")
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestRegistry_CachesPerHostPair(t *testing.T) {
	reg := NewRegistry()
	root := t.TempDir()
	rules := []Rule{{Local: root, Remote: "/r"}}

	key := HostPair{Local: "localhost", Remote: "builder"}
	m1, err := reg.GetOrCreate(key, rules)
	require.NoError(t, err)
	m2, err := reg.GetOrCreate(key, nil)
	require.NoError(t, err)
	assert.Same(t, m1, m2)

	reg.Drop(key)
	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_DropLocal(t *testing.T) {
	reg := NewRegistry()
	rules := []Rule{{Local: t.TempDir(), Remote: "/r"}}
	for _, key := range []HostPair{
		{Local: "/p1", Remote: "a"},
		{Local: "/p1", Remote: "b"},
		{Local: "/p2", Remote: "a"},
	} {
		_, err := reg.GetOrCreate(key, rules)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, reg.DropLocal("/p1"))
	assert.Equal(t, 1, reg.Len())
}
