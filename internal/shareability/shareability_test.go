package shareability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClassifier Classification

func (c fixedClassifier) Classify(string, bool) Classification {
	return Classification(c)
}

func TestFilter_ProjectPrivateAlwaysAccepted(t *testing.T) {
	base := t.TempDir()
	f := NewFilter(NewIgnoreClassifier(base))

	private := filepath.Join(base, "nbproject", "private", "configurations.xml")
	assert.True(t, f.Accept(private, false))
	assert.True(t, f.Accept(filepath.Join(base, "nbproject", "private"), true))

	// a private dir anywhere else is still ignored by default rules
	assert.False(t, f.Accept(filepath.Join(base, "src", "private"), true))
}

func TestFilter_DefaultRules(t *testing.T) {
	base := t.TempDir()
	f := NewFilter(NewIgnoreClassifier(base))

	assert.False(t, f.Accept(filepath.Join(base, ".git"), true))
	assert.False(t, f.Accept(filepath.Join(base, "src", "main.o"), false))
	assert.True(t, f.Accept(filepath.Join(base, "src", "main.c"), false))
	assert.True(t, f.Accept(filepath.Join(base, "Makefile"), false))
	assert.True(t, f.Accept(base, true))
}

func TestIgnoreClassifier_ProjectIgnoreFile(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, IgnoreFileName), []byte("# build dirs\ndist/\n*.tmp\n"), 0o644))

	c := NewIgnoreClassifier(base)
	assert.Equal(t, NotShareable, c.Classify(filepath.Join(base, "dist"), true))
	assert.Equal(t, NotShareable, c.Classify(filepath.Join(base, "a", "b.tmp"), false))
	assert.Equal(t, Shareable, c.Classify(filepath.Join(base, "a", "b.c"), false))
}

func TestIgnoreClassifier_OutsideBaseIsUnknown(t *testing.T) {
	c := NewIgnoreClassifier(t.TempDir())
	assert.Equal(t, Unknown, c.Classify(filepath.Join(t.TempDir(), "x.c"), false))
}

func TestFilter_VerdictMapping(t *testing.T) {
	cases := map[Classification]bool{
		NotShareable:        false,
		Shareable:           true,
		Mixed:               true,
		Unknown:             true,
		Classification(42):  true,
	}
	for c, want := range cases {
		f := NewFilter(fixedClassifier(c))
		assert.Equal(t, want, f.Accept("/p/src/a.c", false), c.String())
	}
}
