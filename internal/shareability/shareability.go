// Package shareability decides which files take part in remote
// synchronization.
package shareability

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// Classification is the generic shareability verdict for a path.
type Classification int

const (
	Unknown Classification = iota
	Shareable
	NotShareable
	Mixed
)

func (c Classification) String() string {
	switch c {
	case Shareable:
		return "shareable"
	case NotShareable:
		return "not-shareable"
	case Mixed:
		return "mixed"
	case Unknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Classifier is the generic shareability policy consulted by Filter.
type Classifier interface {
	Classify(path string, isDir bool) Classification
}

// IgnoreFileName is read from every project root by IgnoreClassifier.
const IgnoreFileName = ".rfsignore"

// projectConfigDir is the IDE project metadata directory whose "private"
// child must always reach the remote host.
const projectConfigDir = "nbproject"

var defaultIgnoreLines = []string{
	// version control
	".git/",
	".hg/",
	".svn/",
	"CVS/",
	".bzr/",
	// build artifacts
	"*.o",
	"*.obj",
	"*.a",
	"*.so",
	"*.dylib",
	"*.class",
	"*.pyc",
	// editors and OS
	"*~",
	"*.swp",
	".DS_Store",
	"Thumbs.db",
	// IDE private state
	"private/",
}

// IgnoreClassifier classifies paths with gitignore rules: the built-in
// defaults plus the lines of an optional .rfsignore file in baseDir.
type IgnoreClassifier struct {
	baseDir string
	ignore  *gitignore.GitIgnore
}

func NewIgnoreClassifier(baseDir string, extra ...string) *IgnoreClassifier {
	c := &IgnoreClassifier{baseDir: baseDir}
	c.Load(extra...)
	return c
}

// Load (re)compiles the rules.
func (c *IgnoreClassifier) Load(extra ...string) {
	lines := append([]string{}, defaultIgnoreLines...)
	lines = append(lines, extra...)

	ignorePath := filepath.Join(c.baseDir, IgnoreFileName)
	if file, err := os.Open(ignorePath); err == nil {
		defer file.Close()
		rules := 0
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line != "" && !strings.HasPrefix(line, "#") {
				lines = append(lines, line)
				rules++
			}
		}
		if err := scanner.Err(); err != nil {
			slog.Warn("read ignore file", "path", ignorePath, "error", err)
		} else {
			slog.Debug("loaded ignore file", "path", ignorePath, "rules", rules)
		}
	}

	c.ignore = gitignore.CompileIgnoreLines(lines...)
}

func (c *IgnoreClassifier) Classify(path string, isDir bool) Classification {
	rel := path
	if filepath.IsAbs(path) {
		r, err := filepath.Rel(c.baseDir, path)
		if err != nil || strings.HasPrefix(r, "..") {
			return Unknown
		}
		rel = r
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		return Shareable
	}
	if isDir {
		rel += "/"
	}
	if c.ignore.MatchesPath(rel) {
		return NotShareable
	}
	return Shareable
}

// Filter is the predicate applied while gathering the manifest.
type Filter struct {
	classifier Classifier
}

func NewFilter(classifier Classifier) *Filter {
	return &Filter{classifier: classifier}
}

// Accept reports whether path participates in synchronization. It never
// panics: unexpected verdicts fall back to accepting the file.
func (f *Filter) Accept(path string, isDir bool) bool {
	if IsProjectPrivate(path) {
		return true
	}
	if f == nil || f.classifier == nil {
		return true
	}

	switch c := f.classifier.Classify(path, isDir); c {
	case NotShareable:
		return false
	case Shareable, Mixed, Unknown:
		return true
	default:
		slog.Warn("unexpected shareability", "path", path, "classification", c)
		return true
	}
}

// IsProjectPrivate reports whether path is, or is inside, a "private"
// directory that sits directly under the IDE project metadata directory.
// Remote builds need these files even though they are never shared.
func IsProjectPrivate(path string) bool {
	parts := strings.Split(filepath.ToSlash(filepath.Clean(path)), "/")
	for i := 1; i < len(parts); i++ {
		if parts[i] == "private" && parts[i-1] == projectConfigDir {
			return true
		}
	}
	return false
}
