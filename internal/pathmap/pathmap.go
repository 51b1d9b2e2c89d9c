// Package pathmap translates between local absolute paths and their mirror
// locations on a remote build host.
package pathmap

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrUnmapped    = errors.New("path is not under a mapped root")
	ErrInvalidRule = errors.New("invalid mapping rule")
)

// Rule maps one local root directory onto one remote root directory.
type Rule struct {
	Local  string `json:"local" yaml:"local"`
	Remote string `json:"remote" yaml:"remote"`
}

func (r Rule) String() string {
	return r.Local + "=" + r.Remote
}

// ParseRule parses the "local=remote" form used by the CLI and config files.
func ParseRule(s string) (Rule, error) {
	local, remote, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(local) == "" || strings.TrimSpace(remote) == "" {
		return Rule{}, fmt.Errorf("%w: %q (want local=remote)", ErrInvalidRule, s)
	}
	return Rule{Local: strings.TrimSpace(local), Remote: strings.TrimSpace(remote)}, nil
}

// Mapper is a pure local<->remote translation for one host pair.
// It is safe for concurrent use; it is never mutated after construction.
type Mapper struct {
	rules []Rule
}

// NewMapper validates and normalizes the rules. Local roots must be absolute
// and remote roots must start with "/". Two rules may not share a root on
// either side, otherwise the mapping would not be invertible.
func NewMapper(rules ...Rule) (*Mapper, error) {
	seenLocal := make(map[string]struct{}, len(rules))
	seenRemote := make(map[string]struct{}, len(rules))

	normalized := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if !filepath.IsAbs(r.Local) {
			return nil, fmt.Errorf("%w: local root %q is not absolute", ErrInvalidRule, r.Local)
		}
		if !strings.HasPrefix(r.Remote, "/") {
			return nil, fmt.Errorf("%w: remote root %q is not absolute", ErrInvalidRule, r.Remote)
		}
		n := Rule{Local: filepath.Clean(r.Local), Remote: path.Clean(r.Remote)}
		if _, dup := seenLocal[n.Local]; dup {
			return nil, fmt.Errorf("%w: local root %q mapped twice", ErrInvalidRule, n.Local)
		}
		if _, dup := seenRemote[n.Remote]; dup {
			return nil, fmt.Errorf("%w: remote root %q mapped twice", ErrInvalidRule, n.Remote)
		}
		seenLocal[n.Local] = struct{}{}
		seenRemote[n.Remote] = struct{}{}
		normalized = append(normalized, n)
	}

	return &Mapper{rules: normalized}, nil
}

// Rules returns a copy of the normalized rules.
func (m *Mapper) Rules() []Rule {
	return append([]Rule(nil), m.rules...)
}

// ToRemote maps an absolute local path to its remote absolute path.
// The longest matching local root wins.
func (m *Mapper) ToRemote(localPath string) (string, error) {
	if !filepath.IsAbs(localPath) {
		return "", fmt.Errorf("%w: %q is relative", ErrUnmapped, localPath)
	}
	p := filepath.Clean(localPath)

	rule, rel, ok := m.match(p, func(r Rule) string { return r.Local }, string(filepath.Separator))
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnmapped, p)
	}
	if rel == "" {
		return rule.Remote, nil
	}
	return path.Join(rule.Remote, filepath.ToSlash(rel)), nil
}

// ToLocal maps a remote absolute path back to its local absolute path.
func (m *Mapper) ToLocal(remotePath string) (string, error) {
	if !strings.HasPrefix(remotePath, "/") {
		return "", fmt.Errorf("%w: %q is relative", ErrUnmapped, remotePath)
	}
	p := path.Clean(remotePath)

	rule, rel, ok := m.match(p, func(r Rule) string { return r.Remote }, "/")
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnmapped, p)
	}
	if rel == "" {
		return rule.Local, nil
	}
	return filepath.Join(rule.Local, filepath.FromSlash(rel)), nil
}

// match finds the rule with the longest root that contains p, comparing on
// whole path segments so /src does not match /src2.
func (m *Mapper) match(p string, root func(Rule) string, sep string) (Rule, string, bool) {
	candidates := make([]Rule, 0, 1)
	for _, r := range m.rules {
		if _, ok := under(p, root(r), sep); ok {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return Rule{}, "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		return len(root(candidates[i])) > len(root(candidates[j]))
	})
	best := candidates[0]
	rel, _ := under(p, root(best), sep)
	return best, rel, true
}

func under(p, root, sep string) (string, bool) {
	if p == root {
		return "", true
	}
	prefix := root
	if !strings.HasSuffix(prefix, sep) {
		prefix += sep
	}
	if strings.HasPrefix(p, prefix) {
		return strings.TrimPrefix(p, prefix), true
	}
	return "", false
}
