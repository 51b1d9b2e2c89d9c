package collector

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/rfsync/internal/filestate"
	"github.com/openmined/rfsync/internal/remote"
)

// maxLinkPasses bounds link resolution. Every pass only lists entries that
// were not listed before, so a pass is needed per level of link chains
// leaving the walked tree.
const maxLinkPasses = 16

const lsBatchSize = 512

// CheckLinks finds symlinks among the entries with a batched "ls -ld",
// records their targets and adds target entries that are missing. Errors
// are logged; link checking never fails the run.
func (c *Collector) CheckLinks(ctx context.Context) error {
	if c.phase != Gathered {
		return fmt.Errorf("%w: check links in phase %d", ErrPhase, c.phase)
	}
	c.phase = LinksChecked

	if runtime.GOOS == "windows" || c.opts.Exec == nil {
		return nil
	}

	probed := mapset.NewThreadUnsafeSet[string]()
	for pass := 0; pass < maxLinkPasses; pass++ {
		var batch []string
		for _, info := range c.infos {
			if probed.Add(info.Local) {
				batch = append(batch, info.Local)
			}
		}
		if len(batch) == 0 {
			return nil
		}

		links, err := c.listLinks(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("collector link check failed", "error", err)
			return nil
		}

		added := 0
		for linkPath, target := range links {
			if c.resolveLink(linkPath, target) {
				added++
			}
		}
		slog.Debug("collector links", "pass", pass+1, "probed", len(batch), "links", len(links), "added", added)
		if added == 0 {
			return nil
		}
	}

	slog.Warn("collector symlink chain too deep or cyclic", "passes", maxLinkPasses)
	return nil
}

// resolveLink records target for the entry at linkPath and reports whether
// a new entry was appended for the link's destination.
func (c *Collector) resolveLink(linkPath, target string) bool {
	info, ok := c.byPath[filestate.Canonical(linkPath)]
	if !ok {
		slog.Error("collector link not in manifest", "path", linkPath, "target", target)
		return false
	}

	var resolved string
	if filepath.IsAbs(target) {
		resolved = filepath.Clean(target)
		remoteTarget, err := c.opts.Mapper.ToRemote(resolved)
		if err != nil {
			// points outside the mirrored roots; recreate it verbatim
			slog.Debug("collector link target unmapped", "path", linkPath, "target", target)
			info.LinkTarget = target
			info.Dir = false
			return false
		}
		info.LinkTarget = remoteTarget
	} else {
		resolved = filepath.Join(filepath.Dir(info.Local), target)
		info.LinkTarget = target
	}
	info.Dir = false

	if existing, ok := c.byPath[filestate.Canonical(resolved)]; ok {
		info.LinkEntry = existing
		return false
	}

	st, err := c.lstat(resolved)
	if err != nil {
		slog.Warn("collector link target missing", "path", linkPath, "target", resolved, "error", err)
		return false
	}
	entry := c.add(resolved, st)
	if entry == nil {
		return false
	}
	info.LinkEntry = entry
	return true
}

func (c *Collector) listLinks(ctx context.Context, paths []string) (map[string]string, error) {
	links := make(map[string]string)
	for start := 0; start < len(paths); start += lsBatchSize {
		end := min(start+lsBatchSize, len(paths))
		argv := append([]string{"ls"}, c.opts.LsFlags...)
		argv = append(argv, paths[start:end]...)

		res, err := c.opts.Exec.Execute(ctx, remote.LocalHost, argv...)
		if err != nil {
			return nil, err
		}
		// ls exits non-zero when some path vanished; the rest is still valid
		if !res.OK() {
			slog.Debug("collector ls", "exit", res.ExitCode, "stderr", strings.TrimSpace(res.Stderr))
		}
		for _, line := range strings.Split(res.Stdout, "\n") {
			if link, target, ok := ParseLsLink(line); ok {
				links[link] = target
			}
		}
	}
	return links, nil
}

// ParseLsLink extracts (link, target) from one "ls -l" line of a symlink.
// The link path is the absolute path starting at the first " /".
func ParseLsLink(line string) (string, string, bool) {
	if !strings.HasPrefix(line, "l") {
		return "", "", false
	}
	left, target, ok := strings.Cut(line, " -> ")
	if !ok || target == "" {
		return "", "", false
	}
	idx := strings.Index(left, " /")
	if idx < 0 {
		return "", "", false
	}
	return left[idx+1:], target, true
}
