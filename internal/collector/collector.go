// Package collector builds the manifest of a sync run: every local file,
// directory and symlink that must exist on the remote host, paired with its
// remote path.
package collector

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/openmined/rfsync/internal/filestate"
	"github.com/openmined/rfsync/internal/pathmap"
	"github.com/openmined/rfsync/internal/remote"
	"github.com/openmined/rfsync/internal/shareability"
	"github.com/spf13/afero"
)

// Info is one manifest entry. Exactly one of IsDir, IsLink, IsFile holds.
type Info struct {
	Local   string
	Remote  string
	Dir     bool
	Size    int64
	ModTime time.Time
	Mode    fs.FileMode

	// LinkTarget is the target as recreated remotely: relative targets are
	// kept verbatim, absolute ones are remapped.
	LinkTarget string
	// LinkEntry is the manifest entry the link resolves to, when known.
	LinkEntry *Info
}

func (i *Info) IsLink() bool { return i.LinkTarget != "" }
func (i *Info) IsDir() bool  { return i.Dir && !i.IsLink() }
func (i *Info) IsFile() bool { return !i.Dir && !i.IsLink() }

// Executable reports whether any execute bit is set locally.
func (i *Info) Executable() bool {
	return i.IsFile() && i.Mode&0o111 != 0
}

type Phase int

const (
	Created Phase = iota
	Gathered
	LinksChecked
	Ready
)

var ErrPhase = errors.New("collector used out of order")

type Options struct {
	// Roots are local directories or files to mirror.
	Roots []string
	// BuildResults are local paths of files the remote build produces.
	BuildResults []string
	Mapper       *pathmap.Mapper
	Filter       *shareability.Filter
	// Exec runs the link listing on LocalHost.
	Exec    remote.Executor
	LsFlags []string
	Fs      afero.Fs
}

type Collector struct {
	opts   Options
	infos  []*Info
	byPath map[string]*Info
	phase  Phase
}

func New(opts Options) *Collector {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Filter == nil {
		opts.Filter = shareability.NewFilter(nil)
	}
	if len(opts.LsFlags) == 0 {
		opts.LsFlags = []string{"-ld"}
	}
	return &Collector{
		opts:   opts,
		byPath: make(map[string]*Info),
	}
}

func (c *Collector) Phase() Phase {
	return c.phase
}

// Collect runs gather, link checking and sorting.
func (c *Collector) Collect(ctx context.Context) ([]*Info, error) {
	if err := c.Gather(ctx); err != nil {
		return nil, err
	}
	if err := c.CheckLinks(ctx); err != nil {
		return nil, err
	}
	c.Sort()
	return c.Infos(), nil
}

// Gather walks the roots and adds the ancestors of every root.
func (c *Collector) Gather(ctx context.Context) error {
	if c.phase != Created {
		return fmt.Errorf("%w: gather in phase %d", ErrPhase, c.phase)
	}

	for _, root := range c.opts.Roots {
		if err := ctx.Err(); err != nil {
			return err
		}
		root = filepath.Clean(root)
		st, err := c.lstat(root)
		if err != nil {
			slog.Warn("collector skip root", "path", root, "error", err)
			continue
		}
		if st.IsDir() {
			if err := c.walk(ctx, root); err != nil {
				return err
			}
		} else {
			c.addPath(filepath.Dir(root))
			c.add(root, st)
		}
	}

	for _, br := range c.opts.BuildResults {
		c.addPath(filepath.Dir(filepath.Clean(br)))
	}

	for _, root := range c.opts.Roots {
		c.addAncestors(filepath.Clean(root))
	}

	c.phase = Gathered
	slog.Debug("collector gathered", "entries", len(c.infos))
	return nil
}

func (c *Collector) walk(ctx context.Context, root string) error {
	return afero.Walk(c.opts.Fs, root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			slog.Warn("collector walk", "path", path, "error", err)
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path != root && !c.opts.Filter.Accept(path, info.IsDir()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		c.add(path, info)
		return nil
	})
}

// addAncestors adds every parent directory of root, stopping before the
// file system root.
func (c *Collector) addAncestors(root string) {
	for dir := filepath.Dir(root); dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
		if _, err := c.opts.Mapper.ToRemote(dir); err != nil {
			// above the mapped roots
			break
		}
		c.addPath(dir)
	}
}

func (c *Collector) addPath(path string) *Info {
	if info, ok := c.byPath[filestate.Canonical(path)]; ok {
		return info
	}
	st, err := c.lstat(path)
	if err != nil {
		slog.Debug("collector skip", "path", path, "error", err)
		return nil
	}
	return c.add(path, st)
}

// add appends path unless it is already present or unmapped.
func (c *Collector) add(path string, st fs.FileInfo) *Info {
	path = filestate.Canonical(path)
	if info, ok := c.byPath[path]; ok {
		return info
	}
	remotePath, err := c.opts.Mapper.ToRemote(path)
	if err != nil {
		slog.Warn("collector unmapped", "path", path, "error", err)
		return nil
	}
	info := &Info{
		Local:   path,
		Remote:  remotePath,
		Dir:     st.IsDir(),
		Size:    st.Size(),
		ModTime: st.ModTime(),
		Mode:    st.Mode(),
	}
	c.infos = append(c.infos, info)
	c.byPath[path] = info
	return info
}

func (c *Collector) lstat(path string) (fs.FileInfo, error) {
	if l, ok := c.opts.Fs.(afero.Lstater); ok {
		st, _, err := l.LstatIfPossible(path)
		return st, err
	}
	return c.opts.Fs.Stat(path)
}

// Sort orders directories first, by remote path, then everything else by
// ascending modification time.
func (c *Collector) Sort() {
	sort.SliceStable(c.infos, func(i, j int) bool {
		a, b := c.infos[i], c.infos[j]
		if a.IsDir() != b.IsDir() {
			return a.IsDir()
		}
		if a.IsDir() {
			return a.Remote < b.Remote
		}
		if !a.ModTime.Equal(b.ModTime) {
			return a.ModTime.Before(b.ModTime)
		}
		return a.Remote < b.Remote
	})
	c.phase = Ready
}

// Infos returns the manifest in its current order.
func (c *Collector) Infos() []*Info {
	return append([]*Info(nil), c.infos...)
}

// Lookup returns the entry for a local path.
func (c *Collector) Lookup(localPath string) (*Info, bool) {
	info, ok := c.byPath[filestate.Canonical(localPath)]
	return info, ok
}

func (c *Collector) Dirs() []*Info {
	return c.filter((*Info).IsDir)
}

func (c *Collector) Files() []*Info {
	return c.filter((*Info).IsFile)
}

func (c *Collector) Links() []*Info {
	return c.filter((*Info).IsLink)
}

func (c *Collector) filter(keep func(*Info) bool) []*Info {
	var out []*Info
	for _, info := range c.infos {
		if keep(info) {
			out = append(out, info)
		}
	}
	return out
}

// RefreshStat re-reads size and mtime, used right before an upload.
func RefreshStat(info *Info) error {
	st, err := os.Lstat(info.Local)
	if err != nil {
		return err
	}
	info.Size = st.Size()
	info.ModTime = st.ModTime()
	info.Mode = st.Mode()
	return nil
}
