package collector

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jonboulle/clockwork"
	"github.com/openmined/rfsync/internal/filestate"
	"github.com/openmined/rfsync/internal/pathmap"
	"github.com/openmined/rfsync/internal/remote"
	"github.com/openmined/rfsync/internal/shareability"
)

// DefaultSourceExtensions are the file types reported by new files
// discovery unless configured otherwise.
var DefaultSourceExtensions = []string{
	"c", "cc", "cpp", "cxx", "c++", "C",
	"h", "hh", "hpp", "hxx", "h++", "H", "inc", "tcc",
	"f", "f77", "f90", "for",
	"s", "S", "asm",
}

// markerStall makes every file written after the marker strictly newer than
// it on file systems with one second timestamps.
const markerStall = time.Second

type DiscoveryOptions struct {
	Exec     remote.Executor
	Host     remote.Host
	Mapper   *pathmap.Mapper
	Filter   *shareability.Filter
	Store    *filestate.Store
	Clock    clockwork.Clock
	Shell    string
	// Extensions without the leading dot.
	Extensions []string
	// BuildResults are local paths, or doublestar patterns over local paths.
	BuildResults []string
}

// Discovery finds files created or changed on the remote host during a
// session: a marker file is created before the build, and files newer than
// it are reported afterwards.
type Discovery struct {
	opts    DiscoveryOptions
	marker  string
	updates mapset.Set[string]
}

func NewDiscovery(opts DiscoveryOptions) *Discovery {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Shell == "" {
		opts.Shell = "sh"
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = DefaultSourceExtensions
	}
	if opts.Filter == nil {
		opts.Filter = shareability.NewFilter(nil)
	}
	return &Discovery{
		opts:    opts,
		updates: mapset.NewSet[string](),
	}
}

// Marker returns the remote marker path, empty before Prepare.
func (d *Discovery) Marker() string {
	return d.marker
}

// Prepare creates the marker under remoteRoot and stalls the clock.
func (d *Discovery) Prepare(ctx context.Context, remoteRoot string) error {
	res, err := d.opts.Exec.Execute(ctx, d.opts.Host, "mktemp", path.Join(remoteRoot, ".rfs_marker_XXXXXX"))
	if err != nil {
		return fmt.Errorf("create marker: %w", err)
	}
	if !res.OK() {
		return fmt.Errorf("create marker: exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	d.marker = strings.TrimSpace(res.Stdout)
	if d.marker == "" {
		return fmt.Errorf("create marker: mktemp printed nothing")
	}
	slog.Debug("discovery marker", "host", d.opts.Host.String(), "marker", d.marker)

	select {
	case <-d.opts.Clock.After(markerStall):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Script builds the find invocations for the given remote directories.
func (d *Discovery) Script(remoteDirs []string) string {
	names := make([]string, 0, len(d.opts.Extensions)+1+len(d.opts.BuildResults))
	for _, ext := range d.opts.Extensions {
		names = append(names, "*."+ext)
	}
	names = append(names, "Makefile")
	for _, br := range d.opts.BuildResults {
		names = append(names, filepath.Base(br))
	}

	var expr strings.Builder
	expr.WriteString(`\(`)
	for i, n := range names {
		if i > 0 {
			expr.WriteString(" -o")
		}
		expr.WriteString(" -name ")
		expr.WriteString(remote.Quote(n))
	}
	expr.WriteString(` \)`)

	var b strings.Builder
	for _, dir := range remoteDirs {
		fmt.Fprintf(&b, "find %s -maxdepth 1 -type f -newer %s %s -print 2>/dev/null\n",
			remote.Quote(dir), remote.Quote(d.marker), expr.String())
	}
	return b.String()
}

// Run lists files newer than the marker in localDirs and the parents of
// the declared build results, folding each into the updates set.
func (d *Discovery) Run(ctx context.Context, localDirs []string) error {
	if d.marker == "" {
		return nil
	}

	dirs := mapset.NewThreadUnsafeSet[string]()
	for _, dir := range localDirs {
		if r, err := d.opts.Mapper.ToRemote(dir); err == nil {
			dirs.Add(r)
		}
	}
	for _, br := range d.opts.BuildResults {
		if hasMeta(br) {
			continue
		}
		if r, err := d.opts.Mapper.ToRemote(filepath.Dir(br)); err == nil {
			dirs.Add(r)
		}
	}
	if dirs.Cardinality() == 0 {
		return nil
	}
	sorted := dirs.ToSlice()
	sort.Strings(sorted)
	script := d.Script(sorted)

	found := 0
	code, err := remote.RunPiped(ctx, d.opts.Exec, d.opts.Host,
		remote.SpawnSpec{Argv: []string{d.opts.Shell, "-s"}},
		func(_ context.Context, w *bufio.Writer) error {
			_, err := w.WriteString(script)
			return err
		},
		func(line string) {
			line = strings.TrimSpace(line)
			if line == "" {
				return
			}
			found++
			d.reconcile(line)
		})
	if err != nil {
		return fmt.Errorf("new files discovery: %w", err)
	}
	slog.Info("discovery", "host", d.opts.Host.String(), "dirs", len(sorted), "found", found, "updates", d.updates.Cardinality(), "exit", code)
	return nil
}

func (d *Discovery) reconcile(remotePath string) {
	local, err := d.opts.Mapper.ToLocal(remotePath)
	if err != nil {
		slog.Warn("discovery unmapped", "path", remotePath, "error", err)
		return
	}

	buildResult := d.isBuildResult(local)
	e, known := d.opts.Store.Get(local)
	tracked := known && e.State != filestate.Initial && e.State != filestate.Inexistent && e.State != filestate.Uncontrolled
	if tracked && !buildResult && !d.opts.Filter.Accept(local, false) {
		return
	}

	d.opts.Store.SetState(local, filestate.Uncontrolled)
	d.AddUpdate(local)
}

func (d *Discovery) isBuildResult(local string) bool {
	for _, br := range d.opts.BuildResults {
		if br == local {
			return true
		}
		if hasMeta(br) {
			if ok, _ := doublestar.PathMatch(br, local); ok {
				return true
			}
		}
	}
	return false
}

func hasMeta(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}

// AddUpdate records a local path as changed remotely. Safe for concurrent use.
func (d *Discovery) AddUpdate(local string) {
	d.updates.Add(local)
}

// Updates returns the recorded paths, sorted.
func (d *Discovery) Updates() []string {
	out := d.updates.ToSlice()
	sort.Strings(out)
	return out
}

// Cleanup removes the marker and hands the updates to sink.
func (d *Discovery) Cleanup(ctx context.Context, sink remote.UpdateSink) {
	if d.marker != "" {
		res, err := d.opts.Exec.Execute(ctx, d.opts.Host, "rm", "-f", d.marker)
		if err != nil || !res.OK() {
			slog.Warn("discovery remove marker", "marker", d.marker, "error", err)
		}
		d.marker = ""
	}
	if updates := d.Updates(); len(updates) > 0 && sink != nil {
		sink.RemoteUpdates(d.opts.Host, updates)
	}
}
