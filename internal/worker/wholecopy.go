package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/rfsync/internal/collector"
	"github.com/openmined/rfsync/internal/filestate"
	"github.com/openmined/rfsync/internal/remote"
)

// Phase of a whole-copy session.
type Phase int32

const (
	Idle Phase = iota
	Gathering
	CreatingDirs
	CheckingExistence
	Linking
	Uploading
	SettingPermissions
	Done
	Cancelled
	Failed
)

var phaseNames = [...]string{
	Idle:               "idle",
	Gathering:          "gathering",
	CreatingDirs:       "creating-dirs",
	CheckingExistence:  "checking-existence",
	Linking:            "linking",
	Uploading:          "uploading",
	SettingPermissions: "setting-permissions",
	Done:               "done",
	Cancelled:          "cancelled",
	Failed:             "failed",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "invalid"
	}
	return phaseNames[p]
}

const existenceScript = `while IFS= read -r f; do [ -e "$f" ] || printf '%s\n' "$f"; done`

// Copier uploads every changed file at the start of a build.
type Copier struct {
	p   Params
	zip bool

	phase     atomic.Int32
	cancelled atomic.Bool
	mu        sync.Mutex
	cancel    context.CancelFunc

	manifest  *collector.Collector
	discovery *collector.Discovery
	uploaded  atomic.Int64
}

// NewWholeCopy creates a whole-copy worker; withZip enables the archive
// fast path.
func NewWholeCopy(p Params, withZip bool) *Copier {
	p.defaults()
	return &Copier{p: p, zip: withZip}
}

func (w *Copier) Kind() Kind {
	if w.zip {
		return ZipBatch
	}
	return WholeCopy
}

func (w *Copier) Phase() Phase {
	return Phase(w.phase.Load())
}

func (w *Copier) setPhase(p Phase) {
	w.phase.Store(int32(p))
	slog.Debug("wholecopy", "host", w.p.Host.String(), "phase", p.String())
}

// Uploaded is the number of files transferred by the last Startup.
func (w *Copier) Uploaded() int64 {
	return w.uploaded.Load()
}

func (w *Copier) Cancel() bool {
	w.cancelled.Store(true)
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()
	return true
}

func (w *Copier) checkCancel(ctx context.Context) error {
	if w.cancelled.Load() || ctx.Err() != nil {
		return ErrCancelled
	}
	return nil
}

func (w *Copier) Startup(parent context.Context) (env Env, err error) {
	ctx, cancel := context.WithCancel(parent)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	defer cancel()

	start := time.Now()
	defer func() {
		switch {
		case err == nil:
			w.setPhase(Done)
			slog.Info("wholecopy done", "host", w.p.Host.String(), "uploaded", w.uploaded.Load(), "took", time.Since(start).Round(time.Millisecond))
		case errors.Is(err, context.Canceled) || w.cancelled.Load():
			w.setPhase(Cancelled)
			err = ErrCancelled
			slog.Info("wholecopy cancelled", "host", w.p.Host.String())
		default:
			w.setPhase(Failed)
		}
	}()

	w.setPhase(Gathering)
	w.manifest = collector.New(collector.Options{
		Roots:        w.p.Roots,
		BuildResults: w.p.BuildResults,
		Mapper:       w.p.Mapper,
		Filter:       w.p.Filter,
		Exec:         w.p.Client,
		LsFlags:      w.p.LocalLsFlags,
	})
	infos, err := w.manifest.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("gather files: %w", err)
	}
	slog.Info("wholecopy manifest", "host", w.p.Host.String(), "entries", len(infos), "files", len(w.manifest.Files()), "links", len(w.manifest.Links()))

	if err := w.checkCancel(ctx); err != nil {
		return nil, err
	}
	w.setPhase(CreatingDirs)
	if err := w.createDirs(ctx); err != nil {
		return nil, err
	}

	if w.p.CheckExistence {
		if err := w.checkCancel(ctx); err != nil {
			return nil, err
		}
		w.setPhase(CheckingExistence)
		if err := w.checkExistence(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ErrCancelled
			}
			slog.Warn("wholecopy existence check", "host", w.p.Host.String(), "error", err)
		}
	}

	if err := w.checkCancel(ctx); err != nil {
		return nil, err
	}
	w.setPhase(Linking)
	if err := w.createLinks(ctx); err != nil {
		return nil, err
	}

	if err := w.checkCancel(ctx); err != nil {
		return nil, err
	}
	w.setPhase(Uploading)
	if err := w.upload(ctx); err != nil {
		return nil, err
	}

	if err := w.checkCancel(ctx); err != nil {
		return nil, err
	}
	w.setPhase(SettingPermissions)
	if err := w.setExecutable(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		slog.Warn("wholecopy chmod", "host", w.p.Host.String(), "error", err)
	}

	if err := w.p.Store.Persist(ctx); err != nil {
		slog.Error("wholecopy persist", "host", w.p.Host.String(), "error", err)
	}

	w.prepareDiscovery(ctx)
	return Env{}, nil
}

// createDirs creates every manifest directory with one mkdir -p.
func (w *Copier) createDirs(ctx context.Context) error {
	dirs := w.manifest.Dirs()
	if len(dirs) == 0 {
		return nil
	}
	code, err := remote.RunPiped(ctx, w.p.Client, w.p.Host,
		remote.SpawnSpec{Argv: []string{"xargs", "-0", "mkdir", "-p"}},
		func(_ context.Context, bw *bufio.Writer) error {
			for _, d := range dirs {
				if _, err := bw.WriteString(d.Remote); err != nil {
					return err
				}
				if err := bw.WriteByte(0); err != nil {
					return err
				}
			}
			return nil
		}, nil)
	if err != nil {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return fmt.Errorf("create directories: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("create directories: mkdir exited %d", code)
	}
	return nil
}

// checkExistence resets files believed copied whose remote copy vanished.
func (w *Copier) checkExistence(ctx context.Context) error {
	byRemote := make(map[string]*collector.Info)
	for _, f := range w.manifest.Files() {
		if w.p.Store.State(f.Local) == filestate.Copied {
			byRemote[f.Remote] = f
		}
	}
	if len(byRemote) == 0 {
		return nil
	}

	reset := 0
	_, err := remote.RunPiped(ctx, w.p.Client, w.p.Host,
		remote.SpawnSpec{Argv: []string{"sh", "-c", existenceScript}},
		func(_ context.Context, bw *bufio.Writer) error {
			for r := range byRemote {
				if _, err := bw.WriteString(r + "\n"); err != nil {
					return err
				}
			}
			return nil
		},
		func(line string) {
			f, ok := byRemote[line]
			if !ok {
				slog.Warn("wholecopy existence: unexpected path", "path", line)
				return
			}
			w.p.Store.SetState(f.Local, filestate.Initial)
			reset++
		})
	if reset > 0 {
		slog.Info("wholecopy missing remotely", "host", w.p.Host.String(), "files", reset)
	}
	return err
}

func (w *Copier) createLinks(ctx context.Context) error {
	links := w.manifest.Links()
	if len(links) == 0 {
		return nil
	}
	code, err := remote.RunPiped(ctx, w.p.Client, w.p.Host,
		remote.SpawnSpec{Argv: []string{"sh", "-s"}},
		func(_ context.Context, bw *bufio.Writer) error {
			for _, l := range links {
				name := path.Base(l.Remote)
				line := fmt.Sprintf("cd %s; rm -rf %s; ln -s %s %s\n",
					remote.Quote(path.Dir(l.Remote)), remote.Quote(name), remote.Quote(l.LinkTarget), remote.Quote(name))
				if _, err := bw.WriteString(line); err != nil {
					return err
				}
			}
			return nil
		}, nil)
	if err != nil {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return fmt.Errorf("create links: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("create links: shell exited %d", code)
	}
	return nil
}

// pending lists the files that need a transfer.
func (w *Copier) pending() []*collector.Info {
	var out []*collector.Info
	for _, f := range w.manifest.Files() {
		if ignoredForTransfer(f.Local) {
			continue
		}
		// gathered, so present locally
		w.p.Store.MarkPresent(f.Local)
		if w.p.Store.NeedsCopying(f.Local, f.ModTime) {
			out = append(out, f)
		}
	}
	return out
}

func (w *Copier) upload(ctx context.Context) error {
	w.uploaded.Store(0)
	files := w.pending()
	if len(files) == 0 {
		slog.Info("wholecopy up to date", "host", w.p.Host.String())
		return nil
	}

	var total int64
	for _, f := range files {
		total += f.Size
	}
	slog.Info("wholecopy upload", "host", w.p.Host.String(), "files", len(files), "size", humanize.Bytes(uint64(total)), "zip", w.zip)

	if w.zip {
		err := w.uploadZip(ctx, files)
		if err == nil {
			return nil
		}
		if w.checkCancel(ctx) != nil {
			return ErrCancelled
		}
		slog.Warn("wholecopy zip failed, uploading files one by one", "host", w.p.Host.String(), "error", err)
	}

	w.uploadFiles(ctx, files)
	return w.checkCancel(ctx)
}

// uploadFiles transfers files concurrently. A failed file is marked Error
// and the others continue. Nothing is recorded for files whose upload was
// interrupted by cancellation.
func (w *Copier) uploadFiles(ctx context.Context, files []*collector.Info) {
	process := func(f *collector.Info) {
		if w.checkCancel(ctx) != nil {
			return
		}
		mtime := f.ModTime
		err := w.p.Client.Upload(ctx, f.Local, w.p.Host, f.Remote, f.Mode.Perm())
		if err != nil {
			if w.checkCancel(ctx) != nil {
				return
			}
			slog.Error("wholecopy upload", "host", w.p.Host.String(), "path", f.Local, "error", err)
			w.p.Store.SetState(f.Local, filestate.Error)
			return
		}
		w.p.Store.MarkCopied(f.Local, mtime)
		w.uploaded.Add(1)
		slog.Debug("wholecopy uploaded", "path", f.Local, "remote", f.Remote, "size", humanize.Bytes(uint64(f.Size)))
	}

	var wg sync.WaitGroup
	queue := make(chan *collector.Info, len(files))
	wg.Add(w.p.UploadConcurrency)
	for range w.p.UploadConcurrency {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case f, ok := <-queue:
					if !ok {
						return
					}
					process(f)
				}
			}
		}()
	}
	for _, f := range files {
		queue <- f
	}
	close(queue)
	wg.Wait()
}

func (w *Copier) setExecutable(ctx context.Context) error {
	var exes []string
	for _, f := range w.manifest.Files() {
		if f.Executable() {
			exes = append(exes, f.Remote)
		}
	}
	if len(exes) == 0 {
		return nil
	}
	code, err := remote.RunPiped(ctx, w.p.Client, w.p.Host,
		remote.SpawnSpec{Argv: []string{"xargs", "-0", "chmod", "+x"}},
		func(_ context.Context, bw *bufio.Writer) error {
			_, err := bw.WriteString(strings.Join(exes, "\x00") + "\x00")
			return err
		}, nil)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("chmod exited %d", code)
	}
	return nil
}

func (w *Copier) prepareDiscovery(ctx context.Context) {
	root := remoteRootOf(w.manifest, w.p.Roots)
	if root == "" {
		return
	}
	w.discovery = collector.NewDiscovery(collector.DiscoveryOptions{
		Exec:         w.p.Client,
		Host:         w.p.Host,
		Mapper:       w.p.Mapper,
		Filter:       w.p.Filter,
		Store:        w.p.Store,
		Clock:        w.p.Clock,
		Extensions:   w.p.SourceExtensions,
		BuildResults: w.p.BuildResults,
	})
	if err := w.discovery.Prepare(ctx, root); err != nil {
		slog.Warn("wholecopy discovery marker", "host", w.p.Host.String(), "error", err)
		w.discovery = nil
	}
}

// remoteRootOf is the remote path of the first root in the manifest.
func remoteRootOf(manifest *collector.Collector, roots []string) string {
	for _, r := range roots {
		if info, ok := manifest.Lookup(r); ok {
			if info.IsDir() {
				return info.Remote
			}
			return path.Dir(info.Remote)
		}
	}
	return ""
}

// Shutdown runs new files discovery and persists the store.
func (w *Copier) Shutdown(ctx context.Context) error {
	if w.discovery != nil {
		var dirs []string
		for _, d := range w.manifest.Dirs() {
			dirs = append(dirs, d.Local)
		}
		if err := w.discovery.Run(ctx, dirs); err != nil {
			slog.Warn("wholecopy discovery", "host", w.p.Host.String(), "error", err)
		}
		w.discovery.Cleanup(ctx, w.p.UpdateSink)
		w.discovery = nil
	}
	if err := w.p.Store.Persist(ctx); err != nil {
		return fmt.Errorf("persist file state: %w", err)
	}
	if w.p.Refresher != nil && w.manifest != nil {
		var remoteDirs []string
		for _, d := range w.manifest.Dirs() {
			remoteDirs = append(remoteDirs, d.Remote)
		}
		go w.p.Refresher.Refresh(context.WithoutCancel(ctx), w.p.Host, remoteDirs)
	}
	return nil
}
