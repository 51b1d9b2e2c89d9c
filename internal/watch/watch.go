// Package watch reports batches of changed project files so a host can be
// kept current between builds.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rjeczalik/notify"
)

const (
	DefaultQuiet    = 300 * time.Millisecond
	eventBufferSize = 256
)

var ErrNoRoots = errors.New("nothing to watch")

// Filter decides whether a changed path is worth a sync.
type Filter interface {
	Accept(path string, isDir bool) bool
}

type Options struct {
	Roots  []string
	Filter Filter
	// Quiet is how long the tree must stay unchanged before a batch is
	// emitted.
	Quiet time.Duration
	Clock clockwork.Clock
}

// Watcher coalesces file system events under a set of roots into batches.
// A batch is emitted once no event arrived for Quiet. Batches the consumer
// is not ready for are merged into the next one.
type Watcher struct {
	opts Options

	raw     chan notify.EventInfo
	batches chan []string
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending mapset.Set[string]
	timer   clockwork.Timer
	stopped bool
}

func New(opts Options) *Watcher {
	if opts.Quiet <= 0 {
		opts.Quiet = DefaultQuiet
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Watcher{
		opts:    opts,
		batches: make(chan []string, 1),
		done:    make(chan struct{}),
		pending: mapset.NewThreadUnsafeSet[string](),
	}
}

func (w *Watcher) Start(ctx context.Context) error {
	if len(w.opts.Roots) == 0 {
		return ErrNoRoots
	}
	w.raw = make(chan notify.EventInfo, eventBufferSize)
	for _, root := range w.opts.Roots {
		if err := notify.Watch(filepath.Join(root, "..."), w.raw, notify.Create, notify.Write, notify.Remove, notify.Rename); err != nil {
			notify.Stop(w.raw)
			return err
		}
		slog.Info("watch start", "root", root)
	}

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Batches delivers sorted paths. It is closed by Stop.
func (w *Watcher) Batches() <-chan []string {
	return w.batches
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	close(w.done)
	if w.raw != nil {
		notify.Stop(w.raw)
	}
	w.wg.Wait()
	close(w.batches)
	slog.Info("watch stopped")
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.raw:
			if !ok {
				return
			}
			w.add(ev.Path())
		}
	}
}

func (w *Watcher) add(path string) {
	isDir := false
	if st, err := os.Lstat(path); err == nil {
		isDir = st.IsDir()
	}
	if w.opts.Filter != nil && !w.opts.Filter.Accept(path, isDir) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.pending.Add(path)
	w.arm()
}

// arm restarts the quiet period. Callers hold mu.
func (w *Watcher) arm() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = w.opts.Clock.AfterFunc(w.opts.Quiet, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.pending.Cardinality() == 0 {
		return
	}

	paths := w.pending.ToSlice()
	sort.Strings(paths)
	select {
	case w.batches <- paths:
		w.pending.Clear()
		slog.Debug("watch batch", "files", len(paths))
	default:
		// consumer busy, retry after another quiet period
		w.arm()
	}
}
