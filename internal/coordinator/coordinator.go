// Package coordinator runs sync sessions: it picks a strategy for the host,
// serializes sessions per (project, host) and owns the per-project state.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/openmined/rfsync/internal/filestate"
	"github.com/openmined/rfsync/internal/pathmap"
	"github.com/openmined/rfsync/internal/remote"
	"github.com/openmined/rfsync/internal/shareability"
	"github.com/openmined/rfsync/internal/worker"
)

var ErrSessionLocked = errors.New("another rfsync process is syncing this project to the host")

const (
	StrategyAuto      = "auto"
	hostInfoCacheSize = 32
)

// Request describes one sync of a project to a host.
type Request struct {
	Project      string
	Host         remote.Host
	Rules        []pathmap.Rule
	Roots        []string
	BuildResults []string
	// Strategy is "auto" or a worker.Kind name.
	Strategy       string
	CheckExistence bool
	Trace          bool
}

func (r Request) roots() []string {
	if len(r.Roots) > 0 {
		return r.Roots
	}
	return []string{r.Project}
}

type Options struct {
	StateDir string
	// Client reaches every host; calls for remote.LocalHost run locally.
	Client            remote.Client
	Clock             clockwork.Clock
	AgentDir          string
	UploadConcurrency int
	Timestamps        bool
	FSSkewThreshold   time.Duration
	SourceExtensions  []string
	DebugEnv          map[string]string
	UpdateSink        remote.UpdateSink
	Refresher         remote.CacheRefresher
	Notify            func(msg string)
	// LockTimeout bounds the wait for another process's session on the
	// same project and host. Zero fails at once with ErrSessionLocked.
	LockTimeout time.Duration
}

type sessionKey struct {
	project string
	host    string
}

type Coordinator struct {
	opts     Options
	states   *filestate.Registry
	mappers  *pathmap.Registry
	hostInfo *lru.Cache[remote.Host, *remote.HostInfo]

	mu      sync.Mutex
	latches map[sessionKey]chan struct{}
}

func New(opts Options) (*Coordinator, error) {
	if opts.StateDir == "" {
		return nil, errors.New("state dir is required")
	}
	if opts.Client == nil {
		return nil, errors.New("remote client is required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	cache, err := lru.New[remote.Host, *remote.HostInfo](hostInfoCacheSize)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		opts:     opts,
		states:   filestate.NewRegistry(),
		mappers:  pathmap.NewRegistry(),
		hostInfo: cache,
		latches:  make(map[sessionKey]chan struct{}),
	}, nil
}

// StorageDir is the private state directory of a project.
func (c *Coordinator) StorageDir(project string) string {
	project = filestate.Canonical(project)
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+project)).String()[:8]
	return filepath.Join(c.opts.StateDir, "projects", filepath.Base(project)+"-"+id)
}

var unsafeLockChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// lockPath is never removed: a waiter holding an open descriptor must lock
// the same inode as anyone who opens the path later.
func (c *Coordinator) lockPath(storageDir string, host remote.Host) string {
	return filepath.Join(storageDir, unsafeLockChars.ReplaceAllString(host.String(), "_")+".lock")
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return nil
}

// acquire waits for the in-process session on key to end.
func (c *Coordinator) acquire(ctx context.Context, key sessionKey) (func(), error) {
	for {
		c.mu.Lock()
		latch, busy := c.latches[key]
		if !busy {
			latch = make(chan struct{})
			c.latches[key] = latch
			c.mu.Unlock()
			return func() {
				c.mu.Lock()
				delete(c.latches, key)
				c.mu.Unlock()
				close(latch)
			}, nil
		}
		c.mu.Unlock()

		slog.Info("coordinator waiting for previous session", "project", key.project, "host", key.host)
		select {
		case <-latch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Coordinator) lock(ctx context.Context, path string) (*flock.Flock, error) {
	fl := flock.New(path)
	var locked bool
	var err error
	if c.opts.LockTimeout > 0 {
		lctx, cancel := context.WithTimeout(ctx, c.opts.LockTimeout)
		defer cancel()
		locked, err = fl.TryLockContext(lctx, 100*time.Millisecond)
		if err != nil && lctx.Err() != nil && ctx.Err() == nil {
			return nil, ErrSessionLocked
		}
	} else {
		locked, err = fl.TryLock()
	}
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return nil, ErrSessionLocked
	}
	return fl, nil
}

// HostInfo probes host once and caches the answer.
func (c *Coordinator) HostInfo(ctx context.Context, host remote.Host) (*remote.HostInfo, error) {
	if info, ok := c.hostInfo.Get(host); ok {
		return info, nil
	}
	var info *remote.HostInfo
	var err error
	if host.IsLocal() {
		info, err = remote.LocalHostInfo(ctx)
	} else {
		info, err = remote.ProbeHostInfo(ctx, c.opts.Client, host, c.opts.Clock)
	}
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", host, err)
	}
	c.hostInfo.Add(host, info)
	slog.Info("coordinator host info", "host", host.String(), "platform", info.PlatformDir(), "bits", info.Bits, "skew", info.Skew)
	return info, nil
}

// SelectStrategy resolves "auto": the agent when it is installed for the
// platform, zip when unzip exists, plain whole-copy otherwise.
func (c *Coordinator) SelectStrategy(ctx context.Context, host remote.Host, info *remote.HostInfo, strategy string) (worker.Kind, error) {
	if strategy != "" && strategy != StrategyAuto {
		return worker.ParseKind(strategy)
	}

	if c.opts.AgentDir != "" && info != nil {
		agent := path.Join(worker.ControllerDir(c.opts.AgentDir, info), "rfs_controller")
		if res, err := c.opts.Client.Execute(ctx, host, "test", "-x", agent); err == nil && res.OK() {
			return worker.LiveMirror, nil
		}
	}
	res, err := c.opts.Client.Execute(ctx, host, "sh", "-c", "command -v unzip")
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		slog.Warn("coordinator probe unzip", "host", host.String(), "error", err)
		return worker.WholeCopy, nil
	}
	if res.OK() {
		return worker.ZipBatch, nil
	}
	return worker.WholeCopy, nil
}

func (c *Coordinator) mapper(project string, req Request) (*pathmap.Mapper, error) {
	key := pathmap.HostPair{Local: project, Remote: req.Host.String()}
	m, err := c.mappers.GetOrCreate(key, req.Rules)
	if err != nil {
		return nil, err
	}
	if len(req.Rules) > 0 && !sameRules(m.Rules(), req.Rules) {
		c.mappers.Drop(key)
		return c.mappers.GetOrCreate(key, req.Rules)
	}
	return m, nil
}

func sameRules(a, b []pathmap.Rule) bool {
	if len(a) != len(b) {
		return false
	}
	norm := func(rules []pathmap.Rule) []string {
		out := make([]string, 0, len(rules))
		for _, r := range rules {
			out = append(out, filepath.Clean(r.Local)+"="+path.Clean(r.Remote))
		}
		sort.Strings(out)
		return out
	}
	na, nb := norm(a), norm(b)
	for i := range na {
		if na[i] != nb[i] {
			return false
		}
	}
	return true
}

// Begin waits for earlier sessions on the same project and host, brings the
// host up to date and returns the running session.
func (c *Coordinator) Begin(ctx context.Context, req Request) (s *Session, err error) {
	if req.Project == "" {
		return nil, errors.New("project is required")
	}
	project := filestate.Canonical(req.Project)
	key := sessionKey{project: project, host: req.Host.String()}

	release, err := c.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	storageDir := c.StorageDir(project)
	var fl *flock.Flock
	defer func() {
		if err != nil {
			if fl != nil {
				_ = fl.Unlock()
			}
			release()
		}
	}()

	if err := ensureDir(storageDir); err != nil {
		return nil, err
	}
	if fl, err = c.lock(ctx, c.lockPath(storageDir, req.Host)); err != nil {
		return nil, err
	}

	mapper, err := c.mapper(project, req)
	if err != nil {
		return nil, err
	}
	store, err := c.states.Get(ctx, filestate.Key{StorageDir: storageDir, Host: req.Host.String()})
	if err != nil {
		return nil, err
	}
	info, err := c.HostInfo(ctx, req.Host)
	if err != nil {
		return nil, err
	}
	localInfo, err := c.HostInfo(ctx, remote.LocalHost)
	if err != nil {
		return nil, err
	}
	kind, err := c.SelectStrategy(ctx, req.Host, info, req.Strategy)
	if err != nil {
		return nil, err
	}

	params := worker.Params{
		Host:              req.Host,
		Client:            c.opts.Client,
		HostInfo:          info,
		Mapper:            mapper,
		Filter:            shareability.NewFilter(shareability.NewIgnoreClassifier(project)),
		Store:             store,
		Clock:             c.opts.Clock,
		Roots:             req.roots(),
		BuildResults:      req.BuildResults,
		LocalLsFlags:      localInfo.LsFlags(),
		UploadConcurrency: c.opts.UploadConcurrency,
		CheckExistence:    req.CheckExistence,
		SourceExtensions:  c.opts.SourceExtensions,
		UpdateSink:        c.opts.UpdateSink,
		Refresher:         c.opts.Refresher,
		AgentDir:          c.opts.AgentDir,
		Trace:             req.Trace,
		Timestamps:        c.opts.Timestamps,
		FSSkewThreshold:   c.opts.FSSkewThreshold,
		Notify:            c.opts.Notify,
		DebugEnv:          c.opts.DebugEnv,
	}

	s = &Session{
		ID:      uuid.NewString(),
		Project: project,
		Host:    req.Host,
		store:   store,
		flock:   fl,
		release: release,
		started: c.opts.Clock.Now(),
		clock:   c.opts.Clock,
	}
	slog.Info("session begin", "id", s.ID, "project", project, "host", req.Host.String(), "strategy", kind.String())

	env, err := s.start(ctx, kind, params)
	if err != nil && kind == worker.LiveMirror && (req.Strategy == "" || req.Strategy == StrategyAuto) && !errors.Is(err, worker.ErrCancelled) {
		slog.Warn("session live mirror unavailable, falling back", "id", s.ID, "host", req.Host.String(), "error", err)
		env, err = s.start(ctx, worker.WholeCopy, params)
	}
	if err != nil {
		if errors.Is(err, worker.ErrCancelled) {
			slog.Info("session cancelled", "id", s.ID)
		} else {
			slog.Error("session startup", "id", s.ID, "host", req.Host.String(), "error", err)
		}
		return nil, err
	}
	s.env = env
	return s, nil
}

// Run syncs, runs build with the session environment and ends the session.
// Cancelling ctx cancels the sync.
func (c *Coordinator) Run(ctx context.Context, req Request, build func(ctx context.Context, env worker.Env) error) error {
	s, err := c.Begin(ctx, req)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { s.Cancel() })
	defer stop()

	buildErr := build(ctx, s.Env())
	endErr := s.End(context.WithoutCancel(ctx))
	return errors.Join(buildErr, endErr)
}

// Forget closes every store and mapper of project ("project closed").
func (c *Coordinator) Forget(project string) error {
	project = filestate.Canonical(project)
	dropped := c.mappers.DropLocal(project)
	slog.Debug("coordinator forget", "project", project, "mappers", dropped)
	return c.states.EvictStorage(c.StorageDir(project))
}

// ForgetHost deletes the persisted state of project for host.
func (c *Coordinator) ForgetHost(project string, host remote.Host) error {
	project = filestate.Canonical(project)
	c.mappers.Drop(pathmap.HostPair{Local: project, Remote: host.String()})
	return c.states.Forget(filestate.Key{StorageDir: c.StorageDir(project), Host: host.String()})
}

// Store opens the state of project for host without syncing.
func (c *Coordinator) Store(ctx context.Context, project string, host remote.Host) (*filestate.Store, error) {
	return c.states.Get(ctx, filestate.Key{StorageDir: c.StorageDir(filestate.Canonical(project)), Host: host.String()})
}

func (c *Coordinator) Close() error {
	return c.states.Close()
}
