package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"

	"github.com/openmined/rfsync/internal/remote"
)

const (
	agentBinary = "rfs_controller"
	preloadLib  = "rfs_preload.so"
	traceLib    = "libBuildTrace.so"
	stopFile    = ".rfs_stop"
)

// ControllerDir is where the agent for the probed platform is installed.
func ControllerDir(agentDir string, info *remote.HostInfo) string {
	return path.Join(agentDir, info.PlatformDir())
}

// Mirror keeps the remote host in sync while a build runs: a remote agent
// intercepts file access and asks the local Controller for content.
type Mirror struct {
	p   Params
	dir string

	proc       remote.Process
	ctrl       *Controller
	done       chan struct{}
	stderrDone chan struct{}
}

func NewLiveMirror(p Params) *Mirror {
	p.defaults()
	return &Mirror{p: p}
}

func (m *Mirror) Kind() Kind {
	return LiveMirror
}

// Cancel is not supported once the agent serves a running build.
func (m *Mirror) Cancel() bool {
	return false
}

func (m *Mirror) Startup(ctx context.Context) (Env, error) {
	if m.p.HostInfo == nil || m.p.AgentDir == "" {
		return nil, ErrAgentNotAvailable
	}
	m.dir = ControllerDir(m.p.AgentDir, m.p.HostInfo)

	proc, err := m.p.Client.Spawn(ctx, m.p.Host, remote.SpawnSpec{
		Argv: []string{path.Join(m.dir, agentBinary)},
		Env:  m.agentEnv(),
		Dir:  m.dir,
	})
	if err != nil {
		return nil, fmt.Errorf("start rfs agent: %w", err)
	}
	m.proc = proc
	m.stderrDone = make(chan struct{})
	go m.drainStderr()

	m.ctrl = newController(&m.p, proc)
	stop := context.AfterFunc(ctx, func() { _ = proc.Terminate() })
	port, err := m.ctrl.Init(ctx)
	stop()
	if err != nil {
		if ctx.Err() != nil {
			err = ErrCancelled
		}
		slog.Error("rfs init", "host", m.p.Host.String(), "error", err)
		m.abort(ctx)
		return nil, err
	}

	m.done = make(chan struct{})
	serveCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(m.done)
		m.ctrl.Serve(serveCtx)
	}()
	return m.buildEnv(port), nil
}

// abort stops an agent whose initialization failed.
func (m *Mirror) abort(ctx context.Context) {
	_ = m.proc.Terminate()
	go func() { _, _ = io.Copy(io.Discard, m.proc.Stdout()) }()
	if _, err := m.proc.Wait(); err != nil {
		slog.Debug("rfs agent wait", "error", err)
	}
	<-m.stderrDone
	ctx = context.WithoutCancel(ctx)
	// no build ran, so there are no remote updates to report
	if m.ctrl != nil && m.ctrl.discovery != nil {
		m.ctrl.discovery.Cleanup(ctx, nil)
	}
	if err := m.p.Store.Persist(ctx); err != nil {
		slog.Error("rfs persist", "host", m.p.Host.String(), "error", err)
	}
}

func (m *Mirror) drainStderr() {
	defer close(m.stderrDone)
	scanner := bufio.NewScanner(m.proc.Stderr())
	for scanner.Scan() {
		slog.Info("rfs agent", "host", m.p.Host.String(), "line", scanner.Text())
	}
}

func (m *Mirror) agentEnv() map[string]string {
	env := map[string]string{"RFS_CONTROLLER_DIR": m.dir}
	for k, v := range m.p.DebugEnv {
		env[k] = v
	}
	return env
}

func (m *Mirror) buildEnv(port int) Env {
	lib := "lib"
	if m.p.HostInfo.Is64Bit() {
		lib = "lib_64"
	}
	preload := preloadLib
	if m.p.Trace {
		preload += ":" + traceLib
	}
	env := Env{
		"LD_PRELOAD":          preload,
		"LD_LIBRARY_PATH":     m.dir + ":" + path.Join(m.dir, lib),
		"RFS_CONTROLLER_PORT": strconv.Itoa(port),
	}
	for k, v := range m.agentEnv() {
		env[k] = v
	}
	return env
}

// Shutdown stops the agent and waits for the controller loop, which runs
// new files discovery and persists the store on its way out.
func (m *Mirror) Shutdown(ctx context.Context) error {
	if m.proc == nil || m.done == nil {
		return nil
	}

	if m.p.Trace {
		stop := path.Join(m.dir, stopFile)
		res, err := m.p.Client.Execute(ctx, m.p.Host, "touch", stop)
		if err != nil || !res.OK() {
			slog.Warn("rfs stop file", "host", m.p.Host.String(), "path", stop, "error", err)
			_ = m.proc.Terminate()
		}
	} else if err := m.proc.Terminate(); err != nil {
		slog.Warn("rfs terminate agent", "host", m.p.Host.String(), "error", err)
	}

	<-m.done
	<-m.stderrDone
	if code, err := m.proc.Wait(); err != nil {
		slog.Debug("rfs agent wait", "host", m.p.Host.String(), "error", err)
	} else {
		slog.Debug("rfs agent exited", "host", m.p.Host.String(), "code", code)
	}

	if m.p.Refresher != nil && m.ctrl.manifest != nil {
		var remoteDirs []string
		for _, d := range m.ctrl.manifest.Dirs() {
			remoteDirs = append(remoteDirs, d.Remote)
		}
		go m.p.Refresher.Refresh(context.WithoutCancel(ctx), m.p.Host, remoteDirs)
	}
	return nil
}
