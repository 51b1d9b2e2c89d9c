package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"github.com/openmined/rfsync/internal/collector"
	"github.com/openmined/rfsync/internal/filestate"
	"github.com/openmined/rfsync/internal/remote"
	"github.com/openmined/rfsync/internal/rfsproto"
)

// Controller is the local end of the live mirroring protocol. It answers
// the agent's read requests with uploads and records remote writes.
type Controller struct {
	p    *Params
	proc remote.Process
	conn *rfsproto.Conn

	version byte
	skewMs  int64

	// canonical maps the agent's resolved paths to mapped remote paths.
	mu        sync.Mutex
	canonical map[string]string

	manifest  *collector.Collector
	discovery *collector.Discovery
}

func newController(p *Params, proc remote.Process) *Controller {
	return &Controller{
		p:         p,
		proc:      proc,
		conn:      rfsproto.NewConn(proc.Stdout(), proc.Stdin()),
		canonical: make(map[string]string),
	}
}

func (c *Controller) localVersion() byte {
	if c.p.Timestamps {
		return rfsproto.VersionTimestamps
	}
	return rfsproto.VersionPlain
}

// SkewMs is the measured remote minus local clock offset.
func (c *Controller) SkewMs() int64 {
	return c.skewMs
}

// Init runs the handshake, sends the manifest and returns the agent's port.
func (c *Controller) Init(ctx context.Context) (int, error) {
	if err := c.negotiate(); err != nil {
		return 0, err
	}
	if err := c.measureSkew(); err != nil {
		return 0, err
	}

	c.manifest = collector.New(collector.Options{
		Roots:        c.p.Roots,
		BuildResults: c.p.BuildResults,
		Mapper:       c.p.Mapper,
		Filter:       c.p.Filter,
		Exec:         c.p.Client,
		LsFlags:      c.p.LocalLsFlags,
	})
	infos, err := c.manifest.Collect(ctx)
	if err != nil {
		return 0, fmt.Errorf("gather files: %w", err)
	}

	c.discovery = collector.NewDiscovery(collector.DiscoveryOptions{
		Exec:         c.p.Client,
		Host:         c.p.Host,
		Mapper:       c.p.Mapper,
		Filter:       c.p.Filter,
		Store:        c.p.Store,
		Clock:        c.p.Clock,
		Extensions:   c.p.SourceExtensions,
		BuildResults: c.p.BuildResults,
	})
	if root := remoteRootOf(c.manifest, c.p.Roots); root != "" {
		if err := c.discovery.Prepare(ctx, root); err != nil {
			slog.Warn("rfs discovery marker", "host", c.p.Host.String(), "error", err)
		}
	}

	if err := c.sendManifest(infos); err != nil {
		return 0, fmt.Errorf("send manifest: %w", err)
	}

	acks, err := c.conn.ReadAcks()
	if err != nil {
		return 0, c.agentError("read manifest acks", err)
	}
	c.applyAcks(acks)

	line, err := c.conn.ReadLine()
	if err != nil {
		return 0, c.agentError("read port", err)
	}
	port, err := rfsproto.ParsePort(line)
	if err != nil {
		return 0, err
	}
	slog.Info("rfs ready", "host", c.p.Host.String(), "version", string(c.version), "skew_ms", c.skewMs, "entries", len(infos), "port", port)
	return port, nil
}

func (c *Controller) agentError(what string, err error) error {
	if errors.Is(err, io.EOF) || !c.proc.Alive() {
		return fmt.Errorf("%s: %w", what, ErrAgentExited)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (c *Controller) negotiate() error {
	line, err := c.conn.ReadLine()
	if err != nil {
		return c.agentError("read versions", err)
	}
	if v, ok := rfsproto.ParseControllerVersion(line); ok {
		slog.Info("rfs agent", "host", c.p.Host.String(), "controller_version", v)
		if line, err = c.conn.ReadLine(); err != nil {
			return c.agentError("read versions", err)
		}
	}
	versions, err := rfsproto.ParseVersions(line)
	if err != nil {
		return err
	}

	want := c.localVersion()
	if bytes.IndexByte(versions, want) < 0 {
		return fmt.Errorf("%w: agent supports %q, need %q", ErrProtocolMismatch, versions, want)
	}
	c.version = want
	return c.conn.Send(rfsproto.VersionLine(want))
}

func (c *Controller) measureSkew() error {
	if err := c.conn.Send(rfsproto.SkewCountLine(rfsproto.SkewCount)); err != nil {
		return err
	}
	samples := make([]SkewSample, 0, rfsproto.SkewCount)
	for i := 0; i < rfsproto.SkewCount; i++ {
		before := c.p.Clock.Now().UnixMilli()
		if err := c.conn.Send(rfsproto.SkewLine(i)); err != nil {
			return err
		}
		line, err := c.conn.ReadLine()
		if err != nil {
			return c.agentError("read skew", err)
		}
		remoteMs, err := rfsproto.ParseMillis(line)
		if err != nil {
			return err
		}
		samples = append(samples, SkewSample{Before: before, Remote: remoteMs, After: c.p.Clock.Now().UnixMilli()})
	}
	c.skewMs = ComputeSkew(samples)

	if err := c.conn.Send(rfsproto.SkewEnd); err != nil {
		return err
	}
	line, err := c.conn.ReadLine()
	if err != nil {
		return c.agentError("read fs skew", err)
	}
	fsSkew, err := rfsproto.ParseFSSkew(line)
	if err != nil {
		return err
	}
	if abs(fsSkew)/1000 > int64(c.p.FSSkewThreshold.Seconds()) {
		msg := fmt.Sprintf("file system clock on %s differs from the local clock by %.1fs; incremental builds may misbehave", c.p.Host, float64(fsSkew)/1000)
		slog.Warn("rfs fs skew", "host", c.p.Host.String(), "fs_skew_ms", fsSkew)
		c.p.Notify(msg)
	}
	return nil
}

// sendManifest streams one line per entry followed by a blank line, then
// marks every announced Initial file as Touched.
func (c *Controller) sendManifest(infos []*collector.Info) error {
	type touch struct {
		local string
		mtime int64
	}
	var touched []touch

	for _, info := range infos {
		var err error
		switch {
		case info.IsDir():
			err = c.conn.Write(rfsproto.DirLine(info.Remote))
		case info.IsLink():
			err = c.conn.Write(rfsproto.LinkLines(info.Remote, info.LinkTarget)...)
		default:
			mtime := info.ModTime.UnixMilli()
			state := c.wireState(info.Local, mtime)
			var ts *rfsproto.Timestamp
			if c.version == rfsproto.VersionTimestamps {
				t := rfsproto.RemoteTimestamp(mtime, c.skewMs)
				ts = &t
			}
			err = c.conn.Write(rfsproto.FileLine(state, info.Size, ts, info.Remote))
			if state == filestate.Initial {
				touched = append(touched, touch{local: info.Local, mtime: mtime})
			}
		}
		if err != nil {
			return err
		}
	}
	if err := c.conn.Send(""); err != nil {
		return err
	}

	for _, t := range touched {
		c.p.Store.Set(t.local, filestate.Touched, t.mtime)
	}
	return nil
}

// wireState is the belief sent for a file that exists locally: Copied and
// Touched survive only while the stored timestamp matches, Error and
// Inexistent are offered again as Initial.
func (c *Controller) wireState(local string, mtimeMs int64) filestate.State {
	c.p.Store.MarkPresent(local)
	e, _ := c.p.Store.Get(local)
	switch e.State {
	case filestate.Copied, filestate.Touched:
		if e.Timestamp == mtimeMs {
			return e.State
		}
		return filestate.Initial
	case filestate.Uncontrolled:
		return e.State
	default:
		return filestate.Initial
	}
}

func (c *Controller) applyAcks(acks []rfsproto.Ack) {
	for _, ack := range acks {
		local, err := c.p.Mapper.ToLocal(ack.RemotePath)
		if err != nil {
			slog.Warn("rfs ack unmapped", "path", ack.RemotePath, "error", err)
			continue
		}
		if ack.Legacy {
			slog.Debug("rfs legacy ack", "path", ack.RemotePath)
		} else if ack.Canonical != "" && ack.Canonical != ack.RemotePath {
			c.mu.Lock()
			c.canonical[ack.Canonical] = ack.RemotePath
			c.mu.Unlock()
		}

		if info, ok := c.manifest.Lookup(local); ok && ack.State == filestate.Copied {
			c.p.Store.Set(local, filestate.Copied, info.ModTime.UnixMilli())
			continue
		}
		c.p.Store.SetState(local, ack.State)
	}
}

// toLocal maps an agent path, trying the canonical table first.
func (c *Controller) toLocal(remotePath string) (string, error) {
	c.mu.Lock()
	mapped, ok := c.canonical[remotePath]
	c.mu.Unlock()
	if ok {
		remotePath = mapped
	}
	return c.p.Mapper.ToLocal(remotePath)
}

// Serve processes requests until the agent closes its output, then runs
// new files discovery and persists the store.
func (c *Controller) Serve(ctx context.Context) {
	defer c.finish(ctx)

	for {
		line, err := c.conn.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				slog.Warn("rfs read", "host", c.p.Host.String(), "error", err)
			}
			return
		}

		req, err := rfsproto.ParseRequest(line)
		if err != nil {
			slog.Warn("rfs protocol error", "host", c.p.Host.String(), "error", err)
			continue
		}

		switch req.Kind {
		case rfsproto.Read:
			resp := c.serveRead(ctx, req.Path)
			if err := c.conn.Send(resp); err != nil {
				slog.Warn("rfs respond", "host", c.p.Host.String(), "path", req.Path, "error", err)
				return
			}
		case rfsproto.Written:
			c.written(req.Path)
		case rfsproto.Ping:
		case rfsproto.Killed:
			if c.proc.Alive() {
				slog.Warn("rfs protocol error", "host", c.p.Host.String(), "error", "Killed from a running agent")
				continue
			}
			slog.Info("rfs agent killed", "host", c.p.Host.String())
			return
		}
	}
}

func (c *Controller) serveRead(ctx context.Context, remotePath string) string {
	local, err := c.toLocal(remotePath)
	if err != nil {
		slog.Debug("rfs read unmapped", "path", remotePath)
		return rfsproto.ResponseFail(rfsproto.CodeNotFound)
	}

	st, err := os.Stat(local)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.p.Store.SetState(local, filestate.Inexistent)
			return rfsproto.ResponseFail(rfsproto.CodeNotFound)
		}
		slog.Warn("rfs read stat", "path", local, "error", err)
		return rfsproto.ResponseFail(rfsproto.CodeIO)
	}
	if st.IsDir() {
		return rfsproto.ResponseFail(rfsproto.CodeIsDir)
	}

	// a file reported missing earlier may have appeared since
	c.p.Store.MarkPresent(local)
	if !c.p.Store.NeedsCopying(local, st.ModTime()) {
		return rfsproto.ResponseOK()
	}

	target, err := c.p.Mapper.ToRemote(local)
	if err != nil {
		return rfsproto.ResponseFail(rfsproto.CodeNotFound)
	}
	if err := c.p.Client.Upload(ctx, local, c.p.Host, target, st.Mode().Perm()); err != nil {
		slog.Error("rfs upload", "host", c.p.Host.String(), "path", local, "error", err)
		c.p.Store.SetState(local, filestate.Error)
		return rfsproto.ResponseFail(rfsproto.CodeIO)
	}
	c.p.Store.MarkCopied(local, st.ModTime())
	slog.Debug("rfs served", "path", local, "remote", target)
	return rfsproto.ResponseOK()
}

func (c *Controller) written(remotePath string) {
	local, err := c.toLocal(remotePath)
	if err != nil {
		slog.Debug("rfs write unmapped", "path", remotePath)
		return
	}
	c.p.Store.SetState(local, filestate.Uncontrolled)
	if c.discovery != nil {
		c.discovery.AddUpdate(local)
	}
}

// finish always runs after the loop, however it ended.
func (c *Controller) finish(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if c.discovery != nil {
		var dirs []string
		if c.manifest != nil {
			for _, d := range c.manifest.Dirs() {
				dirs = append(dirs, d.Local)
			}
		}
		if err := c.discovery.Run(ctx, dirs); err != nil {
			slog.Warn("rfs discovery", "host", c.p.Host.String(), "error", err)
		}
		c.discovery.Cleanup(ctx, c.p.UpdateSink)
	}
	if err := c.p.Store.Persist(ctx); err != nil {
		slog.Error("rfs persist", "host", c.p.Host.String(), "error", err)
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
