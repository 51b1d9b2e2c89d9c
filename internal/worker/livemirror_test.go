package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/rfsync/internal/filestate"
	"github.com/openmined/rfsync/internal/remote"
	"github.com/openmined/rfsync/internal/rfsproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const agentPath = "/opt/rfs/linux-x86_64/rfs_controller"

// fakeAgent plays the remote side of the protocol.
type fakeAgent struct {
	clock    clockwork.Clock
	versions string
	skewMs   int64
	fsSkew   string
	acks     []string
	// exitAfterManifest makes the agent quit before acknowledging.
	exitAfterManifest bool
	requests          []string

	mu        sync.Mutex
	received  []string
	manifest  []string
	responses map[string]string
	steady    chan struct{}
}

func newFakeAgent(clock clockwork.Clock) *fakeAgent {
	return &fakeAgent{
		clock:     clock,
		versions:  "3 5",
		skewMs:    250,
		fsSkew:    "0",
		responses: make(map[string]string),
		steady:    make(chan struct{}),
	}
}

func (a *fakeAgent) handle(ctx context.Context, _ remote.Call, stdin io.Reader, stdout, stderr io.Writer) int {
	in := bufio.NewReader(stdin)
	read := func() (string, bool) {
		line, err := in.ReadString('\n')
		if err != nil {
			return "", false
		}
		line = strings.TrimSuffix(line, "\n")
		a.mu.Lock()
		a.received = append(a.received, line)
		a.mu.Unlock()
		return line, true
	}

	fmt.Fprintf(stdout, "CONTROLLER VERSION 2.1\nVERSIONS %s\n", a.versions)
	if _, ok := read(); !ok {
		return 1
	}
	if _, ok := read(); !ok {
		return 1
	}
	for i := 0; i < rfsproto.SkewCount; i++ {
		if _, ok := read(); !ok {
			return 1
		}
		fmt.Fprintf(stdout, "%d\n", a.clock.Now().UnixMilli()+a.skewMs)
	}
	if _, ok := read(); !ok {
		return 1
	}
	fmt.Fprintf(stdout, "FS_SKEW %s\n", a.fsSkew)

	for {
		line, ok := read()
		if !ok {
			return 1
		}
		if line == "" {
			break
		}
		a.mu.Lock()
		a.manifest = append(a.manifest, line)
		a.mu.Unlock()
	}
	if a.exitAfterManifest {
		return 3
	}

	for _, ack := range a.acks {
		fmt.Fprintln(stdout, ack)
	}
	fmt.Fprint(stdout, "\nPORT 4242\n")
	fmt.Fprintln(stderr, "agent listening")

	for _, req := range a.requests {
		fmt.Fprintln(stdout, req)
		if strings.HasPrefix(req, "r ") {
			resp, ok := read()
			if !ok {
				return 1
			}
			a.mu.Lock()
			a.responses[req] = resp
			a.mu.Unlock()
		}
	}
	close(a.steady)
	<-ctx.Done()
	return 0
}

type mirrorFixture struct {
	src      string
	params   Params
	exec     *remote.MockExecutor
	agent    *fakeAgent
	notified []string
	updates  []string
}

func newMirrorFixture(t *testing.T) *mirrorFixture {
	t.Helper()
	src := t.TempDir()
	for _, name := range []string{"a.c", "c.c", "d.c", "fail.c"} {
		writeFile(t, filepath.Join(src, name), name, 0o644)
	}
	writeFile(t, filepath.Join(src, "sub", "b.h"), "b", 0o644)

	clock := autoClock(t)
	f := &mirrorFixture{src: src, agent: newFakeAgent(clock)}
	f.exec = remote.NewMockExecutor().
		AllowUnexpected().
		Reply("mktemp", "/r/.rfs_marker_x1\n", 0).
		Handle("sh", func(_ context.Context, _ remote.Call, stdin io.Reader, stdout, _ io.Writer) int {
			_, _ = io.Copy(io.Discard, stdin)
			fmt.Fprintln(stdout, "/r/gen.c")
			return 0
		}).
		Handle(agentPath, f.agent.handle)
	f.exec.UploadFunc = func(_ context.Context, local string, _ remote.Host, _ string) error {
		if filepath.Base(local) == "fail.c" {
			return errors.New("connection reset")
		}
		return nil
	}

	store := filestate.NewStore(nil)
	bh, err := os.Stat(filepath.Join(src, "sub", "b.h"))
	require.NoError(t, err)
	store.MarkCopied(filepath.Join(src, "sub", "b.h"), bh.ModTime())
	store.Set(filepath.Join(src, "c.c"), filestate.Error, 0)
	store.Set(filepath.Join(src, "d.c"), filestate.Copied, 1)

	f.params = Params{
		Host:       remote.Host{Name: "builder"},
		Client:     f.exec,
		HostInfo:   &remote.HostInfo{OS: "Linux", CPU: "x86_64", Bits: 64},
		Mapper:     newMapper(t, src, "/r"),
		Store:      store,
		Clock:      clock,
		Roots:      []string{src},
		AgentDir:   "/opt/rfs",
		Timestamps: true,
		DebugEnv:   map[string]string{"RFS_DEBUG_LEVEL": "2"},
		Notify:     func(msg string) { f.notified = append(f.notified, msg) },
		UpdateSink: remote.UpdateSinkFunc(func(_ remote.Host, paths []string) {
			f.updates = append(f.updates, paths...)
		}),
	}
	return f
}

func (f *mirrorFixture) local(name string) string {
	return filepath.Join(f.src, name)
}

func TestLiveMirror_Session(t *testing.T) {
	f := newMirrorFixture(t)
	f.agent.fsSkew = "5000"
	f.agent.acks = []string{
		"*c/r/sub/b.h", "/r/sub/b.h",
		"*t/r/a.c", "/real/r/a.c",
		"t /r/c.c",
	}
	f.agent.requests = []string{
		"r /real/r/a.c",
		"r /r/missing.c",
		"r /r/sub",
		"r /elsewhere/x.c",
		"w /r/out.o",
		"p",
		"bogus line",
		"r /r/fail.c",
		"Killed",
		"r /r/a.c",
	}

	w := NewLiveMirror(f.params)
	env, err := w.Startup(context.Background())
	require.NoError(t, err)

	dir := "/opt/rfs/linux-x86_64"
	assert.Equal(t, Env{
		"LD_PRELOAD":          "rfs_preload.so",
		"LD_LIBRARY_PATH":     dir + ":" + dir + "/lib_64",
		"RFS_CONTROLLER_DIR":  dir,
		"RFS_CONTROLLER_PORT": "4242",
		"RFS_DEBUG_LEVEL":     "2",
	}, env)

	spawned := f.exec.CallsTo(agentPath)
	require.Len(t, spawned, 1)
	assert.Equal(t, dir, spawned[0].Env["RFS_CONTROLLER_DIR"])
	assert.Equal(t, dir, spawned[0].Dir)

	select {
	case <-f.agent.steady:
	case <-time.After(5 * time.Second):
		t.Fatal("agent requests not answered")
	}
	require.NoError(t, w.Shutdown(context.Background()))

	f.agent.mu.Lock()
	defer f.agent.mu.Unlock()

	assert.Equal(t, "VERSION=5", f.agent.received[0])
	assert.Equal(t, "SKEW_COUNT=10", f.agent.received[1])
	assert.Equal(t, int64(250), w.ctrl.SkewMs())
	require.Len(t, f.notified, 1)
	assert.Contains(t, f.notified[0], "builder")

	a, err := os.Stat(f.local("a.c"))
	require.NoError(t, err)
	ts := rfsproto.RemoteTimestamp(a.ModTime().UnixMilli(), 250)
	assert.Contains(t, f.agent.manifest, fmt.Sprintf("i 3 %d %d /r/a.c", ts.Sec, ts.Usec))
	assert.Contains(t, f.agent.manifest, "D /r/sub")

	wire := make(map[string]byte)
	for _, line := range f.agent.manifest {
		fields := strings.Fields(line)
		wire[fields[len(fields)-1]] = line[0]
	}
	assert.Equal(t, byte('c'), wire["/r/sub/b.h"], "copied and unchanged")
	assert.Equal(t, byte('i'), wire["/r/c.c"], "error is offered again")
	assert.Equal(t, byte('i'), wire["/r/d.c"], "stale copy demoted")

	assert.Equal(t, map[string]string{
		"r /real/r/a.c":    "1",
		"r /r/missing.c":   "0 2",
		"r /r/sub":         "0 21",
		"r /elsewhere/x.c": "0 2",
		"r /r/fail.c":      "0 5",
		"r /r/a.c":         "1",
	}, f.agent.responses)

	store := f.params.Store
	assert.Equal(t, filestate.Copied, store.State(f.local("a.c")))
	assert.Equal(t, filestate.Copied, store.State(f.local("sub/b.h")))
	assert.Equal(t, filestate.Touched, store.State(f.local("c.c")))
	assert.Equal(t, filestate.Touched, store.State(f.local("d.c")))
	assert.Equal(t, filestate.Error, store.State(f.local("fail.c")))
	assert.Equal(t, filestate.Inexistent, store.State(f.local("missing.c")))
	assert.Equal(t, filestate.Uncontrolled, store.State(f.local("out.o")))
	assert.Equal(t, filestate.Uncontrolled, store.State(f.local("gen.c")))

	e, _ := store.Get(f.local("a.c"))
	assert.Equal(t, a.ModTime().UnixMilli(), e.Timestamp)

	uploads := 0
	for _, tr := range f.exec.Transfers() {
		if tr.Op == "upload" && tr.Local == f.local("a.c") {
			uploads++
			assert.Equal(t, "/r/a.c", tr.Remote)
		}
	}
	assert.Equal(t, 1, uploads, "unchanged file served without a second upload")

	assert.Equal(t, []string{f.local("gen.c"), f.local("out.o")}, f.updates)
	assert.Len(t, f.exec.CallsTo("rm"), 1, "marker removed")
}

func TestLiveMirror_VersionMismatchSendsNothing(t *testing.T) {
	f := newMirrorFixture(t)
	f.agent.versions = "3"

	w := NewLiveMirror(f.params)
	_, err := w.Startup(context.Background())
	require.ErrorIs(t, err, ErrProtocolMismatch)

	f.agent.mu.Lock()
	defer f.agent.mu.Unlock()
	assert.Empty(t, f.agent.received)
	assert.Empty(t, f.agent.manifest)
	assert.Equal(t, filestate.Initial, f.params.Store.State(f.local("a.c")))
}

func TestLiveMirror_PlainVersionOmitsTimestamps(t *testing.T) {
	f := newMirrorFixture(t)
	f.params.Timestamps = false
	f.agent.versions = "3"

	w := NewLiveMirror(f.params)
	_, err := w.Startup(context.Background())
	require.NoError(t, err)
	<-f.agent.steady
	require.NoError(t, w.Shutdown(context.Background()))

	f.agent.mu.Lock()
	defer f.agent.mu.Unlock()
	assert.Equal(t, "VERSION=3", f.agent.received[0])
	assert.Contains(t, f.agent.manifest, "i 3 /r/a.c")
}

func TestLiveMirror_MalformedFSSkewFails(t *testing.T) {
	f := newMirrorFixture(t)
	f.agent.fsSkew = "soon"

	_, err := NewLiveMirror(f.params).Startup(context.Background())
	require.ErrorIs(t, err, rfsproto.ErrMalformed)
}

func TestLiveMirror_AgentExitsBeforePort(t *testing.T) {
	f := newMirrorFixture(t)
	f.agent.exitAfterManifest = true

	_, err := NewLiveMirror(f.params).Startup(context.Background())
	require.ErrorIs(t, err, ErrAgentExited)

	rms := f.exec.CallsTo("rm")
	require.Len(t, rms, 1, "marker removed")
	assert.Equal(t, []string{"rm", "-f", "/r/.rfs_marker_x1"}, rms[0].Argv)
	assert.Empty(t, f.updates)
}

func TestLiveMirror_NeedsHostInfo(t *testing.T) {
	f := newMirrorFixture(t)
	f.params.HostInfo = nil

	_, err := NewLiveMirror(f.params).Startup(context.Background())
	require.ErrorIs(t, err, ErrAgentNotAvailable)
	assert.Empty(t, f.exec.CallsTo(agentPath))
}

func TestLiveMirror_TraceStopsWithStopFile(t *testing.T) {
	f := newMirrorFixture(t)
	f.params.Trace = true
	touched := make(chan struct{})
	f.exec.Handle("touch", func(_ context.Context, call remote.Call, _ io.Reader, _, _ io.Writer) int {
		assert.Equal(t, []string{"touch", "/opt/rfs/linux-x86_64/.rfs_stop"}, call.Argv)
		close(touched)
		return 0
	})
	// the agent exits on its own once the stop file appears
	agent := f.agent.handle
	f.exec.Handle(agentPath, func(ctx context.Context, call remote.Call, stdin io.Reader, stdout, stderr io.Writer) int {
		stop, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-touched:
				cancel()
			case <-stop.Done():
			}
		}()
		return agent(stop, call, stdin, stdout, stderr)
	})

	w := NewLiveMirror(f.params)
	env, err := w.Startup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rfs_preload.so:libBuildTrace.so", env["LD_PRELOAD"])

	<-f.agent.steady
	require.NoError(t, w.Shutdown(context.Background()))
}
