package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestParseHost(t *testing.T) {
	h, err := ParseHost("build@farm.example.com:2222")
	require.NoError(t, err)
	assert.Equal(t, Host{User: "build", Name: "farm.example.com", Port: 2222}, h)
	assert.Equal(t, "build@farm.example.com:2222", h.String())
	assert.Equal(t, "farm.example.com:2222", h.Addr())

	h, err = ParseHost("farm")
	require.NoError(t, err)
	assert.Equal(t, "farm:22", h.Addr())
	assert.Equal(t, "farm", h.String())

	_, err = ParseHost("me@:22")
	assert.Error(t, err)
	_, err = ParseHost("farm:http")
	assert.Error(t, err)

	assert.True(t, LocalHost.IsLocal())
	assert.False(t, h.IsLocal())
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "''", Quote(""))
	assert.Equal(t, "/home/a/b.c", Quote("/home/a/b.c"))
	assert.Equal(t, "'a b'", Quote("a b"))
	assert.Equal(t, `'it'\''s'`, Quote("it's"))
	assert.Equal(t, `'$HOME'`, Quote("$HOME"))
	assert.Equal(t, `ls -ld 'my file'`, ShellJoin("ls", "-ld", "my file"))
}

func TestSpawnCommand(t *testing.T) {
	cmd := spawnCommand(SpawnSpec{
		Argv: []string{"/opt/rfs/rfs_controller"},
		Env:  map[string]string{"B": "2", "A": "x y"},
		Dir:  "/home/me/proj",
	})
	assert.Equal(t, `cd /home/me/proj && exec env A='x y' B=2 /opt/rfs/rfs_controller`, cmd)
}

func TestParseHostInfo(t *testing.T) {
	local := time.Unix(1_700_000_000, 0)
	info, err := parseHostInfo("Linux\naarch64\n64\n1700000003\n/tmp\ngnu\n", local)
	require.NoError(t, err)

	assert.Equal(t, "linux-aarch64", info.PlatformDir())
	assert.True(t, info.Is64Bit())
	assert.Equal(t, 3*time.Second, info.Skew)
	assert.Equal(t, []string{"-ld", "-N"}, info.LsFlags())

	_, err = parseHostInfo("Linux\n", local)
	assert.Error(t, err)
	_, err = parseHostInfo("SunOS\ni86pc\nxx\n1\n/tmp\nbsd\n", local)
	assert.Error(t, err)
}

func TestRunPiped_LocalCat(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	var got []string
	code, err := RunPiped(context.Background(), NewLocalExecutor(), LocalHost,
		SpawnSpec{Argv: []string{"cat"}},
		func(_ context.Context, w *bufio.Writer) error {
			for i := 0; i < 1000; i++ {
				if _, err := fmt.Fprintf(w, "line %d\n", i); err != nil {
					return err
				}
			}
			return nil
		},
		func(line string) { got = append(got, line) },
	)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	require.Len(t, got, 1000)
	assert.Equal(t, "line 999", got[999])
}

func TestRunPiped_ExitCode(t *testing.T) {
	m := NewMockExecutor().Handle("false", func(_ context.Context, _ Call, stdin io.Reader, _, stderr io.Writer) int {
		_, _ = io.Copy(io.Discard, stdin)
		_, _ = io.WriteString(stderr, "nope\n")
		return 3
	})
	code, err := RunPiped(context.Background(), m, Host{Name: "h"}, SpawnSpec{Argv: []string{"false"}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestRunPiped_HandlerStopsReading(t *testing.T) {
	m := NewMockExecutor().Handle("head", func(_ context.Context, _ Call, stdin io.Reader, stdout, _ io.Writer) int {
		r := bufio.NewReader(stdin)
		line, _ := r.ReadString('\n')
		_, _ = io.WriteString(stdout, line)
		return 0
	})

	var got []string
	code, err := RunPiped(context.Background(), m, Host{Name: "h"}, SpawnSpec{Argv: []string{"head"}},
		func(_ context.Context, w *bufio.Writer) error {
			for i := 0; i < 100_000; i++ {
				if _, err := fmt.Fprintf(w, "%d\n", i); err != nil {
					return err
				}
			}
			return nil
		},
		func(line string) { got = append(got, line) })
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, []string{"0"}, got)
}

func TestRunPiped_Cancel(t *testing.T) {
	started := make(chan struct{})
	m := NewMockExecutor().Handle("sleep", func(ctx context.Context, _ Call, stdin io.Reader, _, _ io.Writer) int {
		close(started)
		<-ctx.Done()
		return 143
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	done := make(chan error, 1)
	go func() {
		_, err := RunPiped(ctx, m, Host{Name: "h"}, SpawnSpec{Argv: []string{"sleep"}},
			func(ctx context.Context, w *bufio.Writer) error {
				<-ctx.Done()
				return ctx.Err()
			}, nil)
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("RunPiped did not return after cancel")
	}
}

func TestMockExecutor_UnexpectedCommand(t *testing.T) {
	m := NewMockExecutor().Reply("uname", "Linux\n", 0)

	res, err := m.Execute(context.Background(), LocalHost, "uname", "-s")
	require.NoError(t, err)
	assert.Equal(t, "Linux\n", res.Stdout)

	_, err = m.Execute(context.Background(), LocalHost, "rm", "-rf", "/")
	assert.ErrorIs(t, err, ErrUnexpectedCommand)

	m.AllowUnexpected()
	res, err = m.Execute(context.Background(), LocalHost, "rm", "-rf", "/")
	require.NoError(t, err)
	assert.True(t, res.OK())

	assert.Len(t, m.Calls(), 3)
	assert.Len(t, m.CallsTo("rm"), 2)
	assert.Equal(t, "uname -s", m.Calls()[0].Key())
}

func TestLocalExecutor_ExecuteExitCode(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	res, err := NewLocalExecutor().Execute(context.Background(), LocalHost, "sh", "-c", "echo out; echo err >&2; exit 4")
	require.NoError(t, err)
	assert.Equal(t, 4, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
}

func TestLocalExecutor_UploadKeepsMtimeAndMode(t *testing.T) {
	src := filepath.Join(t.TempDir(), "tool.sh")
	require.NoError(t, os.WriteFile(src, []byte("#!/bin/sh\n"), 0o644))
	mtime := time.Unix(1_600_000_000, 0)
	require.NoError(t, os.Chtimes(src, mtime, mtime))

	dst := filepath.Join(t.TempDir(), "deep", "dir", "tool.sh")
	l := NewLocalExecutor()
	require.NoError(t, l.Upload(context.Background(), src, LocalHost, dst, 0o755))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
	assert.True(t, info.ModTime().Equal(mtime))

	entries, err := os.ReadDir(filepath.Dir(dst))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	require.NoError(t, l.Rm(context.Background(), LocalHost, filepath.Dir(dst)))
	assert.NoDirExists(t, filepath.Dir(dst))
}

func TestLocalProcess_TerminateAndAlive(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	p, err := NewLocalExecutor().Spawn(context.Background(), LocalHost, SpawnSpec{Argv: []string{"sleep", "30"}})
	require.NoError(t, err)
	assert.True(t, p.Alive())

	require.NoError(t, p.Terminate())
	_, _ = io.Copy(io.Discard, p.Stdout())
	_, _ = p.Wait()
	assert.False(t, p.Alive())
}

func TestUpdateSinkFunc(t *testing.T) {
	var got []string
	var sink UpdateSink = UpdateSinkFunc(func(_ Host, paths []string) { got = paths })
	sink.RemoteUpdates(LocalHost, []string{"/a"})
	assert.Equal(t, []string{"/a"}, got)
	assert.True(t, strings.HasPrefix(LocalHost.String(), "localhost"))
}

type fakeSession struct {
	exit   chan error
	closed chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{exit: make(chan error, 1), closed: make(chan struct{}, 2)}
}

func (s *fakeSession) Wait() error {
	return <-s.exit
}

func (s *fakeSession) Signal(ssh.Signal) error {
	return nil
}

func (s *fakeSession) Close() error {
	s.closed <- struct{}{}
	return nil
}

func TestSSHProcess_AliveTracksExitWithoutWait(t *testing.T) {
	session := newFakeSession()
	p := newSSHProcess(session, nil, strings.NewReader(""), strings.NewReader(""))
	assert.True(t, p.Alive())

	session.exit <- nil
	require.Eventually(t, func() bool { return !p.Alive() }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, session.closed, "session stays open until Wait")

	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Len(t, session.closed, 1)

	// a second Wait returns the same result without closing again
	code, err = p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Len(t, session.closed, 1)
}

func TestSSHProcess_ConnectionLoss(t *testing.T) {
	session := newFakeSession()
	p := newSSHProcess(session, nil, strings.NewReader(""), strings.NewReader(""))

	session.exit <- errors.New("connection lost")
	code, err := p.Wait()
	require.EqualError(t, err, "connection lost")
	assert.Equal(t, -1, code)
	assert.False(t, p.Alive())
}
