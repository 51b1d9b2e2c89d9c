package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const terminateGrace = 3 * time.Second

// LocalExecutor runs commands and copies files on this machine. It serves
// LocalHost and, in tests, stands in for a remote host whose "remote" paths
// are local directories.
type LocalExecutor struct{}

func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{}
}

func (l *LocalExecutor) Execute(ctx context.Context, _ Host, argv ...string) (*Result, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("run %s: %w", argv[0], err)
	}
	return res, nil
}

func (l *LocalExecutor) Spawn(_ context.Context, _ Host, spec SpawnSpec) (Process, error) {
	if len(spec.Argv) == 0 {
		return nil, errors.New("empty command")
	}
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range spec.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Argv[0], err)
	}

	p := &localProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}
	if info, err := process.NewProcess(int32(cmd.Process.Pid)); err == nil {
		p.info = info
	}
	return p, nil
}

type localProcess struct {
	cmd    *exec.Cmd
	info   *process.Process
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	waitOnce sync.Once
	code     int
	err      error
	done     chan struct{}
}

func (p *localProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *localProcess) Stdout() io.Reader     { return p.stdout }
func (p *localProcess) Stderr() io.Reader     { return p.stderr }

func (p *localProcess) Wait() (int, error) {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		p.code = p.cmd.ProcessState.ExitCode()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			p.err = err
		}
		close(p.done)
	})
	return p.code, p.err
}

// Alive reports false once the process exited, even before it was reaped.
func (p *localProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
	}
	exists, err := process.PidExists(int32(p.cmd.Process.Pid))
	if err != nil || !exists {
		return false
	}
	if p.info != nil {
		if status, err := p.info.Status(); err == nil && slices.Contains(status, process.Zombie) {
			return false
		}
	}
	return true
}

// Terminate sends SIGTERM to the process tree, children first, and SIGKILLs
// whatever is still running after a grace period.
func (p *localProcess) Terminate() error {
	if !p.Alive() {
		return nil
	}
	pid := p.cmd.Process.Pid
	if p.info == nil {
		return p.cmd.Process.Kill()
	}

	tree, err := processTreeBottomUp(p.info)
	if err != nil {
		tree = []*process.Process{p.info}
	}

	slog.Debug("terminate", "pid", pid, "procs", len(tree))
	for _, proc := range tree {
		if err := proc.Terminate(); err != nil {
			slog.Debug("terminate: SIGTERM", "pid", proc.Pid, "ppid", pid, "error", err)
		}
	}

	deadline := time.Now().Add(terminateGrace)
	for time.Now().Before(deadline) {
		if !p.Alive() {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	for _, proc := range tree {
		if exists, err := process.PidExists(proc.Pid); err != nil || !exists {
			continue
		}
		if err := proc.Kill(); err != nil {
			slog.Warn("terminate: SIGKILL", "pid", proc.Pid, "ppid", pid, "error", err)
		}
	}
	return nil
}

func processTreeBottomUp(proc *process.Process) ([]*process.Process, error) {
	children, err := proc.Children()
	if err != nil && !errors.Is(err, process.ErrorNoChildren) {
		return nil, fmt.Errorf("list children of %d: %w", proc.Pid, err)
	}
	var tree []*process.Process
	for _, child := range children {
		sub, _ := processTreeBottomUp(child)
		tree = append(tree, sub...)
	}
	return append(tree, proc), nil
}

// Upload copies localPath to remotePath through a temporary file in the
// destination directory, keeping the local modification time.
func (l *LocalExecutor) Upload(ctx context.Context, localPath string, _ Host, remotePath string, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return copyFile(ctx, localPath, remotePath, mode)
}

func (l *LocalExecutor) Download(ctx context.Context, _ Host, remotePath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(remotePath)
	if err != nil {
		return err
	}
	return copyFile(ctx, remotePath, localPath, info.Mode().Perm())
}

func (l *LocalExecutor) Mkdir(_ context.Context, _ Host, path string) error {
	return os.MkdirAll(path, 0o755)
}

func (l *LocalExecutor) Rm(_ context.Context, _ Host, path string) error {
	return os.RemoveAll(path)
}

func copyFile(ctx context.Context, src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if mode == 0 {
		mode = info.Mode().Perm()
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".rfs-upload-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: in}); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return err
	}
	if err := os.Chtimes(tmpName, info.ModTime(), info.ModTime()); err != nil {
		return err
	}
	return os.Rename(tmpName, dst)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
