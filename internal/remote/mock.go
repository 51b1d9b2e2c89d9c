package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

var ErrUnexpectedCommand = errors.New("unexpected command")

// MockHandler plays a command for MockExecutor. It reads the command's stdin
// and writes its output; the return value is the exit code.
type MockHandler func(ctx context.Context, call Call, stdin io.Reader, stdout, stderr io.Writer) int

// Call records one command invocation.
type Call struct {
	Host Host
	Argv []string
	Env  map[string]string
	Dir  string
}

func (c Call) Key() string {
	return strings.Join(c.Argv, " ")
}

// TransferCall records one Upload/Download/Mkdir/Rm.
type TransferCall struct {
	Op     string
	Host   Host
	Local  string
	Remote string
	Mode   os.FileMode
}

// MockExecutor is a scriptable Client for tests. Handlers are registered
// per command name (argv[0]); every call is recorded.
type MockExecutor struct {
	mu              sync.Mutex
	handlers        map[string]MockHandler
	allowUnexpected bool
	calls           []Call
	transfers       []TransferCall

	// UploadFunc, when set, decides the outcome of uploads.
	UploadFunc func(ctx context.Context, localPath string, host Host, remotePath string) error
}

func NewMockExecutor() *MockExecutor {
	return &MockExecutor{handlers: make(map[string]MockHandler)}
}

// Handle registers h for commands named name.
func (m *MockExecutor) Handle(name string, h MockHandler) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[name] = h
	return m
}

// Reply registers a handler that prints stdout and exits with code.
func (m *MockExecutor) Reply(name, stdout string, code int) *MockExecutor {
	return m.Handle(name, func(_ context.Context, _ Call, stdin io.Reader, out, _ io.Writer) int {
		_, _ = io.Copy(io.Discard, stdin)
		_, _ = io.WriteString(out, stdout)
		return code
	})
}

// AllowUnexpected makes unknown commands succeed silently.
func (m *MockExecutor) AllowUnexpected() *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowUnexpected = true
	return m
}

func (m *MockExecutor) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallsTo returns the recorded calls of command name.
func (m *MockExecutor) CallsTo(name string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if len(c.Argv) > 0 && c.Argv[0] == name {
			out = append(out, c)
		}
	}
	return out
}

func (m *MockExecutor) Transfers() []TransferCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TransferCall(nil), m.transfers...)
}

func (m *MockExecutor) record(call Call) (MockHandler, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	if len(call.Argv) == 0 {
		return nil, errors.New("empty command")
	}
	if h, ok := m.handlers[call.Argv[0]]; ok {
		return h, nil
	}
	if m.allowUnexpected {
		return func(_ context.Context, _ Call, stdin io.Reader, _, _ io.Writer) int {
			_, _ = io.Copy(io.Discard, stdin)
			return 0
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnexpectedCommand, call.Key())
}

func (m *MockExecutor) Execute(ctx context.Context, host Host, argv ...string) (*Result, error) {
	h, err := m.record(Call{Host: host, Argv: argv})
	if err != nil {
		return nil, err
	}
	var stdout, stderr bytes.Buffer
	code := h(ctx, Call{Host: host, Argv: argv}, strings.NewReader(""), &stdout, &stderr)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Result{ExitCode: code, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

func (m *MockExecutor) Spawn(ctx context.Context, host Host, spec SpawnSpec) (Process, error) {
	call := Call{Host: host, Argv: spec.Argv, Env: spec.Env, Dir: spec.Dir}
	h, err := m.record(call)
	if err != nil {
		return nil, err
	}

	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	p := &mockProcess{
		stdin:  inW,
		stdout: outR,
		stderr: errR,
		cancel: cancel,
		inR:    inR,
		done:   make(chan struct{}),
	}

	go func() {
		code := h(hctx, call, inR, outW, errW)
		// writers blocked on a command that stopped reading must fail
		inR.CloseWithError(io.ErrClosedPipe)
		outW.Close()
		errW.Close()
		p.code = code
		cancel()
		close(p.done)
	}()
	return p, nil
}

type mockProcess struct {
	stdin  *io.PipeWriter
	stdout *io.PipeReader
	stderr *io.PipeReader
	inR    *io.PipeReader
	cancel context.CancelFunc
	code   int
	done   chan struct{}
}

func (p *mockProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *mockProcess) Stdout() io.Reader     { return p.stdout }
func (p *mockProcess) Stderr() io.Reader     { return p.stderr }

func (p *mockProcess) Wait() (int, error) {
	<-p.done
	return p.code, nil
}

func (p *mockProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Terminate cancels the handler context and fails its stdin reads.
func (p *mockProcess) Terminate() error {
	p.cancel()
	p.inR.CloseWithError(context.Canceled)
	return nil
}

func (m *MockExecutor) Upload(ctx context.Context, localPath string, host Host, remotePath string, mode os.FileMode) error {
	m.mu.Lock()
	m.transfers = append(m.transfers, TransferCall{Op: "upload", Host: host, Local: localPath, Remote: remotePath, Mode: mode})
	fn := m.UploadFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, localPath, host, remotePath)
	}
	return ctx.Err()
}

func (m *MockExecutor) Download(ctx context.Context, host Host, remotePath, localPath string) error {
	m.mu.Lock()
	m.transfers = append(m.transfers, TransferCall{Op: "download", Host: host, Local: localPath, Remote: remotePath})
	m.mu.Unlock()
	return ctx.Err()
}

func (m *MockExecutor) Mkdir(ctx context.Context, host Host, path string) error {
	m.mu.Lock()
	m.transfers = append(m.transfers, TransferCall{Op: "mkdir", Host: host, Remote: path})
	m.mu.Unlock()
	return ctx.Err()
}

func (m *MockExecutor) Rm(ctx context.Context, host Host, path string) error {
	m.mu.Lock()
	m.transfers = append(m.transfers, TransferCall{Op: "rm", Host: host, Remote: path})
	m.mu.Unlock()
	return ctx.Err()
}
