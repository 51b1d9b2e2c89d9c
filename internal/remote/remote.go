// Package remote is the boundary between rfsync and the machines it talks
// to: command execution, interactive processes, and file transfer.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

var (
	ErrUnknownHost  = errors.New("host not served by this client")
	ErrNotConnected = errors.New("not connected")
)

// Host names a machine reachable by an Executor.
type Host struct {
	User string `json:"user,omitempty" yaml:"user,omitempty"`
	Name string `json:"name" yaml:"name"`
	Port int    `json:"port,omitempty" yaml:"port,omitempty"`
}

// LocalHost is the machine rfsync itself runs on.
var LocalHost = Host{Name: "localhost"}

func (h Host) IsLocal() bool {
	return h == LocalHost
}

func (h Host) String() string {
	var b strings.Builder
	if h.User != "" {
		b.WriteString(h.User)
		b.WriteByte('@')
	}
	b.WriteString(h.Name)
	if h.Port != 0 && h.Port != 22 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(h.Port))
	}
	return b.String()
}

// Addr is the dialable host:port.
func (h Host) Addr() string {
	port := h.Port
	if port == 0 {
		port = 22
	}
	return h.Name + ":" + strconv.Itoa(port)
}

// ParseHost accepts "[user@]name[:port]".
func ParseHost(s string) (Host, error) {
	var h Host
	rest := strings.TrimSpace(s)
	if user, name, ok := strings.Cut(rest, "@"); ok {
		h.User = user
		rest = name
	}
	if name, port, ok := strings.Cut(rest, ":"); ok {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return Host{}, fmt.Errorf("invalid port in host %q", s)
		}
		h.Port = p
		rest = name
	}
	if rest == "" {
		return Host{}, fmt.Errorf("empty host name in %q", s)
	}
	h.Name = rest
	return h, nil
}

// Result of a finished command. A non-zero ExitCode is not an error.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (r *Result) OK() bool {
	return r != nil && r.ExitCode == 0
}

// SpawnSpec describes an interactive process.
type SpawnSpec struct {
	Argv []string
	Env  map[string]string
	Dir  string
}

// Process is a running command with open standard streams.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until exit. Callers drain Stdout and Stderr first.
	Wait() (int, error)
	Terminate() error
	Alive() bool
}

type Executor interface {
	// Execute runs argv to completion. The error reports failure to run,
	// not a non-zero exit status.
	Execute(ctx context.Context, host Host, argv ...string) (*Result, error)
	Spawn(ctx context.Context, host Host, spec SpawnSpec) (Process, error)
}

// Transfer moves whole files. Calls block until the transfer finished.
type Transfer interface {
	Upload(ctx context.Context, localPath string, host Host, remotePath string, mode os.FileMode) error
	Download(ctx context.Context, host Host, remotePath, localPath string) error
	Mkdir(ctx context.Context, host Host, path string) error
	Rm(ctx context.Context, host Host, path string) error
}

// Client is everything a sync session needs from a host.
type Client interface {
	Executor
	Transfer
}

// UpdateSink receives local paths whose remote copies were created or
// changed on the remote side during a session.
type UpdateSink interface {
	RemoteUpdates(host Host, localPaths []string)
}

// CacheRefresher is told which remote directories were touched, so any
// cached view of the remote file system can be refreshed.
type CacheRefresher interface {
	Refresh(ctx context.Context, host Host, remoteDirs []string)
}

type UpdateSinkFunc func(host Host, localPaths []string)

func (f UpdateSinkFunc) RemoteUpdates(host Host, localPaths []string) { f(host, localPaths) }

type CacheRefresherFunc func(ctx context.Context, host Host, remoteDirs []string)

func (f CacheRefresherFunc) Refresh(ctx context.Context, host Host, remoteDirs []string) {
	f(ctx, host, remoteDirs)
}
