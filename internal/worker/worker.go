// Package worker implements the strategies that bring a remote host up to
// date with the local tree: whole-copy (optionally zipped) and live
// mirroring through a remote agent.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/rfsync/internal/filestate"
	"github.com/openmined/rfsync/internal/pathmap"
	"github.com/openmined/rfsync/internal/remote"
	"github.com/openmined/rfsync/internal/shareability"
)

var (
	ErrCancelled         = fmt.Errorf("sync cancelled: %w", context.Canceled)
	ErrProtocolMismatch  = errors.New("rfs protocol version mismatch")
	ErrZipFailed         = errors.New("remote unzip failed")
	ErrAgentExited       = errors.New("rfs agent exited")
	ErrAgentNotAvailable = errors.New("rfs agent not available for host platform")
)

// Kind selects a strategy.
type Kind int

const (
	WholeCopy Kind = iota + 1
	ZipBatch
	LiveMirror
)

func (k Kind) String() string {
	switch k {
	case WholeCopy:
		return "wholecopy"
	case ZipBatch:
		return "zip"
	case LiveMirror:
		return "livemirror"
	default:
		return "unknown"
	}
}

// ParseKind accepts the names produced by Kind.String.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{WholeCopy, ZipBatch, LiveMirror} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown sync strategy %q", s)
}

// Env is the environment handed to the build process.
type Env map[string]string

// Worker is one sync session against one host.
type Worker interface {
	Kind() Kind
	// Startup brings the remote host up to date. It returns ErrCancelled
	// when Cancel was called.
	Startup(ctx context.Context) (Env, error)
	// Shutdown folds remote changes back and persists file state. It
	// blocks until that completed.
	Shutdown(ctx context.Context) error
	// Cancel requests an early stop and reports whether it is supported.
	Cancel() bool
}

const (
	defaultUploadConcurrency = 4
	defaultFSSkewThreshold   = 2 * time.Second
)

// Params carries everything a worker needs. The coordinator owns every
// referenced collaborator.
type Params struct {
	Host     remote.Host
	Client   remote.Client
	HostInfo *remote.HostInfo
	Mapper   *pathmap.Mapper
	Filter   *shareability.Filter
	Store    *filestate.Store
	Clock    clockwork.Clock

	Roots        []string
	BuildResults []string
	// LocalLsFlags are the flags for the local "ls" used by link checking.
	LocalLsFlags []string

	UploadConcurrency int
	CheckExistence    bool
	SourceExtensions  []string

	UpdateSink remote.UpdateSink
	Refresher  remote.CacheRefresher

	// Live mirroring.
	AgentDir        string
	Trace           bool
	Timestamps      bool
	FSSkewThreshold time.Duration
	// Notify raises a user visible, non fatal message.
	Notify func(msg string)
	// DebugEnv holds RFS_DEBUG* variables forwarded to the agent.
	DebugEnv map[string]string
}

func (p *Params) defaults() {
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}
	if p.UploadConcurrency <= 0 {
		p.UploadConcurrency = defaultUploadConcurrency
	}
	if p.FSSkewThreshold <= 0 {
		p.FSSkewThreshold = defaultFSSkewThreshold
	}
	if p.Filter == nil {
		p.Filter = shareability.NewFilter(nil)
	}
	if p.Store == nil {
		p.Store = filestate.NewStore(nil)
	}
	if p.Notify == nil {
		p.Notify = func(string) {}
	}
}

// New builds the worker of kind k.
func New(k Kind, p Params) (Worker, error) {
	switch k {
	case WholeCopy:
		return NewWholeCopy(p, false), nil
	case ZipBatch:
		return NewWholeCopy(p, true), nil
	case LiveMirror:
		return NewLiveMirror(p), nil
	default:
		return nil, fmt.Errorf("unknown sync strategy %d", k)
	}
}
