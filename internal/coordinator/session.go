package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"
	"github.com/openmined/rfsync/internal/filestate"
	"github.com/openmined/rfsync/internal/remote"
	"github.com/openmined/rfsync/internal/worker"
)

// Session is one running sync. End must be called exactly once when the
// build that needed the files finished.
type Session struct {
	ID      string
	Project string
	Host    remote.Host

	mu      sync.Mutex
	worker  worker.Worker
	env     worker.Env
	store   *filestate.Store
	flock   *flock.Flock
	release func()
	started time.Time
	clock   clockwork.Clock

	endOnce sync.Once
	endErr  error
}

func (s *Session) start(ctx context.Context, kind worker.Kind, params worker.Params) (worker.Env, error) {
	w, err := worker.New(kind, params)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.worker = w
	s.mu.Unlock()
	return w.Startup(ctx)
}

// Env is the environment the build process needs.
func (s *Session) Env() worker.Env {
	return s.env
}

func (s *Session) Kind() worker.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.worker.Kind()
}

// Cancel requests an early stop of the running startup; it reports false
// when the strategy cannot be cancelled.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	w := s.worker
	s.mu.Unlock()
	if w == nil {
		return false
	}
	return w.Cancel()
}

// End shuts the worker down, persists state and releases the locks.
func (s *Session) End(ctx context.Context) error {
	s.endOnce.Do(func() {
		defer s.release()
		defer func() {
			if err := s.flock.Unlock(); err != nil {
				slog.Warn("session unlock", "id", s.ID, "error", err)
			}
		}()

		if err := s.worker.Shutdown(ctx); err != nil {
			s.endErr = fmt.Errorf("shutdown: %w", err)
		}
		if err := s.store.Persist(ctx); err != nil && s.endErr == nil {
			s.endErr = err
		}

		counts := s.store.CountByState()
		slog.Info("session end", "id", s.ID, "host", s.Host.String(),
			"took", s.clock.Since(s.started).Round(time.Millisecond),
			"copied", counts[filestate.Copied], "errors", counts[filestate.Error], "uncontrolled", counts[filestate.Uncontrolled])
	})
	return s.endErr
}
