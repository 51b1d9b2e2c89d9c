package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"syscall"

	"golang.org/x/sync/errgroup"
)

const maxLineSize = 1 << 20

// Feeder writes the request stream of a piped command. The writer fails
// once ctx is cancelled.
type Feeder func(ctx context.Context, w *bufio.Writer) error

// RunPiped spawns spec on host and concurrently feeds its stdin, hands every
// stdout line to onLine and logs stderr. All three pumps run until the
// process closes its streams, so a full pipe in one direction can never
// block the other. On cancellation the process is terminated and ctx.Err()
// is returned.
func RunPiped(ctx context.Context, ex Executor, host Host, spec SpawnSpec, feed Feeder, onLine func(string)) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}

	proc, err := ex.Spawn(ctx, host, spec)
	if err != nil {
		return -1, fmt.Errorf("spawn %s: %w", spec.name(), err)
	}

	stop := context.AfterFunc(ctx, func() {
		if err := proc.Terminate(); err != nil {
			slog.Debug("piped terminate", "cmd", spec.name(), "error", err)
		}
	})
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		stdin := proc.Stdin()
		defer stdin.Close()
		if feed == nil {
			return nil
		}
		w := bufio.NewWriter(&ctxWriter{ctx: gctx, w: stdin})
		err := feed(gctx, w)
		if err == nil {
			err = w.Flush()
		}
		if isClosedPipe(err) {
			// the command stopped reading; its exit code tells the rest
			slog.Debug("piped stdin closed early", "cmd", spec.name())
			return nil
		}
		return err
	})

	g.Go(func() error {
		return drainLines(proc.Stdout(), onLine)
	})

	g.Go(func() error {
		return drainLines(proc.Stderr(), func(line string) {
			slog.Warn("remote stderr", "host", host.String(), "cmd", spec.name(), "line", line)
		})
	})

	pumpErr := g.Wait()
	code, waitErr := proc.Wait()

	if ctx.Err() != nil {
		return code, ctx.Err()
	}
	if pumpErr != nil {
		return code, pumpErr
	}
	return code, waitErr
}

func drainLines(r io.Reader, onLine func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		if onLine != nil {
			onLine(scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil && !isClosedPipe(err) {
		// keep draining so the writer never blocks
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}

type ctxWriter struct {
	ctx context.Context
	w   io.Writer
}

func (c *ctxWriter) Write(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.w.Write(p)
}

func isClosedPipe(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, syscall.EPIPE)
}

func (s SpawnSpec) name() string {
	if len(s.Argv) == 0 {
		return ""
	}
	return s.Argv[0]
}
