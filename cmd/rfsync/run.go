package main

import (
	"context"
	"io"
	"log/slog"

	"github.com/openmined/rfsync/internal/coordinator"
	"github.com/openmined/rfsync/internal/pathmap"
	"github.com/openmined/rfsync/internal/remote"
	"github.com/openmined/rfsync/internal/worker"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run -- command [args...]",
		Short: "Sync the project and run a build command in its remote directory",
		Example: `  rfsync run -H build01 -m ~/src/app=/home/ci/app -- make -j8
  rfsync run --strategy livemirror --agent-dir /opt/rfs -- ./configure`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := request(cfg)
			if err != nil {
				return err
			}
			mapper, err := pathmap.NewMapper(req.Rules...)
			if err != nil {
				return err
			}
			dir, err := mapper.ToRemote(req.Project)
			if err != nil {
				return err
			}

			return withCoordinator(cmd, cfg, func(coord *coordinator.Coordinator, client remote.Client) error {
				return coord.Run(cmd.Context(), req, func(ctx context.Context, env worker.Env) error {
					return runRemote(ctx, cmd, client, req.Host, remote.SpawnSpec{Argv: args, Env: env, Dir: dir})
				})
			})
		},
	}
}

// runRemote runs spec on host with its output copied to the command's
// streams. A non-zero exit becomes an exitError.
func runRemote(ctx context.Context, cmd *cobra.Command, ex remote.Executor, host remote.Host, spec remote.SpawnSpec) error {
	slog.Info("build start", "host", host.String(), "dir", spec.Dir, "argv", spec.Argv)
	proc, err := ex.Spawn(ctx, host, spec)
	if err != nil {
		return err
	}
	_ = proc.Stdin().Close()
	stop := context.AfterFunc(ctx, func() { _ = proc.Terminate() })
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(cmd.OutOrStdout(), proc.Stdout())
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(cmd.ErrOrStderr(), proc.Stderr())
		return err
	})
	copyErr := g.Wait()

	code, err := proc.Wait()
	if err != nil {
		return err
	}
	slog.Info("build end", "host", host.String(), "exit", code)
	if code != 0 {
		return &exitError{code: code}
	}
	return copyErr
}
