package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/openmined/rfsync/internal/coordinator"
	"github.com/openmined/rfsync/internal/remote"
	"github.com/openmined/rfsync/internal/shareability"
	"github.com/openmined/rfsync/internal/watch"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	var quiet time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sync the project, then again whenever its files change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := batchConfig()
			if err != nil {
				return err
			}
			req, err := request(c)
			if err != nil {
				return err
			}

			return withCoordinator(cmd, c, func(coord *coordinator.Coordinator, _ remote.Client) error {
				if err := syncOnce(cmd, coord, req); err != nil {
					return err
				}

				roots := req.Roots
				if len(roots) == 0 {
					roots = []string{req.Project}
				}
				w := watch.New(watch.Options{
					Roots:  roots,
					Filter: shareability.NewFilter(shareability.NewIgnoreClassifier(req.Project)),
					Quiet:  quiet,
				})
				if err := w.Start(cmd.Context()); err != nil {
					return err
				}
				defer w.Stop()

				for {
					select {
					case <-cmd.Context().Done():
						return nil
					case batch, ok := <-w.Batches():
						if !ok {
							return nil
						}
						slog.Info("watch change", "files", len(batch), "first", batch[0])
						err := syncOnce(cmd, coord, req)
						if errors.Is(err, context.Canceled) {
							return nil
						}
						if err != nil {
							slog.Error("watch sync", "error", err)
						}
					}
				}
			})
		},
	}
	cmd.Flags().DurationVar(&quiet, "quiet", watch.DefaultQuiet, "wait for this much inactivity before syncing")
	return cmd
}
