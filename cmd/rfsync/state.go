package main

import (
	"fmt"

	"github.com/openmined/rfsync/internal/coordinator"
	"github.com/openmined/rfsync/internal/filestate"
	"github.com/openmined/rfsync/internal/remote"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or reset the file state kept for a project and host",
	}
	cmd.AddCommand(newStateListCmd(), newStateDumpCmd(), newStateForgetCmd())
	return cmd
}

// withStore opens the state of the configured project and host.
func withStore(cmd *cobra.Command, fn func(coord *coordinator.Coordinator, store *filestate.Store) error) error {
	return withCoordinator(cmd, cfg, func(coord *coordinator.Coordinator, _ remote.Client) error {
		store, err := coord.Store(cmd.Context(), cfg.Project, cfg.RemoteHost())
		if err != nil {
			return err
		}
		return fn(coord, store)
	})
}

func newStateListCmd() *cobra.Command {
	var paths bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Count tracked files by state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(coord *coordinator.Coordinator, store *filestate.Store) error {
				host := cfg.RemoteHost()
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s %s\n", cyan("Journal"), filestate.JournalPath(coord.StorageDir(cfg.Project), host.String()))
				printCounts(cmd, store.CountByState())
				if !paths {
					return nil
				}
				for _, p := range store.Paths() {
					fmt.Fprintf(out, "%c %s\n", store.State(p).Char(), p)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&paths, "paths", false, "also print every path with its state character")
	return cmd
}

func newStateDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print the tracked files as yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(_ *coordinator.Coordinator, store *filestate.Store) error {
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(store.Snapshot()); err != nil {
					return err
				}
				return enc.Close()
			})
		},
	}
}

func newStateForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget",
		Short: "Delete the state so the next sync starts from scratch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			host := cfg.RemoteHost()
			return withCoordinator(cmd, cfg, func(coord *coordinator.Coordinator, _ remote.Client) error {
				if err := coord.ForgetHost(cfg.Project, host); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s state of %s for %s\n", green("Forgot"), cfg.Project, cyan(host.String()))
				return nil
			})
		},
	}
}
