package main

import (
	"errors"
	"fmt"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/openmined/rfsync/internal/config"
	"github.com/openmined/rfsync/internal/coordinator"
	"github.com/openmined/rfsync/internal/filestate"
	"github.com/openmined/rfsync/internal/remote"
	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Copy the project to the remote host and exit",
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
				return syncOnce(cmd, coord, req)
			})
		},
	}
}

// batchConfig is cfg for commands that sync without a running build. With
// no agent "auto" settles on zip or whole-copy.
func batchConfig() (*config.Config, error) {
	if cfg.Strategy == "livemirror" {
		return nil, errors.New("live mirroring serves a running build, use \"rfsync run\"")
	}
	c := *cfg
	c.AgentDir = ""
	return &c, nil
}

func syncOnce(cmd *cobra.Command, coord *coordinator.Coordinator, req coordinator.Request) error {
	s, err := coord.Begin(cmd.Context(), req)
	if err != nil {
		return err
	}
	kind := s.Kind()
	if err := s.End(cmd.Context()); err != nil {
		return err
	}

	store, err := coord.Store(cmd.Context(), req.Project, req.Host)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s to %s using %s\n", green("Synced"), req.Project, cyan(req.Host.String()), kind)
	printCounts(cmd, store.CountByState())
	return nil
}

func printCounts(cmd *cobra.Command, counts map[filestate.State]int) {
	states := make([]filestate.State, 0, len(counts))
	total := 0
	for s, n := range counts {
		states = append(states, s)
		total += n
	}
	slices.Sort(states)

	out := cmd.OutOrStdout()
	for _, s := range states {
		label := s.String()
		if s == filestate.Error {
			label = red(label)
		}
		fmt.Fprintf(out, "  %-14s %s\n", label, humanize.Comma(int64(counts[s])))
	}
	fmt.Fprintf(out, "  %-14s %s\n", "TOTAL", humanize.Comma(int64(total)))
}
