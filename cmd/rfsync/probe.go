package main

import (
	"github.com/openmined/rfsync/internal/coordinator"
	"github.com/openmined/rfsync/internal/remote"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type probeReport struct {
	Host            string `yaml:"host"`
	remote.HostInfo `yaml:",inline"`
	Strategy        string `yaml:"strategy"`
	AgentDir        string `yaml:"agent_dir,omitempty"`
}

func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Describe the remote host and the strategy a sync would use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			host := cfg.RemoteHost()
			return withCoordinator(cmd, cfg, func(coord *coordinator.Coordinator, _ remote.Client) error {
				info, err := coord.HostInfo(cmd.Context(), host)
				if err != nil {
					return err
				}
				kind, err := coord.SelectStrategy(cmd.Context(), host, info, cfg.Strategy)
				if err != nil {
					return err
				}
				report := probeReport{
					Host:     host.String(),
					HostInfo: *info,
					Strategy: kind.String(),
				}
				if cfg.AgentDir != "" {
					report.AgentDir = cfg.AgentDir
				}

				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(report); err != nil {
					return err
				}
				return enc.Close()
			})
		},
	}
}
