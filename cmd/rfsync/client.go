package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/openmined/rfsync/internal/config"
	"github.com/openmined/rfsync/internal/coordinator"
	"github.com/openmined/rfsync/internal/remote"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// newClient returns the client for the configured host and its closer.
func newClient(c *config.Config) (remote.Client, func() error) {
	host := c.RemoteHost()
	if host.IsLocal() {
		return remote.NewLocalExecutor(), func() error { return nil }
	}
	ssh := remote.NewSSHClient(remote.SSHConfig{
		Host:                  host,
		IdentityFile:          c.IdentityFile,
		KnownHostsFile:        c.KnownHosts,
		InsecureIgnoreHostKey: c.InsecureIgnoreHostKey,
		Passphrase:            promptPassphrase,
	})
	return ssh, ssh.Close
}

func promptPassphrase() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("identity file is encrypted and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "Passphrase for identity file: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	return pw, err
}

// newCoordinator wires the configuration into a coordinator.
func newCoordinator(cmd *cobra.Command, c *config.Config, client remote.Client) (*coordinator.Coordinator, error) {
	wait, _ := cmd.Flags().GetDuration("wait")
	errOut := cmd.ErrOrStderr()
	return coordinator.New(coordinator.Options{
		StateDir:          c.StateDir,
		Client:            client,
		AgentDir:          c.AgentDir,
		UploadConcurrency: c.UploadConcurrency,
		Timestamps:        c.Timestamps,
		FSSkewThreshold:   c.FSSkewThreshold,
		SourceExtensions:  c.SourceExtensions,
		DebugEnv:          config.DebugEnv(os.Environ()),
		LockTimeout:       wait,
		Notify: func(msg string) {
			fmt.Fprintln(errOut, yellow("warning:"), msg)
		},
		UpdateSink: remote.UpdateSinkFunc(func(host remote.Host, paths []string) {
			slog.Info("remote updates", "host", host.String(), "count", len(paths))
			for _, p := range paths {
				slog.Debug("remote update", "path", p)
			}
		}),
	})
}

func request(c *config.Config) (coordinator.Request, error) {
	rules, err := c.Rules()
	if err != nil {
		return coordinator.Request{}, err
	}
	return coordinator.Request{
		Project:        c.Project,
		Host:           c.RemoteHost(),
		Rules:          rules,
		Roots:          c.Roots,
		BuildResults:   c.BuildResults,
		Strategy:       c.Strategy,
		CheckExistence: c.CheckExistence,
		Trace:          c.Trace,
	}, nil
}

// withCoordinator builds a client and coordinator for fn and tears them
// down afterwards.
func withCoordinator(cmd *cobra.Command, c *config.Config, fn func(*coordinator.Coordinator, remote.Client) error) error {
	client, closeClient := newClient(c)
	coord, err := newCoordinator(cmd, c, client)
	if err != nil {
		closeClient()
		return err
	}
	err = fn(coord, client)
	return errors.Join(err, coord.Close(), closeClient())
}
