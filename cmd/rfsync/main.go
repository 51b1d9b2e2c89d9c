package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/openmined/rfsync/internal/config"
	"github.com/openmined/rfsync/internal/logging"
	"github.com/openmined/rfsync/internal/remote"
	"github.com/openmined/rfsync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	red    = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green  = color.New(color.FgHiGreen).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
	cyan   = color.New(color.FgHiCyan).SprintFunc()
)

var (
	cfg      *config.Config
	closeLog = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:           "rfsync",
	Short:         "Keep a remote build host in sync with the local source tree",
	Version:       version.Detailed(),
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations["config"] == "none" {
			return nil
		}
		if err := loadConfig(cmd); err != nil {
			return err
		}
		cmd.SilenceUsage = true
		return setupLogging()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.SortFlags = false
	flags.StringP("config", "c", config.DefaultConfigPath, "config file")
	flags.StringP("host", "H", "", "remote host, [user@]name[:port]")
	flags.StringP("user", "u", "", "remote user")
	flags.IntP("port", "p", 0, "ssh port")
	flags.StringP("identity", "i", "", "ssh identity file")
	flags.String("known-hosts", "", "ssh known_hosts file")
	flags.Bool("insecure-ignore-host-key", false, "skip ssh host key verification")
	flags.StringP("project", "C", "", "local project directory")
	flags.StringSliceP("map", "m", nil, "path mapping local=remote (repeatable)")
	flags.StringSlice("root", nil, "local roots to mirror, defaults to the project")
	flags.StringSlice("build-result", nil, "local path of a file the remote build produces")
	flags.String("state-dir", "", "directory for file state and logs")
	flags.StringP("strategy", "s", "", "auto, wholecopy, zip or livemirror")
	flags.Bool("check-existence", false, "verify remote copies before trusting file state")
	flags.Int("concurrency", 0, "parallel uploads")
	flags.String("agent-dir", "", "remote directory holding the rfs agent binaries")
	flags.Bool("trace", false, "chain the build trace library into the agent")
	flags.Bool("timestamps", true, "send modification times to the agent")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.Duration("wait", 0, "wait this long for another rfsync on the same project and host")

	rootCmd.AddCommand(newSyncCmd(), newRunCmd(), newProbeCmd(), newStateCmd(), newWatchCmd(), newVersionCmd())
}

// exitError carries the exit code of a remote command.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("remote command exited with code %d", e.code)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := execute(ctx, os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs the root command and maps its error to a process exit code.
// The exit code of a remote build is passed through.
func execute(ctx context.Context, errOut io.Writer) int {
	err := rootCmd.ExecuteContext(ctx)
	if cerr := closeLog(); cerr != nil && err == nil {
		err = cerr
	}
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintln(errOut, red("Error:"), err)
	return 1
}

var flagKeys = map[string]string{
	"user":                     "user",
	"port":                     "port",
	"identity":                 "identity_file",
	"known-hosts":              "known_hosts",
	"insecure-ignore-host-key": "insecure_ignore_host_key",
	"project":                  "project",
	"map":                      "mappings",
	"root":                     "roots",
	"build-result":             "build_results",
	"state-dir":                "state_dir",
	"strategy":                 "strategy",
	"check-existence":          "check_existence",
	"concurrency":              "upload_concurrency",
	"agent-dir":                "agent_dir",
	"trace":                    "trace",
	"timestamps":               "timestamps",
	"log-level":                "log_level",
}

func loadConfig(cmd *cobra.Command) error {
	v := viper.GetViper()
	config.SetDefaults(v)

	if f := cmd.Flag("config"); f != nil && f.Changed {
		v.SetConfigFile(f.Value.String())
	} else {
		v.AddConfigPath(config.DefaultStateDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}
	v.SetEnvPrefix(config.EnvPrefix)
	v.AutomaticEnv()

	// --host accepts the [user@]name[:port] shorthand
	if f := cmd.Flag("host"); f != nil && f.Changed {
		if err := applyHostFlag(v, f.Value.String()); err != nil {
			return err
		}
	}

	c, err := config.Load(v)
	if err != nil {
		return err
	}
	cfg = c
	return nil
}

func setupLogging() error {
	logger, closeFn, err := logging.Setup(logging.Options{
		Level: cfg.Level(),
		File:  logging.RunLogFile(cfg.StateDir, time.Now()),
	})
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	closeLog = closeFn
	slog.Debug("rfsync", "version", version.Short(), "config", cfg.Path, "state_dir", filepath.Clean(cfg.StateDir))
	return nil
}

func applyHostFlag(v *viper.Viper, s string) error {
	h, err := remote.ParseHost(s)
	if err != nil {
		return err
	}
	v.Set("host", h.Name)
	if h.User != "" {
		v.Set("user", h.User)
	}
	if h.Port != 0 {
		v.Set("port", h.Port)
	}
	return nil
}
