// Package config holds the rfsync configuration as loaded by viper.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/openmined/rfsync/internal/pathmap"
	"github.com/openmined/rfsync/internal/remote"
	"github.com/spf13/viper"
)

var (
	home, _           = os.UserHomeDir()
	DefaultStateDir   = filepath.Join(home, ".rfsync")
	DefaultConfigPath = filepath.Join(DefaultStateDir, "config.yaml")
)

const EnvPrefix = "RFSYNC"

var strategies = []string{"auto", "wholecopy", "zip", "livemirror"}

type Config struct {
	Host                  string        `json:"host" mapstructure:"host"`
	User                  string        `json:"user" mapstructure:"user"`
	Port                  int           `json:"port" mapstructure:"port"`
	IdentityFile          string        `json:"identity_file" mapstructure:"identity_file"`
	KnownHosts            string        `json:"known_hosts" mapstructure:"known_hosts"`
	InsecureIgnoreHostKey bool          `json:"insecure_ignore_host_key" mapstructure:"insecure_ignore_host_key"`
	Project               string        `json:"project" mapstructure:"project"`
	Mappings              []string      `json:"mappings" mapstructure:"mappings"`
	Roots                 []string      `json:"roots" mapstructure:"roots"`
	BuildResults          []string      `json:"build_results" mapstructure:"build_results"`
	StateDir              string        `json:"state_dir" mapstructure:"state_dir"`
	Strategy              string        `json:"strategy" mapstructure:"strategy"`
	CheckExistence        bool          `json:"check_existence" mapstructure:"check_existence"`
	UploadConcurrency     int           `json:"upload_concurrency" mapstructure:"upload_concurrency"`
	FSSkewThreshold       time.Duration `json:"fs_skew_threshold" mapstructure:"fs_skew_threshold"`
	SourceExtensions      []string      `json:"source_extensions" mapstructure:"source_extensions"`
	AgentDir              string        `json:"agent_dir" mapstructure:"agent_dir"`
	Trace                 bool          `json:"trace" mapstructure:"trace"`
	Timestamps            bool          `json:"timestamps" mapstructure:"timestamps"`
	LogLevel              string        `json:"log_level" mapstructure:"log_level"`
	Path                  string        `json:"-" mapstructure:"-"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("host", "localhost")
	v.SetDefault("port", 22)
	v.SetDefault("known_hosts", filepath.Join(home, ".ssh", "known_hosts"))
	v.SetDefault("project", ".")
	v.SetDefault("state_dir", DefaultStateDir)
	v.SetDefault("strategy", "auto")
	v.SetDefault("upload_concurrency", 4)
	v.SetDefault("fs_skew_threshold", 2*time.Second)
	v.SetDefault("timestamps", true)
	v.SetDefault("log_level", "info")
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate normalizes paths and rejects inconsistent settings.
func (c *Config) Validate() error {
	var err error
	if c.StateDir, err = ResolvePath(c.StateDir); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	if c.Project, err = ResolvePath(c.Project); err != nil {
		return fmt.Errorf("project: %w", err)
	}
	if c.Path != "" {
		if c.Path, err = ResolvePath(c.Path); err != nil {
			return fmt.Errorf("config path: %w", err)
		}
	}
	for _, p := range []*string{&c.IdentityFile, &c.KnownHosts} {
		if *p == "" {
			continue
		}
		if *p, err = ResolvePath(*p); err != nil {
			return err
		}
	}
	for i := range c.Roots {
		if c.Roots[i], err = ResolvePath(c.Roots[i]); err != nil {
			return fmt.Errorf("root: %w", err)
		}
	}
	for i := range c.BuildResults {
		if c.BuildResults[i], err = ResolvePath(c.BuildResults[i]); err != nil {
			return fmt.Errorf("build result: %w", err)
		}
	}

	if c.Host == "" {
		return errors.New("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if !slices.Contains(strategies, c.Strategy) {
		return fmt.Errorf("invalid strategy %q, want one of %s", c.Strategy, strings.Join(strategies, ", "))
	}
	if c.UploadConcurrency <= 0 {
		return fmt.Errorf("upload concurrency must be positive, got %d", c.UploadConcurrency)
	}
	if c.FSSkewThreshold < 0 {
		return fmt.Errorf("negative fs skew threshold %s", c.FSSkewThreshold)
	}
	for i, ext := range c.SourceExtensions {
		c.SourceExtensions[i] = strings.TrimPrefix(ext, ".")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Strategy == "livemirror" && c.AgentDir == "" {
		return errors.New("strategy livemirror needs agent_dir")
	}

	rules, err := c.Rules()
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		return errors.New("at least one mapping is required")
	}
	if _, err := pathmap.NewMapper(rules...); err != nil {
		return err
	}
	return nil
}

// Rules parses the "local=remote" mappings. Local sides are resolved like
// every other local path.
func (c *Config) Rules() ([]pathmap.Rule, error) {
	rules := make([]pathmap.Rule, 0, len(c.Mappings))
	for _, m := range c.Mappings {
		r, err := pathmap.ParseRule(m)
		if err != nil {
			return nil, err
		}
		if r.Local, err = ResolvePath(r.Local); err != nil {
			return nil, fmt.Errorf("mapping %q: %w", m, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func (c *Config) RemoteHost() remote.Host {
	if c.Host == "localhost" && c.User == "" {
		return remote.LocalHost
	}
	return remote.Host{User: c.User, Name: c.Host, Port: c.Port}
}

func (c *Config) Level() slog.Level {
	level, _ := ParseLevel(c.LogLevel)
	return level
}

func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// DebugEnv turns RFS_DEBUG_<NAME>=v entries of environ into the RFS_<NAME>
// overrides understood by the agent.
func DebugEnv(environ []string) map[string]string {
	out := make(map[string]string)
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		name, ok := strings.CutPrefix(k, "RFS_DEBUG_")
		if !ok || name == "" {
			continue
		}
		out["RFS_"+name] = v
	}
	return out
}

// ResolvePath expands a leading "~" and returns a clean absolute path.
func ResolvePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("path cannot be empty")
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home == "" {
			return "", errors.New("failed to retrieve home directory")
		}
		path = filepath.Join(home, path[1:])
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}
