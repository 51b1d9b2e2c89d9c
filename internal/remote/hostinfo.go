package remote

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// HostInfo describes the platform of a host.
type HostInfo struct {
	OS      string        `json:"os" yaml:"os"`
	CPU     string        `json:"cpu" yaml:"cpu"`
	Bits    int           `json:"bits" yaml:"bits"`
	Skew    time.Duration `json:"skew" yaml:"skew"`
	TempDir string        `json:"temp_dir" yaml:"temp_dir"`
	GNULs   bool          `json:"gnu_ls" yaml:"gnu_ls"`
}

const probeScript = `uname -s; uname -m; getconf LONG_BIT 2>/dev/null || echo 32; date +%s; echo "${TMPDIR:-/tmp}"; if ls --version >/dev/null 2>&1; then echo gnu; else echo bsd; fi`

// ProbeHostInfo learns the host platform in one round trip. Skew is the
// remote wall clock minus the local one, at one second resolution.
func ProbeHostInfo(ctx context.Context, ex Executor, host Host, clock clockwork.Clock) (*HostInfo, error) {
	before := clock.Now()
	res, err := ex.Execute(ctx, host, "sh", "-c", probeScript)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", host, err)
	}
	after := clock.Now()
	if !res.OK() {
		return nil, fmt.Errorf("probe %s: exit %d: %s", host, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return parseHostInfo(res.Stdout, before.Add(after.Sub(before)/2))
}

func parseHostInfo(out string, localMid time.Time) (*HostInfo, error) {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) < 6 {
		return nil, fmt.Errorf("probe: short output (%d lines)", len(lines))
	}
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}

	bits, err := strconv.Atoi(lines[2])
	if err != nil {
		return nil, fmt.Errorf("probe: bad word size %q", lines[2])
	}
	remoteSec, err := strconv.ParseInt(lines[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("probe: bad date %q", lines[3])
	}

	return &HostInfo{
		OS:      lines[0],
		CPU:     normalizeCPU(lines[1]),
		Bits:    bits,
		Skew:    time.Duration(remoteSec-localMid.Unix()) * time.Second,
		TempDir: lines[4],
		GNULs:   lines[5] == "gnu",
	}, nil
}

func normalizeCPU(machine string) string {
	switch machine {
	case "amd64", "x86_64":
		return "x86_64"
	case "i386", "i486", "i586", "i686", "x86":
		return "x86"
	case "arm64", "aarch64":
		return "aarch64"
	default:
		return machine
	}
}

func (h *HostInfo) Is64Bit() bool {
	return h.Bits == 64
}

// PlatformDir names the per-platform directory of companion binaries,
// e.g. "linux-x86_64".
func (h *HostInfo) PlatformDir() string {
	return strings.ToLower(h.OS) + "-" + h.CPU
}

// LsFlags are the flags for listing entries themselves without quoting.
func (h *HostInfo) LsFlags() []string {
	if h.GNULs {
		return []string{"-ld", "-N"}
	}
	return []string{"-ld"}
}

// LocalHostInfo describes this machine without running anything remote.
func LocalHostInfo(ctx context.Context) (*HostInfo, error) {
	return ProbeHostInfo(ctx, NewLocalExecutor(), LocalHost, clockwork.NewRealClock())
}
