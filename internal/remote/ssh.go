package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openmined/rfsync/internal/version"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultDialTimeout = 15 * time.Second

// SSHConfig configures an SSHClient.
type SSHConfig struct {
	Host           Host
	IdentityFile   string
	KnownHostsFile string
	// InsecureIgnoreHostKey skips host key verification when no known_hosts
	// file is configured.
	InsecureIgnoreHostKey bool
	// Passphrase is asked for when the identity file is encrypted.
	Passphrase  func() ([]byte, error)
	DialTimeout time.Duration
}

// SSHClient runs commands over one SSH connection and transfers files over
// SFTP. Calls addressed to LocalHost are served locally.
type SSHClient struct {
	cfg   SSHConfig
	local *LocalExecutor

	mu   sync.Mutex
	conn *ssh.Client
	sftp *sftp.Client
}

func NewSSHClient(cfg SSHConfig) *SSHClient {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return &SSHClient{cfg: cfg, local: NewLocalExecutor()}
}

// Connect dials the host. It is called implicitly by the first operation.
func (c *SSHClient) Connect(ctx context.Context) error {
	_, err := c.client(ctx)
	return err
}

func (c *SSHClient) client(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	config, err := c.clientConfig()
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", c.cfg.Host.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.Host, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, c.cfg.Host.Addr(), config)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", c.cfg.Host, err)
	}
	c.conn = ssh.NewClient(sshConn, chans, reqs)
	slog.Info("ssh connected", "host", c.cfg.Host.String(), "server", string(c.conn.ServerVersion()))
	return c.conn, nil
}

func (c *SSHClient) clientConfig() (*ssh.ClientConfig, error) {
	user := c.cfg.Host.User
	if user == "" {
		user = os.Getenv("USER")
	}

	var auths []ssh.AuthMethod
	if c.cfg.IdentityFile != "" {
		signer, err := c.loadIdentity()
		if err != nil {
			return nil, err
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			auths = append(auths, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		} else {
			slog.Debug("ssh agent unavailable", "error", err)
		}
	}
	if len(auths) == 0 {
		return nil, errors.New("no ssh authentication method: set an identity file or run ssh-agent")
	}

	var hostKeyCallback ssh.HostKeyCallback
	switch {
	case c.cfg.KnownHostsFile != "":
		cb, err := knownhosts.New(c.cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKeyCallback = cb
	case c.cfg.InsecureIgnoreHostKey:
		slog.Warn("ssh host key verification disabled", "host", c.cfg.Host.String())
		hostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec
	default:
		return nil, errors.New("no known_hosts file configured")
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auths,
		HostKeyCallback: hostKeyCallback,
		ClientVersion:   version.SSHClientVersion(),
		Timeout:         c.cfg.DialTimeout,
	}, nil
}

func (c *SSHClient) loadIdentity() (ssh.Signer, error) {
	key, err := os.ReadFile(c.cfg.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) && c.cfg.Passphrase != nil {
		pass, perr := c.cfg.Passphrase()
		if perr != nil {
			return nil, perr
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(key, pass)
	}
	if err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	return signer, nil
}

func (c *SSHClient) sftpClient(ctx context.Context) (*sftp.Client, error) {
	conn, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftp == nil {
		c.sftp, err = sftp.NewClient(conn)
		if err != nil {
			return nil, fmt.Errorf("start sftp: %w", err)
		}
	}
	return c.sftp, nil
}

func (c *SSHClient) check(host Host) error {
	if host != c.cfg.Host {
		return fmt.Errorf("%w: %s", ErrUnknownHost, host)
	}
	return nil
}

func (c *SSHClient) Execute(ctx context.Context, host Host, argv ...string) (*Result, error) {
	if host.IsLocal() {
		return c.local.Execute(ctx, host, argv...)
	}
	if err := c.check(host); err != nil {
		return nil, err
	}
	conn, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	session, err := conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	stop := context.AfterFunc(ctx, func() {
		_ = session.Signal(ssh.SIGTERM)
		session.Close()
	})
	defer stop()

	err = session.Run(ShellJoin(argv...))
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return nil, fmt.Errorf("run %s: %w", argv[0], err)
	}
	return res, nil
}

func (c *SSHClient) Spawn(ctx context.Context, host Host, spec SpawnSpec) (Process, error) {
	if host.IsLocal() {
		return c.local.Spawn(ctx, host, spec)
	}
	if err := c.check(host); err != nil {
		return nil, err
	}
	conn, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	session, err := conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	if err := session.Start(spawnCommand(spec)); err != nil {
		session.Close()
		return nil, fmt.Errorf("start %s: %w", spec.name(), err)
	}

	return newSSHProcess(session, stdin, stdout, stderr), nil
}

// spawnCommand builds "cd dir && exec env K=V ... argv". Servers commonly
// refuse SetEnv requests, so the environment travels on the command line.
func spawnCommand(spec SpawnSpec) string {
	var b strings.Builder
	if spec.Dir != "" {
		b.WriteString("cd ")
		b.WriteString(Quote(spec.Dir))
		b.WriteString(" && ")
	}
	b.WriteString("exec ")
	if len(spec.Env) > 0 {
		keys := make([]string, 0, len(spec.Env))
		for k := range spec.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("env ")
		for _, k := range keys {
			b.WriteString(Quote(k + "=" + spec.Env[k]))
			b.WriteByte(' ')
		}
	}
	b.WriteString(ShellJoin(spec.Argv...))
	return b.String()
}

// sshSession is the part of *ssh.Session a running process needs.
type sshSession interface {
	Wait() error
	Signal(sig ssh.Signal) error
	Close() error
}

type sshProcess struct {
	session sshSession
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader

	code      int
	err       error
	done      chan struct{}
	closeOnce sync.Once
}

// newSSHProcess reaps the remote command in the background so Alive turns
// false as soon as it exits, whether or not anyone waits.
func newSSHProcess(session sshSession, stdin io.WriteCloser, stdout, stderr io.Reader) *sshProcess {
	p := &sshProcess{
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		done:    make(chan struct{}),
	}
	go p.reap()
	return p
}

func (p *sshProcess) reap() {
	err := p.session.Wait()
	var exitErr *ssh.ExitError
	var missing *ssh.ExitMissingError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		p.code = exitErr.ExitStatus()
	case errors.As(err, &missing):
		p.code = -1
	default:
		p.code = -1
		p.err = err
	}
	close(p.done)
}

func (p *sshProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *sshProcess) Stdout() io.Reader     { return p.stdout }
func (p *sshProcess) Stderr() io.Reader     { return p.stderr }

// Wait blocks until exit and releases the session. The channel stays open
// until then so buffered output can still be drained.
func (p *sshProcess) Wait() (int, error) {
	<-p.done
	p.closeOnce.Do(func() { _ = p.session.Close() })
	return p.code, p.err
}

func (p *sshProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *sshProcess) Terminate() error {
	if !p.Alive() {
		return nil
	}
	if err := p.session.Signal(ssh.SIGTERM); err != nil {
		slog.Debug("ssh signal", "error", err)
	}
	// closing the channel unblocks readers even if the server ignores signals
	return p.session.Close()
}

func (c *SSHClient) Upload(ctx context.Context, localPath string, host Host, remotePath string, mode os.FileMode) error {
	if host.IsLocal() {
		return c.local.Upload(ctx, localPath, host, remotePath, mode)
	}
	if err := c.check(host); err != nil {
		return err
	}
	client, err := c.sftpClient(ctx)
	if err != nil {
		return err
	}

	in, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	if mode == 0 {
		mode = info.Mode().Perm()
	}

	tmp := path.Join(path.Dir(remotePath), ".rfs-upload-"+path.Base(remotePath))
	out, err := client.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, &ctxReader{ctx: ctx, r: in}); err != nil {
		out.Close()
		_ = client.Remove(tmp)
		return fmt.Errorf("write %s: %w", remotePath, err)
	}
	if err := out.Close(); err != nil {
		_ = client.Remove(tmp)
		return err
	}
	if err := client.Chmod(tmp, mode); err != nil {
		slog.Debug("sftp chmod", "path", tmp, "error", err)
	}
	if err := client.Chtimes(tmp, info.ModTime(), info.ModTime()); err != nil {
		slog.Debug("sftp chtimes", "path", tmp, "error", err)
	}
	if err := client.PosixRename(tmp, remotePath); err != nil {
		_ = client.Remove(tmp)
		return fmt.Errorf("rename into %s: %w", remotePath, err)
	}
	return nil
}

func (c *SSHClient) Download(ctx context.Context, host Host, remotePath, localPath string) error {
	if host.IsLocal() {
		return c.local.Download(ctx, host, remotePath, localPath)
	}
	if err := c.check(host); err != nil {
		return err
	}
	client, err := c.sftpClient(ctx)
	if err != nil {
		return err
	}
	in, err := client.Open(remotePath)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, &ctxReader{ctx: ctx, r: in}); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (c *SSHClient) Mkdir(ctx context.Context, host Host, dir string) error {
	if host.IsLocal() {
		return c.local.Mkdir(ctx, host, dir)
	}
	if err := c.check(host); err != nil {
		return err
	}
	client, err := c.sftpClient(ctx)
	if err != nil {
		return err
	}
	return client.MkdirAll(dir)
}

func (c *SSHClient) Rm(ctx context.Context, host Host, p string) error {
	if host.IsLocal() {
		return c.local.Rm(ctx, host, p)
	}
	if err := c.check(host); err != nil {
		return err
	}
	client, err := c.sftpClient(ctx)
	if err != nil {
		return err
	}
	return client.RemoveAll(p)
}

func (c *SSHClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	if c.sftp != nil {
		errs = append(errs, c.sftp.Close())
		c.sftp = nil
	}
	if c.conn != nil {
		errs = append(errs, c.conn.Close())
		c.conn = nil
	}
	return errors.Join(errs...)
}
