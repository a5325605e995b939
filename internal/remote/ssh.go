package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/splax/launchpad/internal/domain"
)

const maxCapture = 4 << 20

// SSHConfig describes how to reach the managed host.
type SSHConfig struct {
	Host           string
	Port           int
	User           string
	KeyPath        string
	KnownHostsPath string
	DialTimeout    time.Duration
	Timeout        time.Duration
}

// SSH executes commands over one shared SSH connection.
type SSH struct {
	cfg    SSHConfig
	client *ssh.ClientConfig
	log    *slog.Logger

	mu   sync.Mutex
	conn *ssh.Client
}

var _ Executor = (*SSH)(nil)

// NewSSH validates the configuration and loads credentials. The connection is
// established lazily on first use.
func NewSSH(cfg SSHConfig, logger *slog.Logger) (*SSH, error) {
	var missing []string
	if cfg.Host == "" {
		missing = append(missing, "host")
	}
	if cfg.User == "" {
		missing = append(missing, "user")
	}
	if cfg.KeyPath == "" {
		missing = append(missing, "key path")
	}
	if len(missing) > 0 {
		return nil, domain.Errorf(domain.KindConfiguration, "remote host parameters missing: %v", missing)
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "remote", "host", cfg.Host)

	keyBytes, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, domain.E(domain.KindConfiguration, "", "read ssh key", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, domain.E(domain.KindConfiguration, "", "parse ssh key", err)
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		hostKeys, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, domain.E(domain.KindConfiguration, "", "load known_hosts", err)
		}
	} else {
		logger.Warn("ssh host key verification disabled; set SSH_KNOWN_HOSTS")
	}

	return &SSH{
		cfg: cfg,
		client: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeys,
			Timeout:         cfg.DialTimeout,
		},
		log: logger,
	}, nil
}

func (s *SSH) addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

func (s *SSH) connect(ctx context.Context) (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", s.addr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.addr(), err)
	}
	c, chans, reqs, err := ssh.NewClientConn(raw, s.addr(), s.client)
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	s.conn = ssh.NewClient(c, chans, reqs)
	s.log.Info("ssh connection established")
	return s.conn, nil
}

// drop discards a broken connection so the next call reconnects.
func (s *SSH) drop(broken *ssh.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == broken && s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *SSH) session(ctx context.Context) (*ssh.Session, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := conn.NewSession()
	if err == nil {
		return sess, nil
	}
	// A stale connection fails here before anything ran remotely.
	s.drop(conn)
	conn, err = s.connect(ctx)
	if err != nil {
		return nil, err
	}
	return conn.NewSession()
}

// Run executes cmd and waits for it, bounded by the command or default timeout.
func (s *SSH) Run(ctx context.Context, cmd Command) (Result, error) {
	timeout := s.cfg.Timeout
	if cmd.Timeout > 0 {
		timeout = cmd.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	s.log.Info("remote exec", "description", cmd.Description)
	s.log.Debug("remote exec program", "description", cmd.Description, "program", cmd.Program)

	sess, err := s.session(ctx)
	if err != nil {
		execErr := &ExecError{Description: cmd.Description, ExitStatus: -1, Err: err}
		s.audit(cmd, start, execErr, "")
		return Result{}, execErr
	}
	defer sess.Close()

	var stdout, stderr capBuffer
	stdout.limit, stderr.limit = maxCapture, maxCapture
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if len(cmd.Stdin) > 0 {
		sess.Stdin = bytes.NewReader(cmd.Stdin)
	}

	if err := sess.Start(cmd.Line()); err != nil {
		execErr := &ExecError{Description: cmd.Description, ExitStatus: -1, Err: err}
		s.audit(cmd, start, execErr, "")
		return Result{}, execErr
	}
	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		execErr := &ExecError{
			Description: cmd.Description,
			ExitStatus:  -1,
			TimedOut:    errors.Is(ctx.Err(), context.DeadlineExceeded),
			Err:         ctx.Err(),
		}
		s.audit(cmd, start, execErr, "")
		return Result{}, execErr
	case err := <-done:
		res := Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}
		if err != nil {
			execErr := &ExecError{Description: cmd.Description, Detail: summarize(res.Stderr), ExitStatus: -1, Err: err}
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				execErr.ExitStatus = exitErr.ExitStatus()
				execErr.Err = nil
			}
			s.audit(cmd, start, execErr, "")
			return Result{}, execErr
		}
		s.audit(cmd, start, nil, res.Stderr)
		return res, nil
	}
}

func (s *SSH) audit(cmd Command, start time.Time, err *ExecError, stderr string) {
	fields := []any{
		"description", cmd.Description,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	switch {
	case err != nil:
		fields = append(fields, "outcome", "failure", "exit_status", err.ExitStatus, "timed_out", err.TimedOut, "detail", err.Detail)
		if err.Err != nil {
			fields = append(fields, "error", err.Err)
		}
		s.log.Error("remote exec failed", fields...)
	case len(bytes.TrimSpace([]byte(stderr))) > 0:
		fields = append(fields, "outcome", "warning", "stderr", summarize(stderr))
		s.log.Warn("remote exec warning", fields...)
	default:
		fields = append(fields, "outcome", "success")
		s.log.Info("remote exec succeeded", fields...)
	}
}

// DialUnix opens a stream to a unix socket on the managed host through the
// SSH connection, e.g. the Docker engine socket.
func (s *SSH) DialUnix(ctx context.Context, socket string) (net.Conn, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	c, err := conn.Dial("unix", socket)
	if err != nil {
		// A refused channel leaves the connection healthy and shared with
		// in-flight commands; only transport failures discard it.
		var refused *ssh.OpenChannelError
		if !errors.As(err, &refused) {
			s.drop(conn)
		}
		return nil, fmt.Errorf("dial remote socket %s: %w", socket, err)
	}
	return c, nil
}

// Ping verifies the host is reachable with a trivial command.
func (s *SSH) Ping(ctx context.Context) error {
	_, err := s.Run(ctx, Command{Description: "check remote shell", Program: "true", Timeout: 10 * time.Second})
	return err
}

// Close releases the shared connection.
func (s *SSH) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// capBuffer keeps at most limit bytes and silently discards the rest.
type capBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *capBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *capBuffer) String() string { return b.buf.String() }
