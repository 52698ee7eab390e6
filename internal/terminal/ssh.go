package terminal

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	cryptossh "golang.org/x/crypto/ssh"
)

// DefaultReadyTimeout bounds the TCP dial plus SSH handshake.
const DefaultReadyTimeout = 20 * time.Second

// termType is the terminal type requested for the remote PTY.
const termType = "xterm-color"

// SSHConnector establishes SSH sessions to remote servers. Credentials are
// never stored; they are consumed once during Connect and held only for the
// duration of the session in-memory.
type SSHConnector struct {
	// ReadyTimeout overrides DefaultReadyTimeout when positive.
	ReadyTimeout time.Duration
}

// Connect opens an SSH connection to cfg.Addr and returns a Session backed
// by a remote PTY. The returned Session must be closed by the caller.
func (c *SSHConnector) Connect(ctx context.Context, cfg ConnectorConfig) (Session, error) {
	if !cfg.Addr.IsValid() {
		return nil, fmt.Errorf("ssh: no resolved address")
	}
	authMethod, err := authMethodFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh: auth config: %w", err)
	}

	timeout := c.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}

	clientCfg := &cryptossh.ClientConfig{
		User:            cfg.User,
		Auth:            []cryptossh.AuthMethod{authMethod},
		HostKeyCallback: cryptossh.InsecureIgnoreHostKey(), //nolint:gosec // targets are user-chosen, first-contact
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(cfg.Addr.Unmap().String(), strconv.Itoa(cfg.Port))
	// Respect context cancellation during dial
	type dialResult struct {
		client *cryptossh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		cl, err := cryptossh.Dial("tcp", addr, clientCfg)
		ch <- dialResult{cl, err}
	}()

	select {
	case <-ctx.Done():
		go func() { // reap the dial if it lands after cancellation
			if r := <-ch; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("ssh: dial %s: %w", addr, r.err)
		}
		return newSSHSession(r.client, cfg)
	}
}

// sshSession wraps an SSH client + session + remote PTY.
type sshSession struct {
	client  *cryptossh.Client
	session *cryptossh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	mu     sync.Mutex
	closed bool
}

func newSSHSession(client *cryptossh.Client, cfg ConnectorConfig) (*sshSession, error) {
	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ssh: new session: %w", err)
	}

	rows, cols := cfg.Rows, cfg.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}

	modes := cryptossh.TerminalModes{
		cryptossh.ECHO:          1,
		cryptossh.TTY_OP_ISPEED: 14400,
		cryptossh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(termType, int(rows), int(cols), modes); err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("ssh: request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("ssh: stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("ssh: stdout pipe: %w", err)
	}

	if err := sess.Shell(); err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("ssh: start login shell: %w", err)
	}

	return &sshSession{
		client:  client,
		session: sess,
		stdin:   stdin,
		stdout:  stdout,
	}, nil
}

func (s *sshSession) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	return s.stdin.Write(p)
}

func (s *sshSession) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *sshSession) Resize(rows, cols uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	return s.session.WindowChange(int(rows), int(cols))
}

// Close ends the shell stream, then the SSH client. Idempotent.
func (s *sshSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.stdin.Close()
	_ = s.session.Close()
	return s.client.Close()
}

// authMethodFromConfig builds the SSH auth method from ConnectorConfig.
func authMethodFromConfig(cfg ConnectorConfig) (cryptossh.AuthMethod, error) {
	switch cfg.AuthType {
	case AuthKey:
		var signer cryptossh.Signer
		var err error
		if cfg.Passphrase != "" {
			signer, err = cryptossh.ParsePrivateKeyWithPassphrase([]byte(cfg.PrivateKey), []byte(cfg.Passphrase))
		} else {
			signer, err = cryptossh.ParsePrivateKey([]byte(cfg.PrivateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return cryptossh.PublicKeys(signer), nil
	case AuthPassword:
		return cryptossh.Password(cfg.Password), nil
	default:
		return nil, fmt.Errorf("unsupported auth type: %q", cfg.AuthType)
	}
}

// ensure interface compliance
var _ Session = (*sshSession)(nil)
var _ Connector = (*SSHConnector)(nil)

// DialAddr reports the host:port string Connect would dial for cfg. It
// exists so callers can log the exact dial target.
func DialAddr(addr netip.Addr, port int) string {
	return net.JoinHostPort(addr.Unmap().String(), strconv.Itoa(port))
}
