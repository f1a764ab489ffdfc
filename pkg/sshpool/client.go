package sshpool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"shellgate/pkg/policy"
)

// NewDialer builds the production DialFunc. Host keys are verified against
// known_hosts unless the policy opted out of strict checking.
func NewDialer(cfg policy.SSHConfig) DialFunc {
	return func(ctx context.Context, conn policy.ConnectionConfig) (Transport, error) {
		return dialSSH(ctx, cfg, conn)
	}
}

func dialSSH(ctx context.Context, cfg policy.SSHConfig, conn policy.ConnectionConfig) (Transport, error) {
	auth, err := authMethods(conn)
	if err != nil {
		return nil, err
	}

	hostKeys, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	clientCfg := &ssh.ClientConfig{
		User:            conn.Username,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         time.Duration(cfg.ConnectTimeout) * time.Second,
	}

	addr := net.JoinHostPort(conn.Host, strconv.Itoa(conn.Port))
	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientCfg)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return &sshTransport{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

func authMethods(conn policy.ConnectionConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if conn.PrivateKeyPath != "" {
		keyBytes, err := os.ReadFile(expandHome(conn.PrivateKeyPath))
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if conn.Password != "" {
		methods = append(methods, ssh.Password(conn.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("no authentication method configured")
	}
	return methods, nil
}

func hostKeyCallback(cfg policy.SSHConfig) (ssh.HostKeyCallback, error) {
	if !cfg.StrictHostKeyChecking {
		// The policy explicitly opted out.
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := cfg.KnownHostsFile
	if path == "" {
		path = "~/.ssh/known_hosts"
	}
	callback, err := knownhosts.New(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return callback, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// sshTransport is the production Transport over one *ssh.Client.
type sshTransport struct {
	client *ssh.Client
}

// lockedBuffer is an io.Writer the abandoned session's stream copiers may
// keep writing to while the timeout path reads whatever arrived before the
// deadline.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// RunCommand executes command in a short-lived exec channel. A nonzero
// remote exit is a completed run, not an error; only transport failures
// error out. Context expiry signals the remote and abandons the channel.
func (t *sshTransport) RunCommand(ctx context.Context, command string) (string, string, int, error) {
	sess, err := t.client.NewSession()
	if err != nil {
		return "", "", -1, fmt.Errorf("open exec channel: %w", err)
	}
	defer sess.Close()

	var stdout, stderr lockedBuffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		return stdout.String(), stderr.String(), -1, ctx.Err()
	case err = <-done:
	}

	if err == nil {
		return stdout.String(), stderr.String(), 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return stdout.String(), stderr.String(), exitErr.ExitStatus(), nil
	}
	var missingErr *ssh.ExitMissingError
	if errors.As(err, &missingErr) {
		// Remote closed the channel without reporting a status.
		return stdout.String(), stderr.String(), -1, nil
	}
	return stdout.String(), stderr.String(), -1, fmt.Errorf("remote command failed: %w", err)
}

// Keepalive sends the OpenSSH liveness probe and waits for the reply.
func (t *sshTransport) Keepalive() error {
	_, _, err := t.client.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

// NewTransfer opens an SFTP sub-session on the pooled connection.
func (t *sshTransport) NewTransfer() (Transfer, error) {
	client, err := sftpClient(t.client)
	if err != nil {
		return nil, fmt.Errorf("open sftp sub-session: %w", err)
	}
	return client, nil
}

// Close tears down the underlying connection.
func (t *sshTransport) Close() error {
	return t.client.Close()
}
