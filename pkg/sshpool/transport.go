// Package sshpool manages pooled remote sessions: bounded concurrent
// connections, keepalive-driven eviction, cached shell-dialect detection, and
// short-lived transfer sub-sessions. Command dispatch assumes validation
// already happened; the pool never re-validates.
package sshpool

import (
	"context"
	"time"

	"shellgate/pkg/policy"
)

// Transport is one live remote connection. Implementations must allow
// concurrent RunCommand and Keepalive calls.
type Transport interface {
	// RunCommand executes command on the remote and returns its separated
	// output and exit status. A nonzero remote exit is a completed run, not
	// an error. A ctx deadline aborts the in-flight command.
	RunCommand(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error)

	// Keepalive sends one liveness probe.
	Keepalive() error

	// NewTransfer opens a file-transfer sub-session. The caller must close
	// it before returning, on every path.
	NewTransfer() (Transfer, error)

	// Close tears the connection down.
	Close() error
}

// Transfer is a short-lived file-transfer sub-session scoped to one
// operation. Close must tolerate being called more than once.
type Transfer interface {
	List(path string) ([]FileInfo, error)
	Upload(localPath, remotePath string) error
	Download(remotePath, localPath string) error
	Close() error
}

// FileInfo describes one remote directory entry.
type FileInfo struct {
	Name    string
	Size    int64
	Mode    string
	ModTime time.Time
	IsDir   bool
}

// DialFunc establishes a transport for one configured connection. The pool
// calls it with a context bounded by the connect timeout.
type DialFunc func(ctx context.Context, conn policy.ConnectionConfig) (Transport, error)
