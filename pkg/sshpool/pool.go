package sshpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"shellgate/pkg/exec"
	"shellgate/pkg/logx"
	"shellgate/pkg/metrics"
	"shellgate/pkg/policy"
)

// Sentinel errors surfaced by pool operations.
var (
	// ErrPoolAtCapacity means the concurrency cap is reached; existing
	// sessions are never evicted to make room.
	ErrPoolAtCapacity = errors.New("session pool at capacity")

	// ErrUnknownConnection means the id has no configured endpoint.
	ErrUnknownConnection = errors.New("unknown connection id")

	// ErrSessionClosed means the session was torn down mid-operation.
	ErrSessionClosed = errors.New("session closed")

	// ErrPoolClosed means the pool has been shut down.
	ErrPoolClosed = errors.New("session pool shut down")
)

// Pool owns every live remote session, keyed by connection id. Lifecycle
// operations on one id are mutually exclusive; operations on different ids
// proceed concurrently.
type Pool struct {
	cfg    policy.SSHConfig
	dial   DialFunc
	logger *logx.Logger
	rec    *metrics.Recorder

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// New builds a pool over cfg. dial is the transport factory; production
// wiring passes NewDialer's result, tests inject fakes.
func New(cfg policy.SSHConfig, dial DialFunc, logger *logx.Logger, rec *metrics.Recorder) *Pool {
	if logger == nil {
		logger = logx.NewLogger("sshpool")
	}
	return &Pool{
		cfg:      cfg,
		dial:     dial,
		logger:   logger,
		rec:      rec,
		sessions: make(map[string]*Session),
	}
}

// Acquire returns the Ready session for id, dialing a fresh connection when
// none is pooled. The concurrency cap is enforced atomically with entry
// creation: when the pool is full, acquiring a new id fails with
// ErrPoolAtCapacity rather than evicting a peer. Repeated acquires for the
// same id return the same session and refresh its activity timestamp.
func (p *Pool) Acquire(ctx context.Context, id string) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if s, ok := p.sessions[id]; ok {
		p.mu.Unlock()
		if err := s.awaitReady(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}

	conn, ok := p.cfg.Connections[id]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownConnection, id)
	}
	if len(p.sessions) >= p.cfg.MaxConcurrentSessions {
		inUse := len(p.sessions)
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %d/%d in use", ErrPoolAtCapacity, inUse, p.cfg.MaxConcurrentSessions)
	}

	// Reserve the slot before dialing so a concurrent acquire for another
	// new id sees the cap correctly.
	s := newSession(id, time.Duration(p.cfg.CommandTimeout)*time.Second)
	p.sessions[id] = s
	p.mu.Unlock()

	go p.connect(s, conn)

	if err := s.awaitReady(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// connect performs the handshake for a freshly reserved slot. It is bounded
// by the connect timeout, not by any one caller's context, because waiters
// other than the first may be parked on the same handshake.
func (p *Pool) connect(s *Session, conn policy.ConnectionConfig) {
	ctx := context.Background()
	if timeout := time.Duration(p.cfg.ConnectTimeout) * time.Second; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	t, err := p.dial(ctx, conn)
	if err != nil {
		s.markDialFailed(fmt.Errorf("connection %q handshake failed: %w", s.id, err))
		p.removeEntry(s)
		p.rec.SessionOpened("error")
		p.logger.Error("Failed to establish session %s: %v", s.id, err)
		return
	}
	if !s.markReady(t) {
		// Closed while dialing; nobody else will release the transport.
		_ = t.Close()
		p.removeEntry(s)
		return
	}
	p.rec.SessionOpened("ok")
	p.rec.SessionUp()
	p.logger.Info("Session %s ready (%s@%s:%d)", s.id, conn.Username, conn.Host, conn.Port)

	if interval := time.Duration(p.cfg.KeepaliveInterval) * time.Second; interval > 0 {
		idleTimeout := time.Duration(p.cfg.IdleTimeout) * time.Second
		go s.keepaliveLoop(interval, p.cfg.KeepaliveCountMax, idleTimeout, p.logger, p.rec,
			func(reason string) { p.evict(s, reason) })
	}
}

// removeEntry frees the slot if it still belongs to s.
func (p *Pool) removeEntry(s *Session) {
	p.mu.Lock()
	if cur, ok := p.sessions[s.id]; ok && cur == s {
		delete(p.sessions, s.id)
	}
	p.mu.Unlock()
}

// evict closes a dead session and frees its slot, so the next acquire for
// the id dials fresh.
func (p *Pool) evict(s *Session, reason string) {
	p.removeEntry(s)
	if s.close() {
		p.rec.SessionDown()
	}
	p.logger.Warn("Session %s evicted: %s", s.id, reason)
}

// Release disconnects id and frees its slot. Releasing an id that is not
// pooled is a no-op.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	s, ok := p.sessions[id]
	if ok {
		delete(p.sessions, id)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	if s.close() {
		p.rec.SessionDown()
	}
	p.logger.Info("Session %s released", id)
}

// Shutdown closes every session and refuses further acquires.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	for _, s := range sessions {
		if s.close() {
			p.rec.SessionDown()
		}
	}
	if len(sessions) > 0 {
		p.logger.Info("Closed %d sessions on shutdown", len(sessions))
	}
}

// Len reports how many sessions are pooled, Connecting and Ready alike.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Dispatch runs an already-validated command on id's pooled session. The
// timeout can only tighten the policy command timeout. Deadline expiry marks
// the result TimedOut and tears down the command channel without corrupting
// the session.
func (p *Pool) Dispatch(ctx context.Context, id, command string, timeout time.Duration) (exec.Result, error) {
	s, err := p.Acquire(ctx, id)
	if err != nil {
		return exec.Result{ExitCode: -1, ExecutorUsed: string(exec.ExecutorTypeSSH)}, err
	}

	t, err := s.currentTransport()
	if err != nil {
		return exec.Result{ExitCode: -1, ExecutorUsed: string(exec.ExecutorTypeSSH)}, err
	}

	if effective := clampDuration(timeout, time.Duration(p.cfg.CommandTimeout)*time.Second); effective > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, effective)
		defer cancel()
	}

	start := time.Now()
	stdout, stderr, exitCode, runErr := t.RunCommand(ctx, command)
	result := exec.Result{
		Stdout:       stdout,
		Stderr:       stderr,
		ExecutorUsed: string(exec.ExecutorTypeSSH),
		Duration:     time.Since(start),
		ExitCode:     exitCode,
	}
	s.touch()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		p.logger.Warn("Remote command on %s timed out", s.id)
		return result, nil
	}
	if runErr != nil {
		result.ExitCode = -1
		return result, fmt.Errorf("remote dispatch on %q failed: %w", s.id, runErr)
	}
	return result, nil
}

// ListDir lists a remote directory through a transfer sub-session scoped to
// this one call.
func (p *Pool) ListDir(ctx context.Context, id, remotePath string) ([]FileInfo, error) {
	var entries []FileInfo
	err := p.withTransfer(ctx, id, "list", func(tr Transfer) error {
		var listErr error
		entries, listErr = tr.List(remotePath)
		return listErr
	})
	return entries, err
}

// Upload copies a local file to the remote through a one-shot transfer
// sub-session.
func (p *Pool) Upload(ctx context.Context, id, localPath, remotePath string) error {
	return p.withTransfer(ctx, id, "upload", func(tr Transfer) error {
		return tr.Upload(localPath, remotePath)
	})
}

// Download copies a remote file to the local filesystem through a one-shot
// transfer sub-session.
func (p *Pool) Download(ctx context.Context, id, remotePath, localPath string) error {
	return p.withTransfer(ctx, id, "download", func(tr Transfer) error {
		return tr.Download(remotePath, localPath)
	})
}

// withTransfer opens a transfer sub-session, runs fn, and closes the
// sub-session on every path, success and failure alike. Cancellation closes
// it mid-flight so no transfer outlives its caller.
func (p *Pool) withTransfer(ctx context.Context, id, op string, fn func(Transfer) error) error {
	s, err := p.Acquire(ctx, id)
	if err != nil {
		p.rec.ObserveTransfer(op, "error")
		return err
	}
	t, err := s.currentTransport()
	if err != nil {
		p.rec.ObserveTransfer(op, "error")
		return err
	}

	tr, err := t.NewTransfer()
	if err != nil {
		p.rec.ObserveTransfer(op, "error")
		return fmt.Errorf("failed to open transfer sub-session on %q: %w", id, err)
	}

	watchdogDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = tr.Close()
		case <-watchdogDone:
		}
	}()

	opErr := fn(tr)
	close(watchdogDone)
	if closeErr := tr.Close(); closeErr != nil && opErr == nil && ctx.Err() == nil {
		p.logger.Debug("Transfer sub-session close on %s: %v", id, closeErr)
	}
	s.touch()

	if opErr != nil {
		p.rec.ObserveTransfer(op, "error")
		if ctx.Err() != nil {
			return fmt.Errorf("%s on %q aborted: %w", op, id, ctx.Err())
		}
		return fmt.Errorf("%s on %q failed: %w", op, id, opErr)
	}
	p.rec.ObserveTransfer(op, "ok")
	return nil
}

// clampDuration resolves the effective deadline: the configured bound unless
// the caller asked for something tighter.
func clampDuration(requested, configured time.Duration) time.Duration {
	if requested <= 0 {
		return configured
	}
	if configured > 0 && requested > configured {
		return configured
	}
	return requested
}
