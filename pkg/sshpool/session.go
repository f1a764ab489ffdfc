package sshpool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"shellgate/pkg/logx"
	"shellgate/pkg/metrics"
	"shellgate/pkg/policy"
)

// State names one point in a session's lifecycle.
type State string

// Session lifecycle states.
const (
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// dialectProbe classifies the remote shell on first dispatch. A zero exit
// with kernel output means a POSIX shell; a command-not-found failure means
// the Windows command interpreter.
const dialectProbe = "uname -s"

// Session is one pooled remote connection. All mutation goes through the
// session mutex; the pool guarantees a single mutator per id for lifecycle
// transitions.
type Session struct {
	id string
	// probeTimeout bounds the dialect probe like any dispatched command.
	probeTimeout time.Duration

	mu           sync.Mutex
	state        State
	transport    Transport
	dialErr      error
	dialect      policy.Dialect
	lastActivity time.Time

	// ready is closed once the handshake settles, success or failure.
	ready chan struct{}
	// done stops the keepalive loop; closed exactly once by close().
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id string, probeTimeout time.Duration) *Session {
	return &Session{
		id:           id,
		probeTimeout: probeTimeout,
		state:        StateConnecting,
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// ID returns the connection id this session serves.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns when the session last served a caller.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Dialect returns the cached shell classification, or empty before the first
// probe.
func (s *Session) Dialect() policy.Dialect {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialect
}

// awaitReady blocks until the handshake settles or ctx expires, then
// refreshes the activity timestamp.
func (s *Session) awaitReady(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ready:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		if s.dialErr != nil {
			return s.dialErr
		}
		return ErrSessionClosed
	}
	s.lastActivity = time.Now()
	return nil
}

// markReady transitions Connecting to Ready. Returns false when the session
// was closed while dialing; the caller then owns the transport.
func (s *Session) markReady(t Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return false
	}
	s.transport = t
	s.state = StateReady
	s.lastActivity = time.Now()
	close(s.ready)
	return true
}

// markDialFailed transitions Connecting to Closed and surfaces err to every
// waiter.
func (s *Session) markDialFailed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return
	}
	s.dialErr = err
	s.state = StateClosed
	close(s.ready)
}

// currentTransport hands out the live transport and refreshes the activity
// timestamp.
func (s *Session) currentTransport() (Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady || s.transport == nil {
		return nil, ErrSessionClosed
	}
	s.lastActivity = time.Now()
	return s.transport, nil
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// close tears the session down and reports whether it had been Ready, so the
// caller can settle the active-session gauge exactly once.
func (s *Session) close() (wasReady bool) {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateClosing {
		s.mu.Unlock()
		return false
	}
	wasReady = s.state == StateReady
	if s.state == StateConnecting {
		// A waiter may be parked on the handshake.
		s.dialErr = ErrSessionClosed
		close(s.ready)
	}
	s.state = StateClosing
	t := s.transport
	s.transport = nil
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.done) })
	if t != nil {
		_ = t.Close()
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	return wasReady
}

// EnsureDialect returns the session's shell classification, probing the
// remote on first use and caching the answer for the session's lifetime.
// The probe runs under the pool's command timeout, so a caller context
// without a deadline cannot block on a stalled remote. Transport-level
// probe errors are returned without caching so the next dispatch can retry.
func (s *Session) EnsureDialect(ctx context.Context) (policy.Dialect, error) {
	s.mu.Lock()
	if s.dialect != "" {
		d := s.dialect
		s.mu.Unlock()
		return d, nil
	}
	if s.state != StateReady || s.transport == nil {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	t := s.transport
	s.mu.Unlock()

	if s.probeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.probeTimeout)
		defer cancel()
	}
	stdout, _, exitCode, err := t.RunCommand(ctx, dialectProbe)
	if err != nil {
		return "", fmt.Errorf("shell detection probe failed: %w", err)
	}

	detected := policy.DialectCmd
	if exitCode == 0 && strings.TrimSpace(stdout) != "" {
		detected = policy.DialectPosix
	}

	s.mu.Lock()
	if s.dialect == "" {
		s.dialect = detected
	}
	detected = s.dialect
	s.mu.Unlock()
	return detected, nil
}

// keepaliveLoop probes the transport every interval. countMax consecutive
// misses, or inactivity beyond idleTimeout, reports the session dead through
// evict. Runs until the session closes.
func (s *Session) keepaliveLoop(interval time.Duration, countMax int, idleTimeout time.Duration,
	logger *logx.Logger, rec *metrics.Recorder, evict func(reason string)) {

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		t := s.transport
		alive := s.state == StateReady
		idle := time.Since(s.lastActivity)
		s.mu.Unlock()
		if !alive {
			return
		}

		if idleTimeout > 0 && idle > idleTimeout {
			evict("idle")
			return
		}

		if err := t.Keepalive(); err != nil {
			misses++
			rec.KeepaliveMiss()
			logger.Warn("Keepalive miss %d/%d on session %s: %v", misses, countMax, s.id, err)
			if misses >= countMax {
				evict("keepalive")
				return
			}
			continue
		}
		misses = 0
	}
}
