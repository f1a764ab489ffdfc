package gate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shellgate/pkg/exec"
	"shellgate/pkg/history"
	"shellgate/pkg/policy"
	"shellgate/pkg/security"
	"shellgate/pkg/sshpool"
)

// testPolicy returns defaults with the posix dialect force-enabled, no
// directory restriction, and command logging off. Tests opt back in to the
// pieces they exercise.
func testPolicy() policy.Policy {
	pol := policy.Default()
	pol.Security.RestrictWorkingDirectory = false
	pol.Security.LogCommands = false
	shell := pol.Shells[policy.DialectPosix]
	shell.Enabled = true
	pol.Shells[policy.DialectPosix] = shell
	return pol
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("local execution tests drive /bin/sh")
	}
}

// fakeTransport answers the dialect probe like a Linux host, or a Windows
// host when windows is set, and records every command it is asked to run.
type fakeTransport struct {
	mu       sync.Mutex
	commands []string
	stdout   string
	exit     int
	windows  bool
}

func (f *fakeTransport) RunCommand(_ context.Context, command string) (string, string, int, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	f.mu.Unlock()
	if command == "uname -s" {
		if f.windows {
			return "", "'uname' is not recognized as an internal or external command", 9009, nil
		}
		return "Linux\n", "", 0, nil
	}
	return f.stdout, "", f.exit, nil
}

func (f *fakeTransport) Keepalive() error { return nil }

func (f *fakeTransport) NewTransfer() (sshpool.Transfer, error) {
	return nil, errors.New("transfers not supported by this fake")
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	copy(out, f.commands)
	return out
}

// newRemoteGate wires a gate over a single fake connection named "alpha".
func newRemoteGate(t *testing.T, pol policy.Policy, ft *fakeTransport) (*Gate, *sshpool.Pool) {
	t.Helper()
	pol.SSH.Enabled = true
	pol.SSH.KeepaliveInterval = 0
	pol.SSH.Connections = map[string]policy.ConnectionConfig{
		"alpha": {Host: "alpha.example.com", Port: 22, Username: "deploy", Password: "pw"},
	}
	dial := func(_ context.Context, _ policy.ConnectionConfig) (sshpool.Transport, error) {
		return ft, nil
	}
	pool := sshpool.New(pol.SSH, dial, nil, nil)
	t.Cleanup(pool.Shutdown)
	return New(Config{Policy: pol, Pool: pool}), pool
}

func TestRunAllowed(t *testing.T) {
	skipOnWindows(t)
	g := New(Config{Policy: testPolicy()})

	resp, err := g.Run(context.Background(), policy.DialectPosix, "echo hello world", "", 0)
	require.NoError(t, err)
	assert.True(t, resp.Outcome.Allowed)
	assert.True(t, resp.Executed)
	assert.Equal(t, "hello world\n", resp.Result.Stdout)
	assert.Equal(t, 0, ExitCode(resp.Outcome, resp.Result, err))
	assert.NotEmpty(t, resp.ID)
}

func TestRunBlockedCommand(t *testing.T) {
	g := New(Config{Policy: testPolicy()})

	resp, err := g.Run(context.Background(), policy.DialectPosix, "rm -rf /", "", 0)
	require.NoError(t, err)
	assert.False(t, resp.Outcome.Allowed)
	assert.False(t, resp.Executed)
	assert.Equal(t, security.StageCommand, resp.Outcome.Stage)
	assert.Equal(t, "rm", resp.Outcome.Token)
	assert.Equal(t, ExitValidationFailed, ExitCode(resp.Outcome, resp.Result, err))
}

func TestRunBlockedOperator(t *testing.T) {
	g := New(Config{Policy: testPolicy()})

	resp, err := g.Run(context.Background(), policy.DialectPosix, "ok && rm x", "", 0)
	require.NoError(t, err)
	assert.False(t, resp.Outcome.Allowed)
	assert.Equal(t, security.StageOperator, resp.Outcome.Stage)
	assert.Equal(t, "&&", resp.Outcome.Token)
	assert.Equal(t, ExitValidationFailed, ExitCode(resp.Outcome, resp.Result, err))
}

func TestRunBlockedArgument(t *testing.T) {
	g := New(Config{Policy: testPolicy()})

	resp, err := g.Run(context.Background(), policy.DialectPosix, "ls --exec", "", 0)
	require.NoError(t, err)
	assert.False(t, resp.Outcome.Allowed)
	assert.Equal(t, security.StageArgument, resp.Outcome.Stage)
	assert.Equal(t, "--exec", resp.Outcome.Token)
}

func TestRunSpawnFailure(t *testing.T) {
	skipOnWindows(t)
	pol := testPolicy()
	shell := pol.Shells[policy.DialectPosix]
	shell.Command = "/nonexistent/launcher"
	pol.Shells[policy.DialectPosix] = shell
	g := New(Config{Policy: pol})

	resp, err := g.Run(context.Background(), policy.DialectPosix, "echo hello", "", 0)
	require.Error(t, err)
	assert.True(t, resp.Outcome.Allowed)
	assert.False(t, resp.Executed)
	assert.Equal(t, ExitExecutionFailed, ExitCode(resp.Outcome, resp.Result, err))
}

func TestRunTimeout(t *testing.T) {
	skipOnWindows(t)
	g := New(Config{Policy: testPolicy()})

	resp, err := g.Run(context.Background(), policy.DialectPosix, "sleep 5", "", 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, resp.Result.TimedOut)
	assert.Less(t, resp.Result.Duration, 2*time.Second)
	assert.Equal(t, ExitExecutionFailed, ExitCode(resp.Outcome, resp.Result, err))
}

func TestRunExitPassthrough(t *testing.T) {
	skipOnWindows(t)
	g := New(Config{Policy: testPolicy()})

	resp, err := g.Run(context.Background(), policy.DialectPosix, "exit 7", "", 0)
	require.NoError(t, err)
	assert.True(t, resp.Executed)
	assert.Equal(t, 7, resp.Result.ExitCode)
	assert.Equal(t, 7, ExitCode(resp.Outcome, resp.Result, err))
}

func TestRunWorkdirContainment(t *testing.T) {
	skipOnWindows(t)
	allowedDir := t.TempDir()
	otherDir := t.TempDir()

	pol := testPolicy()
	pol.Security.RestrictWorkingDirectory = true
	pol.Security.AllowedPaths = []string{allowedDir}
	g := New(Config{Policy: pol})

	resp, err := g.Run(context.Background(), policy.DialectPosix, "echo inside", allowedDir, 0)
	require.NoError(t, err)
	assert.True(t, resp.Outcome.Allowed)
	assert.Equal(t, "inside\n", resp.Result.Stdout)

	resp, err = g.Run(context.Background(), policy.DialectPosix, "echo outside", otherDir, 0)
	require.NoError(t, err)
	assert.False(t, resp.Outcome.Allowed)
	assert.Equal(t, security.StageWorkdir, resp.Outcome.Stage)
	assert.Equal(t, ExitValidationFailed, ExitCode(resp.Outcome, resp.Result, err))
}

func TestRunImplicitWorkdirNotEchoed(t *testing.T) {
	pol := testPolicy()
	pol.Security.RestrictWorkingDirectory = true
	pol.Security.AllowedPaths = []string{"/nonexistent-allowed-root"}
	g := New(Config{Policy: pol})

	resp, err := g.Run(context.Background(), policy.DialectPosix, "echo hello", "", 0)
	require.NoError(t, err)
	require.False(t, resp.Outcome.Allowed)
	assert.Equal(t, security.StageWorkdir, resp.Outcome.Stage)

	cwd, err := os.Getwd()
	require.NoError(t, err)
	assert.NotContains(t, resp.Outcome.Reason, cwd)
	assert.Contains(t, resp.Outcome.Reason, "supply a working directory")
}

func TestRunRecordsHistory(t *testing.T) {
	skipOnWindows(t)
	pol := testPolicy()
	pol.Security.LogCommands = true

	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"), 0, nil)
	require.NoError(t, err)
	defer store.Close()

	g := New(Config{Policy: pol, History: store})

	_, err = g.Run(context.Background(), policy.DialectPosix, "echo audited", "", 0)
	require.NoError(t, err)
	_, err = g.Run(context.Background(), policy.DialectPosix, "rm -rf /", "", 0)
	require.NoError(t, err)

	entries, err := store.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	rejected := entries[0]
	assert.Equal(t, "rm -rf /", rejected.Command)
	assert.False(t, rejected.Allowed)
	assert.Equal(t, "command", rejected.Stage)
	assert.Equal(t, ExitValidationFailed, rejected.ExitCode)
	assert.Equal(t, "local", rejected.Target)

	executed := entries[1]
	assert.Equal(t, "echo audited", executed.Command)
	assert.True(t, executed.Allowed)
	assert.Equal(t, 0, executed.ExitCode)
}

func TestRunHistoryRespectsLogCommands(t *testing.T) {
	skipOnWindows(t)
	pol := testPolicy()

	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"), 0, nil)
	require.NoError(t, err)
	defer store.Close()

	g := New(Config{Policy: pol, History: store})

	_, err = g.Run(context.Background(), policy.DialectPosix, "echo quiet", "", 0)
	require.NoError(t, err)

	entries, err := store.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCheckValidatesWithoutExecuting(t *testing.T) {
	pol := testPolicy()
	pol.Security.LogCommands = true

	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"), 0, nil)
	require.NoError(t, err)
	defer store.Close()

	g := New(Config{Policy: pol, History: store})

	outcome := g.Check(policy.DialectPosix, "rm -rf /", "")
	assert.False(t, outcome.Allowed)
	assert.Equal(t, security.StageCommand, outcome.Stage)

	outcome = g.Check(policy.DialectPosix, "echo preview", "")
	assert.True(t, outcome.Allowed)

	entries, err := store.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, entries, "validation previews must not be audited as decisions")
}

func TestExitCode(t *testing.T) {
	allowed := security.Outcome{Allowed: true}
	rejected := security.Outcome{Allowed: false, Stage: security.StageCommand}

	cases := []struct {
		name    string
		outcome security.Outcome
		result  exec.Result
		err     error
		want    int
	}{
		{"success", allowed, exec.Result{ExitCode: 0}, nil, 0},
		{"rejected", rejected, exec.Result{}, nil, -2},
		{"passthrough", allowed, exec.Result{ExitCode: 7}, nil, 7},
		{"timeout", allowed, exec.Result{ExitCode: -1, TimedOut: true}, nil, -1},
		{"spawn failure", allowed, exec.Result{ExitCode: -1}, errors.New("boom"), -1},
		{"transport failure before validation", security.Outcome{}, exec.Result{}, errors.New("dial"), -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExitCode(tc.outcome, tc.result, tc.err))
		})
	}
}

func TestRunRemote(t *testing.T) {
	ft := &fakeTransport{stdout: "hi\n"}
	g, _ := newRemoteGate(t, testPolicy(), ft)

	resp, err := g.RunRemote(context.Background(), "alpha", "echo hi", "", 0)
	require.NoError(t, err)
	assert.True(t, resp.Outcome.Allowed)
	assert.True(t, resp.Executed)
	assert.Equal(t, policy.DialectPosix, resp.Dialect)
	assert.Equal(t, "hi\n", resp.Result.Stdout)
	assert.Equal(t, "ssh", resp.Result.ExecutorUsed)
	assert.Equal(t, []string{"uname -s", "echo hi"}, ft.received())
}

func TestRunRemoteBlockedCommandNeverSent(t *testing.T) {
	ft := &fakeTransport{}
	g, _ := newRemoteGate(t, testPolicy(), ft)

	resp, err := g.RunRemote(context.Background(), "alpha", "rm -rf /", "", 0)
	require.NoError(t, err)
	assert.False(t, resp.Outcome.Allowed)
	assert.Equal(t, security.StageCommand, resp.Outcome.Stage)
	assert.Equal(t, []string{"uname -s"}, ft.received(), "only the probe may cross the wire")
}

func TestRunRemoteWorkdir(t *testing.T) {
	pol := testPolicy()
	pol.Security.RestrictWorkingDirectory = true
	pol.Security.AllowedPaths = []string{"/data"}

	ft := &fakeTransport{stdout: "ok\n"}
	g, _ := newRemoteGate(t, pol, ft)

	resp, err := g.RunRemote(context.Background(), "alpha", "echo hi", "/data/logs", 0)
	require.NoError(t, err)
	require.True(t, resp.Outcome.Allowed)

	got := ft.received()
	require.Len(t, got, 2)
	assert.Equal(t, "cd /data/logs && echo hi", got[1])
}

func TestRunRemoteWorkdirQuotedOnWire(t *testing.T) {
	pol := testPolicy()
	pol.Security.RestrictWorkingDirectory = true
	pol.Security.AllowedPaths = []string{"/data"}

	ft := &fakeTransport{stdout: "ok\n"}
	g, _ := newRemoteGate(t, pol, ft)

	// A directory name carrying shell metacharacters stays one quoted word
	// on the wire; nothing it contains may run.
	dir := `/data/x" || rm -rf / || echo "`
	resp, err := g.RunRemote(context.Background(), "alpha", "echo hi", dir, 0)
	require.NoError(t, err)
	require.True(t, resp.Outcome.Allowed)

	got := ft.received()
	require.Len(t, got, 2)
	assert.Equal(t, `cd '/data/x" || rm -rf / || echo "' && echo hi`, got[1])

	resp, err = g.RunRemote(context.Background(), "alpha", "echo hi", "/data/it's", 0)
	require.NoError(t, err)
	require.True(t, resp.Outcome.Allowed)

	got = ft.received()
	require.Len(t, got, 3)
	assert.Equal(t, `cd /data/it\'s && echo hi`, got[2])
}

func TestRunRemoteWorkdirUnquotableOnWindows(t *testing.T) {
	pol := testPolicy()
	pol.Security.RestrictWorkingDirectory = true
	pol.Security.AllowedPaths = []string{`C:\data`}
	shell := pol.Shells[policy.DialectCmd]
	shell.Enabled = true
	pol.Shells[policy.DialectCmd] = shell

	ft := &fakeTransport{windows: true}
	g, _ := newRemoteGate(t, pol, ft)

	resp, err := g.RunRemote(context.Background(), "alpha", "echo hi", `C:\data\x" || del y`, 0)
	require.NoError(t, err)
	assert.False(t, resp.Outcome.Allowed)
	assert.Equal(t, security.StageWorkdir, resp.Outcome.Stage)
	assert.Equal(t, policy.DialectCmd, resp.Dialect)
	assert.Equal(t, []string{"uname -s"}, ft.received(), "only the probe may cross the wire")
}

func TestRunRemoteRequiresWorkdirWhenRestricted(t *testing.T) {
	pol := testPolicy()
	pol.Security.RestrictWorkingDirectory = true
	pol.Security.AllowedPaths = []string{"/data"}

	ft := &fakeTransport{}
	g, _ := newRemoteGate(t, pol, ft)

	resp, err := g.RunRemote(context.Background(), "alpha", "echo hi", "", 0)
	require.NoError(t, err)
	assert.False(t, resp.Outcome.Allowed)
	assert.Equal(t, security.StageWorkdir, resp.Outcome.Stage)
	assert.Contains(t, resp.Outcome.Reason, "working directory is required")
	assert.Equal(t, ExitValidationFailed, ExitCode(resp.Outcome, resp.Result, err))
	assert.Equal(t, []string{"uname -s"}, ft.received())
}

func TestRunRemoteWorkdirOutsideAllowed(t *testing.T) {
	pol := testPolicy()
	pol.Security.RestrictWorkingDirectory = true
	pol.Security.AllowedPaths = []string{"/data"}

	ft := &fakeTransport{}
	g, _ := newRemoteGate(t, pol, ft)

	resp, err := g.RunRemote(context.Background(), "alpha", "echo hi", "/etc", 0)
	require.NoError(t, err)
	assert.False(t, resp.Outcome.Allowed)
	assert.Equal(t, security.StageWorkdir, resp.Outcome.Stage)
	assert.Equal(t, []string{"uname -s"}, ft.received())
}

func TestRunRemoteDisabled(t *testing.T) {
	g := New(Config{Policy: testPolicy()})

	resp, err := g.RunRemote(context.Background(), "alpha", "echo hi", "", 0)
	require.ErrorIs(t, err, ErrSSHDisabled)
	assert.Equal(t, ExitExecutionFailed, ExitCode(resp.Outcome, resp.Result, err))
}

func TestRunRemoteUnknownConnection(t *testing.T) {
	ft := &fakeTransport{}
	g, _ := newRemoteGate(t, testPolicy(), ft)

	resp, err := g.RunRemote(context.Background(), "ghost", "echo hi", "", 0)
	require.ErrorIs(t, err, sshpool.ErrUnknownConnection)
	assert.Equal(t, ExitExecutionFailed, ExitCode(resp.Outcome, resp.Result, err))
	assert.Empty(t, ft.received())
}
