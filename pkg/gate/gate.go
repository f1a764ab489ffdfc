// Package gate wires the policy engine, executors, session pool, history,
// and metrics into the entry points the dispatch layer calls. A command is
// validated exactly once, executed at most once, and every decision is
// recorded before the response leaves the gate.
package gate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"

	"shellgate/pkg/exec"
	"shellgate/pkg/history"
	"shellgate/pkg/logx"
	"shellgate/pkg/metrics"
	"shellgate/pkg/policy"
	"shellgate/pkg/security"
	"shellgate/pkg/sshpool"
)

// Exit codes reported to callers. Anything else is the executed process's
// own status, passed through unmodified.
const (
	ExitOK               = 0
	ExitExecutionFailed  = -1
	ExitValidationFailed = -2
)

// ErrSSHDisabled is returned by remote operations when no session pool was
// configured.
var ErrSSHDisabled = errors.New("ssh execution is disabled")

// Config assembles a Gate. Policy is required; the rest are optional
// capabilities: without a pool there is no remote execution, a nil history
// store or recorder disables that concern.
type Config struct {
	Policy  policy.Policy
	Pool    *sshpool.Pool
	History *history.Store
	Metrics *metrics.Recorder
	Logger  *logx.Logger
}

// Gate is the trust boundary in front of the executors. All fields are set
// once by New and shared read-only, so a single Gate serves concurrent
// callers.
type Gate struct {
	pol    policy.Policy
	val    *security.Validator
	locals map[policy.Dialect]*exec.LocalExec
	pool   *sshpool.Pool
	hist   *history.Store
	rec    *metrics.Recorder
	logger *logx.Logger
}

// Response reports one gate decision and, when execution happened, its
// result.
type Response struct {
	// ID correlates logs and the history entry for this request.
	ID string

	// Dialect is what the command was validated against. For remote runs
	// this is the session's detected dialect.
	Dialect policy.Dialect

	Outcome security.Outcome
	Result  exec.Result

	// Executed is false when validation rejected the command or execution
	// never started.
	Executed bool
}

// New builds a Gate over the given policy and capabilities.
func New(cfg Config) *Gate {
	logger := cfg.Logger
	if logger == nil {
		logger = logx.NewLogger("gate")
	}

	defaultTimeout := time.Duration(cfg.Policy.Security.CommandTimeout) * time.Second
	locals := make(map[policy.Dialect]*exec.LocalExec, len(cfg.Policy.Shells))
	for dialect, shell := range cfg.Policy.Shells {
		locals[dialect] = exec.NewLocalExec(shell, defaultTimeout, logger.WithName("exec"))
	}

	return &Gate{
		pol:    cfg.Policy,
		val:    security.NewValidator(cfg.Policy, logger.WithName("security")),
		locals: locals,
		pool:   cfg.Pool,
		hist:   cfg.History,
		rec:    cfg.Metrics,
		logger: logger,
	}
}

// ExitCode maps a request to the exit-code convention: 0 success, -1
// execution failure (spawn or transport error, timeout), -2 validation
// failure, otherwise the executed process's own exit status. Rejections
// carry no Go error, so the error is checked first without masking them.
func ExitCode(outcome security.Outcome, result exec.Result, err error) int {
	switch {
	case err != nil:
		return ExitExecutionFailed
	case !outcome.Allowed:
		return ExitValidationFailed
	case result.TimedOut:
		return ExitExecutionFailed
	default:
		return result.ExitCode
	}
}

// Run validates rawCommand for the given dialect and, if allowed, executes
// it locally. workdir may be empty; the process working directory is then
// resolved and checked in its place. A rejected command returns a Response
// with the rejection outcome and a nil error.
func (g *Gate) Run(ctx context.Context, dialect policy.Dialect, rawCommand, workdir string, timeout time.Duration) (Response, error) {
	resp := Response{ID: uuid.New().String(), Dialect: dialect}

	dir, err := resolveLocalDir(workdir)
	if err != nil {
		return resp, fmt.Errorf("failed to resolve working directory: %w", err)
	}

	resp.Outcome = g.checkRequest(dialect, rawCommand, dir)
	if workdir == "" {
		resp.Outcome = sanitizeImplicitDir(resp.Outcome)
	}
	if !resp.Outcome.Allowed {
		g.logger.Info("request %s rejected at %s stage: %s", resp.ID, resp.Outcome.Stage, resp.Outcome.Reason)
		g.record(resp, "local", rawCommand, nil)
		return resp, nil
	}

	local, ok := g.locals[dialect]
	if !ok {
		return resp, fmt.Errorf("no local executor for dialect %q", dialect)
	}

	resp.Result, err = local.Run(ctx, rawCommand, exec.Opts{Timeout: timeout, WorkDir: dir})
	resp.Executed = err == nil
	if err != nil {
		g.logger.Warn("request %s failed to execute: %v", resp.ID, err)
	} else {
		g.logger.Info("request %s completed: exit=%d timedOut=%v duration=%s",
			resp.ID, resp.Result.ExitCode, resp.Result.TimedOut, resp.Result.Duration)
	}
	g.record(resp, "local", rawCommand, err)
	return resp, err
}

// RunRemote validates rawCommand against the connection's detected dialect
// and dispatches it over the pooled session. The dialect probe is internal;
// the user command is never sent before validation passes. workdir must be
// an absolute remote path inside the allowed set, and while directory
// restriction is enabled it is mandatory: unlike Run, there is no process
// working directory to resolve and check in its place.
func (g *Gate) RunRemote(ctx context.Context, connectionID, rawCommand, workdir string, timeout time.Duration) (Response, error) {
	resp := Response{ID: uuid.New().String()}

	if g.pool == nil {
		return resp, ErrSSHDisabled
	}

	session, err := g.pool.Acquire(ctx, connectionID)
	if err != nil {
		return resp, err
	}

	dialect, err := session.EnsureDialect(ctx)
	if err != nil {
		return resp, fmt.Errorf("failed to detect dialect on %q: %w", connectionID, err)
	}
	resp.Dialect = dialect

	resp.Outcome = g.checkRequest(dialect, rawCommand, workdir)
	if !resp.Outcome.Allowed {
		g.logger.Info("request %s rejected at %s stage: %s", resp.ID, resp.Outcome.Stage, resp.Outcome.Reason)
		g.record(resp, connectionID, rawCommand, nil)
		return resp, nil
	}

	resp.Result, err = g.pool.Dispatch(ctx, connectionID, remoteCommand(dialect, workdir, rawCommand), timeout)
	resp.Executed = err == nil
	if err != nil {
		g.logger.Warn("request %s failed on %q: %v", resp.ID, connectionID, err)
	} else {
		g.logger.Info("request %s completed on %q: exit=%d timedOut=%v duration=%s",
			resp.ID, connectionID, resp.Result.ExitCode, resp.Result.TimedOut, resp.Result.Duration)
	}
	g.record(resp, connectionID, rawCommand, err)
	return resp, err
}

// Check runs validation only: the full pipeline plus working-directory
// containment, with no execution and no history entry. The working
// directory is resolved the same way Run resolves it.
func (g *Gate) Check(dialect policy.Dialect, rawCommand, workdir string) security.Outcome {
	dir, err := resolveLocalDir(workdir)
	if err != nil {
		dir = workdir
	}
	outcome := g.checkRequest(dialect, rawCommand, dir)
	if workdir == "" {
		outcome = sanitizeImplicitDir(outcome)
	}
	return outcome
}

// checkRequest is the single validation path: pipeline first, then
// working-directory containment under the dialect's path style.
func (g *Gate) checkRequest(dialect policy.Dialect, rawCommand, workdir string) security.Outcome {
	outcome := g.val.Validate(dialect, rawCommand)
	if outcome.Allowed {
		shell, _ := g.pol.Shell(dialect)
		outcome = security.CheckWorkingDir(workdir, g.pol, shell.PathStyle)
	}
	g.rec.ObserveValidation(string(dialect), string(outcome.Stage), outcome.Allowed)
	return outcome
}

// record persists the decision to history (when command logging is on) and
// updates execution metrics. Failures here never fail the request.
func (g *Gate) record(resp Response, target, rawCommand string, runErr error) {
	if resp.Executed || runErr != nil {
		status := "ok"
		switch {
		case runErr != nil:
			status = "error"
		case resp.Result.TimedOut:
			status = "timeout"
		case resp.Result.ExitCode != 0:
			status = "error"
		}
		g.rec.ObserveExecution(resp.Result.ExecutorUsed, string(resp.Dialect), status, resp.Result.Duration)
	}

	if g.hist == nil || !g.pol.Security.LogCommands {
		return
	}

	entry := history.Entry{
		ID:       resp.ID,
		Dialect:  string(resp.Dialect),
		Command:  rawCommand,
		Target:   target,
		Allowed:  resp.Outcome.Allowed,
		Stage:    string(resp.Outcome.Stage),
		Reason:   resp.Outcome.Reason,
		ExitCode: ExitCode(resp.Outcome, resp.Result, runErr),
		Duration: resp.Result.Duration,
		TimedOut: resp.Result.TimedOut,
	}
	if runErr != nil {
		entry.Reason = runErr.Error()
	}
	if err := g.hist.Append(entry); err != nil {
		g.logger.Warn("history append failed for request %s: %v", resp.ID, err)
	}
}

// sanitizeImplicitDir rewrites a workdir rejection when the caller never
// supplied a directory, so the resolved process directory is not echoed
// back. Rejections only ever name paths the caller supplied.
func sanitizeImplicitDir(outcome security.Outcome) security.Outcome {
	if outcome.Allowed || outcome.Stage != security.StageWorkdir {
		return outcome
	}
	outcome.Reason = "the process working directory is not inside the allowed paths; supply a working directory"
	outcome.Token = ""
	return outcome
}

// resolveLocalDir turns a caller-supplied local working directory into the
// absolute form the containment check compares. Empty means the process's
// own working directory.
func resolveLocalDir(dir string) (string, error) {
	if dir == "" {
		return os.Getwd()
	}
	return filepath.Abs(dir)
}

// remoteCommand prefixes the validated command with a change-directory step
// when a working directory was requested. The POSIX form is fully
// shell-quoted; the cmd form relies on containment having rejected every
// character its double quotes cannot neutralize.
func remoteCommand(dialect policy.Dialect, workdir, command string) string {
	if workdir == "" {
		return command
	}
	if dialect == policy.DialectCmd {
		return fmt.Sprintf(`cd /d "%s" && %s`, workdir, command)
	}
	return shellquote.Join("cd", workdir) + " && " + command
}
