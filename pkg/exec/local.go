package exec

import (
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"strings"
	"time"

	"shellgate/pkg/logx"
	"shellgate/pkg/policy"
)

// LocalExec executes commands on the local system through one shell launcher.
type LocalExec struct {
	shell          policy.ShellConfig
	defaultTimeout time.Duration
	logger         *logx.Logger
}

// NewLocalExec creates an executor for the given shell launcher. defaultTimeout
// is the policy command timeout and is the upper bound for every run.
func NewLocalExec(shell policy.ShellConfig, defaultTimeout time.Duration, logger *logx.Logger) *LocalExec {
	if logger == nil {
		logger = logx.NewLogger("exec")
	}
	return &LocalExec{shell: shell, defaultTimeout: defaultTimeout, logger: logger}
}

// Name returns the executor type name.
func (e *LocalExec) Name() ExecutorType {
	return ExecutorTypeLocal
}

// Available reports whether the configured launcher binary can be found.
func (e *LocalExec) Available() bool {
	_, err := osexec.LookPath(e.shell.Command)
	return err == nil
}

// clampTimeout resolves the effective deadline: the policy timeout unless the
// caller asked for something tighter.
func clampTimeout(requested, configured time.Duration) time.Duration {
	if requested <= 0 {
		return configured
	}
	if configured > 0 && requested > configured {
		return configured
	}
	return requested
}

// Run executes command through the launcher. The command string is passed as
// the launcher's final single argument. On deadline expiry the whole process
// tree is killed and the result reports TimedOut with a -1 exit code.
func (e *LocalExec) Run(ctx context.Context, command string, opts Opts) (Result, error) {
	if command == "" {
		return Result{}, fmt.Errorf("command cannot be empty")
	}

	startTime := time.Now()

	timeout := clampTimeout(opts.Timeout, e.defaultTimeout)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	argv := make([]string, 0, len(e.shell.Args)+2)
	argv = append(argv, e.shell.Command)
	argv = append(argv, e.shell.Args...)
	argv = append(argv, command)

	execCmd := osexec.CommandContext(ctx, argv[0], argv[1:]...)

	// Set working directory if specified
	if opts.WorkDir != "" {
		if _, err := os.Stat(opts.WorkDir); os.IsNotExist(err) {
			return Result{}, fmt.Errorf("working directory does not exist: %s", opts.WorkDir)
		}
		execCmd.Dir = opts.WorkDir
	}

	// Start with the current environment, then add/override
	if len(opts.Env) > 0 {
		execCmd.Env = append(os.Environ(), opts.Env...)
	}

	// The launcher may spawn children; a plain Kill would orphan them.
	setProcessGroup(execCmd)
	execCmd.Cancel = func() error {
		return killProcessTree(execCmd)
	}
	execCmd.WaitDelay = 5 * time.Second

	var stdoutBuf, stderrBuf strings.Builder
	execCmd.Stdout = &stdoutBuf
	execCmd.Stderr = &stderrBuf

	runErr := execCmd.Run()
	duration := time.Since(startTime)

	result := Result{
		Stdout:       stdoutBuf.String(),
		Stderr:       stderrBuf.String(),
		ExecutorUsed: string(e.Name()),
		Duration:     duration,
	}

	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	switch {
	case runErr == nil:
		result.ExitCode = 0
	case timedOut:
		result.TimedOut = true
		result.ExitCode = -1
		e.logger.Warn("Command timed out after %s", timeout)
	default:
		var exitErr *osexec.ExitError
		if errors.As(runErr, &exitErr) {
			// Non-zero exit is a completed run; the caller reads ExitCode.
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			return result, fmt.Errorf("failed to start command: %w", runErr)
		}
	}

	return result, nil
}
