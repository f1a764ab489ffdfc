// Package exec runs already-validated commands through a configured shell
// launcher. Executors never re-validate; the security engine has the only
// say on whether a command is admissible. The command string is handed to
// the launcher as one argument so no second shell layer re-interprets it.
package exec

import (
	"context"
	"time"
)

// ExecutorType represents the type of executor.
type ExecutorType string

// Executor type constants.
const (
	ExecutorTypeLocal ExecutorType = "local"
	ExecutorTypeSSH   ExecutorType = "ssh"
)

// Executor defines the interface for executing commands in different environments.
type Executor interface {
	// Run executes one command with the given options and returns the result.
	Run(ctx context.Context, command string, opts Opts) (Result, error)

	// Name returns the executor type name for logging/debugging.
	Name() ExecutorType

	// Available returns true if this executor can be used in the current environment.
	Available() bool
}

// Opts contains options for command execution.
type Opts struct {
	// Env contains extra environment variables (KEY=VALUE format)
	Env []string

	// Timeout caps execution time. It can only tighten the policy timeout,
	// never loosen it; zero means use the policy timeout as-is.
	Timeout time.Duration

	// WorkDir is the working directory for the command.
	WorkDir string
}

// Result contains the result of command execution.
type Result struct {
	// Stdout contains the standard output.
	Stdout string

	// Stderr contains the standard error output.
	Stderr string

	// ExecutorUsed indicates which executor was used (for debugging)
	ExecutorUsed string

	// Duration is how long the command took to execute.
	Duration time.Duration

	// ExitCode is the exit code of the command. -1 means the process never
	// produced one (spawn failure or forced termination).
	ExitCode int

	// TimedOut is true when the deadline expired and the process tree was
	// forcibly terminated.
	TimedOut bool
}
