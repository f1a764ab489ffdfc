// Package security is the single decision point for whether a raw command
// string may run. The validator applies an ordered, fail-fast pipeline so a
// rejection always carries the most specific reachable reason:
//
//  1. Operator scan against the dialect's blocked operator sequences.
//  2. Tokenization and executable-name extraction.
//  3. Exact, case-insensitive executable-name match against blockedCommands.
//  4. Case-insensitive substring match of blockedArguments against each arg.
//  5. Raw length against maxCommandLength.
//
// No stage mutates anything; the engine is safe to call speculatively and
// from any number of goroutines.
package security

import (
	"fmt"
	"strings"

	"shellgate/pkg/cmdparse"
	"shellgate/pkg/logx"
	"shellgate/pkg/policy"
)

// Stage identifies which pipeline step produced a rejection.
type Stage string

const (
	StageDialect  Stage = "dialect"
	StageOperator Stage = "operator"
	StageParse    Stage = "parse"
	StageCommand  Stage = "command"
	StageArgument Stage = "argument"
	StageLength   Stage = "length"
	StageWorkdir  Stage = "workdir"
)

// Outcome is the result of a validation pass. A rejection carries the stage
// that fired, a human-readable reason, and the token that triggered it, so
// callers can build a diagnostic without re-running validation.
type Outcome struct {
	Allowed bool
	Stage   Stage
	Reason  string
	Token   string
}

func allowed() Outcome {
	return Outcome{Allowed: true}
}

func rejected(stage Stage, token, format string, args ...interface{}) Outcome {
	return Outcome{
		Stage:  stage,
		Reason: fmt.Sprintf(format, args...),
		Token:  token,
	}
}

// Validator evaluates commands against a loaded policy. Construct once and
// share; it holds no per-call state.
type Validator struct {
	pol    policy.Policy
	logger *logx.Logger
}

// NewValidator builds a validator over pol. A nil logger gets a default
// security-scoped one.
func NewValidator(pol policy.Policy, logger *logx.Logger) *Validator {
	if logger == nil {
		logger = logx.NewLogger("security")
	}
	return &Validator{pol: pol, logger: logger}
}

// Validate runs the full pipeline for dialect over raw. The first failing
// stage rejects; later stages are never consulted.
func (v *Validator) Validate(dialect policy.Dialect, raw string) Outcome {
	shell, ok := v.pol.Shell(dialect)
	if !ok || !shell.Enabled {
		return rejected(StageDialect, string(dialect), "shell %q is not enabled by policy", dialect)
	}

	if op, pos, found := cmdparse.ScanOperators(raw, shell.BlockedOperators); found {
		v.logger.Debug("Rejected command: operator %q at byte %d", op, pos)
		return rejected(StageOperator, op, "blocked operator %q at position %d", op, pos)
	}

	cmd, err := cmdparse.Parse(raw)
	if err != nil {
		v.logger.Debug("Rejected command: %v", err)
		return rejected(StageParse, "", "cannot parse command: %v", err)
	}

	for _, blockedCmd := range v.pol.Security.BlockedCommands {
		if strings.EqualFold(blockedCmd, cmd.Name) {
			v.logger.Debug("Rejected command: executable %q is blocked", cmd.Name)
			return rejected(StageCommand, cmd.Name, "command %q is blocked by policy", cmd.Name)
		}
	}

	for _, arg := range cmd.Args {
		lowerArg := strings.ToLower(arg)
		for _, pattern := range v.pol.Security.BlockedArguments {
			if pattern == "" {
				continue
			}
			if strings.Contains(lowerArg, strings.ToLower(pattern)) {
				v.logger.Debug("Rejected command: argument %q matches pattern %q", arg, pattern)
				return rejected(StageArgument, arg, "argument %q matches blocked pattern %q", arg, pattern)
			}
		}
	}

	if limit := v.pol.Security.MaxCommandLength; len(raw) > limit {
		v.logger.Debug("Rejected command: length %d exceeds limit %d", len(raw), limit)
		return rejected(StageLength, "", "command length %d exceeds limit %d", len(raw), limit)
	}

	return allowed()
}

// Policy returns the policy the validator was built with.
func (v *Validator) Policy() policy.Policy {
	return v.pol
}
