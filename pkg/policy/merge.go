package policy

import (
	"fmt"
	"path"
	"strings"
)

// Partial is a user-supplied policy fragment. Pointer and nil-able fields
// distinguish "absent, keep the default" from an explicit value; an explicit
// empty list is an override for deny-list fields.
type Partial struct {
	Security *PartialSecurity         `yaml:"security" json:"security"`
	Shells   map[Dialect]PartialShell `yaml:"shells" json:"shells"`
	SSH      *PartialSSH              `yaml:"ssh" json:"ssh"`
}

// PartialSecurity mirrors SecurityConfig with presence tracking.
type PartialSecurity struct {
	MaxCommandLength         *int     `yaml:"maxCommandLength" json:"maxCommandLength"`
	CommandTimeout           *int     `yaml:"commandTimeout" json:"commandTimeout"`
	RestrictWorkingDirectory *bool    `yaml:"restrictWorkingDirectory" json:"restrictWorkingDirectory"`
	LogCommands              *bool    `yaml:"logCommands" json:"logCommands"`
	MaxHistorySize           *int     `yaml:"maxHistorySize" json:"maxHistorySize"`
	BlockedCommands          []string `yaml:"blockedCommands" json:"blockedCommands"`
	BlockedArguments         []string `yaml:"blockedArguments" json:"blockedArguments"`
	AllowedPaths             []string `yaml:"allowedPaths" json:"allowedPaths"`
}

// PartialShell mirrors ShellConfig with presence tracking.
type PartialShell struct {
	Enabled          *bool     `yaml:"enabled" json:"enabled"`
	Command          string    `yaml:"command" json:"command"`
	Args             []string  `yaml:"args" json:"args"`
	BlockedOperators []string  `yaml:"blockedOperators" json:"blockedOperators"`
	PathStyle        PathStyle `yaml:"pathStyle" json:"pathStyle"`
}

// PartialSSH mirrors SSHConfig with presence tracking.
type PartialSSH struct {
	Enabled               *bool                       `yaml:"enabled" json:"enabled"`
	MaxConcurrentSessions *int                        `yaml:"maxConcurrentSessions" json:"maxConcurrentSessions"`
	ConnectTimeout        *int                        `yaml:"connectTimeout" json:"connectTimeout"`
	CommandTimeout        *int                        `yaml:"commandTimeout" json:"commandTimeout"`
	KeepaliveInterval     *int                        `yaml:"keepaliveInterval" json:"keepaliveInterval"`
	KeepaliveCountMax     *int                        `yaml:"keepaliveCountMax" json:"keepaliveCountMax"`
	IdleTimeout           *int                        `yaml:"idleTimeout" json:"idleTimeout"`
	StrictHostKeyChecking *bool                       `yaml:"strictHostKeyChecking" json:"strictHostKeyChecking"`
	KnownHostsFile        *string                     `yaml:"knownHostsFile" json:"knownHostsFile"`
	Connections           map[string]ConnectionConfig `yaml:"connections" json:"connections"`
}

// Diagnostic is a non-fatal merge finding surfaced to the operator.
type Diagnostic struct {
	Field       string
	Message     string
	Remediation string
}

func (d Diagnostic) String() string {
	if d.Remediation == "" {
		return fmt.Sprintf("%s: %s", d.Field, d.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", d.Field, d.Message, d.Remediation)
}

// Merge combines the default policy with a user fragment. Pure and
// deterministic; the result shares no memory with either input.
//
// Field classes:
//   - restrictive scalars: the more restrictive of the two values wins
//     (smaller limit, shorter timeout, true for restriction/logging flags);
//   - allowedPaths: case-insensitive set intersection, an empty result with a
//     non-empty user list yields a lockout Diagnostic;
//   - deny-lists (blockedCommands, blockedArguments, per-shell
//     blockedOperators): a present user value replaces the default, including
//     an explicit empty list;
//   - per-shell config: an omitted shell keeps the default untouched; within a
//     supplied shell, an omitted pathStyle keeps the default's.
func Merge(def Policy, user *Partial) (Policy, []Diagnostic) {
	merged := def.Clone()
	if user == nil {
		return merged, nil
	}

	var diags []Diagnostic
	if user.Security != nil {
		mergeSecurity(&merged.Security, user.Security, &diags)
	}
	for d, ps := range user.Shells {
		merged.Shells[d] = mergeShell(merged.Shells[d], &ps)
	}
	if user.SSH != nil {
		mergeSSH(&merged.SSH, user.SSH)
	}
	return merged, diags
}

func mergeSecurity(base *SecurityConfig, user *PartialSecurity, diags *[]Diagnostic) {
	if user.MaxCommandLength != nil && *user.MaxCommandLength < base.MaxCommandLength {
		base.MaxCommandLength = *user.MaxCommandLength
	}
	if user.CommandTimeout != nil && *user.CommandTimeout < base.CommandTimeout {
		base.CommandTimeout = *user.CommandTimeout
	}
	if user.MaxHistorySize != nil && *user.MaxHistorySize < base.MaxHistorySize {
		base.MaxHistorySize = *user.MaxHistorySize
	}
	if user.RestrictWorkingDirectory != nil {
		base.RestrictWorkingDirectory = base.RestrictWorkingDirectory || *user.RestrictWorkingDirectory
	}
	if user.LogCommands != nil {
		base.LogCommands = base.LogCommands || *user.LogCommands
	}

	if user.BlockedCommands != nil {
		base.BlockedCommands = cloneStrings(user.BlockedCommands)
	}
	if user.BlockedArguments != nil {
		base.BlockedArguments = cloneStrings(user.BlockedArguments)
	}

	if user.AllowedPaths != nil {
		base.AllowedPaths = intersectPaths(base.AllowedPaths, user.AllowedPaths)
		switch {
		case len(base.AllowedPaths) == 0 && len(user.AllowedPaths) > 0:
			*diags = append(*diags, Diagnostic{
				Field: "security.allowedPaths",
				Message: fmt.Sprintf(
					"none of the %d configured paths overlap the default allow-list; every working directory will be rejected",
					len(user.AllowedPaths)),
				Remediation: "include at least one default-allowed path (home directory or the gateway working directory) in allowedPaths",
			})
		case len(base.AllowedPaths) == 0:
			*diags = append(*diags, Diagnostic{
				Field:   "security.allowedPaths",
				Message: "allowedPaths is explicitly empty; every working directory will be rejected while restrictWorkingDirectory is enabled",
			})
		}
	}
}

func mergeShell(base ShellConfig, user *PartialShell) ShellConfig {
	if user.Enabled != nil {
		base.Enabled = *user.Enabled
	}
	if user.Command != "" {
		base.Command = user.Command
	}
	if user.Args != nil {
		base.Args = cloneStrings(user.Args)
	}
	if user.BlockedOperators != nil {
		base.BlockedOperators = cloneStrings(user.BlockedOperators)
	}
	// An omitted pathStyle keeps the default's normalization rules.
	if user.PathStyle != "" {
		base.PathStyle = user.PathStyle
	}
	return base
}

func mergeSSH(base *SSHConfig, user *PartialSSH) {
	if user.Enabled != nil {
		base.Enabled = *user.Enabled
	}
	if user.MaxConcurrentSessions != nil && *user.MaxConcurrentSessions < base.MaxConcurrentSessions {
		base.MaxConcurrentSessions = *user.MaxConcurrentSessions
	}
	if user.CommandTimeout != nil && *user.CommandTimeout < base.CommandTimeout {
		base.CommandTimeout = *user.CommandTimeout
	}
	if user.StrictHostKeyChecking != nil {
		base.StrictHostKeyChecking = base.StrictHostKeyChecking || *user.StrictHostKeyChecking
	}
	if user.ConnectTimeout != nil {
		base.ConnectTimeout = *user.ConnectTimeout
	}
	if user.KeepaliveInterval != nil {
		base.KeepaliveInterval = *user.KeepaliveInterval
	}
	if user.KeepaliveCountMax != nil {
		base.KeepaliveCountMax = *user.KeepaliveCountMax
	}
	if user.IdleTimeout != nil {
		base.IdleTimeout = *user.IdleTimeout
	}
	if user.KnownHostsFile != nil {
		base.KnownHostsFile = *user.KnownHostsFile
	}
	if user.Connections != nil {
		base.Connections = make(map[string]ConnectionConfig, len(user.Connections))
		for id, cc := range user.Connections {
			base.Connections[id] = cc
		}
	}
}

// intersectPaths keeps the default-list entries that also appear in the user
// list, compared case-insensitively after separator normalization. Default
// order and spelling are preserved.
func intersectPaths(def, user []string) []string {
	userSet := make(map[string]bool, len(user))
	for _, p := range user {
		userSet[comparablePath(p)] = true
	}

	out := make([]string, 0, len(def))
	for _, p := range def {
		if userSet[comparablePath(p)] {
			out = append(out, p)
		}
	}
	return out
}

// comparablePath produces the key used for path equality during merge: both
// separator kinds collapse to forward slashes and comparison is
// case-insensitive, so Windows and POSIX spellings of the same directory match.
func comparablePath(p string) string {
	p = strings.ToLower(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return p
	}
	return path.Clean(p)
}

// AsPartial converts a full policy into a fragment with every field present.
// Merging the result over the same defaults reproduces the policy, which is
// the merge idempotence property tooling relies on.
func (p Policy) AsPartial() *Partial {
	sec := p.Security
	out := &Partial{
		Security: &PartialSecurity{
			MaxCommandLength:         &sec.MaxCommandLength,
			CommandTimeout:           &sec.CommandTimeout,
			RestrictWorkingDirectory: &sec.RestrictWorkingDirectory,
			LogCommands:              &sec.LogCommands,
			MaxHistorySize:           &sec.MaxHistorySize,
			BlockedCommands:          cloneStrings(sec.BlockedCommands),
			BlockedArguments:         cloneStrings(sec.BlockedArguments),
			AllowedPaths:             cloneStrings(sec.AllowedPaths),
		},
		Shells: make(map[Dialect]PartialShell, len(p.Shells)),
	}
	if out.Security.BlockedCommands == nil {
		out.Security.BlockedCommands = []string{}
	}
	if out.Security.BlockedArguments == nil {
		out.Security.BlockedArguments = []string{}
	}
	if out.Security.AllowedPaths == nil {
		out.Security.AllowedPaths = []string{}
	}

	for d := range p.Shells {
		sc := p.Shells[d]
		enabled := sc.Enabled
		out.Shells[d] = PartialShell{
			Enabled:          &enabled,
			Command:          sc.Command,
			Args:             cloneStrings(sc.Args),
			BlockedOperators: append([]string{}, sc.BlockedOperators...),
			PathStyle:        sc.PathStyle,
		}
	}

	ssh := p.SSH
	out.SSH = &PartialSSH{
		Enabled:               &ssh.Enabled,
		MaxConcurrentSessions: &ssh.MaxConcurrentSessions,
		ConnectTimeout:        &ssh.ConnectTimeout,
		CommandTimeout:        &ssh.CommandTimeout,
		KeepaliveInterval:     &ssh.KeepaliveInterval,
		KeepaliveCountMax:     &ssh.KeepaliveCountMax,
		IdleTimeout:           &ssh.IdleTimeout,
		StrictHostKeyChecking: &ssh.StrictHostKeyChecking,
		KnownHostsFile:        &ssh.KnownHostsFile,
		Connections:           ssh.Connections,
	}
	if out.SSH.Connections == nil {
		out.SSH.Connections = map[string]ConnectionConfig{}
	}
	return out
}
