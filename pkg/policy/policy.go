// Package policy provides loading, merging, and validation of the command
// gateway security policy.
//
// ARCHITECTURE OVERVIEW:
//
// This package produces the single Policy value that every other component
// reads. It is built around a few rules that must not be violated:
//
//  1. RESTRICTIVE MERGE: user configuration can tighten the hardened defaults
//     but can only loosen them where the field class explicitly allows an
//     override (deny-lists). Scalars take the more restrictive value, allowed
//     path lists intersect, deny-lists replace when present.
//
//  2. IMMUTABLE AFTER LOAD: Load returns the Policy by value. Nothing mutates
//     it afterward; all components share it read-only, so concurrent
//     validations and executions need no locking around policy data.
//
//  3. VALIDATION FIRST: a policy that fails structural validation is fatal at
//     startup. The system never serves a single request under an invalid
//     policy.
//
//  4. NO LOGIC IN DATA: per-shell path handling is expressed as a PathStyle
//     enum, never as behavior embedded in configuration.
//
// USAGE:
//
//	pol, err := policy.Load(logger, "/etc/shellgate/policy.yaml", "policy.yaml")
//	if err != nil { /* fatal: refuse to start */ }
package policy

import (
	"os"
	"path/filepath"
	"runtime"
)

// Dialect identifies a supported shell command syntax.
type Dialect string

// Supported shell dialects. The zero value means not yet known (remote
// sessions before their first probe).
const (
	DialectUnknown Dialect = ""
	DialectPosix   Dialect = "posix"
	DialectCmd     Dialect = "cmd"
)

// Known reports whether d names a configurable dialect.
func (d Dialect) Known() bool {
	return d == DialectPosix || d == DialectCmd
}

// PathStyle selects the pure path normalization rules used for working
// directory containment checks under a given shell dialect.
type PathStyle string

// Supported path styles.
const (
	PathStylePosix   PathStyle = "posix"
	PathStyleWindows PathStyle = "windows"
)

// Known reports whether s names a supported path style.
func (s PathStyle) Known() bool {
	return s == PathStylePosix || s == PathStyleWindows
}

// SecurityConfig holds the process-wide limits and block lists.
type SecurityConfig struct {
	// MaxCommandLength is the maximum raw command string length accepted.
	MaxCommandLength int `yaml:"maxCommandLength" json:"maxCommandLength"`

	// CommandTimeout is the default wall-clock execution bound in seconds.
	CommandTimeout int `yaml:"commandTimeout" json:"commandTimeout"`

	// RestrictWorkingDirectory gates working directories against AllowedPaths.
	RestrictWorkingDirectory bool `yaml:"restrictWorkingDirectory" json:"restrictWorkingDirectory"`

	// LogCommands enables the persisted command history.
	LogCommands bool `yaml:"logCommands" json:"logCommands"`

	// MaxHistorySize caps the number of retained history entries.
	MaxHistorySize int `yaml:"maxHistorySize" json:"maxHistorySize"`

	// BlockedCommands are executable names rejected outright (case-insensitive,
	// compared after path/extension normalization).
	BlockedCommands []string `yaml:"blockedCommands" json:"blockedCommands"`

	// BlockedArguments are substring patterns rejected in any argument token.
	BlockedArguments []string `yaml:"blockedArguments" json:"blockedArguments"`

	// AllowedPaths are the directories under which working directories must
	// fall while RestrictWorkingDirectory is enabled.
	AllowedPaths []string `yaml:"allowedPaths" json:"allowedPaths"`
}

// ShellConfig describes one shell dialect's launcher and its operator rules.
type ShellConfig struct {
	// Enabled marks the dialect as usable for execution.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Command is the launcher executable (e.g. /bin/sh, cmd.exe).
	Command string `yaml:"command" json:"command"`

	// Args are the launcher arguments preceding the command string (e.g. -c, /c).
	Args []string `yaml:"args" json:"args"`

	// BlockedOperators are metacharacter sequences rejected when they appear
	// outside quoted regions of a raw command.
	BlockedOperators []string `yaml:"blockedOperators" json:"blockedOperators"`

	// PathStyle selects path normalization for containment checks.
	PathStyle PathStyle `yaml:"pathStyle" json:"pathStyle"`
}

// ConnectionConfig describes one named remote endpoint.
type ConnectionConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`

	// Password authenticates with a static password when non-empty.
	Password string `yaml:"password,omitempty" json:"password,omitempty"`

	// PrivateKeyPath authenticates with the key file at this path when non-empty.
	PrivateKeyPath string `yaml:"privateKeyPath,omitempty" json:"privateKeyPath,omitempty"`
}

// SSHConfig holds remote-session defaults and the named connection registry.
type SSHConfig struct {
	// Enabled turns the remote execution path on.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// MaxConcurrentSessions caps pooled sessions (Connecting plus Ready).
	MaxConcurrentSessions int `yaml:"maxConcurrentSessions" json:"maxConcurrentSessions"`

	// ConnectTimeout bounds dial plus handshake in seconds.
	ConnectTimeout int `yaml:"connectTimeout" json:"connectTimeout"`

	// CommandTimeout is the default remote command bound in seconds.
	CommandTimeout int `yaml:"commandTimeout" json:"commandTimeout"`

	// KeepaliveInterval is the liveness probe period in seconds.
	KeepaliveInterval int `yaml:"keepaliveInterval" json:"keepaliveInterval"`

	// KeepaliveCountMax is the consecutive missed-probe count that closes a session.
	KeepaliveCountMax int `yaml:"keepaliveCountMax" json:"keepaliveCountMax"`

	// IdleTimeout evicts a session after this many seconds without activity.
	// Zero disables idle eviction.
	IdleTimeout int `yaml:"idleTimeout" json:"idleTimeout"`

	// StrictHostKeyChecking requires the remote host key to match known_hosts.
	StrictHostKeyChecking bool `yaml:"strictHostKeyChecking" json:"strictHostKeyChecking"`

	// KnownHostsFile overrides the default ~/.ssh/known_hosts location.
	KnownHostsFile string `yaml:"knownHostsFile,omitempty" json:"knownHostsFile,omitempty"`

	// Connections maps connection ids to endpoints.
	Connections map[string]ConnectionConfig `yaml:"connections" json:"connections"`
}

// Policy is the canonical security policy. Created once by Load (or Default),
// then shared read-only.
type Policy struct {
	Security SecurityConfig          `yaml:"security" json:"security"`
	Shells   map[Dialect]ShellConfig `yaml:"shells" json:"shells"`
	SSH      SSHConfig               `yaml:"ssh" json:"ssh"`
}

// Shell returns the configuration for a dialect and whether it exists.
func (p Policy) Shell(d Dialect) (ShellConfig, bool) {
	sc, ok := p.Shells[d]
	return sc, ok
}

// EnabledDialects returns the dialects currently enabled for execution, in
// stable order (posix before cmd).
func (p Policy) EnabledDialects() []Dialect {
	var out []Dialect
	for _, d := range []Dialect{DialectPosix, DialectCmd} {
		if sc, ok := p.Shells[d]; ok && sc.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// Clone returns a deep copy. Merge and Load use it so the returned Policy
// shares no slices or maps with its inputs.
func (p Policy) Clone() Policy {
	out := p
	out.Security.BlockedCommands = cloneStrings(p.Security.BlockedCommands)
	out.Security.BlockedArguments = cloneStrings(p.Security.BlockedArguments)
	out.Security.AllowedPaths = cloneStrings(p.Security.AllowedPaths)

	out.Shells = make(map[Dialect]ShellConfig, len(p.Shells))
	for d, sc := range p.Shells {
		sc.Args = cloneStrings(sc.Args)
		sc.BlockedOperators = cloneStrings(sc.BlockedOperators)
		out.Shells[d] = sc
	}

	out.SSH.Connections = make(map[string]ConnectionConfig, len(p.SSH.Connections))
	for id, cc := range p.SSH.Connections {
		out.SSH.Connections[id] = cc
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// defaultBlockedOperators is the operator set applied to both dialects unless
// overridden. Longer sequences are listed first so scans report the most
// specific match.
func defaultBlockedOperators() []string {
	return []string{"&&", "||", ">>", "&", "|", ";", "`", "$(", ">", "<"}
}

// Default returns the hardened default policy. AllowedPaths defaults to the
// user's home directory and the current working directory.
func Default() Policy {
	allowed := make([]string, 0, 2)
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		allowed = append(allowed, filepath.Clean(home))
	}
	if cwd, err := os.Getwd(); err == nil && cwd != "" {
		allowed = append(allowed, filepath.Clean(cwd))
	}

	return Policy{
		Security: SecurityConfig{
			MaxCommandLength:         2048,
			CommandTimeout:           30,
			RestrictWorkingDirectory: true,
			LogCommands:              true,
			MaxHistorySize:           1000,
			BlockedCommands: []string{
				"rm", "del", "rmdir", "format",
				"shutdown", "restart",
				"reg", "regedit", "net", "netsh",
				"takeown", "icacls",
				"mkfs", "dd",
			},
			BlockedArguments: []string{
				"--exec", "-e", "/c", "-enc", "-encodedcommand",
				"-command", "--interactive", "-i", "--login", "--system",
			},
			AllowedPaths: allowed,
		},
		Shells: map[Dialect]ShellConfig{
			DialectPosix: {
				Enabled:          runtime.GOOS != "windows",
				Command:          "/bin/sh",
				Args:             []string{"-c"},
				BlockedOperators: defaultBlockedOperators(),
				PathStyle:        PathStylePosix,
			},
			DialectCmd: {
				Enabled:          runtime.GOOS == "windows",
				Command:          "cmd.exe",
				Args:             []string{"/c"},
				BlockedOperators: defaultBlockedOperators(),
				PathStyle:        PathStyleWindows,
			},
		},
		SSH: SSHConfig{
			Enabled:               false,
			MaxConcurrentSessions: 5,
			ConnectTimeout:        20,
			CommandTimeout:        30,
			KeepaliveInterval:     10,
			KeepaliveCountMax:     3,
			IdleTimeout:           600,
			StrictHostKeyChecking: true,
			Connections:           map[string]ConnectionConfig{},
		},
	}
}
